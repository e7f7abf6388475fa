// Package vectoriser turns one custom skill record into embedding vectors.
//
// Every failure is contained in the returned record: Vectorise never returns
// an error, so one bad record cannot abort the rest of a batch.
package vectoriser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ncecere/compass_skill/internal/models"
	"github.com/ncecere/compass_skill/internal/observability"
	"github.com/ncecere/compass_skill/internal/requestctx"
)

// FailureMessage is the only error text returned to callers. Causes are logged.
const FailureMessage = "Failed to vectorise input records with CompassAPI. Check function app logs for more details of exact failure."

// Embedder produces one vector per input string, in input order.
type Embedder interface {
	Embed(ctx context.Context, req models.EmbeddingsRequest) (models.EmbeddingsResponse, error)
}

// Gate admits provider calls. Acquire returns models.ErrRateLimited when the
// caller should back off.
type Gate interface {
	Acquire(ctx context.Context) (func(), error)
}

type Options struct {
	Embedder Embedder
	Model    string
	Policy   RetryPolicy
	Gate     Gate
	Metrics  *observability.Provider
	Logger   *slog.Logger
}

type Vectoriser struct {
	embedder Embedder
	model    string
	policy   RetryPolicy
	gate     Gate
	metrics  *observability.Provider
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(opts Options) (*Vectoriser, error) {
	if opts.Embedder == nil {
		return nil, errors.New("vectoriser: embedder required")
	}
	if opts.Model == "" {
		return nil, errors.New("vectoriser: embedding model required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Vectoriser{
		embedder: opts.Embedder,
		model:    opts.Model,
		policy:   opts.Policy,
		gate:     opts.Gate,
		metrics:  opts.Metrics,
		logger:   logger,
		sleep:    sleepContext,
	}, nil
}

// Vectorise embeds all text fields of rec with a single provider call and
// retries only when the provider signals a rate limit.
func (v *Vectoriser) Vectorise(ctx context.Context, rec models.InputRecord) (out models.OutputRecord) {
	logger := v.logger.With(slog.String("record_id", rec.RecordID))
	if rc, ok := requestctx.FromContext(ctx); ok {
		logger = logger.With(slog.String("batch_id", rc.BatchID))
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("vectorise panicked", slog.Any("panic", r))
			out = failure(rec)
		}
		if out.Failed() {
			v.metrics.RecordRecord("failed")
		} else {
			v.metrics.RecordRecord("success")
		}
	}()

	texts, err := rec.Data.Texts()
	if err != nil {
		logger.Error("record rejected before embedding", slog.String("error", err.Error()))
		return failure(rec)
	}

	for attempt := 1; ; attempt++ {
		resp, err := v.embed(ctx, texts)
		if err == nil {
			logger.Debug("embeddings received", slog.Int("vectors", len(resp.Embeddings)), slog.Int("attempt", attempt))
			return success(rec, resp)
		}

		if !errors.Is(err, models.ErrRateLimited) {
			logger.Error("embedding provider error", slog.String("error", err.Error()))
			return failure(rec)
		}

		logger.Error("embedding provider rate limit", slog.String("error", err.Error()), slog.Int("attempt", attempt))
		triesLeft := v.policy.MaxAttempts - attempt
		if triesLeft <= 0 {
			logger.Info("failed to vectorise record after retries", slog.Int("attempts", attempt))
			return failure(rec)
		}

		delay := v.policy.Backoff(triesLeft)
		logger.Info("retrying vectorisation of record",
			slog.Int("tries_left", triesLeft),
			slog.Duration("backoff", delay))
		v.metrics.RecordRetry()
		if err := v.sleep(ctx, delay); err != nil {
			logger.Error("retry abandoned", slog.String("error", err.Error()))
			return failure(rec)
		}
	}
}

func (v *Vectoriser) embed(ctx context.Context, texts []string) (models.EmbeddingsResponse, error) {
	if v.gate != nil {
		release, err := v.gate.Acquire(ctx)
		if err != nil {
			return models.EmbeddingsResponse{}, err
		}
		defer release()
	}

	start := time.Now()
	resp, err := v.embedder.Embed(ctx, models.EmbeddingsRequest{
		Model: v.model,
		Input: texts,
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if len(resp.Embeddings) != len(texts) {
			err = fmt.Errorf("%w: expected %d embeddings, got %d", models.ErrMalformedResponse, len(texts), len(resp.Embeddings))
			v.metrics.RecordProviderCall("error", elapsed, 0)
			return models.EmbeddingsResponse{}, err
		}
		v.metrics.RecordProviderCall("ok", elapsed, resp.Usage.PromptTokens)
	case errors.Is(err, models.ErrRateLimited):
		v.metrics.RecordProviderCall("rate_limited", elapsed, 0)
	default:
		v.metrics.RecordProviderCall("error", elapsed, 0)
	}
	return resp, err
}

func success(rec models.InputRecord, resp models.EmbeddingsResponse) models.OutputRecord {
	vectors := make(models.Vectors, 0, len(rec.Data))
	for i, field := range rec.Data {
		vectors = append(vectors, models.Vector{
			Key:    field.Name + models.VectorSuffix,
			Values: resp.Embeddings[i].Vector,
		})
	}
	return models.OutputRecord{
		RecordID: rec.RecordID,
		Data:     vectors,
	}
}

func failure(rec models.InputRecord) models.OutputRecord {
	return models.OutputRecord{
		RecordID: rec.RecordID,
		Data:     models.Vectors{},
		Errors:   []models.RecordMessage{{Message: FailureMessage}},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
