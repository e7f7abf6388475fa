package skill

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/ncecere/compass_skill/internal/app"
	"github.com/ncecere/compass_skill/internal/httpserver/httputil"
	"github.com/ncecere/compass_skill/internal/models"
	"github.com/ncecere/compass_skill/internal/observability"
	"github.com/ncecere/compass_skill/internal/requestctx"
)

// InvalidPayloadMessage is returned with HTTP 400 when the envelope cannot be used.
const InvalidPayloadMessage = "Please provide a valid custom skill payload in the request body."

var (
	errEmptyBody     = errors.New("request body is empty")
	errInvalidJSON   = errors.New("request body is not valid JSON")
	errNotObject     = errors.New("request body is not a JSON object")
	errMissingValues = errors.New("request body has no values array")
	errBadRecord     = errors.New("values entry is not an object")
)

// RecordVectoriser is satisfied by *vectoriser.Vectoriser.
type RecordVectoriser interface {
	Vectorise(ctx context.Context, rec models.InputRecord) models.OutputRecord
}

type Handler struct {
	vectoriser     RecordVectoriser
	maxConcurrency int
	metrics        *observability.Provider
	logger         *slog.Logger
}

type Options struct {
	// MaxConcurrency caps in-flight records per batch; zero means unbounded.
	MaxConcurrency int
	Metrics        *observability.Provider
	Logger         *slog.Logger
}

func NewHandler(v RecordVectoriser, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		vectoriser:     v,
		maxConcurrency: opts.MaxConcurrency,
		metrics:        opts.Metrics,
		logger:         logger,
	}
}

// Register mounts the custom skill route.
func Register(router fiber.Router, container *app.Container) {
	cfg := container.Config
	handler := NewHandler(container.Vectoriser, Options{
		MaxConcurrency: cfg.Vectorise.MaxConcurrency,
		Metrics:        container.Observability,
		Logger:         container.Logger,
	})
	router.Post(cfg.Server.Route, handler.Handle)
}

// Handle vectorises every record of the batch concurrently and answers in input order.
func (h *Handler) Handle(c *fiber.Ctx) error {
	id := batchID(c)
	logger := h.logger.With(slog.String("batch_id", id))

	batch, err := parseBatch(c.Body())
	if err != nil {
		logger.Warn("rejected custom skill payload", slog.String("error", err.Error()))
		return httputil.WriteText(c, fiber.StatusBadRequest, InvalidPayloadMessage)
	}

	logger.Info("custom skill batch received", slog.Int("records", len(batch.Values)))
	if logger.Enabled(c.UserContext(), slog.LevelDebug) {
		logger.Debug("input values", slog.Any("values", batch.Values))
	}
	h.metrics.RecordBatch(len(batch.Values))

	ctx := requestctx.WithContext(c.UserContext(), &requestctx.Context{
		BatchID:    id,
		Records:    len(batch.Values),
		ReceivedAt: time.Now().UTC(),
	})
	results := h.vectoriseAll(ctx, batch.Values)

	failed := 0
	for _, out := range results {
		if out.Failed() {
			failed++
		}
	}
	logger.Info("custom skill batch vectorised",
		slog.Int("records", len(results)),
		slog.Int("failed", failed))
	if logger.Enabled(c.UserContext(), slog.LevelDebug) {
		logger.Debug("results", slog.Any("values", results))
	}

	return c.Status(fiber.StatusOK).JSON(models.BatchResponse{Values: results})
}

func (h *Handler) vectoriseAll(ctx context.Context, records []models.InputRecord) []models.OutputRecord {
	results := make([]models.OutputRecord, len(records))

	var g errgroup.Group
	if h.maxConcurrency > 0 {
		g.SetLimit(h.maxConcurrency)
	}
	for i, rec := range records {
		g.Go(func() error {
			results[i] = h.vectoriser.Vectorise(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func parseBatch(body []byte) (models.BatchRequest, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return models.BatchRequest{}, errEmptyBody
	}
	if !gjson.ValidBytes(body) {
		return models.BatchRequest{}, errInvalidJSON
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return models.BatchRequest{}, errNotObject
	}
	values := root.Get("values")
	if !values.IsArray() {
		return models.BatchRequest{}, errMissingValues
	}

	batch := models.BatchRequest{Values: []models.InputRecord{}}
	var parseErr error
	values.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			parseErr = errBadRecord
			return false
		}
		batch.Values = append(batch.Values, models.InputRecord{
			RecordID: item.Get("recordId").String(),
			Data:     models.ParseFields(item.Get("data")),
		})
		return true
	})
	if parseErr != nil {
		return models.BatchRequest{}, parseErr
	}
	return batch, nil
}

func batchID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
