package skill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/compass_skill/internal/models"
	"github.com/ncecere/compass_skill/internal/vectoriser"
)

const route = "/ai_search_2_compass"

type stubEmbedder struct {
	calls   atomic.Int32
	vectors map[string][]float64
	limited map[string]bool
}

func (s *stubEmbedder) Embed(_ context.Context, req models.EmbeddingsRequest) (models.EmbeddingsResponse, error) {
	s.calls.Add(1)
	resp := models.EmbeddingsResponse{Model: req.Model}
	for i, text := range req.Input {
		if s.limited[text] {
			return models.EmbeddingsResponse{}, models.ErrRateLimited
		}
		vec, ok := s.vectors[text]
		if !ok {
			vec = []float64{float64(len(text))}
		}
		resp.Embeddings = append(resp.Embeddings, models.Embedding{Index: i, Vector: vec})
	}
	return resp, nil
}

func newTestApp(t *testing.T, embedder *stubEmbedder, maxConcurrency int) *fiber.App {
	t.Helper()
	v, err := vectoriser.New(vectoriser.Options{
		Embedder: embedder,
		Model:    "embed-deployment",
		Policy:   vectoriser.RetryPolicy{MaxAttempts: 3, BackoffBase: 15, BackoffUnit: 0},
	})
	require.NoError(t, err)

	app := fiber.New()
	app.Post(route, NewHandler(v, Options{MaxConcurrency: maxConcurrency}).Handle)
	return app
}

func post(t *testing.T, app *fiber.App, body string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, route, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req, int((5 * time.Second).Milliseconds()))
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestHandleSingleRecordScenario(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{"Hello": {0.1, 0.2}}}
	app := newTestApp(t, embedder, 0)

	resp, body := post(t, app, `{"values":[{"recordId":"1","data":{"title":"Hello"}}]}`)

	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON)
	require.Equal(t,
		`{"values":[{"recordId":"1","data":{"title_vector":[0.1,0.2]},"errors":null,"warnings":null}]}`,
		body)
	require.Equal(t, int32(1), embedder.calls.Load())
}

func TestHandleMixedBatchKeepsOrderAndIsolation(t *testing.T) {
	embedder := &stubEmbedder{
		vectors: map[string][]float64{"ok": {1, 2}},
		limited: map[string]bool{"throttled": true},
	}
	app := newTestApp(t, embedder, 0)

	resp, body := post(t, app, `{"values":[
		{"recordId":"a","data":{"title":"ok"}},
		{"recordId":"b","data":{"title":"throttled"}}
	]}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out models.BatchResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Len(t, out.Values, 2)

	require.Equal(t, "a", out.Values[0].RecordID)
	require.Nil(t, out.Values[0].Errors)
	vec, ok := out.Values[0].Data.Get("title_vector")
	require.True(t, ok)
	require.Equal(t, []float64{1, 2}, vec)

	require.Equal(t, "b", out.Values[1].RecordID)
	require.Empty(t, out.Values[1].Data)
	require.Len(t, out.Values[1].Errors, 1)
	require.Equal(t, vectoriser.FailureMessage, out.Values[1].Errors[0].Message)
	require.Nil(t, out.Values[1].Warnings)

	// one call for the good record, three attempts for the throttled one
	require.Equal(t, int32(4), embedder.calls.Load())
	require.Contains(t, body, `"data":{}`)
}

func TestHandlePreservesInputOrderForLargeBatches(t *testing.T) {
	for _, limit := range []int{0, 3} {
		embedder := &stubEmbedder{}
		app := newTestApp(t, embedder, limit)

		var sb strings.Builder
		sb.WriteString(`{"values":[`)
		for i := 0; i < 50; i++ {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(`{"recordId":"` + strings.Repeat("x", i) + `id","data":{"f":"` + strings.Repeat("y", i+1) + `"}}`)
		}
		sb.WriteString(`]}`)

		resp, body := post(t, app, sb.String())
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		var out models.BatchResponse
		require.NoError(t, json.Unmarshal([]byte(body), &out))
		require.Len(t, out.Values, 50)
		for i, rec := range out.Values {
			require.Equal(t, strings.Repeat("x", i)+"id", rec.RecordID)
			vec, ok := rec.Data.Get("f_vector")
			require.True(t, ok)
			require.Equal(t, []float64{float64(i + 1)}, vec)
		}
	}
}

func TestHandleEmptyBatch(t *testing.T) {
	embedder := &stubEmbedder{}
	app := newTestApp(t, embedder, 0)

	resp, body := post(t, app, `{"values":[]}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, `{"values":[]}`, body)
	require.Zero(t, embedder.calls.Load())
}

func TestHandleRejectsMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "not json", body: "values=1"},
		{name: "truncated", body: `{"values":[`},
		{name: "array root", body: `[{"recordId":"1"}]`},
		{name: "missing values", body: `{"records":[]}`},
		{name: "null values", body: `{"values":null}`},
		{name: "values object", body: `{"values":{"recordId":"1"}}`},
		{name: "record not object", body: `{"values":["text"]}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			embedder := &stubEmbedder{}
			app := newTestApp(t, embedder, 0)

			resp, body := post(t, app, tt.body)
			require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
			require.Equal(t, InvalidPayloadMessage, body)
			require.True(t, strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMETextPlain))
			require.Zero(t, embedder.calls.Load())
		})
	}
}

func TestParseBatchKeepsFieldOrderAndNumericIDs(t *testing.T) {
	batch, err := parseBatch([]byte(`{"values":[{"recordId":42,"data":{"z":"1","a":"2"}}]}`))
	require.NoError(t, err)
	require.Len(t, batch.Values, 1)
	require.Equal(t, "42", batch.Values[0].RecordID)
	require.Equal(t, "z", batch.Values[0].Data[0].Name)
	require.Equal(t, "a", batch.Values[0].Data[1].Name)
}

// barrierEmbedder holds every call until target calls are in flight at once.
type barrierEmbedder struct {
	target   int32
	wait     time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	timedOut atomic.Int32
}

func (b *barrierEmbedder) Embed(_ context.Context, req models.EmbeddingsRequest) (models.EmbeddingsResponse, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	deadline := time.Now().Add(b.wait)
	for b.inFlight.Load() < b.target && b.peak.Load() < b.target {
		if time.Now().After(deadline) {
			b.timedOut.Add(1)
			return models.EmbeddingsResponse{}, errors.New("barrier not reached")
		}
		time.Sleep(time.Millisecond)
	}

	resp := models.EmbeddingsResponse{Model: req.Model}
	for i := range req.Input {
		resp.Embeddings = append(resp.Embeddings, models.Embedding{Index: i, Vector: []float64{1}})
	}
	return resp, nil
}

func batchOf(n int) string {
	var sb strings.Builder
	sb.WriteString(`{"values":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"recordId":"%d","data":{"f":"text"}}`, i)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

func newBarrierApp(t *testing.T, embedder *barrierEmbedder, maxConcurrency int) *fiber.App {
	t.Helper()
	v, err := vectoriser.New(vectoriser.Options{
		Embedder: embedder,
		Model:    "embed-deployment",
		Policy:   vectoriser.RetryPolicy{MaxAttempts: 3, BackoffBase: 15, BackoffUnit: 0},
	})
	require.NoError(t, err)

	app := fiber.New()
	app.Post(route, NewHandler(v, Options{MaxConcurrency: maxConcurrency}).Handle)
	return app
}

func TestHandleVectorisesRecordsConcurrently(t *testing.T) {
	const records = 8
	embedder := &barrierEmbedder{target: records, wait: 3 * time.Second}
	app := newBarrierApp(t, embedder, 0)

	resp, body := post(t, app, batchOf(records))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out models.BatchResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Len(t, out.Values, records)
	for i, rec := range out.Values {
		require.Equal(t, fmt.Sprint(i), rec.RecordID)
		require.Nil(t, rec.Errors)
	}
	require.Zero(t, embedder.timedOut.Load())
	require.Equal(t, int32(records), embedder.peak.Load())
}

func TestHandleCapsInFlightRecords(t *testing.T) {
	const (
		records = 9
		limit   = 3
	)
	embedder := &barrierEmbedder{target: limit, wait: 3 * time.Second}
	app := newBarrierApp(t, embedder, limit)

	resp, body := post(t, app, batchOf(records))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out models.BatchResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Len(t, out.Values, records)
	for _, rec := range out.Values {
		require.Nil(t, rec.Errors)
	}
	require.Equal(t, int32(limit), embedder.peak.Load())
}

func TestHandleCollapsesRepeatedDataKeys(t *testing.T) {
	embedder := &stubEmbedder{}
	app := newTestApp(t, embedder, 0)

	resp, body := post(t, app, `{"values":[{"recordId":"1","data":{"t":"a","t":"bb"}}]}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, `{"values":[{"recordId":"1","data":{"t_vector":[2]},"errors":null,"warnings":null}]}`, body)
}
