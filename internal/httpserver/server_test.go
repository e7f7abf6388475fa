package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/compass_skill/internal/app"
	"github.com/ncecere/compass_skill/internal/config"
	"github.com/ncecere/compass_skill/internal/health"
	"github.com/ncecere/compass_skill/internal/models"
	"github.com/ncecere/compass_skill/internal/observability"
	"github.com/ncecere/compass_skill/internal/vectoriser"
)

type echoEmbedder struct{}

func (echoEmbedder) Embed(_ context.Context, req models.EmbeddingsRequest) (models.EmbeddingsResponse, error) {
	resp := models.EmbeddingsResponse{Model: req.Model}
	for i := range req.Input {
		resp.Embeddings = append(resp.Embeddings, models.Embedding{Index: i, Vector: []float64{0.5}})
	}
	return resp, nil
}

func newTestServer(t *testing.T, redisClient *redis.Client, monitor *health.Monitor) *Server {
	t.Helper()

	metrics, err := observability.NewMetricsOnly(promreg.NewRegistry())
	require.NoError(t, err)

	vec, err := vectoriser.New(vectoriser.Options{
		Embedder: echoEmbedder{},
		Model:    "embed",
		Policy:   vectoriser.DefaultRetryPolicy(),
		Metrics:  metrics,
	})
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{Route: "/ai_search_2_compass", BodyLimitMB: 1},
	}
	srv, err := New(&app.Container{
		Config:        cfg,
		Redis:         redisClient,
		Vectoriser:    vec,
		HealthMon:     monitor,
		Observability: metrics,
	})
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestNewRequiresContainerAndConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(&app.Container{})
	require.Error(t, err)
}

func TestServerRoutesSkillRequests(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp, body := do(t, srv, http.MethodPost, "/ai_search_2_compass", `{"values":[{"recordId":"1","data":{"title":"Hello"}}]}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"values":[{"recordId":"1","data":{"title_vector":[0.5]},"errors":null,"warnings":null}]}`, string(body))
	require.NotEmpty(t, resp.Header.Get(fiber.HeaderXRequestID))

	resp, _ = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestServerUnknownRouteUsesJSONError(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp, body := do(t, srv, http.MethodGet, "/nope", "")
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NotEmpty(t, payload["error"])
}

func TestHealthzReportsDependencies(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	srv := newTestServer(t, client, nil)

	resp, body := do(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "ok", payload.Status)
	require.Equal(t, "ok", payload.Checks["redis"]["status"])
	require.Equal(t, "pending", payload.Checks["compass"]["status"])

	mr.Close()
	_, body = do(t, srv, http.MethodGet, "/healthz", "")
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "degraded", payload.Status)
	require.Equal(t, "error", payload.Checks["redis"]["status"])
}
