package azureopenai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"

	"github.com/ncecere/compass_skill/internal/models"
)

// Adapter wraps the official OpenAI Go SDK configured for Azure endpoints.
type Adapter struct {
	client     *openai.Client
	httpClient *http.Client
	endpoint   string
	apiKey     string
	apiVersion string
}

type Options struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	// Timeout bounds a single embeddings call. Zero leaves it to the caller's context.
	Timeout time.Duration
	Extra   []option.RequestOption
}

// New creates a new Azure adapter using the provided endpoint, api key, and api version.
func New(opts Options) (*Adapter, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("azure openai endpoint required")
	}
	if opts.APIKey == "" {
		return nil, errors.New("azure openai api key required")
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "2024-07-01-preview"
	}

	endpoint := strings.TrimSuffix(opts.Endpoint, "/")

	// Retries belong to the vectoriser; the SDK would otherwise retry 429s on its own schedule.
	options := []option.RequestOption{
		azure.WithEndpoint(endpoint, opts.APIVersion),
		azure.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.Timeout > 0 {
		options = append(options, option.WithRequestTimeout(opts.Timeout))
	}
	options = append(options, opts.Extra...)

	client := openai.NewClient(options...)

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
	}

	return &Adapter{
		client:     &client,
		httpClient: httpClient,
		endpoint:   endpoint,
		apiKey:     opts.APIKey,
		apiVersion: opts.APIVersion,
	}, nil
}

// Embed creates embeddings using an Azure OpenAI deployment. The returned
// embeddings are ordered to match req.Input.
func (a *Adapter) Embed(ctx context.Context, req models.EmbeddingsRequest) (models.EmbeddingsResponse, error) {
	if len(req.Input) == 0 {
		return models.EmbeddingsResponse{}, errors.New("embedding input required")
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(req.Model),
	}
	params.Input.OfArrayOfStrings = append(params.Input.OfArrayOfStrings, req.Input...)

	resp, err := a.client.Embeddings.New(ctx, params)
	if err != nil {
		return models.EmbeddingsResponse{}, classifyError(err)
	}

	return convertEmbeddingsResponse(*resp, len(req.Input))
}

// HealthCheck makes a lightweight GET request against the Azure deployments endpoint.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	reqURL := fmt.Sprintf("%s/openai/deployments?api-version=%s", a.endpoint, url.QueryEscape(a.apiVersion))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("api-key", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("azure health check status %d", resp.StatusCode)
	}
	return nil
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", models.ErrRateLimited, err)
	}
	return fmt.Errorf("azure embeddings: %w", err)
}

func convertEmbeddingsResponse(resp openai.CreateEmbeddingResponse, want int) (models.EmbeddingsResponse, error) {
	if len(resp.Data) != want {
		return models.EmbeddingsResponse{}, fmt.Errorf("%w: expected %d embeddings, got %d", models.ErrMalformedResponse, want, len(resp.Data))
	}

	embeddings := make([]models.Embedding, want)
	seen := make([]bool, want)
	for _, item := range resp.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= want || seen[idx] {
			return models.EmbeddingsResponse{}, fmt.Errorf("%w: unexpected index %d", models.ErrMalformedResponse, item.Index)
		}
		if len(item.Embedding) == 0 {
			return models.EmbeddingsResponse{}, fmt.Errorf("%w: empty vector at index %d", models.ErrMalformedResponse, idx)
		}
		seen[idx] = true
		embeddings[idx] = models.Embedding{
			Index:  idx,
			Vector: item.Embedding,
		}
	}

	usage := models.Usage{
		PromptTokens: int32(resp.Usage.PromptTokens),
		TotalTokens:  int32(resp.Usage.TotalTokens),
	}

	return models.EmbeddingsResponse{
		Model:      resp.Model,
		Embeddings: embeddings,
		Usage:      usage,
	}, nil
}
