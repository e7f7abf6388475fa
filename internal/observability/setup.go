package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ncecere/compass_skill/internal/config"
)

const namespace = "compass_skill"

// Provider owns tracing and metrics for the service. A nil *Provider is valid
// and records nothing.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter *promreg.CounterVec
	httpRequestLatency *promreg.HistogramVec
	providerLatency    *promreg.HistogramVec
	providerTokens     promreg.Counter
	recordCounter      *promreg.CounterVec
	retryCounter       promreg.Counter
	batchSize          promreg.Histogram
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("compass-skill"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		endpoint, opts := otlpOptions(cfg.OTLPEndpoint)
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		if err := provider.setupMetrics(registry, res); err != nil {
			return nil, err
		}
	}

	return provider, nil
}

// NewMetricsOnly builds a provider that records into registry without any
// exporters. It is used by tests and tools that scrape in-process.
func NewMetricsOnly(registry *promreg.Registry) (*Provider, error) {
	provider := &Provider{}
	if err := provider.registerCollectors(registry); err != nil {
		return nil, err
	}
	provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return provider, nil
}

func (p *Provider) setupMetrics(registry *promreg.Registry, res *resource.Resource) error {
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return err
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(promExporter),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	p.meterProvider = mp
	p.promExporter = promExporter
	p.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
	p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	return p.registerCollectors(registry)
}

func (p *Provider) registerCollectors(registry *promreg.Registry) error {
	latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 120}

	httpRequests := promreg.NewCounterVec(
		promreg.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpLatency := promreg.NewHistogramVec(
		promreg.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   latencyBuckets,
		},
		[]string{"method", "route", "status"},
	)
	providerLatency := promreg.NewHistogramVec(
		promreg.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of embedding provider calls.",
			Buckets:   latencyBuckets,
		},
		[]string{"outcome"},
	)
	providerTokens := promreg.NewCounter(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "provider_tokens_total",
		Help:      "Prompt tokens reported by the embedding provider.",
	})
	records := promreg.NewCounterVec(
		promreg.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records vectorised, by outcome.",
		},
		[]string{"outcome"},
	)
	retries := promreg.NewCounter(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_retries_total",
		Help:      "Provider calls retried after a rate limit.",
	})
	batchSize := promreg.NewHistogram(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_records",
		Help:      "Number of records per inbound batch.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 1000},
	})

	for _, c := range []promreg.Collector{httpRequests, httpLatency, providerLatency, providerTokens, records, retries, batchSize} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}

	p.httpRequestCounter = httpRequests
	p.httpRequestLatency = httpLatency
	p.providerLatency = providerLatency
	p.providerTokens = providerTokens
	p.recordCounter = records
	p.retryCounter = retries
	p.batchSize = batchSize
	return nil
}

func otlpOptions(raw string) (string, []otlptracegrpc.Option) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	var opts []otlptracegrpc.Option
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		opts = append(opts, otlptracegrpc.WithInsecure())
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	default:
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return endpoint, opts
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}

	statusLabel := strconv.Itoa(status)

	if p.httpRequestCounter != nil {
		p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	}

	if p.httpRequestLatency != nil {
		p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	}
}

// RecordProviderCall observes one embeddings call. outcome is ok, rate_limited or error.
func (p *Provider) RecordProviderCall(outcome string, duration time.Duration, promptTokens int32) {
	if p == nil || p.providerLatency == nil {
		return
	}
	p.providerLatency.WithLabelValues(outcome).Observe(duration.Seconds())
	if promptTokens > 0 {
		p.providerTokens.Add(float64(promptTokens))
	}
}

func (p *Provider) RecordRecord(outcome string) {
	if p == nil || p.recordCounter == nil {
		return
	}
	p.recordCounter.WithLabelValues(outcome).Inc()
}

func (p *Provider) RecordRetry() {
	if p == nil || p.retryCounter == nil {
		return
	}
	p.retryCounter.Inc()
}

func (p *Provider) RecordBatch(size int) {
	if p == nil || p.batchSize == nil {
		return
	}
	p.batchSize.Observe(float64(size))
}
