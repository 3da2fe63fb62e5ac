// Package tracing attaches OpenTelemetry tracing to function invocations.
//
// Setup builds the process-wide provider (OTLP over HTTP); Wrapper turns it
// into a host.Wrapper that opens one span per invocation. Functions make no
// tracing calls of their own.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	logx "tickhost/pkg/logx"
)

const (
	defaultServiceName = "tickhost"
	shutdownTimeout    = 5 * time.Second
)

// Config controls the tracing agent.
type Config struct {
	Enabled        bool
	Endpoint       string // host:port, or a full URL such as http://collector:4318
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	SampleRatio    float64 // 0 means always sample
}

// FromEnv fills unset fields from the standard OTEL_* variables. A set
// OTEL_EXPORTER_OTLP_ENDPOINT enables tracing; OTEL_SDK_DISABLED=true turns it off.
func FromEnv(cfg Config) Config {
	if cfg.Endpoint == "" {
		if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")); v != "" {
			cfg.Endpoint = v
			cfg.Enabled = true
		} else if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
			cfg.Endpoint = v
			cfg.Enabled = true
		}
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME"))
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED"))); err == nil && v {
		cfg.Enabled = false
	}
	return cfg
}

// Provider owns the tracer provider and its shutdown.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(ctx context.Context) error
	enabled  bool
}

// TracerProvider returns the provider spans are created from.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p.enabled }

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return p.shutdown(ctx)
}

// Setup builds the provider for cfg. A disabled config yields a no-op provider.
func Setup(ctx context.Context, cfg Config, log logx.Logger) (*Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Enabled {
		log.Debug("tracing disabled")
		return &Provider{tp: noop.NewTracerProvider()}, nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = "localhost:4318"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithFromEnv(),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Info("tracing enabled",
		logx.String("endpoint", cfg.Endpoint),
		logx.String("service", cfg.ServiceName),
		logx.Any("sample_ratio", cfg.SampleRatio),
	)
	return &Provider{tp: tp, shutdown: tp.Shutdown, enabled: true}, nil
}

func exporterOptions(cfg Config) []otlptracehttp.Option {
	ep := strings.TrimSpace(cfg.Endpoint)
	if strings.Contains(ep, "://") {
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(ep)}
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}
