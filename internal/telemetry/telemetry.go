package telemetry

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerPrefix      = "playback/"
	defaultSampleRate = 0.1
)

// Settings controls trace export. An empty Endpoint disables tracing.
type Settings struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is host:port of an OTLP/HTTP collector.
	Endpoint   string
	Insecure   bool
	SampleRate float64
}

// SettingsFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME,
// OTEL_SERVICE_VERSION and OTEL_TRACE_SAMPLE_RATE. An endpoint without an
// https:// scheme is exported to in plaintext.
func SettingsFromEnv(defaultService string) Settings {
	s := Settings{
		ServiceName:    envOr("OTEL_SERVICE_NAME", defaultService),
		ServiceVersion: envOr("OTEL_SERVICE_VERSION", "dev"),
		Insecure:       true,
		SampleRate:     parseSampleRate(os.Getenv("OTEL_TRACE_SAMPLE_RATE")),
	}
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		endpoint, s.Insecure = rest, false
	} else {
		endpoint = strings.TrimPrefix(endpoint, "http://")
	}
	s.Endpoint = strings.TrimRight(endpoint, "/")
	return s
}

// Init installs the global tracer provider from the environment.
func Init(ctx context.Context, defaultService string) (func(context.Context) error, error) {
	return Setup(ctx, SettingsFromEnv(defaultService))
}

// Setup installs the global tracer provider. The returned shutdown is never
// nil; it is a no-op when tracing is disabled or the exporter failed.
func Setup(ctx context.Context, s Settings) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if s.Endpoint == "" {
		return noop, nil
	}

	exporterOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(s.Endpoint),
		otlptracehttp.WithTimeout(3 * time.Second),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	}
	if s.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exporter, err := otlptracehttp.New(initCtx, exporterOpts...)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(s.ServiceName),
			semconv.ServiceVersion(s.ServiceVersion),
		),
		resource.WithHost(),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Start opens a span named "<component>.<op>" on the component's tracer.
func Start(ctx context.Context, component, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerPrefix+component).Start(ctx, component+"."+op, trace.WithAttributes(attrs...))
}

// End marks the span failed when err is non-nil and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// parseSampleRate accepts a ratio in [0,1]; anything else yields the default.
func parseSampleRate(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultSampleRate
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate < 0 || rate > 1 {
		return defaultSampleRate
	}
	return rate
}
