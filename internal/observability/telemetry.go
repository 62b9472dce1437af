package observability

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config selects which telemetry surfaces to expose. Empty addresses disable
// the corresponding exporter, so a bare local run needs no collectors.
type Config struct {
	ServiceName  string
	MetricsAddr  string
	OTLPEndpoint string
}

// Start brings up the metrics listener and, when an OTLP endpoint is
// configured, the trace pipeline. The returned function tears both down and
// belongs in the server's shutdown sequence.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	registerEngineCollectors(cfg.ServiceName)

	traceShutdown, err := startTracing(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	metricsShutdown := startMetrics(cfg, logger)

	return func(ctx context.Context) error {
		metricsShutdown(ctx)
		return traceShutdown(ctx)
	}, nil
}

func startTracing(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		)),
	)
	otel.SetTracerProvider(provider)
	logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("otlp tracing enabled")
	return provider.Shutdown, nil
}

func startMetrics(cfg Config, logger zerolog.Logger) func(context.Context) {
	if cfg.MetricsAddr == "" {
		return func(context.Context) {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")
	return func(ctx context.Context) { _ = srv.Shutdown(ctx) }
}

// LoggerWithTrace stamps log events with the active span so a transition's
// log line can be joined to its trace.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
}

// registerEngineCollectors exposes the engine's identity and uptime. Uptime
// makes boundary-notification gaps attributable to restarts: a tracker's
// one-shot latches reset with the process, so alert dedup downstream keys on
// this.
func registerEngineCollectors(serviceName string) {
	startedAt := time.Now()

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "info",
		Help:      "Constant gauge labeled with the running service identity.",
	}, []string{"service"})
	info.WithLabelValues(serviceName).Set(1)

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "uptime_seconds",
		Help:      "Seconds since the engine process started.",
	}, func() float64 {
		return time.Since(startedAt).Seconds()
	})

	prometheus.MustRegister(info, uptime)
}

// RegisterRuntimeCollectors adds goroutine and GC pause gauges for the tick
// loops: a leaked tracker shows up here first.
func RegisterRuntimeCollectors() {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "runtime",
		Name:      "goroutines",
		Help:      "Number of goroutines in the process.",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	}))

	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "runtime",
		Name:      "last_gc_pause_seconds",
		Help:      "Duration of the most recent GC pause.",
	}, func() float64 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		if len(stats.PauseNs) == 0 {
			return 0
		}
		return float64(stats.PauseNs[(stats.NumGC+255)%256]) / float64(time.Second)
	}))
}
