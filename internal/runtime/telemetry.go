package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

type telemetry struct {
	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	handler  http.Handler
	instr    *instruments
	shutdown func(context.Context) error
}

// setupTelemetry installs tracer and meter providers. Spans go to OTLP when
// an endpoint is configured, to traceOut at debug level, and nowhere
// otherwise. Metrics are always served from a private Prometheus registry.
func setupTelemetry(cfg config.Config, traceOut io.Writer, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, traceOut, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	instr, err := newInstruments(meterProvider.Meter("github.com/loqalabs/loqa-transcribe/internal/runtime"))
	if err != nil {
		return nil, err
	}

	t := &telemetry{
		tracer:  traceProvider,
		meter:   meterProvider,
		handler: metricHandler,
		instr:   instr,
	}
	t.shutdown = func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return t, nil
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, traceOut io.Writer, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
		return tp, nil
	}

	if traceOut != nil && strings.EqualFold(cfg.Telemetry.LogLevel, "debug") {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(traceOut), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exporter),
			sdktrace.WithResource(res),
		)
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
		return tp, nil
	}

	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
}

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return meter, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

type instruments struct {
	cycles    metric.Int64Counter
	empty     metric.Int64Counter
	failures  metric.Int64Counter
	capture   metric.Float64Histogram
	inference metric.Float64Histogram
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
		all []error
	)
	in.cycles, err = m.Int64Counter("transcribe.cycles", metric.WithDescription("Completed record-transcribe cycles"))
	all = append(all, err)
	in.empty, err = m.Int64Counter("transcribe.empty_transcripts", metric.WithDescription("Cycles that produced no text"))
	all = append(all, err)
	in.failures, err = m.Int64Counter("transcribe.failures", metric.WithDescription("Cycles that ended in an error"))
	all = append(all, err)
	in.capture, err = m.Float64Histogram("transcribe.capture.duration", metric.WithUnit("s"))
	all = append(all, err)
	in.inference, err = m.Float64Histogram("transcribe.inference.duration", metric.WithUnit("s"))
	all = append(all, err)
	if err := errors.Join(all...); err != nil {
		return nil, err
	}
	return &in, nil
}

func observeSince(ctx context.Context, h metric.Float64Histogram, since time.Time) {
	h.Record(ctx, time.Since(since).Seconds())
}
