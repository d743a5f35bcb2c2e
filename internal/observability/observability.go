// Package observability owns the OpenTelemetry wiring: stdout exporters for
// traces and metrics, provider lifecycle, and a ToolAPI wrapper that spans
// every dispatch. Disabled concerns collapse to no-ops so callers never
// branch on configuration.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects which telemetry signals are active.
type Config struct {
	// ServiceName and ServiceVersion annotate every exported signal.
	ServiceName    string
	ServiceVersion string

	// TracingEnabled turns on the stdout trace exporter.
	TracingEnabled bool

	// MetricsEnabled turns on the periodic stdout metric reader.
	MetricsEnabled bool

	// SampleRatio is the trace sampling ratio in (0, 1].
	SampleRatio float64

	// Writer receives the exported signals. Defaults to os.Stdout inside
	// the exporters; tests point it at a buffer.
	Writer io.Writer
}

// Manager holds the telemetry providers and shuts them down together.
type Manager struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger
}

// NewManager builds the enabled providers and registers them globally.
// With everything disabled it returns a manager whose tracer is a no-op
// and whose Shutdown does nothing.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName),
		logger: logger,
	}

	if !cfg.TracingEnabled && !cfg.MetricsEnabled {
		return m, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	if cfg.TracingEnabled {
		var traceOpts []stdouttrace.Option
		if cfg.Writer != nil {
			traceOpts = append(traceOpts, stdouttrace.WithWriter(cfg.Writer))
		}
		exporter, err := stdouttrace.New(traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		ratio := cfg.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1.0
		}
		m.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		)
		otel.SetTracerProvider(m.tracerProvider)
		m.tracer = m.tracerProvider.Tracer(cfg.ServiceName)

		logger.Info("tracing initialized", "sample_ratio", ratio)
	}

	if cfg.MetricsEnabled {
		var metricOpts []stdoutmetric.Option
		if cfg.Writer != nil {
			metricOpts = append(metricOpts, stdoutmetric.WithWriter(cfg.Writer))
		}
		exporter, err := stdoutmetric.New(metricOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}

		m.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(time.Minute))),
		)
		otel.SetMeterProvider(m.meterProvider)

		logger.Info("metric export initialized")
	}

	return m, nil
}

// Tracer returns the dispatch tracer. Always non-nil.
func (m *Manager) Tracer() trace.Tracer {
	return m.tracer
}

// Meter returns a meter from the active provider, or the global default
// when metric export is disabled.
func (m *Manager) Meter(name string) metric.Meter {
	if m.meterProvider != nil {
		return m.meterProvider.Meter(name)
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops the active providers.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	if m.tracerProvider != nil {
		if err := m.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if m.meterProvider != nil {
		if err := m.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// attrToolName is the span/metric attribute key for the published tool name.
const attrToolName = "tool.name"

func toolAttr(name string) attribute.KeyValue {
	return attribute.String(attrToolName, name)
}
