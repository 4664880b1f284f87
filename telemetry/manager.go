package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/KOMKZ/go-yogan-quota/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Manager owns the tracer and meter providers of the process
type Manager struct {
	config         Config
	logger         *logger.CtxZapLogger
	writer         io.Writer // stdout exporter target
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// ManagerOption manager option
type ManagerOption func(*Manager)

// WithWriter redirects the stdout exporters
func WithWriter(w io.Writer) ManagerOption {
	return func(m *Manager) {
		m.writer = w
	}
}

// NewManager creates a telemetry manager; nil log uses module "quota"
func NewManager(cfg Config, log *logger.CtxZapLogger, opts ...ManagerOption) *Manager {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.GetLogger("quota")
	}
	m := &Manager{config: cfg, logger: log, writer: os.Stdout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start builds the providers and installs them globally. Disabled telemetry is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.InfoCtx(ctx, "Telemetry disabled, skipping initialization")
		return nil
	}
	if err := m.config.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	res, err := m.createResource(ctx)
	if err != nil {
		return fmt.Errorf("create resource failed: %w", err)
	}

	spanExporter, err := m.createSpanExporter(ctx)
	if err != nil {
		return fmt.Errorf("create span exporter failed: %w", err)
	}
	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(m.createSampler()),
		sdktrace.WithBatcher(spanExporter),
	)
	otel.SetTracerProvider(m.tracerProvider)

	if m.config.Metrics.Enabled {
		metricExporter, err := m.createMetricExporter(ctx)
		if err != nil {
			return fmt.Errorf("create metric exporter failed: %w", err)
		}
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		if metricExporter != nil {
			opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(m.config.Metrics.ExportInterval),
				sdkmetric.WithTimeout(m.config.Metrics.ExportTimeout),
			)))
		}
		m.meterProvider = sdkmetric.NewMeterProvider(opts...)
		otel.SetMeterProvider(m.meterProvider)
	}

	m.logger.InfoCtx(ctx, "✅ Telemetry started",
		zap.String("service_name", m.config.ServiceName),
		zap.String("exporter", m.config.Exporter.Type),
		zap.Bool("metrics", m.config.Metrics.Enabled))
	return nil
}

func (m *Manager) createSampler() sdktrace.Sampler {
	switch m.config.Sampler.Type {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "trace_id_ratio":
		return sdktrace.TraceIDRatioBased(m.config.Sampler.Ratio)
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

// Tracer returns a tracer; no-op before Start or when disabled
func (m *Manager) Tracer(name string) trace.Tracer {
	if m.tracerProvider == nil {
		return tracenoop.NewTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Meter returns a meter; no-op when metrics are disabled
func (m *Manager) Meter(name string) metric.Meter {
	if m.meterProvider == nil {
		return metricnoop.NewMeterProvider().Meter(name)
	}
	return m.meterProvider.Meter(name)
}

// IsEnabled whether enabled
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled
}

// Shutdown flushes and stops both providers
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	if m.tracerProvider != nil {
		if err := m.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider failed: %w", err))
		}
	}
	if m.meterProvider != nil {
		if err := m.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider failed: %w", err))
		}
	}
	return errors.Join(errs...)
}
