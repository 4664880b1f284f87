package limiter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Check result labels
const (
	resultAllowed  = "allowed"
	resultRejected = "rejected"
	resultDegraded = "degraded"
)

// Metrics OpenTelemetry instruments of the limiter
type Metrics struct {
	checks             metric.Int64Counter     // admission checks by identifier/result
	reconciled         metric.Int64Counter     // buckets rewritten by Update
	staleConfiguration metric.Int64Counter     // stored config differs from registry
	storeRoundTrip     metric.Float64Histogram // store latency by op/status
}

// NewMetrics registers instruments on meter; nil meter yields no-op instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("quota")
	}

	m := &Metrics{}
	var err error

	m.checks, err = meter.Int64Counter(
		"quota_checks_total",
		metric.WithDescription("Total number of rate limit checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, err
	}

	m.reconciled, err = meter.Int64Counter(
		"quota_buckets_reconciled_total",
		metric.WithDescription("Total number of buckets reconciled after a rate limit update"),
		metric.WithUnit("{bucket}"),
	)
	if err != nil {
		return nil, err
	}

	m.staleConfiguration, err = meter.Int64Counter(
		"quota_stale_configurations_total",
		metric.WithDescription("Buckets found with a configuration differing from the registry"),
		metric.WithUnit("{bucket}"),
	)
	if err != nil {
		return nil, err
	}

	m.storeRoundTrip, err = meter.Float64Histogram(
		"quota_store_roundtrip_seconds",
		metric.WithDescription("Rate limit store round-trip duration distribution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordCheck(ctx context.Context, identifier, result string) {
	m.checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("identifier", identifier),
		attribute.String("result", result),
	))
}

func (m *Metrics) recordReconciled(ctx context.Context, identifier string, n int64) {
	if n == 0 {
		return
	}
	m.reconciled.Add(ctx, n, metric.WithAttributes(attribute.String("identifier", identifier)))
}

func (m *Metrics) recordStale(ctx context.Context, identifier string) {
	m.staleConfiguration.Add(ctx, 1, metric.WithAttributes(attribute.String("identifier", identifier)))
}

func (m *Metrics) recordRoundTrip(ctx context.Context, op string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.storeRoundTrip.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	))
}
