package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "docgate/gate"

// DecisionMetrics counts access decisions and their latency.
type DecisionMetrics struct {
	decisions metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewDecisionMetrics registers the docgate.decisions counter and docgate.decision.duration
// histogram on mp.
func NewDecisionMetrics(mp metric.MeterProvider) (*DecisionMetrics, error) {
	m := mp.Meter(meterName)
	decisions, err := m.Int64Counter("docgate.decisions",
		metric.WithDescription("Access decisions by operation, outcome and reason."),
		metric.WithUnit("{decision}"))
	if err != nil {
		return nil, err
	}
	latency, err := m.Float64Histogram("docgate.decision.duration",
		metric.WithDescription("Time to reach an access decision."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &DecisionMetrics{decisions: decisions, latency: latency}, nil
}

// RecordDecision adds one decision.
func (d *DecisionMetrics) RecordDecision(ctx context.Context, op string, allow bool, reason, class string, elapsed time.Duration) {
	if d == nil {
		return
	}
	outcome := "deny"
	if allow {
		outcome = "allow"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
		attribute.String("class", class),
	)
	d.decisions.Add(ctx, 1, attrs)
	d.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}
