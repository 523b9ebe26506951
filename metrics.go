package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/tidemark/resilience"

	metricNameTransitionsTotal = "resilience.breaker.transitions.total"
	metricNameRejectionsTotal  = "resilience.breaker.rejections.total"
	metricNameExecuteDuration  = "resilience.breaker.execute.duration"
)

// breakerMetrics collects OpenTelemetry metrics for a circuit breaker.
// A nil receiver is valid and records nothing, so the breaker can call
// through unconditionally whether or not a meter provider was configured.
type breakerMetrics struct {
	transitionsTotal metric.Int64Counter
	rejectionsTotal  metric.Int64Counter
	executeDuration  metric.Float64Histogram
}

// newBreakerMetrics builds the breaker's instruments. A nil provider
// disables collection.
func newBreakerMetrics(provider metric.MeterProvider) (*breakerMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(meterName)

	transitionsTotal, err := meter.Int64Counter(
		metricNameTransitionsTotal,
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	rejectionsTotal, err := meter.Int64Counter(
		metricNameRejectionsTotal,
		metric.WithDescription("Requests rejected while the circuit was open"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	executeDuration, err := meter.Float64Histogram(
		metricNameExecuteDuration,
		metric.WithDescription("Wrapped operation execution time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	return &breakerMetrics{
		transitionsTotal: transitionsTotal,
		rejectionsTotal:  rejectionsTotal,
		executeDuration:  executeDuration,
	}, nil
}

func (m *breakerMetrics) recordTransition(ctx context.Context, service string, from, to State) {
	if m == nil {
		return
	}

	m.transitionsTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *breakerMetrics) recordRejection(ctx context.Context, service string) {
	if m == nil {
		return
	}

	m.rejectionsTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("service", service),
	))
}

func (m *breakerMetrics) recordExecution(ctx context.Context, service string, duration time.Duration, success bool) {
	if m == nil {
		return
	}

	m.executeDuration.Record(context.WithoutCancel(ctx), duration.Seconds(), metric.WithAttributes(
		attribute.String("service", service),
		attribute.Bool("success", success),
	))
}
