package resources

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/sebas/intercom/services/intercom/resources"

// Metrics holds the OpenTelemetry instruments the resource manager
// records against. A nil *Metrics is safe to use everywhere below:
// every record call on it is a no-op, so callers that never wire
// metrics (most tests) don't need a fake meter provider.
type Metrics struct {
	activeSessions metric.Int64UpDownCounter
	throttled      metric.Int64Counter
	admitRejected  metric.Int64Counter
	pacingDelay    metric.Float64Histogram
}

// NewMetrics creates the resource manager's instruments against mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.activeSessions, err = m.Int64UpDownCounter("intercom.resources.active_sessions",
		metric.WithDescription("Number of sessions currently admitted."),
	); err != nil {
		return nil, err
	}
	if met.throttled, err = m.Int64Counter("intercom.resources.throttle_events",
		metric.WithDescription("Times adaptive pacing applied the throttle multiplier."),
	); err != nil {
		return nil, err
	}
	if met.admitRejected, err = m.Int64Counter("intercom.resources.admit_rejected",
		metric.WithDescription("Session admissions rejected at capacity."),
	); err != nil {
		return nil, err
	}
	if met.pacingDelay, err = m.Float64Histogram("intercom.resources.pacing_delay",
		metric.WithDescription("Outbound audio pacing delay applied by Pace."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) recordAdmit() {
	if m == nil {
		return
	}
	m.activeSessions.Add(context.Background(), 1)
}

func (m *Metrics) recordRelease() {
	if m == nil {
		return
	}
	m.activeSessions.Add(context.Background(), -1)
}

func (m *Metrics) recordRejected() {
	if m == nil {
		return
	}
	m.admitRejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "at_capacity")))
}

func (m *Metrics) recordPace(ctx context.Context, delayMillis float64, throttled bool) {
	if m == nil {
		return
	}
	m.pacingDelay.Record(ctx, delayMillis)
	if throttled {
		m.throttled.Add(ctx, 1)
	}
}

// DefaultMetrics builds a Metrics instance against the process's
// globally registered MeterProvider (a no-op provider until main sets
// one up via otel.SetMeterProvider).
func DefaultMetrics() *Metrics {
	met, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil
	}
	return met
}
