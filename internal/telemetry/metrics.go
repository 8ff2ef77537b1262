// Package telemetry provides OpenTelemetry instrumentation for the
// connection pool. Construct a PoolMetrics from any metric.Meter and
// hand it to the pool as its recorder; with no meter provider
// configured the instruments are no-ops.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PoolMetrics records connection pool activity. It satisfies the pool
// package's Recorder interface.
type PoolMetrics struct {
	checkouts metric.Int64Counter
	timeouts  metric.Int64Counter
	evictions metric.Int64Counter
	inUse     metric.Int64UpDownCounter
}

// NewPoolMetrics creates the pool instruments on the given meter.
func NewPoolMetrics(meter metric.Meter) (*PoolMetrics, error) {
	checkouts, err := meter.Int64Counter("odoo.pool.checkouts",
		metric.WithDescription("Connections checked out of the pool"),
		metric.WithUnit("{checkout}"))
	if err != nil {
		return nil, err
	}
	timeouts, err := meter.Int64Counter("odoo.pool.timeouts",
		metric.WithDescription("Acquisitions rejected with the pool at capacity"),
		metric.WithUnit("{timeout}"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter("odoo.pool.evictions",
		metric.WithDescription("Stale idle connections evicted by the health check"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	inUse, err := meter.Int64UpDownCounter("odoo.pool.in_use",
		metric.WithDescription("Connections currently checked out"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	return &PoolMetrics{
		checkouts: checkouts,
		timeouts:  timeouts,
		evictions: evictions,
		inUse:     inUse,
	}, nil
}

// CheckedOut records a successful acquisition, tagged by whether an
// existing idle connection was reused.
func (m *PoolMetrics) CheckedOut(reused bool) {
	ctx := context.Background()
	m.checkouts.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("reused", reused),
	))
	m.inUse.Add(ctx, 1)
}

// Released records a connection returning to idle.
func (m *PoolMetrics) Released() {
	m.inUse.Add(context.Background(), -1)
}

// TimedOut records an acquisition rejected at capacity.
func (m *PoolMetrics) TimedOut() {
	m.timeouts.Add(context.Background(), 1)
}

// Evicted records a stale connection removed by the health check.
func (m *PoolMetrics) Evicted() {
	m.evictions.Add(context.Background(), 1)
}
