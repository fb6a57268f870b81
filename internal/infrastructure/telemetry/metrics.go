// Package telemetry provides OpenTelemetry metrics for the integration
// layer: failover events, circuit transitions, cache effectiveness, and
// sync throughput.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments emitted by the integration layer
type Metrics struct {
	failovers          metric.Int64Counter
	circuitTransitions metric.Int64Counter
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	syncRecords        metric.Int64Counter
	tokenRefreshes     metric.Int64Counter
}

// NewMetrics creates the instrument set on the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.failovers, err = meter.Int64Counter("integration.failover.events",
		metric.WithDescription("Failover and failback events per system")); err != nil {
		return nil, fmt.Errorf("create failover counter: %w", err)
	}
	if m.circuitTransitions, err = meter.Int64Counter("integration.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, fmt.Errorf("create circuit counter: %w", err)
	}
	if m.cacheHits, err = meter.Int64Counter("integration.cache.hits",
		metric.WithDescription("Cache hits")); err != nil {
		return nil, fmt.Errorf("create cache hit counter: %w", err)
	}
	if m.cacheMisses, err = meter.Int64Counter("integration.cache.misses",
		metric.WithDescription("Cache misses")); err != nil {
		return nil, fmt.Errorf("create cache miss counter: %w", err)
	}
	if m.syncRecords, err = meter.Int64Counter("integration.sync.records",
		metric.WithDescription("Sync records processed by result")); err != nil {
		return nil, fmt.Errorf("create sync counter: %w", err)
	}
	if m.tokenRefreshes, err = meter.Int64Counter("integration.auth.token_refreshes",
		metric.WithDescription("Token refreshes per system")); err != nil {
		return nil, fmt.Errorf("create token refresh counter: %w", err)
	}
	return m, nil
}

// RecordFailoverEvent counts one failover history event
func (m *Metrics) RecordFailoverEvent(ctx context.Context, systemID, eventType string) {
	m.failovers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("system_id", systemID),
			attribute.String("event_type", eventType),
		))
}

// RecordCircuitTransition counts one breaker transition
func (m *Metrics) RecordCircuitTransition(ctx context.Context, owner, from, to string) {
	m.circuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("owner", owner),
			attribute.String("from", from),
			attribute.String("to", to),
		))
}

// RecordCacheAccess counts one cache lookup
func (m *Metrics) RecordCacheAccess(ctx context.Context, hit bool) {
	if hit {
		m.cacheHits.Add(ctx, 1)
		return
	}
	m.cacheMisses.Add(ctx, 1)
}

// RecordSyncRecord counts one processed sync record by result
// (success, failed, skipped)
func (m *Metrics) RecordSyncRecord(ctx context.Context, configID, result string) {
	m.syncRecords.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("config_id", configID),
			attribute.String("result", result),
		))
}

// RecordTokenRefresh counts one token refresh
func (m *Metrics) RecordTokenRefresh(ctx context.Context, systemID string, onDemand bool) {
	m.tokenRefreshes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("system_id", systemID),
			attribute.Bool("on_demand", onDemand),
		))
}
