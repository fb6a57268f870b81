// Package connection contains the connection-pool bounded context: remote
// targets, their live health metrics, and the selection strategies used to
// load-balance outbound calls across them.
package connection

import (
	"sync"
	"time"
)

// latencyAlpha is the smoothing factor of the exponential moving average
// over observed request latency.
const latencyAlpha = 0.1

// consecutiveFailureLimit is the number of consecutive failures after which
// a target is marked circuit-open locally. This per-target mark is
// independent of the system-level circuit breaker.
const consecutiveFailureLimit = 5

// HealthStatus represents the running health of a target
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "HEALTHY"
	StatusDegraded    HealthStatus = "DEGRADED"
	StatusUnhealthy   HealthStatus = "UNHEALTHY"
	StatusCircuitOpen HealthStatus = "CIRCUIT_OPEN"
	StatusMaintenance HealthStatus = "MAINTENANCE"
)

// healthScore maps a status to its contribution in the composite
// health-aware selection score.
func (s HealthStatus) healthScore() float64 {
	switch s {
	case StatusHealthy:
		return 1.0
	case StatusDegraded:
		return 0.5
	default:
		return 0.0
	}
}

// Target is a single remote endpoint owned by exactly one connection pool.
// Identity fields are immutable after registration; the running metrics are
// mutated by every completed request and by the periodic health checker.
type Target struct {
	// ID uniquely identifies the target within its pool
	ID string
	// Address is the base URL of the endpoint
	Address string
	// Weight is the relative selection weight for weighted strategies
	Weight int
	// Priority orders failover candidates; lower value means preferred
	Priority int
	// MaxConcurrent bounds in-flight requests to this target
	MaxConcurrent int
	// Timeout is the per-request timeout against this target
	Timeout time.Duration

	mu                  sync.RWMutex
	enabled             bool
	status              HealthStatus
	consecutiveFailures int
	totalRequests       uint64
	totalSuccesses      uint64
	avgLatency          time.Duration
}

// NewTarget creates an enabled, healthy target
func NewTarget(id, address string) *Target {
	return &Target{
		ID:      id,
		Address: address,
		Weight:  1,
		Timeout: 30 * time.Second,
		enabled: true,
		status:  StatusHealthy,
	}
}

// Enabled returns true if the target may receive traffic
func (t *Target) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// SetEnabled enables or disables the target
func (t *Target) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Status returns the current health status
func (t *Target) Status() HealthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetStatus overrides the health status. Used for maintenance windows.
func (t *Target) SetStatus(status HealthStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

// Available reports whether the target can be selected for a request:
// enabled and not locally circuit-open, unhealthy or in maintenance.
func (t *Target) Available() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.enabled {
		return false
	}
	switch t.status {
	case StatusCircuitOpen, StatusUnhealthy, StatusMaintenance:
		return false
	default:
		return true
	}
}

// RecordResult folds one completed request into the target's metrics:
// counters, the latency EMA, and the consecutive-failure driven local
// circuit-open mark.
func (t *Target) RecordResult(latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalRequests++
	if t.avgLatency == 0 {
		t.avgLatency = latency
	} else {
		t.avgLatency = time.Duration(float64(t.avgLatency)*(1-latencyAlpha) + float64(latency)*latencyAlpha)
	}

	if success {
		t.totalSuccesses++
		t.consecutiveFailures = 0
		if t.status == StatusDegraded {
			t.status = StatusHealthy
		}
		return
	}

	t.consecutiveFailures++
	if t.consecutiveFailures >= consecutiveFailureLimit {
		t.status = StatusCircuitOpen
	} else if t.status == StatusHealthy {
		t.status = StatusDegraded
	}
}

// RecordProbe folds one health-probe result into the target. A passing
// probe clears any local circuit-open mark.
func (t *Target) RecordProbe(healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if healthy {
		t.consecutiveFailures = 0
		if t.status != StatusMaintenance {
			t.status = StatusHealthy
		}
		return
	}
	t.consecutiveFailures++
	switch {
	case t.consecutiveFailures >= consecutiveFailureLimit:
		t.status = StatusUnhealthy
	case t.status == StatusHealthy:
		t.status = StatusDegraded
	}
}

// SuccessRate returns the cumulative success ratio, 1.0 when no requests
// have been made yet.
func (t *Target) SuccessRate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.totalRequests == 0 {
		return 1.0
	}
	return float64(t.totalSuccesses) / float64(t.totalRequests)
}

// AvgLatency returns the exponential moving average of request latency
func (t *Target) AvgLatency() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.avgLatency
}

// TotalRequests returns the cumulative request count
func (t *Target) TotalRequests() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalRequests
}

// ConsecutiveFailures returns the current consecutive failure count
func (t *Target) ConsecutiveFailures() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.consecutiveFailures
}

// CompositeScore computes the health-aware selection score:
// 0.4*health + 0.4*success_rate + 0.2*(1/(1+avg_latency_seconds))
func (t *Target) CompositeScore() float64 {
	t.mu.RLock()
	status := t.status
	total := t.totalRequests
	successes := t.totalSuccesses
	latency := t.avgLatency
	t.mu.RUnlock()

	successRate := 1.0
	if total > 0 {
		successRate = float64(successes) / float64(total)
	}
	latencyScore := 1.0 / (1.0 + latency.Seconds())
	return 0.4*status.healthScore() + 0.4*successRate + 0.2*latencyScore
}

// Snapshot is a point-in-time copy of a target's metrics for observability
type Snapshot struct {
	ID                  string
	Address             string
	Enabled             bool
	Status              HealthStatus
	ConsecutiveFailures int
	TotalRequests       uint64
	TotalSuccesses      uint64
	AvgLatency          time.Duration
}

// Snapshot returns a copy of the target's current state
func (t *Target) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ID:                  t.ID,
		Address:             t.Address,
		Enabled:             t.enabled,
		Status:              t.status,
		ConsecutiveFailures: t.consecutiveFailures,
		TotalRequests:       t.totalRequests,
		TotalSuccesses:      t.totalSuccesses,
		AvgLatency:          t.avgLatency,
	}
}
