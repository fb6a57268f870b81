// Package failover contains the system-level failover bounded context:
// per-system configuration, running status, and the event/failure history
// kept for observability.
package failover

import (
	"time"

	"github.com/google/uuid"

	"github.com/einvoice/integration/internal/domain/connection"
	"github.com/einvoice/integration/internal/domain/resilience"
)

// SystemState represents the running state of a logical system
type SystemState string

const (
	SystemHealthy    SystemState = "HEALTHY"
	SystemDegraded   SystemState = "DEGRADED"
	SystemFailed     SystemState = "FAILED"
	SystemRecovering SystemState = "RECOVERING"
)

// Demote returns the next-worse state: healthy -> degraded -> failed
func (s SystemState) Demote() SystemState {
	switch s {
	case SystemHealthy, SystemRecovering:
		return SystemDegraded
	default:
		return SystemFailed
	}
}

// Config maps a logical system to its primary target, ordered failover
// targets, and the retry/breaker/recovery tuning used when executing
// operations against it.
type Config struct {
	// SystemID is the logical system identifier, e.g. "firs"
	SystemID string `validate:"required"`
	// Primary is the preferred target
	Primary *connection.Target `validate:"required"`
	// FailoverTargets are alternates in priority order
	FailoverTargets []*connection.Target
	// Strategy selects the replacement target on failover
	Strategy connection.Strategy
	// Breaker configures the per-system circuit breaker
	Breaker resilience.BreakerConfig
	// Recovery is the backoff policy for recovery attempts
	Recovery resilience.RecoveryPolicy
	// MaxRetries is the number of additional attempts after the first
	MaxRetries int `validate:"gte=0"`
	// RetryDelay is the pause between sequential attempts
	RetryDelay time.Duration
	// AutoFailback returns traffic to the primary once it is healthy again.
	// Nil falls back to the manager-wide default.
	AutoFailback *bool
	// HealthCheckInterval overrides the pool-wide health probe cadence for
	// this system
	HealthCheckInterval time.Duration
}

// AllTargets returns the primary followed by the failover targets
func (c *Config) AllTargets() []*connection.Target {
	targets := make([]*connection.Target, 0, 1+len(c.FailoverTargets))
	if c.Primary != nil {
		targets = append(targets, c.Primary)
	}
	targets = append(targets, c.FailoverTargets...)
	return targets
}

// EventType classifies failover history events
type EventType string

const (
	EventFailover     EventType = "failover"
	EventFailback     EventType = "failback"
	EventCircuitOpen  EventType = "circuit_open"
	EventCircuitClose EventType = "circuit_close"
)

// Event is one entry in a system's time-bounded failover history
type Event struct {
	ID         uuid.UUID
	SystemID   string
	Type       EventType
	FromTarget string
	ToTarget   string
	Reason     string
	OccurredAt time.Time
}

// NewEvent creates an event stamped with the current time
func NewEvent(systemID string, eventType EventType, from, to, reason string) Event {
	return Event{
		ID:         uuid.New(),
		SystemID:   systemID,
		Type:       eventType,
		FromTarget: from,
		ToTarget:   to,
		Reason:     reason,
		OccurredAt: time.Now(),
	}
}

// FailureRecord captures one failed operation attempt
type FailureRecord struct {
	SystemID   string
	TargetID   string
	Attempt    int
	Error      string
	OccurredAt time.Time
}

// Status is a point-in-time view of a system's failover state
type Status struct {
	SystemID         string
	State            SystemState
	ActiveTarget     string
	LastFailure      *time.Time
	RecoveryAttempts int
	Targets          []connection.Snapshot
}
