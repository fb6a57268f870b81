package resilience

import (
	"sync"
	"time"
)

// RecoveryStrategy determines how the delay before the next recovery
// attempt is computed
type RecoveryStrategy string

const (
	// RecoveryImmediate retries with no delay
	RecoveryImmediate RecoveryStrategy = "IMMEDIATE"
	// RecoveryExponential doubles the base delay per attempt, capped at MaxDelay
	RecoveryExponential RecoveryStrategy = "EXPONENTIAL"
	// RecoveryLinear grows the delay linearly with the attempt count, capped
	RecoveryLinear RecoveryStrategy = "LINEAR"
	// RecoveryFixed always waits the base delay
	RecoveryFixed RecoveryStrategy = "FIXED"
	// RecoveryManual never retries automatically
	RecoveryManual RecoveryStrategy = "MANUAL"
)

// IsValid returns true if the strategy is a known value
func (s RecoveryStrategy) IsValid() bool {
	switch s {
	case RecoveryImmediate, RecoveryExponential, RecoveryLinear, RecoveryFixed, RecoveryManual:
		return true
	default:
		return false
	}
}

// RecoveryPolicy is a pure function of attempt count to next-attempt delay
type RecoveryPolicy struct {
	Strategy  RecoveryStrategy
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRecoveryPolicy returns an exponential policy with the default tuning
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		Strategy:  RecoveryExponential,
		BaseDelay: 1 * time.Second,
		MaxDelay:  5 * time.Minute,
	}
}

// Delay computes the delay before attempt n (zero-based). The second return
// value is false when no automatic retry is permitted.
func (p RecoveryPolicy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 {
		attempt = 0
	}
	switch p.Strategy {
	case RecoveryImmediate:
		return 0, true
	case RecoveryExponential:
		d := p.BaseDelay
		for i := 0; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay, true
			}
		}
		return p.capped(d), true
	case RecoveryLinear:
		return p.capped(p.BaseDelay * time.Duration(attempt+1)), true
	case RecoveryFixed:
		return p.BaseDelay, true
	case RecoveryManual:
		return 0, false
	default:
		return p.BaseDelay, true
	}
}

func (p RecoveryPolicy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// AttemptTracker counts recovery attempts per system id. The count resets
// on the first success after a failure streak.
type AttemptTracker struct {
	mu       sync.Mutex
	attempts map[string]int
}

// NewAttemptTracker creates an empty tracker
func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{attempts: make(map[string]int)}
}

// Next returns the current attempt count for the system and increments it
func (t *AttemptTracker) Next(systemID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.attempts[systemID]
	t.attempts[systemID] = n + 1
	return n
}

// Count returns the current attempt count without incrementing
func (t *AttemptTracker) Count(systemID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[systemID]
}

// Reset clears the attempt count for the system
func (t *AttemptTracker) Reset(systemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, systemID)
}
