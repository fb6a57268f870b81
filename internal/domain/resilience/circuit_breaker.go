package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/einvoice/integration/internal/domain/shared"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed indicates normal operation, calls pass through
	StateClosed State = "CLOSED"
	// StateOpen indicates the breaker is rejecting calls
	StateOpen State = "OPEN"
	// StateHalfOpen indicates trial calls are permitted
	StateHalfOpen State = "HALF_OPEN"
)

// String returns the string representation of State
func (s State) String() string {
	return string(s)
}

// BreakerConfig controls the circuit breaker thresholds.
// Opening requires both conditions: FailureThreshold failures inside the
// sliding EvaluationWindow and at least MinRequests total requests.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within the evaluation
	// window required to open the breaker
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in half-open
	// required to close the breaker
	SuccessThreshold int
	// Timeout is how long the breaker stays open before permitting a
	// half-open trial call
	Timeout time.Duration
	// EvaluationWindow is the sliding window over which failures are counted
	EvaluationWindow time.Duration
	// MinRequests is the minimum number of total requests before the
	// breaker is allowed to open
	MinRequests int
}

// DefaultBreakerConfig returns the default breaker thresholds
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
		EvaluationWindow: 60 * time.Second,
		MinRequests:      10,
	}
}

// TransitionFunc is invoked on every state transition
type TransitionFunc func(owner string, from, to State)

// Breaker is a circuit breaker guarding a single owner (a target or a
// logical system). State is owned exclusively by the Breaker instance and
// protected by its own mutex, so independent owners make progress
// independently.
type Breaker struct {
	owner  string
	config BreakerConfig

	mu                sync.Mutex
	state             State
	failureTimes      []time.Time
	totalRequests     int
	halfOpenSuccesses int
	openedAt          time.Time
	nextAttemptAt     time.Time

	onTransition TransitionFunc
	now          func() time.Time
}

// BreakerOption is a functional option for configuring a Breaker
type BreakerOption func(*Breaker)

// WithTransitionFunc registers a callback invoked on every state transition
func WithTransitionFunc(fn TransitionFunc) BreakerOption {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// WithClock overrides the breaker clock. Used in tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a closed circuit breaker for the given owner
func NewBreaker(owner string, config BreakerConfig, opts ...BreakerOption) *Breaker {
	if config.FailureThreshold <= 0 {
		config = DefaultBreakerConfig()
	}
	b := &Breaker{
		owner:  owner,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Owner returns the owner id this breaker guards
func (b *Breaker) Owner() string {
	return b.owner
}

// State returns the current state, applying the lazy open->half-open
// transition when the reopen timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Call executes fn through the breaker. If the breaker is open and the
// reopen timeout has not elapsed it fails immediately with ErrCircuitOpen
// without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// allow decides whether a call may proceed
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	if b.state == StateOpen {
		return fmt.Errorf("%w: breaker for %q reopens at %s",
			shared.ErrCircuitOpen, b.owner, b.nextAttemptAt.Format(time.RFC3339))
	}
	return nil
}

// maybeHalfOpen transitions open->half-open once the timeout has elapsed.
// Caller must hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && !b.now().Before(b.nextAttemptAt) {
		b.transition(StateHalfOpen)
		b.halfOpenSuccesses = 0
	}
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalRequests++
		b.pruneWindow()
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.reset()
			b.transition(StateClosed)
		}
	case StateOpen:
		// A success cannot close an open breaker directly; it must pass
		// through half-open.
	}
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.totalRequests++
		b.failureTimes = append(b.failureTimes, now)
		b.pruneWindow()
		if len(b.failureTimes) >= b.config.FailureThreshold &&
			b.totalRequests >= b.config.MinRequests {
			b.open(now)
		}
	case StateHalfOpen:
		// Any failure in half-open reopens with a fresh timeout
		b.open(now)
	case StateOpen:
	}
}

// open transitions to open. Caller must hold b.mu.
func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.nextAttemptAt = now.Add(b.config.Timeout)
	b.halfOpenSuccesses = 0
	b.transition(StateOpen)
}

// reset clears all counters. Caller must hold b.mu.
func (b *Breaker) reset() {
	b.failureTimes = nil
	b.totalRequests = 0
	b.halfOpenSuccesses = 0
}

// pruneWindow drops failure timestamps that fell out of the sliding
// evaluation window. Caller must hold b.mu.
func (b *Breaker) pruneWindow() {
	cutoff := b.now().Add(-b.config.EvaluationWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept
}

// transition changes state and fires the callback. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		// Callback runs outside the breaker's critical path concerns but
		// inside the lock; implementations must not call back into the
		// breaker.
		b.onTransition(b.owner, from, to)
	}
}

// Counts returns the current failure count within the window and the total
// request count. Intended for observability.
func (b *Breaker) Counts() (failures, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneWindow()
	return len(b.failureTimes), b.totalRequests
}
