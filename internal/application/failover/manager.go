// Package failover implements the failover manager: it executes operations
// against a logical system with end-to-end failover across the system's
// targets, owns the per-system circuit breaker, and runs the background
// health-check/failback loop.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	connapp "github.com/einvoice/integration/internal/application/connection"
	conn "github.com/einvoice/integration/internal/domain/connection"
	"github.com/einvoice/integration/internal/domain/failover"
	"github.com/einvoice/integration/internal/domain/resilience"
	"github.com/einvoice/integration/internal/domain/shared"
)

// SystemDefaults fills the tuning a system registration leaves zero-valued.
// This is how operator configuration reaches systems whose registrants only
// name their targets.
type SystemDefaults struct {
	Breaker      resilience.BreakerConfig
	Recovery     resilience.RecoveryPolicy
	MaxRetries   int
	RetryDelay   time.Duration
	AutoFailback bool
}

// EventRecorder receives failover history events as they happen. Used to
// bridge into telemetry.
type EventRecorder interface {
	RecordFailoverEvent(ctx context.Context, systemID, eventType string)
	RecordCircuitTransition(ctx context.Context, owner, from, to string)
}

// system bundles everything the manager owns for one registered system.
// Its mutex guards the active target and state; it is never held across a
// network call.
type system struct {
	config  failover.Config
	pool    *connapp.Pool
	breaker *resilience.Breaker
	history *failover.History

	mu          sync.Mutex
	state       failover.SystemState
	active      *conn.Target
	lastFailure *time.Time
}

// Manager executes operations with multi-target failover. Retries within
// one logical call are strictly sequential; calls for different systems
// proceed fully in parallel.
type Manager struct {
	poolConfig       connapp.PoolConfig
	defaults         SystemDefaults
	historyRetention time.Duration
	probe            connapp.HealthProbe
	recorder         EventRecorder
	logger           *zap.Logger
	validate         *validator.Validate

	mu      sync.RWMutex
	systems map[string]*system

	tracker *resilience.AttemptTracker

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ManagerOption is a functional option for configuring the Manager
type ManagerOption func(*Manager)

// WithEventRecorder bridges history events into telemetry
func WithEventRecorder(r EventRecorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithProbe sets the health probe handed to every system's pool
func WithProbe(probe connapp.HealthProbe) ManagerOption {
	return func(m *Manager) {
		m.probe = probe
	}
}

// WithHistoryRetention bounds the per-system event history window
func WithHistoryRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.historyRetention = d
	}
}

// WithSystemDefaults sets the fallback tuning applied to zero-valued fields
// of every registered system config
func WithSystemDefaults(d SystemDefaults) ManagerOption {
	return func(m *Manager) {
		m.defaults = d
	}
}

// NewManager creates a failover manager. poolConfig tunes the per-system
// connection pools.
func NewManager(poolConfig connapp.PoolConfig, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		poolConfig:       poolConfig,
		historyRetention: 24 * time.Hour,
		logger:           logger,
		validate:         validator.New(),
		systems:          make(map[string]*system),
		tracker:          resilience.NewAttemptTracker(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a logical system. The primary and failover targets become
// the system's connection pool; a fresh circuit breaker is created for it.
// Zero-valued tuning fields are filled from the manager's system defaults.
func (m *Manager) Register(cfg failover.Config) error {
	if err := m.validate.Struct(&cfg); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	cfg = m.applyDefaults(cfg)

	poolCfg := m.poolConfig
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckInterval = cfg.HealthCheckInterval
	}
	pool := connapp.NewPool(cfg.SystemID, poolCfg, cfg.Strategy,
		connapp.WithLogger(m.logger.Named("pool")),
		connapp.WithProbe(m.probe),
	)
	for _, t := range cfg.AllTargets() {
		pool.AddTarget(t)
	}

	sys := &system{
		config:  cfg,
		pool:    pool,
		history: failover.NewHistory(m.historyRetention),
		state:   failover.SystemHealthy,
	}
	sys.breaker = resilience.NewBreaker(cfg.SystemID, cfg.Breaker,
		resilience.WithTransitionFunc(m.breakerTransition(sys)))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.systems[cfg.SystemID]; exists {
		return fmt.Errorf("%w: system %q already registered", shared.ErrInvalidInput, cfg.SystemID)
	}
	m.systems[cfg.SystemID] = sys

	m.runMu.Lock()
	if m.running {
		pool.Start(context.Background())
	}
	m.runMu.Unlock()

	m.logger.Info("registered system",
		zap.String("system_id", cfg.SystemID),
		zap.String("primary", cfg.Primary.ID),
		zap.Int("failover_targets", len(cfg.FailoverTargets)))
	return nil
}

// applyDefaults fills zero-valued tuning fields from the manager defaults
func (m *Manager) applyDefaults(cfg failover.Config) failover.Config {
	if cfg.Strategy == "" {
		cfg.Strategy = conn.StrategyPriority
	}
	if cfg.Breaker == (resilience.BreakerConfig{}) {
		cfg.Breaker = m.defaults.Breaker
	}
	if cfg.Recovery.Strategy == "" {
		cfg.Recovery = m.defaults.Recovery
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = m.defaults.MaxRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = m.defaults.RetryDelay
	}
	if cfg.AutoFailback == nil {
		auto := m.defaults.AutoFailback
		cfg.AutoFailback = &auto
	}
	return cfg
}

// Deregister removes a system and stops its pool
func (m *Manager) Deregister(systemID string) error {
	m.mu.Lock()
	sys, ok := m.systems[systemID]
	if ok {
		delete(m.systems, systemID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", shared.ErrSystemNotFound, systemID)
	}
	sys.pool.Stop()
	m.tracker.Reset(systemID)
	return nil
}

// breakerTransition records circuit events in the system history
func (m *Manager) breakerTransition(sys *system) resilience.TransitionFunc {
	return func(owner string, from, to resilience.State) {
		var eventType failover.EventType
		switch to {
		case resilience.StateOpen:
			eventType = failover.EventCircuitOpen
		case resilience.StateClosed:
			eventType = failover.EventCircuitClose
		default:
			return
		}
		sys.history.AddEvent(failover.NewEvent(owner, eventType, "", "", "breaker "+to.String()))
		if m.recorder != nil {
			m.recorder.RecordCircuitTransition(context.Background(), owner, from.String(), to.String())
		}
	}
}

func (m *Manager) lookup(systemID string) (*system, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sys, ok := m.systems[systemID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", shared.ErrSystemNotFound, systemID)
	}
	return sys, nil
}

// Execute runs the operation against the system with end-to-end failover.
// A caller deadline aborts the in-flight attempt and counts as a retryable
// failure until attempts are exhausted.
func (m *Manager) Execute(ctx context.Context, systemID string, op connapp.Operation) (any, error) {
	sys, err := m.lookup(systemID)
	if err != nil {
		return nil, err
	}

	attempts := sys.config.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		target, err := m.resolveActive(sys)
		if err != nil {
			return nil, err
		}

		var result any
		err = sys.breaker.Call(ctx, func(ctx context.Context) error {
			r, callErr := sys.pool.ExecuteOn(ctx, target, op)
			result = r
			return callErr
		})
		if err == nil {
			m.recordSuccess(sys)
			return result, nil
		}
		if errors.Is(err, shared.ErrCircuitOpen) {
			// The breaker guards the whole system; failing over to another
			// target cannot help until the reopen timeout elapses.
			return nil, err
		}
		if ctx.Err() != nil && attempt == attempts-1 {
			return nil, ctx.Err()
		}

		lastErr = err
		m.recordFailure(ctx, sys, target, attempt, err)

		if attempt < attempts-1 {
			if sleepErr := sleepCtx(ctx, sys.config.RetryDelay); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	return nil, fmt.Errorf("%w: system %q after %d attempts: %v",
		shared.ErrFailoverExhausted, systemID, attempts, lastErr)
}

// resolveActive returns the current active target, selecting a replacement
// when it is unset or no longer available. A replacement selection is
// recorded as a failover event.
func (m *Manager) resolveActive(sys *system) (*conn.Target, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	if sys.active != nil && sys.active.Available() {
		return sys.active, nil
	}

	var exclude map[string]bool
	previous := ""
	if sys.active != nil {
		previous = sys.active.ID
		exclude = map[string]bool{previous: true}
	}
	replacement, err := sys.pool.Select(exclude)
	if err != nil {
		// Fall back to any available target including the previous one
		if replacement, err = sys.pool.Select(nil); err != nil {
			return nil, err
		}
	}

	if previous != "" && replacement.ID != previous {
		m.recordEvent(sys, failover.NewEvent(sys.config.SystemID, failover.EventFailover,
			previous, replacement.ID, "active target unavailable"))
	}
	sys.active = replacement
	return replacement, nil
}

// recordSuccess restores system health after a failure streak
func (m *Manager) recordSuccess(sys *system) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.state != failover.SystemHealthy {
		m.logger.Info("system recovered",
			zap.String("system_id", sys.config.SystemID),
			zap.String("previous_state", string(sys.state)))
		sys.state = failover.SystemHealthy
		m.tracker.Reset(sys.config.SystemID)
	}
}

// recordFailure records the failure, demotes system state, and fails over
// to a different target for the next attempt
func (m *Manager) recordFailure(ctx context.Context, sys *system, target *conn.Target, attempt int, err error) {
	now := time.Now()
	sys.history.AddFailure(failover.FailureRecord{
		SystemID:   sys.config.SystemID,
		TargetID:   target.ID,
		Attempt:    attempt,
		Error:      err.Error(),
		OccurredAt: now,
	})

	sys.mu.Lock()
	sys.state = sys.state.Demote()
	sys.lastFailure = &now

	// Pick a different target for the next attempt. When no alternative is
	// available the active target stays put and the retry hits it again.
	replacement, selErr := sys.pool.Select(map[string]bool{target.ID: true})
	if selErr == nil && replacement.ID != target.ID {
		m.recordEvent(sys, failover.NewEvent(sys.config.SystemID, failover.EventFailover,
			target.ID, replacement.ID, err.Error()))
		sys.active = replacement
	}
	sys.mu.Unlock()

	m.logger.Warn("operation failed",
		zap.String("system_id", sys.config.SystemID),
		zap.String("target_id", target.ID),
		zap.Int("attempt", attempt),
		zap.Error(err))
}

// recordEvent appends to the history and bridges to telemetry. Caller may
// hold sys.mu.
func (m *Manager) recordEvent(sys *system, e failover.Event) {
	sys.history.AddEvent(e)
	if m.recorder != nil {
		m.recorder.RecordFailoverEvent(context.Background(), e.SystemID, string(e.Type))
	}
}

// ManualFailover switches the active target to the named one and records
// the event identically to an automatic failover
func (m *Manager) ManualFailover(systemID, targetID string) error {
	sys, err := m.lookup(systemID)
	if err != nil {
		return err
	}
	target, ok := sys.pool.Target(targetID)
	if !ok {
		return fmt.Errorf("%w: target %q not registered for system %q",
			shared.ErrInvalidInput, targetID, systemID)
	}
	if !target.Available() {
		return fmt.Errorf("%w: target %q", shared.ErrNoAvailableTargets, targetID)
	}

	sys.mu.Lock()
	previous := ""
	if sys.active != nil {
		previous = sys.active.ID
	}
	sys.active = target
	m.recordEvent(sys, failover.NewEvent(systemID, failover.EventFailover,
		previous, targetID, "manual failover"))
	sys.mu.Unlock()
	return nil
}

// Status returns the system's current failover status
func (m *Manager) Status(systemID string) (failover.Status, error) {
	sys, err := m.lookup(systemID)
	if err != nil {
		return failover.Status{}, err
	}

	sys.mu.Lock()
	defer sys.mu.Unlock()
	status := failover.Status{
		SystemID:         systemID,
		State:            sys.state,
		LastFailure:      sys.lastFailure,
		RecoveryAttempts: m.tracker.Count(systemID),
	}
	if sys.active != nil {
		status.ActiveTarget = sys.active.ID
	}
	for _, t := range sys.pool.Targets() {
		status.Targets = append(status.Targets, t.Snapshot())
	}
	return status, nil
}

// History returns the retained failover events for a system
func (m *Manager) History(systemID string) ([]failover.Event, error) {
	sys, err := m.lookup(systemID)
	if err != nil {
		return nil, err
	}
	return sys.history.Events(), nil
}

// Failures returns the retained failure records for a system
func (m *Manager) Failures(systemID string) ([]failover.FailureRecord, error) {
	sys, err := m.lookup(systemID)
	if err != nil {
		return nil, err
	}
	return sys.history.Failures(), nil
}

// Start launches the per-system pools and the failback loop
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.RLock()
	for _, sys := range m.systems {
		sys.pool.Start(ctx)
	}
	m.mu.RUnlock()

	m.wg.Add(1)
	go m.failbackLoop(ctx)
}

// Stop cancels the failback loop and every pool, waiting for them to finish
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancel()
	m.wg.Wait()

	m.mu.RLock()
	for _, sys := range m.systems {
		sys.pool.Stop()
	}
	m.mu.RUnlock()
}

// failbackLoop periodically restores primaries and probes failed systems
// per their recovery policy
func (m *Manager) failbackLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.failbackInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkSystems(ctx)
		}
	}
}

func (m *Manager) failbackInterval() time.Duration {
	interval := m.poolConfig.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return interval
}

// checkSystems applies auto-failback and recovery gating to every system
func (m *Manager) checkSystems(ctx context.Context) {
	m.mu.RLock()
	systems := make([]*system, 0, len(m.systems))
	for _, sys := range m.systems {
		systems = append(systems, sys)
	}
	m.mu.RUnlock()

	for _, sys := range systems {
		m.checkSystem(ctx, sys)
	}
}

func (m *Manager) checkSystem(ctx context.Context, sys *system) {
	sys.mu.Lock()
	state := sys.state
	active := sys.active
	sys.mu.Unlock()

	// Recovery gating: a failed system only becomes eligible for traffic
	// again per its recovery policy.
	if state == failover.SystemFailed {
		attempt := m.tracker.Count(sys.config.SystemID)
		delay, auto := sys.config.Recovery.Delay(attempt)
		if !auto {
			return
		}
		sys.mu.Lock()
		last := sys.lastFailure
		sys.mu.Unlock()
		if last != nil && time.Since(*last) < delay {
			return
		}
		m.tracker.Next(sys.config.SystemID)
		sys.mu.Lock()
		sys.state = failover.SystemRecovering
		sys.mu.Unlock()
		m.logger.Info("system entering recovery",
			zap.String("system_id", sys.config.SystemID),
			zap.Int("recovery_attempt", attempt))
	}

	// Auto-failback to the primary once it is healthy again
	if sys.config.AutoFailback == nil || !*sys.config.AutoFailback {
		return
	}
	primary := sys.config.Primary
	if active == nil || active.ID == primary.ID || !primary.Available() {
		return
	}

	sys.mu.Lock()
	from := ""
	if sys.active != nil {
		from = sys.active.ID
	}
	sys.active = primary
	m.recordEvent(sys, failover.NewEvent(sys.config.SystemID, failover.EventFailback,
		from, primary.ID, "primary healthy"))
	sys.mu.Unlock()

	m.logger.Info("failed back to primary",
		zap.String("system_id", sys.config.SystemID),
		zap.String("primary", primary.ID))
}

// sleepCtx waits for the duration or until the context is canceled
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
