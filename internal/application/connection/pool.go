// Package connection implements the connection pool: it owns the live
// targets of one logical system, selects a target per outbound call, retries
// transient failures with backoff, and runs the periodic health checker.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	conn "github.com/einvoice/integration/internal/domain/connection"
	"github.com/einvoice/integration/internal/domain/shared"
	"github.com/einvoice/integration/internal/infrastructure/transport"
)

// Operation is one outbound call executed against a selected target
type Operation func(ctx context.Context, target *conn.Target) (any, error)

// HealthProbe is the lightweight per-target probe run by the health loop
type HealthProbe func(ctx context.Context, target *conn.Target) error

// PoolConfig holds the retry and health-check tuning of one pool
type PoolConfig struct {
	MaxRetries          int
	RetryDelay          time.Duration
	BackoffFactor       float64
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// DefaultPoolConfig returns the default pool tuning
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxRetries:          3,
		RetryDelay:          time.Second,
		BackoffFactor:       2.0,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
	}
}

// Pool owns a bounded set of targets for one logical system. Each target
// belongs to exactly one pool.
type Pool struct {
	systemID string
	config   PoolConfig
	selector *conn.Selector
	probe    HealthProbe
	logger   *zap.Logger

	mu      sync.RWMutex
	targets map[string]*conn.Target
	sems    map[string]chan struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PoolOption is a functional option for configuring a Pool
type PoolOption func(*Pool)

// WithProbe sets the health probe used by the background loop
func WithProbe(probe HealthProbe) PoolOption {
	return func(p *Pool) {
		p.probe = probe
	}
}

// WithLogger sets the pool logger
func WithLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a pool for one system using the given selection strategy
func NewPool(systemID string, config PoolConfig, strategy conn.Strategy, opts ...PoolOption) *Pool {
	p := &Pool{
		systemID: systemID,
		config:   config,
		selector: conn.NewSelector(strategy, time.Now().UnixNano()),
		logger:   zap.NewNop(),
		targets:  make(map[string]*conn.Target),
		sems:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SystemID returns the owning system id
func (p *Pool) SystemID() string {
	return p.systemID
}

// AddTarget registers a target with the pool
func (p *Pool) AddTarget(target *conn.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[target.ID] = target
	if target.MaxConcurrent > 0 {
		p.sems[target.ID] = make(chan struct{}, target.MaxConcurrent)
	}
}

// RemoveTarget deregisters a target
func (p *Pool) RemoveTarget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.targets, id)
	delete(p.sems, id)
}

// Target returns a registered target by id
func (p *Pool) Target(id string) (*conn.Target, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.targets[id]
	return t, ok
}

// Targets returns all registered targets
func (p *Pool) Targets() []*conn.Target {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*conn.Target, 0, len(p.targets))
	for _, t := range p.targets {
		out = append(out, t)
	}
	return out
}

// Select picks the best live target per the configured strategy, excluding
// the given target ids
func (p *Pool) Select(exclude map[string]bool) (*conn.Target, error) {
	target := p.selector.Select(p.Targets(), exclude)
	if target == nil {
		return nil, fmt.Errorf("%w: system %q", shared.ErrNoAvailableTargets, p.systemID)
	}
	return target, nil
}

// Execute selects a target and runs the operation with retries
func (p *Pool) Execute(ctx context.Context, op Operation) (any, error) {
	target, err := p.Select(nil)
	if err != nil {
		return nil, err
	}
	return p.ExecuteOn(ctx, target, op)
}

// ExecuteOn runs the operation against a specific target, retrying
// transient failures (429, 5xx, timeouts) with exponential backoff. Every
// completed attempt updates the target's metrics. Any other failure is
// returned without retry.
func (p *Pool) ExecuteOn(ctx context.Context, target *conn.Target, op Operation) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.config.RetryDelay
	bo.Multiplier = p.config.BackoffFactor
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		result, err := p.attempt(ctx, target, op)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !transport.IsRetryable(err) {
			return nil, err
		}
		if attempt == p.config.MaxRetries {
			break
		}

		delay := bo.NextBackOff()
		p.logger.Debug("retrying after transient failure",
			zap.String("system_id", p.systemID),
			zap.String("target_id", target.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: target %q: %v", shared.ErrConnectionFailed, target.ID, lastErr)
}

// attempt runs one bounded call against the target and folds the result
// into its metrics
func (p *Pool) attempt(ctx context.Context, target *conn.Target, op Operation) (any, error) {
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	p.mu.RLock()
	sem := p.sems[target.ID]
	p.mu.RUnlock()
	if sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	start := time.Now()
	result, err := op(ctx, target)
	target.RecordResult(time.Since(start), err == nil)
	return result, err
}

// Start launches the background health-check loop
func (p *Pool) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running || p.probe == nil {
		return
	}
	p.running = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.healthLoop(ctx)
}

// Stop cancels the health loop and waits for it to finish
func (p *Pool) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	p.wg.Wait()
}

// healthLoop probes every target once per interval
func (p *Pool) healthLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.config.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckAll(ctx)
		}
	}
}

// CheckAll probes every target once. A passing probe clears any local
// circuit-open mark on the target.
func (p *Pool) CheckAll(ctx context.Context) {
	for _, target := range p.Targets() {
		p.checkOne(ctx, target)
	}
}

func (p *Pool) checkOne(ctx context.Context, target *conn.Target) {
	timeout := p.config.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.probe(probeCtx, target)
	target.RecordProbe(err == nil)
	if err != nil {
		p.logger.Warn("health probe failed",
			zap.String("system_id", p.systemID),
			zap.String("target_id", target.ID),
			zap.Error(err))
	}
}

// sleep waits for the duration or until the context is canceled
func sleep(ctx context.Context, d time.Duration) error {
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
