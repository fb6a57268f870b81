// Package dispatch is the inbound facade of the integration layer. The
// business layer registers systems and sync jobs here and executes
// operations against them; everything behind this boundary (failover,
// breakers, auth, caching, transport signing) stays internal.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	authapp "github.com/einvoice/integration/internal/application/authn"
	connapp "github.com/einvoice/integration/internal/application/connection"
	failapp "github.com/einvoice/integration/internal/application/failover"
	syncapp "github.com/einvoice/integration/internal/application/sync"
	"github.com/einvoice/integration/internal/domain/authn"
	conn "github.com/einvoice/integration/internal/domain/connection"
	"github.com/einvoice/integration/internal/domain/failover"
	"github.com/einvoice/integration/internal/domain/shared"
	syncdom "github.com/einvoice/integration/internal/domain/sync"
	"github.com/einvoice/integration/internal/infrastructure/cache"
	"github.com/einvoice/integration/internal/infrastructure/transport"
)

// healthPath is probed by the background health checker
const healthPath = "/health"

// SystemConfig registers one external system: its failover topology and,
// optionally, its credentials and transport signing material
type SystemConfig struct {
	Failover    failover.Config
	Credentials *authn.Credentials
	Transport   transport.ClientConfig
}

// Dispatcher is the facade over the resilient communication stack
type Dispatcher struct {
	manager      *failapp.Manager
	coordinator  *authapp.Coordinator
	orchestrator *syncapp.Orchestrator
	scheduler    *syncapp.Scheduler
	store        cache.Store
	logger       *zap.Logger

	cacheTTL time.Duration

	mu        sync.RWMutex
	clients   map[string]*transport.SignedClient
	bySystem  map[string]map[string]bool // systemID -> target ids
	authUsed  map[string]bool            // systems with registered credentials
	transConf transport.ClientConfig
}

// DispatcherOption is a functional option for configuring the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithCache installs the lookup cache used by Cached
func WithCache(store cache.Store) DispatcherOption {
	return func(d *Dispatcher) {
		d.store = store
	}
}

// Config bundles the collaborator tuning the dispatcher hands down
type Config struct {
	Pool         connapp.PoolConfig
	Failover     failapp.SystemDefaults
	Sync         syncapp.OrchestratorConfig
	Transport    transport.ClientConfig
	HistoryKeep  time.Duration
	CacheTTL     time.Duration
	EventBridge  failapp.EventRecorder
	AuthBridge   authapp.RefreshRecorder
	SyncBridge   syncapp.RecordRecorder
	CronSchedule syncapp.CronSchedule
}

// New wires the full stack: failover manager, auth coordinator, sync
// orchestrator and scheduler. The dispatcher itself is the executor the
// orchestrator fetches and pushes through, so sync traffic takes the same
// failover path as direct calls.
func New(cfg Config, coordinator *authapp.Coordinator, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		coordinator: coordinator,
		logger:      logger,
		cacheTTL:    cfg.CacheTTL,
		clients:     make(map[string]*transport.SignedClient),
		bySystem:    make(map[string]map[string]bool),
		authUsed:    make(map[string]bool),
		transConf:   cfg.Transport,
	}
	for _, opt := range opts {
		opt(d)
	}

	managerOpts := []failapp.ManagerOption{
		failapp.WithProbe(d.probeTarget),
		failapp.WithSystemDefaults(cfg.Failover),
	}
	if cfg.EventBridge != nil {
		managerOpts = append(managerOpts, failapp.WithEventRecorder(cfg.EventBridge))
	}
	if cfg.HistoryKeep > 0 {
		managerOpts = append(managerOpts, failapp.WithHistoryRetention(cfg.HistoryKeep))
	}
	d.manager = failapp.NewManager(cfg.Pool, logger.Named("failover"), managerOpts...)

	orchestratorOpts := []syncapp.OrchestratorOption{}
	if cfg.SyncBridge != nil {
		orchestratorOpts = append(orchestratorOpts, syncapp.WithRecordRecorder(cfg.SyncBridge))
	}
	d.orchestrator = syncapp.NewOrchestrator(cfg.Sync, d, logger.Named("sync"), orchestratorOpts...)

	schedulerOpts := []syncapp.SchedulerOption{}
	if cfg.CronSchedule != nil {
		schedulerOpts = append(schedulerOpts, syncapp.WithCronSchedule(cfg.CronSchedule))
	}
	d.scheduler = syncapp.NewScheduler(d.orchestrator, logger.Named("scheduler"), schedulerOpts...)

	return d
}

// RegisterSystem registers a system's topology, credentials, and signing
// material in one step
func (d *Dispatcher) RegisterSystem(cfg SystemConfig) error {
	if err := d.manager.Register(cfg.Failover); err != nil {
		return err
	}
	systemID := cfg.Failover.SystemID

	if cfg.Credentials != nil {
		cfg.Credentials.SystemID = systemID
		if err := d.coordinator.RegisterCredentials(cfg.Credentials); err != nil {
			derr := d.manager.Deregister(systemID)
			if derr != nil {
				d.logger.Error("rollback failed", zap.String("system_id", systemID), zap.Error(derr))
			}
			return err
		}
	}

	clientCfg := cfg.Transport
	if clientCfg.RequestTimeout <= 0 {
		clientCfg.RequestTimeout = d.transConf.RequestTimeout
	}
	if clientCfg.RotationInterval <= 0 {
		clientCfg.RotationInterval = d.transConf.RotationInterval
	}
	if clientCfg.MaxResponseBytes <= 0 {
		clientCfg.MaxResponseBytes = d.transConf.MaxResponseBytes
	}
	if cfg.Credentials != nil {
		if clientCfg.APIKey == "" {
			clientCfg.APIKey = cfg.Credentials.APIKey
		}
		if clientCfg.APISecret == "" {
			clientCfg.APISecret = cfg.Credentials.APISecret
		}
		if len(clientCfg.Certificates) == 0 {
			clientCfg.Certificates = cfg.Credentials.Certificates
		}
	}

	d.mu.Lock()
	d.clients[systemID] = transport.NewSignedClient(clientCfg, d.logger.Named("transport"))
	d.authUsed[systemID] = cfg.Credentials != nil
	targets := make(map[string]bool, 1+len(cfg.Failover.FailoverTargets))
	for _, t := range cfg.Failover.AllTargets() {
		targets[t.ID] = true
	}
	d.bySystem[systemID] = targets
	d.mu.Unlock()
	return nil
}

// DeregisterSystem removes a system from every layer
func (d *Dispatcher) DeregisterSystem(systemID string) error {
	if err := d.manager.Deregister(systemID); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.clients, systemID)
	delete(d.bySystem, systemID)
	delete(d.authUsed, systemID)
	d.mu.Unlock()
	d.coordinator.Logout(systemID)
	return nil
}

// Execute runs one operation against a system through the failover path.
// The operation names the API path; a nil payload issues a GET, anything
// else a POST with a JSON body.
func (d *Dispatcher) Execute(ctx context.Context, systemID, operation string, payload any) (any, error) {
	d.mu.RLock()
	client := d.clients[systemID]
	needsAuth := d.authUsed[systemID]
	d.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("%w: %q", shared.ErrSystemNotFound, systemID)
	}

	op := func(ctx context.Context, target *conn.Target) (any, error) {
		req := transport.Request{
			Method: http.MethodGet,
			Path:   operation,
		}
		if payload != nil {
			body, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("%w: encode payload: %v", shared.ErrInvalidInput, err)
			}
			req.Method = http.MethodPost
			req.Body = body
		}
		if needsAuth {
			token, err := d.coordinator.GetToken(ctx, systemID)
			if err != nil {
				return nil, err
			}
			req.Headers = map[string]string{
				"Authorization": token.TokenType + " " + token.AccessToken,
			}
		}

		resp, err := client.Do(ctx, target.Address, req)
		if err != nil {
			return nil, err
		}
		return decodeBody(resp.Body)
	}

	return d.manager.Execute(ctx, systemID, op)
}

// Cached executes a read operation through the lookup cache with
// stale-while-revalidate semantics. A non-positive ttl uses the configured
// default; without a cache it degrades to Execute.
func (d *Dispatcher) Cached(ctx context.Context, systemID, operation string, ttl time.Duration, allowStale bool) (any, error) {
	if d.store == nil {
		return d.Execute(ctx, systemID, operation, nil)
	}
	if ttl <= 0 {
		ttl = d.cacheTTL
	}
	key := systemID + ":" + operation
	return d.store.GetOrLoad(ctx, key, ttl, allowStale, func(ctx context.Context) (any, error) {
		return d.Execute(ctx, systemID, operation, nil)
	})
}

// Invalidate drops a cached lookup, e.g. after a party re-registration
func (d *Dispatcher) Invalidate(ctx context.Context, systemID, operation string) error {
	if d.store == nil {
		return nil
	}
	return d.store.Delete(ctx, systemID+":"+operation)
}

// GetToken returns a usable token for the system
func (d *Dispatcher) GetToken(ctx context.Context, systemID string) (*authn.Token, error) {
	return d.coordinator.GetToken(ctx, systemID)
}

// Logout clears the system's cached token
func (d *Dispatcher) Logout(systemID string) {
	d.coordinator.Logout(systemID)
}

// SubmitSync registers a sync configuration, schedules it when it is not
// manual, and starts its first run
func (d *Dispatcher) SubmitSync(cfg syncdom.Configuration) (uuid.UUID, error) {
	if err := d.orchestrator.RegisterConfig(cfg); err != nil {
		return uuid.Nil, err
	}
	if err := d.scheduler.Schedule(cfg.ID); err != nil {
		rerr := d.orchestrator.RemoveConfig(cfg.ID)
		if rerr != nil {
			d.logger.Error("rollback failed", zap.String("config_id", cfg.ID), zap.Error(rerr))
		}
		return uuid.Nil, err
	}
	return d.orchestrator.Trigger(cfg.ID)
}

// SyncExecution returns the snapshot of one sync run
func (d *Dispatcher) SyncExecution(configID string, executionID uuid.UUID) (syncdom.ExecutionSnapshot, error) {
	return d.orchestrator.Execution(configID, executionID)
}

// PauseSync pauses a scheduled sync job
func (d *Dispatcher) PauseSync(configID string) error {
	return d.scheduler.Pause(configID)
}

// ResumeSync resumes a paused sync job
func (d *Dispatcher) ResumeSync(configID string) error {
	return d.scheduler.Resume(configID)
}

// ManualFailover switches a system's active target
func (d *Dispatcher) ManualFailover(systemID, targetID string) error {
	return d.manager.ManualFailover(systemID, targetID)
}

// SystemStatus returns the failover status of a system
func (d *Dispatcher) SystemStatus(systemID string) (failover.Status, error) {
	return d.manager.Status(systemID)
}

// SystemHistory returns the retained failover events of a system
func (d *Dispatcher) SystemHistory(systemID string) ([]failover.Event, error) {
	return d.manager.History(systemID)
}

// probeTarget is the health probe handed to every pool. It resolves the
// owning system's client by target id.
func (d *Dispatcher) probeTarget(ctx context.Context, target *conn.Target) error {
	d.mu.RLock()
	var client *transport.SignedClient
	for systemID, targets := range d.bySystem {
		if targets[target.ID] {
			client = d.clients[systemID]
			break
		}
	}
	d.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("%w: target %q belongs to no registered system",
			shared.ErrSystemNotFound, target.ID)
	}
	_, err := client.Do(ctx, target.Address, transport.Request{
		Method: http.MethodGet,
		Path:   healthPath,
	})
	return err
}

// Start launches every background loop
func (d *Dispatcher) Start(ctx context.Context) {
	d.coordinator.Start(ctx)
	d.manager.Start(ctx)
	d.orchestrator.Start(ctx)
	d.scheduler.Start(ctx)
	d.logger.Info("dispatcher started")
}

// Stop shuts the stack down in reverse order, joining every background task
func (d *Dispatcher) Stop(ctx context.Context) {
	d.scheduler.Stop()
	d.orchestrator.Stop()
	d.manager.Stop()
	d.coordinator.Stop()
	if d.store != nil {
		if err := d.store.Stop(ctx); err != nil {
			d.logger.Warn("cache shutdown", zap.Error(err))
		}
	}
	d.logger.Info("dispatcher stopped")
}

// decodeBody parses a JSON response body, passing raw bytes through when
// the body is not JSON
func decodeBody(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return string(body), nil
	}
	return out, nil
}
