// Package sync implements the sync orchestrator: it owns the registered
// sync configurations, runs the fetch/filter/transform/resolve/push
// pipeline in batches, and keeps a bounded execution history per job.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/einvoice/integration/internal/domain/shared"
	syncdom "github.com/einvoice/integration/internal/domain/sync"
)

// Executor runs one named operation against a logical system. The failover
// manager path satisfies this.
type Executor interface {
	Execute(ctx context.Context, systemID, operation string, payload any) (any, error)
}

// RecordRecorder receives per-record sync outcomes. Used to bridge into
// telemetry.
type RecordRecorder interface {
	RecordSyncRecord(ctx context.Context, configID, result string)
}

// OrchestratorConfig tunes the orchestrator
type OrchestratorConfig struct {
	// DefaultBatchSize applies to configs registered without one
	DefaultBatchSize int
	// ExecutionHistory bounds retained finished executions per config
	ExecutionHistory int
	// JobTimeout bounds one full sync run
	JobTimeout time.Duration
}

// job is one registered sync configuration with its retained executions
type job struct {
	config syncdom.Configuration

	mu         sync.Mutex
	running    *syncdom.Execution
	executions []*syncdom.Execution
}

// Orchestrator coordinates sync jobs between registered systems
type Orchestrator struct {
	config      OrchestratorConfig
	executor    Executor
	transformer *syncdom.Transformer
	validate    *validator.Validate
	recorder    RecordRecorder
	logger      *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*job

	runMu   sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// OrchestratorOption is a functional option for configuring the Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithRecordRecorder bridges per-record outcomes into telemetry
func WithRecordRecorder(r RecordRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithTransformer replaces the default transformer, e.g. to register
// bespoke transforms
func WithTransformer(t *syncdom.Transformer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.transformer = t
	}
}

// NewOrchestrator creates an orchestrator executing operations through the
// given executor
func NewOrchestrator(config OrchestratorConfig, executor Executor, logger *zap.Logger, opts ...OrchestratorOption) *Orchestrator {
	if config.ExecutionHistory <= 0 {
		config.ExecutionHistory = 100
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Minute
	}
	o := &Orchestrator{
		config:      config,
		executor:    executor,
		transformer: syncdom.NewTransformer(),
		validate:    validator.New(),
		logger:      logger,
		jobs:        make(map[string]*job),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterConfig validates, normalizes, and stores a sync configuration
func (o *Orchestrator) RegisterConfig(cfg syncdom.Configuration) error {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = o.config.DefaultBatchSize
	}
	cfg.Normalize()
	if err := o.validate.Struct(&cfg); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	if !cfg.Conflict.IsValid() {
		return fmt.Errorf("%w: unknown conflict strategy %q", shared.ErrInvalidInput, cfg.Conflict)
	}
	if !cfg.Direction.IsValid() {
		return fmt.Errorf("%w: unknown direction %q", shared.ErrInvalidInput, cfg.Direction)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.jobs[cfg.ID]; exists {
		return fmt.Errorf("%w: sync config %q already registered", shared.ErrInvalidInput, cfg.ID)
	}
	o.jobs[cfg.ID] = &job{config: cfg}
	o.logger.Info("registered sync config",
		zap.String("config_id", cfg.ID),
		zap.String("source", cfg.SourceSystem),
		zap.String("target", cfg.TargetSystem),
		zap.String("schedule", string(cfg.Schedule.Type)))
	return nil
}

// RemoveConfig deletes a sync configuration and its retained executions
func (o *Orchestrator) RemoveConfig(configID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.jobs[configID]; !ok {
		return fmt.Errorf("%w: sync config %q", shared.ErrSystemNotFound, configID)
	}
	delete(o.jobs, configID)
	return nil
}

// Config returns a registered configuration
func (o *Orchestrator) Config(configID string) (syncdom.Configuration, error) {
	j, err := o.job(configID)
	if err != nil {
		return syncdom.Configuration{}, err
	}
	return j.config, nil
}

// Configs returns every registered configuration
func (o *Orchestrator) Configs() []syncdom.Configuration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]syncdom.Configuration, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.config)
	}
	return out
}

func (o *Orchestrator) job(configID string) (*job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[configID]
	if !ok {
		return nil, fmt.Errorf("%w: sync config %q", shared.ErrSystemNotFound, configID)
	}
	return j, nil
}

// Trigger starts an asynchronous run and returns its execution id. At most
// one run per config is in flight.
func (o *Orchestrator) Trigger(configID string) (uuid.UUID, error) {
	j, err := o.job(configID)
	if err != nil {
		return uuid.Nil, err
	}

	o.runMu.Lock()
	if !o.running {
		o.runMu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: orchestrator is not started", shared.ErrInvalidInput)
	}
	ctx := o.baseCtx
	o.runMu.Unlock()

	exec, err := o.begin(j)
	if err != nil {
		return uuid.Nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runJob(ctx, j, exec, nil)
	}()
	return exec.ID, nil
}

// Run executes a sync job synchronously and returns the finished snapshot
func (o *Orchestrator) Run(ctx context.Context, configID string) (syncdom.ExecutionSnapshot, error) {
	return o.RunScheduled(ctx, configID, nil)
}

// RunScheduled is Run with the scheduler's next planned run stamped on the
// finished execution
func (o *Orchestrator) RunScheduled(ctx context.Context, configID string, nextRun *time.Time) (syncdom.ExecutionSnapshot, error) {
	j, err := o.job(configID)
	if err != nil {
		return syncdom.ExecutionSnapshot{}, err
	}
	exec, err := o.begin(j)
	if err != nil {
		return syncdom.ExecutionSnapshot{}, err
	}
	o.runJob(ctx, j, exec, nextRun)
	return exec.Snapshot(), nil
}

// begin creates the pending execution, enforcing one run per config
func (o *Orchestrator) begin(j *job) (*syncdom.Execution, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running != nil {
		return nil, fmt.Errorf("%w: sync config %q already has a run in flight",
			shared.ErrInvalidInput, j.config.ID)
	}
	exec := syncdom.NewExecution(j.config.ID)
	j.running = exec
	return exec, nil
}

// finish retires the execution into the bounded history
func (o *Orchestrator) finish(j *job, exec *syncdom.Execution) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = nil
	j.executions = append(j.executions, exec)
	if excess := len(j.executions) - o.config.ExecutionHistory; excess > 0 {
		j.executions = j.executions[excess:]
	}
}

// Execution returns the snapshot of a retained or in-flight execution
func (o *Orchestrator) Execution(configID string, executionID uuid.UUID) (syncdom.ExecutionSnapshot, error) {
	j, err := o.job(configID)
	if err != nil {
		return syncdom.ExecutionSnapshot{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running != nil && j.running.ID == executionID {
		return j.running.Snapshot(), nil
	}
	for _, e := range j.executions {
		if e.ID == executionID {
			return e.Snapshot(), nil
		}
	}
	return syncdom.ExecutionSnapshot{}, fmt.Errorf("%w: execution %s", shared.ErrSystemNotFound, executionID)
}

// Executions returns snapshots of the retained executions for a config,
// oldest first
func (o *Orchestrator) Executions(configID string) ([]syncdom.ExecutionSnapshot, error) {
	j, err := o.job(configID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]syncdom.ExecutionSnapshot, 0, len(j.executions))
	for _, e := range j.executions {
		out = append(out, e.Snapshot())
	}
	return out, nil
}

// runJob executes the pipeline for one execution, both directions for
// bidirectional configs
func (o *Orchestrator) runJob(ctx context.Context, j *job, exec *syncdom.Execution, nextRun *time.Time) {
	defer o.finish(j, exec)

	ctx, cancel := context.WithTimeout(ctx, o.config.JobTimeout)
	defer cancel()

	cfg := j.config
	records, err := o.fetch(ctx, cfg.SourceSystem, cfg.SourceOperation, cfg)
	if err != nil {
		exec.Fail(fmt.Sprintf("fetch from %s: %v", cfg.SourceSystem, err))
		o.logger.Error("sync fetch failed",
			zap.String("config_id", cfg.ID),
			zap.Error(err))
		return
	}

	var reverse []syncdom.Record
	if cfg.Direction == syncdom.DirectionBidirectional {
		// The reverse pass reuses the operation names against the swapped
		// systems with path-inverted mappings.
		if reverse, err = o.fetch(ctx, cfg.TargetSystem, cfg.SourceOperation, cfg); err != nil {
			exec.Fail(fmt.Sprintf("fetch from %s: %v", cfg.TargetSystem, err))
			return
		}
	}

	exec.Start(len(records) + len(reverse))
	o.logger.Info("sync started",
		zap.String("config_id", cfg.ID),
		zap.Stringer("execution_id", exec.ID),
		zap.Int("candidates", len(records)+len(reverse)))

	o.processAll(ctx, cfg, exec, records, cfg.Mappings, cfg.TargetSystem)
	if cfg.Direction == syncdom.DirectionBidirectional {
		o.processAll(ctx, cfg, exec, reverse, invertMappings(cfg.Mappings), cfg.SourceSystem)
	}

	if ctx.Err() != nil {
		exec.Cancel()
	} else {
		exec.Complete(nextRun)
	}

	snap := exec.Snapshot()
	o.logger.Info("sync finished",
		zap.String("config_id", cfg.ID),
		zap.Stringer("execution_id", exec.ID),
		zap.String("status", string(snap.Status)),
		zap.Int("success", snap.SuccessCount),
		zap.Int("failed", snap.FailedCount),
		zap.Int("skipped", snap.SkippedCount))
}

// fetch pulls and filters candidate records from a system
func (o *Orchestrator) fetch(ctx context.Context, systemID, operation string, cfg syncdom.Configuration) ([]syncdom.Record, error) {
	result, err := o.executor.Execute(ctx, systemID, operation, nil)
	if err != nil {
		return nil, err
	}
	records, err := coerceRecords(result)
	if err != nil {
		return nil, err
	}

	filtered := records[:0]
	for _, r := range records {
		if syncdom.MatchesAll(cfg.Filters, cfg.FilterLogic, r) {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// processAll pushes records in batches of BatchSize
func (o *Orchestrator) processAll(ctx context.Context, cfg syncdom.Configuration, exec *syncdom.Execution, records []syncdom.Record, mappings []syncdom.FieldMapping, targetSystem string) {
	for start := 0; start < len(records); start += cfg.BatchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		for _, record := range records[start:end] {
			o.processOne(ctx, cfg, exec, record, mappings, targetSystem)
		}
	}
}

// processOne runs transform, conflict resolution, and push for one record
func (o *Orchestrator) processOne(ctx context.Context, cfg syncdom.Configuration, exec *syncdom.Execution, source syncdom.Record, mappings []syncdom.FieldMapping, targetSystem string) {
	mapped, err := o.transformer.Apply(mappings, source)
	if err != nil {
		exec.RecordFailure(err.Error())
		o.count(ctx, cfg.ID, "failed")
		return
	}

	final := mapped
	if cfg.LookupOperation != "" && cfg.KeyField != "" {
		existing, err := o.lookup(ctx, cfg, targetSystem, source)
		if err != nil {
			exec.RecordFailure(fmt.Sprintf("lookup: %v", err))
			o.count(ctx, cfg.ID, "failed")
			return
		}
		if existing != nil {
			resolved, err := syncdom.Resolve(cfg.Conflict, mapped, existing)
			if err != nil {
				if errors.Is(err, shared.ErrSyncConflict) {
					exec.RecordSkip()
					o.count(ctx, cfg.ID, "skipped")
					return
				}
				exec.RecordFailure(err.Error())
				o.count(ctx, cfg.ID, "failed")
				return
			}
			final = resolved
		}
	}

	if _, err := o.executor.Execute(ctx, targetSystem, cfg.TargetOperation, final); err != nil {
		exec.RecordFailure(fmt.Sprintf("push: %v", err))
		o.count(ctx, cfg.ID, "failed")
		return
	}
	exec.RecordSuccess()
	o.count(ctx, cfg.ID, "success")
}

// lookup finds an existing counterpart by the key field, nil when none
func (o *Orchestrator) lookup(ctx context.Context, cfg syncdom.Configuration, targetSystem string, source syncdom.Record) (syncdom.Record, error) {
	key, ok := syncdom.GetPath(source, cfg.KeyField)
	if !ok || key == nil {
		return nil, nil
	}
	result, err := o.executor.Execute(ctx, targetSystem, cfg.LookupOperation,
		syncdom.Record{cfg.KeyField: key})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	records, err := coerceRecords(result)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (o *Orchestrator) count(ctx context.Context, configID, result string) {
	if o.recorder != nil {
		o.recorder.RecordSyncRecord(ctx, configID, result)
	}
}

// Start enables asynchronous triggers
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.baseCtx, o.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight runs and waits for them
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	if !o.running {
		o.runMu.Unlock()
		return
	}
	o.running = false
	o.cancel()
	o.runMu.Unlock()
	o.wg.Wait()
}

// invertMappings swaps source and target paths for the reverse pass of a
// bidirectional sync. Transforms and validations are directional and do
// not apply in reverse.
func invertMappings(mappings []syncdom.FieldMapping) []syncdom.FieldMapping {
	out := make([]syncdom.FieldMapping, len(mappings))
	for i, m := range mappings {
		out[i] = syncdom.FieldMapping{
			SourcePath: m.TargetPath,
			TargetPath: m.SourcePath,
			Required:   m.Required,
			Default:    m.Default,
		}
	}
	return out
}

// coerceRecords normalizes an operation result into a record list
func coerceRecords(result any) ([]syncdom.Record, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case []syncdom.Record:
		return v, nil
	case syncdom.Record:
		return []syncdom.Record{v}, nil
	case []any:
		out := make([]syncdom.Record, 0, len(v))
		for _, item := range v {
			r, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: sync source returned a non-object record %T",
					shared.ErrInvalidInput, item)
			}
			out = append(out, r)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: sync source returned %T, expected records",
			shared.ErrInvalidInput, result)
	}
}
