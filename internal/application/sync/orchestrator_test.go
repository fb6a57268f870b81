package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/einvoice/integration/internal/domain/shared"
	syncdom "github.com/einvoice/integration/internal/domain/sync"
)

// fakeExecutor scripts per-system/per-operation responses and records the
// pushed payloads
type fakeExecutor struct {
	mu        sync.Mutex
	responses map[string]any   // "system/operation" -> canned result
	errs      map[string]error // "system/operation" -> canned error
	pushed    []syncdom.Record
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		responses: make(map[string]any),
		errs:      make(map[string]error),
	}
}

func (f *fakeExecutor) respond(system, operation string, result any) {
	f.responses[system+"/"+operation] = result
}

func (f *fakeExecutor) fail(system, operation string, err error) {
	f.errs[system+"/"+operation] = err
}

func (f *fakeExecutor) Execute(_ context.Context, systemID, operation string, payload any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := systemID + "/" + operation
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if payload != nil {
		if record, ok := payload.(syncdom.Record); ok && operation != "lookup" {
			f.pushed = append(f.pushed, record)
		}
	}
	return f.responses[key], nil
}

func (f *fakeExecutor) pushedRecords() []syncdom.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]syncdom.Record, len(f.pushed))
	copy(out, f.pushed)
	return out
}

func baseConfig() syncdom.Configuration {
	return syncdom.Configuration{
		ID:              "erp-to-firs",
		SourceSystem:    "erp",
		TargetSystem:    "firs",
		Mappings:        []syncdom.FieldMapping{{SourcePath: "id", TargetPath: "id"}, {SourcePath: "status", TargetPath: "status"}},
		SourceOperation: "fetch",
		TargetOperation: "push",
		BatchSize:       2,
	}
}

func newTestOrchestrator(executor Executor) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		ExecutionHistory: 5,
		JobTimeout:       time.Minute,
	}, executor, zap.NewNop())
}

func TestOrchestratorDefaultBatchSize(t *testing.T) {
	o := NewOrchestrator(OrchestratorConfig{
		DefaultBatchSize: 25,
		ExecutionHistory: 5,
		JobTimeout:       time.Minute,
	}, newFakeExecutor(), zap.NewNop())

	cfg := baseConfig()
	cfg.BatchSize = 0
	require.NoError(t, o.RegisterConfig(cfg))

	got, err := o.Config("erp-to-firs")
	require.NoError(t, err)
	assert.Equal(t, 25, got.BatchSize)
}

func TestOrchestratorRunPushesMappedRecords(t *testing.T) {
	ex := newFakeExecutor()
	ex.respond("erp", "fetch", []any{
		map[string]any{"id": "1", "status": "issued"},
		map[string]any{"id": "2", "status": "issued"},
		map[string]any{"id": "3", "status": "issued"},
	})

	o := newTestOrchestrator(ex)
	require.NoError(t, o.RegisterConfig(baseConfig()))

	snap, err := o.Run(context.Background(), "erp-to-firs")
	require.NoError(t, err)
	assert.Equal(t, syncdom.ExecutionCompleted, snap.Status)
	assert.Equal(t, 3, snap.TotalCount)
	assert.Equal(t, 3, snap.SuccessCount)
	assert.Zero(t, snap.FailedCount)
	assert.Len(t, ex.pushedRecords(), 3)
}

func TestOrchestratorAppliesFilters(t *testing.T) {
	ex := newFakeExecutor()
	ex.respond("erp", "fetch", []any{
		map[string]any{"id": "1", "status": "issued"},
		map[string]any{"id": "2", "status": "draft"},
	})

	cfg := baseConfig()
	cfg.Filters = []syncdom.Filter{{Field: "status", Operator: syncdom.OpEq, Value: "issued"}}
	o := newTestOrchestrator(ex)
	require.NoError(t, o.RegisterConfig(cfg))

	snap, err := o.Run(context.Background(), "erp-to-firs")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TotalCount)
	assert.Equal(t, 1, snap.SuccessCount)
}

func TestOrchestratorCountsSkippedConflicts(t *testing.T) {
	ex := newFakeExecutor()
	ex.respond("erp", "fetch", []any{map[string]any{"id": "1", "status": "issued"}})
	ex.respond("firs", "lookup", map[string]any{"id": "1", "status": "draft"})

	cfg := baseConfig()
	cfg.LookupOperation = "lookup"
	cfg.KeyField = "id"
	cfg.Conflict = syncdom.ConflictSkip
	o := newTestOrchestrator(ex)
	require.NoError(t, o.RegisterConfig(cfg))

	snap, err := o.Run(context.Background(), "erp-to-firs")
	require.NoError(t, err)
	assert.Equal(t, syncdom.ExecutionCompleted, snap.Status)
	assert.Equal(t, 1, snap.SkippedCount)
	assert.Zero(t, snap.FailedCount)
	assert.Empty(t, ex.pushedRecords())
}

func TestOrchestratorResolvesConflictTargetWins(t *testing.T) {
	ex := newFakeExecutor()
	ex.respond("erp", "fetch", []any{map[string]any{"id": "1", "status": "issued"}})
	ex.respond("firs", "lookup", map[string]any{"id": "1", "status": "draft"})

	cfg := baseConfig()
	cfg.LookupOperation = "lookup"
	cfg.KeyField = "id"
	cfg.Conflict = syncdom.ConflictTargetWins
	o := newTestOrchestrator(ex)
	require.NoError(t, o.RegisterConfig(cfg))

	snap, err := o.Run(context.Background(), "erp-to-firs")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.SuccessCount)

	pushed := ex.pushedRecords()
	require.Len(t, pushed, 1)
	assert.Equal(t, "draft", pushed[0]["status"])
}

func TestOrchestratorRecordsMappingFailures(t *testing.T) {
	ex := newFakeExecutor()
	ex.respond("erp", "fetch", []any{
		map[string]any{"id": "1", "status": "issued"},
		map[string]any{"status": "issued"}, // missing required id
	})

	cfg := baseConfig()
	cfg.Mappings[0].Required = true
	o := newTestOrchestrator(ex)
	require.NoError(t, o.RegisterConfig(cfg))

	snap, err := o.Run(context.Background(), "erp-to-firs")
	require.NoError(t, err)
	assert.Equal(t, syncdom.ExecutionCompleted, snap.Status)
	assert.Equal(t, 1, snap.SuccessCount)
	assert.Equal(t, 1, snap.FailedCount)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "required field")
}

func TestOrchestratorFailsWhenFetchFails(t *testing.T) {
	ex := newFakeExecutor()
	ex.fail("erp", "fetch", errors.New("connection refused"))

	o := newTestOrchestrator(ex)
	require.NoError(t, o.RegisterConfig(baseConfig()))

	snap, err := o.Run(context.Background(), "erp-to-firs")
	require.NoError(t, err)
	assert.Equal(t, syncdom.ExecutionFailed, snap.Status)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "connection refused")
}

func TestOrchestratorAllPushesFailingMarksExecutionFailed(t *testing.T) {
	ex := newFakeExecutor()
	ex.respond("erp", "fetch", []any{map[string]any{"id": "1", "status": "issued"}})
	ex.fail("firs", "push", errors.New("remote returned status 500"))

	o := newTestOrchestrator(ex)
	require.NoError(t, o.RegisterConfig(baseConfig()))

	snap, err := o.Run(context.Background(), "erp-to-firs")
	require.NoError(t, err)
	assert.Equal(t, syncdom.ExecutionFailed, snap.Status)
	assert.Equal(t, 1, snap.FailedCount)
}

func TestOrchestratorRejectsInvalidConfig(t *testing.T) {
	o := newTestOrchestrator(newFakeExecutor())

	cfg := baseConfig()
	cfg.ID = ""
	assert.ErrorIs(t, o.RegisterConfig(cfg), shared.ErrInvalidInput)

	cfg = baseConfig()
	cfg.TargetSystem = cfg.SourceSystem
	assert.ErrorIs(t, o.RegisterConfig(cfg), shared.ErrInvalidInput)

	cfg = baseConfig()
	cfg.Mappings = nil
	assert.ErrorIs(t, o.RegisterConfig(cfg), shared.ErrInvalidInput)

	cfg = baseConfig()
	assert.NoError(t, o.RegisterConfig(cfg))
	assert.ErrorIs(t, o.RegisterConfig(cfg), shared.ErrInvalidInput) // duplicate
}

func TestOrchestratorExecutionHistoryBounded(t *testing.T) {
	ex := newFakeExecutor()
	ex.respond("erp", "fetch", []any{})

	o := NewOrchestrator(OrchestratorConfig{ExecutionHistory: 2, JobTimeout: time.Minute}, ex, zap.NewNop())
	require.NoError(t, o.RegisterConfig(baseConfig()))

	for i := 0; i < 4; i++ {
		_, err := o.Run(context.Background(), "erp-to-firs")
		require.NoError(t, err)
	}

	execs, err := o.Executions("erp-to-firs")
	require.NoError(t, err)
	assert.Len(t, execs, 2)
}

func TestOrchestratorTriggerReturnsExecutionID(t *testing.T) {
	ex := newFakeExecutor()
	ex.respond("erp", "fetch", []any{map[string]any{"id": "1", "status": "issued"}})

	o := newTestOrchestrator(ex)
	require.NoError(t, o.RegisterConfig(baseConfig()))

	o.Start(context.Background())
	defer o.Stop()

	id, err := o.Trigger("erp-to-firs")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap, err := o.Execution("erp-to-firs", id)
		return err == nil && snap.Status == syncdom.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorBidirectionalRunsBothPasses(t *testing.T) {
	ex := newFakeExecutor()
	ex.respond("erp", "fetch", []any{map[string]any{"id": "1", "status": "issued"}})
	ex.respond("firs", "fetch", []any{map[string]any{"id": "9", "status": "accepted"}})

	cfg := baseConfig()
	cfg.Direction = syncdom.DirectionBidirectional
	o := newTestOrchestrator(ex)
	require.NoError(t, o.RegisterConfig(cfg))

	snap, err := o.Run(context.Background(), "erp-to-firs")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TotalCount)
	assert.Equal(t, 2, snap.SuccessCount)
	assert.Len(t, ex.pushedRecords(), 2)
}
