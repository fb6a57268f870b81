package sync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the status of one sync run
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Execution is the record of one sync run. It is mutated only by the
// orchestrator while running and is immutable once finished.
type Execution struct {
	mu sync.Mutex

	ID       uuid.UUID
	ConfigID string
	Status   ExecutionStatus

	TotalCount     int
	ProcessedCount int
	SuccessCount   int
	FailedCount    int
	SkippedCount   int
	Errors         []string

	StartedAt   time.Time
	CompletedAt *time.Time
	NextRunAt   *time.Time
}

// NewExecution creates a pending execution for a config
func NewExecution(configID string) *Execution {
	return &Execution{
		ID:       uuid.New(),
		ConfigID: configID,
		Status:   ExecutionPending,
	}
}

// Start marks the execution running with the candidate total
func (e *Execution) Start(total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Status = ExecutionRunning
	e.TotalCount = total
	e.StartedAt = time.Now()
}

// RecordSuccess counts one successfully pushed record
func (e *Execution) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ProcessedCount++
	e.SuccessCount++
}

// RecordFailure counts one failed record with its error message
func (e *Execution) RecordFailure(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ProcessedCount++
	e.FailedCount++
	e.Errors = append(e.Errors, msg)
}

// RecordSkip counts one record skipped by conflict policy. Skips are never
// failures.
func (e *Execution) RecordSkip() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ProcessedCount++
	e.SkippedCount++
}

// Complete finishes the execution; it becomes failed when nothing succeeded
// but failures occurred.
func (e *Execution) Complete(nextRun *time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.CompletedAt = &now
	e.NextRunAt = nextRun
	if e.FailedCount > 0 && e.SuccessCount == 0 {
		e.Status = ExecutionFailed
		return
	}
	e.Status = ExecutionCompleted
}

// Fail finishes the execution with a job-level error
func (e *Execution) Fail(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.CompletedAt = &now
	e.Status = ExecutionFailed
	e.Errors = append(e.Errors, msg)
}

// Cancel marks the execution cancelled
func (e *Execution) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.CompletedAt = &now
	e.Status = ExecutionCancelled
}

// Snapshot returns a copy safe to hand out after the run finished
func (e *Execution) Snapshot() ExecutionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	errs := make([]string, len(e.Errors))
	copy(errs, e.Errors)
	return ExecutionSnapshot{
		ID:             e.ID,
		ConfigID:       e.ConfigID,
		Status:         e.Status,
		TotalCount:     e.TotalCount,
		ProcessedCount: e.ProcessedCount,
		SuccessCount:   e.SuccessCount,
		FailedCount:    e.FailedCount,
		SkippedCount:   e.SkippedCount,
		Errors:         errs,
		StartedAt:      e.StartedAt,
		CompletedAt:    e.CompletedAt,
		NextRunAt:      e.NextRunAt,
	}
}

// ExecutionSnapshot is a point-in-time copy of an execution
type ExecutionSnapshot struct {
	ID             uuid.UUID
	ConfigID       string
	Status         ExecutionStatus
	TotalCount     int
	ProcessedCount int
	SuccessCount   int
	FailedCount    int
	SkippedCount   int
	Errors         []string
	StartedAt      time.Time
	CompletedAt    *time.Time
	NextRunAt      *time.Time
}
