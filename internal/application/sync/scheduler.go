package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/einvoice/integration/internal/domain/shared"
	syncdom "github.com/einvoice/integration/internal/domain/sync"
)

// CronSchedule evaluates a cron expression. Cron parsing is delegated to
// the host; the scheduler only asks for the next firing time.
type CronSchedule interface {
	// Next returns the first firing time after the given instant; ok is
	// false when the expression never fires again.
	Next(expression string, after time.Time) (next time.Time, ok bool)
}

// Scheduler drives interval and cron sync jobs against the orchestrator.
// Manual jobs are never scheduled here.
type Scheduler struct {
	orchestrator *Orchestrator
	cron         CronSchedule
	logger       *zap.Logger

	mu     sync.Mutex
	jobs   map[string]context.CancelFunc
	paused map[string]syncdom.Schedule

	runMu   sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SchedulerOption is a functional option for configuring the Scheduler
type SchedulerOption func(*Scheduler)

// WithCronSchedule installs the cron evaluator. Without one, cron jobs are
// rejected at Schedule time.
func WithCronSchedule(cron CronSchedule) SchedulerOption {
	return func(s *Scheduler) {
		s.cron = cron
	}
}

// NewScheduler creates a scheduler driving the given orchestrator
func NewScheduler(orchestrator *Orchestrator, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		orchestrator: orchestrator,
		logger:       logger,
		jobs:         make(map[string]context.CancelFunc),
		paused:       make(map[string]syncdom.Schedule),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule starts the loop for a registered config per its schedule.
// Manual schedules are a no-op.
func (s *Scheduler) Schedule(configID string) error {
	cfg, err := s.orchestrator.Config(configID)
	if err != nil {
		return err
	}
	return s.schedule(configID, cfg.Schedule)
}

func (s *Scheduler) schedule(configID string, schedule syncdom.Schedule) error {
	switch schedule.Type {
	case syncdom.ScheduleManual:
		return nil
	case syncdom.ScheduleInterval:
		if schedule.Interval <= 0 {
			return fmt.Errorf("%w: interval schedule for %q needs a positive interval",
				shared.ErrInvalidInput, configID)
		}
	case syncdom.ScheduleCron:
		if s.cron == nil {
			return fmt.Errorf("%w: no cron evaluator installed for %q",
				shared.ErrInvalidInput, configID)
		}
		if _, ok := s.cron.Next(schedule.Expression, time.Now()); !ok {
			return fmt.Errorf("%w: cron expression %q for %q never fires",
				shared.ErrInvalidInput, schedule.Expression, configID)
		}
	default:
		return fmt.Errorf("%w: unknown schedule type %q", shared.ErrInvalidInput, schedule.Type)
	}

	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return fmt.Errorf("%w: scheduler is not started", shared.ErrInvalidInput)
	}
	base := s.baseCtx
	s.runMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.jobs[configID]; ok {
		cancel()
	}
	delete(s.paused, configID)

	ctx, cancel := context.WithCancel(base)
	s.jobs[configID] = cancel
	s.wg.Add(1)
	go s.loop(ctx, configID, schedule)

	s.logger.Info("scheduled sync job",
		zap.String("config_id", configID),
		zap.String("type", string(schedule.Type)))
	return nil
}

// Pause cancels the loop for a config, keeping its schedule for Resume
func (s *Scheduler) Pause(configID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.jobs[configID]
	if !ok {
		return fmt.Errorf("%w: no scheduled job for %q", shared.ErrSystemNotFound, configID)
	}
	cancel()
	delete(s.jobs, configID)

	if cfg, err := s.orchestrator.Config(configID); err == nil {
		s.paused[configID] = cfg.Schedule
	}
	s.logger.Info("paused sync job", zap.String("config_id", configID))
	return nil
}

// Resume reschedules a paused config
func (s *Scheduler) Resume(configID string) error {
	s.mu.Lock()
	schedule, ok := s.paused[configID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no paused job for %q", shared.ErrSystemNotFound, configID)
	}
	return s.schedule(configID, schedule)
}

// Unschedule cancels the loop and forgets the config entirely
func (s *Scheduler) Unschedule(configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.jobs[configID]; ok {
		cancel()
		delete(s.jobs, configID)
	}
	delete(s.paused, configID)
}

// loop fires the job per its schedule until canceled
func (s *Scheduler) loop(ctx context.Context, configID string, schedule syncdom.Schedule) {
	defer s.wg.Done()

	for {
		next, ok := s.nextFiring(schedule, time.Now())
		if !ok {
			s.logger.Info("sync schedule exhausted", zap.String("config_id", configID))
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		following, _ := s.nextFiring(schedule, time.Now())
		nextRun := &following
		if following.IsZero() {
			nextRun = nil
		}
		if _, err := s.orchestrator.RunScheduled(ctx, configID, nextRun); err != nil {
			// A run already in flight or a removed config; the next firing
			// re-evaluates.
			s.logger.Warn("scheduled sync run not started",
				zap.String("config_id", configID),
				zap.Error(err))
		}
	}
}

// nextFiring computes the next firing time after the given instant
func (s *Scheduler) nextFiring(schedule syncdom.Schedule, after time.Time) (time.Time, bool) {
	switch schedule.Type {
	case syncdom.ScheduleInterval:
		return after.Add(schedule.Interval), true
	case syncdom.ScheduleCron:
		return s.cron.Next(schedule.Expression, after)
	default:
		return time.Time{}, false
	}
}

// Start enables scheduling
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
}

// Stop cancels every loop and waits for them
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.runMu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	s.jobs = make(map[string]context.CancelFunc)
	s.mu.Unlock()
}
