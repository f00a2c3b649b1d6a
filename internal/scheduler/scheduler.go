// Package scheduler re-runs workflow files on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/pkg/schema"
)

// Run statuses recorded on a job after each run.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
	StatusError  = "error"
)

// DefaultInterval is how often the store is polled for due jobs. Cron
// expressions have minute resolution.
const DefaultInterval = 30 * time.Second

// JobRunner executes the workflow a job points at.
type JobRunner interface {
	RunJob(ctx context.Context, job *store.ScheduledJob) (*schema.WorkflowReport, error)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, job *store.ScheduledJob) (*schema.WorkflowReport, error)

func (f JobRunnerFunc) RunJob(ctx context.Context, job *store.ScheduledJob) (*schema.WorkflowReport, error) {
	return f(ctx, job)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithConcurrency caps how many jobs run at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.poolSize = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls the store for due jobs and runs each one on the pool.
// A job never overlaps with itself.
type Scheduler struct {
	store    store.Store
	runner   JobRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	poolSize int
	now      func() time.Time

	mu     sync.Mutex
	pool   *Pool
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, runner JobRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sched := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultInterval,
		poolSize: 4,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sched)
	}
	sched.pool = NewPool(sched.poolSize)
	return sched
}

// Add validates job, fills in its ID and first run time, and stores it.
func (s *Scheduler) Add(ctx context.Context, job *store.ScheduledJob) error {
	if strings.TrimSpace(job.WorkflowPath) == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires a workflow path")
	}
	now := s.now()
	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = now
	job.NextRunAt = &next
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return fmt.Errorf("create scheduled job: %w", err)
	}
	s.logger.Info("job scheduled", "job_id", job.ID, "workflow", job.WorkflowPath,
		"cron", job.CronExpression, "next_run_at", next)
	return nil
}

// Start launches the polling loop. An immediate tick runs first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every enabled job that is due and not already running.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("list scheduled jobs failed", "error", err)
		return
	}

	now := s.now()
	pool := s.currentPool()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		job := job
		err := pool.Submit(ctx, func(ctx context.Context) error {
			defer s.releaseJob(job.ID)
			return s.runJob(ctx, job, now)
		})
		if err != nil {
			s.releaseJob(job.ID)
			s.logger.Warn("submit scheduled job failed", "job_id", job.ID, "error", err)
		}
	}
}

// Wait blocks until the submitted runs finish.
func (s *Scheduler) Wait() {
	s.currentPool().Wait()
}

func (s *Scheduler) currentPool() *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// runJob runs one job and records the outcome and next run time.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	logger := s.logger.With("job_id", job.ID, "workflow", job.WorkflowPath)
	logger.Info("running scheduled job")

	rep, err := s.runner.RunJob(ctx, job)
	status := StatusPassed
	runID := ""
	switch {
	case err != nil:
		status = StatusError
		logger.Error("scheduled run failed", "error", err)
	case rep == nil:
		status = StatusError
	default:
		runID = rep.RunID
		if !rep.Success {
			status = StatusFailed
		}
		logger.Info("scheduled run finished", "run_id", rep.RunID, "success", rep.Success)
	}

	if uerr := s.record(context.WithoutCancel(ctx), job, now, status, runID); uerr != nil {
		logger.Error("update scheduled job failed", "error", uerr)
		return uerr
	}
	return err
}

func (s *Scheduler) record(ctx context.Context, job *store.ScheduledJob, now time.Time, status, runID string) error {
	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return err
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
		LastRunID:     runID,
	})
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun returns the first activation of cronExpr after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop ends the polling loop and waits for running jobs. The scheduler
// can be started again afterwards.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	pool := s.pool
	s.cancel = nil
	s.done = nil
	s.pool = NewPool(s.poolSize)
	s.mu.Unlock()

	<-done
	pool.Close()
	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once, synchronously, every job whose next run time
// has already passed.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("recover missed job failed", "job_id", job.ID, "error", err)
		} else {
			recovered++
		}
		s.releaseJob(job.ID)
	}
	if recovered > 0 {
		s.logger.Info("recovered missed jobs", "count", recovered)
	}
	return nil
}
