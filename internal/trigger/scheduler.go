// Package trigger fires plan executions: cron schedules, webhook
// deliveries, and conditional event matching.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowgrid/flowgrid/internal/store"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

// misfireGrace bounds how late a missed schedule may still fire on
// recovery. Anything later is skipped and rescheduled.
const misfireGrace = 60 * time.Second

// PlanRunner is the interface the trigger subsystem uses to start
// executions. Satisfied by the engine (avoids import cycle).
type PlanRunner interface {
	RunPlan(ctx context.Context, planID, userID string, triggerData map[string]any) (*schema.Execution, error)
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store  store.Store
	runner PlanRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // plan IDs currently executing (dedup)
	running    sync.WaitGroup      // in-flight job goroutines
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner PlanRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Schedule registers (or replaces) the cron schedule for a plan. The
// plan must carry a scheduled trigger with a parseable expression.
func (s *Scheduler) Schedule(ctx context.Context, planID string) (*store.ScheduledJob, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Trigger.Type != schema.TriggerTypeScheduled {
		return nil, schema.NewErrorf(schema.ErrKindSchedulingConflict,
			"plan %s has trigger type %q, not scheduled", planID, plan.Trigger.Type)
	}

	next, err := s.CalculateNextRun(plan.Trigger.CronExpression, plan.Trigger.Timezone, time.Now().UTC())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"invalid cron expression %q: %s", plan.Trigger.CronExpression, err.Error()).WithCause(err)
	}

	job := &store.ScheduledJob{
		PlanID:         plan.ID,
		UserID:         plan.UserID,
		CronExpression: plan.Trigger.CronExpression,
		Timezone:       plan.Trigger.Timezone,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.UpsertScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("plan scheduled",
		slog.String("plan_id", plan.ID),
		slog.String("cron", plan.Trigger.CronExpression),
		slog.Time("next_run_at", next))
	return job, nil
}

// Unschedule removes a plan's schedule. Removing a plan that was never
// scheduled is a not-found error.
func (s *Scheduler) Unschedule(ctx context.Context, planID string) error {
	if err := s.store.DeleteScheduledJob(ctx, planID); err != nil {
		return err
	}
	s.logger.Info("plan unscheduled", slog.String("plan_id", planID))
	return nil
}

// ListScheduled returns all schedules, optionally filtered by user.
func (s *Scheduler) ListScheduled(ctx context.Context, userID string) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{UserID: userID})
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
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

// tick checks all enabled jobs and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.PlanID) {
				continue // already running (dedup)
			}
			s.launchJob(ctx, job, now)
		}
	}
}

// launchJob hands the job off to its own goroutine so a slow plan
// never delays the coordinator loop or other due jobs. The in-flight
// mark taken by the caller is released when the run finishes.
func (s *Scheduler) launchJob(ctx context.Context, job *store.ScheduledJob, now time.Time) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer s.releaseJob(job.PlanID)
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("plan_id", job.PlanID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// runJob executes a scheduled job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("plan_id", job.PlanID),
		slog.String("cron", job.CronExpression),
	)

	triggerData := map[string]any{
		"source":   "schedule",
		"fired_at": now.Format(time.RFC3339),
	}

	exec, err := s.runner.RunPlan(ctx, job.PlanID, job.UserID, triggerData)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job execution failed",
			slog.String("plan_id", job.PlanID),
			slog.String("error", err.Error()),
		)
	} else if exec.Status == schema.ExecutionStatusFailed {
		status = "error"
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, job.Timezone, now)
	if err != nil {
		return fmt.Errorf("calculate next run for plan %q: %w", job.PlanID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.PlanID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: &status,
	})
}

// tryAcquire returns true and marks the plan as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(planID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[planID]; ok {
		return false
	}
	s.inflight[planID] = struct{}{}
	return true
}

// releaseJob removes the plan from the in-flight set.
func (s *Scheduler) releaseJob(planID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, planID)
}

// CalculateNextRun computes the next fire time for a cron expression
// in the given IANA timezone (UTC when empty).
func (s *Scheduler) CalculateNextRun(cronExpr, timezone string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}
	return schedule.Next(from.In(loc)).UTC(), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.running.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed scans for jobs whose next_run_at passed while the
// process was down. Jobs missed within the grace window run once;
// older misses only get a fresh next_run_at.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if now.Sub(*job.NextRunAt) > misfireGrace {
			s.logger.Warn("skipping stale scheduled job",
				slog.String("plan_id", job.PlanID),
				slog.Time("missed_at", *job.NextRunAt))
			if err := s.updateJobStatus(ctx, job, now, "skipped"); err != nil {
				s.logger.Error("failed to reschedule stale job",
					slog.String("plan_id", job.PlanID),
					slog.String("error", err.Error()))
			}
			continue
		}
		if !s.tryAcquire(job.PlanID) {
			continue
		}
		s.launchJob(ctx, job, now)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
