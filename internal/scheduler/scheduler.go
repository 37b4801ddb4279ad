package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Starter is the interface the scheduler uses to launch workflow executions.
// Satisfied by the orchestrator (avoids an import cycle).
type Starter interface {
	StartRegistered(ctx context.Context, definitionID string, params map[string]any) (string, error)
}

// Schedule binds a registered workflow definition to a cron expression.
type Schedule struct {
	ID           string
	DefinitionID string
	CronExpr     string
	Params       map[string]any
	Enabled      bool

	NextRunAt     time.Time
	LastRunAt     *time.Time
	LastRunStatus string
	LastExecution string
}

// Scheduler runs registered workflow definitions on cron schedules. Entries
// live in memory; durable execution records come from the runs themselves.
type Scheduler struct {
	starter Starter
	parser  cron.Parser
	tick    time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*Schedule
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing (dedup)
}

// NewScheduler creates a scheduler that checks schedules every tick.
// A non-positive tick defaults to 60 seconds.
func NewScheduler(starter Starter, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		tick:     tick,
		logger:   logger,
		jobs:     make(map[string]*Schedule),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a schedule. The cron expression is validated and the first
// run time computed immediately.
func (s *Scheduler) Add(sched Schedule) error {
	if sched.ID == "" {
		return fmt.Errorf("schedule has no ID")
	}
	if sched.DefinitionID == "" {
		return fmt.Errorf("schedule %q has no definition ID", sched.ID)
	}
	next, err := s.NextRun(sched.CronExpr, time.Now().UTC())
	if err != nil {
		return err
	}
	sched.NextRunAt = next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[sched.ID]; exists {
		return fmt.Errorf("schedule %q already registered", sched.ID)
	}
	s.jobs[sched.ID] = &sched
	return nil
}

// Remove drops a schedule. Removing an unknown ID is a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// SetEnabled toggles a schedule without losing its next-run bookkeeping.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	sched.Enabled = enabled
	return nil
}

// Schedules returns a snapshot of all registered schedules.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.jobs))
	for _, sched := range s.jobs {
		out = append(out, *sched)
	}
	return out
}

// Start launches the background loop. An initial tick fires immediately so
// overdue schedules do not wait a full interval.
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
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled schedule that is due. Exposed for tests and for
// callers driving the scheduler manually.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*Schedule, 0)
	for _, sched := range s.jobs {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue // previous firing still in flight
		}
		s.fire(ctx, sched, now)
		s.release(sched.ID)
	}
}

// fire starts one execution for a due schedule and rolls its bookkeeping
// forward regardless of outcome.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	s.logger.Info("firing schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("definition_id", sched.DefinitionID),
	)

	executionID, err := s.starter.StartRegistered(ctx, sched.DefinitionID, sched.Params)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled start failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}

	next, nerr := s.NextRun(sched.CronExpr, now)
	if nerr != nil {
		// Expression was valid at Add time; disable rather than spin.
		s.logger.Error("failed to compute next run, disabling schedule",
			slog.String("schedule_id", sched.ID),
			slog.String("error", nerr.Error()),
		)
	}

	s.mu.Lock()
	sched.LastRunAt = &now
	sched.LastRunStatus = status
	sched.LastExecution = executionID
	if nerr != nil {
		sched.Enabled = false
	} else {
		sched.NextRunAt = next
	}
	s.mu.Unlock()
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the background loop and waits for it to exit. The lock is
// released before waiting so an in-flight Tick can finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
