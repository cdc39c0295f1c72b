package paloma

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// schedulerTick is the scheduler's wake-up resolution. Reminders are
// minute-granular, so a coarse tick keeps the loop cheap.
const schedulerTick = 30 * time.Second

// Notify delivers a fired reminder to the principal. The app wires this to
// the same egress path as chat replies so rate limiting applies uniformly.
type Notify func(ctx context.Context, principal, message string)

// Scheduler fires durable reminders: recurring 5-field cron jobs and
// in-process one-shots. Recurring jobs survive restarts via the store;
// Start re-registers every active job.
type Scheduler struct {
	store  Store
	notify Notify
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[int64]CronJob
	oneShot []oneShotJob
	nowFunc func() time.Time // test hook
}

type oneShotJob struct {
	at        time.Time
	principal string
	message   string
}

// NewScheduler creates a Scheduler. notify must not be nil.
func NewScheduler(store Store, notify Notify, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = nopLogger
	}
	return &Scheduler{
		store:   store,
		notify:  notify,
		logger:  logger,
		jobs:    make(map[int64]CronJob),
		nowFunc: time.Now,
	}
}

// Start loads active jobs from the store and runs the tick loop until ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListActiveCronJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.mu.Lock()
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	s.mu.Unlock()
	s.logger.Info("scheduler started", "jobs", len(jobs))

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	last := s.nowFunc()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.nowFunc()
			s.fire(ctx, last, now)
			last = now
		}
	}
}

// AddCron validates and persists a recurring job, registering it live.
func (s *Scheduler) AddCron(ctx context.Context, principal, expression, message, timezone string) (int64, error) {
	if !gronx.New().IsValid(expression) {
		return 0, fmt.Errorf("scheduler: invalid cron expression %q", expression)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return 0, fmt.Errorf("scheduler: unknown timezone %q", timezone)
		}
	}
	job := CronJob{
		Principal:  principal,
		Expression: expression,
		Message:    message,
		Timezone:   timezone,
		Active:     true,
	}
	id, err := s.store.SaveCronJob(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("scheduler: %w", err)
	}
	job.ID = id
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	return id, nil
}

// RemoveCron deactivates a job in the store and unregisters it.
func (s *Scheduler) RemoveCron(ctx context.Context, id int64) error {
	if err := s.store.DeactivateCronJob(ctx, id); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

// ScheduleOnce registers an in-process one-shot reminder. One-shots do not
// survive restarts; durable recurrence is what crons are for.
func (s *Scheduler) ScheduleOnce(at time.Time, principal, message string) {
	s.mu.Lock()
	s.oneShot = append(s.oneShot, oneShotJob{at: at, principal: principal, message: message})
	s.mu.Unlock()
}

// fire delivers everything due in (last, now].
func (s *Scheduler) fire(ctx context.Context, last, now time.Time) {
	s.mu.Lock()
	jobs := make([]CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	var due []oneShotJob
	var remaining []oneShotJob
	for _, o := range s.oneShot {
		if !o.at.After(now) {
			due = append(due, o)
		} else {
			remaining = append(remaining, o)
		}
	}
	s.oneShot = remaining
	s.mu.Unlock()

	for _, o := range due {
		s.notify(ctx, o.principal, o.message)
	}
	for _, j := range jobs {
		if s.cronDue(j, last, now) {
			s.logger.Info("cron fired", "id", j.ID)
			s.notify(ctx, j.Principal, j.Message)
		}
	}
}

// cronDue reports whether the job's next tick after last falls in
// (last, now], evaluated in the job's timezone.
func (s *Scheduler) cronDue(j CronJob, last, now time.Time) bool {
	loc := time.Local
	if j.Timezone != "" {
		l, err := time.LoadLocation(j.Timezone)
		if err != nil {
			s.logger.Warn("cron timezone invalid, using local", "id", j.ID, "tz", j.Timezone)
		} else {
			loc = l
		}
	}
	next, err := gronx.NextTickAfter(j.Expression, last.In(loc), false)
	if err != nil {
		s.logger.Warn("cron evaluation failed", "id", j.ID, "error", err)
		return false
	}
	return !next.After(now.In(loc))
}
