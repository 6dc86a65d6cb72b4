// Package scheduler fires recurring jobs on wall-clock boundaries and fans
// each firing out to every tenant that opted into the task. Boundaries
// missed while the process was down are not backfilled: recurring work means
// "do this now", not "catch up on the past".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/tenant"
	"github.com/helios-pms/helios/jobs"
)

// PayloadFunc builds the job payload for one tenant at firing time.
type PayloadFunc func(tenantID int64) any

// Enqueuer is the queue surface the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, tenantID int64, payload []byte, opts queue.Options) (string, error)
}

// Locker takes a short-lived firing lock so overlapping scheduler replicas
// enqueue each boundary once. Nil disables deduplication.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type entry struct {
	name     string
	spec     string
	kind     string
	payload  PayloadFunc
	schedule cron.Schedule
	nextRun  time.Time
}

// Config collects scheduler dependencies.
type Config struct {
	Directory tenant.Directory
	Queue     Enqueuer
	Locker    Locker
	Logger    *slog.Logger
	Location  *time.Location
}

// Scheduler owns the registered recurring tasks and the firing loop.
type Scheduler struct {
	directory tenant.Directory
	queue     Enqueuer
	locker    Locker
	logger    *slog.Logger
	loc       *time.Location
	clock     func() time.Time
	entries   []*entry
}

// New constructs a scheduler; register tasks before calling Run.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		directory: cfg.Directory,
		queue:     cfg.Queue,
		locker:    cfg.Locker,
		logger:    cfg.Logger.With(slog.String("component", "scheduler")),
		loc:       cfg.Location,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// RegisterRecurring adds a recurring task. The cron spec is validated here so
// a bad schedule fails at startup, not at the first boundary. Disabled tasks
// are accepted and skipped, keeping the configuration list authoritative.
func (s *Scheduler) RegisterRecurring(name, spec, kind string, payload PayloadFunc, enabled bool) error {
	if name == "" || kind == "" {
		return fmt.Errorf("scheduler: task needs name and kind")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("scheduler: parse %q for task %s: %w", spec, name, err)
	}
	if !enabled {
		s.logger.Info("recurring task disabled", slog.String("task", name))
		return nil
	}
	s.entries = append(s.entries, &entry{
		name:     name,
		spec:     spec,
		kind:     kind,
		payload:  payload,
		schedule: schedule,
	})
	return nil
}

// Run fires tasks until ctx is cancelled. Next-run times are computed from
// the current clock after each firing, never from the boundary that fired.
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.clock().In(s.loc)
	for _, e := range s.entries {
		e.nextRun = e.schedule.Next(now)
		s.logger.Info("recurring task registered",
			slog.String("task", e.name),
			slog.String("spec", e.spec),
			slog.Time("next_run", e.nextRun),
		)
	}
	if len(s.entries) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(s.wait())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.fireDue(ctx, s.clock().In(s.loc))
			timer.Reset(s.wait())
		}
	}
}

// wait returns the duration until the earliest next boundary.
func (s *Scheduler) wait() time.Duration {
	now := s.clock().In(s.loc)
	earliest := time.Time{}
	for _, e := range s.entries {
		if earliest.IsZero() || e.nextRun.Before(earliest) {
			earliest = e.nextRun
		}
	}
	d := earliest.Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// fireDue runs every entry whose boundary has passed and schedules its next
// run from now, skipping any boundaries that elapsed in between.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if e.nextRun.After(now) {
			continue
		}
		s.fire(ctx, e, e.nextRun)
		e.nextRun = e.schedule.Next(now)
	}
}

// fire fans one boundary out across opted-in tenants. A failure for one
// tenant is logged and must not stop the others.
func (s *Scheduler) fire(ctx context.Context, e *entry, boundary time.Time) {
	logger := s.logger.With(slog.String("task", e.name), slog.Time("boundary", boundary))

	if s.locker != nil {
		key := FiringLockKey(e.name, boundary)
		ok, err := s.locker.Acquire(ctx, key, time.Minute)
		if err != nil {
			logger.Warn("firing lock unavailable, proceeding without dedupe", slog.Any("error", err))
		} else if !ok {
			logger.Info("boundary already fired elsewhere, skipping")
			return
		}
	}

	tenants, err := s.directory.ListActive(ctx)
	if err != nil {
		logger.Error("list active tenants", slog.Any("error", err))
		return
	}

	enqueued := 0
	for _, t := range tenants {
		optedIn, err := s.directory.OptedIn(ctx, t.ID, e.name)
		if err != nil {
			logger.Warn("opt-in lookup failed", slog.Int64("tenant_id", t.ID), slog.Any("error", err))
			continue
		}
		if !optedIn {
			continue
		}
		if err := s.enqueueFor(ctx, e, t.ID); err != nil {
			logger.Warn("enqueue failed", slog.Int64("tenant_id", t.ID), slog.Any("error", err))
			continue
		}
		enqueued++
	}
	logger.Info("recurring task fired",
		slog.Int("tenants", len(tenants)),
		slog.Int("enqueued", enqueued),
	)
}

func (s *Scheduler) enqueueFor(ctx context.Context, e *entry, tenantID int64) error {
	tc := tenant.System(tenantID)
	var payload any
	if e.payload != nil {
		payload = e.payload(tenantID)
	} else {
		payload = struct{}{}
	}
	sealed, err := jobs.Seal(tc, payload)
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, e.kind, tenantID, sealed, queue.Options{})
	return err
}

// FiringLockKey builds the redis key deduplicating one task boundary.
func FiringLockKey(task string, boundary time.Time) string {
	return fmt.Sprintf("scheduler:fire:%s:%d", task, boundary.Unix())
}
