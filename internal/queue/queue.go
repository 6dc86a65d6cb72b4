// Package queue implements the tenant-scoped durable job queue with an
// in-process fallback. Job acceptance never blocks on the durable backend:
// when it is unreachable, enqueues land in the fallback queue (at-least-once
// within the process lifetime, lost on restart) and a probe loop switches
// new enqueues back once the backend recovers. Fallback jobs are never
// replayed into the durable backend, so a mode switch cannot duplicate work.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	jobmetrics "github.com/helios-pms/helios/internal/jobs"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
	StatusCancelled Status = "cancelled"
)

// Job is owned by the queue for its lifetime. Workers hold a lease on an
// active job; the lease token is the single piece of shared mutable state
// and changes only under compare-and-set.
type Job struct {
	ID          string
	Kind        string
	TenantID    int64
	Payload     []byte
	Attempt     int
	MaxAttempts int
	NotBefore   time.Time
	Status      Status
	LastError   string
	EnqueuedAt  time.Time

	leaseToken   string
	leaseExpires time.Time
}

// Options tune a single enqueue.
type Options struct {
	// Delay postpones eligibility; zero runs as soon as a worker is free.
	Delay time.Duration
	// MaxAttempts overrides the kind default when positive.
	MaxAttempts int
}

// DeadJob is an operator-facing dead-letter record.
type DeadJob struct {
	ID        string
	Kind      string
	Payload   []byte
	LastError string
	DiedAt    time.Time
	Source    string
}

// Dispatcher executes a claimed job and supplies per-kind policy. The jobs
// registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *Job) error
	// DefaultMaxAttempts returns the kind's attempt budget, 0 for unknown kinds.
	DefaultMaxAttempts(kind string) int
	// Timeout returns the per-job execution timeout for the kind.
	Timeout(kind string) time.Duration
}

// DurableBackend abstracts the Redis-backed queue so mode switching is
// testable without a live broker.
type DurableBackend interface {
	Enqueue(ctx context.Context, job *Job, timeout time.Duration) error
	Cancel(ctx context.Context, id string) error
	DeadLetters(ctx context.Context, limit int) ([]DeadJob, error)
	Ping(ctx context.Context) error
}

// Config collects the queue dependencies.
type Config struct {
	Durable       DurableBackend // nil forces permanent fallback mode
	Dispatcher    Dispatcher
	Logger        *slog.Logger
	Metrics       *jobmetrics.Metrics
	Workers       int           // fallback pool size
	ProbeInterval time.Duration // durable health probe cadence
	RetryBase     time.Duration
	RetryCap      time.Duration
	LeaseTTL      time.Duration
}

// Queue is the single enqueue entry point for the rest of the application.
type Queue struct {
	durable     DurableBackend
	fallback    *Memory
	dispatcher  Dispatcher
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	durableMode atomic.Bool
	probeEvery  time.Duration
	clock       func() time.Time
	stopProbe   context.CancelFunc
	probeDone   chan struct{}
}

// New constructs the queue. Call Start to begin fallback processing and
// health probing.
func New(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 10 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	q := &Queue{
		durable:    cfg.Durable,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger.With(slog.String("component", "queue")),
		metrics:    cfg.Metrics,
		probeEvery: cfg.ProbeInterval,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	q.fallback = NewMemory(MemoryConfig{
		Dispatcher: cfg.Dispatcher,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
		Workers:    cfg.Workers,
		RetryBase:  cfg.RetryBase,
		RetryCap:   cfg.RetryCap,
		LeaseTTL:   cfg.LeaseTTL,
	})
	return q
}

// Start probes the durable backend once to pick the initial mode, starts the
// fallback worker pool, and launches the recovery probe loop.
func (q *Queue) Start(ctx context.Context) {
	if q.durable != nil {
		if err := q.durable.Ping(ctx); err != nil {
			q.logger.Warn("durable backend unreachable at startup, using fallback queue", slog.Any("error", err))
		} else {
			q.setMode(true)
		}
	}
	q.fallback.Start(ctx)

	probeCtx, cancel := context.WithCancel(context.Background())
	q.stopProbe = cancel
	q.probeDone = make(chan struct{})
	go q.probeLoop(probeCtx)
}

// Enqueue accepts a job for the tenant. It never blocks on the durable
// backend being up: enqueue failures there flip the queue into fallback mode
// and the job is accepted in-process. The caller only sees validation
// errors; execution failures surface through dead-letter listing and logs.
func (q *Queue) Enqueue(ctx context.Context, kind string, tenantID int64, payload []byte, opts Options) (string, error) {
	if tenantID <= 0 {
		return "", fmt.Errorf("queue: enqueue %s: tenant required", kind)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.dispatcher.DefaultMaxAttempts(kind)
	}
	if maxAttempts <= 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	now := q.clock()
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		TenantID:    tenantID,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		NotBefore:   now.Add(opts.Delay),
		Status:      StatusPending,
		EnqueuedAt:  now,
	}

	if q.durableMode.Load() && q.durable != nil {
		err := q.durable.Enqueue(ctx, job, q.dispatcher.Timeout(kind))
		if err == nil {
			q.metrics.AddEnqueue(kind, "durable")
			return job.ID, nil
		}
		q.logger.Warn("durable enqueue failed, switching to fallback queue",
			slog.String("kind", kind),
			slog.Int64("tenant_id", tenantID),
			slog.Any("error", err),
		)
		q.setMode(false)
	}

	if err := q.fallback.Enqueue(job); err != nil {
		return "", err
	}
	q.metrics.AddEnqueue(kind, "fallback")
	return job.ID, nil
}

// Cancel removes a job before a worker claims it. Once claimed,
// cancellation is cooperative through the job context only. A job the
// fallback knows but cannot cancel reports that verdict; only an unknown
// ID is looked up in the durable backend.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	err := q.fallback.Cancel(jobID)
	if err == nil || !errors.Is(err, ErrJobNotFound) {
		return err
	}
	if q.durable != nil {
		return q.durable.Cancel(ctx, jobID)
	}
	return ErrJobNotFound
}

// DeadLetters merges the operator-facing dead-letter listings of both
// backends, fallback first since those records vanish on restart.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadJob, error) {
	if limit <= 0 {
		limit = 100
	}
	dead := q.fallback.DeadLetters(limit)
	if q.durable != nil && len(dead) < limit {
		durableDead, err := q.durable.DeadLetters(ctx, limit-len(dead))
		if err != nil {
			q.logger.Warn("durable dead-letter listing", slog.Any("error", err))
		} else {
			dead = append(dead, durableDead...)
		}
	}
	return dead, nil
}

// DurableMode reports whether new enqueues go to the durable backend.
func (q *Queue) DurableMode() bool {
	return q.durableMode.Load()
}

// FallbackDepth reports pending fallback jobs, for health reporting.
func (q *Queue) FallbackDepth() int {
	return q.fallback.Depth()
}

// DrainAndStop stops the probe loop and drains the fallback pool. Durable
// jobs stay in Redis for the next process.
func (q *Queue) DrainAndStop(ctx context.Context) error {
	if q.stopProbe != nil {
		q.stopProbe()
		<-q.probeDone
	}
	return q.fallback.DrainAndStop(ctx)
}

func (q *Queue) setMode(durable bool) {
	if q.durableMode.Swap(durable) != durable {
		mode := "fallback"
		if durable {
			mode = "durable"
		}
		q.logger.Info("queue mode changed", slog.String("mode", mode))
		q.metrics.SetQueueMode(durable)
	}
}

// probeLoop periodically pings the durable backend. Recovery switches new
// enqueues back to durable mode while in-flight fallback jobs drain where
// they are; an outage observed here flips to fallback before an enqueue has
// to fail.
func (q *Queue) probeLoop(ctx context.Context) {
	defer close(q.probeDone)
	if q.durable == nil {
		return
	}
	ticker := time.NewTicker(q.probeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := q.durable.Ping(pingCtx)
			cancel()
			if err != nil {
				q.setMode(false)
				continue
			}
			q.setMode(true)
		}
	}
}
