package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/helios-pms/helios/internal/jobs"
)

// jobHeap orders pending jobs by NotBefore.
type jobHeap []*Job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryConfig collects fallback backend dependencies.
type MemoryConfig struct {
	Dispatcher   Dispatcher
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
	Workers      int
	RetryBase    time.Duration
	RetryCap     time.Duration
	LeaseTTL     time.Duration
	PollInterval time.Duration
	MaxDead      int
}

// Memory is the in-process queue used when the durable backend is
// unreachable. At-least-once within the process lifetime; contents are lost
// on restart, which is the documented availability-over-durability trade.
type Memory struct {
	mu      sync.Mutex
	pending jobHeap
	byID    map[string]*Job
	dead    []DeadJob

	dispatcher   Dispatcher
	logger       *slog.Logger
	metrics      *jobmetrics.Metrics
	workers      int
	retryBase    time.Duration
	retryCap     time.Duration
	leaseTTL     time.Duration
	pollInterval time.Duration
	maxDead      int
	clock        func() time.Time

	group    *errgroup.Group
	stop     context.CancelFunc
	draining bool
}

// NewMemory constructs the fallback backend.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
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
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.MaxDead <= 0 {
		cfg.MaxDead = 500
	}
	return &Memory{
		byID:         make(map[string]*Job),
		dispatcher:   cfg.Dispatcher,
		logger:       cfg.Logger.With(slog.String("component", "queue.fallback")),
		metrics:      cfg.Metrics,
		workers:      cfg.Workers,
		retryBase:    cfg.RetryBase,
		retryCap:     cfg.RetryCap,
		leaseTTL:     cfg.LeaseTTL,
		pollInterval: cfg.PollInterval,
		maxDead:      cfg.MaxDead,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Enqueue accepts a job into the in-process queue.
func (m *Memory) Enqueue(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return fmt.Errorf("queue: fallback draining, job %s rejected", job.ID)
	}
	if _, exists := m.byID[job.ID]; exists {
		return fmt.Errorf("queue: duplicate job id %s", job.ID)
	}
	job.Status = StatusPending
	m.byID[job.ID] = job
	heap.Push(&m.pending, job)
	return nil
}

// Start launches the fixed-size worker pool.
func (m *Memory) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.stop = cancel
	m.group, runCtx = errgroup.WithContext(runCtx)
	for i := 0; i < m.workers; i++ {
		m.group.Go(func() error {
			m.workerLoop(runCtx)
			return nil
		})
	}
}

// DrainAndStop rejects new work, lets claimed jobs finish, and waits for
// the pool to exit.
func (m *Memory) DrainAndStop(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	if m.stop == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		// Give queued-but-unclaimed jobs a chance until the deadline, then
		// cut the workers loose.
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.stop()
				return
			case <-ticker.C:
				if m.Depth() == 0 && m.activeCount() == 0 {
					m.stop()
					return
				}
			}
		}
	}()
	go func() {
		_ = m.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: fallback drain: %w", ctx.Err())
	}
}

// Cancel removes a job that has not been claimed yet.
func (m *Memory) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byID[jobID]
	if !ok {
		return ErrJobNotFound
	}
	switch job.Status {
	case StatusPending, StatusRetrying:
		job.Status = StatusCancelled
		delete(m.byID, jobID)
		return nil
	default:
		return ErrNotCancellable
	}
}

// DeadLetters lists in-process dead jobs, newest first.
func (m *Memory) DeadLetters(limit int) []DeadJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadJob, 0, limit)
	for i := len(m.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.dead[i])
	}
	return out
}

// Depth counts jobs waiting to be claimed.
func (m *Memory) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.byID {
		if job.Status == StatusPending || job.Status == StatusRetrying {
			n++
		}
	}
	return n
}

func (m *Memory) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.byID {
		if job.Status == StatusActive {
			n++
		}
	}
	return n
}

func (m *Memory) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, token := m.claim()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.pollInterval):
			}
			continue
		}
		m.execute(ctx, job, token)
	}
}

// claim pops the next eligible job and takes a lease on it. The status and
// lease token flip together under the lock; a second worker cannot claim
// the same job because eligibility is re-checked on every pop. Expired
// leases from stalled workers are reclaimed here.
func (m *Memory) claim() (*Job, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()

	for _, job := range m.byID {
		if job.Status == StatusActive && job.leaseExpires.Before(now) {
			m.logger.Warn("lease expired, reclaiming job",
				slog.String("job_id", job.ID),
				slog.String("kind", job.Kind),
			)
			job.Status = StatusRetrying
			job.leaseToken = ""
			heap.Push(&m.pending, job)
		}
	}

	for m.pending.Len() > 0 {
		next := m.pending[0]
		if next.NotBefore.After(now) {
			return nil, ""
		}
		heap.Pop(&m.pending)
		// Skip entries cancelled or already claimed via another heap copy.
		current, ok := m.byID[next.ID]
		if !ok || current != next {
			continue
		}
		if next.Status != StatusPending && next.Status != StatusRetrying {
			continue
		}
		token := uuid.NewString()
		next.Status = StatusActive
		next.Attempt++
		next.leaseToken = token
		next.leaseExpires = now.Add(m.leaseTTL)
		return next, token
	}
	return nil, ""
}

func (m *Memory) execute(ctx context.Context, job *Job, token string) {
	timeout := m.leaseTTL
	if m.dispatcher != nil {
		if t := m.dispatcher.Timeout(job.Kind); t > 0 {
			timeout = t
		}
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	err := m.dispatch(jobCtx, job)
	cancel()

	if err == nil {
		m.complete(job, token)
		return
	}
	if IsFatal(err) {
		m.kill(job, token, err)
		return
	}
	m.retry(job, token, err)
}

func (m *Memory) dispatch(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return m.dispatcher.Dispatch(ctx, job)
}

// releaseWith applies fn to the job only if the caller still holds the
// lease; a reclaimed lease means another worker owns the job now.
func (m *Memory) releaseWith(job *Job, token string, fn func(job *Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.byID[job.ID]
	if !ok || current.leaseToken != token || current.Status != StatusActive {
		return
	}
	current.leaseToken = ""
	fn(current)
}

func (m *Memory) complete(job *Job, token string) {
	m.releaseWith(job, token, func(job *Job) {
		job.Status = StatusCompleted
		delete(m.byID, job.ID)
	})
}

func (m *Memory) retry(job *Job, token string, cause error) {
	m.releaseWith(job, token, func(job *Job) {
		job.LastError = cause.Error()
		if job.Attempt >= job.MaxAttempts {
			m.bury(job, cause)
			return
		}
		delay := Backoff(job.Attempt, m.retryBase, m.retryCap)
		job.Status = StatusRetrying
		job.NotBefore = m.clock().Add(delay)
		heap.Push(&m.pending, job)
		m.logger.Warn("job failed, retrying",
			slog.String("job_id", job.ID),
			slog.String("kind", job.Kind),
			slog.Int64("tenant_id", job.TenantID),
			slog.Int("attempt", job.Attempt),
			slog.Duration("delay", delay),
			slog.Any("error", cause),
		)
	})
}

func (m *Memory) kill(job *Job, token string, cause error) {
	m.releaseWith(job, token, func(job *Job) {
		job.LastError = cause.Error()
		m.bury(job, cause)
	})
}

// bury transitions a job to dead and records it for operator listing.
// Callers hold m.mu.
func (m *Memory) bury(job *Job, cause error) {
	job.Status = StatusDead
	delete(m.byID, job.ID)
	m.dead = append(m.dead, DeadJob{
		ID:        job.ID,
		Kind:      job.Kind,
		Payload:   job.Payload,
		LastError: cause.Error(),
		DiedAt:    m.clock(),
		Source:    "fallback",
	})
	if len(m.dead) > m.maxDead {
		m.dead = m.dead[len(m.dead)-m.maxDead:]
	}
	m.metrics.AddDeadLetter(job.Kind)
	m.logger.Error("job dead-lettered",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int64("tenant_id", job.TenantID),
		slog.Int("attempt", job.Attempt),
		slog.Any("error", cause),
	)
}
