package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// QueueName is the Asynq queue all orchestration jobs run on.
const QueueName = "orchestration"

// Asynq is the Redis-backed durable backend.
type Asynq struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
}

// NewAsynq constructs the durable backend. Construction never touches the
// network; reachability is decided by Ping so a down broker cannot fail
// startup.
func NewAsynq(redisAddr string) *Asynq {
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	return &Asynq{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		redis:     redis.NewClient(&redis.Options{Addr: redisAddr}),
	}
}

// Enqueue persists the job. MaxRetry counts re-deliveries, so the attempt
// budget maps to MaxAttempts-1 retries.
func (a *Asynq) Enqueue(ctx context.Context, job *Job, timeout time.Duration) error {
	task := asynq.NewTask(job.Kind, job.Payload)
	opts := []asynq.Option{
		asynq.TaskID(job.ID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(job.MaxAttempts - 1),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	if job.NotBefore.After(job.EnqueuedAt) {
		opts = append(opts, asynq.ProcessAt(job.NotBefore))
	}
	if _, err := a.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Cancel deletes a job that has not been claimed yet.
func (a *Asynq) Cancel(ctx context.Context, id string) error {
	err := a.inspector.DeleteTask(QueueName, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		return ErrJobNotFound
	default:
		return ErrNotCancellable
	}
}

// DeadLetters lists archived tasks, which is where Asynq parks jobs that
// exhausted their retries.
func (a *Asynq) DeadLetters(ctx context.Context, limit int) ([]DeadJob, error) {
	tasks, err := a.inspector.ListArchivedTasks(QueueName, asynq.PageSize(limit))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: list archived: %w", err)
	}
	dead := make([]DeadJob, 0, len(tasks))
	for _, t := range tasks {
		dead = append(dead, DeadJob{
			ID:        t.ID,
			Kind:      t.Type,
			Payload:   t.Payload,
			LastError: t.LastErr,
			DiedAt:    t.LastFailedAt,
			Source:    "durable",
		})
	}
	return dead, nil
}

// Ping probes broker reachability.
func (a *Asynq) Ping(ctx context.Context) error {
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Close releases broker connections.
func (a *Asynq) Close() error {
	cerr := a.client.Close()
	ierr := a.inspector.Close()
	rerr := a.redis.Close()
	if cerr != nil {
		return cerr
	}
	if ierr != nil {
		return ierr
	}
	return rerr
}
