package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/helios-pms/helios/internal/queue"
)

// Worker wraps the Asynq server that executes durable jobs. Fallback jobs
// are executed by the queue's in-process pool; both run the same Registry.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisAddr   string
	Registry    *Registry
	Logger      *slog.Logger
	Concurrency int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	logger := cfg.Logger.With(slog.String("component", "jobs.worker"))
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			queue.QueueName: 1,
		},
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			return queue.Backoff(n, cfg.RetryBase, cfg.RetryCap)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			logger.Warn("durable job attempt failed",
				slog.String("job", t.Type()),
				slog.Any("error", err),
			)
		}),
	})
	return &Worker{server: srv, mux: cfg.Registry.AsynqMux(), logger: logger}
}

// Run processes durable jobs until context cancellation. The server keeps
// retrying its broker connection, so a Redis outage degrades processing
// without killing the process.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.server == nil {
		return errors.New("jobs: worker not configured")
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
