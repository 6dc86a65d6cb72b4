package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/helios-pms/helios/internal/jobs"
	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/tenant"
)

// HandlerFunc is the executable body of one job kind: a function of
// (tenant context, payload) only. Returned errors must be classified with
// queue.Retryable or queue.Fatal.
type HandlerFunc func(ctx context.Context, tc tenant.Context, payload json.RawMessage) error

type registration struct {
	handler     HandlerFunc
	maxAttempts int
	timeout     time.Duration
}

// Registry is the dispatch table mapping job kinds to handlers plus
// per-kind retry policy. It serves both backends: the Asynq server mux for
// durable jobs and the fallback pool through queue.Dispatcher.
type Registry struct {
	handlers map[string]registration
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewRegistry constructs an empty dispatch table.
func NewRegistry(logger *slog.Logger, metrics *jobmetrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]registration),
		validate: validator.New(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register adds a handler for a kind with its default attempt budget and
// per-job timeout.
func (r *Registry) Register(kind string, handler HandlerFunc, maxAttempts int, timeout time.Duration) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	r.handlers[kind] = registration{handler: handler, maxAttempts: maxAttempts, timeout: timeout}
}

// CheckPayload validates a payload value against its schema tags. A failure
// is a caller bug, surfaced before enqueue rather than at execution.
func (r *Registry) CheckPayload(payload any) error {
	if err := r.validate.Struct(payload); err != nil {
		return fmt.Errorf("jobs: invalid payload: %w", err)
	}
	return nil
}

// Dispatch implements queue.Dispatcher. Envelope failures are fatal: a
// payload that cannot be attributed to a tenant must never run.
func (r *Registry) Dispatch(ctx context.Context, job *queue.Job) error {
	reg, ok := r.handlers[job.Kind]
	if !ok {
		return queue.Fatal(fmt.Errorf("%w: %s", queue.ErrUnknownKind, job.Kind))
	}
	env, err := Open(job.Payload)
	if err != nil {
		return queue.Fatal(err)
	}
	if job.TenantID > 0 && env.TenantID != job.TenantID {
		return queue.Fatal(fmt.Errorf("jobs: envelope tenant %d does not match job tenant %d", env.TenantID, job.TenantID))
	}
	tc := env.Context()

	tracker := r.metrics.Track(job.Kind)
	logger := r.logger.With(
		slog.String("job", job.Kind),
		slog.String("job_id", job.ID),
		slog.Int64("tenant_id", tc.TenantID),
		slog.String("request_id", tc.RequestID),
	)
	logger.Info("job started", slog.Int("attempt", job.Attempt))

	err = reg.handler(tenant.WithContext(ctx, tc), tc, env.Payload)
	if err != nil {
		logger.Warn("job failed", slog.Bool("fatal", queue.IsFatal(err)), slog.Any("error", err))
	} else {
		logger.Info("job completed")
	}
	return tracker.End(err)
}

// DefaultMaxAttempts implements queue.Dispatcher.
func (r *Registry) DefaultMaxAttempts(kind string) int {
	if reg, ok := r.handlers[kind]; ok {
		return reg.maxAttempts
	}
	return 0
}

// Timeout implements queue.Dispatcher.
func (r *Registry) Timeout(kind string) time.Duration {
	if reg, ok := r.handlers[kind]; ok {
		return reg.timeout
	}
	return 0
}

// Kinds lists registered job kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// AsynqMux exposes the same dispatch table to the Asynq server. Fatal
// classifications map to SkipRetry so Asynq archives the task instead of
// retrying it.
func (r *Registry) AsynqMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for kind := range r.handlers {
		mux.HandleFunc(kind, r.handleAsynq)
	}
	return mux
}

func (r *Registry) handleAsynq(ctx context.Context, t *asynq.Task) error {
	job := &queue.Job{
		ID:      taskID(t),
		Kind:    t.Type(),
		Payload: t.Payload(),
	}
	if n, ok := asynq.GetRetryCount(ctx); ok {
		job.Attempt = n + 1
	}
	err := r.Dispatch(ctx, job)
	if err == nil {
		return nil
	}
	if queue.IsFatal(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func taskID(t *asynq.Task) string {
	if w := t.ResultWriter(); w != nil {
		return w.TaskID()
	}
	return ""
}
