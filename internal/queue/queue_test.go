package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubDurable struct {
	mu       sync.Mutex
	down     bool
	enqueued []*Job
	dead     []DeadJob
}

func (s *stubDurable) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *stubDurable) Enqueue(ctx context.Context, job *Job, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrBackendUnavailable
	}
	s.enqueued = append(s.enqueued, job)
	return nil
}

func (s *stubDurable) Cancel(ctx context.Context, id string) error { return ErrJobNotFound }

func (s *stubDurable) DeadLetters(ctx context.Context, limit int) ([]DeadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadJob, len(s.dead))
	copy(out, s.dead)
	return out, nil
}

func (s *stubDurable) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrBackendUnavailable
	}
	return nil
}

func (s *stubDurable) enqueueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enqueued)
}

func newTestQueue(t *testing.T, durable DurableBackend, d Dispatcher) *Queue {
	t.Helper()
	q := New(Config{
		Durable:       durable,
		Dispatcher:    d,
		Workers:       2,
		ProbeInterval: 10 * time.Millisecond,
		RetryBase:     5 * time.Millisecond,
		RetryCap:      20 * time.Millisecond,
		LeaseTTL:      time.Second,
	})
	q.fallback.pollInterval = 2 * time.Millisecond
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.DrainAndStop(ctx)
	})
	return q
}

func TestEnqueueRoutesDurableWhenHealthy(t *testing.T) {
	durable := &stubDurable{}
	d := newStubDispatcher(nil)
	q := newTestQueue(t, durable, d)

	require.True(t, q.DurableMode())
	id, err := q.Enqueue(context.Background(), "notification.deliver", 1, []byte(`{}`), Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, durable.enqueueCount())
	require.Equal(t, 0, q.FallbackDepth())
}

func TestEnqueueFallsBackWhenBackendDown(t *testing.T) {
	durable := &stubDurable{down: true}
	d := newStubDispatcher(nil)
	q := newTestQueue(t, durable, d)

	// Backend down at startup: fallback mode, but the caller sees no error.
	require.False(t, q.DurableMode())
	id, err := q.Enqueue(context.Background(), "notification.deliver", 1, []byte(`{}`), Options{})
	require.NoError(t, err)

	// The fallback pool processes the job normally.
	waitFor(t, func() bool { return d.callCount(id) == 1 })
	require.Equal(t, 0, durable.enqueueCount())
}

func TestEnqueueFailureFlipsModeMidFlight(t *testing.T) {
	durable := &stubDurable{}
	d := newStubDispatcher(nil)
	q := newTestQueue(t, durable, d)
	require.True(t, q.DurableMode())

	durable.setDown(true)
	id, err := q.Enqueue(context.Background(), "document.render", 2, []byte(`{}`), Options{})
	require.NoError(t, err)
	require.False(t, q.DurableMode())

	// Accepted in-process and executed exactly once.
	waitFor(t, func() bool { return d.callCount(id) == 1 })
}

func TestRecoverySwitchesNewEnqueuesBack(t *testing.T) {
	durable := &stubDurable{down: true}
	d := newStubDispatcher(func(job *Job, call int) error {
		return Retryable(errors.New("renderer offline"))
	})
	q := newTestQueue(t, durable, d)

	fallbackID, err := q.Enqueue(context.Background(), "document.render", 1, []byte(`{}`), Options{})
	require.NoError(t, err)

	durable.setDown(false)
	waitFor(t, func() bool { return q.DurableMode() })

	// New enqueues go durable; the fallback job keeps draining in-process
	// under its own retry policy and is never replayed into the backend.
	_, err = q.Enqueue(context.Background(), "document.render", 1, []byte(`{}`), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, durable.enqueueCount())

	waitFor(t, func() bool {
		for _, dj := range q.fallback.DeadLetters(10) {
			if dj.ID == fallbackID {
				return true
			}
		}
		return false
	})
	require.Equal(t, 3, d.callCount(fallbackID))
	for _, job := range durable.enqueued {
		require.NotEqual(t, fallbackID, job.ID)
	}
}

func TestEnqueueUnknownKindRejected(t *testing.T) {
	d := newStubDispatcher(nil)
	d.attempts = 0
	q := newTestQueue(t, &stubDurable{}, d)

	_, err := q.Enqueue(context.Background(), "no.such.kind", 1, nil, Options{})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestEnqueueRequiresTenant(t *testing.T) {
	q := newTestQueue(t, &stubDurable{}, newStubDispatcher(nil))
	_, err := q.Enqueue(context.Background(), "notification.deliver", 0, nil, Options{})
	require.Error(t, err)
}

func TestCancelActiveFallbackJobIsNotCancellable(t *testing.T) {
	durable := &stubDurable{}
	q := New(Config{Durable: durable, Dispatcher: newStubDispatcher(nil)})
	// Pool deliberately not started: mode stays fallback and the claim
	// below cannot race a worker.
	id, err := q.Enqueue(context.Background(), "document.render", 1, []byte(`{}`), Options{})
	require.NoError(t, err)

	claimed, _ := q.fallback.claim()
	require.NotNil(t, claimed)
	require.Equal(t, id, claimed.ID)

	// The fallback owns the job, so its verdict stands; the durable
	// backend's not-found must not turn an active job into a 404.
	require.ErrorIs(t, q.Cancel(context.Background(), id), ErrNotCancellable)
}

func TestDeadLettersMergeSources(t *testing.T) {
	durable := &stubDurable{dead: []DeadJob{{ID: "d1", Kind: "report.usage", Source: "durable"}}}
	d := newStubDispatcher(func(job *Job, call int) error {
		return Fatal(errors.New("denied"))
	})
	q := newTestQueue(t, durable, d)

	durable.setDown(true)
	id, err := q.Enqueue(context.Background(), "report.usage", 1, []byte(`{}`), Options{})
	require.NoError(t, err)
	waitFor(t, func() bool { return len(q.fallback.DeadLetters(10)) == 1 })

	durable.setDown(false)
	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	require.Equal(t, id, dead[0].ID)
	require.Equal(t, "fallback", dead[0].Source)
	require.Equal(t, "d1", dead[1].ID)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second
	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 20; i++ {
			delay := Backoff(attempt, base, cap)
			require.GreaterOrEqual(t, delay, base/2)
			require.LessOrEqual(t, delay, cap)
			if delay > prevMax {
				prevMax = delay
			}
		}
	}
	require.Greater(t, prevMax, base)
}
