package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helios-pms/helios/internal/bus"
	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/internal/tenant"
	"github.com/helios-pms/helios/jobs"
)

type fakeAuth struct {
	deny map[string]bool
}

func (a *fakeAuth) Require(_ context.Context, _ tenant.Context, token string) error {
	if a.deny[token] {
		return rbac.ErrPermissionDenied
	}
	return nil
}

type capturedJob struct {
	kind     string
	tenantID int64
	payload  []byte
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []capturedJob
}

func (q *fakeQueue) Enqueue(_ context.Context, kind string, tenantID int64, payload []byte, _ queue.Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, capturedJob{kind: kind, tenantID: tenantID, payload: payload})
	return "job-id", nil
}

func (q *fakeQueue) snapshot() []capturedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]capturedJob(nil), q.jobs...)
}

func waitForJobs(t *testing.T, q *fakeQueue, n int) []capturedJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if jobs := q.snapshot(); len(jobs) >= n {
			return jobs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d enqueued jobs, have %d", n, len(q.snapshot()))
	return nil
}

func newWiredBus(auth Authorizer) (*bus.Bus, *fakeQueue) {
	b := bus.New(nil)
	q := &fakeQueue{}
	Wire(b, q, auth, nil)
	return b, q
}

func TestOrderCompletedEnqueuesConfirmation(t *testing.T) {
	b, q := newWiredBus(&fakeAuth{})
	tc := tenant.NewContext(4, 17)

	b.Publish(tenant.WithContext(context.Background(), tc), bus.Event{
		Name:     OrderCompleted,
		TenantID: 4,
		Payload:  OrderCompletedPayload{OrderID: 555, CustomerRef: "cust-9", Locale: "nl"},
	})

	enqueued := waitForJobs(t, q, 1)
	require.Equal(t, jobs.TaskNotificationDeliver, enqueued[0].kind)
	require.Equal(t, int64(4), enqueued[0].tenantID)

	env, err := jobs.Open(enqueued[0].payload)
	require.NoError(t, err)
	require.Equal(t, tc, env.Context(), "acting user travels with the job")
}

func TestInvoiceFinalizedEnqueuesRender(t *testing.T) {
	b, q := newWiredBus(&fakeAuth{})

	b.Publish(context.Background(), bus.Event{
		Name:     InvoiceFinalized,
		TenantID: 4,
		Payload:  InvoiceFinalizedPayload{InvoiceID: 88},
	})

	enqueued := waitForJobs(t, q, 1)
	require.Equal(t, jobs.TaskDocumentRender, enqueued[0].kind)
	env, err := jobs.Open(enqueued[0].payload)
	require.NoError(t, err)
	require.True(t, env.Context().IsSystem(), "unscoped publish falls back to the system principal")
}

func TestPermissionDeniedEnqueuesNothing(t *testing.T) {
	b, q := newWiredBus(&fakeAuth{deny: map[string]bool{rbac.PermNotificationsSend: true}})
	tc := tenant.NewContext(4, 17)

	b.Publish(tenant.WithContext(context.Background(), tc), bus.Event{
		Name:     OrderCompleted,
		TenantID: 4,
		Payload:  OrderCompletedPayload{OrderID: 556, CustomerRef: "cust-9"},
	})

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, q.snapshot())
}

func TestTenantMismatchEnqueuesNothing(t *testing.T) {
	b, q := newWiredBus(&fakeAuth{})

	// Publisher context scoped to tenant 9, event claims tenant 4.
	b.Publish(tenant.WithContext(context.Background(), tenant.NewContext(9, 17)), bus.Event{
		Name:     InvoiceFinalized,
		TenantID: 4,
		Payload:  InvoiceFinalizedPayload{InvoiceID: 88},
	})

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, q.snapshot())
}

func TestLowStockEventTriggersAlert(t *testing.T) {
	b, q := newWiredBus(&fakeAuth{})

	b.Publish(context.Background(), bus.Event{
		Name:     jobs.EventLowStock,
		TenantID: 6,
		Payload:  []jobs.LowStockItem{{SKU: "GLOVES-M", OnHand: 4, Needed: 6}},
	})

	enqueued := waitForJobs(t, q, 1)
	require.Equal(t, jobs.TaskNotificationDeliver, enqueued[0].kind)
	require.Equal(t, int64(6), enqueued[0].tenantID)
}
