package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/internal/tenant"
)

// fakeAuth grants everything unless a token appears in deny. A non-nil err
// simulates an unreachable permission store.
type fakeAuth struct {
	deny map[string]bool
	err  error
}

func (a *fakeAuth) Require(_ context.Context, _ tenant.Context, token string) error {
	if a.err != nil {
		return a.err
	}
	if a.deny[token] {
		return rbac.ErrPermissionDenied
	}
	return nil
}

func sealPayload(t *testing.T, tc tenant.Context, payload any) []byte {
	t.Helper()
	data, err := Seal(tc, payload)
	if err != nil {
		t.Fatalf("seal payload: %v", err)
	}
	return data
}

func TestRegistryDispatchesToHandler(t *testing.T) {
	reg := NewRegistry(nil, nil)
	var got tenant.Context
	reg.Register("demo.echo", func(ctx context.Context, tc tenant.Context, _ json.RawMessage) error {
		got = tc
		if fromCtx, ok := tenant.FromContext(ctx); !ok || fromCtx != tc {
			t.Error("tenant context not propagated through ctx")
		}
		return nil
	}, 3, time.Second)

	tc := tenant.NewContext(5, 11)
	job := &queue.Job{
		ID:       "j1",
		Kind:     "demo.echo",
		TenantID: 5,
		Payload:  sealPayload(t, tc, map[string]string{"k": "v"}),
		Attempt:  1,
	}
	require.NoError(t, reg.Dispatch(context.Background(), job))
	require.Equal(t, tc, got)
}

func TestRegistryUnknownKindIsFatal(t *testing.T) {
	reg := NewRegistry(nil, nil)
	err := reg.Dispatch(context.Background(), &queue.Job{ID: "j1", Kind: "nope"})
	require.ErrorIs(t, err, queue.ErrUnknownKind)
	require.True(t, queue.IsFatal(err))
}

func TestRegistryBadEnvelopeIsFatal(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Register("demo.echo", func(context.Context, tenant.Context, json.RawMessage) error {
		t.Fatal("handler must not run")
		return nil
	}, 3, time.Second)

	err := reg.Dispatch(context.Background(), &queue.Job{
		ID:      "j1",
		Kind:    "demo.echo",
		Payload: []byte(`{"v":1,"payload":{}}`), // no tenant
	})
	if !queue.IsFatal(err) {
		t.Fatalf("expected fatal, got %v", err)
	}
}

func TestRegistryTenantMismatchIsFatal(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Register("demo.echo", func(context.Context, tenant.Context, json.RawMessage) error {
		t.Fatal("handler must not run")
		return nil
	}, 3, time.Second)

	err := reg.Dispatch(context.Background(), &queue.Job{
		ID:       "j1",
		Kind:     "demo.echo",
		TenantID: 9,
		Payload:  sealPayload(t, tenant.NewContext(5, 11), struct{}{}),
	})
	if !queue.IsFatal(err) {
		t.Fatalf("expected fatal, got %v", err)
	}
}

func TestRegistryHandlerErrorsPassThrough(t *testing.T) {
	reg := NewRegistry(nil, nil)
	boom := queue.Retryable(errors.New("smtp down"))
	reg.Register("demo.fail", func(context.Context, tenant.Context, json.RawMessage) error {
		return boom
	}, 3, time.Second)

	err := reg.Dispatch(context.Background(), &queue.Job{
		ID:      "j1",
		Kind:    "demo.fail",
		Payload: sealPayload(t, tenant.NewContext(5, 11), struct{}{}),
	})
	require.ErrorIs(t, err, boom)
	require.False(t, queue.IsFatal(err))
}

func TestRegistryDefaults(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Register("demo.defaults", func(context.Context, tenant.Context, json.RawMessage) error { return nil }, 0, 0)

	require.Equal(t, 3, reg.DefaultMaxAttempts("demo.defaults"))
	require.Equal(t, time.Minute, reg.Timeout("demo.defaults"))
	require.Equal(t, 0, reg.DefaultMaxAttempts("unregistered"))
}

func TestCheckPayloadValidatesSchema(t *testing.T) {
	reg := NewRegistry(nil, nil)

	err := reg.CheckPayload(NotificationPayload{Channel: "fax", RecipientRef: "u1", TemplateID: "t1", IdempotencyKey: "k1"})
	if err == nil {
		t.Fatal("expected channel validation error")
	}
	require.NoError(t, reg.CheckPayload(NotificationPayload{Channel: "email", RecipientRef: "u1", TemplateID: "t1", IdempotencyKey: "k1"}))
	require.Error(t, reg.CheckPayload(UsageReportPayload{Period: "2026"}))
	require.NoError(t, reg.CheckPayload(UsageReportPayload{Period: "2026-08"}))
}
