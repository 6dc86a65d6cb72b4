package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/shared"
	"github.com/helios-pms/helios/internal/tenant"
)

type fakeMessenger struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *fakeMessenger) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

type fakeTemplates struct {
	templates map[string]Template
}

func (s *fakeTemplates) Lookup(_ context.Context, _ int64, templateID string) (Template, error) {
	tpl, ok := s.templates[templateID]
	if !ok {
		return Template{}, ErrTemplateNotFound
	}
	return tpl, nil
}

type memKeys struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemKeys() *memKeys {
	return &memKeys{seen: make(map[string]bool)}
}

func (k *memKeys) CheckAndInsert(_ context.Context, key, _ string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seen[key] {
		return shared.ErrIdempotencyConflict
	}
	k.seen[key] = true
	return nil
}

func (k *memKeys) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.seen, key)
	return nil
}

func newNotificationJob() (*NotificationJob, *fakeMessenger, *memKeys) {
	messenger := &fakeMessenger{}
	keys := newMemKeys()
	job := &NotificationJob{
		Auth:      &fakeAuth{},
		Messenger: messenger,
		Templates: &fakeTemplates{templates: map[string]Template{
			"appointment.reminder": {
				ID:       "appointment.reminder",
				Subjects: map[string]string{"en": "Reminder for {{patient}}", "nl": "Herinnering voor {{patient}}"},
				Bodies:   map[string]string{"en": "See you at {{time}}.", "nl": "Tot ziens om {{time}}."},
			},
		}},
		Keys:     keys,
		Registry: NewRegistry(nil, nil),
	}
	return job, messenger, keys
}

func notificationRaw(t *testing.T, payload NotificationPayload) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestNotificationDelivers(t *testing.T) {
	job, messenger, _ := newNotificationJob()
	tc := tenant.NewContext(3, 12)

	err := job.Handle(context.Background(), tc, notificationRaw(t, NotificationPayload{
		Channel:        "email",
		RecipientRef:   "patient-88",
		TemplateID:     "appointment.reminder",
		TemplateData:   map[string]string{"patient": "J. Doe", "time": "14:30"},
		Locale:         "nl",
		IdempotencyKey: "apt-88-20260901",
	}))
	require.NoError(t, err)
	require.Len(t, messenger.sent, 1)
	require.Equal(t, "Herinnering voor J. Doe", messenger.sent[0].Subject)
	require.Equal(t, "Tot ziens om 14:30.", messenger.sent[0].Body)
	require.Equal(t, int64(3), messenger.sent[0].TenantID)
}

func TestNotificationFallsBackToEnglish(t *testing.T) {
	job, messenger, _ := newNotificationJob()

	err := job.Handle(context.Background(), tenant.NewContext(3, 12), notificationRaw(t, NotificationPayload{
		Channel:        "sms",
		RecipientRef:   "patient-88",
		TemplateID:     "appointment.reminder",
		TemplateData:   map[string]string{"patient": "J. Doe", "time": "14:30"},
		Locale:         "sw", // no Swahili template
		IdempotencyKey: "apt-88-2",
	}))
	require.NoError(t, err)
	require.Len(t, messenger.sent, 1)
	require.Equal(t, "See you at 14:30.", messenger.sent[0].Body)
}

func TestNotificationDuplicateKeySkips(t *testing.T) {
	job, messenger, _ := newNotificationJob()
	tc := tenant.NewContext(3, 12)
	payload := NotificationPayload{
		Channel:        "email",
		RecipientRef:   "patient-88",
		TemplateID:     "appointment.reminder",
		IdempotencyKey: "apt-dup",
	}

	require.NoError(t, job.Handle(context.Background(), tc, notificationRaw(t, payload)))
	require.NoError(t, job.Handle(context.Background(), tc, notificationRaw(t, payload)))
	require.Len(t, messenger.sent, 1, "redelivery must be a no-op")
}

func TestNotificationSendFailureRollsBackKey(t *testing.T) {
	job, messenger, keys := newNotificationJob()
	messenger.err = errors.New("smtp timeout")
	tc := tenant.NewContext(3, 12)
	payload := NotificationPayload{
		Channel:        "email",
		RecipientRef:   "patient-88",
		TemplateID:     "appointment.reminder",
		IdempotencyKey: "apt-retry",
	}

	err := job.Handle(context.Background(), tc, notificationRaw(t, payload))
	require.Error(t, err)
	require.False(t, queue.IsFatal(err), "delivery trouble must stay retryable")
	if keys.seen["apt-retry"] {
		t.Fatal("failed send must release the idempotency key")
	}

	// The retry goes through once the channel recovers.
	messenger.err = nil
	require.NoError(t, job.Handle(context.Background(), tc, notificationRaw(t, payload)))
	require.Len(t, messenger.sent, 1)
}

func TestNotificationUnknownTemplateIsFatal(t *testing.T) {
	job, _, keys := newNotificationJob()

	err := job.Handle(context.Background(), tenant.NewContext(3, 12), notificationRaw(t, NotificationPayload{
		Channel:        "email",
		RecipientRef:   "patient-88",
		TemplateID:     "missing",
		IdempotencyKey: "apt-miss",
	}))
	require.ErrorIs(t, err, ErrTemplateNotFound)
	require.True(t, queue.IsFatal(err))
	if keys.seen["apt-miss"] {
		t.Fatal("fatal template miss must release the idempotency key")
	}
}

func TestNotificationPermissionDeniedIsFatal(t *testing.T) {
	job, messenger, _ := newNotificationJob()
	job.Auth = &fakeAuth{deny: map[string]bool{"notifications:send": true}}

	err := job.Handle(context.Background(), tenant.NewContext(3, 12), notificationRaw(t, NotificationPayload{
		Channel:        "email",
		RecipientRef:   "patient-88",
		TemplateID:     "appointment.reminder",
		IdempotencyKey: "apt-deny",
	}))
	require.True(t, queue.IsFatal(err))
	require.Empty(t, messenger.sent)
}

func TestNotificationAuthOutageIsRetryable(t *testing.T) {
	job, _, _ := newNotificationJob()
	job.Auth = &fakeAuth{err: errors.New("permission store unreachable")}

	err := job.Handle(context.Background(), tenant.NewContext(3, 12), notificationRaw(t, NotificationPayload{
		Channel:        "email",
		RecipientRef:   "patient-88",
		TemplateID:     "appointment.reminder",
		IdempotencyKey: "apt-outage",
	}))
	require.Error(t, err)
	require.False(t, queue.IsFatal(err))
}
