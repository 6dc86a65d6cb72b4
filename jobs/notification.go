package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/language"

	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/internal/shared"
	"github.com/helios-pms/helios/internal/tenant"
)

// Authorizer re-derives effective permissions for a tenant context. All
// handlers check permission before any tenant-scoped side effect.
type Authorizer interface {
	Require(ctx context.Context, tc tenant.Context, token string) error
}

// Message is an outbound notification handed to the delivery channel.
type Message struct {
	TenantID     int64
	Channel      string
	RecipientRef string
	Subject      string
	Body         string
}

// Messenger delivers messages; implementations wrap SMTP, SMS gateways and
// push providers behind one narrow surface.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// Template is a localized notification template.
type Template struct {
	ID       string
	Subjects map[string]string // locale tag -> subject
	Bodies   map[string]string // locale tag -> body
}

// TemplateSource looks up tenant-scoped templates.
type TemplateSource interface {
	Lookup(ctx context.Context, tenantID int64, templateID string) (Template, error)
}

// ErrTemplateNotFound marks an unknown template id; fatal, a retry cannot fix it.
var ErrTemplateNotFound = errors.New("jobs: template not found")

// IdempotencyKeys records processed idempotency keys so re-delivery of the
// same payload is observable as a no-op.
type IdempotencyKeys interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// NotificationJob delivers templated notifications.
type NotificationJob struct {
	Auth      Authorizer
	Messenger Messenger
	Templates TemplateSource
	Keys      IdempotencyKeys
	Registry  *Registry
	Logger    *slog.Logger
}

// Handle executes one notification.deliver job.
func (j *NotificationJob) Handle(ctx context.Context, tc tenant.Context, raw json.RawMessage) error {
	var payload NotificationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("jobs: notification payload: %w", err))
	}
	if err := j.Registry.CheckPayload(payload); err != nil {
		return queue.Fatal(err)
	}
	if err := authorize(ctx, j.Auth, tc, rbac.PermNotificationsSend); err != nil {
		return err
	}

	logger := j.logger().With(
		slog.Int64("tenant_id", tc.TenantID),
		slog.String("template_id", payload.TemplateID),
		slog.String("channel", payload.Channel),
	)

	if err := j.Keys.CheckAndInsert(ctx, payload.IdempotencyKey, TaskNotificationDeliver); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			logger.Info("notification already delivered, skipping")
			return nil
		}
		return queue.Retryable(fmt.Errorf("jobs: idempotency check: %w", err))
	}

	tpl, err := j.Templates.Lookup(ctx, tc.TenantID, payload.TemplateID)
	if err != nil {
		j.rollback(ctx, payload.IdempotencyKey)
		if errors.Is(err, ErrTemplateNotFound) {
			return queue.Fatal(err)
		}
		return queue.Retryable(fmt.Errorf("jobs: template lookup: %w", err))
	}

	locale := matchLocale(payload.Locale, tpl.Bodies)
	msg := Message{
		TenantID:     tc.TenantID,
		Channel:      payload.Channel,
		RecipientRef: payload.RecipientRef,
		Subject:      renderTemplate(tpl.Subjects[locale], payload.TemplateData),
		Body:         renderTemplate(tpl.Bodies[locale], payload.TemplateData),
	}
	if err := j.Messenger.Send(ctx, msg); err != nil {
		// Roll the key back so the retry is not mistaken for a duplicate.
		j.rollback(ctx, payload.IdempotencyKey)
		return queue.Retryable(fmt.Errorf("jobs: send %s: %w", payload.Channel, err))
	}

	logger.Info("notification delivered", slog.String("locale", locale))
	return nil
}

func (j *NotificationJob) rollback(ctx context.Context, key string) {
	if err := j.Keys.Delete(ctx, key); err != nil {
		j.logger().Warn("idempotency rollback failed", slog.Any("error", err))
	}
}

func (j *NotificationJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskNotificationDeliver))
	}
	return slog.Default().With(slog.String("job", TaskNotificationDeliver))
}

// matchLocale picks the best available template locale for the requested
// one, falling back to English and then to any deterministic choice.
func matchLocale(requested string, available map[string]string) string {
	if len(available) == 0 {
		return ""
	}
	tags := make([]language.Tag, 0, len(available))
	keys := make([]string, 0, len(available))
	for locale := range available {
		tag, err := language.Parse(locale)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		keys = append(keys, locale)
	}
	if len(tags) == 0 {
		for locale := range available {
			return locale
		}
	}
	matcher := language.NewMatcher(tags)
	_, idx, conf := matcher.Match(language.Make(requested))
	if conf == language.No {
		for _, k := range keys {
			if k == "en" {
				return k
			}
		}
	}
	return keys[idx]
}

// renderTemplate substitutes {{key}} placeholders. Unknown placeholders are
// left in place for visibility.
func renderTemplate(body string, data map[string]string) string {
	for key, value := range data {
		body = strings.ReplaceAll(body, "{{"+key+"}}", value)
	}
	return body
}

// authorize maps the permission decision onto job error classes: a denial
// is fatal (retries cannot change it), infrastructure trouble is retryable.
func authorize(ctx context.Context, auth Authorizer, tc tenant.Context, token string) error {
	if auth == nil {
		return queue.Fatal(errors.New("jobs: authorizer not configured"))
	}
	err := auth.Require(ctx, tc, token)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rbac.ErrPermissionDenied):
		return queue.Fatal(err)
	default:
		return queue.Retryable(err)
	}
}
