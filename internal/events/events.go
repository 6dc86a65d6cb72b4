// Package events holds the default subscriptions translating domain events
// into queued jobs. Permission checks happen synchronously in the dispatch
// path: an event whose acting user lost the required permission between
// publish and dispatch enqueues nothing.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/helios-pms/helios/internal/bus"
	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/internal/tenant"
	"github.com/helios-pms/helios/jobs"
)

// Domain event names the orchestration core reacts to. Business modules
// publish these; the payload types below are their contracts.
const (
	OrderCompleted    = "order.completed"
	InvoiceFinalized  = "invoice.finalized"
	DocumentRequested = "document.requested"
)

// OrderCompletedPayload announces a finished order.
type OrderCompletedPayload struct {
	OrderID     int64
	CustomerRef string
	Locale      string
}

// InvoiceFinalizedPayload announces an invoice ready for rendering.
type InvoiceFinalizedPayload struct {
	InvoiceID int64
}

// DocumentRequestedPayload asks for an on-demand document render.
type DocumentRequestedPayload struct {
	DocumentType string
	RecordID     int64
}

// Authorizer re-derives effective permissions in the dispatch path.
type Authorizer interface {
	Require(ctx context.Context, tc tenant.Context, token string) error
}

// Enqueuer is the queue surface the wiring needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, tenantID int64, payload []byte, opts queue.Options) (string, error)
}

// Wiring connects the bus to the queue.
type Wiring struct {
	queue  Enqueuer
	auth   Authorizer
	logger *slog.Logger
}

// Wire registers the default subscriptions and returns their handles.
func Wire(b *bus.Bus, q Enqueuer, auth Authorizer, logger *slog.Logger) (*Wiring, []bus.Subscription) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Wiring{queue: q, auth: auth, logger: logger.With(slog.String("component", "events"))}
	subs := []bus.Subscription{
		b.Subscribe(OrderCompleted, w.handleOrderCompleted),
		b.Subscribe(InvoiceFinalized, w.handleInvoiceFinalized),
		b.Subscribe(DocumentRequested, w.handleDocumentRequested),
		b.Subscribe(jobs.EventLowStock, w.handleLowStock),
	}
	return w, subs
}

// context resolves the tenant context a handler runs under. A publisher
// context scoped to a different tenant than the event is a bug and the event
// is dropped; an unscoped context falls back to the system principal.
func (w *Wiring) context(ctx context.Context, evt bus.Event) (tenant.Context, error) {
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		return tenant.System(evt.TenantID), nil
	}
	if tc.TenantID != evt.TenantID {
		return tenant.Context{}, fmt.Errorf("events: context tenant %d does not match event tenant %d", tc.TenantID, evt.TenantID)
	}
	return tc, nil
}

func (w *Wiring) enqueue(ctx context.Context, tc tenant.Context, perm, kind string, payload any) error {
	if err := w.auth.Require(ctx, tc, perm); err != nil {
		return fmt.Errorf("events: %s requires %s: %w", kind, perm, err)
	}
	sealed, err := jobs.Seal(tc, payload)
	if err != nil {
		return err
	}
	id, err := w.queue.Enqueue(ctx, kind, tc.TenantID, sealed, queue.Options{})
	if err != nil {
		return err
	}
	w.logger.Info("event enqueued job",
		slog.String("kind", kind),
		slog.String("job_id", id),
		slog.Int64("tenant_id", tc.TenantID),
	)
	return nil
}

// handleOrderCompleted sends the order confirmation to the customer.
func (w *Wiring) handleOrderCompleted(ctx context.Context, evt bus.Event) error {
	payload, ok := evt.Payload.(OrderCompletedPayload)
	if !ok {
		return fmt.Errorf("events: %s payload is %T", evt.Name, evt.Payload)
	}
	tc, err := w.context(ctx, evt)
	if err != nil {
		return err
	}
	return w.enqueue(ctx, tc, rbac.PermNotificationsSend, jobs.TaskNotificationDeliver, jobs.NotificationPayload{
		Channel:      "email",
		RecipientRef: payload.CustomerRef,
		TemplateID:   "order.confirmation",
		TemplateData: map[string]string{
			"order_id": strconv.FormatInt(payload.OrderID, 10),
		},
		Locale:         payload.Locale,
		IdempotencyKey: fmt.Sprintf("order-%d-confirmation", payload.OrderID),
	})
}

// handleInvoiceFinalized renders the invoice document.
func (w *Wiring) handleInvoiceFinalized(ctx context.Context, evt bus.Event) error {
	payload, ok := evt.Payload.(InvoiceFinalizedPayload)
	if !ok {
		return fmt.Errorf("events: %s payload is %T", evt.Name, evt.Payload)
	}
	tc, err := w.context(ctx, evt)
	if err != nil {
		return err
	}
	return w.enqueue(ctx, tc, rbac.PermDocumentsRender, jobs.TaskDocumentRender, jobs.DocumentRenderPayload{
		DocumentType:   "invoice",
		SourceRecordID: payload.InvoiceID,
	})
}

// handleDocumentRequested renders an arbitrary business document on demand.
func (w *Wiring) handleDocumentRequested(ctx context.Context, evt bus.Event) error {
	payload, ok := evt.Payload.(DocumentRequestedPayload)
	if !ok {
		return fmt.Errorf("events: %s payload is %T", evt.Name, evt.Payload)
	}
	tc, err := w.context(ctx, evt)
	if err != nil {
		return err
	}
	return w.enqueue(ctx, tc, rbac.PermDocumentsRender, jobs.TaskDocumentRender, jobs.DocumentRenderPayload{
		DocumentType:   payload.DocumentType,
		SourceRecordID: payload.RecordID,
	})
}

// handleLowStock alerts the tenant's operations inbox after an inventory
// sweep found shortages. The sweep runs as the system principal, whose fixed
// scopes include sending notifications.
func (w *Wiring) handleLowStock(ctx context.Context, evt bus.Event) error {
	short, ok := evt.Payload.([]jobs.LowStockItem)
	if !ok {
		return fmt.Errorf("events: %s payload is %T", evt.Name, evt.Payload)
	}
	if len(short) == 0 {
		return nil
	}
	tc, err := w.context(ctx, evt)
	if err != nil {
		return err
	}
	return w.enqueue(ctx, tc, rbac.PermNotificationsSend, jobs.TaskNotificationDeliver, jobs.NotificationPayload{
		Channel:      "email",
		RecipientRef: "inventory-ops",
		TemplateID:   "inventory.low_stock",
		TemplateData: map[string]string{
			"items": strconv.Itoa(len(short)),
			"first": short[0].SKU,
		},
		IdempotencyKey: fmt.Sprintf("low-stock-%d-%d", evt.TenantID, evt.OccurredAt.Unix()),
	})
}
