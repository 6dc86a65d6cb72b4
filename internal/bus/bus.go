// Package bus implements the in-process publish/subscribe router for domain
// events. It gives no delivery guarantee beyond "attempted once while the
// process is alive": handlers needing durability must enqueue a job instead.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is an immutable domain event scoped to exactly one tenant.
type Event struct {
	Name       string
	TenantID   int64
	Payload    any
	OccurredAt time.Time
}

// Handler consumes one event. A returned error is logged, never propagated
// to the publisher.
type Handler func(ctx context.Context, evt Event) error

// Subscription identifies a registered handler for later removal.
type Subscription struct {
	name string
	id   uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus routes events to subscribers. The registry lock is short-lived and
// never held during handler execution.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	nextID uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed bool
}

// New constructs a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[string][]subscriber), logger: logger}
}

// Subscribe registers a handler for the named event and returns its handle.
func (b *Bus) Subscribe(name string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := Subscription{name: name, id: b.nextID}
	b.subs[name] = append(b.subs[name], subscriber{id: sub.id, handler: handler})
	return sub
}

// Unsubscribe removes a previously registered handler. Removing an unknown
// handle is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.name]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish schedules delivery to every current subscriber and returns
// immediately. Handlers for one publish run in subscription order on a
// single dispatch goroutine; there is no ordering across publishes. Each
// handler invocation is isolated: a panic or error is logged with the event
// and handler identity and does not affect sibling handlers.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("event dropped, bus closed", slog.String("event", evt.Name))
		return
	}
	snapshot := make([]subscriber, len(b.subs[evt.Name]))
	copy(snapshot, b.subs[evt.Name])
	b.wg.Add(1)
	b.mu.Unlock()

	// Handlers outlive the publisher: a request-scoped caller returns and
	// cancels its context before dispatch runs, which must not abort
	// delivery. Context values (tenant scope) still flow through.
	dispatchCtx := context.WithoutCancel(ctx)
	go func() {
		defer b.wg.Done()
		for _, sub := range snapshot {
			b.deliver(dispatchCtx, evt, sub)
		}
	}()
}

func (b *Bus) deliver(ctx context.Context, evt Event, sub subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				slog.String("event", evt.Name),
				slog.Int64("tenant_id", evt.TenantID),
				slog.Uint64("handler_id", sub.id),
				slog.Any("panic", r),
			)
		}
	}()
	if err := sub.handler(ctx, evt); err != nil {
		b.logger.Error("event handler failed",
			slog.String("event", evt.Name),
			slog.Int64("tenant_id", evt.TenantID),
			slog.Uint64("handler_id", sub.id),
			slog.Any("error", err),
		)
	}
}

// Drain stops accepting publishes and waits for in-flight dispatches.
func (b *Bus) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus: drain: %w", ctx.Err())
	}
}
