package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/helios-pms/helios/internal/bus"
	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/internal/tenant"
)

// EventLowStock is published once per sweep that found shortages.
const EventLowStock = "inventory.low_stock"

// StockLevel is one product's current quantity against its reorder point.
type StockLevel struct {
	SKU          string
	Name         string
	OnHand       int64
	ReorderPoint int64
}

// InventoryReader exposes tenant-scoped stock levels; supplied by the
// business layer.
type InventoryReader interface {
	StockLevels(ctx context.Context, tenantID int64) ([]StockLevel, error)
}

// Publisher lets handlers emit follow-up domain events.
type Publisher interface {
	Publish(ctx context.Context, evt bus.Event)
}

// LowStockItem is the event payload entry for one depleted product.
type LowStockItem struct {
	SKU    string `json:"sku"`
	Name   string `json:"name"`
	OnHand int64  `json:"on_hand"`
	Needed int64  `json:"needed"`
}

// InventorySweepJob runs the scheduled stock check for one tenant. Payload
// thresholds override a product's own reorder point by SKU.
type InventorySweepJob struct {
	Auth     Authorizer
	Stock    InventoryReader
	Events   Publisher
	Registry *Registry
	Logger   *slog.Logger
	clock    func() time.Time
}

// NewInventorySweepJob initialises the sweep handler.
func NewInventorySweepJob(auth Authorizer, stock InventoryReader, events Publisher, registry *Registry, logger *slog.Logger) *InventorySweepJob {
	return &InventorySweepJob{
		Auth:     auth,
		Stock:    stock,
		Events:   events,
		Registry: registry,
		Logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.inventory job. The sweep only reads and
// publishes; acting on a shortage is the subscribers' business.
func (j *InventorySweepJob) Handle(ctx context.Context, tc tenant.Context, raw json.RawMessage) error {
	var payload InventorySweepPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("jobs: inventory payload: %w", err))
	}
	if err := authorize(ctx, j.Auth, tc, rbac.PermInventoryView); err != nil {
		return err
	}

	levels, err := j.Stock.StockLevels(ctx, tc.TenantID)
	if err != nil {
		return queue.Retryable(fmt.Errorf("jobs: stock levels: %w", err))
	}

	var short []LowStockItem
	for _, level := range levels {
		threshold := level.ReorderPoint
		if override, ok := payload.Thresholds[level.SKU]; ok {
			threshold = override
		}
		if level.OnHand < threshold {
			short = append(short, LowStockItem{
				SKU:    level.SKU,
				Name:   level.Name,
				OnHand: level.OnHand,
				Needed: threshold - level.OnHand,
			})
		}
	}

	logger := j.logger().With(slog.Int64("tenant_id", tc.TenantID))
	if len(short) == 0 {
		logger.Info("inventory sweep clean", slog.Int("products", len(levels)))
		return nil
	}

	if j.Events != nil {
		j.Events.Publish(ctx, bus.Event{
			Name:       EventLowStock,
			TenantID:   tc.TenantID,
			Payload:    short,
			OccurredAt: j.now(),
		})
	}
	logger.Warn("inventory sweep found shortages",
		slog.Int("products", len(levels)),
		slog.Int("short", len(short)),
	)
	return nil
}

func (j *InventorySweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *InventorySweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSweepInventory))
	}
	return slog.Default().With(slog.String("job", TaskSweepInventory))
}
