package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/internal/tenant"
)

var periodPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// UsageTotals is one tenant's activity aggregate for a billing period.
type UsageTotals struct {
	TenantID       int64
	Period         string
	OrdersPlaced   int64
	InvoicesIssued int64
	DocumentsSent  int64
	ActiveUsers    int64
}

// UsageSource aggregates activity; UsageSink persists the finished report.
// Both are supplied by the business layer and scoped to one tenant.
type UsageSource interface {
	AggregateUsage(ctx context.Context, tenantID int64, period string) (UsageTotals, error)
}

// UsageSink stores a usage report, replacing any previous report for the
// same (tenant, period) so re-runs converge on the same end state.
type UsageSink interface {
	UpsertUsageReport(ctx context.Context, totals UsageTotals) error
}

// UsageReportJob produces the monthly usage aggregate per tenant.
type UsageReportJob struct {
	Auth     Authorizer
	Source   UsageSource
	Sink     UsageSink
	Registry *Registry
	Logger   *slog.Logger
}

// Handle executes one report.usage job.
func (j *UsageReportJob) Handle(ctx context.Context, tc tenant.Context, raw json.RawMessage) error {
	var payload UsageReportPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("jobs: usage payload: %w", err))
	}
	if !periodPattern.MatchString(payload.Period) {
		return queue.Fatal(fmt.Errorf("jobs: invalid period %q, want YYYY-MM", payload.Period))
	}
	if err := authorize(ctx, j.Auth, tc, rbac.PermReportsView); err != nil {
		return err
	}

	totals, err := j.Source.AggregateUsage(ctx, tc.TenantID, payload.Period)
	if err != nil {
		return queue.Retryable(fmt.Errorf("jobs: aggregate usage: %w", err))
	}
	totals.TenantID = tc.TenantID
	totals.Period = payload.Period

	if err := j.Sink.UpsertUsageReport(ctx, totals); err != nil {
		return queue.Retryable(fmt.Errorf("jobs: store usage report: %w", err))
	}

	j.logger().Info("usage report stored",
		slog.Int64("tenant_id", tc.TenantID),
		slog.String("period", payload.Period),
		slog.Int64("orders", totals.OrdersPlaced),
		slog.Int64("invoices", totals.InvoicesIssued),
	)
	return nil
}

func (j *UsageReportJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReportUsage))
	}
	return slog.Default().With(slog.String("job", TaskReportUsage))
}
