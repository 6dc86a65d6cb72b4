package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLStore implements the handler data interfaces against the platform
// database. Every query is tenant-scoped; the orchestration core never
// reads across company boundaries.
type SQLStore struct {
	pool *pgxpool.Pool
}

// NewSQLStore constructs the store.
func NewSQLStore(pool *pgxpool.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// StockLevels implements InventoryReader.
func (s *SQLStore) StockLevels(ctx context.Context, tenantID int64) ([]StockLevel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.sku, p.name, COALESCE(b.on_hand, 0), p.reorder_point
		 FROM products p
		 LEFT JOIN stock_balances b ON b.product_id = p.id
		 WHERE p.company_id = $1 AND p.active`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var levels []StockLevel
	for rows.Next() {
		var level StockLevel
		if err := rows.Scan(&level.SKU, &level.Name, &level.OnHand, &level.ReorderPoint); err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// UsageSeries implements MetricSource: daily counts per activity metric.
func (s *SQLStore) UsageSeries(ctx context.Context, tenantID int64, lookbackDays int) (map[string][]float64, error) {
	from := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	rows, err := s.pool.Query(ctx,
		`SELECT metric, day, value::double precision
		 FROM daily_usage_metrics
		 WHERE company_id = $1 AND day >= $2
		 ORDER BY metric, day`,
		tenantID, from,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	series := make(map[string][]float64)
	for rows.Next() {
		var metric string
		var day time.Time
		var value float64
		if err := rows.Scan(&metric, &day, &value); err != nil {
			return nil, err
		}
		series[metric] = append(series[metric], value)
	}
	return series, rows.Err()
}

// AggregateUsage implements UsageSource.
func (s *SQLStore) AggregateUsage(ctx context.Context, tenantID int64, period string) (UsageTotals, error) {
	var totals UsageTotals
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE kind = 'order'),
			COUNT(*) FILTER (WHERE kind = 'invoice'),
			COUNT(*) FILTER (WHERE kind = 'document'),
			COUNT(DISTINCT user_id)
		 FROM activity_log
		 WHERE company_id = $1 AND to_char(occurred_at, 'YYYY-MM') = $2`,
		tenantID, period,
	).Scan(&totals.OrdersPlaced, &totals.InvoicesIssued, &totals.DocumentsSent, &totals.ActiveUsers)
	if err != nil {
		return UsageTotals{}, err
	}
	return totals, nil
}

// UpsertUsageReport implements UsageSink.
func (s *SQLStore) UpsertUsageReport(ctx context.Context, totals UsageTotals) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_reports (company_id, period, orders_placed, invoices_issued, documents_sent, active_users, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (company_id, period) DO UPDATE SET
			orders_placed = EXCLUDED.orders_placed,
			invoices_issued = EXCLUDED.invoices_issued,
			documents_sent = EXCLUDED.documents_sent,
			active_users = EXCLUDED.active_users,
			generated_at = EXCLUDED.generated_at`,
		totals.TenantID, totals.Period, totals.OrdersPlaced, totals.InvoicesIssued, totals.DocumentsSent, totals.ActiveUsers,
	)
	return err
}

// FetchHTML implements DocumentSource.
func (s *SQLStore) FetchHTML(ctx context.Context, tenantID int64, documentType string, recordID int64) (string, error) {
	var html string
	err := s.pool.QueryRow(ctx,
		`SELECT source_html FROM document_sources
		 WHERE company_id = $1 AND document_type = $2 AND record_id = $3`,
		tenantID, documentType, recordID,
	).Scan(&html)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%d", ErrRecordNotFound, documentType, recordID)
	}
	if err != nil {
		return "", err
	}
	return html, nil
}

// StoreRendered implements DocumentSource.
func (s *SQLStore) StoreRendered(ctx context.Context, tenantID int64, documentType string, recordID int64, pdf []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rendered_documents (company_id, document_type, record_id, content, rendered_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (company_id, document_type, record_id) DO UPDATE SET
			content = EXCLUDED.content,
			rendered_at = EXCLUDED.rendered_at`,
		tenantID, documentType, recordID, pdf,
	)
	return err
}

// Lookup implements TemplateSource.
func (s *SQLStore) Lookup(ctx context.Context, tenantID int64, templateID string) (Template, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT locale, subject, body FROM notification_templates
		 WHERE (company_id = $1 OR company_id IS NULL) AND template_id = $2`,
		tenantID, templateID,
	)
	if err != nil {
		return Template{}, err
	}
	defer rows.Close()
	tpl := Template{ID: templateID, Subjects: make(map[string]string), Bodies: make(map[string]string)}
	found := false
	for rows.Next() {
		var locale, subject, body string
		if err := rows.Scan(&locale, &subject, &body); err != nil {
			return Template{}, err
		}
		tpl.Subjects[locale] = subject
		tpl.Bodies[locale] = body
		found = true
	}
	if err := rows.Err(); err != nil {
		return Template{}, err
	}
	if !found {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	return tpl, nil
}
