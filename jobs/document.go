package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/internal/tenant"
)

// ErrRecordNotFound marks a missing source record; the job dead-letters
// instead of retrying against data that will not appear.
var ErrRecordNotFound = errors.New("jobs: source record not found")

// DocumentSource reads the record a document is rendered from and stores
// the result. Supplied by the business layer; all lookups are tenant-scoped.
type DocumentSource interface {
	FetchHTML(ctx context.Context, tenantID int64, documentType string, recordID int64) (string, error)
	StoreRendered(ctx context.Context, tenantID int64, documentType string, recordID int64, pdf []byte) error
}

// Renderer converts HTML to a finished document.
type Renderer interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// DocumentRenderJob renders documents (invoices, patient summaries,
// delivery notes) from business records.
type DocumentRenderJob struct {
	Auth     Authorizer
	Source   DocumentSource
	Renderer Renderer
	Registry *Registry
	Logger   *slog.Logger
}

// Handle executes one document.render job. Re-running with the same payload
// overwrites the same stored document, so redelivery is idempotent by
// construction.
func (j *DocumentRenderJob) Handle(ctx context.Context, tc tenant.Context, raw json.RawMessage) error {
	var payload DocumentRenderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return queue.Fatal(fmt.Errorf("jobs: document payload: %w", err))
	}
	if err := j.Registry.CheckPayload(payload); err != nil {
		return queue.Fatal(err)
	}
	if err := authorize(ctx, j.Auth, tc, rbac.PermDocumentsRender); err != nil {
		return err
	}

	html, err := j.Source.FetchHTML(ctx, tc.TenantID, payload.DocumentType, payload.SourceRecordID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return queue.Fatal(err)
		}
		return queue.Retryable(fmt.Errorf("jobs: fetch source: %w", err))
	}

	pdf, err := j.Renderer.RenderHTML(ctx, html)
	if err != nil {
		return queue.Retryable(fmt.Errorf("jobs: render %s: %w", payload.DocumentType, err))
	}
	if err := j.Source.StoreRendered(ctx, tc.TenantID, payload.DocumentType, payload.SourceRecordID, pdf); err != nil {
		return queue.Retryable(fmt.Errorf("jobs: store rendered: %w", err))
	}

	j.logger().Info("document rendered",
		slog.Int64("tenant_id", tc.TenantID),
		slog.String("document_type", payload.DocumentType),
		slog.Int64("source_record_id", payload.SourceRecordID),
		slog.Int("bytes", len(pdf)),
	)
	return nil
}

func (j *DocumentRenderJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDocumentRender))
	}
	return slog.Default().With(slog.String("job", TaskDocumentRender))
}
