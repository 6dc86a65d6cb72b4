package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/helios-pms/helios/internal/tenant"
)

// Job kinds. Payload schemas are versioned through Envelope.Version.
const (
	TaskNotificationDeliver = "notification.deliver"
	TaskDocumentRender      = "document.render"
	TaskSweepInventory      = "sweep.inventory"
	TaskSweepAnomaly        = "sweep.anomaly"
	TaskReportUsage         = "report.usage"
)

// EnvelopeVersion is the current wire version for job payloads.
const EnvelopeVersion = 1

// Envelope wraps every job payload with the tenant context it must execute
// under. Exactly one tenant per job; handlers re-verify permissions from it
// before any tenant-scoped side effect.
type Envelope struct {
	Version      int             `json:"v"`
	TenantID     int64           `json:"tenant_id"`
	ActingUserID int64           `json:"acting_user_id,omitempty"`
	RequestID    string          `json:"request_id"`
	Payload      json.RawMessage `json:"payload"`
}

// Context rebuilds the tenant context the job was enqueued under.
func (e Envelope) Context() tenant.Context {
	return tenant.Context{
		TenantID:     e.TenantID,
		ActingUserID: e.ActingUserID,
		RequestID:    e.RequestID,
	}
}

// Seal wraps a payload value into envelope bytes for enqueueing.
func Seal(tc tenant.Context, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal payload: %w", err)
	}
	return json.Marshal(Envelope{
		Version:      EnvelopeVersion,
		TenantID:     tc.TenantID,
		ActingUserID: tc.ActingUserID,
		RequestID:    tc.RequestID,
		Payload:      raw,
	})
}

// Open parses envelope bytes. Unknown versions are rejected so a newer
// producer cannot feed an older worker silently.
func Open(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("jobs: decode envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return Envelope{}, fmt.Errorf("jobs: unsupported envelope version %d", env.Version)
	}
	if env.TenantID <= 0 {
		return Envelope{}, fmt.Errorf("jobs: envelope missing tenant")
	}
	return env, nil
}

// NotificationPayload delivers a templated message to one recipient.
// IdempotencyKey makes redelivery safe: the same key is delivered once.
type NotificationPayload struct {
	Channel        string            `json:"channel" validate:"required,oneof=email sms push"`
	RecipientRef   string            `json:"recipient_ref" validate:"required"`
	TemplateID     string            `json:"template_id" validate:"required"`
	TemplateData   map[string]string `json:"template_data"`
	Locale         string            `json:"locale,omitempty"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required"`
}

// DocumentRenderPayload renders a document from a source record.
type DocumentRenderPayload struct {
	DocumentType   string `json:"document_type" validate:"required"`
	SourceRecordID int64  `json:"source_record_id" validate:"required,gt=0"`
}

// InventorySweepPayload checks stock levels against reorder thresholds.
type InventorySweepPayload struct {
	Thresholds map[string]int64 `json:"thresholds"`
}

// AnomalySweepPayload scans recent usage series for statistical outliers.
type AnomalySweepPayload struct {
	LookbackDays int     `json:"lookback_days" validate:"gte=0,lte=365"`
	ZThreshold   float64 `json:"z_threshold" validate:"gte=0"`
}

// UsageReportPayload aggregates activity for a billing period (YYYY-MM).
type UsageReportPayload struct {
	Period string `json:"period" validate:"required,len=7"`
}
