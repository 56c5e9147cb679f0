package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	StatusInitiated = "initiated"
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaid      = "paid"
)

const (
	MethodFedaPay  = "fedapay"
	MethodCinetPay = "cinetpay"
	MethodWallet   = "wallet"
)

type Payment struct {
	ID            int64           `gorm:"primaryKey"`
	OrderID       int64           `gorm:"column:order_id;not null;index"`
	TransactionID string          `gorm:"column:transaction_id;size:120;not null;uniqueIndex"`
	Method        string          `gorm:"column:method;size:40;not null"`
	Status        string          `gorm:"column:status;size:20;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(20,2);not null"`
	Currency      string          `gorm:"column:currency;size:3;not null"`
	WebhookData   datatypes.JSON  `gorm:"column:webhook_data"`
	CompletedAt   *time.Time      `gorm:"column:completed_at"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case StatusCompleted, StatusFailed, StatusPaid:
		return true
	}
	return false
}

// AuditEntry is one reconciliation decision kept for forensic replay.
type AuditEntry struct {
	At           time.Time       `json:"at"`
	Source       string          `json:"source"`
	Decision     string          `json:"decision"`
	Webhook      json.RawMessage `json:"webhook,omitempty"`
	Verification json.RawMessage `json:"verification,omitempty"`
}

// AppendAudit appends entry to the webhook_data log, never rewriting earlier entries.
func (p *Payment) AppendAudit(entry AuditEntry) error {
	var entries []AuditEntry
	if len(p.WebhookData) > 0 {
		if err := json.Unmarshal(p.WebhookData, &entries); err != nil {
			// keep whatever was stored before as an opaque first entry
			entries = []AuditEntry{{Source: "legacy", Webhook: json.RawMessage(p.WebhookData)}}
		}
	}
	entries = append(entries, entry)
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	p.WebhookData = datatypes.JSON(raw)
	return nil
}

const (
	AttemptStatusPending = "pending"
	AttemptStatusSuccess = "success"
	AttemptStatusFailed  = "failed"
)

const (
	AttemptErrorAmountMismatch     = "amount_mismatch"
	AttemptErrorUnknownTransaction = "unknown_transaction"
	AttemptErrorProviderFailed     = "provider_failed"
)

// Attempt records the outcome of each webhook delivery per provider transaction id.
type Attempt struct {
	ID            int64               `gorm:"primaryKey"`
	TransactionID string              `gorm:"column:transaction_id;size:120;not null;uniqueIndex"`
	Provider      string              `gorm:"column:provider;size:40;not null"`
	PaymentID     *int64              `gorm:"column:payment_id"`
	OrderID       *int64              `gorm:"column:order_id"`
	Status        string              `gorm:"column:status;size:20;not null"`
	Error         *string             `gorm:"column:error;size:60"`
	Amount        decimal.NullDecimal `gorm:"column:amount;type:decimal(20,2)"`
	Currency      string              `gorm:"column:currency;size:3"`
	Deliveries    int                 `gorm:"column:deliveries;not null;default:0"`
	Payload       datatypes.JSON      `gorm:"column:payload"`
	Verification  datatypes.JSON      `gorm:"column:verification"`
	CreatedAt     time.Time           `gorm:"column:created_at"`
	UpdatedAt     time.Time           `gorm:"column:updated_at"`
}

func (Attempt) TableName() string {
	return "payment_attempts"
}

func (a *Attempt) IsTerminalSuccess() bool {
	return a.Status == AttemptStatusSuccess
}

// WebhookEvent stores every inbound provider event for dedup and replay.
type WebhookEvent struct {
	ID              int64          `gorm:"primaryKey"`
	Provider        string         `gorm:"column:provider;size:40;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	EventID         string         `gorm:"column:event_id;size:190;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventName       string         `gorm:"column:event_name;size:100"`
	TransactionID   string         `gorm:"column:transaction_id;size:120;index"`
	Payload         datatypes.JSON `gorm:"column:payload"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at"`
	ProcessingError string         `gorm:"column:processing_error"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
