package payout

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

type Payout struct {
	ID                  int64           `gorm:"primaryKey"`
	WalletAccountID     int64           `gorm:"column:wallet_account_id;not null;index"`
	UserID              int64           `gorm:"column:user_id;not null;index"`
	WalletTransactionID int64           `gorm:"column:wallet_transaction_id;not null"`
	Amount              decimal.Decimal `gorm:"column:amount;type:decimal(20,2);not null"`
	Fee                 decimal.Decimal `gorm:"column:fee;type:decimal(20,2);not null"`
	TotalDebit          decimal.Decimal `gorm:"column:total_debit;type:decimal(20,2);not null"`
	Phone               string          `gorm:"column:phone;size:30;not null"`
	Country             string          `gorm:"column:country;size:2;not null"`
	Provider            string          `gorm:"column:provider;size:40"`
	Status              string          `gorm:"column:status;size:20;not null;index"`
	IdempotencyKey      string          `gorm:"column:idempotency_key;size:64;not null;uniqueIndex"`
	ProviderRef         *string         `gorm:"column:provider_ref;size:120"`
	Attempts            int             `gorm:"column:attempts;not null;default:0"`
	LastError           *string         `gorm:"column:last_error"`
	SentAt              *time.Time      `gorm:"column:sent_at"`
	FailedAt            *time.Time      `gorm:"column:failed_at"`
	CreatedAt           time.Time       `gorm:"column:created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at"`
}

func (Payout) TableName() string {
	return "payouts"
}

func (p *Payout) IsTerminal() bool {
	return p.Status == StatusSent || p.Status == StatusFailed
}

const (
	EventSourceTransfer = "transfer"
	EventSourceCallback = "callback"
	EventSourceRefund   = "refund"
)

// Event is an append-only audit row per provider interaction.
type Event struct {
	ID          int64          `gorm:"primaryKey"`
	PayoutID    int64          `gorm:"column:payout_id;not null;index"`
	Source      string         `gorm:"column:source;size:20;not null"`
	Status      string         `gorm:"column:status;size:20;not null"`
	ProviderRef *string        `gorm:"column:provider_ref;size:120"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

func (Event) TableName() string {
	return "payout_events"
}
