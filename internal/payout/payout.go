// Package payout moves wallet money out to mobile money accounts. A payout
// holds the wallet debit first, then calls the transfer provider from a job;
// it always ends either sent with the hold committed or failed with the hold
// refunded.
package payout

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
	walletmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/wallet"
)

// Request is the body of POST /api/v1/wallet/payouts.
type Request struct {
	Amount  decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Phone   string          `json:"phone" validate:"required,min=6,max=30"`
	Country string          `json:"country" validate:"required,len=2"`
}

// ProcessPayload is the body of a payout.process job.
type ProcessPayload struct {
	PayoutID int64 `json:"payout_id"`
}

// Callback is a normalized transfer provider notification.
type Callback struct {
	IdempotencyKey string `json:"idempotency_key"`
	Reference      string `json:"reference"`
	Status         string `json:"status"`
	ProviderRef    string `json:"provider_ref"`
	Reason         string `json:"reason"`
}

// Key returns the payout idempotency key the callback refers to.
func (c Callback) Key() string {
	if c.IdempotencyKey != "" {
		return c.IdempotencyKey
	}
	return c.Reference
}

type Config struct {
	Provider    string
	Currency    string
	MaxAttempts int
	FeeRate     decimal.Decimal
}

type Transferer interface {
	Transfer(ctx context.Context, req *gatewaytypes.TransferRequest) (*gatewaytypes.TransferResult, error)
}

// WalletHolder is the slice of the wallet ledger a payout needs.
type WalletHolder interface {
	DebitHoldTx(tx *gorm.DB, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}) (*walletmodel.Transaction, error)
	DebitCommitTx(tx *gorm.DB, walletTransactionID int64) (*walletmodel.Transaction, error)
	FailHoldTx(tx *gorm.DB, walletTransactionID int64) (*walletmodel.Transaction, error)
	RefundTx(tx *gorm.DB, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}) (*walletmodel.Transaction, error)
}

// HoldReference is the wallet ledger key of the debit hold behind a payout.
func HoldReference(key string) string {
	return "payout_" + key
}

// RefundReference is the wallet ledger key of the compensating refund.
func RefundReference(key string) string {
	return "payout_refund_" + key
}
