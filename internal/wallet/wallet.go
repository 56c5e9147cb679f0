// Package wallet is the only writer of wallet balances. Every mutation locks
// the account row inside the caller's transaction and is keyed by a unique
// reference so a retried call never moves money twice.
package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Operation labels used for metrics and transaction meta.
const (
	OpCredit      = "credit"
	OpBonusCredit = "bonus_credit"
	OpDebitHold   = "debit_hold"
	OpDebitCommit = "debit_commit"
	OpHoldFailed  = "hold_failed"
	OpRefund      = "refund"
	OpOrderDebit  = "order_debit"
)

// Entry is one row of a user's wallet history.
type Entry struct {
	ID        int64           `db:"id" json:"id"`
	Type      string          `db:"type" json:"type"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Reference string          `db:"reference" json:"reference"`
	Status    string          `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

type HistoryReader interface {
	ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]Entry, error)
}

// OrderPaymentReference is the ledger key for paying orderID from the wallet.
func OrderPaymentReference(orderID int64) string {
	return "order_payment_" + itoa(orderID)
}

// TopupReference is the fallback ledger key for a top-up order without a
// pre-created pending transaction.
func TopupReference(orderID int64) string {
	return "topup_order_" + itoa(orderID)
}
