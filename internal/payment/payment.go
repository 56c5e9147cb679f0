// Package payment reconciles provider webhooks against locally initiated
// payments and applies the side effects of a paid order exactly once.
package payment

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/user"
	walletmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/wallet"
	"github.com/frahmantamala/gameshop-ledger/internal/wallet"
)

// Reconciliation outcomes, used as the metrics label and in logs.
const (
	OutcomeCompleted        = "completed"
	OutcomeFailed           = "failed"
	OutcomePending          = "pending"
	OutcomeAmountMismatch   = "amount_mismatch"
	OutcomeUnknown          = "unknown_transaction"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeSettledElsewhere = "settled_elsewhere"
)

// Event is one provider notification to reconcile. Payload is the raw webhook
// body, kept only for the audit trail.
type Event struct {
	Provider      string          `json:"provider"`
	EventID       string          `json:"event_id"`
	EventName     string          `json:"event_name,omitempty"`
	TransactionID string          `json:"transaction_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// TransactionVerifier fetches the authoritative state of a provider transaction.
type TransactionVerifier interface {
	RetrieveTransaction(ctx context.Context, provider, transactionID string) (*gatewaytypes.Verification, error)
}

// WalletLedger is the part of the wallet service reconciliation moves money through.
type WalletLedger interface {
	CreditTx(tx *gorm.DB, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}) (*walletmodel.Transaction, error)
	DebitForOrderTx(tx *gorm.DB, userID, orderID int64, orderType string, amount decimal.Decimal) (*wallet.DebitResult, error)
}

type ReferralRewarder interface {
	RewardTx(tx *gorm.DB, referredUserID, orderID int64, topupAmount decimal.Decimal) (*walletmodel.Transaction, error)
}

type PremiumActivator interface {
	ActivateTx(tx *gorm.DB, o *order.Order) (*user.PremiumMembership, error)
}

type FulfillmentDispatcher interface {
	DispatchTx(tx *gorm.DB, o *order.Order) error
}

type ShippingCalculator interface {
	Compute(ctx context.Context, o *order.Order) (map[string]interface{}, error)
}

// ReconcileJob is the payload of a payment.reconcile job.
type ReconcileJob struct {
	Event
	WebhookEventID int64 `json:"webhook_event_id,omitempty"`
}

type Config struct {
	// AmountEpsilon is the largest provider/order amount difference still
	// treated as a match.
	AmountEpsilon decimal.Decimal
}
