package idempotency

import "time"

const (
	ScopeWalletCredited        = "wallet_credited"
	ScopeSalesRecorded         = "sales_recorded"
	ScopeShippingComputed      = "shipping_computed"
	ScopeFulfillmentDispatched = "fulfillment_dispatched"
	ScopePremiumActivated      = "premium_activated"
	ScopeMarketplaceDispatched = "marketplace_dispatched"
	ScopeReferralRewarded      = "referral_rewarded"
	ScopeFulfillmentDelivering = "fulfillment_delivering"
)

// Key marks that a side effect identified by (Scope, Key) has run.
type Key struct {
	ID        int64     `gorm:"primaryKey"`
	Scope     string    `gorm:"column:scope;size:60;not null;uniqueIndex:ux_idempotency_keys_scope_key,priority:1"`
	Key       string    `gorm:"column:idem_key;size:190;not null;uniqueIndex:ux_idempotency_keys_scope_key,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Key) TableName() string {
	return "idempotency_keys"
}
