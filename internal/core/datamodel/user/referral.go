package user

import (
	"time"

	"github.com/shopspring/decimal"
)

type Referral struct {
	ID               int64           `gorm:"primaryKey"`
	ReferrerID       int64           `gorm:"column:referrer_id;not null;index"`
	ReferredUserID   int64           `gorm:"column:referred_user_id;not null;uniqueIndex"`
	CommissionEarned decimal.Decimal `gorm:"column:commission_earned;type:decimal(20,2);not null"`
	RewardedOrderID  *int64          `gorm:"column:rewarded_order_id"`
	RewardedAt       *time.Time      `gorm:"column:rewarded_at"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (Referral) TableName() string {
	return "referrals"
}

// Rewarded reports whether the commission for this referral has been paid.
func (r *Referral) Rewarded() bool {
	return r.CommissionEarned.IsPositive()
}
