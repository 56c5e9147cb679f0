package user

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile is the account summary shown to its owner: premium standing and
// referral earnings.
type Profile struct {
	ID               int64           `db:"id" json:"id"`
	Email            string          `db:"email" json:"email"`
	Name             string          `db:"name" json:"name"`
	IsPremium        bool            `db:"is_premium" json:"is_premium"`
	PremiumLevel     *string         `db:"premium_level" json:"premium_level,omitempty"`
	PremiumExpiresAt *time.Time      `db:"premium_expires_at" json:"premium_expires_at,omitempty"`
	ReferralCode     *string         `db:"referral_code" json:"referral_code,omitempty"`
	ReferralCount    int64           `db:"referral_count" json:"referral_count"`
	ReferralEarnings decimal.Decimal `db:"referral_earnings" json:"referral_earnings"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// ExpirePremium clears the premium flag when the membership lapsed before now.
// The stored row is only rewritten on the next renewal.
func (p *Profile) ExpirePremium(now time.Time) {
	if !p.IsPremium || p.PremiumExpiresAt == nil {
		return
	}
	if !p.PremiumExpiresAt.After(now) {
		p.IsPremium = false
	}
}
