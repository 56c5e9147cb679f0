package user

import "time"

const (
	PremiumLevelBronze  = "bronze"
	PremiumLevelOr      = "or"
	PremiumLevelPlatine = "platine"
)

const (
	MembershipStatusActive  = "active"
	MembershipStatusExpired = "expired"
)

type User struct {
	ID               int64      `gorm:"primaryKey"`
	Email            string     `gorm:"column:email;uniqueIndex;not null"`
	Name             string     `gorm:"column:name;not null"`
	IsPremium        bool       `gorm:"column:is_premium;not null;default:false"`
	PremiumLevel     *string    `gorm:"column:premium_level;size:20"`
	PremiumExpiresAt *time.Time `gorm:"column:premium_expires_at"`
	ReferralCode     *string    `gorm:"column:referral_code;size:32;uniqueIndex"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (User) TableName() string {
	return "users"
}

// ActivePremiumLevel returns the premium level when the membership is current at now.
func (u *User) ActivePremiumLevel(now time.Time) string {
	if !u.IsPremium || u.PremiumLevel == nil {
		return ""
	}
	if u.PremiumExpiresAt != nil && !u.PremiumExpiresAt.After(now) {
		return ""
	}
	return *u.PremiumLevel
}

type PremiumMembership struct {
	ID           int64     `gorm:"primaryKey"`
	UserID       int64     `gorm:"column:user_id;not null;uniqueIndex"`
	Level        string    `gorm:"column:level;size:20;not null"`
	Status       string    `gorm:"column:status;size:20;not null"`
	RenewalCount int       `gorm:"column:renewal_count;not null;default:0"`
	StartedAt    time.Time `gorm:"column:started_at"`
	ExpiresAt    time.Time `gorm:"column:expires_at"`
	LastOrderID  *int64    `gorm:"column:last_order_id"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (PremiumMembership) TableName() string {
	return "premium_memberships"
}
