package wallet

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	AccountStatusActive = "active"
	AccountStatusFrozen = "frozen"
)

const (
	TypeCredit = "credit"
	TypeDebit  = "debit"
)

const (
	TxStatusPending = "pending"
	TxStatusSuccess = "success"
	TxStatusFailed  = "failed"
)

type Account struct {
	ID                    int64           `gorm:"primaryKey"`
	UserID                int64           `gorm:"column:user_id;not null;uniqueIndex"`
	Balance               decimal.Decimal `gorm:"column:balance;type:decimal(20,2);not null"`
	BonusBalance          decimal.Decimal `gorm:"column:bonus_balance;type:decimal(20,2);not null"`
	BonusExpiresAt        *time.Time      `gorm:"column:bonus_expires_at"`
	Currency              string          `gorm:"column:currency;size:3;not null"`
	Status                string          `gorm:"column:status;size:20;not null"`
	RechargeBlockedUntil  *time.Time      `gorm:"column:recharge_blocked_until"`
	RechargeBlockedReason *string         `gorm:"column:recharge_blocked_reason"`
	CreatedAt             time.Time       `gorm:"column:created_at"`
	UpdatedAt             time.Time       `gorm:"column:updated_at"`
}

func (Account) TableName() string {
	return "wallet_accounts"
}

// DebitBlocked reports whether outgoing money is frozen on the account at now.
func (a *Account) DebitBlocked(now time.Time) bool {
	if a.Status != AccountStatusActive {
		return true
	}
	return a.RechargeBlockedUntil != nil && a.RechargeBlockedUntil.After(now)
}

// UsableBonus returns the bonus balance that has not expired at now.
func (a *Account) UsableBonus(now time.Time) decimal.Decimal {
	if a.BonusExpiresAt != nil && !a.BonusExpiresAt.After(now) {
		return decimal.Zero
	}
	if a.BonusBalance.IsNegative() {
		return decimal.Zero
	}
	return a.BonusBalance
}

type Transaction struct {
	ID              int64             `gorm:"primaryKey"`
	WalletAccountID int64             `gorm:"column:wallet_account_id;not null;index"`
	Type            string            `gorm:"column:type;size:10;not null"`
	Amount          decimal.Decimal   `gorm:"column:amount;type:decimal(20,2);not null"`
	Reference       string            `gorm:"column:reference;size:190;not null;uniqueIndex"`
	Status          string            `gorm:"column:status;size:20;not null"`
	Meta            datatypes.JSONMap `gorm:"column:meta"`
	CreatedAt       time.Time         `gorm:"column:created_at"`
	UpdatedAt       time.Time         `gorm:"column:updated_at"`
}

func (Transaction) TableName() string {
	return "wallet_transactions"
}
