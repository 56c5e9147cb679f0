// Package referral pays the one-time commission a referrer earns on the first
// wallet top-up of a user they referred.
package referral

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/idempotency"
	walletmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/wallet"
	guard "github.com/frahmantamala/gameshop-ledger/internal/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
)

// BonusCreditor is the slice of the wallet service the commission needs.
type BonusCreditor interface {
	CreditBonusTx(tx *gorm.DB, userID int64, reference string, amount decimal.Decimal, expiresAt time.Time, meta map[string]interface{}) (*walletmodel.Transaction, error)
}

type Config struct {
	Rate           decimal.Decimal
	EligibleLevels []string
	BonusTTL       time.Duration
}

type Service struct {
	wallet   BonusCreditor
	rate     decimal.Decimal
	eligible map[string]bool
	bonusTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(wallet BonusCreditor, config Config, logger *slog.Logger) *Service {
	eligible := make(map[string]bool, len(config.EligibleLevels))
	for _, level := range config.EligibleLevels {
		eligible[strings.ToLower(strings.TrimSpace(level))] = true
	}
	ttl := config.BonusTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Service{
		wallet:   wallet,
		rate:     config.Rate,
		eligible: eligible,
		bonusTTL: ttl,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CommissionReference is the wallet ledger key of the commission for referralID.
func CommissionReference(referralID int64) string {
	return "referral_commission_" + strconv.FormatInt(referralID, 10)
}

// RewardTx credits the referrer of referredUserID with rate*topupAmount as
// bonus balance. It does nothing when the user was not referred, the referral
// was already rewarded, or the referrer is not an active member of an
// eligible premium level. It returns the bonus credit when one was made.
func (s *Service) RewardTx(tx *gorm.DB, referredUserID, orderID int64, topupAmount decimal.Decimal) (*walletmodel.Transaction, error) {
	ref, err := ledger.LockReferralByReferredUser(tx, referredUserID)
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if ref.Rewarded() {
		return nil, nil
	}

	now := s.now()
	referrer, err := ledger.LockUser(tx, ref.ReferrerID)
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			s.logger.Warn("referrer missing", "referral_id", ref.ID, "referrer_id", ref.ReferrerID)
			return nil, nil
		}
		return nil, err
	}
	level := referrer.ActivePremiumLevel(now)
	if !s.eligible[level] {
		s.logger.Info("referrer not eligible for commission",
			"referral_id", ref.ID,
			"referrer_id", referrer.ID,
			"premium_level", level)
		return nil, nil
	}

	commission := topupAmount.Mul(s.rate).Round(2)
	if !commission.IsPositive() {
		return nil, nil
	}

	first, err := guard.Claim(tx, idempotency.ScopeReferralRewarded, strconv.FormatInt(ref.ID, 10))
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, nil
	}

	credit, err := s.wallet.CreditBonusTx(tx, referrer.ID, CommissionReference(ref.ID), commission, now.Add(s.bonusTTL), map[string]interface{}{
		"referral_id":      ref.ID,
		"referred_user_id": referredUserID,
		"order_id":         orderID,
		"rate":             s.rate.String(),
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Model(ref).Updates(map[string]interface{}{
		"commission_earned": commission,
		"rewarded_order_id": orderID,
		"rewarded_at":       now,
	}).Error; err != nil {
		return nil, err
	}

	s.logger.Info("referral commission credited",
		"referral_id", ref.ID,
		"referrer_id", referrer.ID,
		"order_id", orderID,
		"commission", commission.StringFixed(2))
	return credit, nil
}
