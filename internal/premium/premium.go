// Package premium activates or renews a premium membership once its
// subscription order is paid.
package premium

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/user"
	guard "github.com/frahmantamala/gameshop-ledger/internal/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
)

const codeAttempts = 5

type Service struct {
	period time.Duration
	logger *slog.Logger
	now    func() time.Time
	codeFn func() string
}

func NewService(period time.Duration, logger *slog.Logger) *Service {
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}
	return &Service{
		period: period,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		codeFn: newReferralCode,
	}
}

// ActivateTx applies a paid premium_subscription order: it upserts the
// membership, bumps the renewal count, refreshes the user's premium flags and
// mints a referral code for first-time members. Running it twice for the same
// order is a no-op and returns a nil membership.
func (s *Service) ActivateTx(tx *gorm.DB, o *order.Order) (*user.PremiumMembership, error) {
	level := ""
	if o.PremiumLevel != nil {
		level = strings.ToLower(*o.PremiumLevel)
	}
	if !validLevel(level) {
		// the payment still settles; the order waits for manual review
		s.logger.Error("premium order without a valid level", "order_id", o.ID, "premium_level", level)
		return nil, nil
	}

	first, err := guard.Claim(tx, idempotency.ScopePremiumActivated, strconv.FormatInt(o.ID, 10))
	if err != nil {
		return nil, err
	}
	if !first {
		s.logger.Info("premium already activated for order", "order_id", o.ID)
		return nil, nil
	}

	u, err := ledger.LockUser(tx, o.UserID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	membership, err := s.upsertMembership(tx, o, level, now)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"is_premium":         true,
		"premium_level":      level,
		"premium_expires_at": membership.ExpiresAt,
	}
	if u.ReferralCode == nil {
		code, err := s.mintReferralCode(tx)
		if err != nil {
			return nil, err
		}
		if code != "" {
			updates["referral_code"] = code
		}
	}
	if err := tx.Model(u).Updates(updates).Error; err != nil {
		return nil, err
	}

	s.logger.Info("premium membership activated",
		"order_id", o.ID,
		"user_id", o.UserID,
		"level", level,
		"renewal_count", membership.RenewalCount,
		"expires_at", membership.ExpiresAt)
	return membership, nil
}

func (s *Service) upsertMembership(tx *gorm.DB, o *order.Order, level string, now time.Time) (*user.PremiumMembership, error) {
	var m user.PremiumMembership
	err := tx.Where("user_id = ?", o.UserID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m = user.PremiumMembership{
			UserID:      o.UserID,
			Level:       level,
			Status:      user.MembershipStatusActive,
			StartedAt:   now,
			ExpiresAt:   now.Add(s.period),
			LastOrderID: &o.ID,
		}
		return &m, tx.Create(&m).Error
	}
	if err != nil {
		return nil, err
	}

	// renewals stack on top of time still remaining
	base := now
	if m.Status == user.MembershipStatusActive && m.ExpiresAt.After(now) {
		base = m.ExpiresAt
	} else {
		m.StartedAt = now
	}
	m.Level = level
	m.Status = user.MembershipStatusActive
	m.RenewalCount++
	m.ExpiresAt = base.Add(s.period)
	m.LastOrderID = &o.ID
	return &m, tx.Save(&m).Error
}

// mintReferralCode returns an unused code, or "" when none was found in a few
// tries; the user simply gets one on a later activation.
func (s *Service) mintReferralCode(tx *gorm.DB) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code := s.codeFn()
		var count int64
		if err := tx.Model(&user.User{}).Where("referral_code = ?", code).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return code, nil
		}
	}
	s.logger.Warn("could not mint a unique referral code")
	return "", nil
}

func validLevel(level string) bool {
	switch level {
	case user.PremiumLevelBronze, user.PremiumLevelOr, user.PremiumLevelPlatine:
		return true
	}
	return false
}

func newReferralCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "GS" + strings.ToUpper(raw[:8])
}
