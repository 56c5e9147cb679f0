package wallet

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	walletmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/wallet"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/metrics"
)

type Service struct {
	store    *ledger.Store
	history  HistoryReader
	currency string
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store *ledger.Store, history HistoryReader, currency string, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		history:  history,
		currency: currency,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DebitResult describes how an order payment was split across buckets.
type DebitResult struct {
	Transaction *walletmodel.Transaction
	FromBonus   decimal.Decimal
	FromBalance decimal.Decimal
}

func (s *Service) Credit(ctx context.Context, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}) (*walletmodel.Transaction, error) {
	var out *walletmodel.Transaction
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.CreditTx(tx, userID, reference, amount, meta)
		return err
	})
	return out, err
}

// CreditTx adds amount to the spendable balance. An existing success entry
// with the same reference is returned unchanged; an existing pending credit
// (created at checkout) is settled.
func (s *Service) CreditTx(tx *gorm.DB, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}) (*walletmodel.Transaction, error) {
	return s.credit(tx, userID, reference, amount, meta, OpCredit)
}

func (s *Service) Refund(ctx context.Context, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}) (*walletmodel.Transaction, error) {
	var out *walletmodel.Transaction
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.RefundTx(tx, userID, reference, amount, meta)
		return err
	})
	return out, err
}

func (s *Service) RefundTx(tx *gorm.DB, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}) (*walletmodel.Transaction, error) {
	return s.credit(tx, userID, reference, amount, meta, OpRefund)
}

func (s *Service) credit(tx *gorm.DB, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}, op string) (*walletmodel.Transaction, error) {
	if !amount.IsPositive() {
		return nil, internal.ErrInvalidAmount
	}
	amount = amount.Round(2)

	account, err := s.EnsureAccountTx(tx, userID)
	if err != nil {
		return nil, err
	}

	existing, err := findByReference(tx, reference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Type != walletmodel.TypeCredit || existing.WalletAccountID != account.ID {
			return nil, internal.ErrInvalidState.WithDetails(map[string]string{"reference": reference})
		}
		if existing.Status != walletmodel.TxStatusPending {
			s.logger.Info("wallet credit already applied", "reference", reference, "user_id", userID, "status", existing.Status)
			return existing, nil
		}

		account.Balance = account.Balance.Add(existing.Amount)
		if err := tx.Model(account).Update("balance", account.Balance).Error; err != nil {
			return nil, err
		}
		existing.Status = walletmodel.TxStatusSuccess
		existing.Meta = mergeMeta(existing.Meta, meta, op)
		if err := tx.Model(existing).Updates(map[string]interface{}{
			"status": existing.Status,
			"meta":   existing.Meta,
		}).Error; err != nil {
			return nil, err
		}
		s.record(op, userID, reference, existing.Amount)
		return existing, nil
	}

	account.Balance = account.Balance.Add(amount)
	if err := tx.Model(account).Update("balance", account.Balance).Error; err != nil {
		return nil, err
	}

	entry := &walletmodel.Transaction{
		WalletAccountID: account.ID,
		Type:            walletmodel.TypeCredit,
		Amount:          amount,
		Reference:       reference,
		Status:          walletmodel.TxStatusSuccess,
		Meta:            mergeMeta(nil, meta, op),
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	s.record(op, userID, reference, amount)
	return entry, nil
}

func (s *Service) CreditBonus(ctx context.Context, userID int64, reference string, amount decimal.Decimal, expiresAt time.Time, meta map[string]interface{}) (*walletmodel.Transaction, error) {
	var out *walletmodel.Transaction
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.CreditBonusTx(tx, userID, reference, amount, expiresAt, meta)
		return err
	})
	return out, err
}

// CreditBonusTx adds to the restricted bonus bucket and pushes its expiry out
// to expiresAt when that is later than the current expiry.
func (s *Service) CreditBonusTx(tx *gorm.DB, userID int64, reference string, amount decimal.Decimal, expiresAt time.Time, meta map[string]interface{}) (*walletmodel.Transaction, error) {
	if !amount.IsPositive() {
		return nil, internal.ErrInvalidAmount
	}
	amount = amount.Round(2)

	account, err := s.EnsureAccountTx(tx, userID)
	if err != nil {
		return nil, err
	}

	existing, err := findByReference(tx, reference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now()
	if account.BonusExpiresAt != nil && !account.BonusExpiresAt.After(now) {
		// expired bonus is forfeited before new bonus lands
		account.BonusBalance = decimal.Zero
	}
	account.BonusBalance = account.BonusBalance.Add(amount)
	if account.BonusExpiresAt == nil || expiresAt.After(*account.BonusExpiresAt) {
		account.BonusExpiresAt = &expiresAt
	}
	if err := tx.Model(account).Updates(map[string]interface{}{
		"bonus_balance":    account.BonusBalance,
		"bonus_expires_at": account.BonusExpiresAt,
	}).Error; err != nil {
		return nil, err
	}

	m := mergeMeta(nil, meta, OpBonusCredit)
	m["bucket"] = "bonus"
	entry := &walletmodel.Transaction{
		WalletAccountID: account.ID,
		Type:            walletmodel.TypeCredit,
		Amount:          amount,
		Reference:       reference,
		Status:          walletmodel.TxStatusSuccess,
		Meta:            m,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	s.record(OpBonusCredit, userID, reference, amount)
	return entry, nil
}

func (s *Service) DebitHold(ctx context.Context, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}) (*walletmodel.Transaction, error) {
	var out *walletmodel.Transaction
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.DebitHoldTx(tx, userID, reference, amount, meta)
		return err
	})
	return out, err
}

// DebitHoldTx removes amount from the spendable balance (never the bonus) and
// records a pending debit awaiting DebitCommitTx or a refund.
func (s *Service) DebitHoldTx(tx *gorm.DB, userID int64, reference string, amount decimal.Decimal, meta map[string]interface{}) (*walletmodel.Transaction, error) {
	if !amount.IsPositive() {
		return nil, internal.ErrInvalidAmount
	}
	amount = amount.Round(2)

	account, err := ledger.LockWalletByUserID(tx, userID)
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			return nil, internal.ErrInsufficientFunds
		}
		return nil, err
	}

	existing, err := findByReference(tx, reference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if account.DebitBlocked(s.now()) {
		return nil, internal.ErrWalletBlocked
	}
	if account.Balance.LessThan(amount) {
		return nil, internal.ErrInsufficientFunds
	}

	account.Balance = account.Balance.Sub(amount)
	if err := tx.Model(account).Update("balance", account.Balance).Error; err != nil {
		return nil, err
	}

	entry := &walletmodel.Transaction{
		WalletAccountID: account.ID,
		Type:            walletmodel.TypeDebit,
		Amount:          amount,
		Reference:       reference,
		Status:          walletmodel.TxStatusPending,
		Meta:            mergeMeta(nil, meta, OpDebitHold),
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	s.record(OpDebitHold, userID, reference, amount)
	return entry, nil
}

func (s *Service) DebitCommit(ctx context.Context, walletTransactionID int64) (*walletmodel.Transaction, error) {
	var out *walletmodel.Transaction
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.DebitCommitTx(tx, walletTransactionID)
		return err
	})
	return out, err
}

// DebitCommitTx confirms a held debit. The balance already moved at hold time.
func (s *Service) DebitCommitTx(tx *gorm.DB, walletTransactionID int64) (*walletmodel.Transaction, error) {
	entry, err := s.lockHold(tx, walletTransactionID)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case walletmodel.TxStatusSuccess:
		return entry, nil
	case walletmodel.TxStatusFailed:
		return nil, internal.ErrInvalidState.WithDetails(map[string]string{"reference": entry.Reference})
	}

	if err := tx.Model(entry).Update("status", walletmodel.TxStatusSuccess).Error; err != nil {
		return nil, err
	}
	entry.Status = walletmodel.TxStatusSuccess
	s.metrics.WalletMovement(OpDebitCommit)
	return entry, nil
}

// FailHoldTx marks a held debit failed without touching the balance; the
// caller pairs it with RefundTx in the same transaction.
func (s *Service) FailHoldTx(tx *gorm.DB, walletTransactionID int64) (*walletmodel.Transaction, error) {
	entry, err := s.lockHold(tx, walletTransactionID)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case walletmodel.TxStatusFailed:
		return entry, nil
	case walletmodel.TxStatusSuccess:
		return nil, internal.ErrInvalidState.WithDetails(map[string]string{"reference": entry.Reference})
	}

	if err := tx.Model(entry).Update("status", walletmodel.TxStatusFailed).Error; err != nil {
		return nil, err
	}
	entry.Status = walletmodel.TxStatusFailed
	s.metrics.WalletMovement(OpHoldFailed)
	return entry, nil
}

func (s *Service) lockHold(tx *gorm.DB, walletTransactionID int64) (*walletmodel.Transaction, error) {
	var entry walletmodel.Transaction
	if err := tx.First(&entry, walletTransactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrNotFound.WithCause(err)
		}
		return nil, err
	}
	if entry.Type != walletmodel.TypeDebit {
		return nil, internal.ErrInvalidState.WithDetails(map[string]string{"reference": entry.Reference})
	}
	if _, err := ledger.LockWallet(tx, entry.WalletAccountID); err != nil {
		return nil, err
	}
	// re-read under the account lock
	if err := tx.First(&entry, walletTransactionID).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) DebitForOrder(ctx context.Context, userID, orderID int64, orderType string, amount decimal.Decimal) (*DebitResult, error) {
	var out *DebitResult
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.DebitForOrderTx(tx, userID, orderID, orderType, amount)
		return err
	})
	return out, err
}

// DebitForOrderTx pays an order from the wallet. Bonus is only spendable on
// recharge orders and is consumed first; the rest must be covered by the
// spendable balance in full.
func (s *Service) DebitForOrderTx(tx *gorm.DB, userID, orderID int64, orderType string, amount decimal.Decimal) (*DebitResult, error) {
	if !amount.IsPositive() {
		return nil, internal.ErrInvalidAmount
	}
	if orderType == order.TypeWalletTopup {
		return nil, internal.NewBusinessError("wallet top-ups cannot be paid from the wallet", internal.ErrCodeInvalidState)
	}
	amount = amount.Round(2)

	account, err := ledger.LockWalletByUserID(tx, userID)
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			return nil, internal.ErrInsufficientFunds
		}
		return nil, err
	}

	reference := OrderPaymentReference(orderID)
	existing, err := findByReference(tx, reference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &DebitResult{
			Transaction: existing,
			FromBonus:   metaDecimal(existing.Meta, "from_bonus"),
			FromBalance: metaDecimal(existing.Meta, "from_balance"),
		}, nil
	}

	now := s.now()
	if account.DebitBlocked(now) {
		return nil, internal.ErrWalletBlocked
	}

	fromBonus := decimal.Zero
	if order.BonusEligible(orderType) {
		fromBonus = decimal.Min(account.UsableBonus(now), amount)
	}
	fromBalance := amount.Sub(fromBonus)
	if account.Balance.LessThan(fromBalance) {
		return nil, internal.ErrInsufficientFunds
	}

	account.Balance = account.Balance.Sub(fromBalance)
	account.BonusBalance = account.BonusBalance.Sub(fromBonus)
	if err := tx.Model(account).Updates(map[string]interface{}{
		"balance":       account.Balance,
		"bonus_balance": account.BonusBalance,
	}).Error; err != nil {
		return nil, err
	}

	m := mergeMeta(nil, map[string]interface{}{
		"order_id":     orderID,
		"order_type":   orderType,
		"from_bonus":   fromBonus.StringFixed(2),
		"from_balance": fromBalance.StringFixed(2),
	}, OpOrderDebit)
	entry := &walletmodel.Transaction{
		WalletAccountID: account.ID,
		Type:            walletmodel.TypeDebit,
		Amount:          amount,
		Reference:       reference,
		Status:          walletmodel.TxStatusSuccess,
		Meta:            m,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	s.record(OpOrderDebit, userID, reference, amount)
	return &DebitResult{Transaction: entry, FromBonus: fromBonus, FromBalance: fromBalance}, nil
}

// EnsureAccountTx returns the user's locked account, creating an empty one on
// first use.
func (s *Service) EnsureAccountTx(tx *gorm.DB, userID int64) (*walletmodel.Account, error) {
	account, err := ledger.LockWalletByUserID(tx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, internal.ErrNotFound) {
		return nil, err
	}

	fresh := walletmodel.Account{
		UserID:       userID,
		Balance:      decimal.Zero,
		BonusBalance: decimal.Zero,
		Currency:     s.currency,
		Status:       walletmodel.AccountStatusActive,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
		return nil, err
	}
	return ledger.LockWalletByUserID(tx, userID)
}

// Balance returns the user's account, or an empty active one if none exists yet.
func (s *Service) Balance(ctx context.Context, userID int64) (*walletmodel.Account, error) {
	var account walletmodel.Account
	err := s.store.DB().WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &walletmodel.Account{
			UserID:       userID,
			Balance:      decimal.Zero,
			BonusBalance: decimal.Zero,
			Currency:     s.currency,
			Status:       walletmodel.AccountStatusActive,
		}, nil
	}
	if err != nil {
		return nil, internal.NewInternalError("failed to load wallet", err)
	}
	return &account, nil
}

func (s *Service) History(ctx context.Context, userID int64, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := s.history.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return nil, internal.NewInternalError("failed to load wallet history", err)
	}
	return entries, nil
}

func (s *Service) record(op string, userID int64, reference string, amount decimal.Decimal) {
	s.metrics.WalletMovement(op)
	s.logger.Info("wallet movement",
		"operation", op,
		"user_id", userID,
		"reference", reference,
		"amount", amount.StringFixed(2))
}

func findByReference(tx *gorm.DB, reference string) (*walletmodel.Transaction, error) {
	var entry walletmodel.Transaction
	err := tx.Where("reference = ?", reference).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func mergeMeta(base datatypes.JSONMap, extra map[string]interface{}, op string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	out["operation"] = op
	return out
}

func metaDecimal(m datatypes.JSONMap, key string) decimal.Decimal {
	if s, ok := m[key].(string); ok {
		if d, err := decimal.NewFromString(s); err == nil {
			return d
		}
	}
	return decimal.Zero
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
