package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/core/common/validation"
	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
	payoutmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payout"
	"github.com/frahmantamala/gameshop-ledger/internal/core/events"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/metrics"
	"github.com/frahmantamala/gameshop-ledger/internal/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/paymentgateway"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

type Service struct {
	store    *ledger.Store
	transfer Transferer
	wallet   WalletHolder
	bus      *events.EventBus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	config   Config
	now      func() time.Time
	newKey   func() string
}

func NewService(store *ledger.Store, transfer Transferer, wallet WalletHolder, bus *events.EventBus, m *metrics.Metrics, config Config, logger *slog.Logger) *Service {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Currency == "" {
		config.Currency = "XOF"
	}
	return &Service{
		store:    store,
		transfer: transfer,
		wallet:   wallet,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		config:   config,
		now:      func() time.Time { return time.Now().UTC() },
		newKey:   func() string { return ulid.Make().String() },
	}
}

// Fee returns the payout fee charged on top of amount.
func (s *Service) Fee(amount decimal.Decimal) decimal.Decimal {
	if !s.config.FeeRate.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(s.config.FeeRate).Round(2)
}

// Request holds amount plus fee on the user's wallet and schedules the
// transfer. The hold, the payout row and the job are committed together.
func (s *Service) Request(ctx context.Context, userID int64, req Request) (*payoutmodel.Payout, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, internal.ErrInvalidAmount
	}
	fee := s.Fee(amount)
	total := amount.Add(fee)
	key := s.newKey()

	var p *payoutmodel.Payout
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		hold, err := s.wallet.DebitHoldTx(tx, userID, HoldReference(key), total, map[string]interface{}{
			"payout_key": key,
			"amount":     amount.StringFixed(2),
			"fee":        fee.StringFixed(2),
		})
		if err != nil {
			return err
		}

		p = &payoutmodel.Payout{
			WalletAccountID:     hold.WalletAccountID,
			UserID:              userID,
			WalletTransactionID: hold.ID,
			Amount:              amount,
			Fee:                 fee,
			TotalDebit:          total,
			Phone:               strings.TrimSpace(req.Phone),
			Country:             strings.ToUpper(req.Country),
			Provider:            s.config.Provider,
			Status:              payoutmodel.StatusProcessing,
			IdempotencyKey:      key,
		}
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		return outbox.Write(tx, queue.TypePayoutProcess, ProcessPayload{PayoutID: p.ID})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.PayoutStatus(payoutmodel.StatusProcessing)
	s.logger.Info("payout requested",
		"payout_id", p.ID,
		"user_id", userID,
		"amount", amount.StringFixed(2),
		"total_debit", total.StringFixed(2),
		"idempotency_key", key)
	return p, nil
}

// Get returns userID's payout. Other users' payouts are reported as missing.
func (s *Service) Get(ctx context.Context, userID, payoutID int64) (*payoutmodel.Payout, error) {
	var p payoutmodel.Payout
	err := s.store.DB().WithContext(ctx).Where("id = ? AND user_id = ?", payoutID, userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrNotFound
	}
	if err != nil {
		return nil, internal.NewInternalError("failed to load payout", err)
	}
	return &p, nil
}

// Process makes one transfer attempt. A failed attempt returns a retriable
// error until the attempt budget is spent; the last one fails the payout and
// refunds the hold. Pending responses are not attempts: once the provider has
// accepted the transfer, only a provider decline can fail the payout, and
// later runs re-send the same key to learn its outcome.
func (s *Service) Process(ctx context.Context, payoutID int64) error {
	var p payoutmodel.Payout
	err := s.store.DB().WithContext(ctx).First(&p, payoutID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return queue.Permanent(fmt.Errorf("payout %d not found", payoutID))
	}
	if err != nil {
		return err
	}
	log := s.logger.With("payout_id", p.ID, "idempotency_key", p.IdempotencyKey, "attempt", p.Attempts+1)
	if p.IsTerminal() {
		log.Info("payout already final", "status", p.Status)
		return nil
	}
	if p.Attempts >= s.config.MaxAttempts {
		accepted, err := acceptedByProvider(s.store.DB().WithContext(ctx), p.ID)
		if err != nil {
			return err
		}
		if !accepted {
			return s.recordFailure(ctx, p.ID, "attempts exhausted", nil, true, false)
		}
	}

	result, err := s.transfer.Transfer(ctx, &gatewaytypes.TransferRequest{
		Amount:         p.Amount,
		Currency:       s.config.Currency,
		Phone:          p.Phone,
		Country:        p.Country,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		log.Warn("transfer call failed", "error", err)
		final := false
		if appErr, ok := internal.IsAppError(err); ok && appErr.Type == internal.ErrorTypeValidation {
			final = true
		}
		return s.recordFailure(ctx, p.ID, err.Error(), nil, final, false)
	}

	switch result.Status {
	case gatewaytypes.TransferSuccess:
		return s.markSent(ctx, p.ID, result.ProviderRef, result.Raw)
	case gatewaytypes.TransferFailed:
		log.Warn("transfer declined", "reason", result.Reason)
		return s.recordFailure(ctx, p.ID, result.Reason, result.Raw, false, true)
	default:
		// accepted but not settled; the provider callback finalizes it
		log.Info("transfer pending", "provider_ref", result.ProviderRef)
		return s.store.Transaction(ctx, func(tx *gorm.DB) error {
			updates := map[string]interface{}{"updated_at": s.now()}
			if result.ProviderRef != "" {
				updates["provider_ref"] = result.ProviderRef
			}
			if err := tx.Model(&payoutmodel.Payout{}).Where("id = ? AND status = ?", p.ID, payoutmodel.StatusProcessing).Updates(updates).Error; err != nil {
				return err
			}
			return appendEvent(tx, p.ID, payoutmodel.EventSourceTransfer, string(gatewaytypes.TransferPending), result.ProviderRef, result.Raw)
		})
	}
}

// HandleJob processes a payout.process job.
func (s *Service) HandleJob(ctx context.Context, job queue.Job) error {
	var payload ProcessPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if payload.PayoutID == 0 {
		return queue.Permanent(errors.New("payout job without payout id"))
	}
	return s.Process(ctx, payload.PayoutID)
}

// HandleCallback records a provider notification and finalizes a payout that
// is still processing. Callbacks on final payouts are kept for audit only.
func (s *Service) HandleCallback(ctx context.Context, cb Callback, raw []byte) error {
	key := cb.Key()
	if key == "" {
		return internal.NewValidationError("callback carries no payout reference", internal.ErrCodeValidationFailed)
	}
	status := paymentgateway.NormalizeTransferStatus(cb.Status)
	log := s.logger.With("idempotency_key", key, "callback_status", status)

	var (
		p       *payoutmodel.Payout
		outcome string
	)
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		outcome = ""
		var found payoutmodel.Payout
		if err := tx.Select("id").Where("idempotency_key = ?", key).First(&found).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return internal.ErrNotFound
			}
			return err
		}
		locked, err := ledger.LockPayout(tx, found.ID)
		if err != nil {
			return err
		}
		p = locked

		if err := appendEvent(tx, p.ID, payoutmodel.EventSourceCallback, string(status), cb.ProviderRef, raw); err != nil {
			return err
		}

		if p.IsTerminal() {
			if (p.Status == payoutmodel.StatusSent && status == gatewaytypes.TransferFailed) ||
				(p.Status == payoutmodel.StatusFailed && status == gatewaytypes.TransferSuccess) {
				log.Error("conflicting callback for final payout", "payout_id", p.ID, "payout_status", p.Status)
			}
			return nil
		}

		switch status {
		case gatewaytypes.TransferSuccess:
			outcome = payoutmodel.StatusSent
			return s.sentTx(tx, p, cb.ProviderRef, false)
		case gatewaytypes.TransferFailed:
			outcome = payoutmodel.StatusFailed
			return s.failTx(tx, p, firstNonEmpty(cb.Reason, "declined by provider"), false)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.finalized(ctx, p, outcome)
	log.Info("payout callback handled", "payout_id", p.ID, "outcome", outcome)
	return nil
}

// Requeue schedules another attempt for payouts left processing since before
// cutoff, e.g. after their job ran out of queue retries or while the provider
// still reports the transfer pending.
func (s *Service) Requeue(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []payoutmodel.Payout
	err := s.store.DB().WithContext(ctx).
		Select("id").
		Where("status = ? AND updated_at < ?", payoutmodel.StatusProcessing, cutoff).
		Order("id").
		Limit(100).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, p := range stale {
			if err := tx.Model(&payoutmodel.Payout{}).Where("id = ?", p.ID).Update("updated_at", s.now()).Error; err != nil {
				return err
			}
			if err := outbox.Write(tx, queue.TypePayoutProcess, ProcessPayload{PayoutID: p.ID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Warn("stale payouts requeued", "count", len(stale))
	return len(stale), nil
}

func (s *Service) markSent(ctx context.Context, payoutID int64, providerRef string, raw []byte) error {
	var p *payoutmodel.Payout
	sent := false
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		sent = false
		locked, err := ledger.LockPayout(tx, payoutID)
		if err != nil {
			return err
		}
		p = locked
		if err := appendEvent(tx, p.ID, payoutmodel.EventSourceTransfer, string(gatewaytypes.TransferSuccess), providerRef, raw); err != nil {
			return err
		}
		if p.IsTerminal() {
			if p.Status == payoutmodel.StatusFailed {
				s.logger.Error("transfer succeeded for a payout already refunded", "payout_id", p.ID, "provider_ref", providerRef)
			}
			return nil
		}
		sent = true
		return s.sentTx(tx, p, providerRef, true)
	})
	if err != nil {
		return err
	}
	if sent {
		s.finalized(ctx, p, payoutmodel.StatusSent)
	}
	return nil
}

// recordFailure counts a failed attempt. declined marks a definitive provider
// answer; anything else on a transfer the provider already accepted is logged
// and retried without touching the budget.
func (s *Service) recordFailure(ctx context.Context, payoutID int64, reason string, raw []byte, final, declined bool) error {
	var p *payoutmodel.Payout
	failed, retry := false, false
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		failed, retry = false, false
		locked, err := ledger.LockPayout(tx, payoutID)
		if err != nil {
			return err
		}
		p = locked
		if p.IsTerminal() {
			return nil
		}
		if !declined {
			accepted, err := acceptedByProvider(tx, p.ID)
			if err != nil {
				return err
			}
			if accepted {
				retry = true
				if err := appendEvent(tx, p.ID, payoutmodel.EventSourceTransfer, eventUnreachable, "", eventPayload(raw, reason)); err != nil {
					return err
				}
				return tx.Model(p).Update("last_error", reason).Error
			}
		}
		if err := appendEvent(tx, p.ID, payoutmodel.EventSourceTransfer, string(gatewaytypes.TransferFailed), "", eventPayload(raw, reason)); err != nil {
			return err
		}

		if final || p.Attempts+1 >= s.config.MaxAttempts {
			failed = true
			return s.failTx(tx, p, reason, true)
		}
		retry = true
		return tx.Model(p).Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
	})
	if err != nil {
		return err
	}

	if failed {
		s.finalized(ctx, p, payoutmodel.StatusFailed)
		return nil
	}
	if retry {
		s.metrics.PayoutStatus("retry")
		return internal.ErrTransferFailed.WithCause(errors.New(reason))
	}
	return nil
}

// sentTx marks p sent and commits its wallet hold.
func (s *Service) sentTx(tx *gorm.DB, p *payoutmodel.Payout, providerRef string, countAttempt bool) error {
	now := s.now()
	updates := map[string]interface{}{
		"status":  payoutmodel.StatusSent,
		"sent_at": now,
	}
	if providerRef != "" {
		updates["provider_ref"] = providerRef
	}
	if countAttempt {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	if err := tx.Model(p).Updates(updates).Error; err != nil {
		return err
	}
	p.Status = payoutmodel.StatusSent
	p.SentAt = &now

	_, err := s.wallet.DebitCommitTx(tx, p.WalletTransactionID)
	return err
}

// failTx marks p failed and gives back the whole hold. The refund reference
// is derived from the payout key, so at most one refund exists per payout.
func (s *Service) failTx(tx *gorm.DB, p *payoutmodel.Payout, reason string, countAttempt bool) error {
	now := s.now()
	updates := map[string]interface{}{
		"status":     payoutmodel.StatusFailed,
		"failed_at":  now,
		"last_error": reason,
	}
	if countAttempt {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	if err := tx.Model(p).Updates(updates).Error; err != nil {
		return err
	}
	p.Status = payoutmodel.StatusFailed
	p.FailedAt = &now
	p.LastError = &reason

	if _, err := s.wallet.FailHoldTx(tx, p.WalletTransactionID); err != nil {
		return err
	}
	refund, err := s.wallet.RefundTx(tx, p.UserID, RefundReference(p.IdempotencyKey), p.TotalDebit, map[string]interface{}{
		"payout_id": p.ID,
		"reason":    reason,
	})
	if err != nil {
		return err
	}
	return appendEvent(tx, p.ID, payoutmodel.EventSourceRefund, payoutmodel.StatusFailed, "", eventPayload(nil, refund.Reference))
}

func (s *Service) finalized(ctx context.Context, p *payoutmodel.Payout, status string) {
	if p == nil || status == "" {
		return
	}
	s.metrics.PayoutStatus(status)

	eventType := events.EventTypePayoutSent
	reason := ""
	if status == payoutmodel.StatusFailed {
		eventType = events.EventTypePayoutFailed
		if p.LastError != nil {
			reason = *p.LastError
		}
		s.logger.Warn("payout failed and refunded", "payout_id", p.ID, "user_id", p.UserID, "total_debit", p.TotalDebit.StringFixed(2), "reason", reason)
	} else {
		s.logger.Info("payout sent", "payout_id", p.ID, "user_id", p.UserID, "amount", p.Amount.StringFixed(2))
	}
	_ = s.bus.Publish(ctx, events.NewPayoutEvent(eventType, p.ID, p.UserID, p.Amount.StringFixed(2), p.TotalDebit.StringFixed(2), reason))
}

// eventUnreachable records a transfer call that got no answer after the
// provider had accepted the payout.
const eventUnreachable = "unreachable"

// acceptedByProvider reports whether the provider ever answered pending for
// the payout, on the transfer call or through a callback.
func acceptedByProvider(tx *gorm.DB, payoutID int64) (bool, error) {
	var n int64
	err := tx.Model(&payoutmodel.Event{}).
		Where("payout_id = ? AND status = ? AND source IN ?", payoutID, string(gatewaytypes.TransferPending),
			[]string{payoutmodel.EventSourceTransfer, payoutmodel.EventSourceCallback}).
		Count(&n).Error
	return n > 0, err
}

func appendEvent(tx *gorm.DB, payoutID int64, source, status, providerRef string, raw []byte) error {
	payload := datatypes.JSON("{}")
	if len(raw) > 0 && json.Valid(raw) {
		payload = datatypes.JSON(raw)
	}
	return tx.Create(&payoutmodel.Event{
		PayoutID:    payoutID,
		Source:      source,
		Status:      status,
		ProviderRef: nullable(providerRef),
		Payload:     payload,
	}).Error
}

func eventPayload(raw []byte, note string) []byte {
	if len(raw) > 0 && json.Valid(raw) {
		return raw
	}
	out, _ := json.Marshal(map[string]string{"note": note})
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
