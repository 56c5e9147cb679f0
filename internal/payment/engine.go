package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	paymentmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/gameshop-ledger/internal/core/events"
	"github.com/frahmantamala/gameshop-ledger/internal/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/metrics"
)

// ErrInFlight means another worker holds the reconciliation lock for the
// same transaction; the job is retried later.
var ErrInFlight = errors.New("reconciliation already in flight")

type Dependencies struct {
	Store      *ledger.Store
	Gateway    TransactionVerifier
	Wallet     WalletLedger
	Referral   ReferralRewarder
	Premium    PremiumActivator
	Dispatcher FulfillmentDispatcher
	Shipping   ShippingCalculator
	Locker     idempotency.InflightLocker
	EventBus   *events.EventBus
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type Engine struct {
	store      *ledger.Store
	gateway    TransactionVerifier
	wallet     WalletLedger
	referral   ReferralRewarder
	premium    PremiumActivator
	dispatcher FulfillmentDispatcher
	shipping   ShippingCalculator
	locker     idempotency.InflightLocker
	bus        *events.EventBus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	epsilon    decimal.Decimal
	now        func() time.Time
}

func NewEngine(deps Dependencies, config Config) *Engine {
	epsilon := config.AmountEpsilon
	if !epsilon.IsPositive() {
		epsilon = decimal.NewFromFloat(0.01)
	}
	locker := deps.Locker
	if locker == nil {
		locker = idempotency.NoopLocker{}
	}
	return &Engine{
		store:      deps.Store,
		gateway:    deps.Gateway,
		wallet:     deps.Wallet,
		referral:   deps.Referral,
		premium:    deps.Premium,
		dispatcher: deps.Dispatcher,
		shipping:   deps.Shipping,
		locker:     locker,
		bus:        deps.EventBus,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		epsilon:    epsilon,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile drives one provider event through verification and settlement.
// It returns nil for every handled or safely ignored outcome and an error only
// when the work should be retried.
func (e *Engine) Reconcile(ctx context.Context, ev Event) error {
	started := time.Now()
	defer e.metrics.ObserveReconcile(ev.Provider, started)

	log := e.logger.With("provider", ev.Provider, "transaction_id", ev.TransactionID, "event_id", ev.EventID)
	db := e.store.DB().WithContext(ctx)

	processed, err := idempotency.ProviderProcessed(db, ev.TransactionID)
	if err != nil {
		return internal.NewInternalError("failed to check provider idempotency", err)
	}
	if processed {
		log.Info("provider transaction already processed")
		e.metrics.ReconcileOutcome(OutcomeAlreadyProcessed)
		return nil
	}

	var pay paymentmodel.Payment
	err = db.Where("transaction_id = ?", ev.TransactionID).First(&pay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn("no local payment for provider transaction")
		e.metrics.ReconcileOutcome(OutcomeUnknown)
		return e.recordAttempt(db, &paymentmodel.Attempt{
			TransactionID: ev.TransactionID,
			Provider:      ev.Provider,
			Status:        paymentmodel.AttemptStatusFailed,
			Error:         strPtr(paymentmodel.AttemptErrorUnknownTransaction),
			Payload:       rawJSON(ev.Payload),
		})
	}
	if err != nil {
		return internal.NewInternalError("failed to load payment", err)
	}
	if idempotency.PaymentTerminal(&pay) {
		log.Info("payment already terminal", "payment_id", pay.ID, "status", pay.Status)
		e.metrics.ReconcileOutcome(OutcomeAlreadyProcessed)
		return nil
	}

	release, acquired, err := e.locker.Acquire(ctx, ev.Provider+":"+ev.TransactionID)
	if err != nil {
		log.Warn("in-flight lock unavailable, continuing without it", "error", err)
	} else if !acquired {
		return ErrInFlight
	} else {
		defer release()
	}

	verification, err := e.gateway.RetrieveTransaction(ctx, ev.Provider, ev.TransactionID)
	if errors.Is(err, internal.ErrUnknownTransaction) {
		log.Warn("provider does not know the transaction")
		e.metrics.ReconcileOutcome(OutcomeUnknown)
		return e.recordAttempt(db, &paymentmodel.Attempt{
			TransactionID: ev.TransactionID,
			Provider:      ev.Provider,
			PaymentID:     &pay.ID,
			OrderID:       &pay.OrderID,
			Status:        paymentmodel.AttemptStatusFailed,
			Error:         strPtr(paymentmodel.AttemptErrorUnknownTransaction),
			Payload:       rawJSON(ev.Payload),
		})
	}
	if err != nil {
		return err
	}

	switch {
	case verification.Status == gatewaytypes.StatusPending:
		e.metrics.ReconcileOutcome(OutcomePending)
		return e.markPending(ctx, ev, &pay, verification)
	case e.amountMismatch(&pay, verification):
		log.Warn("provider amount does not match payment",
			"payment_id", pay.ID,
			"expected", pay.Amount.StringFixed(2),
			"reported", verification.Amount.Decimal.StringFixed(2),
			"currency", verification.Currency)
		e.metrics.ReconcileOutcome(OutcomeAmountMismatch)
		return e.rejectMismatch(ctx, ev, &pay, verification)
	}

	result, err := e.settle(ctx, ev, pay.ID, verification)
	if err != nil {
		return err
	}
	e.metrics.ReconcileOutcome(result.outcome)
	e.publish(ctx, result)
	log.Info("payment reconciled", "payment_id", pay.ID, "order_id", pay.OrderID, "outcome", result.outcome)
	return nil
}

func (e *Engine) amountMismatch(pay *paymentmodel.Payment, v *gatewaytypes.Verification) bool {
	if v.Currency != "" && pay.Currency != "" && v.Currency != pay.Currency {
		return true
	}
	if !v.Amount.Valid {
		return false
	}
	return v.Amount.Decimal.Sub(pay.Amount).Abs().GreaterThan(e.epsilon)
}

func (e *Engine) markPending(ctx context.Context, ev Event, pay *paymentmodel.Payment, v *gatewaytypes.Verification) error {
	return e.store.Transaction(ctx, func(tx *gorm.DB) error {
		if pay.Status == paymentmodel.StatusInitiated {
			if err := tx.Model(&paymentmodel.Payment{}).
				Where("id = ? AND status = ?", pay.ID, paymentmodel.StatusInitiated).
				Update("status", paymentmodel.StatusPending).Error; err != nil {
				return err
			}
		}
		return e.recordAttempt(tx, attemptFor(ev, pay, v, paymentmodel.AttemptStatusPending, ""))
	})
}

func (e *Engine) rejectMismatch(ctx context.Context, ev Event, pay *paymentmodel.Payment, v *gatewaytypes.Verification) error {
	return e.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := ledger.LockPayment(tx, pay.ID)
		if err != nil {
			return err
		}
		if !locked.IsTerminal() {
			if err := e.audit(locked, ev, v, OutcomeAmountMismatch); err != nil {
				return err
			}
			if err := tx.Model(locked).Update("webhook_data", locked.WebhookData).Error; err != nil {
				return err
			}
		}
		return e.recordAttempt(tx, attemptFor(ev, pay, v, paymentmodel.AttemptStatusFailed, paymentmodel.AttemptErrorAmountMismatch))
	})
}

type settlement struct {
	outcome string
	order   *order.Order
	payment *paymentmodel.Payment
	reason  string
}

// settle applies a completed or failed verification in one transaction with
// the payment, order and wallet rows locked in that order.
func (e *Engine) settle(ctx context.Context, ev Event, paymentID int64, v *gatewaytypes.Verification) (*settlement, error) {
	result := &settlement{}
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		*result = settlement{}

		pay, err := ledger.LockPayment(tx, paymentID)
		if err != nil {
			return err
		}
		if pay.IsTerminal() {
			result.outcome = OutcomeAlreadyProcessed
			return nil
		}

		o, err := ledger.LockOrder(tx, pay.OrderID)
		if err != nil {
			return err
		}
		result.order, result.payment = o, pay

		now := e.now()
		if v.Status == gatewaytypes.StatusFailed {
			result.outcome = OutcomeFailed
			result.reason = v.ProviderStatus
			return e.applyFailure(tx, ev, pay, o, v, now)
		}

		if err := e.audit(pay, ev, v, OutcomeCompleted); err != nil {
			return err
		}
		pay.Status = paymentmodel.StatusCompleted
		pay.CompletedAt = &now
		if err := tx.Model(pay).Updates(map[string]interface{}{
			"status":       pay.Status,
			"completed_at": pay.CompletedAt,
			"webhook_data": pay.WebhookData,
		}).Error; err != nil {
			return err
		}

		if o.Status != order.StatusPaymentProcessing {
			// money arrived for an order another payment already moved on
			e.logger.Error("payment completed for an order no longer awaiting payment",
				"order_id", o.ID,
				"order_status", o.Status,
				"payment_id", pay.ID,
				"transaction_id", pay.TransactionID)
			result.outcome = OutcomeSettledElsewhere
			return e.recordAttempt(tx, attemptFor(ev, pay, v, paymentmodel.AttemptStatusSuccess, ""))
		}

		if err := e.markOrderPaid(tx, o, now); err != nil {
			return err
		}
		if err := e.applyPaidOrderTx(ctx, tx, o, pay.TransactionID); err != nil {
			return err
		}

		result.outcome = OutcomeCompleted
		return e.recordAttempt(tx, attemptFor(ev, pay, v, paymentmodel.AttemptStatusSuccess, ""))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) applyFailure(tx *gorm.DB, ev Event, pay *paymentmodel.Payment, o *order.Order, v *gatewaytypes.Verification, now time.Time) error {
	if err := e.audit(pay, ev, v, OutcomeFailed); err != nil {
		return err
	}
	pay.Status = paymentmodel.StatusFailed
	if err := tx.Model(pay).Updates(map[string]interface{}{
		"status":       pay.Status,
		"webhook_data": pay.WebhookData,
	}).Error; err != nil {
		return err
	}

	if o.Status == order.StatusPaymentProcessing {
		o.Status = order.StatusPaymentFailed
		if err := tx.Model(o).Update("status", o.Status).Error; err != nil {
			return err
		}
		if o.Type == order.TypeWalletTopup && o.WalletReference != nil {
			if err := failPendingTopup(tx, *o.WalletReference); err != nil {
				return err
			}
		}
	}

	return e.recordAttempt(tx, attemptFor(ev, pay, v, paymentmodel.AttemptStatusFailed, paymentmodel.AttemptErrorProviderFailed))
}

func (e *Engine) markOrderPaid(tx *gorm.DB, o *order.Order, now time.Time) error {
	o.Status = order.StatusPaymentSuccess
	o.PaidAt = &now
	return tx.Model(o).Updates(map[string]interface{}{
		"status":  o.Status,
		"paid_at": o.PaidAt,
	}).Error
}

func (e *Engine) audit(pay *paymentmodel.Payment, ev Event, v *gatewaytypes.Verification, decision string) error {
	entry := paymentmodel.AuditEntry{
		At:       e.now(),
		Source:   ev.Provider,
		Decision: decision,
		Webhook:  ev.Payload,
	}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal verification: %w", err)
		}
		entry.Verification = raw
	}
	return pay.AppendAudit(entry)
}

func (e *Engine) publish(ctx context.Context, s *settlement) {
	if s.order == nil || s.payment == nil {
		return
	}
	switch s.outcome {
	case OutcomeCompleted:
		_ = e.bus.Publish(ctx, events.NewPaymentCompletedEvent(
			s.order.ID, s.order.UserID, s.order.Type, s.payment.TransactionID,
			s.payment.Amount.StringFixed(2), s.payment.Currency))
	case OutcomeFailed:
		_ = e.bus.Publish(ctx, events.NewPaymentFailedEvent(
			s.order.ID, s.order.UserID, s.payment.TransactionID, s.reason))
	}
}

func strPtr(s string) *string {
	return &s
}
