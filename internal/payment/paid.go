package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	paymentmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"
	walletmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/wallet"
	guard "github.com/frahmantamala/gameshop-ledger/internal/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
	"github.com/frahmantamala/gameshop-ledger/internal/wallet"
)

// MarketplacePayload is the body of a marketplace.process job.
type MarketplacePayload struct {
	OrderID int64 `json:"order_id"`
}

// applyPaidOrderTx runs the side effects of a freshly paid order. Each one is
// claimed in the idempotency table inside tx, so a redelivery after a crash
// either sees the claim and skips, or finds nothing and redoes the work.
func (e *Engine) applyPaidOrderTx(ctx context.Context, tx *gorm.DB, o *order.Order, transactionID string) error {
	key := strconv.FormatInt(o.ID, 10)

	switch o.Type {
	case order.TypeWalletTopup:
		first, err := guard.Claim(tx, idempotency.ScopeWalletCredited, key)
		if err != nil || !first {
			return err
		}
		reference := wallet.TopupReference(o.ID)
		if o.WalletReference != nil && *o.WalletReference != "" {
			reference = *o.WalletReference
		}
		if _, err := e.wallet.CreditTx(tx, o.UserID, reference, o.TotalPrice, map[string]interface{}{
			"order_id":       o.ID,
			"transaction_id": transactionID,
		}); err != nil {
			return err
		}
		if e.referral != nil {
			if _, err := e.referral.RewardTx(tx, o.UserID, o.ID, o.TotalPrice); err != nil {
				return err
			}
		}
		return e.markFulfilled(tx, o)

	case order.TypePremiumSubscription:
		membership, err := e.premium.ActivateTx(tx, o)
		if err != nil {
			return err
		}
		if membership == nil {
			return nil
		}
		return e.markFulfilled(tx, o)

	case order.TypeMarketplace:
		first, err := guard.Claim(tx, idempotency.ScopeMarketplaceDispatched, key)
		if err != nil || !first {
			return err
		}
		return outbox.Write(tx, queue.TypeMarketplaceProcess, MarketplacePayload{OrderID: o.ID})

	default:
		return e.applyGoodsTx(ctx, tx, o, key)
	}
}

func (e *Engine) applyGoodsTx(ctx context.Context, tx *gorm.DB, o *order.Order, key string) error {
	first, err := guard.Claim(tx, idempotency.ScopeSalesRecorded, key)
	if err != nil {
		return err
	}
	if first {
		for _, it := range o.Items {
			if err := tx.Model(&order.Product{}).
				Where("id = ?", it.ProductID).
				Update("sales_count", gorm.Expr("sales_count + ?", it.Quantity)).Error; err != nil {
				return err
			}
		}
	}

	if o.HasPhysicalItems() && e.shipping != nil {
		first, err := guard.Claim(tx, idempotency.ScopeShippingComputed, key)
		if err != nil {
			return err
		}
		if first {
			data, err := e.shipping.Compute(ctx, o)
			if err != nil {
				return fmt.Errorf("failed to compute shipping for order %d: %w", o.ID, err)
			}
			raw, err := json.Marshal(data)
			if err != nil {
				return err
			}
			o.ShippingData = datatypes.JSON(raw)
			if err := tx.Model(o).Update("shipping_data", o.ShippingData).Error; err != nil {
				return err
			}
		}
	}

	first, err = guard.Claim(tx, idempotency.ScopeFulfillmentDispatched, key)
	if err != nil || !first {
		return err
	}
	return e.dispatcher.DispatchTx(tx, o)
}

func (e *Engine) markFulfilled(tx *gorm.DB, o *order.Order) error {
	now := e.now()
	o.Status = order.StatusFulfilled
	o.FulfilledAt = &now
	return tx.Model(o).Updates(map[string]interface{}{
		"status":       o.Status,
		"fulfilled_at": o.FulfilledAt,
	}).Error
}

func failPendingTopup(tx *gorm.DB, reference string) error {
	return tx.Model(&walletmodel.Transaction{}).
		Where("reference = ? AND status = ?", reference, walletmodel.TxStatusPending).
		Update("status", walletmodel.TxStatusFailed).Error
}

// PayWithWallet settles userID's order from their wallet and applies the same
// side effects as a provider payment. Paying an already paid order returns it
// unchanged.
func (e *Engine) PayWithWallet(ctx context.Context, userID, orderID int64) (*order.Order, error) {
	var (
		paid  *order.Order
		fresh bool
		pay   *paymentmodel.Payment
	)
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		fresh = false
		o, err := ledger.LockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return internal.ErrNotFound
		}
		paid = o
		if o.IsPaid() {
			return nil
		}
		if o.Status != order.StatusPaymentProcessing {
			return internal.ErrInvalidState.WithDetails(map[string]string{"status": o.Status})
		}

		debit, err := e.wallet.DebitForOrderTx(tx, o.UserID, o.ID, o.Type, o.TotalPrice)
		if err != nil {
			return err
		}

		now := e.now()
		pay = &paymentmodel.Payment{
			OrderID:       o.ID,
			TransactionID: wallet.OrderPaymentReference(o.ID),
			Method:        paymentmodel.MethodWallet,
			Status:        paymentmodel.StatusPaid,
			Amount:        o.TotalPrice,
			Currency:      o.Currency,
			CompletedAt:   &now,
		}
		detail, _ := json.Marshal(map[string]string{
			"wallet_transaction": debit.Transaction.Reference,
			"from_bonus":         debit.FromBonus.StringFixed(2),
			"from_balance":       debit.FromBalance.StringFixed(2),
		})
		if err := pay.AppendAudit(paymentmodel.AuditEntry{
			At:           now,
			Source:       paymentmodel.MethodWallet,
			Decision:     OutcomeCompleted,
			Verification: detail,
		}); err != nil {
			return err
		}
		if err := tx.Create(pay).Error; err != nil {
			return err
		}

		if err := e.markOrderPaid(tx, o, now); err != nil {
			return err
		}
		if err := e.applyPaidOrderTx(ctx, tx, o, pay.TransactionID); err != nil {
			return err
		}
		fresh = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if fresh {
		e.metrics.ReconcileOutcome(OutcomeCompleted)
		e.publish(ctx, &settlement{outcome: OutcomeCompleted, order: paid, payment: pay})
		e.logger.Info("order paid from wallet", "order_id", paid.ID, "user_id", userID, "amount", paid.TotalPrice.StringFixed(2))
	}
	return paid, nil
}
