package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	guard "github.com/frahmantamala/gameshop-ledger/internal/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

type Handler struct {
	store     *ledger.Store
	allocator RedeemAllocator
	deliverer Deliverer
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewHandler(store *ledger.Store, allocator RedeemAllocator, deliverer Deliverer, notifier Notifier, logger *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		allocator: allocator,
		deliverer: deliverer,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes a fulfillment.deliver job.
func (h *Handler) Handle(ctx context.Context, job queue.Job) error {
	var payload DeliverPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	return h.Deliver(ctx, payload.OrderID)
}

// ErrDeliveryInProgress means another worker holds the order's delivery
// lease. The job is retried and finds the order fulfilled or free.
var ErrDeliveryInProgress = errors.New("delivery already in progress")

const deliveryLease = 10 * time.Minute

// Deliver fulfills a paid order. Redeem orders that run out of stock are
// parked in paid_pending_stock; everything else ends up fulfilled. The
// allocator or deliverer is called only by the worker holding the order's
// delivery lease, so concurrent runs of the same job call out once.
func (h *Handler) Deliver(ctx context.Context, orderID int64) error {
	o, err := h.begin(ctx, orderID)
	if err != nil || o == nil {
		return err
	}

	var codes []string
	if o.Type == order.TypeRedeem {
		codes, err = h.allocator.Allocate(ctx, o)
		if errors.Is(err, internal.ErrStockDepleted) {
			return h.park(ctx, o)
		}
		if err != nil {
			return h.abandon(ctx, o.ID, err)
		}
	} else if err := h.deliverer.Deliver(ctx, o); err != nil {
		return h.abandon(ctx, o.ID, err)
	}

	done, err := h.markFulfilled(ctx, o.ID, codes)
	if err != nil || !done {
		return err
	}

	h.logger.Info("order fulfilled", "order_id", o.ID, "order_type", o.Type, "codes", len(codes))
	if err := h.notifier.Notify(ctx, o.UserID, TemplateOrderFulfilled, map[string]interface{}{
		"order_id": o.ID,
		"codes":    codes,
	}); err != nil {
		h.logger.Warn("fulfillment notification failed", "order_id", o.ID, "error", err)
	}
	return nil
}

// RequeueParked schedules delivery again for up to limit orders parked in
// paid_pending_stock, e.g. after a restock.
func (h *Handler) RequeueParked(ctx context.Context, limit int) (int, error) {
	var parked []order.Order
	err := h.store.DB().WithContext(ctx).
		Select("id").
		Where("status = ?", order.StatusPaidPendingStock).
		Order("id").
		Limit(limit).
		Find(&parked).Error
	if err != nil || len(parked) == 0 {
		return 0, err
	}

	err = h.store.Transaction(ctx, func(tx *gorm.DB) error {
		for i := range parked {
			if err := outbox.Write(tx, queue.TypeFulfillmentDeliver, DeliverPayload{OrderID: parked[i].ID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	h.logger.Info("parked orders requeued", "count", len(parked))
	return len(parked), nil
}

// begin checks the order under its row lock and takes the delivery lease in
// one committed transaction. A nil order with a nil error means there is
// nothing left to do.
func (h *Handler) begin(ctx context.Context, orderID int64) (*order.Order, error) {
	var o *order.Order
	err := h.store.Transaction(ctx, func(tx *gorm.DB) error {
		o = nil
		locked, err := ledger.LockOrder(tx, orderID)
		if errors.Is(err, internal.ErrNotFound) {
			return queue.Permanent(err)
		}
		if err != nil {
			return err
		}
		if locked.Status == order.StatusFulfilled {
			return nil
		}
		if !locked.IsPaid() {
			return queue.Permanent(internal.ErrInvalidState.WithDetails(map[string]string{
				"order_id": fmt.Sprint(locked.ID),
				"status":   locked.Status,
			}))
		}

		ok, err := guard.Lease(tx, idempotency.ScopeFulfillmentDelivering, deliveryKey(locked.ID), deliveryLease, h.now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeliveryInProgress
		}
		o = locked
		return nil
	})
	return o, err
}

// abandon gives the lease back after a failed call out and returns cause.
func (h *Handler) abandon(ctx context.Context, orderID int64, cause error) error {
	err := h.store.Transaction(ctx, func(tx *gorm.DB) error {
		return guard.Release(tx, idempotency.ScopeFulfillmentDelivering, deliveryKey(orderID))
	})
	if err != nil {
		h.logger.Error("failed to release delivery lease", "order_id", orderID, "error", err)
	}
	return cause
}

func (h *Handler) markFulfilled(ctx context.Context, orderID int64, codes []string) (bool, error) {
	done := false
	err := h.store.Transaction(ctx, func(tx *gorm.DB) error {
		o, err := ledger.LockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.Status == order.StatusFulfilled {
			return nil
		}
		now := h.now()
		updates := map[string]interface{}{
			"status":       order.StatusFulfilled,
			"fulfilled_at": now,
		}
		if len(codes) > 0 {
			updates["delivery_data"] = datatypes.JSONMap{"redeem_codes": codes}
		}
		if err := tx.Model(o).Updates(updates).Error; err != nil {
			return err
		}
		done = true
		return guard.Release(tx, idempotency.ScopeFulfillmentDelivering, deliveryKey(orderID))
	})
	return done, err
}

func (h *Handler) park(ctx context.Context, o *order.Order) error {
	parked := false
	err := h.store.Transaction(ctx, func(tx *gorm.DB) error {
		parked = false
		locked, err := ledger.LockOrder(tx, o.ID)
		if err != nil {
			return err
		}
		if locked.Status == order.StatusPaymentSuccess {
			if err := tx.Model(locked).Update("status", order.StatusPaidPendingStock).Error; err != nil {
				return err
			}
			parked = true
		}
		return guard.Release(tx, idempotency.ScopeFulfillmentDelivering, deliveryKey(o.ID))
	})
	if err != nil || !parked {
		return err
	}

	h.logger.Warn("redeem stock depleted, order parked", "order_id", o.ID)
	if err := h.notifier.Notify(ctx, o.UserID, TemplateAwaitingStock, map[string]interface{}{"order_id": o.ID}); err != nil {
		h.logger.Warn("stock notification failed", "order_id", o.ID, "error", err)
	}
	return nil
}

func deliveryKey(orderID int64) string {
	return "order:" + strconv.FormatInt(orderID, 10)
}
