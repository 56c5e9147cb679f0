// Package fulfillment is the boundary to delivery: paid orders are handed off
// through the outbox and delivered by a job handler that calls out to the
// storefront's allocators, deliverers and mailers.
package fulfillment

import (
	"context"
	"log/slog"

	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	"github.com/frahmantamala/gameshop-ledger/internal/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

// Email templates queued through the Notifier.
const (
	TemplateOrderFulfilled = "order_fulfilled"
	TemplateAwaitingStock  = "order_awaiting_stock"
	TemplatePaymentSuccess = "payment_success"
	TemplatePaymentFailed  = "payment_failed"
	TemplatePayoutSent     = "payout_sent"
	TemplatePayoutFailed   = "payout_failed"
)

// ShippingCalculator computes shipping metadata for an order with physical items.
type ShippingCalculator interface {
	Compute(ctx context.Context, o *order.Order) (map[string]interface{}, error)
}

// RedeemAllocator reserves redeem codes for a redeem order. It returns
// internal.ErrStockDepleted when a denomination is out of codes. Reservations
// are keyed on the order ID so a retried call hands back the same codes.
type RedeemAllocator interface {
	Allocate(ctx context.Context, o *order.Order) ([]string, error)
}

// Deliverer hands a non-redeem order over to whoever ships or transfers it,
// keyed on the order ID.
type Deliverer interface {
	Deliver(ctx context.Context, o *order.Order) error
}

// Notifier renders and queues an email for a user.
type Notifier interface {
	Notify(ctx context.Context, userID int64, template string, data map[string]interface{}) error
}

// DeliverPayload is the body of a fulfillment.deliver job.
type DeliverPayload struct {
	OrderID int64 `json:"order_id"`
}

type Dispatcher struct{}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// DispatchTx schedules delivery of o in the caller's transaction so the task
// exists if and only if the transaction commits.
func (d *Dispatcher) DispatchTx(tx *gorm.DB, o *order.Order) error {
	return outbox.Write(tx, queue.TypeFulfillmentDeliver, DeliverPayload{OrderID: o.ID})
}

// LogShipping is the default ShippingCalculator: a flat standard shipment.
type LogShipping struct {
	Logger *slog.Logger
}

func (l LogShipping) Compute(ctx context.Context, o *order.Order) (map[string]interface{}, error) {
	physical := 0
	for _, it := range o.Items {
		if it.IsPhysical {
			physical += it.Quantity
		}
	}
	l.Logger.Info("shipping computed", "order_id", o.ID, "physical_units", physical)
	return map[string]interface{}{
		"method":         "standard",
		"physical_units": physical,
	}, nil
}

// LogAllocator is the default RedeemAllocator. It allocates nothing.
type LogAllocator struct {
	Logger *slog.Logger
}

func (l LogAllocator) Allocate(ctx context.Context, o *order.Order) ([]string, error) {
	l.Logger.Info("redeem allocation requested", "order_id", o.ID, "items", len(o.Items))
	return nil, nil
}

type LogDeliverer struct {
	Logger *slog.Logger
}

func (l LogDeliverer) Deliver(ctx context.Context, o *order.Order) error {
	l.Logger.Info("delivery requested", "order_id", o.ID, "order_type", o.Type)
	return nil
}

type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, userID int64, template string, data map[string]interface{}) error {
	l.Logger.Info("notification queued", "user_id", userID, "template", template)
	return nil
}
