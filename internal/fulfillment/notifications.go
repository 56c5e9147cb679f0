package fulfillment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/gameshop-ledger/internal/core/events"
)

// SubscribeNotifications mails the payer on payment and payout outcomes.
func SubscribeNotifications(bus *events.EventBus, notifier Notifier, logger *slog.Logger) {
	bus.Subscribe(events.EventTypePaymentCompleted, func(ctx context.Context, e events.Event) error {
		ev, ok := e.(*events.PaymentCompletedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", e)
		}
		return notifier.Notify(ctx, ev.UserID, TemplatePaymentSuccess, map[string]interface{}{
			"order_id": ev.OrderID,
			"amount":   ev.Amount,
			"currency": ev.Currency,
		})
	})

	bus.Subscribe(events.EventTypePaymentFailed, func(ctx context.Context, e events.Event) error {
		ev, ok := e.(*events.PaymentFailedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", e)
		}
		return notifier.Notify(ctx, ev.UserID, TemplatePaymentFailed, map[string]interface{}{
			"order_id": ev.OrderID,
			"reason":   ev.FailureReason,
		})
	})

	payout := func(template string) events.Handler {
		return func(ctx context.Context, e events.Event) error {
			ev, ok := e.(*events.PayoutEvent)
			if !ok {
				return fmt.Errorf("unexpected event %T", e)
			}
			return notifier.Notify(ctx, ev.UserID, template, map[string]interface{}{
				"payout_id":   ev.PayoutID,
				"amount":      ev.Amount,
				"total_debit": ev.TotalDebit,
			})
		}
	}
	bus.Subscribe(events.EventTypePayoutSent, payout(TemplatePayoutSent))
	bus.Subscribe(events.EventTypePayoutFailed, payout(TemplatePayoutFailed))

	logger.Info("notification subscribers registered")
}
