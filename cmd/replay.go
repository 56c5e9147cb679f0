package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	ordermodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	paymentmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay unprocessed provider webhooks",
	Long:  `Re-run reconciliation for stored webhook events that were never marked processed, e.g. after an outage of the queue. With --parked-orders it re-drives delivery of orders parked for stock instead`,
	Run: func(cmd *cobra.Command, args []string) {
		replayWebhooks()
	},
}

var (
	replaySince       time.Duration
	replayProvider    string
	replayTransaction string
	replayLimit       int
	replayInline      bool
	replayParked      bool
)

func init() {
	replayCmd.Flags().DurationVar(&replaySince, "since", 24*time.Hour, "only events received within this window")
	replayCmd.Flags().StringVar(&replayProvider, "provider", "", "only events of this provider")
	replayCmd.Flags().StringVar(&replayTransaction, "transaction", "", "only events of this provider transaction id")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 500, "maximum number of events to replay")
	replayCmd.Flags().BoolVar(&replayInline, "inline", false, "reconcile in this process instead of enqueueing")
	replayCmd.Flags().BoolVar(&replayParked, "parked-orders", false, "re-drive delivery of orders parked in paid_pending_stock")
}

func replayWebhooks() {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Queue.Driver == "memory" && !replayInline && !replayParked {
		fmt.Fprintln(os.Stderr, "memory queue is not shared with running workers; use --inline")
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := buildApplication(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()
	lg := app.Logger

	if replayParked {
		replayParkedOrders(ctx, app)
		return
	}

	query := app.DB.WithContext(ctx).
		Where("processed_at IS NULL AND created_at >= ?", time.Now().UTC().Add(-replaySince)).
		Order("id").
		Limit(replayLimit)
	if replayProvider != "" {
		query = query.Where("provider = ?", replayProvider)
	}
	if replayTransaction != "" {
		query = query.Where("transaction_id = ?", replayTransaction)
	}

	var stored []paymentmodel.WebhookEvent
	if err := query.Find(&stored).Error; err != nil {
		lg.Error("failed to load webhook events", "error", err)
		os.Exit(1)
	}

	replayed, failed := 0, 0
	for _, row := range stored {
		ev := payment.Event{
			Provider:      row.Provider,
			EventID:       row.EventID,
			EventName:     row.EventName,
			TransactionID: row.TransactionID,
			Payload:       json.RawMessage(row.Payload),
		}

		if !replayInline {
			err = payment.EnqueueReconcile(ctx, app.Queue, ev, row.ID)
		} else {
			var job queue.Job
			job, err = queue.NewJob(queue.TypePaymentReconcile, payment.ReconcileJob{Event: ev, WebhookEventID: row.ID})
			if err == nil {
				err = app.Engine.HandleJob(ctx, job)
			}
		}
		if err != nil {
			failed++
			lg.Error("webhook replay failed", "webhook_event_id", row.ID, "transaction_id", row.TransactionID, "error", err)
			continue
		}
		replayed++
	}

	lg.Info("webhook replay finished", "found", len(stored), "replayed", replayed, "failed", failed, "inline", replayInline)
}

// replayParkedOrders goes through the outbox, so the jobs reach whichever
// process relays it.
func replayParkedOrders(ctx context.Context, app *application) {
	if !replayInline {
		n, err := app.Fulfillment.RequeueParked(ctx, replayLimit)
		if err != nil {
			app.Logger.Error("failed to requeue parked orders", "error", err)
			os.Exit(1)
		}
		app.Logger.Info("parked order replay finished", "requeued", n)
		return
	}

	var ids []int64
	err := app.DB.WithContext(ctx).
		Model(&ordermodel.Order{}).
		Where("status = ?", ordermodel.StatusPaidPendingStock).
		Order("id").
		Limit(replayLimit).
		Pluck("id", &ids).Error
	if err != nil {
		app.Logger.Error("failed to load parked orders", "error", err)
		os.Exit(1)
	}

	delivered, failed := 0, 0
	for _, id := range ids {
		if err := app.Fulfillment.Deliver(ctx, id); err != nil {
			failed++
			app.Logger.Error("parked order delivery failed", "order_id", id, "error", err)
			continue
		}
		delivered++
	}
	app.Logger.Info("parked order replay finished", "found", len(ids), "delivered", delivered, "failed", failed, "inline", true)
}
