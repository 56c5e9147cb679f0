package payment

import (
	"context"
	"errors"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

// HandleJob processes a payment.reconcile job and stamps the stored webhook
// events of the transaction with the result.
func (e *Engine) HandleJob(ctx context.Context, job queue.Job) error {
	var payload ReconcileJob
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if payload.TransactionID == "" {
		return queue.Permanent(errNoTransaction)
	}

	err := e.Reconcile(ctx, payload.Event)
	if errors.Is(err, ErrInFlight) {
		return err
	}

	if appErr, ok := internal.IsAppError(err); ok && appErr.Type == internal.ErrorTypeValidation {
		err = queue.Permanent(err)
	}

	if markErr := idempotency.MarkEventProcessed(ctx, e.store.DB(), payload.Provider, payload.TransactionID, err); markErr != nil {
		e.logger.Warn("failed to stamp webhook events", "transaction_id", payload.TransactionID, "error", markErr)
	}
	return err
}
