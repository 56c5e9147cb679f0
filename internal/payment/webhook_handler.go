package payment

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"gorm.io/gorm"

	paymentmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/metrics"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
	"github.com/frahmantamala/gameshop-ledger/internal/signature"
	"github.com/frahmantamala/gameshop-ledger/internal/transport"
	"github.com/frahmantamala/gameshop-ledger/pkg/logger"
)

// MaxWebhookBody caps how much of a webhook body is read.
const MaxWebhookBody = 1 << 20

// SignatureVerifier checks a raw body against a provider signature header.
type SignatureVerifier interface {
	Verify(provider string, body []byte, header string) error
}

type WebhookHandler struct {
	*transport.BaseHandler
	verifier SignatureVerifier
	db       *gorm.DB
	queue    queue.Queue
	metrics  *metrics.Metrics
}

func NewWebhookHandler(verifier SignatureVerifier, db *gorm.DB, q queue.Queue, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: transport.NewBaseHandler(logger.LoggerWrapper()),
		verifier:    verifier,
		db:          db,
		queue:       q,
		metrics:     m,
	}
}

type WebhookResponse struct {
	Status string `json:"status"`
}

// Handle accepts POST /api/v1/webhooks/{provider}. The signature is checked
// on the exact bytes before anything is read from or written to the store;
// the reconciliation itself runs asynchronously.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	log := logger.From(r.Context()).With("provider", provider)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.WebhookReceived(provider, "too_large")
			h.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.WriteErrorResponse(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := h.verifier.Verify(provider, body, r.Header.Get(signature.HeaderName(provider))); err != nil {
		log.Warn("webhook signature rejected", "error", err)
		h.metrics.WebhookReceived(provider, "invalid_signature")
		h.WriteErrorResponse(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev, err := ParseWebhook(provider, body)
	if err != nil {
		// authentic but unusable; acknowledge so the provider stops retrying
		log.Warn("webhook ignored", "error", err)
		h.metrics.WebhookReceived(provider, "ignored")
		h.WriteJSON(w, http.StatusOK, WebhookResponse{Status: "ignored"})
		return
	}

	stored := &paymentmodel.WebhookEvent{
		Provider:      ev.Provider,
		EventID:       ev.EventID,
		EventName:     ev.EventName,
		TransactionID: ev.TransactionID,
		Payload:       rawJSON(ev.Payload),
	}
	created, err := idempotency.RecordEvent(r.Context(), h.db, stored)
	if err != nil {
		log.Error("failed to record webhook event", "error", err, "transaction_id", ev.TransactionID)
		h.WriteErrorResponse(w, http.StatusInternalServerError, "temporarily unavailable")
		return
	}
	if !created && stored.ProcessedAt != nil {
		log.Info("duplicate webhook acknowledged", "transaction_id", ev.TransactionID, "event_id", ev.EventID)
		h.metrics.WebhookReceived(provider, "duplicate")
		h.WriteJSON(w, http.StatusOK, WebhookResponse{Status: "duplicate"})
		return
	}

	if err := EnqueueReconcile(r.Context(), h.queue, ev, stored.ID); err != nil {
		log.Error("failed to enqueue reconciliation", "error", err, "transaction_id", ev.TransactionID)
		h.WriteErrorResponse(w, http.StatusInternalServerError, "temporarily unavailable")
		return
	}

	log.Info("webhook accepted", "transaction_id", ev.TransactionID, "event_id", ev.EventID, "event_name", ev.EventName)
	h.metrics.WebhookReceived(provider, "accepted")
	h.WriteJSON(w, http.StatusOK, WebhookResponse{Status: "accepted"})
}

// EnqueueReconcile schedules reconciliation of ev.
func EnqueueReconcile(ctx context.Context, q queue.Queue, ev Event, webhookEventID int64) error {
	job, err := queue.NewJob(queue.TypePaymentReconcile, ReconcileJob{Event: ev, WebhookEventID: webhookEventID})
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, job)
}
