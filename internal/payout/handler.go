package payout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/gameshop-ledger/internal"
	payoutmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payout"
	"github.com/frahmantamala/gameshop-ledger/internal/signature"
	"github.com/frahmantamala/gameshop-ledger/internal/transport"
	"github.com/frahmantamala/gameshop-ledger/pkg/logger"
)

const maxCallbackBody = 64 << 10

type ServiceAPI interface {
	Request(ctx context.Context, userID int64, req Request) (*payoutmodel.Payout, error)
	Get(ctx context.Context, userID, payoutID int64) (*payoutmodel.Payout, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger.LoggerWrapper()),
		Service:     service,
	}
}

type Response struct {
	ID         int64           `json:"id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Fee        decimal.Decimal `json:"fee"`
	TotalDebit decimal.Decimal `json:"total_debit"`
	Phone      string          `json:"phone"`
	Country    string          `json:"country"`
	Attempts   int             `json:"attempts"`
	LastError  *string         `json:"last_error,omitempty"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	FailedAt   *time.Time      `json:"failed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func toResponse(p *payoutmodel.Payout) Response {
	return Response{
		ID:         p.ID,
		Status:     p.Status,
		Amount:     p.Amount,
		Fee:        p.Fee,
		TotalDebit: p.TotalDebit,
		Phone:      p.Phone,
		Country:    p.Country,
		Attempts:   p.Attempts,
		LastError:  p.LastError,
		SentAt:     p.SentAt,
		FailedAt:   p.FailedAt,
		CreatedAt:  p.CreatedAt,
	}
}

// Create handles POST /api/v1/wallet/payouts.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())
	if userID == 0 {
		h.WriteErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	p, err := h.Service.Request(r.Context(), userID, req)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusAccepted, toResponse(p))
}

// Get handles GET /api/v1/wallet/payouts/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())
	if userID == 0 {
		h.WriteErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.HandleError(w, internal.NewValidationError("invalid payout id", internal.ErrCodeValidationFailed))
		return
	}

	p, err := h.Service.Get(r.Context(), userID, id)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, toResponse(p))
}

type CallbackProcessor interface {
	HandleCallback(ctx context.Context, cb Callback, raw []byte) error
}

type SignatureVerifier interface {
	Verify(provider string, body []byte, header string) error
}

type CallbackHandler struct {
	*transport.BaseHandler
	verifier  SignatureVerifier
	processor CallbackProcessor
}

func NewCallbackHandler(verifier SignatureVerifier, processor CallbackProcessor) *CallbackHandler {
	return &CallbackHandler{
		BaseHandler: transport.NewBaseHandler(logger.LoggerWrapper()),
		verifier:    verifier,
		processor:   processor,
	}
}

// Handle accepts POST /api/v1/webhooks/payouts/{provider}.
func (h *CallbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	log := logger.From(r.Context()).With("provider", provider)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		h.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err := h.verifier.Verify(provider, body, r.Header.Get(signature.HeaderName(provider))); err != nil {
		log.Warn("payout callback signature rejected", "error", err)
		h.WriteErrorResponse(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil || cb.Key() == "" {
		log.Warn("payout callback ignored", "error", err)
		h.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err := h.processor.HandleCallback(r.Context(), cb, body); err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			log.Warn("payout callback for unknown payout", "idempotency_key", cb.Key())
			h.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
