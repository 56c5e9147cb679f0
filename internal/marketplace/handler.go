package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/gameshop-ledger/internal"
	mpmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/transport"
	"github.com/frahmantamala/gameshop-ledger/pkg/logger"
)

type EscrowAPI interface {
	Get(ctx context.Context, buyerID, marketplaceOrderID int64) (*mpmodel.Order, error)
	ConfirmDelivery(ctx context.Context, marketplaceOrderID int64) (*mpmodel.Order, error)
	OpenDispute(ctx context.Context, marketplaceOrderID int64, reason string) (*mpmodel.Order, error)
}

type Handler struct {
	*transport.BaseHandler
	Escrow EscrowAPI
}

func NewHandler(escrow EscrowAPI) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger.LoggerWrapper()),
		Escrow:      escrow,
	}
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type OrderResponse struct {
	ID      int64  `json:"id"`
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
}

// ConfirmDelivery handles POST /api/v1/marketplace/orders/{id}/confirm.
func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	mo, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	updated, err := h.Escrow.ConfirmDelivery(r.Context(), mo.ID)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, OrderResponse{ID: updated.ID, OrderID: updated.OrderID, Status: updated.Status})
}

// OpenDispute handles POST /api/v1/marketplace/orders/{id}/dispute.
func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	mo, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	var req DisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}
	updated, err := h.Escrow.OpenDispute(r.Context(), mo.ID, req.Reason)
	if err != nil {
		h.HandleError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, OrderResponse{ID: updated.ID, OrderID: updated.OrderID, Status: updated.Status})
}

func (h *Handler) ownedOrder(w http.ResponseWriter, r *http.Request) (*mpmodel.Order, bool) {
	userID := internal.UserIDFromContext(r.Context())
	if userID == 0 {
		h.WriteErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.HandleError(w, internal.NewValidationError("invalid marketplace order id", internal.ErrCodeValidationFailed))
		return nil, false
	}
	mo, err := h.Escrow.Get(r.Context(), userID, id)
	if err != nil {
		h.HandleError(w, err)
		return nil, false
	}
	return mo, true
}
