package payment

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	"github.com/frahmantamala/gameshop-ledger/internal/transport"
	"github.com/frahmantamala/gameshop-ledger/pkg/logger"
)

type WalletPayer interface {
	PayWithWallet(ctx context.Context, userID, orderID int64) (*order.Order, error)
}

// OrderHandler serves order payment endpoints for authenticated users.
type OrderHandler struct {
	*transport.BaseHandler
	Payer WalletPayer
}

func NewOrderHandler(payer WalletPayer) *OrderHandler {
	return &OrderHandler{
		BaseHandler: transport.NewBaseHandler(logger.LoggerWrapper()),
		Payer:       payer,
	}
}

type PayWithWalletResponse struct {
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
	Total   string `json:"total_price"`
}

// PayWithWallet handles POST /api/v1/orders/{id}/pay-with-wallet.
func (h *OrderHandler) PayWithWallet(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())
	if userID == 0 {
		h.WriteErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	orderIDStr := chi.URLParam(r, "id")
	orderID, err := strconv.ParseInt(orderIDStr, 10, 64)
	if err != nil || orderID <= 0 {
		h.WriteErrorResponse(w, http.StatusBadRequest, "invalid order ID")
		return
	}

	o, err := h.Payer.PayWithWallet(r.Context(), userID, orderID)
	if err != nil {
		h.Logger.Warn("PayWithWallet: service error", "error", err, "order_id", orderID, "user_id", userID)
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, PayWithWalletResponse{
		OrderID: o.ID,
		Status:  o.Status,
		Total:   o.TotalPrice.StringFixed(2),
	})
}
