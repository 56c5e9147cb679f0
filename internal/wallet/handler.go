package wallet

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/gameshop-ledger/internal"
	walletmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/wallet"
	"github.com/frahmantamala/gameshop-ledger/internal/transport"
	"github.com/frahmantamala/gameshop-ledger/pkg/logger"
)

type ServiceAPI interface {
	Balance(ctx context.Context, userID int64) (*walletmodel.Account, error)
	History(ctx context.Context, userID int64, limit, offset int) ([]Entry, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
	now     func() time.Time
}

func NewHandler(service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger.LoggerWrapper()),
		Service:     service,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// BalanceResponse is the wallet summary returned to its owner.
type BalanceResponse struct {
	Balance        decimal.Decimal `json:"balance"`
	BonusBalance   decimal.Decimal `json:"bonus_balance"`
	BonusExpiresAt *time.Time      `json:"bonus_expires_at,omitempty"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	DebitBlocked   bool            `json:"debit_blocked"`
}

type HistoryResponse struct {
	Transactions []Entry `json:"transactions"`
	Limit        int     `json:"limit"`
	Offset       int     `json:"offset"`
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())
	if userID == 0 {
		h.WriteErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	account, err := h.Service.Balance(r.Context(), userID)
	if err != nil {
		h.Logger.Error("GetBalance: service error", "error", err, "user_id", userID)
		h.HandleError(w, err)
		return
	}

	now := h.now()
	h.WriteJSON(w, http.StatusOK, BalanceResponse{
		Balance:        account.Balance.Round(2),
		BonusBalance:   account.UsableBonus(now).Round(2),
		BonusExpiresAt: account.BonusExpiresAt,
		Currency:       account.Currency,
		Status:         account.Status,
		DebitBlocked:   account.DebitBlocked(now),
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := internal.UserIDFromContext(r.Context())
	if userID == 0 {
		h.WriteErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	entries, err := h.Service.History(r.Context(), userID, limit, offset)
	if err != nil {
		h.Logger.Error("ListTransactions: service error", "error", err, "user_id", userID)
		h.HandleError(w, err)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}

	h.WriteJSON(w, http.StatusOK, HistoryResponse{Transactions: entries, Limit: limit, Offset: offset})
}
