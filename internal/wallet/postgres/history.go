package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/frahmantamala/gameshop-ledger/internal/wallet"
)

const listTransactionsQuery = `
SELECT t.id, t.type, t.amount, t.reference, t.status, t.created_at
FROM wallet_transactions t
JOIN wallet_accounts a ON a.id = t.wallet_account_id
WHERE a.user_id = $1
ORDER BY t.id DESC
LIMIT $2 OFFSET $3`

type HistoryRepository struct {
	db *sqlx.DB
}

func NewHistoryRepository(db *sqlx.DB) wallet.HistoryReader {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]wallet.Entry, error) {
	entries := []wallet.Entry{}
	if err := r.db.SelectContext(ctx, &entries, listTransactionsQuery, userID, limit, offset); err != nil {
		return nil, err
	}
	return entries, nil
}
