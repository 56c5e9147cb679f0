package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/user"
)

const getProfileQuery = `
SELECT u.id, u.email, u.name, u.is_premium, u.premium_level, u.premium_expires_at, u.referral_code, u.created_at,
       COUNT(r.id) AS referral_count,
       COALESCE(SUM(r.commission_earned), 0) AS referral_earnings
FROM users u
LEFT JOIN referrals r ON r.referrer_id = u.id
WHERE u.id = $1
GROUP BY u.id`

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) user.Repository {
	return &Repository{db: db}
}

func (r *Repository) GetProfile(ctx context.Context, userID int64) (*user.Profile, error) {
	var p user.Profile
	if err := r.db.GetContext(ctx, &p, getProfileQuery, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internal.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
