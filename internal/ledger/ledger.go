// Package ledger owns the relational store for every money-bearing row and the
// row-lock helpers used inside reconciliation, wallet and payout transactions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payout"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/user"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/wallet"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const driverName = "pgx"

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to postgres once and shares the pool between sqlx readers and gorm.
func Open(cfg internal.DatabaseConfig) (*sqlx.DB, *gorm.DB, error) {
	sqlxDB, err := sqlx.Connect(driverName, cfg.GetDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	sqlxDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlxDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlxDB.DB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		_ = sqlxDB.Close()
		return nil, nil, fmt.Errorf("failed to open gorm session: %w", err)
	}

	return sqlxDB, gormDB, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn in one database transaction bound to ctx. Errors returned
// by fn roll the transaction back and are returned unchanged; failures of the
// transaction machinery itself become DATABASE_ERROR.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(tx)
		return fnErr
	})
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	return internal.NewInternalError("transaction failed", err)
}

// Models lists every table owned by the ledger, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&user.User{},
		&user.PremiumMembership{},
		&user.Referral{},
		&order.Product{},
		&order.Order{},
		&order.Item{},
		&payment.Payment{},
		&payment.Attempt{},
		&payment.WebhookEvent{},
		&wallet.Account{},
		&wallet.Transaction{},
		&payout.Payout{},
		&payout.Event{},
		&marketplace.Seller{},
		&marketplace.Listing{},
		&marketplace.PartnerWallet{},
		&marketplace.PartnerWalletTransaction{},
		&marketplace.Order{},
		&idempotency.Key{},
		&outbox.Message{},
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return internal.ErrNotFound.WithCause(err)
	}
	return err
}
