// Package ledgertest opens throwaway SQLite ledgers for package tests.
package ledgertest

import (
	"time"

	"github.com/frahmantamala/gameshop-ledger/internal/ledger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB returns a migrated in-memory database. The pool is pinned to one
// connection so every statement sees the same memory database; callers must
// use the tx handle for every query issued inside a transaction.
func NewDB() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Discard,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := ledger.AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
