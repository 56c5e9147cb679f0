package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Claim records (scope, key) and reports whether this caller is the first to do
// so. It must run inside the transaction that performs the guarded side effect
// so a rollback also releases the claim.
func Claim(tx *gorm.DB, scope, key string) (bool, error) {
	k := idempotency.Key{Scope: scope, Key: key}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&k)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Lease claims (scope, key) in its own committed transaction for work done
// outside any transaction, such as a call to a third party. A claim older
// than ttl is treated as abandoned and taken over. It reports whether the
// caller now holds the lease.
func Lease(tx *gorm.DB, scope, key string, ttl time.Duration, now time.Time) (bool, error) {
	k := idempotency.Key{Scope: scope, Key: key, CreatedAt: now}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&k)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = tx.Model(&idempotency.Key{}).
		Where("scope = ? AND idem_key = ? AND created_at < ?", scope, key, now.Add(-ttl)).
		Update("created_at", now)
	return res.RowsAffected == 1, res.Error
}

// Release drops a lease so the next caller can take it.
func Release(tx *gorm.DB, scope, key string) error {
	return tx.Where("scope = ? AND idem_key = ?", scope, key).Delete(&idempotency.Key{}).Error
}

// Claimed reports whether (scope, key) was already recorded.
func Claimed(tx *gorm.DB, scope, key string) (bool, error) {
	var count int64
	err := tx.Model(&idempotency.Key{}).Where("scope = ? AND idem_key = ?", scope, key).Count(&count).Error
	return count > 0, err
}

// ProviderProcessed reports whether the provider transaction id already has a
// successful attempt on record.
func ProviderProcessed(tx *gorm.DB, transactionID string) (bool, error) {
	var attempt payment.Attempt
	err := tx.Where("transaction_id = ?", transactionID).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return attempt.IsTerminalSuccess(), nil
}

// PaymentTerminal is the local-level check: a payment out of initiated/pending
// is never mutated again.
func PaymentTerminal(p *payment.Payment) bool {
	return p != nil && p.IsTerminal()
}

// RecordEvent stores an inbound provider event. It returns false when the same
// provider event id was already recorded.
func RecordEvent(ctx context.Context, db *gorm.DB, ev *payment.WebhookEvent) (bool, error) {
	if ev.Payload == nil {
		ev.Payload = datatypes.JSON("{}")
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ev)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	err := db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", ev.Provider, ev.EventID).
		First(ev).Error
	return false, err
}

// MarkEventProcessed stamps every stored event of the transaction as handled,
// or records the processing error when procErr is set.
func MarkEventProcessed(ctx context.Context, db *gorm.DB, provider, transactionID string, procErr error) error {
	updates := map[string]interface{}{}
	if procErr != nil {
		updates["processing_error"] = procErr.Error()
	} else {
		updates["processed_at"] = time.Now().UTC()
		updates["processing_error"] = ""
	}
	return db.WithContext(ctx).
		Model(&payment.WebhookEvent{}).
		Where("provider = ? AND transaction_id = ? AND processed_at IS NULL", provider, transactionID).
		Updates(updates).Error
}
