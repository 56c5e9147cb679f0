package payment

import (
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	paymentmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
)

// recordAttempt upserts the attempt row keyed by provider transaction id and
// counts the delivery. A recorded success is never downgraded.
func (e *Engine) recordAttempt(db *gorm.DB, a *paymentmodel.Attempt) error {
	a.Deliveries = 1
	updates := map[string]interface{}{
		"provider":     a.Provider,
		"payment_id":   a.PaymentID,
		"order_id":     a.OrderID,
		"status":       a.Status,
		"error":        a.Error,
		"amount":       a.Amount,
		"currency":     a.Currency,
		"payload":      a.Payload,
		"verification": a.Verification,
		"updated_at":   e.now(),
		"deliveries":   gorm.Expr("deliveries + 1"),
	}
	if a.Status != paymentmodel.AttemptStatusSuccess {
		// keep status and error of an earlier success
		updates["status"] = gorm.Expr("CASE WHEN status = ? THEN status ELSE ? END", paymentmodel.AttemptStatusSuccess, a.Status)
		updates["error"] = gorm.Expr("CASE WHEN status = ? THEN error ELSE ? END", paymentmodel.AttemptStatusSuccess, a.Error)
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(a).Error
}

func attemptFor(ev Event, pay *paymentmodel.Payment, v *gatewaytypes.Verification, status, reason string) *paymentmodel.Attempt {
	a := &paymentmodel.Attempt{
		TransactionID: ev.TransactionID,
		Provider:      ev.Provider,
		PaymentID:     &pay.ID,
		OrderID:       &pay.OrderID,
		Status:        status,
		Currency:      pay.Currency,
		Payload:       rawJSON(ev.Payload),
	}
	if reason != "" {
		a.Error = strPtr(reason)
	}
	if v != nil {
		a.Amount = v.Amount
		if v.Currency != "" {
			a.Currency = v.Currency
		}
		if raw, err := json.Marshal(v); err == nil {
			a.Verification = datatypes.JSON(raw)
		}
	}
	return a
}

func rawJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 || !json.Valid(raw) {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
