package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePayoutSent       = "payout.sent"
	EventTypePayoutFailed     = "payout.failed"
)

type PaymentCompletedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	UserID        int64  `json:"user_id"`
	OrderType     string `json:"order_type"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

func NewPaymentCompletedEvent(orderID, userID int64, orderType, transactionID, amount, currency string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCompleted,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"order_id":       orderID,
				"user_id":        userID,
				"order_type":     orderType,
				"transaction_id": transactionID,
				"amount":         amount,
				"currency":       currency,
			},
		},
		OrderID:       orderID,
		UserID:        userID,
		OrderType:     orderType,
		TransactionID: transactionID,
		Amount:        amount,
		Currency:      currency,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	UserID        int64  `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	FailureReason string `json:"failure_reason"`
}

func NewPaymentFailedEvent(orderID, userID int64, transactionID, failureReason string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"order_id":       orderID,
				"user_id":        userID,
				"transaction_id": transactionID,
				"failure_reason": failureReason,
			},
		},
		OrderID:       orderID,
		UserID:        userID,
		TransactionID: transactionID,
		FailureReason: failureReason,
	}
}

// PayoutEvent is published when a payout reaches sent or failed.
type PayoutEvent struct {
	BaseEvent
	PayoutID   int64  `json:"payout_id"`
	UserID     int64  `json:"user_id"`
	Amount     string `json:"amount"`
	TotalDebit string `json:"total_debit"`
	Reason     string `json:"reason,omitempty"`
}

func NewPayoutEvent(eventType string, payoutID, userID int64, amount, totalDebit, reason string) *PayoutEvent {
	return &PayoutEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"payout_id":   payoutID,
				"user_id":     userID,
				"amount":      amount,
				"total_debit": totalDebit,
				"reason":      reason,
			},
		},
		PayoutID:   payoutID,
		UserID:     userID,
		Amount:     amount,
		TotalDebit: totalDebit,
		Reason:     reason,
	}
}
