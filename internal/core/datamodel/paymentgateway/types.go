package paymentgateway

import (
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Verification is the provider's authoritative view of one transaction.
type Verification struct {
	Provider          string              `json:"provider"`
	TransactionID     string              `json:"transaction_id"`
	Status            Status              `json:"status"`
	ProviderStatus    string              `json:"provider_status"`
	Amount            decimal.NullDecimal `json:"amount"`
	Currency          string              `json:"currency,omitempty"`
	MerchantReference string              `json:"merchant_reference,omitempty"`
	Raw               json.RawMessage     `json:"raw,omitempty"`
}

type TransferStatus string

const (
	TransferSuccess TransferStatus = "success"
	TransferFailed  TransferStatus = "failed"
	TransferPending TransferStatus = "pending"
)

type TransferRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Phone          string          `json:"phone"`
	Country        string          `json:"country"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (r *TransferRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return errors.New("amount must be greater than 0")
	}
	if r.Phone == "" {
		return errors.New("phone is required")
	}
	if r.Country == "" {
		return errors.New("country is required")
	}
	if r.IdempotencyKey == "" {
		return errors.New("idempotency_key is required")
	}
	return nil
}

type TransferResult struct {
	Status      TransferStatus  `json:"status"`
	ProviderRef string          `json:"provider_ref"`
	Reason      string          `json:"reason,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}
