package paymentgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/gameshop-ledger/internal"
	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
)

type fedaPayTransaction struct {
	ID                json.Number         `json:"id"`
	Reference         string              `json:"reference"`
	Status            string              `json:"status"`
	Amount            decimal.NullDecimal `json:"amount"`
	Currency          json.RawMessage     `json:"currency"`
	MerchantReference string              `json:"merchant_reference"`
}

func (c *Client) retrieveFedaPay(ctx context.Context, cfg ProviderConfig, transactionID string) (*gatewaytypes.Verification, error) {
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/v1/transactions/" + url.PathEscape(transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	raw, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, internal.ErrUnknownTransaction
	}
	if status >= 400 {
		return nil, internal.NewExternalError(fmt.Sprintf("fedapay returned status %d", status), internal.ErrCodeProviderUnavailable)
	}

	// The API wraps the entity under "v1/transaction"; some versions return it bare.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, internal.ErrProviderUnavailable.WithCause(fmt.Errorf("failed to decode response: %w", err))
	}
	body := raw
	for _, key := range []string{"v1/transaction", "transaction", "data"} {
		if inner, ok := envelope[key]; ok {
			body = inner
			break
		}
	}

	var tx fedaPayTransaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, internal.ErrProviderUnavailable.WithCause(fmt.Errorf("failed to decode transaction: %w", err))
	}

	return &gatewaytypes.Verification{
		Provider:          ProviderFedaPay,
		TransactionID:     transactionID,
		Status:            normalizeFedaPayStatus(tx.Status),
		ProviderStatus:    tx.Status,
		Amount:            tx.Amount,
		Currency:          parseCurrency(tx.Currency),
		MerchantReference: firstNonEmpty(tx.MerchantReference, tx.Reference),
		Raw:               raw,
	}, nil
}

func normalizeFedaPayStatus(s string) gatewaytypes.Status {
	switch strings.ToLower(s) {
	case "approved", "transferred", "approved_partially_refunded":
		return gatewaytypes.StatusCompleted
	case "declined", "canceled", "cancelled", "refunded", "expired":
		return gatewaytypes.StatusFailed
	}
	return gatewaytypes.StatusPending
}

// parseCurrency accepts "XOF" or {"iso":"XOF"}.
func parseCurrency(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.ToUpper(s)
	}
	var obj struct {
		ISO string `json:"iso"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.ToUpper(obj.ISO)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
