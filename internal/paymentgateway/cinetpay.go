package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/gameshop-ledger/internal"
	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
)

// cinetPayNotFound is the check endpoint's code for an unknown transaction.
const cinetPayNotFound = "627"

type cinetPayCheckResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Amount           decimal.NullDecimal `json:"amount"`
		Currency         string              `json:"currency"`
		Status           string              `json:"status"`
		PaymentMethod    string              `json:"payment_method"`
		OperatorID       string              `json:"operator_id"`
		Metadata         string              `json:"metadata"`
		PaymentReference string              `json:"payment_reference"`
	} `json:"data"`
}

func (c *Client) retrieveCinetPay(ctx context.Context, cfg ProviderConfig, transactionID string) (*gatewaytypes.Verification, error) {
	payload, err := json.Marshal(map[string]string{
		"apikey":         cfg.APIKey,
		"site_id":        cfg.SiteID,
		"transaction_id": transactionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal check request: %w", err)
	}

	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/v2/payment/check"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, status, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp cinetPayCheckResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, internal.ErrProviderUnavailable.WithCause(fmt.Errorf("failed to decode response: %w", err))
	}
	if resp.Code == cinetPayNotFound || status == http.StatusNotFound {
		return nil, internal.ErrUnknownTransaction
	}
	if status >= 400 && resp.Data.Status == "" {
		return nil, internal.NewExternalError(fmt.Sprintf("cinetpay returned status %d: %s", status, resp.Message), internal.ErrCodeProviderUnavailable)
	}

	return &gatewaytypes.Verification{
		Provider:          ProviderCinetPay,
		TransactionID:     transactionID,
		Status:            normalizeCinetPayStatus(resp.Data.Status),
		ProviderStatus:    resp.Data.Status,
		Amount:            resp.Data.Amount,
		Currency:          strings.ToUpper(resp.Data.Currency),
		MerchantReference: firstNonEmpty(resp.Data.Metadata, resp.Data.PaymentReference),
		Raw:               raw,
	}, nil
}

func normalizeCinetPayStatus(s string) gatewaytypes.Status {
	switch strings.ToUpper(s) {
	case "ACCEPTED":
		return gatewaytypes.StatusCompleted
	case "REFUSED", "CANCELED", "CANCELLED", "FAILED":
		return gatewaytypes.StatusFailed
	}
	return gatewaytypes.StatusPending
}
