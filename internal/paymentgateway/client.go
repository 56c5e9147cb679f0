package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frahmantamala/gameshop-ledger/internal"
	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
)

const (
	ProviderFedaPay  = "fedapay"
	ProviderCinetPay = "cinetpay"
)

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	SiteID  string
}

type Config struct {
	Providers      map[string]ProviderConfig
	TransferURL    string
	TransferAPIKey string
	RequestTimeout time.Duration
}

// Client talks to the payment providers' read endpoints and to the payout
// transfer provider.
type Client struct {
	providers      map[string]ProviderConfig
	transferURL    string
	transferAPIKey string
	timeout        time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		providers:      config.Providers,
		transferURL:    strings.TrimRight(config.TransferURL, "/"),
		transferAPIKey: config.TransferAPIKey,
		timeout:        timeout,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
	}
}

// RetrieveTransaction fetches the authoritative state of transactionID.
func (c *Client) RetrieveTransaction(ctx context.Context, provider, transactionID string) (*gatewaytypes.Verification, error) {
	cfg, ok := c.providers[provider]
	if !ok {
		return nil, internal.NewValidationError(fmt.Sprintf("unsupported provider %q", provider), internal.ErrCodeValidationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		v   *gatewaytypes.Verification
		err error
	)
	switch provider {
	case ProviderFedaPay:
		v, err = c.retrieveFedaPay(ctx, cfg, transactionID)
	case ProviderCinetPay:
		v, err = c.retrieveCinetPay(ctx, cfg, transactionID)
	default:
		return nil, internal.NewValidationError(fmt.Sprintf("unsupported provider %q", provider), internal.ErrCodeValidationFailed)
	}
	if err != nil {
		c.logger.Warn("provider verification failed",
			"provider", provider,
			"transaction_id", transactionID,
			"error", err)
		return nil, err
	}

	c.logger.Info("provider verification",
		"provider", provider,
		"transaction_id", transactionID,
		"status", v.Status,
		"provider_status", v.ProviderStatus)
	return v, nil
}

// Transfer sends money out. The idempotency key is forwarded so the provider
// collapses retried calls into one transfer.
func (c *Client) Transfer(ctx context.Context, req *gatewaytypes.TransferRequest) (*gatewaytypes.TransferResult, error) {
	if err := req.Validate(); err != nil {
		return nil, internal.NewValidationError(err.Error(), internal.ErrCodeValidationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transferURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.transferAPIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.transferAPIKey)
	}

	raw, status, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		c.logger.Warn("transfer rejected", "idempotency_key", req.IdempotencyKey, "status_code", status)
		return &gatewaytypes.TransferResult{
			Status: gatewaytypes.TransferFailed,
			Reason: fmt.Sprintf("provider returned status %d", status),
			Raw:    raw,
		}, nil
	}

	var payload struct {
		Status      string `json:"status"`
		ProviderRef string `json:"provider_ref"`
		Reference   string `json:"reference"`
		Reason      string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, internal.ErrProviderUnavailable.WithCause(fmt.Errorf("failed to decode transfer response: %w", err))
	}

	result := &gatewaytypes.TransferResult{
		Status:      NormalizeTransferStatus(payload.Status),
		ProviderRef: payload.ProviderRef,
		Reason:      payload.Reason,
		Raw:         raw,
	}
	if result.ProviderRef == "" {
		result.ProviderRef = payload.Reference
	}

	c.logger.Info("transfer response",
		"idempotency_key", req.IdempotencyKey,
		"status", result.Status,
		"provider_ref", result.ProviderRef)
	return result, nil
}

// do executes req and maps transport failures and 5xx to PROVIDER_UNAVAILABLE.
func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, internal.ErrProviderUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, internal.ErrProviderUnavailable.WithCause(err)
	}
	if resp.StatusCode >= 500 {
		return nil, resp.StatusCode, internal.ErrProviderUnavailable.WithCause(fmt.Errorf("provider returned status %d", resp.StatusCode))
	}
	return raw, resp.StatusCode, nil
}

// NormalizeTransferStatus maps provider transfer wording onto success, failed or pending.
func NormalizeTransferStatus(s string) gatewaytypes.TransferStatus {
	switch strings.ToLower(s) {
	case "success", "successful", "sent", "completed":
		return gatewaytypes.TransferSuccess
	case "failed", "failure", "rejected", "declined":
		return gatewaytypes.TransferFailed
	}
	return gatewaytypes.TransferPending
}
