package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/frahmantamala/gameshop-ledger/internal/paymentgateway"
)

var errNoTransaction = errors.New("webhook carries no transaction id")

// ParseWebhook extracts the identifiers of a provider notification. Amounts
// and statuses in the body are ignored; they come from the provider API.
func ParseWebhook(provider string, body []byte) (Event, error) {
	ev := Event{Provider: provider}
	switch provider {
	case paymentgateway.ProviderFedaPay:
		if err := parseFedaPay(body, &ev); err != nil {
			return ev, err
		}
	case paymentgateway.ProviderCinetPay:
		if err := parseCinetPay(body, &ev); err != nil {
			return ev, err
		}
	default:
		return ev, fmt.Errorf("unsupported provider %q", provider)
	}
	if ev.TransactionID == "" {
		return ev, errNoTransaction
	}
	if ev.EventID == "" {
		ev.EventID = bodyDigest(body)
	}
	if json.Valid(body) {
		ev.Payload = json.RawMessage(body)
	} else {
		raw, _ := json.Marshal(map[string]string{"raw": string(body)})
		ev.Payload = raw
	}
	return ev, nil
}

// FedaPay posts {"id", "name", "entity": {"id", ...}}; older payloads nest
// the transaction under "object" or "transaction".
func parseFedaPay(body []byte, ev *Event) error {
	var payload struct {
		ID          json.RawMessage `json:"id"`
		Name        string          `json:"name"`
		Entity      *fedaPayEntity  `json:"entity"`
		Object      *fedaPayEntity  `json:"object"`
		Transaction *fedaPayEntity  `json:"transaction"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("invalid fedapay payload: %w", err)
	}

	ev.EventName = payload.Name
	ev.EventID = scalar(payload.ID)
	for _, entity := range []*fedaPayEntity{payload.Entity, payload.Object, payload.Transaction} {
		if entity != nil && scalar(entity.ID) != "" {
			ev.TransactionID = scalar(entity.ID)
			break
		}
	}
	if ev.EventID != "" && ev.EventName != "" {
		ev.EventID = ev.EventName + ":" + ev.EventID
	}
	return nil
}

type fedaPayEntity struct {
	ID json.RawMessage `json:"id"`
}

// CinetPay notifies with form fields or, on newer integrations, JSON.
func parseCinetPay(body []byte, ev *Event) error {
	var payload struct {
		TransID       string `json:"cpm_trans_id"`
		TransactionID string `json:"transaction_id"`
		Event         string `json:"cpm_result"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		ev.TransactionID = firstNonEmpty(payload.TransID, payload.TransactionID)
		ev.EventName = payload.Event
		return nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("invalid cinetpay payload: %w", err)
	}
	ev.TransactionID = firstNonEmpty(form.Get("cpm_trans_id"), form.Get("transaction_id"))
	ev.EventName = form.Get("cpm_result")
	return nil
}

func scalar(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
