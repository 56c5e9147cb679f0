// Package signature authenticates provider webhooks and payout callbacks.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/frahmantamala/gameshop-ledger/internal"
)

type Verifier struct {
	secrets   map[string]string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a verifier keyed by provider name. A zero tolerance
// disables the timestamp freshness check.
func NewVerifier(secrets map[string]string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secrets:   secrets,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// HeaderName is the signature header a provider sends, e.g. X-Fedapay-Signature.
func HeaderName(provider string) string {
	if provider == "" {
		return "X-Signature"
	}
	return "X-" + strings.ToUpper(provider[:1]) + strings.ToLower(provider[1:]) + "-Signature"
}

// Verify checks header against the exact raw body. Two header shapes are
// accepted: "t=<unix>,v1=<hex>[,v1=<hex>...]" signed over "<t>.<body>", and a
// bare hex HMAC of the body.
func (v *Verifier) Verify(provider string, body []byte, header string) error {
	secret, ok := v.secrets[provider]
	if !ok || secret == "" {
		return internal.ErrSignatureInvalid.WithCause(fmt.Errorf("no secret for provider %q", provider))
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return internal.ErrSignatureInvalid
	}

	if !strings.Contains(header, "=") {
		if equalHex(header, mac(secret, body)) {
			return nil
		}
		return internal.ErrSignatureInvalid
	}

	ts, candidates := parseHeader(header)
	if ts == "" || len(candidates) == 0 {
		return internal.ErrSignatureInvalid
	}

	if v.tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return internal.ErrSignatureInvalid.WithCause(err)
		}
		age := v.now().Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > v.tolerance {
			return internal.ErrSignatureInvalid.WithCause(fmt.Errorf("timestamp outside tolerance: %s", age))
		}
	}

	expected := mac(secret, append([]byte(ts+"."), body...))
	for _, c := range candidates {
		if equalHex(c, expected) {
			return nil
		}
	}
	return internal.ErrSignatureInvalid
}

// Sign produces a versioned header value for body at unix time ts.
func Sign(secret string, ts int64, body []byte) string {
	t := strconv.FormatInt(ts, 10)
	sig := mac(secret, append([]byte(t+"."), body...))
	return "t=" + t + ",v1=" + hex.EncodeToString(sig)
}

// SignLegacy produces the bare hex header value.
func SignLegacy(secret string, body []byte) string {
	return hex.EncodeToString(mac(secret, body))
}

func parseHeader(header string) (string, []string) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	return ts, sigs
}

func mac(secret string, payload []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return h.Sum(nil)
}

func equalHex(candidate string, expected []byte) bool {
	got, err := hex.DecodeString(strings.ToLower(candidate))
	if err != nil {
		return false
	}
	return hmac.Equal(got, expected)
}
