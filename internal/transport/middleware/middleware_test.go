package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/auth"
)

var _ = Describe("redaction", func() {
	It("filters secrets and masks contact details in nested JSON", func() {
		out := redactBody([]byte(`{"entity":{"customer":{"phone_number":"+22997000123","email":"kofi@mail.com"},"api_key":"sk_live"},"amount":5000}`))

		var doc map[string]interface{}
		Expect(json.Unmarshal([]byte(out), &doc)).To(Succeed())
		entity := doc["entity"].(map[string]interface{})
		customer := entity["customer"].(map[string]interface{})
		Expect(customer["phone_number"]).To(Equal("********0123"))
		Expect(customer["email"]).To(HaveSuffix(".com"))
		Expect(customer["email"]).NotTo(ContainSubstring("kofi"))
		Expect(entity["api_key"]).To(Equal("[FILTERED]"))
		Expect(doc["amount"]).To(BeNumerically("==", 5000))
	})

	It("filters provider signature headers", func() {
		h := http.Header{}
		h.Set("X-FedaPay-Signature", "t=1,s=abc")
		h.Set("Content-Type", "application/json")

		out := redactHeaders(h)
		Expect(out["X-Fedapay-Signature"]).To(Equal("[FILTERED]"))
		Expect(out["Content-Type"]).To(Equal("application/json"))
	})

	It("does not echo non-JSON or oversized bodies", func() {
		Expect(redactBody([]byte("phone=22997000123"))).To(Equal("[NON-JSON - 17 bytes]"))
		Expect(redactBody(bytes.Repeat([]byte("a"), maxLoggedBody))).To(HavePrefix("[TRUNCATED"))
	})
})

var _ = Describe("LoggingMiddleware", func() {
	It("leaves the request body readable for the handler", func() {
		var seen string
		h := LoggingMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			seen = string(b)
			w.WriteHeader(http.StatusAccepted)
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/fedapay", strings.NewReader(`{"id":"evt_1"}`)))
		Expect(seen).To(Equal(`{"id":"evt_1"}`))
		Expect(rec.Code).To(Equal(http.StatusAccepted))
	})
})

var _ = Describe("RecoveryMiddleware", func() {
	It("answers a panic with the internal error envelope", func() {
		h := RecoveryMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("nil ledger")
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).To(ContainSubstring(`"type":"INTERNAL_ERROR"`))
		Expect(rec.Body.String()).NotTo(ContainSubstring("nil ledger"))
	})
})

var _ = Describe("Authenticate", func() {
	var (
		tokens *auth.TokenService
		seenID int64
		h      http.Handler
	)

	BeforeEach(func() {
		seenID = 0
		tokens = auth.NewTokenService("middleware-secret-middleware-secret", time.Minute)
		h = Authenticate(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seenID = internal.UserIDFromContext(r.Context())
		}))
	})

	It("puts the token's user on the context", func() {
		token, err := tokens.GenerateAccessToken(77)
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(seenID).To(Equal(int64(77)))
	})

	It("rejects a missing or malformed header", func() {
		for _, header := range []string{"", "Basic abc", "Bearer "} {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized), header)
		}
		Expect(seenID).To(BeZero())
	})
})
