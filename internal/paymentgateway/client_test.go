package paymentgateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/gameshop-ledger/internal"
	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/gameshop-ledger/internal/paymentgateway"
)

var _ = Describe("Client", func() {
	var (
		server  *httptest.Server
		handler http.HandlerFunc
		client  *paymentgateway.Client
		logger  *slog.Logger
		ctx     context.Context
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		ctx = context.Background()
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			handler(w, r)
		}))
		client = paymentgateway.NewClient(paymentgateway.Config{
			Providers: map[string]paymentgateway.ProviderConfig{
				paymentgateway.ProviderFedaPay:  {BaseURL: server.URL, APIKey: "sk_test"},
				paymentgateway.ProviderCinetPay: {BaseURL: server.URL, APIKey: "ck_test", SiteID: "site-1"},
			},
			TransferURL:    server.URL,
			TransferAPIKey: "payout-key",
			RequestTimeout: 2 * time.Second,
		}, logger)
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("RetrieveTransaction", func() {
		Context("fedapay", func() {
			It("normalizes an approved transaction", func() {
				handler = func(w http.ResponseWriter, r *http.Request) {
					Expect(r.Method).To(Equal(http.MethodGet))
					Expect(r.URL.Path).To(Equal("/v1/transactions/101"))
					Expect(r.Header.Get("Authorization")).To(Equal("Bearer sk_test"))
					w.Header().Set("Content-Type", "application/json")
					_, _ = w.Write([]byte(`{"v1/transaction":{"id":101,"reference":"trx_abc","status":"approved","amount":5000,"currency":{"iso":"xof"},"merchant_reference":"order-12"}}`))
				}

				v, err := client.RetrieveTransaction(ctx, paymentgateway.ProviderFedaPay, "101")
				Expect(err).ToNot(HaveOccurred())
				Expect(v.Status).To(Equal(gatewaytypes.StatusCompleted))
				Expect(v.Amount.Valid).To(BeTrue())
				Expect(v.Amount.Decimal.Equal(decimal.NewFromInt(5000))).To(BeTrue())
				Expect(v.Currency).To(Equal("XOF"))
				Expect(v.MerchantReference).To(Equal("order-12"))
				Expect(v.Raw).ToNot(BeEmpty())
			})

			It("maps declined to failed and unknown states to pending", func() {
				status := "declined"
				handler = func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte(`{"v1/transaction":{"id":1,"status":"` + status + `","amount":10}}`))
				}

				v, err := client.RetrieveTransaction(ctx, paymentgateway.ProviderFedaPay, "1")
				Expect(err).ToNot(HaveOccurred())
				Expect(v.Status).To(Equal(gatewaytypes.StatusFailed))

				status = "pending"
				v, err = client.RetrieveTransaction(ctx, paymentgateway.ProviderFedaPay, "1")
				Expect(err).ToNot(HaveOccurred())
				Expect(v.Status).To(Equal(gatewaytypes.StatusPending))
			})

			It("returns UNKNOWN_TRANSACTION on 404", func() {
				handler = func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusNotFound)
				}

				_, err := client.RetrieveTransaction(ctx, paymentgateway.ProviderFedaPay, "404")
				Expect(errors.Is(err, internal.ErrUnknownTransaction)).To(BeTrue())
			})

			It("returns PROVIDER_UNAVAILABLE on 5xx", func() {
				handler = func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusBadGateway)
				}

				_, err := client.RetrieveTransaction(ctx, paymentgateway.ProviderFedaPay, "1")
				Expect(errors.Is(err, internal.ErrProviderUnavailable)).To(BeTrue())
			})
		})

		Context("cinetpay", func() {
			It("posts a check request and normalizes ACCEPTED", func() {
				handler = func(w http.ResponseWriter, r *http.Request) {
					Expect(r.Method).To(Equal(http.MethodPost))
					Expect(r.URL.Path).To(Equal("/v2/payment/check"))
					var body map[string]string
					Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
					Expect(body["transaction_id"]).To(Equal("CP-1"))
					Expect(body["site_id"]).To(Equal("site-1"))
					_, _ = w.Write([]byte(`{"code":"00","message":"SUCCES","data":{"amount":"2500","currency":"XOF","status":"ACCEPTED","metadata":"order-4"}}`))
				}

				v, err := client.RetrieveTransaction(ctx, paymentgateway.ProviderCinetPay, "CP-1")
				Expect(err).ToNot(HaveOccurred())
				Expect(v.Status).To(Equal(gatewaytypes.StatusCompleted))
				Expect(v.Amount.Decimal.Equal(decimal.NewFromInt(2500))).To(BeTrue())
				Expect(v.MerchantReference).To(Equal("order-4"))
			})

			It("maps the not-found code", func() {
				handler = func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte(`{"code":"627","message":"TRANSACTION_NOT_FOUND","data":{}}`))
				}

				_, err := client.RetrieveTransaction(ctx, paymentgateway.ProviderCinetPay, "CP-x")
				Expect(errors.Is(err, internal.ErrUnknownTransaction)).To(BeTrue())
			})
		})

		It("rejects unsupported providers", func() {
			_, err := client.RetrieveTransaction(ctx, "paypal", "1")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Transfer", func() {
		It("forwards the idempotency key and parses the result", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/transfers"))
				Expect(r.Header.Get("Idempotency-Key")).To(Equal("01HZX"))
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer payout-key"))
				body, _ := io.ReadAll(r.Body)
				Expect(string(body)).To(ContainSubstring(`"phone":"+22990000000"`))
				_, _ = w.Write([]byte(`{"status":"success","provider_ref":"TRF-9"}`))
			}

			res, err := client.Transfer(ctx, &gatewaytypes.TransferRequest{
				Amount:         decimal.NewFromInt(1000),
				Currency:       "XOF",
				Phone:          "+22990000000",
				Country:        "BJ",
				IdempotencyKey: "01HZX",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Status).To(Equal(gatewaytypes.TransferSuccess))
			Expect(res.ProviderRef).To(Equal("TRF-9"))
		})

		It("treats 4xx as a failed transfer", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"error":"invalid phone"}`))
			}

			res, err := client.Transfer(ctx, &gatewaytypes.TransferRequest{
				Amount: decimal.NewFromInt(1000), Phone: "1", Country: "BJ", IdempotencyKey: "k",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Status).To(Equal(gatewaytypes.TransferFailed))
		})

		It("treats 5xx as provider unavailable", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			}

			_, err := client.Transfer(ctx, &gatewaytypes.TransferRequest{
				Amount: decimal.NewFromInt(1000), Phone: "1", Country: "BJ", IdempotencyKey: "k",
			})
			Expect(errors.Is(err, internal.ErrProviderUnavailable)).To(BeTrue())
		})

		It("validates the request before calling out", func() {
			_, err := client.Transfer(ctx, &gatewaytypes.TransferRequest{Amount: decimal.Zero})
			Expect(err).To(HaveOccurred())
		})
	})
})
