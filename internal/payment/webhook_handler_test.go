package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	paymentmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger/ledgertest"
	"github.com/frahmantamala/gameshop-ledger/internal/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
	"github.com/frahmantamala/gameshop-ledger/internal/signature"
)

const webhookSecret = "whsec_test"

var _ = Describe("WebhookHandler", func() {
	var (
		db     *gorm.DB
		q      *queue.MemoryQueue
		router chi.Router
		body   []byte
	)

	send := func(payload []byte, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/fedapay", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if header != "" {
			req.Header.Set("X-Fedapay-Signature", header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	signed := func(payload []byte) string {
		return signature.Sign(webhookSecret, time.Now().Unix(), payload)
	}

	status := func(rec *httptest.ResponseRecorder) string {
		var resp payment.WebhookResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		return resp.Status
	}

	BeforeEach(func() {
		var err error
		db, err = ledgertest.NewDB()
		Expect(err).ToNot(HaveOccurred())
		q = queue.NewMemoryQueue(16)

		verifier := signature.NewVerifier(map[string]string{"fedapay": webhookSecret}, 5*time.Minute)
		handler := payment.NewWebhookHandler(verifier, db, q, nil)

		router = chi.NewRouter()
		router.Post("/api/v1/webhooks/{provider}", handler.Handle)

		body = []byte(`{"id":77,"name":"transaction.approved","entity":{"id":"fp_2001","amount":5000}}`)
	})

	It("rejects unsigned bodies without touching the store", func() {
		rec := send(body, "")
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(rec.Body.String()).To(ContainSubstring("invalid signature"))

		var n int64
		Expect(db.Model(&paymentmodel.WebhookEvent{}).Count(&n).Error).To(Succeed())
		Expect(n).To(BeZero())
		Expect(q.Len()).To(BeZero())
	})

	It("rejects a signature computed over different bytes", func() {
		header := signed(body)
		tampered := bytes.Replace(body, []byte("5000"), []byte("50000"), 1)

		rec := send(tampered, header)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("records the event and enqueues reconciliation", func() {
		rec := send(body, signed(body))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(status(rec)).To(Equal("accepted"))
		Expect(q.Len()).To(Equal(1))

		var stored paymentmodel.WebhookEvent
		Expect(db.First(&stored).Error).To(Succeed())
		Expect(stored.EventID).To(Equal("transaction.approved:77"))
		Expect(stored.TransactionID).To(Equal("fp_2001"))

		job, err := q.Dequeue(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(job.Type).To(Equal(queue.TypePaymentReconcile))

		var payload payment.ReconcileJob
		Expect(job.Decode(&payload)).To(Succeed())
		Expect(payload.TransactionID).To(Equal("fp_2001"))
		Expect(payload.WebhookEventID).To(Equal(stored.ID))
	})

	It("acknowledges processed duplicates without enqueueing again", func() {
		Expect(send(body, signed(body)).Code).To(Equal(http.StatusOK))
		now := time.Now().UTC()
		Expect(db.Model(&paymentmodel.WebhookEvent{}).Where("1 = 1").Update("processed_at", now).Error).To(Succeed())

		rec := send(body, signed(body))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(status(rec)).To(Equal("duplicate"))
		Expect(q.Len()).To(Equal(1))
	})

	It("re-enqueues a duplicate that was never processed", func() {
		Expect(send(body, signed(body)).Code).To(Equal(http.StatusOK))

		rec := send(body, signed(body))
		Expect(status(rec)).To(Equal("accepted"))
		Expect(q.Len()).To(Equal(2))

		var n int64
		Expect(db.Model(&paymentmodel.WebhookEvent{}).Count(&n).Error).To(Succeed())
		Expect(n).To(Equal(int64(1)))
	})

	It("ignores signed payloads without a transaction id", func() {
		empty := []byte(`{"name":"customer.created","entity":{}}`)

		rec := send(empty, signed(empty))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(status(rec)).To(Equal("ignored"))
		Expect(q.Len()).To(BeZero())
	})

	It("refuses oversized bodies", func() {
		huge := []byte(`{"pad":"` + strings.Repeat("a", payment.MaxWebhookBody) + `"}`)

		rec := send(huge, signed(huge))
		Expect(rec.Code).To(Equal(http.StatusRequestEntityTooLarge))
	})
})
