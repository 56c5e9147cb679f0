package signature_test

import (
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/signature"
)

var _ = Describe("Verifier", func() {
	const secret = "whsec_test"
	body := []byte(`{"name":"transaction.approved","entity":{"id":101,"amount":5000}}`)

	var v *signature.Verifier

	BeforeEach(func() {
		v = signature.NewVerifier(map[string]string{"fedapay": secret}, 5*time.Minute)
	})

	It("accepts a versioned header signed over timestamp and body", func() {
		header := signature.Sign(secret, time.Now().Unix(), body)
		Expect(v.Verify("fedapay", body, header)).To(Succeed())
	})

	It("accepts when any v1 value matches", func() {
		ts := time.Now().Unix()
		_, goodSig, _ := strings.Cut(signature.Sign(secret, ts, body), ",")
		rotated := signature.Sign("old-secret", ts, body) + "," + goodSig

		Expect(v.Verify("fedapay", body, rotated)).To(Succeed())
	})

	It("accepts the legacy bare hex header", func() {
		Expect(v.Verify("fedapay", body, signature.SignLegacy(secret, body))).To(Succeed())
	})

	It("rejects a tampered body", func() {
		header := signature.Sign(secret, time.Now().Unix(), body)
		tampered := []byte(`{"name":"transaction.approved","entity":{"id":101,"amount":9000}}`)

		err := v.Verify("fedapay", tampered, header)
		Expect(errors.Is(err, internal.ErrSignatureInvalid)).To(BeTrue())
	})

	It("rejects a stale timestamp", func() {
		header := signature.Sign(secret, time.Now().Add(-time.Hour).Unix(), body)
		Expect(errors.Is(v.Verify("fedapay", body, header), internal.ErrSignatureInvalid)).To(BeTrue())
	})

	It("skips the freshness check when tolerance is zero", func() {
		v = signature.NewVerifier(map[string]string{"fedapay": secret}, 0)
		header := signature.Sign(secret, time.Now().Add(-24*time.Hour).Unix(), body)
		Expect(v.Verify("fedapay", body, header)).To(Succeed())
	})

	It("rejects unknown providers and empty headers", func() {
		Expect(errors.Is(v.Verify("cinetpay", body, signature.SignLegacy(secret, body)), internal.ErrSignatureInvalid)).To(BeTrue())
		Expect(errors.Is(v.Verify("fedapay", body, ""), internal.ErrSignatureInvalid)).To(BeTrue())
		Expect(errors.Is(v.Verify("fedapay", body, "t=123"), internal.ErrSignatureInvalid)).To(BeTrue())
	})

	It("derives provider header names", func() {
		Expect(signature.HeaderName("fedapay")).To(Equal("X-Fedapay-Signature"))
		Expect(signature.HeaderName("cinetpay")).To(Equal("X-Cinetpay-Signature"))
	})
})
