package payout_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal"
	outboxmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/outbox"
	gatewaytypes "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/paymentgateway"
	payoutmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payout"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/user"
	walletmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/wallet"
	"github.com/frahmantamala/gameshop-ledger/internal/core/events"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger/ledgertest"
	"github.com/frahmantamala/gameshop-ledger/internal/payout"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
	"github.com/frahmantamala/gameshop-ledger/internal/wallet"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

// scriptedTransfer replays results in order and repeats the last one.
type scriptedTransfer struct {
	mu      sync.Mutex
	results []*gatewaytypes.TransferResult
	errs    []error
	keys    []string
}

func (s *scriptedTransfer) Transfer(ctx context.Context, req *gatewaytypes.TransferRequest) (*gatewaytypes.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.keys)
	s.keys = append(s.keys, req.IdempotencyKey)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if len(s.results) == 0 {
		return &gatewaytypes.TransferResult{Status: gatewaytypes.TransferSuccess, ProviderRef: "tr_1"}, nil
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

func (s *scriptedTransfer) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func declined(reason string) *gatewaytypes.TransferResult {
	return &gatewaytypes.TransferResult{Status: gatewaytypes.TransferFailed, Reason: reason, Raw: []byte(`{"status":"failed"}`)}
}

var _ = Describe("Service", func() {
	var (
		db       *gorm.DB
		ctx      context.Context
		transfer *scriptedTransfer
		wallets  *wallet.Service
		service  *payout.Service
		bus      *events.EventBus
		owner    *user.User
		d        = decimal.RequireFromString
	)

	balance := func() decimal.Decimal {
		var acc walletmodel.Account
		Expect(db.Where("user_id = ?", owner.ID).First(&acc).Error).To(Succeed())
		return acc.Balance
	}

	reload := func(id int64) payoutmodel.Payout {
		var p payoutmodel.Payout
		Expect(db.First(&p, id).Error).To(Succeed())
		return p
	}

	count := func(model interface{}, query string, args ...interface{}) int64 {
		var n int64
		Expect(db.Model(model).Where(query, args...).Count(&n).Error).To(Succeed())
		return n
	}

	request := func(amount string) *payoutmodel.Payout {
		p, err := service.Request(ctx, owner.ID, payout.Request{Amount: d(amount), Phone: "+22990000000", Country: "bj"})
		Expect(err).ToNot(HaveOccurred())
		return p
	}

	BeforeEach(func() {
		var err error
		db, err = ledgertest.NewDB()
		Expect(err).ToNot(HaveOccurred())
		ctx = context.Background()

		store := ledger.New(db)
		transfer = &scriptedTransfer{}
		bus = events.NewEventBus(testLogger)
		wallets = wallet.NewService(store, nil, "XOF", nil, testLogger)
		service = payout.NewService(store, transfer, wallets, bus, nil, payout.Config{
			Provider:    "fedapay",
			Currency:    "XOF",
			MaxAttempts: 3,
			FeeRate:     d("0.01"),
		}, testLogger)

		owner = &user.User{Email: "seller@example.com", Name: "Seller"}
		Expect(db.Create(owner).Error).To(Succeed())
		_, err = wallets.Credit(ctx, owner.ID, "seed", d("10000"), nil)
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("Request", func() {
		It("holds amount plus fee and schedules the transfer", func() {
			p := request("5000")

			Expect(p.Status).To(Equal(payoutmodel.StatusProcessing))
			Expect(p.Fee.Equal(d("50"))).To(BeTrue())
			Expect(p.TotalDebit.Equal(d("5050"))).To(BeTrue())
			Expect(p.Country).To(Equal("BJ"))
			Expect(p.IdempotencyKey).To(HaveLen(26))
			Expect(balance().Equal(d("4950"))).To(BeTrue())

			var hold walletmodel.Transaction
			Expect(db.First(&hold, p.WalletTransactionID).Error).To(Succeed())
			Expect(hold.Status).To(Equal(walletmodel.TxStatusPending))
			Expect(hold.Reference).To(Equal(payout.HoldReference(p.IdempotencyKey)))

			Expect(count(&outboxmodel.Message{}, "topic = ?", queue.TypePayoutProcess)).To(Equal(int64(1)))
		})

		It("refuses more than the balance and leaves nothing behind", func() {
			_, err := service.Request(ctx, owner.ID, payout.Request{Amount: d("9950"), Phone: "+22990000000", Country: "BJ"})
			Expect(errors.Is(err, internal.ErrInsufficientFunds)).To(BeTrue())

			Expect(count(&payoutmodel.Payout{}, "1 = 1")).To(BeZero())
			Expect(count(&outboxmodel.Message{}, "1 = 1")).To(BeZero())
			Expect(balance().Equal(d("10000"))).To(BeTrue())
		})

		It("validates the request", func() {
			_, err := service.Request(ctx, owner.ID, payout.Request{Amount: d("100"), Country: "BJ"})
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(internal.ErrorTypeValidation))
		})
	})

	Describe("Process", func() {
		It("sends, commits the hold and ignores later redeliveries", func() {
			var published []events.Event
			var mu sync.Mutex
			bus.Subscribe(events.EventTypePayoutSent, func(ctx context.Context, e events.Event) error {
				mu.Lock()
				defer mu.Unlock()
				published = append(published, e)
				return nil
			})

			p := request("5000")
			Expect(service.Process(ctx, p.ID)).To(Succeed())
			Expect(service.Process(ctx, p.ID)).To(Succeed())

			sent := reload(p.ID)
			Expect(sent.Status).To(Equal(payoutmodel.StatusSent))
			Expect(*sent.ProviderRef).To(Equal("tr_1"))
			Expect(sent.Attempts).To(Equal(1))
			Expect(transfer.Keys()).To(Equal([]string{p.IdempotencyKey}))

			var hold walletmodel.Transaction
			Expect(db.First(&hold, p.WalletTransactionID).Error).To(Succeed())
			Expect(hold.Status).To(Equal(walletmodel.TxStatusSuccess))
			Expect(balance().Equal(d("4950"))).To(BeTrue())

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(published)
			}).Should(Equal(1))
		})

		It("retries declines and refunds the full debit after the last attempt", func() {
			transfer.results = []*gatewaytypes.TransferResult{declined("network down"), declined("network down"), declined("account closed")}
			p := request("5000")

			for i := 0; i < 2; i++ {
				err := service.Process(ctx, p.ID)
				Expect(errors.Is(err, internal.ErrTransferFailed)).To(BeTrue())
				Expect(queue.IsPermanent(err)).To(BeFalse())
				Expect(reload(p.ID).Status).To(Equal(payoutmodel.StatusProcessing))
			}
			Expect(service.Process(ctx, p.ID)).To(Succeed())

			failed := reload(p.ID)
			Expect(failed.Status).To(Equal(payoutmodel.StatusFailed))
			Expect(failed.Attempts).To(Equal(3))
			Expect(*failed.LastError).To(Equal("account closed"))
			Expect(balance().Equal(d("10000"))).To(BeTrue())

			var refund walletmodel.Transaction
			Expect(db.Where("reference = ?", payout.RefundReference(p.IdempotencyKey)).First(&refund).Error).To(Succeed())
			Expect(refund.Amount.Equal(p.TotalDebit)).To(BeTrue())

			var hold walletmodel.Transaction
			Expect(db.First(&hold, p.WalletTransactionID).Error).To(Succeed())
			Expect(hold.Status).To(Equal(walletmodel.TxStatusFailed))

			// a stray redelivery neither calls the provider nor refunds again
			Expect(service.Process(ctx, p.ID)).To(Succeed())
			Expect(transfer.Keys()).To(HaveLen(3))
			Expect(count(&walletmodel.Transaction{}, "reference LIKE ?", "payout_refund_%")).To(Equal(int64(1)))
			for _, key := range transfer.Keys() {
				Expect(key).To(Equal(p.IdempotencyKey))
			}
		})

		It("counts provider outages as attempts", func() {
			transfer.errs = []error{internal.ErrProviderUnavailable, nil}
			p := request("1000")

			err := service.Process(ctx, p.ID)
			Expect(errors.Is(err, internal.ErrTransferFailed)).To(BeTrue())
			Expect(reload(p.ID).Attempts).To(Equal(1))

			Expect(service.Process(ctx, p.ID)).To(Succeed())
			Expect(reload(p.ID).Status).To(Equal(payoutmodel.StatusSent))
		})

		It("waits for the callback when the transfer is pending", func() {
			transfer.results = []*gatewaytypes.TransferResult{{Status: gatewaytypes.TransferPending, ProviderRef: "tr_p"}}
			p := request("1000")

			Expect(service.Process(ctx, p.ID)).To(Succeed())
			pending := reload(p.ID)
			Expect(pending.Status).To(Equal(payoutmodel.StatusProcessing))
			Expect(*pending.ProviderRef).To(Equal("tr_p"))
			Expect(pending.Attempts).To(BeZero())
		})

		It("never spends the attempt budget on pending transfers", func() {
			transfer.results = []*gatewaytypes.TransferResult{{Status: gatewaytypes.TransferPending, ProviderRef: "tr_p"}}
			p := request("1000")

			for i := 0; i < 5; i++ {
				Expect(db.Model(&payoutmodel.Payout{}).Where("id = ?", p.ID).UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error).To(Succeed())
				n, err := service.Requeue(ctx, time.Now().Add(-10*time.Minute))
				Expect(err).ToNot(HaveOccurred())
				Expect(n).To(Equal(1))
				Expect(service.Process(ctx, p.ID)).To(Succeed())
			}

			pending := reload(p.ID)
			Expect(pending.Status).To(Equal(payoutmodel.StatusProcessing))
			Expect(pending.Attempts).To(BeZero())
			Expect(transfer.Keys()).To(HaveLen(5))
			Expect(balance().Equal(d("8990"))).To(BeTrue())
			Expect(count(&walletmodel.Transaction{}, "reference LIKE ?", "payout_refund_%")).To(BeZero())

			Expect(service.HandleCallback(ctx, payout.Callback{IdempotencyKey: p.IdempotencyKey, Status: "successful", ProviderRef: "tr_p"}, nil)).To(Succeed())

			sent := reload(p.ID)
			Expect(sent.Status).To(Equal(payoutmodel.StatusSent))
			Expect(balance().Equal(d("8990"))).To(BeTrue())
			Expect(count(&walletmodel.Transaction{}, "reference LIKE ?", "payout_refund_%")).To(BeZero())

			var hold walletmodel.Transaction
			Expect(db.First(&hold, p.WalletTransactionID).Error).To(Succeed())
			Expect(hold.Status).To(Equal(walletmodel.TxStatusSuccess))
		})

		It("keeps an accepted transfer processing through later outages", func() {
			transfer.results = []*gatewaytypes.TransferResult{{Status: gatewaytypes.TransferPending, ProviderRef: "tr_p"}}
			transfer.errs = []error{nil, internal.ErrProviderUnavailable, internal.ErrProviderUnavailable, internal.ErrProviderUnavailable, internal.ErrProviderUnavailable}
			p := request("1000")

			Expect(service.Process(ctx, p.ID)).To(Succeed())
			for i := 0; i < 4; i++ {
				err := service.Process(ctx, p.ID)
				Expect(errors.Is(err, internal.ErrTransferFailed)).To(BeTrue())
				Expect(queue.IsPermanent(err)).To(BeFalse())
			}

			accepted := reload(p.ID)
			Expect(accepted.Status).To(Equal(payoutmodel.StatusProcessing))
			Expect(accepted.Attempts).To(BeZero())
			Expect(balance().Equal(d("8990"))).To(BeTrue())

			// only the provider's own decline fails it
			Expect(service.HandleCallback(ctx, payout.Callback{IdempotencyKey: p.IdempotencyKey, Status: "failed", Reason: "wallet closed"}, nil)).To(Succeed())
			Expect(reload(p.ID).Status).To(Equal(payoutmodel.StatusFailed))
			Expect(balance().Equal(d("10000"))).To(BeTrue())
			Expect(count(&walletmodel.Transaction{}, "reference = ?", payout.RefundReference(p.IdempotencyKey))).To(Equal(int64(1)))
		})

		It("drops jobs for payouts that do not exist", func() {
			Expect(queue.IsPermanent(service.Process(ctx, 999))).To(BeTrue())
		})
	})

	Describe("HandleCallback", func() {
		It("finalizes a processing payout on success", func() {
			p := request("1000")

			Expect(service.HandleCallback(ctx, payout.Callback{IdempotencyKey: p.IdempotencyKey, Status: "successful", ProviderRef: "tr_cb"}, []byte(`{"status":"successful"}`))).To(Succeed())

			sent := reload(p.ID)
			Expect(sent.Status).To(Equal(payoutmodel.StatusSent))
			Expect(*sent.ProviderRef).To(Equal("tr_cb"))
			Expect(count(&payoutmodel.Event{}, "payout_id = ? AND source = ?", p.ID, payoutmodel.EventSourceCallback)).To(Equal(int64(1)))
		})

		It("fails and refunds a processing payout exactly once", func() {
			p := request("1000")
			cb := payout.Callback{Reference: p.IdempotencyKey, Status: "rejected", Reason: "invalid number"}

			Expect(service.HandleCallback(ctx, cb, nil)).To(Succeed())
			Expect(service.HandleCallback(ctx, cb, nil)).To(Succeed())

			Expect(reload(p.ID).Status).To(Equal(payoutmodel.StatusFailed))
			Expect(balance().Equal(d("10000"))).To(BeTrue())
			Expect(count(&walletmodel.Transaction{}, "reference = ?", payout.RefundReference(p.IdempotencyKey))).To(Equal(int64(1)))
			Expect(count(&payoutmodel.Event{}, "payout_id = ? AND source = ?", p.ID, payoutmodel.EventSourceCallback)).To(Equal(int64(2)))
		})

		It("only records a conflicting callback on a sent payout", func() {
			p := request("1000")
			Expect(service.Process(ctx, p.ID)).To(Succeed())

			Expect(service.HandleCallback(ctx, payout.Callback{IdempotencyKey: p.IdempotencyKey, Status: "failed"}, nil)).To(Succeed())

			Expect(reload(p.ID).Status).To(Equal(payoutmodel.StatusSent))
			Expect(balance().Equal(d("8990"))).To(BeTrue())
			Expect(count(&walletmodel.Transaction{}, "reference LIKE ?", "payout_refund_%")).To(BeZero())
		})

		It("reports unknown payouts as not found", func() {
			err := service.HandleCallback(ctx, payout.Callback{IdempotencyKey: "01HZZZZZZZZZZZZZZZZZZZZZZZ", Status: "success"}, nil)
			Expect(errors.Is(err, internal.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("Requeue", func() {
		It("reschedules payouts stuck in processing", func() {
			p := request("1000")
			Expect(db.Model(&payoutmodel.Payout{}).Where("id = ?", p.ID).UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error).To(Succeed())

			n, err := service.Requeue(ctx, time.Now().Add(-10*time.Minute))
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(count(&outboxmodel.Message{}, "topic = ?", queue.TypePayoutProcess)).To(Equal(int64(2)))

			n, err = service.Requeue(ctx, time.Now().Add(-10*time.Minute))
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})
})
