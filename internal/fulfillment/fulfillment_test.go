package fulfillment_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal"
	idempotencymodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	outboxmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/core/events"
	"github.com/frahmantamala/gameshop-ledger/internal/fulfillment"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger/ledgertest"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type fakeAllocator struct {
	mu    sync.Mutex
	codes []string
	err   error
	delay time.Duration
	calls int
}

func (f *fakeAllocator) Allocate(ctx context.Context, o *order.Order) ([]string, error) {
	f.mu.Lock()
	f.calls++
	codes, err, delay := f.codes, f.err, f.delay
	f.mu.Unlock()
	time.Sleep(delay)
	return codes, err
}

func (f *fakeAllocator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDeliverer struct {
	delivered []int64
	err       error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, o *order.Order) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, o.ID)
	return nil
}

type notification struct {
	userID   int64
	template string
	data     map[string]interface{}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (f *fakeNotifier) Notify(ctx context.Context, userID int64, template string, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{userID: userID, template: template, data: data})
	return nil
}

func (f *fakeNotifier) Templates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.template)
	}
	return out
}

var _ = Describe("Dispatcher", func() {
	It("writes a delivery job only when the transaction commits", func() {
		db, err := ledgertest.NewDB()
		Expect(err).ToNot(HaveOccurred())
		d := fulfillment.NewDispatcher()

		rollback := errors.New("rollback")
		Expect(db.Transaction(func(tx *gorm.DB) error {
			Expect(d.DispatchTx(tx, &order.Order{ID: 1})).To(Succeed())
			return rollback
		})).To(MatchError(rollback))
		Expect(db.Transaction(func(tx *gorm.DB) error {
			return d.DispatchTx(tx, &order.Order{ID: 2})
		})).To(Succeed())

		var msgs []outboxmodel.Message
		Expect(db.Find(&msgs).Error).To(Succeed())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Topic).To(Equal(queue.TypeFulfillmentDeliver))
		Expect(string(msgs[0].Payload)).To(MatchJSON(`{"order_id":2}`))
	})
})

var _ = Describe("Handler", func() {
	var (
		db        *gorm.DB
		ctx       context.Context
		allocator *fakeAllocator
		deliverer *fakeDeliverer
		notifier  *fakeNotifier
		handler   *fulfillment.Handler
	)

	create := func(orderType, status string) *order.Order {
		o := &order.Order{
			UserID:     5,
			Type:       orderType,
			Status:     status,
			TotalPrice: decimal.RequireFromString("1000"),
			Currency:   "XOF",
		}
		Expect(db.Create(o).Error).To(Succeed())
		return o
	}

	reload := func(id int64) order.Order {
		var o order.Order
		Expect(db.First(&o, id).Error).To(Succeed())
		return o
	}

	BeforeEach(func() {
		var err error
		db, err = ledgertest.NewDB()
		Expect(err).ToNot(HaveOccurred())
		ctx = context.Background()
		allocator = &fakeAllocator{}
		deliverer = &fakeDeliverer{}
		notifier = &fakeNotifier{}
		handler = fulfillment.NewHandler(ledger.New(db), allocator, deliverer, notifier, testLogger)
	})

	It("delivers a paid order once", func() {
		o := create(order.TypeRecharge, order.StatusPaymentSuccess)

		Expect(handler.Deliver(ctx, o.ID)).To(Succeed())
		Expect(handler.Deliver(ctx, o.ID)).To(Succeed())

		Expect(deliverer.delivered).To(Equal([]int64{o.ID}))
		stored := reload(o.ID)
		Expect(stored.Status).To(Equal(order.StatusFulfilled))
		Expect(stored.FulfilledAt).ToNot(BeNil())
		Expect(notifier.Templates()).To(Equal([]string{fulfillment.TemplateOrderFulfilled}))
	})

	It("stores allocated redeem codes", func() {
		allocator.codes = []string{"AAAA-1111", "BBBB-2222"}
		o := create(order.TypeRedeem, order.StatusPaymentSuccess)

		Expect(handler.Deliver(ctx, o.ID)).To(Succeed())

		stored := reload(o.ID)
		Expect(stored.Status).To(Equal(order.StatusFulfilled))
		Expect(stored.DeliveryData["redeem_codes"]).To(ConsistOf("AAAA-1111", "BBBB-2222"))
		Expect(deliverer.delivered).To(BeEmpty())
	})

	It("parks redeem orders when stock runs out", func() {
		allocator.err = internal.ErrStockDepleted
		o := create(order.TypeRedeem, order.StatusPaymentSuccess)

		Expect(handler.Deliver(ctx, o.ID)).To(Succeed())
		Expect(reload(o.ID).Status).To(Equal(order.StatusPaidPendingStock))
		Expect(notifier.Templates()).To(Equal([]string{fulfillment.TemplateAwaitingStock}))

		allocator.err = nil
		allocator.codes = []string{"CCCC-3333"}
		Expect(handler.Deliver(ctx, o.ID)).To(Succeed())
		Expect(reload(o.ID).Status).To(Equal(order.StatusFulfilled))
	})

	It("allocates once when the same job runs concurrently", func() {
		allocator.codes = []string{"DDDD-4444"}
		allocator.delay = 50 * time.Millisecond
		o := create(order.TypeRedeem, order.StatusPaymentSuccess)

		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				errs <- handler.Deliver(ctx, o.ID)
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				Expect(err).To(MatchError(fulfillment.ErrDeliveryInProgress))
				Expect(queue.IsPermanent(err)).To(BeFalse())
			}
		}
		Expect(allocator.Calls()).To(Equal(1))
		Expect(reload(o.ID).Status).To(Equal(order.StatusFulfilled))
		Expect(notifier.Templates()).To(Equal([]string{fulfillment.TemplateOrderFulfilled}))

		var leases int64
		Expect(db.Model(&idempotencymodel.Key{}).Where("scope = ?", idempotencymodel.ScopeFulfillmentDelivering).Count(&leases).Error).To(Succeed())
		Expect(leases).To(BeZero())
	})

	It("turns the job away while another worker holds the lease", func() {
		o := create(order.TypeRedeem, order.StatusPaymentSuccess)
		held := idempotencymodel.Key{Scope: idempotencymodel.ScopeFulfillmentDelivering, Key: fmt.Sprintf("order:%d", o.ID), CreatedAt: time.Now().UTC()}
		Expect(db.Create(&held).Error).To(Succeed())

		Expect(handler.Deliver(ctx, o.ID)).To(MatchError(fulfillment.ErrDeliveryInProgress))
		Expect(allocator.Calls()).To(BeZero())
		Expect(reload(o.ID).Status).To(Equal(order.StatusPaymentSuccess))
	})

	It("takes over a lease abandoned by a crashed worker", func() {
		allocator.codes = []string{"EEEE-5555"}
		o := create(order.TypeRedeem, order.StatusPaymentSuccess)
		stale := idempotencymodel.Key{Scope: idempotencymodel.ScopeFulfillmentDelivering, Key: fmt.Sprintf("order:%d", o.ID), CreatedAt: time.Now().UTC().Add(-time.Hour)}
		Expect(db.Create(&stale).Error).To(Succeed())

		Expect(handler.Deliver(ctx, o.ID)).To(Succeed())
		Expect(allocator.Calls()).To(Equal(1))
		Expect(reload(o.ID).Status).To(Equal(order.StatusFulfilled))
	})

	It("requeues parked orders for delivery", func() {
		allocator.err = internal.ErrStockDepleted
		parked := create(order.TypeRedeem, order.StatusPaymentSuccess)
		Expect(handler.Deliver(ctx, parked.ID)).To(Succeed())
		create(order.TypeRedeem, order.StatusPaymentSuccess)

		n, err := handler.RequeueParked(ctx, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))

		var msgs []outboxmodel.Message
		Expect(db.Where("topic = ?", queue.TypeFulfillmentDeliver).Find(&msgs).Error).To(Succeed())
		Expect(msgs).To(HaveLen(1))
		Expect(string(msgs[0].Payload)).To(MatchJSON(fmt.Sprintf(`{"order_id":%d}`, parked.ID)))

		// a second stock-out does not mail the buyer again
		Expect(handler.Deliver(ctx, parked.ID)).To(Succeed())
		Expect(notifier.Templates()).To(Equal([]string{fulfillment.TemplateAwaitingStock}))
	})

	It("retries when delivery fails", func() {
		deliverer.err = errors.New("storefront down")
		o := create(order.TypeRetail, order.StatusPaymentSuccess)

		err := handler.Deliver(ctx, o.ID)
		Expect(err).To(HaveOccurred())
		Expect(queue.IsPermanent(err)).To(BeFalse())
		Expect(reload(o.ID).Status).To(Equal(order.StatusPaymentSuccess))
	})

	It("drops jobs for unpaid or missing orders", func() {
		o := create(order.TypeRetail, order.StatusPaymentProcessing)

		Expect(queue.IsPermanent(handler.Deliver(ctx, o.ID))).To(BeTrue())
		Expect(queue.IsPermanent(handler.Deliver(ctx, 9999))).To(BeTrue())

		job := queue.Job{Type: queue.TypeFulfillmentDeliver, Payload: []byte(`{`)}
		Expect(queue.IsPermanent(handler.Handle(ctx, job))).To(BeTrue())
	})
})

var _ = Describe("SubscribeNotifications", func() {
	It("mails payment and payout outcomes", func() {
		bus := events.NewEventBus(testLogger)
		notifier := &fakeNotifier{}
		fulfillment.SubscribeNotifications(bus, notifier, testLogger)
		ctx := context.Background()

		Expect(bus.PublishSync(ctx, events.NewPaymentCompletedEvent(1, 5, order.TypeRetail, "fp_1", "1000.00", "XOF"))).To(Succeed())
		Expect(bus.PublishSync(ctx, events.NewPaymentFailedEvent(2, 5, "fp_2", "declined"))).To(Succeed())
		Expect(bus.PublishSync(ctx, events.NewPayoutEvent(events.EventTypePayoutSent, 3, 5, "100.00", "101.00", ""))).To(Succeed())

		Expect(notifier.Templates()).To(Equal([]string{
			fulfillment.TemplatePaymentSuccess,
			fulfillment.TemplatePaymentFailed,
			fulfillment.TemplatePayoutSent,
		}))
		Expect(notifier.sent[2].data["total_debit"]).To(Equal("101.00"))
	})

	It("delivers asynchronous events", func() {
		bus := events.NewEventBus(testLogger)
		notifier := &fakeNotifier{}
		fulfillment.SubscribeNotifications(bus, notifier, testLogger)

		Expect(bus.Publish(context.Background(), events.NewPayoutEvent(events.EventTypePayoutFailed, 3, 5, "100.00", "101.00", "declined"))).To(Succeed())
		Eventually(notifier.Templates, time.Second).Should(ContainElement(fulfillment.TemplatePayoutFailed))
	})
})
