package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	outboxmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger/ledgertest"
	"github.com/frahmantamala/gameshop-ledger/internal/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

var _ = Describe("Outbox", func() {
	var (
		db     *gorm.DB
		q      *queue.MemoryQueue
		relay  *outbox.Relay
		ctx    context.Context
		logger *slog.Logger
	)

	BeforeEach(func() {
		var err error
		db, err = ledgertest.NewDB()
		Expect(err).ToNot(HaveOccurred())
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		q = queue.NewMemoryQueue(10)
		relay = outbox.NewRelay(db, q, outbox.RelayConfig{BatchSize: 10}, nil, logger)
		ctx = context.Background()
	})

	It("relays committed messages once", func() {
		Expect(db.Transaction(func(tx *gorm.DB) error {
			return outbox.Write(tx, queue.TypeFulfillmentDeliver, map[string]int64{"order_id": 42})
		})).To(Succeed())

		n, err := relay.RelayOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))

		job, err := q.Dequeue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(job.Type).To(Equal(queue.TypeFulfillmentDeliver))
		var payload map[string]int64
		Expect(json.Unmarshal(job.Payload, &payload)).To(Succeed())
		Expect(payload["order_id"]).To(Equal(int64(42)))

		n, err = relay.RelayOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(0))
	})

	It("drops messages written by a rolled back transaction", func() {
		err := db.Transaction(func(tx *gorm.DB) error {
			Expect(outbox.Write(tx, queue.TypePayoutProcess, map[string]int64{"payout_id": 1})).To(Succeed())
			return errors.New("rollback")
		})
		Expect(err).To(HaveOccurred())

		n, err := relay.RelayOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(0))
	})

	It("holds back messages until they are available", func() {
		Expect(outbox.WriteAt(db, queue.TypePayoutProcess, map[string]int64{"payout_id": 1}, time.Now().Add(time.Hour))).To(Succeed())

		n, err := relay.RelayOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(0))

		var msg outboxmodel.Message
		Expect(db.First(&msg).Error).ToNot(HaveOccurred())
		Expect(msg.Status).To(Equal(outboxmodel.StatusPending))
	})
})
