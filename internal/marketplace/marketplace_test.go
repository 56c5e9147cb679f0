package marketplace_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal"
	mpmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	outboxmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/outbox"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/user"
	"github.com/frahmantamala/gameshop-ledger/internal/fulfillment"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger/ledgertest"
	"github.com/frahmantamala/gameshop-ledger/internal/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

var _ = Describe("SellerEarnings", func() {
	It("subtracts the rounded commission and never goes negative", func() {
		commission, earnings := marketplace.SellerEarnings(decimal.RequireFromString("5000"), decimal.RequireFromString("0.1"))
		Expect(commission.Equal(decimal.RequireFromString("500"))).To(BeTrue())
		Expect(earnings.Equal(decimal.RequireFromString("4500"))).To(BeTrue())

		_, earnings = marketplace.SellerEarnings(decimal.RequireFromString("100"), decimal.RequireFromString("1.5"))
		Expect(earnings.IsZero()).To(BeTrue())
	})
})

var _ = Describe("Coordinator", func() {
	var (
		db          *gorm.DB
		ctx         context.Context
		coordinator *marketplace.Coordinator
		seller      *mpmodel.Seller
		listing     *mpmodel.Listing
		buyer       *user.User
		paid        *order.Order
		d           = decimal.RequireFromString
	)

	count := func(model interface{}, query string, args ...interface{}) int64 {
		var n int64
		Expect(db.Model(model).Where(query, args...).Count(&n).Error).To(Succeed())
		return n
	}

	partnerWallet := func() mpmodel.PartnerWallet {
		var w mpmodel.PartnerWallet
		Expect(db.Where("seller_id = ?", seller.ID).First(&w).Error).To(Succeed())
		return w
	}

	newPaidOrder := func(listingID int64) *order.Order {
		o := &order.Order{
			UserID:     buyer.ID,
			Type:       order.TypeMarketplace,
			Status:     order.StatusPaymentSuccess,
			TotalPrice: d("5000"),
			Currency:   "XOF",
			ListingID:  &listingID,
		}
		Expect(db.Create(o).Error).To(Succeed())
		return o
	}

	BeforeEach(func() {
		var err error
		db, err = ledgertest.NewDB()
		Expect(err).ToNot(HaveOccurred())
		ctx = context.Background()
		coordinator = marketplace.NewCoordinator(ledger.New(db), fulfillment.NewDispatcher(), testLogger)

		sellerUser := &user.User{Email: "seller@example.com", Name: "Seller"}
		Expect(db.Create(sellerUser).Error).To(Succeed())
		buyer = &user.User{Email: "buyer@example.com", Name: "Buyer"}
		Expect(db.Create(buyer).Error).To(Succeed())

		seller = &mpmodel.Seller{UserID: sellerUser.ID, Status: mpmodel.SellerStatusApproved, TotalEarnings: decimal.Zero}
		Expect(db.Create(seller).Error).To(Succeed())
		listing = &mpmodel.Listing{
			SellerID:       seller.ID,
			Title:          "Level 80 account",
			Price:          d("5000"),
			CommissionRate: d("0.1"),
			Status:         mpmodel.ListingStatusApproved,
		}
		Expect(db.Create(listing).Error).To(Succeed())
		paid = newPaidOrder(listing.ID)
	})

	Describe("ProcessPaidOrder", func() {
		It("credits pending earnings and sells the listing", func() {
			result, err := coordinator.ProcessPaidOrder(ctx, paid.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Outcome).To(Equal(marketplace.OutcomeCreated))
			Expect(result.Order.SellerEarnings.Equal(d("4500"))).To(BeTrue())
			Expect(result.Order.Status).To(Equal(mpmodel.OrderStatusPaid))

			w := partnerWallet()
			Expect(w.PendingBalance.Equal(d("4500"))).To(BeTrue())
			Expect(w.AvailableBalance.IsZero()).To(BeTrue())

			var sold mpmodel.Listing
			Expect(db.First(&sold, listing.ID).Error).To(Succeed())
			Expect(sold.Status).To(Equal(mpmodel.ListingStatusApproved))
			Expect(*sold.SoldOrderID).To(Equal(paid.ID))

			var s mpmodel.Seller
			Expect(db.First(&s, seller.ID).Error).To(Succeed())
			Expect(s.TotalSales).To(Equal(int64(1)))
			Expect(s.TotalEarnings.Equal(d("4500"))).To(BeTrue())

			Expect(count(&outboxmodel.Message{}, "topic = ?", queue.TypeFulfillmentDeliver)).To(Equal(int64(1)))
		})

		It("creates exactly one escrow under concurrent workers", func() {
			var wg sync.WaitGroup
			outcomes := make(chan string, 4)
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					result, err := coordinator.ProcessPaidOrder(ctx, paid.ID)
					Expect(err).ToNot(HaveOccurred())
					outcomes <- result.Outcome
				}()
			}
			wg.Wait()
			close(outcomes)

			created := 0
			for o := range outcomes {
				if o == marketplace.OutcomeCreated {
					created++
				}
			}
			Expect(created).To(Equal(1))
			Expect(count(&mpmodel.Order{}, "order_id = ?", paid.ID)).To(Equal(int64(1)))
			Expect(count(&mpmodel.PartnerWalletTransaction{}, "1 = 1")).To(Equal(int64(1)))
			Expect(partnerWallet().PendingBalance.Equal(d("4500"))).To(BeTrue())
		})

		It("suspends the listing when the seller is no longer approved", func() {
			Expect(db.Model(seller).Update("status", mpmodel.SellerStatusSuspended).Error).To(Succeed())

			result, err := coordinator.ProcessPaidOrder(ctx, paid.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Outcome).To(Equal(marketplace.OutcomeSellerIneligible))

			var l mpmodel.Listing
			Expect(db.First(&l, listing.ID).Error).To(Succeed())
			Expect(l.Status).To(Equal(mpmodel.ListingStatusSuspended))
			Expect(l.SoldOrderID).To(BeNil())
			Expect(count(&mpmodel.PartnerWalletTransaction{}, "1 = 1")).To(BeZero())
			Expect(count(&mpmodel.Order{}, "1 = 1")).To(BeZero())
		})

		It("suspends the listing when the partner wallet is frozen", func() {
			Expect(db.Create(&mpmodel.PartnerWallet{SellerID: seller.ID, PendingBalance: decimal.Zero, AvailableBalance: decimal.Zero, Frozen: true}).Error).To(Succeed())

			result, err := coordinator.ProcessPaidOrder(ctx, paid.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Outcome).To(Equal(marketplace.OutcomeSellerIneligible))
			Expect(partnerWallet().PendingBalance.IsZero()).To(BeTrue())
		})

		It("never sells a listing twice", func() {
			_, err := coordinator.ProcessPaidOrder(ctx, paid.ID)
			Expect(err).ToNot(HaveOccurred())

			second := newPaidOrder(listing.ID)
			result, err := coordinator.ProcessPaidOrder(ctx, second.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Outcome).To(Equal(marketplace.OutcomeAssignedElsewhere))
			Expect(partnerWallet().PendingBalance.Equal(d("4500"))).To(BeTrue())
		})

		It("skips when the escrow credit already exists", func() {
			w := mpmodel.PartnerWallet{SellerID: seller.ID, PendingBalance: d("4500"), AvailableBalance: decimal.Zero}
			Expect(db.Create(&w).Error).To(Succeed())
			Expect(db.Create(&mpmodel.PartnerWalletTransaction{
				PartnerWalletID: w.ID,
				Type:            mpmodel.PartnerTxCreditPending,
				Amount:          d("4500"),
				Reference:       marketplace.CreditPendingReference(paid.ID),
			}).Error).To(Succeed())

			result, err := coordinator.ProcessPaidOrder(ctx, paid.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Outcome).To(Equal(marketplace.OutcomeAlreadyProcessed))
			Expect(partnerWallet().PendingBalance.Equal(d("4500"))).To(BeTrue())
		})

		It("refuses unpaid orders", func() {
			Expect(db.Model(paid).Update("status", order.StatusPaymentProcessing).Error).To(Succeed())

			_, err := coordinator.ProcessPaidOrder(ctx, paid.ID)
			Expect(errors.Is(err, internal.ErrInvalidState)).To(BeTrue())
		})

		It("drops jobs for orders that are not marketplace orders", func() {
			other := &order.Order{UserID: buyer.ID, Type: order.TypeRetail, Status: order.StatusPaymentSuccess, TotalPrice: d("10"), Currency: "XOF"}
			Expect(db.Create(other).Error).To(Succeed())

			job, err := queue.NewJob(queue.TypeMarketplaceProcess, marketplace.Payload{OrderID: other.ID})
			Expect(err).ToNot(HaveOccurred())
			Expect(queue.IsPermanent(coordinator.HandleJob(ctx, job))).To(BeTrue())
		})
	})

	Describe("escrow release", func() {
		var mo *mpmodel.Order

		BeforeEach(func() {
			result, err := coordinator.ProcessPaidOrder(ctx, paid.ID)
			Expect(err).ToNot(HaveOccurred())
			mo = result.Order
		})

		It("moves earnings to available once on delivery", func() {
			_, err := coordinator.ConfirmDelivery(ctx, mo.ID)
			Expect(err).ToNot(HaveOccurred())
			delivered, err := coordinator.ConfirmDelivery(ctx, mo.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(delivered.Status).To(Equal(mpmodel.OrderStatusDelivered))

			w := partnerWallet()
			Expect(w.PendingBalance.IsZero()).To(BeTrue())
			Expect(w.AvailableBalance.Equal(d("4500"))).To(BeTrue())
			Expect(count(&mpmodel.PartnerWalletTransaction{}, "reference = ?", marketplace.ReleaseReference(paid.ID))).To(Equal(int64(1)))
		})

		It("keeps disputed earnings pending", func() {
			disputed, err := coordinator.OpenDispute(ctx, mo.ID, "credentials do not work")
			Expect(err).ToNot(HaveOccurred())
			Expect(disputed.Status).To(Equal(mpmodel.OrderStatusDisputed))

			_, err = coordinator.ConfirmDelivery(ctx, mo.ID)
			Expect(errors.Is(err, internal.ErrInvalidState)).To(BeTrue())
			Expect(partnerWallet().PendingBalance.Equal(d("4500"))).To(BeTrue())
		})

		It("requires a dispute reason", func() {
			_, err := coordinator.OpenDispute(ctx, mo.ID, "")
			Expect(err).To(HaveOccurred())
		})

		It("shows orders only to their buyer", func() {
			_, err := coordinator.Get(ctx, buyer.ID, mo.ID)
			Expect(err).ToNot(HaveOccurred())
			_, err = coordinator.Get(ctx, buyer.ID+100, mo.ID)
			Expect(errors.Is(err, internal.ErrNotFound)).To(BeTrue())
		})
	})
})
