package premium_test

import (
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/user"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger/ledgertest"
	"github.com/frahmantamala/gameshop-ledger/internal/premium"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

var _ = Describe("Service", func() {
	const period = 30 * 24 * time.Hour

	var (
		db      *gorm.DB
		service *premium.Service
		member  *user.User
	)

	subscription := func(level string) *order.Order {
		o := &order.Order{
			UserID:       member.ID,
			Type:         order.TypePremiumSubscription,
			Status:       order.StatusPaymentSuccess,
			TotalPrice:   decimal.RequireFromString("2500"),
			Currency:     "XOF",
			PremiumLevel: &level,
		}
		Expect(db.Create(o).Error).To(Succeed())
		return o
	}

	activate := func(o *order.Order) *user.PremiumMembership {
		var m *user.PremiumMembership
		Expect(db.Transaction(func(tx *gorm.DB) error {
			var err error
			m, err = service.ActivateTx(tx, o)
			return err
		})).To(Succeed())
		return m
	}

	reload := func() user.User {
		var u user.User
		Expect(db.First(&u, member.ID).Error).To(Succeed())
		return u
	}

	BeforeEach(func() {
		var err error
		db, err = ledgertest.NewDB()
		Expect(err).ToNot(HaveOccurred())
		service = premium.NewService(period, testLogger)

		member = &user.User{Email: "member@example.com", Name: "Member"}
		Expect(db.Create(member).Error).To(Succeed())
	})

	It("activates a first membership and mints a referral code", func() {
		m := activate(subscription("Bronze"))
		Expect(m).ToNot(BeNil())
		Expect(m.Level).To(Equal(user.PremiumLevelBronze))
		Expect(m.RenewalCount).To(BeZero())
		Expect(m.ExpiresAt).To(BeTemporally("~", time.Now().Add(period), time.Minute))

		u := reload()
		Expect(u.IsPremium).To(BeTrue())
		Expect(*u.PremiumLevel).To(Equal(user.PremiumLevelBronze))
		Expect(u.ReferralCode).ToNot(BeNil())
		Expect(*u.ReferralCode).To(HavePrefix("GS"))
		Expect(*u.ReferralCode).To(HaveLen(10))
	})

	It("does nothing when the same order is applied twice", func() {
		o := subscription(user.PremiumLevelOr)
		Expect(activate(o)).ToNot(BeNil())
		Expect(activate(o)).To(BeNil())

		var m user.PremiumMembership
		Expect(db.Where("user_id = ?", member.ID).First(&m).Error).To(Succeed())
		Expect(m.RenewalCount).To(BeZero())
	})

	It("stacks renewals on the remaining time and keeps the referral code", func() {
		first := activate(subscription(user.PremiumLevelBronze))
		code := *reload().ReferralCode

		renewed := activate(subscription(user.PremiumLevelPlatine))
		Expect(renewed.RenewalCount).To(Equal(1))
		Expect(renewed.Level).To(Equal(user.PremiumLevelPlatine))
		Expect(renewed.ExpiresAt).To(BeTemporally("~", first.ExpiresAt.Add(period), time.Second))

		u := reload()
		Expect(*u.ReferralCode).To(Equal(code))
		Expect(*u.PremiumLevel).To(Equal(user.PremiumLevelPlatine))
	})

	It("restarts an expired membership from now", func() {
		expired := user.PremiumMembership{
			UserID:    member.ID,
			Level:     user.PremiumLevelBronze,
			Status:    user.MembershipStatusExpired,
			StartedAt: time.Now().Add(-90 * 24 * time.Hour),
			ExpiresAt: time.Now().Add(-60 * 24 * time.Hour),
		}
		Expect(db.Create(&expired).Error).To(Succeed())

		m := activate(subscription(user.PremiumLevelBronze))
		Expect(m.Status).To(Equal(user.MembershipStatusActive))
		Expect(m.RenewalCount).To(Equal(1))
		Expect(m.ExpiresAt).To(BeTemporally("~", time.Now().Add(period), time.Minute))
	})

	It("leaves orders with an unknown level for review", func() {
		Expect(activate(subscription("diamond"))).To(BeNil())
		Expect(reload().IsPremium).To(BeFalse())
	})
})
