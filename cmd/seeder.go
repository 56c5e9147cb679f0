package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	mpmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	paymentmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/user"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/metrics"
	"github.com/frahmantamala/gameshop-ledger/internal/wallet"
	"github.com/frahmantamala/gameshop-ledger/pkg/logger"
)

var autoMigrate bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample users, products, a marketplace listing and a pending top-up for local development.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		sqlDB, db, err := ledger.Open(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer sqlDB.Close()

		if autoMigrate {
			if err := ledger.AutoMigrate(db); err != nil {
				log.Fatalf("failed to auto-migrate: %v", err)
			}
		}

		ctx := context.Background()
		store := ledger.New(db)
		wallets := wallet.NewService(store, nil, cfg.Payment.Currency, metrics.New(), logger.LoggerWrapper())

		referrer := seedUser(db, "awa@mail.com", "Awa")
		buyer := seedUser(db, "kofi@mail.com", "Kofi")
		sellerUser := seedUser(db, "ines@mail.com", "Ines")

		expires := time.Now().UTC().Add(30 * 24 * time.Hour)
		level, code := user.PremiumLevelBronze, "GSDEMO001"
		if err := db.Model(referrer).Updates(map[string]interface{}{
			"is_premium":         true,
			"premium_level":      level,
			"premium_expires_at": expires,
			"referral_code":      code,
		}).Error; err != nil {
			log.Fatalf("failed to make referrer premium: %v", err)
		}
		if err := db.Where(user.PremiumMembership{UserID: referrer.ID}).
			Attrs(user.PremiumMembership{Level: level, Status: user.MembershipStatusActive, StartedAt: time.Now().UTC(), ExpiresAt: expires}).
			FirstOrCreate(&user.PremiumMembership{}).Error; err != nil {
			log.Fatalf("failed to seed membership: %v", err)
		}
		if err := db.Where(user.Referral{ReferredUserID: buyer.ID}).
			Attrs(user.Referral{ReferrerID: referrer.ID, CommissionEarned: decimal.Zero}).
			FirstOrCreate(&user.Referral{}).Error; err != nil {
			log.Fatalf("failed to seed referral: %v", err)
		}
		fmt.Printf("Seeded premium referrer %s (code %s) referring %s\n", referrer.Email, code, buyer.Email)

		if _, err := wallets.Credit(ctx, buyer.ID, fmt.Sprintf("seed_opening_balance_%d", buyer.ID), decimal.NewFromInt(10000), map[string]interface{}{"source": "seed"}); err != nil {
			log.Fatalf("failed to seed wallet balance: %v", err)
		}
		fmt.Println("Seeded wallet balance 10000 for", buyer.Email)

		products := []order.Product{
			{Name: "Free Fire 520 diamonds", Price: decimal.NewFromInt(3500)},
			{Name: "PUBG 660 UC", Price: decimal.NewFromInt(6000)},
			{Name: "Gaming headset", Price: decimal.NewFromInt(15000), IsPhysical: true},
		}
		for i := range products {
			if err := db.Where(order.Product{Name: products[i].Name}).Attrs(products[i]).FirstOrCreate(&products[i]).Error; err != nil {
				log.Fatalf("failed to seed product %s: %v", products[i].Name, err)
			}
		}
		fmt.Printf("Seeded %d products\n", len(products))

		seller := mpmodel.Seller{UserID: sellerUser.ID}
		if err := db.Where(mpmodel.Seller{UserID: sellerUser.ID}).
			Attrs(mpmodel.Seller{Status: mpmodel.SellerStatusApproved, TotalEarnings: decimal.Zero}).
			FirstOrCreate(&seller).Error; err != nil {
			log.Fatalf("failed to seed seller: %v", err)
		}
		listing := mpmodel.Listing{}
		if err := db.Where(mpmodel.Listing{SellerID: seller.ID, Title: "Level 70 Free Fire account"}).
			Attrs(mpmodel.Listing{Price: decimal.NewFromInt(25000), CommissionRate: decimal.RequireFromString("0.10"), Status: mpmodel.ListingStatusApproved}).
			FirstOrCreate(&listing).Error; err != nil {
			log.Fatalf("failed to seed listing: %v", err)
		}
		fmt.Println("Seeded marketplace listing", listing.ID, "for seller", sellerUser.Email)

		seedPendingTopup(db, buyer, cfg.Payment.Currency)
	},
}

func init() {
	seedCmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "create missing tables from the models before seeding")
}

func seedUser(db *gorm.DB, email, name string) *user.User {
	u := user.User{}
	if err := db.Where(user.User{Email: email}).Attrs(user.User{Name: name}).FirstOrCreate(&u).Error; err != nil {
		log.Fatalf("failed to seed user %s: %v", email, err)
	}
	return &u
}

// seedPendingTopup leaves a wallet top-up awaiting its provider webhook so the
// reconciliation flow can be exercised locally.
func seedPendingTopup(db *gorm.DB, buyer *user.User, currency string) {
	const transactionID = "seed_fp_1001"

	var count int64
	if err := db.Model(&paymentmodel.Payment{}).Where("transaction_id = ?", transactionID).Count(&count).Error; err != nil {
		log.Fatalf("failed to check seeded payment: %v", err)
	}
	if count > 0 {
		fmt.Println("pending top-up already seeded")
		return
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		o := &order.Order{
			UserID:     buyer.ID,
			Type:       order.TypeWalletTopup,
			Status:     order.StatusPaymentProcessing,
			TotalPrice: decimal.NewFromInt(5000),
			Currency:   currency,
		}
		if err := tx.Create(o).Error; err != nil {
			return err
		}
		return tx.Create(&paymentmodel.Payment{
			OrderID:       o.ID,
			TransactionID: transactionID,
			Method:        paymentmodel.MethodFedaPay,
			Status:        paymentmodel.StatusPending,
			Amount:        o.TotalPrice,
			Currency:      currency,
		}).Error
	})
	if err != nil {
		log.Fatalf("failed to seed pending top-up: %v", err)
	}
	fmt.Println("Seeded pending top-up with provider transaction", transactionID)
}
