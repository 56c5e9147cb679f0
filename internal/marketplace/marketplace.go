// Package marketplace holds buyer money in escrow for gaming account sales.
// A paid order credits the seller's pending balance; delivery confirmation
// promotes it to available, a dispute keeps it pending.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/gameshop-ledger/internal"
	mpmodel "github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
)

// Outcomes of ProcessPaidOrder.
const (
	OutcomeCreated           = "created"
	OutcomeAlreadyProcessed  = "already_processed"
	OutcomeSellerIneligible  = "seller_ineligible"
	OutcomeAssignedElsewhere = "assigned_elsewhere"
)

// Payload is the body of a marketplace.process job.
type Payload struct {
	OrderID int64 `json:"order_id"`
}

// FulfillmentDispatcher schedules the account handoff inside the escrow transaction.
type FulfillmentDispatcher interface {
	DispatchTx(tx *gorm.DB, o *order.Order) error
}

// CreditPendingReference is the partner ledger key of the escrow credit for orderID.
func CreditPendingReference(orderID int64) string {
	return "credit_pending_order_" + strconv.FormatInt(orderID, 10)
}

// ReleaseReference is the partner ledger key of the pending to available promotion.
func ReleaseReference(orderID int64) string {
	return "release_pending_order_" + strconv.FormatInt(orderID, 10)
}

// SellerEarnings is price minus commission, never negative.
func SellerEarnings(price, commissionRate decimal.Decimal) (commission, earnings decimal.Decimal) {
	commission = price.Mul(commissionRate).Round(2)
	earnings = price.Sub(commission)
	if earnings.IsNegative() {
		earnings = decimal.Zero
	}
	return commission, earnings
}

type Coordinator struct {
	store      *ledger.Store
	dispatcher FulfillmentDispatcher
	logger     *slog.Logger
	now        func() time.Time
}

func NewCoordinator(store *ledger.Store, dispatcher FulfillmentDispatcher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type Result struct {
	Outcome string
	Order   *mpmodel.Order
}

// ProcessPaidOrder moves a paid marketplace order into escrow. Eligibility is
// checked under the listing lock; duplicates are caught by the marketplace
// order, the listing assignment and the partner ledger reference.
func (c *Coordinator) ProcessPaidOrder(ctx context.Context, orderID int64) (*Result, error) {
	log := c.logger.With("order_id", orderID)
	result := &Result{}

	err := c.store.Transaction(ctx, func(tx *gorm.DB) error {
		*result = Result{}

		o, err := ledger.LockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if o.Type != order.TypeMarketplace || o.ListingID == nil {
			return internal.NewValidationError(fmt.Sprintf("order %d is not a marketplace order", o.ID), internal.ErrCodeValidationFailed)
		}
		if !o.IsPaid() {
			return internal.ErrInvalidState.WithDetails(map[string]string{"status": o.Status})
		}

		listing, err := ledger.LockListing(tx, *o.ListingID)
		if err != nil {
			return err
		}

		var existing mpmodel.Order
		err = tx.Where("order_id = ?", o.ID).First(&existing).Error
		if err == nil {
			result.Outcome, result.Order = OutcomeAlreadyProcessed, &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var seller mpmodel.Seller
		if err := tx.First(&seller, listing.SellerID).Error; err != nil {
			return fmt.Errorf("failed to load seller %d: %w", listing.SellerID, err)
		}
		wallet, err := c.partnerWalletTx(tx, seller.ID)
		if err != nil {
			return err
		}

		if reason := ineligible(&seller, wallet, listing); reason != "" {
			log.Error("seller not eligible, listing suspended", "listing_id", listing.ID, "seller_id", seller.ID, "reason", reason)
			result.Outcome = OutcomeSellerIneligible
			return tx.Model(listing).Updates(map[string]interface{}{
				"status":         mpmodel.ListingStatusSuspended,
				"suspend_reason": reason,
			}).Error
		}

		if listing.AssignedElsewhere(o.ID) {
			log.Error("listing already sold to another order", "listing_id", listing.ID, "sold_order_id", *listing.SoldOrderID)
			result.Outcome = OutcomeAssignedElsewhere
			return nil
		}

		reference := CreditPendingReference(o.ID)
		var credited int64
		if err := tx.Model(&mpmodel.PartnerWalletTransaction{}).Where("reference = ?", reference).Count(&credited).Error; err != nil {
			return err
		}
		if credited > 0 {
			log.Warn("escrow credit exists without marketplace order", "reference", reference)
			result.Outcome = OutcomeAlreadyProcessed
			return nil
		}

		commission, earnings := SellerEarnings(listing.Price, listing.CommissionRate)

		wallet.PendingBalance = wallet.PendingBalance.Add(earnings)
		if err := tx.Model(wallet).Update("pending_balance", wallet.PendingBalance).Error; err != nil {
			return err
		}
		if err := tx.Create(&mpmodel.PartnerWalletTransaction{
			PartnerWalletID: wallet.ID,
			Type:            mpmodel.PartnerTxCreditPending,
			Amount:          earnings,
			Reference:       reference,
			Meta: map[string]interface{}{
				"order_id":   o.ID,
				"listing_id": listing.ID,
				"commission": commission.StringFixed(2),
			},
		}).Error; err != nil {
			return err
		}

		mo := &mpmodel.Order{
			OrderID:        o.ID,
			ListingID:      listing.ID,
			SellerID:       seller.ID,
			BuyerID:        o.UserID,
			Price:          listing.Price,
			Commission:     commission,
			SellerEarnings: earnings,
			Status:         mpmodel.OrderStatusPaid,
		}
		if err := tx.Create(mo).Error; err != nil {
			return err
		}

		if err := tx.Model(&seller).Updates(map[string]interface{}{
			"total_sales":    gorm.Expr("total_sales + 1"),
			"total_earnings": gorm.Expr("total_earnings + ?", earnings),
		}).Error; err != nil {
			return err
		}

		now := c.now()
		if err := tx.Model(listing).Updates(map[string]interface{}{
			"sold_order_id": o.ID,
			"sold_at":       now,
		}).Error; err != nil {
			return err
		}

		if err := c.dispatcher.DispatchTx(tx, o); err != nil {
			return err
		}
		result.Outcome, result.Order = OutcomeCreated, mo
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("marketplace order processed", "outcome", result.Outcome)
	return result, nil
}

// HandleJob processes a marketplace.process job.
func (c *Coordinator) HandleJob(ctx context.Context, job queue.Job) error {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	_, err := c.ProcessPaidOrder(ctx, payload.OrderID)
	if appErr, ok := internal.IsAppError(err); ok {
		switch appErr.Type {
		case internal.ErrorTypeValidation, internal.ErrorTypeNotFound:
			return queue.Permanent(err)
		}
	}
	return err
}

// ConfirmDelivery marks a paid marketplace order delivered and promotes the
// seller's earnings from pending to available.
func (c *Coordinator) ConfirmDelivery(ctx context.Context, marketplaceOrderID int64) (*mpmodel.Order, error) {
	var mo *mpmodel.Order
	err := c.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := ledger.LockMarketplaceOrder(tx, marketplaceOrderID)
		if err != nil {
			return err
		}
		mo = locked
		switch mo.Status {
		case mpmodel.OrderStatusDelivered:
			return nil
		case mpmodel.OrderStatusPaid:
		default:
			return internal.ErrInvalidState.WithDetails(map[string]string{"status": mo.Status})
		}

		wallet, err := c.partnerWalletTx(tx, mo.SellerID)
		if err != nil {
			return err
		}
		reference := ReleaseReference(mo.OrderID)
		var released int64
		if err := tx.Model(&mpmodel.PartnerWalletTransaction{}).Where("reference = ?", reference).Count(&released).Error; err != nil {
			return err
		}
		if released == 0 {
			wallet.PendingBalance = wallet.PendingBalance.Sub(mo.SellerEarnings)
			wallet.AvailableBalance = wallet.AvailableBalance.Add(mo.SellerEarnings)
			if err := tx.Model(wallet).Updates(map[string]interface{}{
				"pending_balance":   wallet.PendingBalance,
				"available_balance": wallet.AvailableBalance,
			}).Error; err != nil {
				return err
			}
			if err := tx.Create(&mpmodel.PartnerWalletTransaction{
				PartnerWalletID: wallet.ID,
				Type:            mpmodel.PartnerTxRelease,
				Amount:          mo.SellerEarnings,
				Reference:       reference,
				Meta:            map[string]interface{}{"marketplace_order_id": mo.ID},
			}).Error; err != nil {
				return err
			}
		}

		now := c.now()
		mo.Status = mpmodel.OrderStatusDelivered
		mo.DeliveredAt = &now
		return tx.Model(mo).Updates(map[string]interface{}{
			"status":       mo.Status,
			"delivered_at": mo.DeliveredAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("marketplace delivery confirmed", "marketplace_order_id", mo.ID, "order_id", mo.OrderID)
	return mo, nil
}

// OpenDispute freezes a paid marketplace order; its earnings stay pending.
func (c *Coordinator) OpenDispute(ctx context.Context, marketplaceOrderID int64, reason string) (*mpmodel.Order, error) {
	if reason == "" {
		return nil, internal.NewValidationError("dispute reason is required", internal.ErrCodeValidationFailed)
	}
	var mo *mpmodel.Order
	err := c.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := ledger.LockMarketplaceOrder(tx, marketplaceOrderID)
		if err != nil {
			return err
		}
		mo = locked
		switch mo.Status {
		case mpmodel.OrderStatusDisputed:
			return nil
		case mpmodel.OrderStatusPaid:
		default:
			return internal.ErrInvalidState.WithDetails(map[string]string{"status": mo.Status})
		}
		mo.Status = mpmodel.OrderStatusDisputed
		mo.DisputeReason = &reason
		return tx.Model(mo).Updates(map[string]interface{}{
			"status":         mo.Status,
			"dispute_reason": reason,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	c.logger.Warn("marketplace dispute opened", "marketplace_order_id", mo.ID, "order_id", mo.OrderID)
	return mo, nil
}

// Get returns a marketplace order visible to buyerID.
func (c *Coordinator) Get(ctx context.Context, buyerID, marketplaceOrderID int64) (*mpmodel.Order, error) {
	var mo mpmodel.Order
	err := c.store.DB().WithContext(ctx).Where("id = ? AND buyer_id = ?", marketplaceOrderID, buyerID).First(&mo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrNotFound
	}
	if err != nil {
		return nil, internal.NewInternalError("failed to load marketplace order", err)
	}
	return &mo, nil
}

// partnerWalletTx locks the seller's partner wallet, opening it on first use.
func (c *Coordinator) partnerWalletTx(tx *gorm.DB, sellerID int64) (*mpmodel.PartnerWallet, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&mpmodel.PartnerWallet{
		SellerID:         sellerID,
		PendingBalance:   decimal.Zero,
		AvailableBalance: decimal.Zero,
	}).Error; err != nil {
		return nil, err
	}
	return ledger.LockPartnerWallet(tx, sellerID)
}

func ineligible(seller *mpmodel.Seller, wallet *mpmodel.PartnerWallet, listing *mpmodel.Listing) string {
	switch {
	case seller.Status != mpmodel.SellerStatusApproved:
		return "seller " + seller.Status
	case wallet.Frozen:
		return "partner wallet frozen"
	case listing.Status != mpmodel.ListingStatusApproved:
		return "listing " + listing.Status
	}
	return ""
}
