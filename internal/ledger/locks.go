package ledger

import (
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/order"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/payout"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/user"
	"github.com/frahmantamala/gameshop-ledger/internal/core/datamodel/wallet"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Lock order inside one transaction: payment, order, wallet or listing.
// Every helper must be called with a transaction handle.

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func LockPayment(tx *gorm.DB, id int64) (*payment.Payment, error) {
	var p payment.Payment
	if err := forUpdate(tx).First(&p, id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

func LockPaymentByTransactionID(tx *gorm.DB, transactionID string) (*payment.Payment, error) {
	var p payment.Payment
	if err := forUpdate(tx).Where("transaction_id = ?", transactionID).First(&p).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

// LockOrder locks the order row and loads its items.
func LockOrder(tx *gorm.DB, id int64) (*order.Order, error) {
	var o order.Order
	if err := forUpdate(tx).First(&o, id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	if err := tx.Where("order_id = ?", o.ID).Order("id").Find(&o.Items).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func LockWalletByUserID(tx *gorm.DB, userID int64) (*wallet.Account, error) {
	var a wallet.Account
	if err := forUpdate(tx).Where("user_id = ?", userID).First(&a).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &a, nil
}

func LockWallet(tx *gorm.DB, id int64) (*wallet.Account, error) {
	var a wallet.Account
	if err := forUpdate(tx).First(&a, id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &a, nil
}

func LockListing(tx *gorm.DB, id int64) (*marketplace.Listing, error) {
	var l marketplace.Listing
	if err := forUpdate(tx).First(&l, id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &l, nil
}

func LockPartnerWallet(tx *gorm.DB, sellerID int64) (*marketplace.PartnerWallet, error) {
	var w marketplace.PartnerWallet
	if err := forUpdate(tx).Where("seller_id = ?", sellerID).First(&w).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &w, nil
}

func LockPayout(tx *gorm.DB, id int64) (*payout.Payout, error) {
	var p payout.Payout
	if err := forUpdate(tx).First(&p, id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

func LockReferralByReferredUser(tx *gorm.DB, referredUserID int64) (*user.Referral, error) {
	var r user.Referral
	if err := forUpdate(tx).Where("referred_user_id = ?", referredUserID).First(&r).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &r, nil
}

func LockMarketplaceOrder(tx *gorm.DB, id int64) (*marketplace.Order, error) {
	var o marketplace.Order
	if err := forUpdate(tx).First(&o, id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &o, nil
}

func LockUser(tx *gorm.DB, id int64) (*user.User, error) {
	var u user.User
	if err := forUpdate(tx).First(&u, id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &u, nil
}
