package marketplace

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	SellerStatusPending   = "pending"
	SellerStatusApproved  = "approved"
	SellerStatusSuspended = "suspended"
)

// A sold listing keeps its approved status; SoldOrderID marks the sale.
const (
	ListingStatusApproved  = "approved"
	ListingStatusSuspended = "suspended"
)

const (
	OrderStatusPaid      = "paid"
	OrderStatusDelivered = "delivered"
	OrderStatusDisputed  = "disputed"
)

const (
	PartnerTxCreditPending = "credit_pending"
	PartnerTxRelease       = "release"
)

type Seller struct {
	ID            int64           `gorm:"primaryKey"`
	UserID        int64           `gorm:"column:user_id;not null;uniqueIndex"`
	Status        string          `gorm:"column:status;size:20;not null"`
	TotalSales    int64           `gorm:"column:total_sales;not null;default:0"`
	TotalEarnings decimal.Decimal `gorm:"column:total_earnings;type:decimal(20,2);not null"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

func (Seller) TableName() string {
	return "sellers"
}

type Listing struct {
	ID             int64           `gorm:"primaryKey"`
	SellerID       int64           `gorm:"column:seller_id;not null;index"`
	Title          string          `gorm:"column:title;size:200;not null"`
	Price          decimal.Decimal `gorm:"column:price;type:decimal(20,2);not null"`
	CommissionRate decimal.Decimal `gorm:"column:commission_rate;type:decimal(5,4);not null"`
	Status         string          `gorm:"column:status;size:20;not null"`
	SoldOrderID    *int64          `gorm:"column:sold_order_id"`
	SoldAt         *time.Time      `gorm:"column:sold_at"`
	SuspendReason  *string         `gorm:"column:suspend_reason"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Listing) TableName() string {
	return "seller_listings"
}

// AssignedElsewhere reports whether the listing already belongs to a different order.
func (l *Listing) AssignedElsewhere(orderID int64) bool {
	return l.SoldOrderID != nil && *l.SoldOrderID != orderID
}

type PartnerWallet struct {
	ID               int64           `gorm:"primaryKey"`
	SellerID         int64           `gorm:"column:seller_id;not null;uniqueIndex"`
	PendingBalance   decimal.Decimal `gorm:"column:pending_balance;type:decimal(20,2);not null"`
	AvailableBalance decimal.Decimal `gorm:"column:available_balance;type:decimal(20,2);not null"`
	Frozen           bool            `gorm:"column:frozen;not null;default:false"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (PartnerWallet) TableName() string {
	return "partner_wallets"
}

type PartnerWalletTransaction struct {
	ID              int64             `gorm:"primaryKey"`
	PartnerWalletID int64             `gorm:"column:partner_wallet_id;not null;index"`
	Type            string            `gorm:"column:type;size:20;not null"`
	Amount          decimal.Decimal   `gorm:"column:amount;type:decimal(20,2);not null"`
	Reference       string            `gorm:"column:reference;size:190;not null;uniqueIndex"`
	Meta            datatypes.JSONMap `gorm:"column:meta"`
	CreatedAt       time.Time         `gorm:"column:created_at"`
}

func (PartnerWalletTransaction) TableName() string {
	return "partner_wallet_transactions"
}

type Order struct {
	ID             int64           `gorm:"primaryKey"`
	OrderID        int64           `gorm:"column:order_id;not null;uniqueIndex"`
	ListingID      int64           `gorm:"column:listing_id;not null;index"`
	SellerID       int64           `gorm:"column:seller_id;not null;index"`
	BuyerID        int64           `gorm:"column:buyer_id;not null"`
	Price          decimal.Decimal `gorm:"column:price;type:decimal(20,2);not null"`
	Commission     decimal.Decimal `gorm:"column:commission;type:decimal(20,2);not null"`
	SellerEarnings decimal.Decimal `gorm:"column:seller_earnings;type:decimal(20,2);not null"`
	Status         string          `gorm:"column:status;size:20;not null"`
	DisputeReason  *string         `gorm:"column:dispute_reason"`
	DeliveredAt    *time.Time      `gorm:"column:delivered_at"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Order) TableName() string {
	return "marketplace_orders"
}
