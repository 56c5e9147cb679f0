package order

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	TypeRetail              = "retail"
	TypeRecharge            = "recharge"
	TypeWalletTopup         = "wallet_topup"
	TypePremiumSubscription = "premium_subscription"
	TypeMarketplace         = "marketplace_gaming_account"
	TypeRedeem              = "redeem"
)

const (
	StatusPaymentProcessing = "payment_processing"
	StatusPaymentSuccess    = "payment_success"
	StatusPaymentFailed     = "payment_failed"
	StatusPaidPendingStock  = "paid_pending_stock"
	StatusFulfilled         = "fulfilled"
	StatusFailed            = "failed"
)

type Order struct {
	ID              int64             `gorm:"primaryKey"`
	UserID          int64             `gorm:"column:user_id;not null;index"`
	Type            string            `gorm:"column:type;size:40;not null"`
	Status          string            `gorm:"column:status;size:40;not null;index"`
	TotalPrice      decimal.Decimal   `gorm:"column:total_price;type:decimal(20,2);not null"`
	Currency        string            `gorm:"column:currency;size:3;not null"`
	WalletReference *string           `gorm:"column:wallet_reference;size:120"`
	PremiumLevel    *string           `gorm:"column:premium_level;size:20"`
	ListingID       *int64            `gorm:"column:listing_id"`
	ShippingData    datatypes.JSON    `gorm:"column:shipping_data"`
	DeliveryData    datatypes.JSONMap `gorm:"column:delivery_data"`
	PaidAt          *time.Time        `gorm:"column:paid_at"`
	FulfilledAt     *time.Time        `gorm:"column:fulfilled_at"`
	Items           []Item            `gorm:"foreignKey:OrderID"`
	CreatedAt       time.Time         `gorm:"column:created_at"`
	UpdatedAt       time.Time         `gorm:"column:updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusPaymentFailed, StatusFulfilled, StatusFailed:
		return true
	}
	return false
}

// IsPaid reports whether money for the order has been received.
func (o *Order) IsPaid() bool {
	switch o.Status {
	case StatusPaymentSuccess, StatusPaidPendingStock, StatusFulfilled:
		return true
	}
	return false
}

func (o *Order) HasPhysicalItems() bool {
	for _, it := range o.Items {
		if it.IsPhysical {
			return true
		}
	}
	return false
}

// BonusEligible reports whether bonus balance may be spent on this order type.
func BonusEligible(orderType string) bool {
	return orderType == TypeRecharge
}

type Item struct {
	ID             int64           `gorm:"primaryKey"`
	OrderID        int64           `gorm:"column:order_id;not null;index"`
	ProductID      int64           `gorm:"column:product_id;not null"`
	Quantity       int             `gorm:"column:quantity;not null"`
	UnitPrice      decimal.Decimal `gorm:"column:unit_price;type:decimal(20,2);not null"`
	IsPhysical     bool            `gorm:"column:is_physical;not null;default:false"`
	DenominationID *int64          `gorm:"column:denomination_id"`
}

func (Item) TableName() string {
	return "order_items"
}

type Product struct {
	ID         int64           `gorm:"primaryKey"`
	Name       string          `gorm:"column:name;size:200;not null"`
	Price      decimal.Decimal `gorm:"column:price;type:decimal(20,2);not null"`
	IsPhysical bool            `gorm:"column:is_physical;not null;default:false"`
	SalesCount int64           `gorm:"column:sales_count;not null;default:0"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at"`
}

func (Product) TableName() string {
	return "products"
}
