package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID               string          `json:"id"`
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	PurchaseCost     decimal.Decimal `json:"purchase_cost"`
	SellingPrice     decimal.Decimal `json:"selling_price"`
	Quantity         int             `json:"quantity"`
	ReorderThreshold int             `json:"reorder_threshold"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// LowStock reports whether the product sits at or below its reorder threshold.
func (p Product) LowStock() bool {
	return p.Quantity <= p.ReorderThreshold
}

type ProductCreateRequest struct {
	SKU              string          `json:"sku" validate:"required,max=64"`
	Name             string          `json:"name" validate:"required,max=200"`
	PurchaseCost     decimal.Decimal `json:"purchase_cost"`
	SellingPrice     decimal.Decimal `json:"selling_price"`
	ReorderThreshold int             `json:"reorder_threshold" validate:"gte=0"`
	InitialStock     int             `json:"initial_stock" validate:"gte=0,lte=1000000"`
}

type Sale struct {
	ID                string          `json:"id"`
	TransactionNumber string          `json:"transaction_number"`
	Sequence          int64           `json:"sequence"`
	SellerID          string          `json:"seller_id"`
	CustomerName      string          `json:"customer_name,omitempty"`
	CustomerPhone     string          `json:"customer_phone,omitempty"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	DiscountPercent   decimal.Decimal `json:"discount_percentage"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	TaxPercent        decimal.Decimal `json:"tax_percentage"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	Total             decimal.Decimal `json:"total"`
	PaymentMethod     string          `json:"payment_method"`
	PaymentReference  string          `json:"payment_reference,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type SaleItem struct {
	ID          string          `json:"id"`
	SaleID      string          `json:"sale_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	ProductSKU  string          `json:"product_sku"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

// SaleDetail is a committed sale together with its line items.
type SaleDetail struct {
	Sale  Sale       `json:"sale"`
	Items []SaleItem `json:"items"`
}

type AdjustmentKind string

const (
	AdjustmentSale     AdjustmentKind = "sale"
	AdjustmentPurchase AdjustmentKind = "purchase"
	AdjustmentManual   AdjustmentKind = "adjustment"
	AdjustmentReturn   AdjustmentKind = "return"
	AdjustmentDamage   AdjustmentKind = "damage"
)

func (k AdjustmentKind) Valid() bool {
	switch k {
	case AdjustmentSale, AdjustmentPurchase, AdjustmentManual, AdjustmentReturn, AdjustmentDamage:
		return true
	default:
		return false
	}
}

type StockAdjustment struct {
	ID               string         `json:"id"`
	ProductID        string         `json:"product_id"`
	Kind             AdjustmentKind `json:"kind"`
	QuantityChange   int            `json:"quantity_change"`
	PreviousQuantity int            `json:"previous_quantity"`
	NewQuantity      int            `json:"new_quantity"`
	SaleID           string         `json:"sale_id,omitempty"`
	ActorID          string         `json:"actor_id"`
	Note             string         `json:"note,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

const (
	// MaxLineQuantity bounds one sale line, repeated lines of a product
	// combined, as well as one stock movement or opening stock.
	MaxLineQuantity = 1_000_000
	// MaxStockQuantity is the largest on-hand quantity a product may hold.
	// It fits a 32-bit INTEGER column.
	MaxStockQuantity = 1<<31 - 1
)

type SaleLineRequest struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity" validate:"lte=1000000"`
	UnitPrice decimal.Decimal  `json:"unit_price"`
	UnitCost  *decimal.Decimal `json:"unit_cost,omitempty"`
}

type CreateSaleRequest struct {
	SellerID         string            `json:"seller_id"`
	Items            []SaleLineRequest `json:"items" validate:"dive"`
	DiscountPercent  decimal.Decimal   `json:"discount_percentage"`
	TaxPercent       decimal.Decimal   `json:"tax_percentage"`
	PaymentMethod    string            `json:"payment_method"`
	PaymentReference string            `json:"payment_reference,omitempty" validate:"max=120"`
	CustomerName     string            `json:"customer_name,omitempty" validate:"max=120"`
	CustomerPhone    string            `json:"customer_phone,omitempty" validate:"max=32"`
}

type SaleFilter struct {
	From     time.Time
	To       time.Time
	SellerID string
	Limit    int
}

type StockMovementRequest struct {
	Kind           AdjustmentKind `json:"kind" validate:"required"`
	QuantityChange int            `json:"quantity_change" validate:"ne=0,min=-1000000,max=1000000"`
	Note           string         `json:"note,omitempty" validate:"max=240"`
}

type StockReplay struct {
	ProductID        string `json:"product_id"`
	Entries          int    `json:"entries"`
	ReplayedQuantity int    `json:"replayed_quantity"`
	CurrentQuantity  int    `json:"current_quantity"`
	Consistent       bool   `json:"consistent"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentQRIS     = "qris"
	PaymentEWallet  = "ewallet"
	PaymentTransfer = "transfer"
)

type SellerCreateRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type SellerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
