package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
)

// Money and percentages leave the API as strings with two fraction digits.
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

type saleResponse struct {
	ID                 string `json:"id"`
	TransactionNumber  string `json:"transaction_number"`
	SellerID           string `json:"seller_id"`
	CustomerName       string `json:"customer_name,omitempty"`
	CustomerPhone      string `json:"customer_phone,omitempty"`
	Subtotal           string `json:"subtotal"`
	DiscountPercentage string `json:"discount_percentage"`
	DiscountAmount     string `json:"discount_amount"`
	TaxPercentage      string `json:"tax_percentage"`
	TaxAmount          string `json:"tax_amount"`
	Total              string `json:"total"`
	PaymentMethod      string `json:"payment_method"`
	PaymentReference   string `json:"payment_reference,omitempty"`
	CreatedAt          string `json:"created_at"`
}

type saleItemResponse struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	ProductSKU  string `json:"product_sku"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	LineTotal   string `json:"line_total"`
	UnitCost    string `json:"unit_cost"`
}

type saleDetailResponse struct {
	Sale  saleResponse       `json:"sale"`
	Items []saleItemResponse `json:"items"`
}

type productResponse struct {
	ID               string `json:"id"`
	SKU              string `json:"sku"`
	Name             string `json:"name"`
	PurchaseCost     string `json:"purchase_cost"`
	SellingPrice     string `json:"selling_price"`
	Quantity         int    `json:"quantity"`
	ReorderThreshold int    `json:"reorder_threshold"`
	LowStock         bool   `json:"low_stock"`
	Active           bool   `json:"active"`
}

func toSaleResponse(sale domain.Sale) saleResponse {
	return saleResponse{
		ID:                 sale.ID,
		TransactionNumber:  sale.TransactionNumber,
		SellerID:           sale.SellerID,
		CustomerName:       sale.CustomerName,
		CustomerPhone:      sale.CustomerPhone,
		Subtotal:           money(sale.Subtotal),
		DiscountPercentage: money(sale.DiscountPercent),
		DiscountAmount:     money(sale.DiscountAmount),
		TaxPercentage:      money(sale.TaxPercent),
		TaxAmount:          money(sale.TaxAmount),
		Total:              money(sale.Total),
		PaymentMethod:      sale.PaymentMethod,
		PaymentReference:   sale.PaymentReference,
		CreatedAt:          sale.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toSaleDetailResponse(detail domain.SaleDetail) saleDetailResponse {
	items := make([]saleItemResponse, 0, len(detail.Items))
	for _, item := range detail.Items {
		items = append(items, saleItemResponse{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			ProductSKU:  item.ProductSKU,
			Quantity:    item.Quantity,
			UnitPrice:   money(item.UnitPrice),
			LineTotal:   money(item.LineTotal),
			UnitCost:    money(item.UnitCost),
		})
	}
	return saleDetailResponse{Sale: toSaleResponse(detail.Sale), Items: items}
}

func toProductResponse(p domain.Product) productResponse {
	return productResponse{
		ID:               p.ID,
		SKU:              p.SKU,
		Name:             p.Name,
		PurchaseCost:     money(p.PurchaseCost),
		SellingPrice:     money(p.SellingPrice),
		Quantity:         p.Quantity,
		ReorderThreshold: p.ReorderThreshold,
		LowStock:         p.LowStock(),
		Active:           p.Active,
	}
}
