// Package cart computes checkout totals from a set of line items.
//
// A Cart holds no derived state: Subtotal, DiscountAmount, TaxAmount and
// Total are recomputed from the current lines and percentages on every call.
// Monetary results are rounded to two fraction digits at each derived step,
// and Total is always exactly Subtotal - DiscountAmount + TaxAmount.
package cart

import (
	"github.com/shopspring/decimal"
)

const moneyPlaces = 2

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

type Line struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	UnitCost  decimal.Decimal
	// CostKnown is false when the caller left the unit cost to be frozen
	// from the product record at commit time.
	CostKnown bool
}

// LineTotal is UnitPrice × Quantity.
func (l Line) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))).Round(moneyPlaces)
}

type Totals struct {
	Subtotal        decimal.Decimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
	TaxPercent      decimal.Decimal
	TaxAmount       decimal.Decimal
	Total           decimal.Decimal
}

type Cart struct {
	order    []string
	lines    map[string]Line
	discount decimal.Decimal
	tax      decimal.Decimal
}

func New() *Cart {
	return &Cart{lines: make(map[string]Line)}
}

// AddItem appends a line or, when the product is already in the cart,
// increases its quantity. Price and cost of the existing line are kept.
func (c *Cart) AddItem(line Line) {
	if line.ProductID == "" || line.Quantity <= 0 {
		return
	}
	if existing, ok := c.lines[line.ProductID]; ok {
		existing.Quantity += line.Quantity
		c.lines[line.ProductID] = existing
		return
	}
	c.order = append(c.order, line.ProductID)
	c.lines[line.ProductID] = line
}

// UpdateQuantity sets the quantity of a line; quantity <= 0 removes it.
func (c *Cart) UpdateQuantity(productID string, quantity int) {
	existing, ok := c.lines[productID]
	if !ok {
		return
	}
	if quantity <= 0 {
		c.RemoveItem(productID)
		return
	}
	existing.Quantity = quantity
	c.lines[productID] = existing
}

func (c *Cart) RemoveItem(productID string) {
	if _, ok := c.lines[productID]; !ok {
		return
	}
	delete(c.lines, productID)
	for i, id := range c.order {
		if id == productID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// SetDiscount clamps p to [0, 100].
func (c *Cart) SetDiscount(p decimal.Decimal) {
	switch {
	case p.LessThan(zero):
		p = zero
	case p.GreaterThan(hundred):
		p = hundred
	}
	c.discount = p
}

// SetTax clamps p to [0, ∞).
func (c *Cart) SetTax(p decimal.Decimal) {
	if p.LessThan(zero) {
		p = zero
	}
	c.tax = p
}

func (c *Cart) DiscountPercent() decimal.Decimal {
	return c.discount
}

func (c *Cart) TaxPercent() decimal.Decimal {
	return c.tax
}

// Lines returns the lines in insertion order.
func (c *Cart) Lines() []Line {
	out := make([]Line, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.lines[id])
	}
	return out
}

func (c *Cart) Len() int {
	return len(c.order)
}

func (c *Cart) Subtotal() decimal.Decimal {
	sum := zero
	for _, id := range c.order {
		sum = sum.Add(c.lines[id].LineTotal())
	}
	return sum
}

func (c *Cart) DiscountAmount() decimal.Decimal {
	return c.Subtotal().Mul(c.discount).Div(hundred).Round(moneyPlaces)
}

func (c *Cart) TaxAmount() decimal.Decimal {
	taxable := c.Subtotal().Sub(c.DiscountAmount())
	return taxable.Mul(c.tax).Div(hundred).Round(moneyPlaces)
}

func (c *Cart) Total() decimal.Decimal {
	return c.Subtotal().Sub(c.DiscountAmount()).Add(c.TaxAmount())
}

// Totals snapshots all derived values from a single pass over the lines.
func (c *Cart) Totals() Totals {
	subtotal := c.Subtotal()
	discount := subtotal.Mul(c.discount).Div(hundred).Round(moneyPlaces)
	tax := subtotal.Sub(discount).Mul(c.tax).Div(hundred).Round(moneyPlaces)
	return Totals{
		Subtotal:        subtotal,
		DiscountPercent: c.discount,
		DiscountAmount:  discount,
		TaxPercent:      c.tax,
		TaxAmount:       tax,
		Total:           subtotal.Sub(discount).Add(tax),
	}
}
