package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/sequence"
	"retailpos/backend/internal/xid"
)

// Step is one tagged write of a CommitPlan.
type Step interface {
	planStep()
}

// DrawTransactionNumber takes the next value from the sequencer. The value
// is assigned to the WriteSaleHeader step that follows.
type DrawTransactionNumber struct{}

type WriteSaleHeader struct {
	Sale domain.Sale
}

// WriteSaleItem inserts one line. ProductName and ProductSKU are frozen from
// the product record; UnitCost is frozen from it too unless CostKnown.
type WriteSaleItem struct {
	Item      domain.SaleItem
	CostKnown bool
}

// DecrementStock lowers a product's quantity, failing with
// *domain.InsufficientStockError when it would go below zero.
type DecrementStock struct {
	ProductID string
	Quantity  int
}

type IncrementStock struct {
	ProductID string
	Quantity  int
}

// AppendAdjustment records the stock change made by the closest preceding
// Decrement/IncrementStock step for the same product. QuantityChange,
// PreviousQuantity and NewQuantity are taken from that step.
type AppendAdjustment struct {
	Adjustment domain.StockAdjustment
}

func (DrawTransactionNumber) planStep() {}
func (WriteSaleHeader) planStep()       {}
func (WriteSaleItem) planStep()         {}
func (DecrementStock) planStep()        {}
func (IncrementStock) planStep()        {}
func (AppendAdjustment) planStep()      {}

type CommitPlan struct {
	Steps []Step
}

func (p *CommitPlan) Add(steps ...Step) {
	p.Steps = append(p.Steps, steps...)
}

type CommitResult struct {
	// Sale is nil for plans without a WriteSaleHeader step.
	Sale        *domain.SaleDetail
	Adjustments []domain.StockAdjustment
}

// Validate checks the ordering rules of the plan without touching storage.
func (p CommitPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}

	drawn, header := false, false
	pending := make(map[string]bool)
	for i, step := range p.Steps {
		switch st := step.(type) {
		case DrawTransactionNumber:
			if drawn {
				return fmt.Errorf("%w: step %d: transaction number drawn twice", ErrInvalidPlan, i)
			}
			drawn = true
		case WriteSaleHeader:
			if !drawn || header {
				return fmt.Errorf("%w: step %d: sale header needs exactly one preceding draw", ErrInvalidPlan, i)
			}
			if st.Sale.ID == "" {
				return fmt.Errorf("%w: step %d: sale header without id", ErrInvalidPlan, i)
			}
			header = true
		case WriteSaleItem:
			if !header {
				return fmt.Errorf("%w: step %d: sale item before header", ErrInvalidPlan, i)
			}
			if st.Item.Quantity < 1 {
				return fmt.Errorf("%w: step %d: non-positive item quantity", ErrInvalidPlan, i)
			}
		case DecrementStock:
			if st.ProductID == "" || st.Quantity < 1 || st.Quantity > domain.MaxStockQuantity {
				return fmt.Errorf("%w: step %d: bad stock decrement", ErrInvalidPlan, i)
			}
			pending[st.ProductID] = true
		case IncrementStock:
			if st.ProductID == "" || st.Quantity < 1 || st.Quantity > domain.MaxStockQuantity {
				return fmt.Errorf("%w: step %d: bad stock increment", ErrInvalidPlan, i)
			}
			pending[st.ProductID] = true
		case AppendAdjustment:
			if !pending[st.Adjustment.ProductID] {
				return fmt.Errorf("%w: step %d: adjustment without preceding stock change", ErrInvalidPlan, i)
			}
			if !st.Adjustment.Kind.Valid() {
				return fmt.Errorf("%w: step %d: unknown adjustment kind %q", ErrInvalidPlan, i, st.Adjustment.Kind)
			}
			delete(pending, st.Adjustment.ProductID)
		default:
			return fmt.Errorf("%w: step %d: unknown step %T", ErrInvalidPlan, i, step)
		}
	}
	if drawn && !header {
		return fmt.Errorf("%w: transaction number drawn without a sale header", ErrInvalidPlan)
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: stock change without ledger entry", ErrInvalidPlan)
	}
	return nil
}

// ProductIDs lists every product whose stock the plan changes, sorted.
func (p CommitPlan) ProductIDs() []string {
	set := make(map[string]struct{})
	for _, step := range p.Steps {
		switch st := step.(type) {
		case DecrementStock:
			set[st.ProductID] = struct{}{}
		case IncrementStock:
			set[st.ProductID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unit is the storage side of one open unit of work. Implementations stage
// or write inside a transaction; Run never commits or rolls back.
type Unit interface {
	DrawSequence(ctx context.Context) (int64, error)
	// Product returns the product as seen inside the unit, including stock
	// changes already applied by earlier steps. domain.ErrNotFound if absent.
	Product(ctx context.Context, productID string) (domain.Product, error)
	// InsertSale fails with ErrDuplicateSequence when the sale's transaction
	// number is already stored.
	InsertSale(ctx context.Context, sale domain.Sale) error
	InsertSaleItem(ctx context.Context, item domain.SaleItem) error
	// ChangeStock applies delta atomically. A negative delta must be checked
	// against the current quantity in the same operation that applies it.
	ChangeStock(ctx context.Context, productID string, delta int) (previous int, next int, err error)
	InsertAdjustment(ctx context.Context, adjustment domain.StockAdjustment) error
}

type stockChange struct {
	delta    int
	previous int
	next     int
}

// Run interprets plan step by step against unit. The caller owns the unit's
// transaction and must discard it when Run returns an error.
func Run(ctx context.Context, plan CommitPlan, unit Unit, now time.Time) (*CommitResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	var (
		result   CommitResult
		drawn    int64
		line     int
		products = make(map[string]domain.Product)
		pending  = make(map[string]stockChange)
	)

	lookup := func(productID string) (domain.Product, error) {
		if p, ok := products[productID]; ok {
			return p, nil
		}
		p, err := unit.Product(ctx, productID)
		if err != nil {
			return domain.Product{}, err
		}
		products[productID] = p
		return p, nil
	}

	for _, step := range plan.Steps {
		switch st := step.(type) {
		case DrawTransactionNumber:
			n, err := unit.DrawSequence(ctx)
			if err != nil {
				return nil, err
			}
			if drawn, err = sequence.CheckRange(n); err != nil {
				return nil, err
			}

		case WriteSaleHeader:
			sale := st.Sale
			sale.Sequence = drawn
			sale.TransactionNumber = sequence.Format(drawn)
			if sale.CreatedAt.IsZero() {
				sale.CreatedAt = now
			}
			if err := unit.InsertSale(ctx, sale); err != nil {
				return nil, err
			}
			result.Sale = &domain.SaleDetail{Sale: sale}

		case WriteSaleItem:
			item := st.Item
			product, err := lookup(item.ProductID)
			if errors.Is(err, domain.ErrNotFound) || (err == nil && !product.Active) {
				return nil, domain.NewLineError(line, "product_id", "unknown or inactive product")
			}
			if err != nil {
				return nil, err
			}
			if item.ID == "" {
				item.ID = xid.New("item")
			}
			item.SaleID = result.Sale.Sale.ID
			item.ProductName = product.Name
			item.ProductSKU = product.SKU
			if !st.CostKnown {
				item.UnitCost = product.PurchaseCost
			}
			item.LineTotal = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(2)
			if err := unit.InsertSaleItem(ctx, item); err != nil {
				return nil, err
			}
			result.Sale.Items = append(result.Sale.Items, item)
			line++

		case DecrementStock:
			change, err := applyStock(ctx, unit, lookup, st.ProductID, -st.Quantity)
			if err != nil {
				return nil, err
			}
			pending[st.ProductID] = change

		case IncrementStock:
			change, err := applyStock(ctx, unit, lookup, st.ProductID, st.Quantity)
			if err != nil {
				return nil, err
			}
			pending[st.ProductID] = change

		case AppendAdjustment:
			adj := st.Adjustment
			change := pending[adj.ProductID]
			delete(pending, adj.ProductID)
			if adj.ID == "" {
				adj.ID = xid.New("adj")
			}
			adj.QuantityChange = change.delta
			adj.PreviousQuantity = change.previous
			adj.NewQuantity = change.next
			if adj.Kind == domain.AdjustmentSale && result.Sale != nil {
				adj.SaleID = result.Sale.Sale.ID
			}
			if adj.CreatedAt.IsZero() {
				adj.CreatedAt = now
			}
			if err := unit.InsertAdjustment(ctx, adj); err != nil {
				return nil, err
			}
			result.Adjustments = append(result.Adjustments, adj)
		}
	}

	return &result, nil
}

func applyStock(ctx context.Context, unit Unit, lookup func(string) (domain.Product, error), productID string, delta int) (stockChange, error) {
	product, err := lookup(productID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return stockChange{}, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
		}
		return stockChange{}, err
	}

	previous, next, err := unit.ChangeStock(ctx, productID, delta)
	if err != nil {
		var insufficient *domain.InsufficientStockError
		if errors.As(err, &insufficient) {
			insufficient.ProductID = productID
			insufficient.SKU = product.SKU
			insufficient.Requested = -delta
		}
		return stockChange{}, err
	}
	return stockChange{delta: delta, previous: previous, next: next}, nil
}
