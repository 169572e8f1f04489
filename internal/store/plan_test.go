package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpos/backend/internal/domain"
)

type fakeUnit struct {
	next        int64
	products    map[string]domain.Product
	sales       []domain.Sale
	items       []domain.SaleItem
	adjustments []domain.StockAdjustment
}

func newFakeUnit() *fakeUnit {
	return &fakeUnit{products: map[string]domain.Product{
		"p1": {ID: "p1", SKU: "SKU001", Name: "Kopi", PurchaseCost: decimal.NewFromInt(250), Quantity: 5, Active: true},
		"p2": {ID: "p2", SKU: "SKU002", Name: "Teh", PurchaseCost: decimal.NewFromInt(90), Quantity: 1, Active: true},
		"p3": {ID: "p3", SKU: "SKU003", Name: "Retired", Quantity: 9, Active: false},
	}}
}

func (u *fakeUnit) DrawSequence(context.Context) (int64, error) {
	u.next++
	return u.next, nil
}

func (u *fakeUnit) Product(_ context.Context, id string) (domain.Product, error) {
	p, ok := u.products[id]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	return p, nil
}

func (u *fakeUnit) InsertSale(_ context.Context, sale domain.Sale) error {
	u.sales = append(u.sales, sale)
	return nil
}

func (u *fakeUnit) InsertSaleItem(_ context.Context, item domain.SaleItem) error {
	u.items = append(u.items, item)
	return nil
}

func (u *fakeUnit) ChangeStock(_ context.Context, id string, delta int) (int, int, error) {
	p := u.products[id]
	next := p.Quantity + delta
	if next < 0 {
		return 0, 0, &domain.InsufficientStockError{Available: p.Quantity}
	}
	prev := p.Quantity
	p.Quantity = next
	u.products[id] = p
	return prev, next, nil
}

func (u *fakeUnit) InsertAdjustment(_ context.Context, adj domain.StockAdjustment) error {
	u.adjustments = append(u.adjustments, adj)
	return nil
}

func salePlan(lines map[string]int, order ...string) CommitPlan {
	var plan CommitPlan
	plan.Add(DrawTransactionNumber{}, WriteSaleHeader{Sale: domain.Sale{ID: "sale-1", SellerID: "sari"}})
	for _, id := range order {
		plan.Add(WriteSaleItem{Item: domain.SaleItem{ProductID: id, Quantity: lines[id], UnitPrice: decimal.NewFromInt(399)}})
	}
	for _, id := range order {
		plan.Add(DecrementStock{ProductID: id, Quantity: lines[id]})
		plan.Add(AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: id, Kind: domain.AdjustmentSale, ActorID: "sari"}})
	}
	return plan
}

func TestRunSalePlanFillsDerivedFields(t *testing.T) {
	unit := newFakeUnit()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	plan := salePlan(map[string]int{"p1": 2, "p2": 1}, "p1", "p2")
	plan.Steps[2] = WriteSaleItem{
		Item:      domain.SaleItem{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(399), UnitCost: decimal.NewFromInt(240)},
		CostKnown: true,
	}

	result, err := Run(context.Background(), plan, unit, now)
	require.NoError(t, err)
	require.NotNil(t, result.Sale)

	sale := result.Sale.Sale
	assert.Equal(t, "TXN-00000001", sale.TransactionNumber)
	assert.Equal(t, int64(1), sale.Sequence)
	assert.Equal(t, now, sale.CreatedAt)

	require.Len(t, result.Sale.Items, 2)
	first := result.Sale.Items[0]
	assert.Equal(t, "sale-1", first.SaleID)
	assert.Equal(t, "SKU001", first.ProductSKU)
	assert.Equal(t, "Kopi", first.ProductName)
	assert.Equal(t, "798.00", first.LineTotal.StringFixed(2))
	assert.Equal(t, "240", first.UnitCost.String(), "explicit cost is kept")
	assert.Equal(t, "90", result.Sale.Items[1].UnitCost.String(), "missing cost comes from the product")

	require.Len(t, result.Adjustments, 2)
	adj := result.Adjustments[0]
	assert.Equal(t, -2, adj.QuantityChange)
	assert.Equal(t, 5, adj.PreviousQuantity)
	assert.Equal(t, 3, adj.NewQuantity)
	assert.Equal(t, "sale-1", adj.SaleID)
	assert.Equal(t, 0, result.Adjustments[1].NewQuantity)
}

func TestRunReportsInsufficientStock(t *testing.T) {
	unit := newFakeUnit()
	_, err := Run(context.Background(), salePlan(map[string]int{"p2": 2}, "p2"), unit, time.Now())
	require.Error(t, err)

	var insufficient *domain.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "p2", insufficient.ProductID)
	assert.Equal(t, "SKU002", insufficient.SKU)
	assert.Equal(t, 1, insufficient.Available)
	assert.Equal(t, 2, insufficient.Requested)
}

func TestRunRejectsUnknownAndInactiveProducts(t *testing.T) {
	for _, id := range []string{"missing", "p3"} {
		_, err := Run(context.Background(), salePlan(map[string]int{id: 1}, id), newFakeUnit(), time.Now())
		require.Error(t, err)
		var vErr *domain.ValidationError
		require.True(t, errors.As(err, &vErr), id)
		assert.Equal(t, domain.CodeInvalidLine, vErr.Code)
		assert.Equal(t, 0, vErr.Line)
	}
}

func TestRunMovementPlanWithoutSale(t *testing.T) {
	unit := newFakeUnit()
	var plan CommitPlan
	plan.Add(
		IncrementStock{ProductID: "p2", Quantity: 10},
		AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: "p2", Kind: domain.AdjustmentPurchase, ActorID: "admin"}},
	)

	result, err := Run(context.Background(), plan, unit, time.Now())
	require.NoError(t, err)
	assert.Nil(t, result.Sale)
	require.Len(t, result.Adjustments, 1)
	assert.Equal(t, 10, result.Adjustments[0].QuantityChange)
	assert.Equal(t, 11, result.Adjustments[0].NewQuantity)
	assert.Empty(t, result.Adjustments[0].SaleID)
	assert.Zero(t, unit.next, "movement plans never draw a transaction number")
}

func TestValidateRejectsMalformedPlans(t *testing.T) {
	header := WriteSaleHeader{Sale: domain.Sale{ID: "s"}}
	adj := func(id string) AppendAdjustment {
		return AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: id, Kind: domain.AdjustmentSale}}
	}

	tests := map[string]CommitPlan{
		"empty":                    {},
		"header without draw":      {Steps: []Step{header}},
		"draw without header":      {Steps: []Step{DrawTransactionNumber{}}},
		"double draw":              {Steps: []Step{DrawTransactionNumber{}, DrawTransactionNumber{}, header}},
		"item before header":       {Steps: []Step{WriteSaleItem{Item: domain.SaleItem{ProductID: "p", Quantity: 1}}}},
		"adjustment without stock": {Steps: []Step{adj("p")}},
		"stock without adjustment": {Steps: []Step{DecrementStock{ProductID: "p", Quantity: 1}}},
		"zero decrement":           {Steps: []Step{DecrementStock{ProductID: "p", Quantity: 0}, adj("p")}},
		"unknown kind": {Steps: []Step{
			IncrementStock{ProductID: "p", Quantity: 1},
			AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: "p", Kind: "gift"}},
		}},
	}

	for name, plan := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, plan.Validate(), ErrInvalidPlan)
		})
	}
}

func TestProductIDsAreSortedAndUnique(t *testing.T) {
	plan := salePlan(map[string]int{"p2": 1, "p1": 1}, "p2", "p1")
	plan.Add(IncrementStock{ProductID: "p2", Quantity: 1})
	assert.Equal(t, []string{"p1", "p2"}, plan.ProductIDs())
}

func TestRetryAfterReseedRunsOnceMore(t *testing.T) {
	ctx := context.Background()
	calls, reseeds := 0, 0
	exec := func(context.Context) (*CommitResult, error) {
		calls++
		if calls == 1 {
			return nil, ErrDuplicateSequence
		}
		return &CommitResult{}, nil
	}
	reseed := func(context.Context) (bool, error) {
		reseeds++
		return true, nil
	}

	result, err := RetryAfterReseed(ctx, reseed, exec)
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, reseeds)
}

func TestRetryAfterReseedGivesUp(t *testing.T) {
	ctx := context.Background()
	calls := 0
	exec := func(context.Context) (*CommitResult, error) {
		calls++
		return nil, ErrDuplicateSequence
	}

	_, err := RetryAfterReseed(ctx, func(context.Context) (bool, error) { return false, nil }, exec)
	assert.ErrorIs(t, err, ErrDuplicateSequence)
	assert.Equal(t, 1, calls)

	calls = 0
	_, err = RetryAfterReseed(ctx, func(context.Context) (bool, error) { return true, nil }, exec)
	assert.ErrorIs(t, err, ErrDuplicateSequence)
	assert.Equal(t, 2, calls, "retries only once")

	calls = 0
	boom := errors.New("boom")
	_, err = RetryAfterReseed(ctx, func(context.Context) (bool, error) { return false, boom }, exec)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrDuplicateSequence)
	assert.Equal(t, 1, calls)
}

func TestRetryAfterReseedIgnoresOtherErrors(t *testing.T) {
	reseeded := false
	_, err := RetryAfterReseed(context.Background(), func(context.Context) (bool, error) {
		reseeded = true
		return true, nil
	}, func(context.Context) (*CommitResult, error) {
		return nil, domain.ErrInsufficientStock
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.False(t, reseeded)
}
