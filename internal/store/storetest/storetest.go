// Package storetest holds behaviour tests shared by every store.Repository
// backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/sequence"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/xid"
)

// Factory returns a repository for one test. Backends backed by a shared
// database may return the same instance; every test uses fresh IDs.
type Factory func(t *testing.T) store.Repository

func RunConformance(t *testing.T, newRepo Factory) {
	t.Run("CommitSaleRoundTrip", func(t *testing.T) { testCommitSaleRoundTrip(t, newRepo(t)) })
	t.Run("RejectedSaleLeavesStateUnchanged", func(t *testing.T) { testRejectedSaleLeavesStateUnchanged(t, newRepo(t)) })
	t.Run("ConcurrentLastUnit", func(t *testing.T) { testConcurrentLastUnit(t, newRepo(t)) })
	t.Run("ConcurrentUnrelatedSalesGetDistinctNumbers", func(t *testing.T) { testConcurrentDistinctNumbers(t, newRepo(t)) })
	t.Run("ContendedProductNeverGoesNegative", func(t *testing.T) { testContendedProduct(t, newRepo(t)) })
	t.Run("ListSalesFilters", func(t *testing.T) { testListSalesFilters(t, newRepo(t)) })
	t.Run("StockMovementPlans", func(t *testing.T) { testStockMovementPlans(t, newRepo(t)) })
	t.Run("StockLimit", func(t *testing.T) { testStockLimit(t, newRepo(t)) })
	t.Run("ProductsAndUsers", func(t *testing.T) { testProductsAndUsers(t, newRepo(t)) })
}

// SeedProduct creates a product and records its opening stock.
func SeedProduct(t *testing.T, repo store.Repository, cost string, stock int) domain.Product {
	t.Helper()
	ctx := context.Background()
	sku := xid.New("SKU")
	product, err := repo.CreateProduct(ctx, domain.Product{
		SKU:          sku,
		Name:         "Item " + sku[len(sku)-6:],
		PurchaseCost: decimal.RequireFromString(cost),
		SellingPrice: decimal.RequireFromString(cost).Mul(decimal.NewFromInt(2)),
		Active:       true,
	})
	require.NoError(t, err)
	require.Equal(t, 0, product.Quantity)

	if stock > 0 {
		var plan store.CommitPlan
		plan.Add(
			store.IncrementStock{ProductID: product.ID, Quantity: stock},
			store.AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: product.ID, Kind: domain.AdjustmentPurchase, ActorID: "test"}},
		)
		_, err := repo.ExecutePlan(ctx, plan)
		require.NoError(t, err)
		product.Quantity = stock
	}
	return *product
}

type line struct {
	productID string
	qty       int
	price     string
}

// SalePlan builds the plan the service would produce for lines.
func SalePlan(sellerID string, lines ...line) store.CommitPlan {
	saleID := xid.New("sale")
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(decimal.RequireFromString(l.price).Mul(decimal.NewFromInt(int64(l.qty))))
	}

	var plan store.CommitPlan
	plan.Add(store.DrawTransactionNumber{}, store.WriteSaleHeader{Sale: domain.Sale{
		ID:              saleID,
		SellerID:        sellerID,
		Subtotal:        subtotal,
		DiscountPercent: decimal.Zero,
		DiscountAmount:  decimal.Zero,
		TaxPercent:      decimal.Zero,
		TaxAmount:       decimal.Zero,
		Total:           subtotal,
		PaymentMethod:   domain.PaymentCash,
	}})
	for _, l := range lines {
		plan.Add(store.WriteSaleItem{Item: domain.SaleItem{
			ProductID: l.productID,
			Quantity:  l.qty,
			UnitPrice: decimal.RequireFromString(l.price),
		}})
	}
	for _, l := range lines {
		plan.Add(
			store.DecrementStock{ProductID: l.productID, Quantity: l.qty},
			store.AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: l.productID, Kind: domain.AdjustmentSale, ActorID: sellerID}},
		)
	}
	return plan
}

func Line(productID string, qty int, price string) line {
	return line{productID: productID, qty: qty, price: price}
}

// AssertReplayConsistent replays a product's ledger from zero and compares
// it with the stored quantity.
func AssertReplayConsistent(t *testing.T, repo store.Repository, productID string) {
	t.Helper()
	ctx := context.Background()
	ledger, err := repo.ListStockAdjustments(ctx, productID)
	require.NoError(t, err)
	product, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)

	qty := 0
	for i, adj := range ledger {
		require.Equal(t, qty, adj.PreviousQuantity, "entry %d previous quantity", i)
		require.Equal(t, adj.PreviousQuantity+adj.QuantityChange, adj.NewQuantity, "entry %d arithmetic", i)
		qty = adj.NewQuantity
		require.GreaterOrEqual(t, qty, 0)
	}
	assert.Equal(t, product.Quantity, qty)
}

func testCommitSaleRoundTrip(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p1 := SeedProduct(t, repo, "250", 5)
	p2 := SeedProduct(t, repo, "10.50", 3)
	seller := xid.New("seller")

	before, err := repo.MaxTransactionSequence(ctx)
	require.NoError(t, err)

	result, err := repo.ExecutePlan(ctx, SalePlan(seller, Line(p1.ID, 2, "399"), Line(p2.ID, 1, "15.25")))
	require.NoError(t, err)
	require.NotNil(t, result.Sale)
	require.Len(t, result.Sale.Items, 2)
	require.Len(t, result.Adjustments, 2)

	sale := result.Sale.Sale
	assert.Greater(t, sale.Sequence, before)
	assert.Equal(t, sequence.Format(sale.Sequence), sale.TransactionNumber)

	stored, err := repo.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.TransactionNumber, stored.Sale.TransactionNumber)
	assert.Equal(t, seller, stored.Sale.SellerID)
	assert.True(t, stored.Sale.Subtotal.Equal(decimal.RequireFromString("813.25")))
	require.Len(t, stored.Items, 2)

	sum := decimal.Zero
	for _, item := range stored.Items {
		sum = sum.Add(item.LineTotal)
		assert.Equal(t, sale.ID, item.SaleID)
	}
	assert.True(t, sum.Equal(stored.Sale.Subtotal))

	byProduct := map[string]domain.SaleItem{}
	for _, item := range stored.Items {
		byProduct[item.ProductID] = item
	}
	assert.Equal(t, p1.SKU, byProduct[p1.ID].ProductSKU)
	assert.Equal(t, p1.Name, byProduct[p1.ID].ProductName)
	assert.True(t, byProduct[p1.ID].UnitCost.Equal(decimal.NewFromInt(250)))
	assert.True(t, byProduct[p2.ID].UnitCost.Equal(decimal.RequireFromString("10.50")))

	got, err := repo.GetProduct(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)

	ledger, err := repo.ListStockAdjustments(ctx, p1.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, domain.AdjustmentPurchase, ledger[0].Kind)
	assert.Equal(t, domain.AdjustmentSale, ledger[1].Kind)
	assert.Equal(t, sale.ID, ledger[1].SaleID)
	assert.Equal(t, -2, ledger[1].QuantityChange)
	assert.Equal(t, 5, ledger[1].PreviousQuantity)
	assert.Equal(t, 3, ledger[1].NewQuantity)

	AssertReplayConsistent(t, repo, p1.ID)
	AssertReplayConsistent(t, repo, p2.ID)

	highest, err := repo.MaxTransactionSequence(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, highest, sale.Sequence)

	_, err = repo.GetSale(ctx, xid.New("sale"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type snapshot struct {
	quantities map[string]int
	ledgers    map[string]int
	sales      int
}

func takeSnapshot(t *testing.T, repo store.Repository, seller string, ids ...string) snapshot {
	t.Helper()
	ctx := context.Background()
	snap := snapshot{quantities: map[string]int{}, ledgers: map[string]int{}}
	for _, id := range ids {
		p, err := repo.GetProduct(ctx, id)
		require.NoError(t, err)
		snap.quantities[id] = p.Quantity
		ledger, err := repo.ListStockAdjustments(ctx, id)
		require.NoError(t, err)
		snap.ledgers[id] = len(ledger)
	}
	sales, err := repo.ListSales(ctx, domain.SaleFilter{SellerID: seller})
	require.NoError(t, err)
	snap.sales = len(sales)
	return snap
}

func testRejectedSaleLeavesStateUnchanged(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	plenty := SeedProduct(t, repo, "1", 10)
	scarce := SeedProduct(t, repo, "1", 1)
	seller := xid.New("seller")

	before := takeSnapshot(t, repo, seller, plenty.ID, scarce.ID)

	plan := SalePlan(seller, Line(plenty.ID, 4, "2"), Line(scarce.ID, 2, "2"))
	_, err := repo.ExecutePlan(ctx, plan)
	require.Error(t, err)

	var insufficient *domain.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, scarce.ID, insufficient.ProductID)
	assert.Equal(t, scarce.SKU, insufficient.SKU)
	assert.Equal(t, 1, insufficient.Available)
	assert.Equal(t, 2, insufficient.Requested)

	assert.Equal(t, before, takeSnapshot(t, repo, seller, plenty.ID, scarce.ID))

	var saleID string
	for _, step := range plan.Steps {
		if h, ok := step.(store.WriteSaleHeader); ok {
			saleID = h.Sale.ID
		}
	}
	_, err = repo.GetSale(ctx, saleID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.ExecutePlan(ctx, SalePlan(seller, Line(xid.New("prod"), 1, "1")))
	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr), "unknown product: %v", err)
	assert.Equal(t, before, takeSnapshot(t, repo, seller, plenty.ID, scarce.ID))
}

func testConcurrentLastUnit(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	product := SeedProduct(t, repo, "5", 1)
	seller := xid.New("seller")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = repo.ExecutePlan(ctx, SalePlan(seller, Line(product.ID, 1, "9")))
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	got, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Quantity)
	AssertReplayConsistent(t, repo, product.ID)
}

func testConcurrentDistinctNumbers(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	const n = 100
	seller := xid.New("seller")
	products := make([]domain.Product, n)
	for i := range products {
		products[i] = SeedProduct(t, repo, "1", 1)
	}

	numbers := make([]string, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			result, err := repo.ExecutePlan(ctx, SalePlan(seller, Line(products[i].ID, 1, "3")))
			if err != nil {
				t.Errorf("commit %d: %v", i, err)
				return
			}
			numbers[i] = result.Sale.Sale.TransactionNumber
		}(i)
	}
	close(start)
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, num := range numbers {
		require.NotEmpty(t, num)
		_, dup := seen[num]
		require.False(t, dup, "duplicate transaction number %s", num)
		seen[num] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func testContendedProduct(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	const stock, buyers = 25, 40
	product := SeedProduct(t, repo, "1", stock)
	seller := xid.New("seller")

	var (
		mu        sync.Mutex
		succeeded int
		wg        sync.WaitGroup
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ExecutePlan(ctx, SalePlan(seller, Line(product.ID, 1, "2")))
			if err != nil && !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, stock, succeeded)
	got, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Quantity)
	AssertReplayConsistent(t, repo, product.ID)

	sales, err := repo.ListSales(ctx, domain.SaleFilter{SellerID: seller})
	require.NoError(t, err)
	assert.Len(t, sales, stock)
}

func testListSalesFilters(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	product := SeedProduct(t, repo, "1", 10)
	alice, bob := xid.New("alice"), xid.New("bob")

	first, err := repo.ExecutePlan(ctx, SalePlan(alice, Line(product.ID, 1, "2")))
	require.NoError(t, err)
	_, err = repo.ExecutePlan(ctx, SalePlan(bob, Line(product.ID, 1, "2")))
	require.NoError(t, err)
	second, err := repo.ExecutePlan(ctx, SalePlan(alice, Line(product.ID, 1, "2")))
	require.NoError(t, err)

	sales, err := repo.ListSales(ctx, domain.SaleFilter{SellerID: alice})
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, second.Sale.Sale.ID, sales[0].ID, "newest first")
	assert.Equal(t, first.Sale.Sale.ID, sales[1].ID)

	limited, err := repo.ListSales(ctx, domain.SaleFilter{SellerID: alice, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	future := time.Now().Add(time.Hour)
	none, err := repo.ListSales(ctx, domain.SaleFilter{SellerID: alice, From: future})
	require.NoError(t, err)
	assert.Empty(t, none)

	past := time.Now().Add(-time.Hour)
	window, err := repo.ListSales(ctx, domain.SaleFilter{SellerID: bob, From: past, To: future})
	require.NoError(t, err)
	assert.Len(t, window, 1)
}

func testStockMovementPlans(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	product := SeedProduct(t, repo, "4", 2)

	var damage store.CommitPlan
	damage.Add(
		store.DecrementStock{ProductID: product.ID, Quantity: 3},
		store.AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: product.ID, Kind: domain.AdjustmentDamage, ActorID: "admin"}},
	)
	_, err := repo.ExecutePlan(ctx, damage)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	var restock store.CommitPlan
	restock.Add(
		store.IncrementStock{ProductID: product.ID, Quantity: 7},
		store.AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: product.ID, Kind: domain.AdjustmentReturn, ActorID: "admin", Note: "customer return"}},
	)
	result, err := repo.ExecutePlan(ctx, restock)
	require.NoError(t, err)
	require.Len(t, result.Adjustments, 1)
	assert.Equal(t, 9, result.Adjustments[0].NewQuantity)
	assert.Nil(t, result.Sale)

	ledger, err := repo.ListStockAdjustments(ctx, product.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, "customer return", ledger[1].Note)
	assert.Empty(t, ledger[1].SaleID)
	AssertReplayConsistent(t, repo, product.ID)

	var ghost store.CommitPlan
	ghost.Add(
		store.IncrementStock{ProductID: xid.New("prod"), Quantity: 1},
		store.AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: "", Kind: domain.AdjustmentPurchase}},
	)
	_, err = repo.ExecutePlan(ctx, ghost)
	assert.ErrorIs(t, err, store.ErrInvalidPlan)

	_, err = repo.ListStockAdjustments(ctx, xid.New("prod"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testStockLimit(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	product := SeedProduct(t, repo, "1", domain.MaxStockQuantity-5)

	purchase := func(qty int) store.CommitPlan {
		var plan store.CommitPlan
		plan.Add(
			store.IncrementStock{ProductID: product.ID, Quantity: qty},
			store.AppendAdjustment{Adjustment: domain.StockAdjustment{ProductID: product.ID, Kind: domain.AdjustmentPurchase, ActorID: "admin"}},
		)
		return plan
	}

	_, err := repo.ExecutePlan(ctx, purchase(6))
	require.ErrorIs(t, err, domain.ErrValidation)

	got, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxStockQuantity-5, got.Quantity)
	ledger, err := repo.ListStockAdjustments(ctx, product.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)

	result, err := repo.ExecutePlan(ctx, purchase(5))
	require.NoError(t, err)
	assert.Equal(t, domain.MaxStockQuantity, result.Adjustments[0].NewQuantity)

	_, err = repo.ExecutePlan(ctx, purchase(domain.MaxStockQuantity+1))
	assert.ErrorIs(t, err, store.ErrInvalidPlan)
}

func testProductsAndUsers(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	product := SeedProduct(t, repo, "3.30", 0)

	_, err := repo.CreateProduct(ctx, domain.Product{SKU: product.SKU, Name: "dup", Active: true})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, product.SKU, got.SKU)
	assert.True(t, got.PurchaseCost.Equal(decimal.RequireFromString("3.30")))

	listed, err := repo.ListProducts(ctx)
	require.NoError(t, err)
	found := false
	for _, p := range listed {
		found = found || p.ID == product.ID
	}
	assert.True(t, found)

	_, err = repo.GetProduct(ctx, xid.New("prod"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	username := xid.New("user")
	require.NoError(t, repo.CreateUser(ctx, domain.UserAccount{Username: username, Password: "hash", Role: domain.RoleSeller, Active: true}))
	assert.ErrorIs(t, repo.CreateUser(ctx, domain.UserAccount{Username: username, Password: "hash"}), store.ErrConflict)
	require.NoError(t, repo.UpdateUserPassword(ctx, username, "hash2"))
	assert.ErrorIs(t, repo.UpdateUserPassword(ctx, xid.New("user"), "x"), domain.ErrNotFound)

	users, err := repo.ListUsers(ctx)
	require.NoError(t, err)
	var account *domain.UserAccount
	for i := range users {
		if users[i].Username == username {
			account = &users[i]
		}
	}
	require.NotNil(t, account)
	assert.Equal(t, "hash2", account.Password)
	assert.Equal(t, domain.RoleSeller, account.Role)
}
