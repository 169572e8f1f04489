package store

import (
	"context"
	"errors"

	"retailpos/backend/internal/domain"
)

var (
	ErrInvalidPlan = errors.New("invalid commit plan")
	ErrConflict    = errors.New("already exists")
	// ErrDuplicateSequence means the drawn transaction number is already
	// stored, which happens when a sequencer lost its state.
	ErrDuplicateSequence = errors.New("transaction number already used")
)

// RetryAfterReseed runs exec. When it fails with ErrDuplicateSequence, reseed
// moves the sequencer past the stored numbers and exec runs once more. A nil
// reseed disables the retry.
func RetryAfterReseed(ctx context.Context, reseed func(context.Context) (bool, error), exec func(context.Context) (*CommitResult, error)) (*CommitResult, error) {
	result, err := exec(ctx)
	if err == nil || reseed == nil || !errors.Is(err, ErrDuplicateSequence) {
		return result, err
	}
	moved, rerr := reseed(ctx)
	if rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	if !moved {
		return nil, err
	}
	return exec(ctx)
}

type Repository interface {
	// ExecutePlan runs every step of plan as one atomic unit. Either all of
	// its writes become visible together or none do.
	ExecutePlan(ctx context.Context, plan CommitPlan) (*CommitResult, error)

	GetSale(ctx context.Context, saleID string) (*domain.SaleDetail, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	ListStockAdjustments(ctx context.Context, productID string) ([]domain.StockAdjustment, error)
	// MaxTransactionSequence is the highest sequence number persisted so far,
	// 0 for an empty ledger.
	MaxTransactionSequence(ctx context.Context) (int64, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	// CreateProduct stores a product with zero stock. Opening stock is
	// recorded afterwards as a purchase adjustment.
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// DefaultSaleLimit and MaxSaleLimit bound ListSales page sizes.
const (
	DefaultSaleLimit = 100
	MaxSaleLimit     = 1000
)

func NormalizeLimit(limit int) int {
	if limit < 1 {
		return DefaultSaleLimit
	}
	if limit > MaxSaleLimit {
		return MaxSaleLimit
	}
	return limit
}
