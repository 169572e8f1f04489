package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/storetest"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) store.Repository {
		return newTestStore(t, ":memory:")
	})
}

func TestCounterResumesAboveExistingSales(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := New(ctx, path)
	require.NoError(t, err)
	product := storetest.SeedProduct(t, s, "1", 5)
	for i := 0; i < 3; i++ {
		_, err := s.ExecutePlan(ctx, storetest.SalePlan("sari", storetest.Line(product.ID, 1, "2")))
		require.NoError(t, err)
	}
	// Simulate a counter that was lost or reset behind the ledger.
	_, err = s.db.ExecContext(ctx, `UPDATE counters SET value = 0 WHERE name = ?`, saleCounterKey)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := newTestStore(t, path)
	result, err := reopened.ExecutePlan(ctx, storetest.SalePlan("sari", storetest.Line(product.ID, 1, "2")))
	require.NoError(t, err)
	assert.Equal(t, "TXN-00000004", result.Sale.Sale.TransactionNumber)

	highest, err := reopened.MaxTransactionSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), highest)
}

func TestRejectedCommitRollsBackCounter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, ":memory:")
	product := storetest.SeedProduct(t, s, "1", 1)

	_, err := s.ExecutePlan(ctx, storetest.SalePlan("sari", storetest.Line(product.ID, 2, "2")))
	require.Error(t, err)

	result, err := s.ExecutePlan(ctx, storetest.SalePlan("sari", storetest.Line(product.ID, 1, "2")))
	require.NoError(t, err)
	assert.Equal(t, "TXN-00000001", result.Sale.Sale.TransactionNumber)
}

func TestCounterResetWhileOpenIsReseeded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	product := storetest.SeedProduct(t, s, "1", 10)

	for i := 0; i < 2; i++ {
		_, err := s.ExecutePlan(ctx, storetest.SalePlan("sari", storetest.Line(product.ID, 1, "2")))
		require.NoError(t, err)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE counters SET value = 0 WHERE name = ?`, saleCounterKey)
	require.NoError(t, err)

	result, err := s.ExecutePlan(ctx, storetest.SalePlan("sari", storetest.Line(product.ID, 1, "2")))
	require.NoError(t, err)
	assert.Equal(t, "TXN-00000003", result.Sale.Sale.TransactionNumber)

	stored, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.Quantity)
	storetest.AssertReplayConsistent(t, s, product.ID)
}
