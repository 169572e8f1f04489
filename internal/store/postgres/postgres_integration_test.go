package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/sequence"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/storetest"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	databaseURL := os.Getenv("RETAILPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set RETAILPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	s, err := New(context.Background(), databaseURL, opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestConformance(t *testing.T) {
	s := openTestStore(t)
	storetest.RunConformance(t, func(t *testing.T) store.Repository {
		return s
	})
}

func TestSequenceIsSeededAboveStoredSales(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	product := storetest.SeedProduct(t, s, "1", 3)
	first, err := s.ExecutePlan(ctx, storetest.SalePlan("it-seller", storetest.Line(product.ID, 1, "2")))
	if err != nil {
		t.Fatalf("first sale: %v", err)
	}

	// Rewind the sequence as a restore without sequence state would.
	if _, err := s.db.ExecContext(ctx, `SELECT setval('sale_txn_seq', 1, false)`); err != nil {
		t.Fatalf("rewind sequence: %v", err)
	}
	if err := s.seedSequence(ctx); err != nil {
		t.Fatalf("seed sequence: %v", err)
	}

	second, err := s.ExecutePlan(ctx, storetest.SalePlan("it-seller", storetest.Line(product.ID, 1, "2")))
	if err != nil {
		t.Fatalf("second sale: %v", err)
	}
	if second.Sale.Sale.Sequence <= first.Sale.Sale.Sequence {
		t.Fatalf("expected %d > %d", second.Sale.Sale.Sequence, first.Sale.Sale.Sequence)
	}
}

func TestExternalSequencerExhaustionAbortsCommit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, WithSequencer(sequence.NewAtomic(sequence.MaxValue)))

	product := storetest.SeedProduct(t, s, "1", 1)
	_, err := s.ExecutePlan(ctx, storetest.SalePlan("it-seller", storetest.Line(product.ID, 1, "2")))
	if !errors.Is(err, domain.ErrSequencerExhausted) {
		t.Fatalf("expected sequencer exhaustion, got %v", err)
	}

	got, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.Quantity != 1 {
		t.Fatalf("expected untouched stock 1, got %d", got.Quantity)
	}
}
