// Package sequence issues the unique, strictly increasing numbers behind
// sale transaction numbers ("TXN-00000042").
//
// Every implementation draws from a single atomically incremented counter.
// None of them derive the next value by reading the current maximum, so
// concurrent draws can never observe the same value.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"retailpos/backend/internal/domain"
)

const (
	Prefix = "TXN-"
	// MaxValue is the largest number that fits the 8-digit display format.
	MaxValue int64 = 99_999_999
)

type Sequencer interface {
	Next(ctx context.Context) (int64, error)
}

// Seeder is a sequencer whose counter lives outside the process and can be
// raised past a floor, such as Redis.
type Seeder interface {
	Sequencer
	Seed(ctx context.Context, floor int64) (int64, error)
}

// Reseed raises seq so its next draw is above floor. It reports false for
// sequencers that cannot be moved.
func Reseed(ctx context.Context, seq Sequencer, floor int64) (bool, error) {
	switch s := seq.(type) {
	case Seeder:
		if _, err := s.Seed(ctx, floor); err != nil {
			return false, err
		}
		return true, nil
	case *Atomic:
		s.Seed(floor)
		return true, nil
	default:
		return false, nil
	}
}

// Format renders n as a display transaction number.
func Format(n int64) string {
	return fmt.Sprintf("%s%08d", Prefix, n)
}

// Parse is the inverse of Format.
func Parse(s string) (int64, error) {
	digits, ok := strings.CutPrefix(s, Prefix)
	if !ok || len(digits) != 8 {
		return 0, fmt.Errorf("malformed transaction number %q", s)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("malformed transaction number %q", s)
	}
	return n, nil
}

// CheckRange maps a freshly drawn counter value onto the error taxonomy.
func CheckRange(n int64) (int64, error) {
	if n < 1 || n > MaxValue {
		return 0, fmt.Errorf("%w: drew %d, limit %d", domain.ErrSequencerExhausted, n, MaxValue)
	}
	return n, nil
}

// Atomic is an in-process sequencer backed by a single atomic counter.
type Atomic struct {
	last atomic.Int64
}

func NewAtomic(floor int64) *Atomic {
	s := &Atomic{}
	s.Seed(floor)
	return s
}

func (s *Atomic) Next(_ context.Context) (int64, error) {
	return CheckRange(s.last.Add(1))
}

// Seed raises the counter so the next draw is above floor. It never lowers it.
func (s *Atomic) Seed(floor int64) {
	for {
		current := s.last.Load()
		if current >= floor {
			return
		}
		if s.last.CompareAndSwap(current, floor) {
			return
		}
	}
}

// Last returns the most recently issued value, 0 before the first draw.
func (s *Atomic) Last() int64 {
	return s.last.Load()
}
