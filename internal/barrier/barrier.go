// Package barrier implements the one-shot rendezvous that computes
// the agreed federation start time: all N participants must propose
// before any may proceed, and every participant receives the maximum
// over all proposals.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	// ErrTimeout reports that the barrier deadline elapsed before
	// every participant proposed.
	ErrTimeout = errors.New("barrier: deadline elapsed before all proposals arrived")

	// ErrOverflow reports a proposal beyond the fixed participant count.
	ErrOverflow = errors.New("barrier: proposal after barrier was full")
)

// Barrier is an N-of-N rendezvous carrying a running max. Each
// participant calls Propose exactly once; the barrier fires once when
// the N-th proposal lands and is not reusable.
type Barrier struct {
	size    int
	timeout time.Duration

	mu       sync.Mutex
	proposed int
	max      int64
	released chan struct{}
}

// New builds a barrier for size participants. A zero timeout disables
// the deadline and waiters block until the last proposal arrives.
func New(size int, timeout time.Duration) (*Barrier, error) {
	if size < 1 {
		return nil, fmt.Errorf("barrier: size must be positive, got %d", size)
	}
	return &Barrier{
		size:     size,
		timeout:  timeout,
		max:      math.MinInt64,
		released: make(chan struct{}),
	}, nil
}

// Size returns the fixed participant count.
func (b *Barrier) Size() int { return b.size }

// Pending returns how many proposals are still outstanding.
func (b *Barrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size - b.proposed
}

// Agreed returns the final instant and true once the barrier has
// released, or false while proposals are still outstanding.
func (b *Barrier) Agreed() (int64, bool) {
	select {
	case <-b.released:
	default:
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max, true
}

// Propose records one participant's earliest feasible instant and
// blocks until every participant has proposed, then returns the
// maximum over all proposals. The caller that completes the barrier
// returns immediately. Waiting ends early with an error if ctx is
// cancelled or the configured deadline passes.
func (b *Barrier) Propose(ctx context.Context, instant int64) (int64, error) {
	b.mu.Lock()
	if b.proposed >= b.size {
		b.mu.Unlock()
		return 0, ErrOverflow
	}
	b.proposed++
	if instant > b.max {
		b.max = instant
	}
	last := b.proposed == b.size
	if last {
		close(b.released)
	}
	b.mu.Unlock()

	if !last {
		var deadline <-chan time.Time
		if b.timeout > 0 {
			timer := time.NewTimer(b.timeout)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-b.released:
		case <-deadline:
			return 0, ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	// released is closed here, so proposed == size and max is final.
	b.mu.Lock()
	agreed := b.max
	b.mu.Unlock()
	return agreed, nil
}
