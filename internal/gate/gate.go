// Package gate bounds how many frames may occupy a device at once.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrCapacity is returned by New for a non-positive capacity.
var ErrCapacity = errors.New("gate: capacity must be positive")

// Gate is a counting permit pool. The zero value is not usable; call New.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
}

// New returns a gate holding n permits.
func New(n int) (*Gate, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, n)
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n)), capacity: n}, nil
}

// Permit is one held slot of a Gate.
type Permit struct {
	g        *Gate
	released atomic.Bool
}

// Acquire blocks until a permit is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("gate: acquire: %w", err)
	}
	g.inFlight.Add(1)
	return &Permit{g: g}, nil
}

// TryAcquire returns a permit if one is free without blocking.
func (g *Gate) TryAcquire() (*Permit, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	g.inFlight.Add(1)
	return &Permit{g: g}, true
}

// Release returns the permit. Release is idempotent and safe on a nil
// permit, so it can be deferred unconditionally.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.g.inFlight.Add(-1)
	p.g.sem.Release(1)
}

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Capacity returns the number of permits.
func (g *Gate) Capacity() int { return g.capacity }
