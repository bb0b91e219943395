package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRejectsZero(t *testing.T) {
	if _, err := New(0); !errors.Is(err, ErrCapacity) {
		t.Errorf("New(0) error = %v, want ErrCapacity", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatal(err)
	}
	p, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release()
	p.Release()
	if g.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", g.InFlight())
	}

	// A double release must not have minted a second permit.
	a, ok := g.TryAcquire()
	if !ok {
		t.Fatal("TryAcquire failed on an idle gate")
	}
	if _, ok := g.TryAcquire(); ok {
		t.Error("TryAcquire succeeded beyond capacity")
	}
	a.Release()

	var nilPermit *Permit
	nilPermit.Release()
}

func TestAcquireHonorsContext(t *testing.T) {
	g, _ := New(1)
	p, _ := g.Acquire(context.Background())
	defer p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire on full gate = %v, want DeadlineExceeded", err)
	}
}

func TestConcurrencyBound(t *testing.T) {
	const capacity, callers = 3, 24
	g, _ := New(capacity)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := g.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer p.Release()

			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > capacity {
		t.Errorf("peak concurrency = %d, want <= %d", got, capacity)
	}
	if g.InFlight() != 0 {
		t.Errorf("InFlight() = %d after all releases, want 0", g.InFlight())
	}
	if g.Capacity() != capacity {
		t.Errorf("Capacity() = %d, want %d", g.Capacity(), capacity)
	}
}
