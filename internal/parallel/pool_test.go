package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPool_Create(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running after creation")
	}
}

func TestPool_CreateZeroWorkers(t *testing.T) {
	pool := NewPool(0)
	defer pool.Close()

	expected := runtime.GOMAXPROCS(0)
	if pool.Workers() != expected {
		t.Errorf("Workers() = %d, want %d (GOMAXPROCS)", pool.Workers(), expected)
	}
}

func TestPool_ForCoversRange(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	for _, n := range []int{1, 2, 3, 5, 17, 100, 1000} {
		hits := make([]atomic.Int32, n)
		pool.For(n, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				hits[i].Add(1)
			}
		})
		for i := range hits {
			if got := hits[i].Load(); got != 1 {
				t.Fatalf("n=%d: index %d visited %d times, want 1", n, i, got)
			}
		}
	}
}

func TestPool_ForEmpty(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	called := false
	pool.For(0, func(int, int) { called = true })
	if called {
		t.Error("For(0) called fn")
	}
}

func TestPool_ForAfterClose(t *testing.T) {
	pool := NewPool(4)
	pool.Close()

	if pool.IsRunning() {
		t.Error("IsRunning() = true after Close")
	}

	sum := 0
	pool.For(10, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			sum += i
		}
	})
	if sum != 45 {
		t.Errorf("sum = %d, want 45", sum)
	}
}

func TestPool_ConcurrentFor(t *testing.T) {
	pool := NewPool(3)
	defer pool.Close()

	var wg sync.WaitGroup
	var total atomic.Int64
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.For(64, func(lo, hi int) {
				total.Add(int64(hi - lo))
			})
		}()
	}
	wg.Wait()

	if got := total.Load(); got != 8*64 {
		t.Errorf("total = %d, want %d", got, 8*64)
	}
}

func TestPool_DoubleClose(t *testing.T) {
	pool := NewPool(2)
	pool.Close()
	pool.Close()
}
