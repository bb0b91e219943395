// Package parallel runs data-parallel loops for the CPU compute backend.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a fixed set of goroutines that execute the chunks of For loops.
//
// Each chunk is computed by exactly one goroutine and a chunk's iterations
// run in order, so a loop body that writes only its own indices produces
// the same result regardless of scheduling.
//
// Thread safety: Pool is safe for concurrent use. For must not be called
// from inside another For body on the same pool.
type Pool struct {
	// workers is the number of worker goroutines.
	workers int

	// jobs is unbuffered: a send completes only when a worker has taken the
	// chunk and will run it.
	jobs chan func()

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool
}

// NewPool creates a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	p := &Pool{
		workers: workers,
		jobs:    make(chan func()),
		done:    make(chan struct{}),
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case job := <-p.jobs:
			job()
		}
	}
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }

// IsRunning reports whether the pool has not been closed.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// For splits [0, n) into contiguous chunks and calls fn(lo, hi) for each,
// returning when all chunks are done. The calling goroutine computes the
// last chunk itself. A closed pool runs the whole range inline.
func (p *Pool) For(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if n == 1 || p.workers <= 1 || !p.running.Load() {
		fn(0, n)
		return
	}

	chunks := min(n, p.workers+1)
	size := (n + chunks - 1) / chunks

	var wg sync.WaitGroup
	lo := 0
	for ; lo+size < n; lo += size {
		start, end := lo, lo+size
		wg.Add(1)
		job := func() {
			defer wg.Done()
			fn(start, end)
		}
		select {
		case p.jobs <- job:
		case <-p.done:
			job()
		}
	}
	fn(lo, n)
	wg.Wait()
}

// Close stops the workers. Loops already submitted complete first.
// Close is idempotent.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}
