package compute

import "sync"

// ProgramCache builds device code for each kernel at most once and shares
// the result. A backend keeps one cache per device, so compiled code is
// shared by every model on that device while pipeline objects created from
// it stay owned by their model.
type ProgramCache[T any] struct {
	mu      sync.Mutex
	entries map[Kernel]*cacheEntry[T]
	build   func(Kernel) (T, error)
}

type cacheEntry[T any] struct {
	once sync.Once
	val  T
	err  error
}

// NewProgramCache returns a cache that calls build on first use of a kernel.
func NewProgramCache[T any](build func(Kernel) (T, error)) *ProgramCache[T] {
	return &ProgramCache[T]{
		entries: make(map[Kernel]*cacheEntry[T]),
		build:   build,
	}
}

// Get returns the cached code for k, building it if needed. A failed build
// is cached too; the device is expected to be closed after such an error.
func (c *ProgramCache[T]) Get(k Kernel) (T, error) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok {
		e = &cacheEntry[T]{}
		c.entries[k] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.val, e.err = c.build(k)
	})
	return e.val, e.err
}

// Len returns the number of kernels requested so far.
func (c *ProgramCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
