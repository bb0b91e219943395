package compute

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry owns open devices, keyed by backend and index. A device is
// opened by the first Acquire and closed when the last Handle is released.
//
// Thread safety: all methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[deviceKey]*deviceEntry
}

type deviceKey struct {
	backend string
	index   int
}

type deviceEntry struct {
	dev  Device
	refs atomic.Int32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[deviceKey]*deviceEntry)}
}

// Handle is one holder's reference to a registered device.
type Handle struct {
	r        *Registry
	key      deviceKey
	dev      Device
	released atomic.Bool
}

// Device returns the device behind the handle.
func (h *Handle) Device() Device { return h.dev }

// Release drops the reference. The device is closed when it was the last
// one. Release is idempotent.
func (h *Handle) Release() error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.r.release(h.key)
}

// Acquire returns a handle to device index of backend b, opening it if no
// one holds it yet.
func (r *Registry) Acquire(b Backend, index int) (*Handle, error) {
	key := deviceKey{backend: b.Name(), index: index}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		dev, err := b.Open(index, Logger())
		if err != nil {
			return nil, fmt.Errorf("compute: open %s device %d: %w", key.backend, index, err)
		}
		e = &deviceEntry{dev: dev}
		r.entries[key] = e
		Logger().Info("compute: device opened",
			"backend", key.backend, "device", index, "name", dev.Info().Name)
	}
	e.refs.Add(1)

	return &Handle{r: r, key: key, dev: e.dev}, nil
}

func (r *Registry) release(key deviceKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	if e.refs.Add(-1) > 0 {
		return nil
	}

	delete(r.entries, key)
	Logger().Info("compute: device closed", "backend", key.backend, "device", key.index)
	if err := e.dev.Close(); err != nil {
		return fmt.Errorf("compute: close %s device %d: %w", key.backend, key.index, err)
	}
	return nil
}

// Refs returns the number of live handles to a device, 0 if it is not open.
func (r *Registry) Refs(backend string, index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[deviceKey{backend: backend, index: index}]; ok {
		return int(e.refs.Load())
	}
	return 0
}

// Open reports how many devices are currently open.
func (r *Registry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
