package compute

import (
	"fmt"
	"sort"
	"sync"
)

// Backend names.
const (
	BackendVulkan = "vulkan"
	BackendCPU    = "cpu"
)

// registry holds registered backends.
var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Backend)
	// Priority order for backend selection (first with a device wins).
	backendPriority = []string{BackendVulkan, BackendCPU}
)

// RegisterBackend registers a backend under its name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it is replaced.
func RegisterBackend(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b.Name()] = b
}

// UnregisterBackend removes a backend from the registry.
// This is useful for testing.
func UnregisterBackend(name string) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	delete(backends, name)
}

// AvailableBackends returns the registered backend names, sorted.
func AvailableBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupBackend returns the backend registered under name. An empty name
// selects the default backend.
func LookupBackend(name string) (Backend, error) {
	if name == "" {
		return DefaultBackend()
	}

	backendsMu.RLock()
	defer backendsMu.RUnlock()

	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return b, nil
}

// DefaultBackend returns the highest-priority backend that enumerates at
// least one device. Backends outside the priority list are tried last.
func DefaultBackend() (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	tried := make(map[string]bool, len(backends))
	for _, name := range backendPriority {
		tried[name] = true
		if b, ok := backends[name]; ok && hasDevices(b) {
			return b, nil
		}
	}
	for name, b := range backends {
		if !tried[name] && hasDevices(b) {
			return b, nil
		}
	}
	return nil, ErrNoDevice
}

func hasDevices(b Backend) bool {
	infos, err := b.Devices()
	return err == nil && len(infos) > 0
}
