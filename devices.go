package waifu2x

import (
	"fmt"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/waifu2x/internal/compute"
)

// providerBackend wraps a host-supplied device. Builds without GPU support
// cannot use one.
var providerBackend = func(gpucontext.DeviceProvider) (compute.Backend, error) {
	return nil, fmt.Errorf("%w: built without GPU support", compute.ErrNoDevice)
}

// DeviceInfo describes a device a Pipeline can run on.
type DeviceInfo struct {
	Backend string
	Index   int
	Name    string
	Type    string

	// ComputeQueues is the largest WorkerCount the device accepts.
	ComputeQueues int
}

// Backends returns the names of the compiled-in compute backends.
func Backends() []string {
	return compute.AvailableBackends()
}

// Devices lists the devices of the named backend, or of the default
// backend when name is empty.
func Devices(name string) ([]DeviceInfo, error) {
	b, err := compute.LookupBackend(name)
	if err != nil {
		return nil, &Error{Kind: KindDeviceUnavailable, Op: "devices", Err: err}
	}
	infos, err := b.Devices()
	if err != nil {
		return nil, &Error{Kind: KindDeviceUnavailable, Op: "devices", Err: err}
	}
	out := make([]DeviceInfo, len(infos))
	for i, info := range infos {
		out[i] = DeviceInfo(info)
	}
	return out, nil
}
