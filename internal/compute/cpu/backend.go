// Package cpu is the reference compute backend. It runs every kernel on the
// host with the same semantics as the GPU programs and is selected when no
// GPU adapter is present.
package cpu

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/gogpu/waifu2x/internal/compute"
)

func init() {
	compute.RegisterBackend(Backend{})
}

// Backend exposes the host as a single compute device.
type Backend struct{}

func (Backend) Name() string { return compute.BackendCPU }

func info() compute.DeviceInfo {
	threads := runtime.GOMAXPROCS(0)
	return compute.DeviceInfo{
		Backend:       compute.BackendCPU,
		Index:         0,
		Name:          fmt.Sprintf("%s/%s (%d threads)", runtime.GOOS, runtime.GOARCH, threads),
		Type:          "cpu",
		ComputeQueues: max(threads, 2),
	}
}

func (Backend) Devices() ([]compute.DeviceInfo, error) {
	return []compute.DeviceInfo{info()}, nil
}

func (Backend) DefaultDevice() (int, error) { return 0, nil }

func (Backend) Open(index int, logger *slog.Logger) (compute.Device, error) {
	if index != 0 {
		return nil, fmt.Errorf("%w: cpu has 1 device, got %d", compute.ErrDeviceIndex, index)
	}
	return newDevice(info(), logger), nil
}
