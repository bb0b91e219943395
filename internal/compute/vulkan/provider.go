// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package vulkan

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/waifu2x/internal/compute"
)

// ErrProvider is returned when a device provider does not expose HAL
// objects.
var ErrProvider = errors.New("vulkan: provider does not expose HAL device and queue")

// providerBackend exposes a device owned by the host application as a
// one-device backend. The device is never destroyed by this package.
type providerBackend struct {
	name   string
	device hal.Device
	queue  hal.Queue
}

// FromProvider returns a backend whose only device is the HAL device of
// provider, for hosts that already run a gogpu device. The provider must
// also implement HalDevice() and HalQueue().
func FromProvider(provider gpucontext.DeviceProvider) (compute.Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is %T", ErrProvider, hp.HalDevice())
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is %T", ErrProvider, hp.HalQueue())
	}
	return &providerBackend{
		name:   fmt.Sprintf("%s@%p", compute.BackendVulkan, device),
		device: device,
		queue:  queue,
	}, nil
}

func (b *providerBackend) Name() string { return b.name }

func (b *providerBackend) info() compute.DeviceInfo {
	return compute.DeviceInfo{
		Backend:       b.name,
		Name:          "shared device",
		Type:          "provided",
		ComputeQueues: computeQueues,
	}
}

func (b *providerBackend) Devices() ([]compute.DeviceInfo, error) {
	return []compute.DeviceInfo{b.info()}, nil
}

func (b *providerBackend) DefaultDevice() (int, error) { return 0, nil }

func (b *providerBackend) Open(index int, logger *slog.Logger) (compute.Device, error) {
	if index != 0 {
		return nil, fmt.Errorf("%w: shared backend has 1 device, got %d", compute.ErrDeviceIndex, index)
	}
	return newDevice(b.info(), b.device, b.queue, true, logger)
}
