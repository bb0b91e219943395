// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

// Package vulkan runs the compute kernels on a GPU through wgpu's Vulkan
// HAL. Kernels are WGSL programs compiled to SPIR-V with naga; compiled
// code is cached per device and shared by every model on it.
//
// Tensors live in storage buffers of float32 elements. Float16 tensors are
// stored at half precision by rounding every value a kernel writes, which
// gives the same results as half-width storage.
package vulkan

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/waifu2x/internal/compute"
)

// computeQueues is how many frames may be in flight on one device. The HAL
// exposes a single queue per device; frames interleave their submissions
// on it.
const computeQueues = 8

func init() {
	compute.RegisterBackend(&Backend{})
}

// Backend enumerates Vulkan adapters. The instance is created on first use
// and lives for the rest of the process.
type Backend struct {
	once     sync.Once
	instance hal.Instance
	adapters []hal.ExposedAdapter
	err      error
}

func (b *Backend) Name() string { return compute.BackendVulkan }

func (b *Backend) init() error {
	b.once.Do(func() {
		backend, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			b.err = fmt.Errorf("%w: vulkan backend not available", compute.ErrNoDevice)
			return
		}
		instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
		if err != nil {
			b.err = fmt.Errorf("%w: create instance: %w", compute.ErrNoDevice, err)
			return
		}
		b.instance = instance
		b.adapters = instance.EnumerateAdapters(nil)
		if len(b.adapters) == 0 {
			b.err = fmt.Errorf("%w: no GPU adapters found", compute.ErrNoDevice)
		}
	})
	return b.err
}

func adapterInfo(index int, a *hal.ExposedAdapter) compute.DeviceInfo {
	return compute.DeviceInfo{
		Backend:       compute.BackendVulkan,
		Index:         index,
		Name:          a.Info.Name,
		Type:          fmt.Sprint(a.Info.DeviceType),
		ComputeQueues: computeQueues,
	}
}

func (b *Backend) Devices() ([]compute.DeviceInfo, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	infos := make([]compute.DeviceInfo, len(b.adapters))
	for i := range b.adapters {
		infos[i] = adapterInfo(i, &b.adapters[i])
	}
	return infos, nil
}

// DefaultDevice prefers the first discrete or integrated GPU.
func (b *Backend) DefaultDevice() (int, error) {
	if err := b.init(); err != nil {
		return 0, err
	}
	for i := range b.adapters {
		if b.adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			b.adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			return i, nil
		}
	}
	return 0, nil
}

func (b *Backend) Open(index int, logger *slog.Logger) (compute.Device, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(b.adapters) {
		return nil, fmt.Errorf("%w: vulkan has %d devices, got %d", compute.ErrDeviceIndex, len(b.adapters), index)
	}
	a := &b.adapters[index]
	open, err := a.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("vulkan: open device %d: %w", index, err)
	}
	dev, err := newDevice(adapterInfo(index, a), open.Device, open.Queue, false, logger)
	if err != nil {
		open.Device.Destroy()
		return nil, err
	}
	return dev, nil
}
