// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package vulkan

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/waifu2x/internal/compute"
)

// Device buffers always hold float32 elements; a Float16 tensor keeps
// half-precision values, rounded on every store.
const elemSize = 4

// Buffer usages. Blob and staging back the allocators; upload and uniform
// buffers are host-visible so they can be filled with WriteBuffer.
const (
	blobUsage    = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	stagingUsage = gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	uploadUsage  = gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	uniformUsage = gputypes.BufferUsageUniform | gputypes.BufferUsageMapWrite
)

// buffer is device memory behind a tensor.
type buffer struct {
	buf   hal.Buffer
	size  uint64
	class int
}

func (b *buffer) Bytes() int { return int(b.size) } //nolint:gosec // buffer sizes fit int

// tensorBytes returns the device size of t.
func tensorBytes(t *compute.Tensor) uint64 {
	return uint64(t.Len()) * elemSize //nolint:gosec // tensor sizes are positive
}

func bufferOf(t *compute.Tensor) (*buffer, error) {
	if t.Empty() {
		return nil, fmt.Errorf("%w: empty tensor", compute.ErrShape)
	}
	b, ok := t.Mem.(*buffer)
	if !ok || b == nil {
		return nil, fmt.Errorf("vulkan: tensor memory %T does not belong to this backend", t.Mem)
	}
	if b.size < tensorBytes(t) {
		return nil, fmt.Errorf("%w: %v backed by %d bytes", compute.ErrShape, t, b.size)
	}
	return b, nil
}

// Size classes are powers of two starting at 2^minClass bytes.
const (
	minClass = 12
	maxClass = 32
)

func sizeClass(n uint64) int {
	cls := minClass
	for uint64(1)<<cls < n {
		cls++
		if cls > maxClass {
			return -1
		}
	}
	return cls
}

func createBuffer(dev hal.Device, label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	buf, err := dev.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("vulkan: create %s buffer (%d bytes): %w", label, size, err)
	}
	return buf, nil
}

// allocator recycles device buffers of one usage by size class. Freed
// buffers are only handed out again by a later Alloc; streams defer Free
// until the work that used the memory has completed.
type allocator struct {
	dev   hal.Device
	label string
	usage gputypes.BufferUsage

	mu      sync.Mutex
	free    map[int][]*buffer
	live    int
	retired bool
}

func newAllocator(dev hal.Device, label string, usage gputypes.BufferUsage) *allocator {
	return &allocator{dev: dev, label: label, usage: usage, free: make(map[int][]*buffer)}
}

func (a *allocator) Alloc(n int, _ compute.Precision) (compute.Memory, error) {
	if n <= 0 {
		return nil, fmt.Errorf("vulkan: allocate %d elements", n)
	}
	want := uint64(n) * elemSize
	cls := sizeClass(want)

	a.mu.Lock()
	if cls >= 0 {
		if list := a.free[cls]; len(list) > 0 {
			b := list[len(list)-1]
			a.free[cls] = list[:len(list)-1]
			a.live++
			a.mu.Unlock()
			return b, nil
		}
	}
	a.mu.Unlock()

	size := want
	if cls >= 0 {
		size = uint64(1) << cls
	}
	buf, err := createBuffer(a.dev, a.label, size, a.usage)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.live++
	a.mu.Unlock()
	return &buffer{buf: buf, size: size, class: cls}, nil
}

func (a *allocator) Free(m compute.Memory) {
	b, ok := m.(*buffer)
	if !ok || b == nil {
		return
	}

	a.mu.Lock()
	a.live--
	keep := b.class >= 0 && !a.retired
	if keep {
		a.free[b.class] = append(a.free[b.class], b)
	}
	a.mu.Unlock()

	if !keep {
		a.dev.DestroyBuffer(b.buf)
	}
}

func (a *allocator) Trim() {
	a.mu.Lock()
	free := a.free
	a.free = make(map[int][]*buffer)
	a.mu.Unlock()

	for _, list := range free {
		for _, b := range list {
			a.dev.DestroyBuffer(b.buf)
		}
	}
}

// allocatorPool is the device-wide set of idle allocators of one usage.
type allocatorPool struct {
	dev   hal.Device
	label string
	usage gputypes.BufferUsage

	mu   sync.Mutex
	idle []*allocator
}

func (p *allocatorPool) acquire() *allocator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.idle); n > 0 {
		a := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return a
	}
	return newAllocator(p.dev, p.label, p.usage)
}

func (p *allocatorPool) reclaim(a *allocator, logger *slog.Logger) {
	if a == nil {
		return
	}
	a.mu.Lock()
	live := a.live
	a.mu.Unlock()
	if live != 0 {
		logger.Warn("vulkan: allocator reclaimed with live buffers", "kind", p.label, "live", live)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = append(p.idle, a)
}

// drain destroys every cached buffer. Buffers still allocated are destroyed
// when they are freed.
func (p *allocatorPool) drain() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, a := range idle {
		a.mu.Lock()
		a.retired = true
		a.mu.Unlock()
		a.Trim()
	}
}
