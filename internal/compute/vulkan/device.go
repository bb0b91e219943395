// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package vulkan

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/x448/float16"

	"github.com/gogpu/waifu2x/internal/compute"
)

type device struct {
	info     compute.DeviceInfo
	logger   *slog.Logger
	hal      hal.Device
	queue    hal.Queue
	external bool

	// queueMu serializes queue access of all streams.
	queueMu sync.Mutex

	code    *compute.ProgramCache[[]uint32]
	dummy   hal.Buffer
	blob    allocatorPool
	staging allocatorPool
	closed  atomic.Bool
}

// dummySize backs bindings a kernel leaves empty.
const dummySize = 16

// Completion polling. Submissions are waited for by polling the queue's
// completed index with a growing sleep.
const (
	minPoll      = 20 * time.Microsecond
	maxPoll      = time.Millisecond
	stallWarning = 5 * time.Second
)

func newDevice(info compute.DeviceInfo, d hal.Device, q hal.Queue, external bool, logger *slog.Logger) (*device, error) {
	if logger == nil {
		logger = compute.Logger()
	}
	dummy, err := createBuffer(d, "waifu2x_dummy", dummySize, blobUsage)
	if err != nil {
		return nil, err
	}
	dev := &device{
		info:     info,
		logger:   logger,
		hal:      d,
		queue:    q,
		external: external,
		code:     compute.NewProgramCache(compileKernel),
		dummy:    dummy,
		blob:     allocatorPool{dev: d, label: "waifu2x_blob", usage: blobUsage},
		staging:  allocatorPool{dev: d, label: "waifu2x_staging", usage: stagingUsage},
	}
	logger.Debug("vulkan: device created", "name", info.Name, "shared", external)
	return dev, nil
}

func (d *device) Info() compute.DeviceInfo { return d.info }

// program owns the pipeline objects of one kernel. The SPIR-V behind it is
// shared through the device's program cache.
type program struct {
	kernel compute.Kernel
	shader *shader
	dev    *device

	module     hal.ShaderModule
	layout     hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline

	released atomic.Bool
}

func (p *program) Kernel() compute.Kernel { return p.kernel }

func (p *program) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	h := p.dev.hal
	if p.pipeline != nil {
		h.DestroyComputePipeline(p.pipeline)
	}
	if p.pipeLayout != nil {
		h.DestroyPipelineLayout(p.pipeLayout)
	}
	if p.layout != nil {
		h.DestroyBindGroupLayout(p.layout)
	}
	if p.module != nil {
		h.DestroyShaderModule(p.module)
	}
}

func (d *device) CompileProgram(k compute.Kernel) (compute.Program, error) {
	if d.closed.Load() {
		return nil, compute.ErrClosed
	}
	if k < 0 || k >= compute.KernelCount {
		return nil, fmt.Errorf("%w: kernel %v", compute.ErrUnsupported, k)
	}
	code, err := d.code.Get(k)
	if err != nil {
		return nil, err
	}

	s := shaders[k]
	p := &program{kernel: k, shader: s, dev: d}
	if err := p.create(code); err != nil {
		p.Release()
		return nil, err
	}
	d.logger.Debug("vulkan: program created", "kernel", k.String(), "words", len(code))
	return p, nil
}

func (p *program) create(code []uint32) error {
	h := p.dev.hal
	label := "waifu2x_" + p.shader.name

	var err error
	p.module, err = h.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: code},
	})
	if err != nil {
		return fmt.Errorf("vulkan: create shader module %s: %w", p.shader.name, err)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, 0, p.shader.slots+1)
	entries = append(entries, gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	})
	for i := range p.shader.slots {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i + 1), //nolint:gosec // slot counts are small
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		})
	}
	p.layout, err = h.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label + "_bgl",
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("vulkan: create bind group layout %s: %w", p.shader.name, err)
	}

	p.pipeLayout, err = h.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label + "_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.layout},
	})
	if err != nil {
		return fmt.Errorf("vulkan: create pipeline layout %s: %w", p.shader.name, err)
	}

	p.pipeline, err = h.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  label,
		Layout: p.pipeLayout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fmt.Errorf("vulkan: create pipeline %s: %w", p.shader.name, err)
	}
	return nil
}

// float32Bytes encodes data as little-endian float32, rounding through
// half precision for Float16 tensors.
func float32Bytes(data []float32, p compute.Precision) []byte {
	out := make([]byte, len(data)*elemSize)
	for i, v := range data {
		if p == compute.Float16 {
			v = float16.Fromfloat32(v).Float32()
		}
		binary.LittleEndian.PutUint32(out[i*elemSize:], math.Float32bits(v))
	}
	return out
}

func (d *device) UploadTensor(data []float32, w, h, c int, p compute.Precision) (*compute.Tensor, error) {
	if d.closed.Load() {
		return nil, compute.ErrClosed
	}
	t := &compute.Tensor{W: w, H: h, C: c, Precision: p}
	if t.Empty() || len(data) != t.Len() {
		return nil, fmt.Errorf("%w: upload %d elements as %dx%dx%d", compute.ErrShape, len(data), w, h, c)
	}
	size := tensorBytes(t)
	buf, err := createBuffer(d.hal, "waifu2x_weight", size, blobUsage)
	if err != nil {
		return nil, err
	}
	up, err := d.stage(float32Bytes(data, p))
	if err != nil {
		d.hal.DestroyBuffer(buf)
		return nil, err
	}
	defer d.hal.DestroyBuffer(up)

	err = d.run("waifu2x_weight_upload", func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(up, buf, []hal.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: size}})
	})
	if err != nil {
		d.hal.DestroyBuffer(buf)
		return nil, fmt.Errorf("vulkan: upload weights: %w", err)
	}
	t.Mem = &buffer{buf: buf, size: size, class: -1}
	return t, nil
}

// stage copies data into a new host-visible buffer that a recorded copy
// moves into device memory.
func (d *device) stage(data []byte) (hal.Buffer, error) {
	up, err := createBuffer(d.hal, "waifu2x_upload", uint64(len(data)), uploadUsage)
	if err != nil {
		return nil, err
	}
	if err := d.write(up, data); err != nil {
		d.hal.DestroyBuffer(up)
		return nil, err
	}
	return up, nil
}

// write fills a host-visible buffer.
func (d *device) write(buf hal.Buffer, data []byte) error {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if err := d.queue.WriteBuffer(buf, 0, data); err != nil {
		return fmt.Errorf("vulkan: write buffer: %w", err)
	}
	return nil
}

// read copies the start of a mapped staging buffer into data. The work
// that filled it must have completed.
func (d *device) read(buf hal.Buffer, data []byte) error {
	m, err := d.hal.MapBuffer(buf, 0, uint64(len(data)))
	if err != nil {
		return fmt.Errorf("vulkan: map buffer: %w", err)
	}
	copy(data, unsafe.Slice((*byte)(m.Ptr), len(data)))
	if err := d.hal.UnmapBuffer(buf); err != nil {
		return fmt.Errorf("vulkan: unmap buffer: %w", err)
	}
	return nil
}

// run records commands into a new command buffer, submits it and waits
// for the GPU to finish it.
func (d *device) run(label string, record func(hal.CommandEncoder)) error {
	enc, err := d.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("vulkan: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		enc.Destroy()
		return fmt.Errorf("vulkan: begin encoding: %w", err)
	}
	record(enc)
	cmdBuf, err := enc.EndEncoding()
	if err != nil {
		enc.Destroy()
		return fmt.Errorf("vulkan: end encoding: %w", err)
	}

	d.queueMu.Lock()
	idx, err := d.queue.Submit([]hal.CommandBuffer{cmdBuf})
	d.queueMu.Unlock()
	if err != nil {
		d.hal.FreeCommandBuffer(cmdBuf)
		return fmt.Errorf("vulkan: submit: %w", err)
	}

	d.wait(idx)
	d.hal.FreeCommandBuffer(cmdBuf)
	return nil
}

// wait blocks until submission idx has completed. It never gives up; a
// hung device is logged every stallWarning and blocks the caller.
func (d *device) wait(idx uint64) {
	start := time.Now()
	warn := start.Add(stallWarning)
	delay := minPoll
	for d.queue.PollCompleted() < idx {
		time.Sleep(delay)
		delay = min(delay*2, maxPoll)
		if now := time.Now(); now.After(warn) {
			d.logger.Warn("vulkan: still waiting for GPU", "device", d.info.Name, "elapsed", now.Sub(start))
			warn = now.Add(stallWarning)
		}
	}
}

func (d *device) FreeTensor(t *compute.Tensor) {
	if t == nil {
		return
	}
	if b, ok := t.Mem.(*buffer); ok && b != nil {
		d.hal.DestroyBuffer(b.buf)
	}
	t.Mem = nil
}

func (d *device) AcquireBlobAllocator() compute.Allocator { return d.blob.acquire() }

func (d *device) ReclaimBlobAllocator(a compute.Allocator) {
	if al, ok := a.(*allocator); ok {
		d.blob.reclaim(al, d.logger)
	}
}

func (d *device) AcquireStagingAllocator() compute.Allocator { return d.staging.acquire() }

func (d *device) ReclaimStagingAllocator(a compute.Allocator) {
	if al, ok := a.(*allocator); ok {
		d.staging.reclaim(al, d.logger)
	}
}

func (d *device) NewStream(blob, staging compute.Allocator) compute.Stream {
	return &stream{dev: d, blob: blob, staging: staging, owned: make(map[*compute.Tensor]struct{})}
}

// Close destroys cached memory and, unless the device belongs to a host
// application, the device itself.
func (d *device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.blob.drain()
	d.staging.drain()
	d.hal.DestroyBuffer(d.dummy)
	if !d.external {
		d.hal.Destroy()
	}
	d.logger.Debug("vulkan: device closed", "name", d.info.Name)
	return nil
}
