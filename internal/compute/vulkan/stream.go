// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package vulkan

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/waifu2x/internal/compute"
)

// command is a recorded compute pass or buffer copy.
type command struct {
	prog    *program
	group   hal.BindGroup
	uniform hal.Buffer
	groups  [3]uint32

	src, dst hal.Buffer
	size     uint64
	// upload is a host-visible source buffer owned by the command.
	upload hal.Buffer
}

// readback copies a staged tensor into host memory after submission.
type readback struct {
	stage compute.Memory
	size  uint64
	dst   compute.HostImage
	w, h  int
}

// stream records passes into a command list that SubmitAndWait encodes,
// submits and waits for.
type stream struct {
	dev     *device
	blob    compute.Allocator
	staging compute.Allocator
	owned   map[*compute.Tensor]struct{}

	cmds  []command
	reads []readback
	// freed holds memory released while recorded work may still use it.
	freed []compute.Memory
}

func (s *stream) NewTensor(w, h, c int, p compute.Precision) (*compute.Tensor, error) {
	if s.dev.closed.Load() {
		return nil, compute.ErrClosed
	}
	t := &compute.Tensor{W: w, H: h, C: c, Precision: p}
	if t.Empty() {
		return nil, fmt.Errorf("%w: new tensor %dx%dx%d", compute.ErrShape, w, h, c)
	}
	m, err := s.blob.Alloc(t.Len(), p)
	if err != nil {
		return nil, err
	}
	t.Mem = m
	s.owned[t] = struct{}{}
	return t, nil
}

func (s *stream) Release(t *compute.Tensor) {
	if t == nil {
		return
	}
	if _, ok := s.owned[t]; !ok {
		return
	}
	delete(s.owned, t)
	if len(s.cmds) == 0 {
		s.blob.Free(t.Mem)
	} else {
		s.freed = append(s.freed, t.Mem)
	}
	t.Mem = nil
}

func (s *stream) Upload(src compute.HostImage) (*compute.Tensor, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	t, err := s.NewTensor(src.W, src.H, len(src.Planes), compute.Float32)
	if err != nil {
		return nil, err
	}
	b, err := bufferOf(t)
	if err != nil {
		s.Release(t)
		return nil, err
	}

	data := make([]byte, tensorBytes(t))
	i := 0
	for _, p := range src.Planes {
		for y := 0; y < src.H; y++ {
			for _, v := range p[y*src.Stride : y*src.Stride+src.W] {
				binary.LittleEndian.PutUint32(data[i:], math.Float32bits(v))
				i += elemSize
			}
		}
	}
	up, err := s.dev.stage(data)
	if err != nil {
		s.Release(t)
		return nil, err
	}
	s.cmds = append(s.cmds, command{src: up, dst: b.buf, size: uint64(len(data)), upload: up})
	return t, nil
}

func (s *stream) Download(src *compute.Tensor, dst compute.HostImage) error {
	if err := dst.Validate(); err != nil {
		return err
	}
	if err := compute.CheckShape("download source", src, dst.W, dst.H, len(dst.Planes)); err != nil {
		return err
	}
	b, err := bufferOf(src)
	if err != nil {
		return err
	}
	stage, err := s.staging.Alloc(src.Len(), compute.Float32)
	if err != nil {
		return err
	}
	size := tensorBytes(src)
	s.cmds = append(s.cmds, command{src: b.buf, dst: stage.(*buffer).buf, size: size})
	s.reads = append(s.reads, readback{stage: stage, size: size, dst: dst, w: src.W, h: src.H})
	return nil
}

// uniformBytes lays out the extent and precision of every slot followed by
// the parameter words, padded to the shader's uniform block.
func uniformBytes(sh *shader, ps pass) []byte {
	out := make([]byte, sh.uniformSize())
	for i, t := range ps.slots {
		if t.Empty() {
			continue
		}
		var fp16 uint32
		if t.Precision == compute.Float16 {
			fp16 = 1
		}
		o := i * 16
		binary.LittleEndian.PutUint32(out[o:], uint32(t.W))   //nolint:gosec // tensor extents fit u32
		binary.LittleEndian.PutUint32(out[o+4:], uint32(t.H)) //nolint:gosec // tensor extents fit u32
		binary.LittleEndian.PutUint32(out[o+8:], uint32(t.C)) //nolint:gosec // tensor extents fit u32
		binary.LittleEndian.PutUint32(out[o+12:], fp16)
	}
	base := sh.slots * 16
	for i, w := range ps.words {
		binary.LittleEndian.PutUint32(out[base+i*4:], w)
	}
	return out
}

func workgroups(n int) uint32 {
	return uint32((n + workgroupSize - 1) / workgroupSize) //nolint:gosec // extents are positive
}

func (s *stream) Dispatch(p compute.Program, bindings []*compute.Tensor, params compute.Params) error {
	if s.dev.closed.Load() {
		return compute.ErrClosed
	}
	prog, ok := p.(*program)
	if !ok || prog.dev != s.dev {
		return fmt.Errorf("vulkan: program %T does not belong to this device", p)
	}
	if want := prog.kernel.Bindings(); len(bindings) != want {
		return fmt.Errorf("vulkan: %s: %d bindings, want %d", prog.kernel, len(bindings), want)
	}
	if params == nil {
		params = compute.NoParams{}
	}
	passes, err := plan(prog.kernel, bindings, params)
	if err != nil {
		return fmt.Errorf("vulkan: %s: %w", prog.kernel, err)
	}
	for _, ps := range passes {
		if err := s.record(prog, ps); err != nil {
			return fmt.Errorf("vulkan: %s: %w", prog.kernel, err)
		}
	}
	return nil
}

func (s *stream) record(prog *program, ps pass) error {
	h := s.dev.hal
	sh := prog.shader
	if len(ps.slots) != sh.slots {
		return fmt.Errorf("%d slots, shader %s has %d", len(ps.slots), sh.name, sh.slots)
	}
	if len(ps.words) > len(sh.params) {
		return fmt.Errorf("%d parameter words, shader %s takes %d", len(ps.words), sh.name, len(sh.params))
	}

	size := uint64(sh.uniformSize()) //nolint:gosec // uniform blocks are small
	uniform, err := createBuffer(h, "waifu2x_uniform", size, uniformUsage)
	if err != nil {
		return err
	}
	if err := s.dev.write(uniform, uniformBytes(sh, ps)); err != nil {
		h.DestroyBuffer(uniform)
		return err
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(ps.slots)+1)
	entries = append(entries, gputypes.BindGroupEntry{
		Binding:  0,
		Resource: gputypes.BufferBinding{Buffer: uniform.NativeHandle(), Offset: 0, Size: size},
	})
	for i, t := range ps.slots {
		buf := s.dev.dummy
		var n uint64
		if t != nil {
			b, err := bufferOf(t)
			if err != nil {
				h.DestroyBuffer(uniform)
				return err
			}
			buf, n = b.buf, tensorBytes(t)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  uint32(i + 1), //nolint:gosec // slot counts are small
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: n},
		})
	}
	group, err := h.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "waifu2x_" + sh.name + "_bg",
		Layout:  prog.layout,
		Entries: entries,
	})
	if err != nil {
		h.DestroyBuffer(uniform)
		return fmt.Errorf("create bind group: %w", err)
	}

	s.cmds = append(s.cmds, command{
		prog:    prog,
		group:   group,
		uniform: uniform,
		groups:  [3]uint32{workgroups(ps.w), workgroups(ps.h), uint32(ps.c)}, //nolint:gosec // channel counts are small
	})
	return nil
}

// encode records every queued command into enc. Compute passes end with
// a memory barrier, so later passes see earlier writes.
func (s *stream) encode(enc hal.CommandEncoder) {
	for _, c := range s.cmds {
		if c.prog == nil {
			enc.CopyBufferToBuffer(c.src, c.dst, []hal.BufferCopy{
				{SrcOffset: 0, DstOffset: 0, Size: c.size},
			})
			continue
		}
		cp := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "waifu2x_" + c.prog.shader.name})
		cp.SetPipeline(c.prog.pipeline)
		cp.SetBindGroup(0, c.group, nil)
		cp.Dispatch(c.groups[0], c.groups[1], c.groups[2])
		cp.End()
	}
}

func (s *stream) SubmitAndWait() error {
	if s.dev.closed.Load() {
		return compute.ErrClosed
	}
	if len(s.cmds) == 0 {
		s.reclaim()
		return nil
	}
	defer s.reclaim()

	if err := s.dev.run("waifu2x", s.encode); err != nil {
		return err
	}

	for _, r := range s.reads {
		raw := make([]byte, r.size)
		if err := s.dev.read(r.stage.(*buffer).buf, raw); err != nil {
			return fmt.Errorf("vulkan: readback: %w", err)
		}
		plane := r.w * r.h
		for c, p := range r.dst.Planes {
			for y := 0; y < r.h; y++ {
				row := p[y*r.dst.Stride : y*r.dst.Stride+r.w]
				off := (c*plane + y*r.w) * elemSize
				for x := range row {
					row[x] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off+x*elemSize:]))
				}
			}
		}
	}
	return nil
}

// reclaim drops per-submission objects and returns deferred memory.
func (s *stream) reclaim() {
	h := s.dev.hal
	for _, c := range s.cmds {
		if c.group != nil {
			h.DestroyBindGroup(c.group)
		}
		if c.uniform != nil {
			h.DestroyBuffer(c.uniform)
		}
		if c.upload != nil {
			h.DestroyBuffer(c.upload)
		}
	}
	s.cmds = s.cmds[:0]
	for _, r := range s.reads {
		s.staging.Free(r.stage)
	}
	s.reads = s.reads[:0]
	for _, m := range s.freed {
		s.blob.Free(m)
	}
	s.freed = s.freed[:0]
}

func (s *stream) Close() {
	s.reclaim()
	for t := range s.owned {
		s.blob.Free(t.Mem)
		t.Mem = nil
	}
	clear(s.owned)
}
