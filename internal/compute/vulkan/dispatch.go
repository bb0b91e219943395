// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package vulkan

import (
	"fmt"

	"github.com/gogpu/waifu2x/internal/compute"
)

// pass is one invocation of a shader: the tensors bound to its storage
// slots (nil binds the dummy buffer), its parameter words and the extent
// of invocations.
type pass struct {
	slots   []*compute.Tensor
	words   []uint32
	w, h, c int
}

func paramsAs[T compute.Params](k compute.Kernel, params compute.Params) (T, error) {
	p, ok := params.(T)
	if !ok {
		return p, fmt.Errorf("%s params %T, want %T", k, params, p)
	}
	return p, nil
}

// Alpha tensors are accepted by the binding layout but never bound.
func noAlpha(k compute.Kernel, alpha *compute.Tensor) error {
	if !alpha.Empty() {
		return fmt.Errorf("%w: %s with alpha channel", compute.ErrUnsupported, k)
	}
	return nil
}

func words(base []uint32, extra ...uint32) []uint32 {
	return append(append(make([]uint32, 0, len(base)+len(extra)), base...), extra...)
}

func optional(t *compute.Tensor, used bool) *compute.Tensor {
	if !used || t.Empty() {
		return nil
	}
	return t
}

// postprocess modes.
const (
	modeStore uint32 = iota
	modeAccumulate
	modeAverage
)

// plan validates a dispatch the way the CPU kernels do and splits it into
// shader passes. The ensemble kernels become one pass per orientation.
func plan(k compute.Kernel, b []*compute.Tensor, params compute.Params) ([]pass, error) {
	switch k {
	case compute.KernelPreprocess:
		p, err := paramsAs[compute.PreprocessParams](k, params)
		if err != nil {
			return nil, err
		}
		src, dst := b[0], b[1]
		if err := noAlpha(k, b[2]); err != nil {
			return nil, err
		}
		if src.Empty() {
			return nil, fmt.Errorf("%w: preprocess source is empty", compute.ErrShape)
		}
		if err := compute.CheckShape("preprocess dst", dst, dst.W, dst.H, src.C); err != nil {
			return nil, err
		}
		return []pass{{
			slots: []*compute.Tensor{src, dst},
			words: words(p.Words(), 0),
			w:     dst.W, h: dst.H, c: dst.C,
		}}, nil

	case compute.KernelPreprocessTTA:
		p, err := paramsAs[compute.PreprocessParams](k, params)
		if err != nil {
			return nil, err
		}
		src := b[0]
		dsts := b[1 : 1+compute.Orientations]
		if err := noAlpha(k, b[1+compute.Orientations]); err != nil {
			return nil, err
		}
		if src.Empty() || dsts[0].Empty() {
			return nil, fmt.Errorf("%w: preprocess with empty source or variant", compute.ErrShape)
		}
		tw, th := dsts[0].W, dsts[0].H
		passes := make([]pass, 0, compute.Orientations)
		for v, d := range dsts {
			vw, vh := compute.Orientation(v).Dims(tw, th)
			if err := compute.CheckShape(fmt.Sprintf("preprocess variant %d", v), d, vw, vh, src.C); err != nil {
				return nil, err
			}
			passes = append(passes, pass{
				slots: []*compute.Tensor{src, d},
				words: words(p.Words(), uint32(v)), //nolint:gosec // orientation index
				w:     tw, h: th, c: src.C,
			})
		}
		return passes, nil

	case compute.KernelPostprocess:
		p, err := paramsAs[compute.PostprocessParams](k, params)
		if err != nil {
			return nil, err
		}
		src, dst := b[0], b[2]
		if err := noAlpha(k, b[1]); err != nil {
			return nil, err
		}
		if src.Empty() {
			return nil, fmt.Errorf("%w: postprocess source is empty", compute.ErrShape)
		}
		if err := compute.CheckPlacement(k, src.W, src.H, src.C, dst, p); err != nil {
			return nil, err
		}
		return []pass{{
			slots: []*compute.Tensor{src, dst},
			words: words(p.Words(), 0, modeStore),
			w:     p.ExtentW, h: p.ExtentH, c: dst.C,
		}}, nil

	case compute.KernelPostprocessTTA:
		p, err := paramsAs[compute.PostprocessParams](k, params)
		if err != nil {
			return nil, err
		}
		srcs := b[:compute.Orientations]
		dst := b[compute.Orientations+1]
		if err := noAlpha(k, b[compute.Orientations]); err != nil {
			return nil, err
		}
		if srcs[0].Empty() {
			return nil, fmt.Errorf("%w: postprocess source is empty", compute.ErrShape)
		}
		ow, oh, ch := srcs[0].W, srcs[0].H, srcs[0].C
		for v, s := range srcs {
			vw, vh := compute.Orientation(v).Dims(ow, oh)
			if err := compute.CheckShape(fmt.Sprintf("postprocess variant %d", v), s, vw, vh, ch); err != nil {
				return nil, err
			}
		}
		if err := compute.CheckPlacement(k, ow, oh, ch, dst, p); err != nil {
			return nil, err
		}
		passes := make([]pass, 0, compute.Orientations)
		for v, s := range srcs {
			mode := modeAccumulate
			switch v {
			case 0:
				mode = modeStore
			case compute.Orientations - 1:
				mode = modeAverage
			}
			passes = append(passes, pass{
				slots: []*compute.Tensor{s, dst},
				words: words(p.Words(), uint32(v), mode), //nolint:gosec // orientation index
				w:     p.ExtentW, h: p.ExtentH, c: ch,
			})
		}
		return passes, nil

	case compute.KernelConvolution, compute.KernelDeconvolution:
		p, err := paramsAs[compute.ConvParams](k, params)
		if err != nil {
			return nil, err
		}
		src, weight, bias, dst := b[0], b[1], b[2], b[3]
		if src.Empty() || dst.Empty() {
			return nil, fmt.Errorf("%w: %s with empty input or output", compute.ErrShape, k)
		}
		if p.KernelW <= 0 || p.KernelH <= 0 || p.StrideW <= 0 || p.StrideH <= 0 ||
			p.DilationW <= 0 || p.DilationH <= 0 {
			return nil, fmt.Errorf("vulkan: %s: invalid geometry %+v", k, p)
		}
		if want := dst.C * src.C * p.KernelW * p.KernelH; weight.Len() != want {
			return nil, fmt.Errorf("%w: %s weights %v, want %d elements", compute.ErrShape, k, weight, want)
		}
		if p.Bias && bias.Len() < dst.C {
			return nil, fmt.Errorf("%w: %s bias %v, want %d elements", compute.ErrShape, k, bias, dst.C)
		}
		return []pass{{
			slots: []*compute.Tensor{src, weight, optional(bias, p.Bias), dst},
			words: p.Words(),
			w:     dst.W, h: dst.H, c: dst.C,
		}}, nil

	case compute.KernelActivation:
		p, err := paramsAs[compute.ActivationParams](k, params)
		if err != nil {
			return nil, err
		}
		src, dst := b[0], b[1]
		if src.Empty() {
			return nil, fmt.Errorf("%w: activation input is empty", compute.ErrShape)
		}
		if err := compute.CheckShape("activation output", dst, src.W, src.H, src.C); err != nil {
			return nil, err
		}
		return []pass{{
			slots: []*compute.Tensor{src, dst},
			words: p.Words(),
			w:     dst.W, h: dst.H, c: dst.C,
		}}, nil

	case compute.KernelEltwise:
		p, err := paramsAs[compute.EltwiseParams](k, params)
		if err != nil {
			return nil, err
		}
		ta, tb, dst := b[0], b[1], b[2]
		if ta.Empty() {
			return nil, fmt.Errorf("%w: eltwise a is empty", compute.ErrShape)
		}
		if err := compute.CheckShape("eltwise b", tb, ta.W, ta.H, ta.C); err != nil {
			return nil, err
		}
		if err := compute.CheckShape("eltwise output", dst, ta.W, ta.H, ta.C); err != nil {
			return nil, err
		}
		return []pass{{
			slots: []*compute.Tensor{ta, tb, dst},
			words: p.Words(),
			w:     dst.W, h: dst.H, c: dst.C,
		}}, nil

	case compute.KernelBinaryOp:
		p, err := paramsAs[compute.BinaryOpParams](k, params)
		if err != nil {
			return nil, err
		}
		ta, tb, dst := b[0], b[1], b[2]
		if dst.Empty() || !compute.Broadcastable(ta, dst) || (!p.Scalar && !compute.Broadcastable(tb, dst)) {
			return nil, fmt.Errorf("%w: binaryop %v, %v -> %v", compute.ErrShape, ta, tb, dst)
		}
		return []pass{{
			slots: []*compute.Tensor{ta, optional(tb, !p.Scalar), dst},
			words: p.Words(),
			w:     dst.W, h: dst.H, c: dst.C,
		}}, nil

	case compute.KernelCrop:
		p, err := paramsAs[compute.CropParams](k, params)
		if err != nil {
			return nil, err
		}
		src, dst := b[0], b[1]
		if src.Empty() || dst.Empty() || p.X < 0 || p.Y < 0 || p.C < 0 ||
			p.X+dst.W > src.W || p.Y+dst.H > src.H || p.C+dst.C > src.C {
			return nil, fmt.Errorf("%w: crop %v at (%d,%d,%d) from %v", compute.ErrShape, dst, p.X, p.Y, p.C, src)
		}
		return []pass{{
			slots: []*compute.Tensor{src, dst},
			words: p.Words(),
			w:     dst.W, h: dst.H, c: dst.C,
		}}, nil

	case compute.KernelPooling:
		p, err := paramsAs[compute.PoolingParams](k, params)
		if err != nil {
			return nil, err
		}
		src, dst := b[0], b[1]
		if src.Empty() || dst.Empty() || dst.C != src.C {
			return nil, fmt.Errorf("%w: pooling %v -> %v", compute.ErrShape, src, dst)
		}
		if p.Global {
			if dst.W != 1 || dst.H != 1 {
				return nil, fmt.Errorf("%w: global pooling output %v", compute.ErrShape, dst)
			}
		} else if p.KernelW <= 0 || p.KernelH <= 0 || p.StrideW <= 0 || p.StrideH <= 0 {
			return nil, fmt.Errorf("vulkan: pooling: invalid geometry %+v", p)
		}
		return []pass{{
			slots: []*compute.Tensor{src, dst},
			words: p.Words(),
			w:     dst.W, h: dst.H, c: dst.C,
		}}, nil
	}
	return nil, fmt.Errorf("%w: kernel %v", compute.ErrUnsupported, k)
}
