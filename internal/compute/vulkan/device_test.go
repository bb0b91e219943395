// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package vulkan

import (
	"errors"
	"math"
	"testing"

	"github.com/gogpu/waifu2x/internal/compute"
	"github.com/gogpu/waifu2x/internal/compute/cpu"
	"github.com/gogpu/waifu2x/internal/ncnn/ncnntest"
)

// openDevice opens a device of b with a stream, skipping the test when b
// has no device.
func openDevice(t *testing.T, b compute.Backend) (compute.Device, compute.Stream) {
	t.Helper()
	idx, err := b.DefaultDevice()
	if err != nil {
		t.Skipf("GPU not available: %v", err)
	}
	dev, err := b.Open(idx, nil)
	if err != nil {
		t.Skipf("GPU not available: %v", err)
	}
	blob := dev.AcquireBlobAllocator()
	staging := dev.AcquireStagingAllocator()
	s := dev.NewStream(blob, staging)
	t.Cleanup(func() {
		s.Close()
		dev.ReclaimBlobAllocator(blob)
		dev.ReclaimStagingAllocator(staging)
		if err := dev.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return dev, s
}

type shape struct{ w, h, c int }

// kernelCase runs one kernel with uploaded inputs and a fresh output.
type kernelCase struct {
	name   string
	k      compute.Kernel
	inputs []shape // uploaded as weights; a zero shape binds nothing
	out    shape
	// slots maps binding positions to inputs (>= 0) or the output (-1);
	// -2 leaves the binding empty.
	slots  []int
	params compute.Params
}

func runCase(t *testing.T, b compute.Backend, tc kernelCase) []float32 {
	t.Helper()
	dev, s := openDevice(t, b)

	inputs := make([]*compute.Tensor, len(tc.inputs))
	for i, sh := range tc.inputs {
		n := sh.w * sh.h * sh.c
		in, err := dev.UploadTensor(ncnntest.Values(n, uint32(i+1)), sh.w, sh.h, sh.c, compute.Float32) //nolint:gosec // test seed
		if err != nil {
			t.Fatalf("UploadTensor: %v", err)
		}
		t.Cleanup(func() { dev.FreeTensor(in) })
		inputs[i] = in
	}
	out, err := s.NewTensor(tc.out.w, tc.out.h, tc.out.c, compute.Float32)
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	bindings := make([]*compute.Tensor, len(tc.slots))
	for i, idx := range tc.slots {
		switch {
		case idx == -1:
			bindings[i] = out
		case idx >= 0:
			bindings[i] = inputs[idx]
		}
	}
	prog, err := dev.CompileProgram(tc.k)
	if err != nil {
		t.Fatalf("CompileProgram(%s): %v", tc.k, err)
	}
	defer prog.Release()
	if err := s.Dispatch(prog, bindings, tc.params); err != nil {
		t.Fatalf("Dispatch(%s): %v", tc.k, err)
	}

	planes := make([][]float32, tc.out.c)
	for c := range planes {
		planes[c] = make([]float32, tc.out.w*tc.out.h)
	}
	if err := s.Download(out, compute.HostImage{Planes: planes, W: tc.out.w, H: tc.out.h, Stride: tc.out.w}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := s.SubmitAndWait(); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	var flat []float32
	for _, p := range planes {
		flat = append(flat, p...)
	}
	return flat
}

// TestKernelsMatchCPU runs each kernel on the GPU and the CPU backend.
func TestKernelsMatchCPU(t *testing.T) {
	conv := compute.ConvParams{
		KernelW: 3, KernelH: 3, StrideW: 1, StrideH: 1, DilationW: 1, DilationH: 1,
		Bias: true, Activation: compute.ActivationReLU, Slope: 0.1,
	}
	deconv := compute.ConvParams{
		KernelW: 4, KernelH: 4, StrideW: 2, StrideH: 2, DilationW: 1, DilationH: 1,
		PadLeft: 3, PadTop: 3, Bias: true,
	}
	cases := []kernelCase{
		{
			name: "preprocess", k: compute.KernelPreprocess,
			inputs: []shape{{9, 7, 3}}, out: shape{12, 10, 3},
			slots: []int{0, -1, -2}, params: compute.PreprocessParams{X0: -2, Y0: -3},
		},
		{
			name: "postprocess", k: compute.KernelPostprocess,
			inputs: []shape{{6, 5, 3}}, out: shape{6, 5, 3},
			slots: []int{0, -2, -1}, params: compute.PostprocessParams{ExtentW: 6, ExtentH: 5},
		},
		{
			name: "convolution", k: compute.KernelConvolution,
			inputs: []shape{{10, 9, 3}, {3 * 4 * 9, 1, 1}, {4, 1, 1}}, out: shape{8, 7, 4},
			slots: []int{0, 1, 2, -1}, params: conv,
		},
		{
			name: "deconvolution", k: compute.KernelDeconvolution,
			inputs: []shape{{5, 4, 2}, {2 * 3 * 16, 1, 1}, {3, 1, 1}}, out: shape{6, 4, 3},
			slots: []int{0, 1, 2, -1}, params: deconv,
		},
		{
			name: "sigmoid", k: compute.KernelActivation,
			inputs: []shape{{7, 5, 2}}, out: shape{7, 5, 2},
			slots: []int{0, -1}, params: compute.ActivationParams{Activation: compute.ActivationSigmoid},
		},
		{
			name: "eltwise sum", k: compute.KernelEltwise,
			inputs: []shape{{6, 6, 2}, {6, 6, 2}}, out: shape{6, 6, 2},
			slots: []int{0, 1, -1}, params: compute.EltwiseParams{Op: compute.EltwiseSum, CoeffA: 0.5, CoeffB: 2},
		},
		{
			name: "binaryop broadcast", k: compute.KernelBinaryOp,
			inputs: []shape{{6, 6, 4}, {1, 1, 4}}, out: shape{6, 6, 4},
			slots: []int{0, 1, -1}, params: compute.BinaryOpParams{Op: compute.BinaryMul},
		},
		{
			name: "binaryop scalar", k: compute.KernelBinaryOp,
			inputs: []shape{{6, 6, 4}}, out: shape{6, 6, 4},
			slots: []int{0, -2, -1}, params: compute.BinaryOpParams{Op: compute.BinaryRSub, Scalar: true, B: 1},
		},
		{
			name: "crop", k: compute.KernelCrop,
			inputs: []shape{{10, 10, 4}}, out: shape{6, 5, 2},
			slots: []int{0, -1}, params: compute.CropParams{X: 2, Y: 3, C: 1},
		},
		{
			name: "global average pooling", k: compute.KernelPooling,
			inputs: []shape{{9, 7, 3}}, out: shape{1, 1, 3},
			slots: []int{0, -1}, params: compute.PoolingParams{Type: compute.PoolAvg, Global: true},
		},
		{
			name: "max pooling", k: compute.KernelPooling,
			inputs: []shape{{8, 8, 2}}, out: shape{4, 4, 2},
			slots: []int{0, -1}, params: compute.PoolingParams{Type: compute.PoolMax, KernelW: 2, KernelH: 2, StrideW: 2, StrideH: 2},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := runCase(t, &Backend{}, tc)
			want := runCase(t, cpu.Backend{}, tc)
			if len(got) != len(want) {
				t.Fatalf("len = %d, want %d", len(got), len(want))
			}
			for i := range want {
				if d := math.Abs(float64(got[i] - want[i])); d > 1e-4 {
					t.Fatalf("element %d = %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestStreamReleaseDefersReuse(t *testing.T) {
	dev, s := openDevice(t, &Backend{})
	st := s.(*stream)

	a, err := s.NewTensor(8, 8, 3, compute.Float32)
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	b, err := s.NewTensor(8, 8, 3, compute.Float32)
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	prog, err := dev.CompileProgram(compute.KernelActivation)
	if err != nil {
		t.Fatalf("CompileProgram: %v", err)
	}
	defer prog.Release()
	if err := s.Dispatch(prog, []*compute.Tensor{a, b}, compute.ActivationParams{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	s.Release(a)
	if len(st.freed) != 1 {
		t.Fatalf("freed = %d before submit, want 1", len(st.freed))
	}
	if err := s.SubmitAndWait(); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	if len(st.freed) != 0 || len(st.cmds) != 0 {
		t.Errorf("after submit freed = %d, cmds = %d", len(st.freed), len(st.cmds))
	}
}

func TestStreamUploadDownload(t *testing.T) {
	_, s := openDevice(t, &Backend{})
	st := s.(*stream)

	const w, h, stride = 5, 3, 7
	src := compute.HostImage{W: w, H: h, Stride: stride}
	for c := 0; c < 3; c++ {
		p := make([]float32, stride*h)
		for i := range p {
			p[i] = float32(c*100 + i)
		}
		src.Planes = append(src.Planes, p)
	}
	tensor, err := s.Upload(src)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(st.cmds) != 1 || st.cmds[0].upload == nil {
		t.Fatalf("Upload recorded %d commands, want one staged copy", len(st.cmds))
	}

	dst := compute.HostImage{W: w, H: h, Stride: w}
	for range src.Planes {
		dst.Planes = append(dst.Planes, make([]float32, w*h))
	}
	if err := s.Download(tensor, dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := s.SubmitAndWait(); err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	for c := range dst.Planes {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				got, want := dst.Planes[c][y*w+x], src.Planes[c][y*stride+x]
				if got != want {
					t.Fatalf("plane %d (%d,%d) = %v, want %v", c, x, y, got, want)
				}
			}
		}
	}
}

func TestUploadTensorRejectsLength(t *testing.T) {
	dev, _ := openDevice(t, &Backend{})
	if _, err := dev.UploadTensor(make([]float32, 5), 2, 2, 1, compute.Float32); !errors.Is(err, compute.ErrShape) {
		t.Errorf("UploadTensor error = %v, want ErrShape", err)
	}
}
