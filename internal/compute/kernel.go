package compute

import (
	"fmt"
	"math"
)

// Kernel identifies a compute program. Every backend implements all kernels.
type Kernel int

const (
	// KernelPreprocess crops a padded tile out of the uploaded image.
	// Bindings: source image, tile, alpha (optional).
	KernelPreprocess Kernel = iota

	// KernelPreprocessTTA writes the eight orientation variants of a tile.
	// Bindings: source image, variants 0..7, alpha (optional).
	KernelPreprocessTTA

	// KernelPostprocess writes a network output tile into the output image.
	// Bindings: tile output, alpha (optional), output image.
	KernelPostprocess

	// KernelPostprocessTTA restores and averages eight variant outputs.
	// Bindings: variant outputs 0..7, alpha (optional), output image.
	KernelPostprocessTTA

	// KernelConvolution: input, weights, bias (optional), output.
	KernelConvolution

	// KernelDeconvolution: input, weights, bias (optional), output.
	KernelDeconvolution

	// KernelActivation: input, output.
	KernelActivation

	// KernelEltwise: a, b, output.
	KernelEltwise

	// KernelBinaryOp: a, b (empty for the scalar form), output.
	KernelBinaryOp

	// KernelCrop: input, output.
	KernelCrop

	// KernelPooling: input, output.
	KernelPooling

	// KernelCount is the number of kernels.
	KernelCount
)

var kernelNames = [KernelCount]string{
	KernelPreprocess:     "preprocess",
	KernelPreprocessTTA:  "preprocess_tta",
	KernelPostprocess:    "postprocess",
	KernelPostprocessTTA: "postprocess_tta",
	KernelConvolution:    "convolution",
	KernelDeconvolution:  "deconvolution",
	KernelActivation:     "activation",
	KernelEltwise:        "eltwise",
	KernelBinaryOp:       "binaryop",
	KernelCrop:           "crop",
	KernelPooling:        "pooling",
}

var kernelBindings = [KernelCount]int{
	KernelPreprocess:     3,
	KernelPreprocessTTA:  2 + Orientations,
	KernelPostprocess:    3,
	KernelPostprocessTTA: 2 + Orientations,
	KernelConvolution:    4,
	KernelDeconvolution:  4,
	KernelActivation:     2,
	KernelEltwise:        3,
	KernelBinaryOp:       3,
	KernelCrop:           2,
	KernelPooling:        2,
}

func (k Kernel) String() string {
	if k >= 0 && k < KernelCount {
		return kernelNames[k]
	}
	return fmt.Sprintf("Kernel(%d)", int(k))
}

// Bindings returns the number of tensor bindings the kernel takes.
func (k Kernel) Bindings() int {
	if k >= 0 && k < KernelCount {
		return kernelBindings[k]
	}
	return 0
}

// PreprocessKernel returns the preprocess kernel for the ensemble mode.
func PreprocessKernel(tta bool) Kernel {
	if tta {
		return KernelPreprocessTTA
	}
	return KernelPreprocess
}

// PostprocessKernel returns the postprocess kernel for the ensemble mode.
func PostprocessKernel(tta bool) Kernel {
	if tta {
		return KernelPostprocessTTA
	}
	return KernelPostprocess
}

// Params are the per-dispatch constants of a kernel. Words returns them as
// 32-bit words in the order the GPU programs declare them.
type Params interface {
	Words() []uint32
}

func i32(v int) uint32     { return uint32(int32(v)) } //nolint:gosec // kernel constants fit int32
func f32(v float32) uint32 { return math.Float32bits(v) }
func b32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// PreprocessParams locate a tile inside the source image. X0 and Y0 are the
// tile's top-left in image coordinates and may be negative; the tile extent
// comes from the destination tensor.
type PreprocessParams struct {
	X0, Y0 int
}

func (p PreprocessParams) Words() []uint32 { return []uint32{i32(p.X0), i32(p.Y0)} }

// PostprocessParams place a network output tile into the output image.
// The region [OffX, OffX+ExtentW) x [OffY, OffY+ExtentH) of the output is
// written from the tile's top-left corner; nothing else is touched.
type PostprocessParams struct {
	OffX, OffY       int
	ExtentW, ExtentH int
}

func (p PostprocessParams) Words() []uint32 {
	return []uint32{i32(p.OffX), i32(p.OffY), i32(p.ExtentW), i32(p.ExtentH)}
}

// CheckPlacement verifies that a postprocess region fits both the network
// output tile and the output image.
func CheckPlacement(k Kernel, tileW, tileH, c int, out *Tensor, p PostprocessParams) error {
	if p.ExtentW > tileW || p.ExtentH > tileH {
		return fmt.Errorf("%w: %s extent %dx%d exceeds tile %dx%d",
			ErrShape, k, p.ExtentW, p.ExtentH, tileW, tileH)
	}
	if out.Empty() || out.C != c || p.OffX < 0 || p.OffY < 0 ||
		p.OffX+p.ExtentW > out.W || p.OffY+p.ExtentH > out.H {
		return fmt.Errorf("%w: %s region %dx%d at (%d,%d) outside %v",
			ErrShape, k, p.ExtentW, p.ExtentH, p.OffX, p.OffY, out)
	}
	return nil
}

// Activation is a fused or standalone element-wise activation.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationReLU            // max(x, 0), or leaky with Slope != 0
	ActivationSigmoid
)

// ConvParams describe a 2D convolution or deconvolution. For deconvolution
// PadLeft/PadTop are cropped from the full scatter output.
type ConvParams struct {
	KernelW, KernelH     int
	StrideW, StrideH     int
	DilationW, DilationH int
	PadLeft, PadTop      int
	Bias                 bool
	Activation           Activation
	Slope                float32
}

func (p ConvParams) Words() []uint32 {
	return []uint32{
		i32(p.KernelW), i32(p.KernelH),
		i32(p.StrideW), i32(p.StrideH),
		i32(p.DilationW), i32(p.DilationH),
		i32(p.PadLeft), i32(p.PadTop),
		b32(p.Bias), i32(int(p.Activation)), f32(p.Slope),
	}
}

// ActivationParams configure KernelActivation.
type ActivationParams struct {
	Activation Activation
	Slope      float32
}

func (p ActivationParams) Words() []uint32 {
	return []uint32{i32(int(p.Activation)), f32(p.Slope)}
}

// EltwiseOp matches ncnn's Eltwise op_type.
type EltwiseOp int

const (
	EltwiseProd EltwiseOp = iota
	EltwiseSum
	EltwiseMax
)

// EltwiseParams combine two same-shaped tensors. CoeffA and CoeffB scale
// the operands of EltwiseSum.
type EltwiseParams struct {
	Op             EltwiseOp
	CoeffA, CoeffB float32
}

func (p EltwiseParams) Words() []uint32 {
	return []uint32{i32(int(p.Op)), f32(p.CoeffA), f32(p.CoeffB)}
}

// BinaryOp matches ncnn's BinaryOp op_type.
type BinaryOp int

const (
	BinaryAdd BinaryOp = iota
	BinarySub
	BinaryMul
	BinaryDiv
	BinaryMax
	BinaryMin
	BinaryPow
	BinaryRSub
	BinaryRDiv
)

// BinaryOpParams: a dimension of size 1 in either operand broadcasts. With
// Scalar set the b binding is empty and B is used instead.
type BinaryOpParams struct {
	Op     BinaryOp
	Scalar bool
	B      float32
}

func (p BinaryOpParams) Words() []uint32 {
	return []uint32{i32(int(p.Op)), b32(p.Scalar), f32(p.B)}
}

// Broadcastable reports whether t can be read at every coordinate of out,
// repeating any dimension of size 1.
func Broadcastable(t, out *Tensor) bool {
	fits := func(n, want int) bool { return n == want || n == 1 }
	return !t.Empty() && fits(t.W, out.W) && fits(t.H, out.H) && fits(t.C, out.C)
}

// ApplyBinary evaluates op on scalars. Shared by the CPU backend and tests.
func ApplyBinary(op BinaryOp, a, b float32) float32 {
	switch op {
	case BinaryAdd:
		return a + b
	case BinarySub:
		return a - b
	case BinaryMul:
		return a * b
	case BinaryDiv:
		return a / b
	case BinaryMax:
		return max(a, b)
	case BinaryMin:
		return min(a, b)
	case BinaryPow:
		return float32(math.Pow(float64(a), float64(b)))
	case BinaryRSub:
		return b - a
	case BinaryRDiv:
		return b / a
	default:
		return a
	}
}

// CropParams: the output tensor is the input region starting at (X, Y, C).
type CropParams struct {
	X, Y, C int
}

func (p CropParams) Words() []uint32 { return []uint32{i32(p.X), i32(p.Y), i32(p.C)} }

// PoolType matches ncnn's Pooling pooling_type.
type PoolType int

const (
	PoolMax PoolType = iota
	PoolAvg
)

// PoolingParams: with Global set the output is C x 1 x 1 and the window
// fields are ignored.
type PoolingParams struct {
	Type             PoolType
	Global           bool
	KernelW, KernelH int
	StrideW, StrideH int
}

func (p PoolingParams) Words() []uint32 {
	return []uint32{
		i32(int(p.Type)), b32(p.Global),
		i32(p.KernelW), i32(p.KernelH), i32(p.StrideW), i32(p.StrideH),
	}
}

// NoParams is used by kernels without constants of their own.
type NoParams struct{}

func (NoParams) Words() []uint32 { return nil }
