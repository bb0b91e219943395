package cpu

import (
	"fmt"
	"math"

	"github.com/gogpu/waifu2x/internal/compute"
	"github.com/gogpu/waifu2x/internal/parallel"
)

// kernelFunc executes one dispatch. Every output element is computed by a
// single goroutine with a fixed summation order, so results do not depend
// on scheduling.
type kernelFunc func(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error

var kernelFuncs = [compute.KernelCount]kernelFunc{
	compute.KernelPreprocess:     preprocess,
	compute.KernelPreprocessTTA:  preprocessTTA,
	compute.KernelPostprocess:    postprocess,
	compute.KernelPostprocessTTA: postprocessTTA,
	compute.KernelConvolution:    convolution,
	compute.KernelDeconvolution:  deconvolution,
	compute.KernelActivation:     activation,
	compute.KernelEltwise:        eltwise,
	compute.KernelBinaryOp:       binaryOp,
	compute.KernelCrop:           crop,
	compute.KernelPooling:        pooling,
}

func paramsAs[T compute.Params](k compute.Kernel, params compute.Params) (T, error) {
	p, ok := params.(T)
	if !ok {
		return p, fmt.Errorf("%s params %T, want %T", k, params, p)
	}
	return p, nil
}

func noAlpha(k compute.Kernel, alpha *compute.Tensor) error {
	if !alpha.Empty() {
		return fmt.Errorf("%w: %s with alpha channel", compute.ErrUnsupported, k)
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func loadAll(ts []*compute.Tensor) ([][]float32, error) {
	out := make([][]float32, len(ts))
	for i, t := range ts {
		d, err := load(t)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func preprocess(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.PreprocessParams](compute.KernelPreprocess, params)
	if err != nil {
		return err
	}
	src, dst := b[0], b[1]
	if err := noAlpha(compute.KernelPreprocess, b[2]); err != nil {
		return err
	}
	if err := compute.CheckShape("preprocess dst", dst, dst.W, dst.H, src.C); err != nil {
		return err
	}

	in, err := load(src)
	if err != nil {
		return err
	}
	out, err := load(dst)
	if err != nil {
		return err
	}

	sp, dp := src.Plane(), dst.Plane()
	pool.For(dst.C*dst.H, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			c, y := r/dst.H, r%dst.H
			sy := clampInt(p.Y0+y, 0, src.H-1)
			row := in[c*sp+sy*src.W : c*sp+(sy+1)*src.W]
			o := out[c*dp+y*dst.W : c*dp+(y+1)*dst.W]
			for x := range o {
				o[x] = row[clampInt(p.X0+x, 0, src.W-1)]
			}
		}
	})
	store(dst, out)
	return nil
}

func preprocessTTA(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.PreprocessParams](compute.KernelPreprocessTTA, params)
	if err != nil {
		return err
	}
	src := b[0]
	dsts := b[1 : 1+compute.Orientations]
	if err := noAlpha(compute.KernelPreprocessTTA, b[1+compute.Orientations]); err != nil {
		return err
	}

	tw, th := dsts[0].W, dsts[0].H
	for v, d := range dsts {
		vw, vh := compute.Orientation(v).Dims(tw, th)
		if err := compute.CheckShape(fmt.Sprintf("preprocess variant %d", v), d, vw, vh, src.C); err != nil {
			return err
		}
	}

	in, err := load(src)
	if err != nil {
		return err
	}
	outs, err := loadAll(dsts)
	if err != nil {
		return err
	}

	sp, tp := src.Plane(), tw*th
	pool.For(src.C*th, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			c, y := r/th, r%th
			sy := clampInt(p.Y0+y, 0, src.H-1)
			row := in[c*sp+sy*src.W : c*sp+(sy+1)*src.W]
			for x := 0; x < tw; x++ {
				v := row[clampInt(p.X0+x, 0, src.W-1)]
				for o := range outs {
					ori := compute.Orientation(o)
					fx, fy := ori.Forward(x, y, tw, th)
					vw, _ := ori.Dims(tw, th)
					outs[o][c*tp+fy*vw+fx] = v
				}
			}
		}
	})
	for i, d := range dsts {
		store(d, outs[i])
	}
	return nil
}

func postprocess(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.PostprocessParams](compute.KernelPostprocess, params)
	if err != nil {
		return err
	}
	src, dst := b[0], b[2]
	if err := noAlpha(compute.KernelPostprocess, b[1]); err != nil {
		return err
	}
	if src.Empty() {
		return fmt.Errorf("%w: postprocess source is empty", compute.ErrShape)
	}
	if err := compute.CheckPlacement(compute.KernelPostprocess, src.W, src.H, src.C, dst, p); err != nil {
		return err
	}

	in, err := load(src)
	if err != nil {
		return err
	}
	out, err := load(dst)
	if err != nil {
		return err
	}

	sp, dp := src.Plane(), dst.Plane()
	pool.For(dst.C*p.ExtentH, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			c, y := r/p.ExtentH, r%p.ExtentH
			row := in[c*sp+y*src.W : c*sp+y*src.W+p.ExtentW]
			o := out[c*dp+(p.OffY+y)*dst.W+p.OffX:]
			copy(o[:p.ExtentW], row)
		}
	})
	store(dst, out)
	return nil
}

func postprocessTTA(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.PostprocessParams](compute.KernelPostprocessTTA, params)
	if err != nil {
		return err
	}
	srcs := b[:compute.Orientations]
	dst := b[compute.Orientations+1]
	if err := noAlpha(compute.KernelPostprocessTTA, b[compute.Orientations]); err != nil {
		return err
	}
	if srcs[0].Empty() {
		return fmt.Errorf("%w: postprocess source is empty", compute.ErrShape)
	}

	ow, oh, ch := srcs[0].W, srcs[0].H, srcs[0].C
	for v, s := range srcs {
		vw, vh := compute.Orientation(v).Dims(ow, oh)
		if err := compute.CheckShape(fmt.Sprintf("postprocess variant %d", v), s, vw, vh, ch); err != nil {
			return err
		}
	}
	if err := compute.CheckPlacement(compute.KernelPostprocessTTA, ow, oh, ch, dst, p); err != nil {
		return err
	}

	ins, err := loadAll(srcs)
	if err != nil {
		return err
	}
	out, err := load(dst)
	if err != nil {
		return err
	}

	tp, dp := ow*oh, dst.Plane()
	pool.For(ch*p.ExtentH, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			c, y := r/p.ExtentH, r%p.ExtentH
			o := out[c*dp+(p.OffY+y)*dst.W+p.OffX:]
			for x := 0; x < p.ExtentW; x++ {
				var sum float32
				for v := range ins {
					ori := compute.Orientation(v)
					fx, fy := ori.Forward(x, y, ow, oh)
					vw, _ := ori.Dims(ow, oh)
					sum += ins[v][c*tp+fy*vw+fx]
				}
				o[x] = sum * 0.125
			}
		}
	})
	store(dst, out)
	return nil
}

func activate(v float32, act compute.Activation, slope float32) float32 {
	switch act {
	case compute.ActivationReLU:
		if v < 0 {
			if slope == 0 {
				return 0
			}
			return v * slope
		}
	case compute.ActivationSigmoid:
		return float32(1 / (1 + math.Exp(-float64(v))))
	}
	return v
}

func convOperands(k compute.Kernel, b []*compute.Tensor, p compute.ConvParams) (in, w, bias, out []float32, err error) {
	src, weight, biasT, dst := b[0], b[1], b[2], b[3]
	if src.Empty() || dst.Empty() {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s with empty input or output", compute.ErrShape, k)
	}
	if p.KernelW <= 0 || p.KernelH <= 0 || p.StrideW <= 0 || p.StrideH <= 0 ||
		p.DilationW <= 0 || p.DilationH <= 0 {
		return nil, nil, nil, nil, fmt.Errorf("cpu: %s: invalid geometry %+v", k, p)
	}
	if want := dst.C * src.C * p.KernelW * p.KernelH; weight.Len() != want {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s weights %v, want %d elements", compute.ErrShape, k, weight, want)
	}
	if p.Bias && biasT.Len() < dst.C {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s bias %v, want %d elements", compute.ErrShape, k, biasT, dst.C)
	}

	if in, err = load(src); err != nil {
		return
	}
	if w, err = load(weight); err != nil {
		return
	}
	if p.Bias {
		if bias, err = load(biasT); err != nil {
			return
		}
	}
	out, err = load(dst)
	return
}

func convolution(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.ConvParams](compute.KernelConvolution, params)
	if err != nil {
		return err
	}
	in, w, bias, out, err := convOperands(compute.KernelConvolution, b, p)
	if err != nil {
		return err
	}
	src, dst := b[0], b[3]

	kw, kh := p.KernelW, p.KernelH
	sp, dp := src.Plane(), dst.Plane()
	pool.For(dst.C*dst.H, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			oc, oy := r/dst.H, r%dst.H
			o := out[oc*dp+oy*dst.W : oc*dp+(oy+1)*dst.W]
			for ox := range o {
				var sum float32
				if p.Bias {
					sum = bias[oc]
				}
				for ic := 0; ic < src.C; ic++ {
					wk := w[(oc*src.C+ic)*kw*kh:]
					plane := in[ic*sp:]
					for ky := 0; ky < kh; ky++ {
						iy := oy*p.StrideH + ky*p.DilationH - p.PadTop
						if iy < 0 || iy >= src.H {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := ox*p.StrideW + kx*p.DilationW - p.PadLeft
							if ix < 0 || ix >= src.W {
								continue
							}
							sum += plane[iy*src.W+ix] * wk[ky*kw+kx]
						}
					}
				}
				o[ox] = activate(sum, p.Activation, p.Slope)
			}
		}
	})
	store(dst, out)
	return nil
}

// deconvolution computes the transposed convolution in gather form: every
// output element sums the input taps that would have scattered into it.
func deconvolution(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.ConvParams](compute.KernelDeconvolution, params)
	if err != nil {
		return err
	}
	in, w, bias, out, err := convOperands(compute.KernelDeconvolution, b, p)
	if err != nil {
		return err
	}
	src, dst := b[0], b[3]

	kw, kh := p.KernelW, p.KernelH
	sp, dp := src.Plane(), dst.Plane()
	pool.For(dst.C*dst.H, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			oc, oy := r/dst.H, r%dst.H
			fy := oy + p.PadTop
			o := out[oc*dp+oy*dst.W : oc*dp+(oy+1)*dst.W]
			for ox := range o {
				fx := ox + p.PadLeft
				var sum float32
				if p.Bias {
					sum = bias[oc]
				}
				for ic := 0; ic < src.C; ic++ {
					wk := w[(oc*src.C+ic)*kw*kh:]
					plane := in[ic*sp:]
					for ky := 0; ky < kh; ky++ {
						ty := fy - ky*p.DilationH
						if ty < 0 || ty%p.StrideH != 0 || ty/p.StrideH >= src.H {
							continue
						}
						iy := ty / p.StrideH
						for kx := 0; kx < kw; kx++ {
							tx := fx - kx*p.DilationW
							if tx < 0 || tx%p.StrideW != 0 || tx/p.StrideW >= src.W {
								continue
							}
							sum += plane[iy*src.W+tx/p.StrideW] * wk[ky*kw+kx]
						}
					}
				}
				o[ox] = activate(sum, p.Activation, p.Slope)
			}
		}
	})
	store(dst, out)
	return nil
}

func activation(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.ActivationParams](compute.KernelActivation, params)
	if err != nil {
		return err
	}
	src, dst := b[0], b[1]
	if err := compute.CheckShape("activation output", dst, src.W, src.H, src.C); err != nil {
		return err
	}
	in, err := load(src)
	if err != nil {
		return err
	}
	out, err := load(dst)
	if err != nil {
		return err
	}
	pool.For(len(out), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i] = activate(in[i], p.Activation, p.Slope)
		}
	})
	store(dst, out)
	return nil
}

func eltwise(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.EltwiseParams](compute.KernelEltwise, params)
	if err != nil {
		return err
	}
	ta, tb, dst := b[0], b[1], b[2]
	if err := compute.CheckShape("eltwise b", tb, ta.W, ta.H, ta.C); err != nil {
		return err
	}
	if err := compute.CheckShape("eltwise output", dst, ta.W, ta.H, ta.C); err != nil {
		return err
	}
	ops, err := loadAll([]*compute.Tensor{ta, tb, dst})
	if err != nil {
		return err
	}
	a, bv, out := ops[0], ops[1], ops[2]

	pool.For(len(out), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			switch p.Op {
			case compute.EltwiseProd:
				out[i] = a[i] * bv[i]
			case compute.EltwiseSum:
				out[i] = p.CoeffA*a[i] + p.CoeffB*bv[i]
			case compute.EltwiseMax:
				out[i] = max(a[i], bv[i])
			}
		}
	})
	store(dst, out)
	return nil
}

// broadcastIndex maps an output coordinate into an operand where any
// dimension of size 1 repeats.
func broadcastIndex(t *compute.Tensor, x, y, c int) int {
	if t.W == 1 {
		x = 0
	}
	if t.H == 1 {
		y = 0
	}
	if t.C == 1 {
		c = 0
	}
	return c*t.W*t.H + y*t.W + x
}

func binaryOp(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.BinaryOpParams](compute.KernelBinaryOp, params)
	if err != nil {
		return err
	}
	ta, tb, dst := b[0], b[1], b[2]
	if dst.Empty() || !compute.Broadcastable(ta, dst) || (!p.Scalar && !compute.Broadcastable(tb, dst)) {
		return fmt.Errorf("%w: binaryop %v, %v -> %v", compute.ErrShape, ta, tb, dst)
	}
	a, err := load(ta)
	if err != nil {
		return err
	}
	var bv []float32
	if !p.Scalar {
		if bv, err = load(tb); err != nil {
			return err
		}
	}
	out, err := load(dst)
	if err != nil {
		return err
	}

	pool.For(dst.C*dst.H, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			c, y := r/dst.H, r%dst.H
			for x := 0; x < dst.W; x++ {
				rhs := p.B
				if !p.Scalar {
					rhs = bv[broadcastIndex(tb, x, y, c)]
				}
				out[(c*dst.H+y)*dst.W+x] = compute.ApplyBinary(p.Op, a[broadcastIndex(ta, x, y, c)], rhs)
			}
		}
	})
	store(dst, out)
	return nil
}

func crop(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.CropParams](compute.KernelCrop, params)
	if err != nil {
		return err
	}
	src, dst := b[0], b[1]
	if src.Empty() || dst.Empty() || p.X < 0 || p.Y < 0 || p.C < 0 ||
		p.X+dst.W > src.W || p.Y+dst.H > src.H || p.C+dst.C > src.C {
		return fmt.Errorf("%w: crop %v at (%d,%d,%d) from %v", compute.ErrShape, dst, p.X, p.Y, p.C, src)
	}
	in, err := load(src)
	if err != nil {
		return err
	}
	out, err := load(dst)
	if err != nil {
		return err
	}
	sp, dp := src.Plane(), dst.Plane()
	pool.For(dst.C*dst.H, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			c, y := r/dst.H, r%dst.H
			off := (c+p.C)*sp + (y+p.Y)*src.W + p.X
			copy(out[c*dp+y*dst.W:c*dp+(y+1)*dst.W], in[off:off+dst.W])
		}
	})
	store(dst, out)
	return nil
}

func pooling(pool *parallel.Pool, b []*compute.Tensor, params compute.Params) error {
	p, err := paramsAs[compute.PoolingParams](compute.KernelPooling, params)
	if err != nil {
		return err
	}
	src, dst := b[0], b[1]
	if src.Empty() || dst.Empty() || dst.C != src.C {
		return fmt.Errorf("%w: pooling %v -> %v", compute.ErrShape, src, dst)
	}
	kw, kh, sw, sh := p.KernelW, p.KernelH, p.StrideW, p.StrideH
	if p.Global {
		if dst.W != 1 || dst.H != 1 {
			return fmt.Errorf("%w: global pooling output %v", compute.ErrShape, dst)
		}
		kw, kh, sw, sh = src.W, src.H, 1, 1
	}
	if kw <= 0 || kh <= 0 || sw <= 0 || sh <= 0 {
		return fmt.Errorf("cpu: pooling: invalid geometry %+v", p)
	}

	in, err := load(src)
	if err != nil {
		return err
	}
	out, err := load(dst)
	if err != nil {
		return err
	}
	sp := src.Plane()
	pool.For(dst.C*dst.H, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			c, oy := r/dst.H, r%dst.H
			plane := in[c*sp:]
			for ox := 0; ox < dst.W; ox++ {
				y0, x0 := oy*sh, ox*sw
				y1, x1 := min(y0+kh, src.H), min(x0+kw, src.W)
				var acc float32
				if p.Type == compute.PoolMax {
					acc = float32(math.Inf(-1))
				}
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						v := plane[y*src.W+x]
						if p.Type == compute.PoolMax {
							acc = max(acc, v)
						} else {
							acc += v
						}
					}
				}
				if p.Type == compute.PoolAvg {
					if n := (y1 - y0) * (x1 - x0); n > 0 {
						acc /= float32(n)
					}
				}
				out[(c*dst.H+oy)*dst.W+ox] = acc
			}
		}
	})
	store(dst, out)
	return nil
}
