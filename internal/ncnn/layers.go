package ncnn

import (
	"fmt"

	"github.com/gogpu/waifu2x/internal/compute"
)

// layer is an instantiated graph node.
type layer interface {
	forward(s compute.Stream, bottoms []*compute.Tensor) ([]*compute.Tensor, error)
	destroy(dev compute.Device)
}

// builder carries what layer constructors need.
type builder struct {
	dev      compute.Device
	bin      *binReader
	prec     compute.Precision
	programs func(compute.Kernel) (compute.Program, error)
}

type layerFactory func(b *builder, d LayerDecl) (layer, error)

var layerFactories = map[string]layerFactory{
	"Input":         newInput,
	"Convolution":   newConvolution,
	"Deconvolution": newDeconvolution,
	"ReLU":          newReLU,
	"Sigmoid":       newSigmoid,
	"Split":         newSplit,
	"Crop":          newCrop,
	"Eltwise":       newEltwise,
	"BinaryOp":      newBinaryOp,
	"Pooling":       newPooling,
}

// params collects the first error of a run of ParamDict reads.
type params struct {
	d   ParamDict
	err error
}

func (p *params) int(id, def int) int {
	v, err := p.d.Int(id, def)
	if p.err == nil {
		p.err = err
	}
	return v
}

func (p *params) float(id int, def float32) float32 {
	v, err := p.d.Float(id, def)
	if p.err == nil {
		p.err = err
	}
	return v
}

func (p *params) ints(id int) []int {
	v, err := p.d.Ints(id)
	if p.err == nil {
		p.err = err
	}
	return v
}

func (p *params) floats(id int) []float32 {
	v, err := p.d.Floats(id)
	if p.err == nil {
		p.err = err
	}
	return v
}

func wantBottoms(d LayerDecl, n ...int) error {
	for _, want := range n {
		if len(d.Bottoms) == want {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s has %d inputs", ErrFormat, d.Type, d.Name, len(d.Bottoms))
}

// input marks where the caller's tensor enters the graph.
type input struct{}

func newInput(*builder, LayerDecl) (layer, error) { return input{}, nil }

func (input) forward(_ compute.Stream, bottoms []*compute.Tensor) ([]*compute.Tensor, error) {
	return bottoms, nil
}
func (input) destroy(compute.Device) {}

// activationOf maps ncnn's activation_type to a fused activation.
func activationOf(typ int, args []float32) (compute.Activation, float32, error) {
	switch typ {
	case 0:
		return compute.ActivationNone, 0, nil
	case 1:
		return compute.ActivationReLU, 0, nil
	case 2:
		var slope float32
		if len(args) > 0 {
			slope = args[0]
		}
		return compute.ActivationReLU, slope, nil
	case 4:
		return compute.ActivationSigmoid, 0, nil
	default:
		return 0, 0, fmt.Errorf("%w: activation type %d", compute.ErrUnsupported, typ)
	}
}

// convolution serves both Convolution and Deconvolution.
type convolution struct {
	name      string
	deconv    bool
	outC      int
	p         compute.ConvParams
	padRight  int
	padBottom int
	outPadR   int
	outPadB   int
	outW      int
	outH      int
	weight    *compute.Tensor
	bias      *compute.Tensor
	prog      compute.Program
}

func newConvolution(b *builder, d LayerDecl) (layer, error)   { return buildConv(b, d, false) }
func newDeconvolution(b *builder, d LayerDecl) (layer, error) { return buildConv(b, d, true) }

func buildConv(b *builder, d LayerDecl, deconv bool) (layer, error) {
	if err := wantBottoms(d, 1); err != nil {
		return nil, err
	}
	pd := &params{d: d.Params}
	c := &convolution{name: d.Name, deconv: deconv}
	c.outC = pd.int(0, 0)
	kw := pd.int(1, 0)
	c.p = compute.ConvParams{
		KernelW:   kw,
		KernelH:   pd.int(11, kw),
		DilationW: pd.int(2, 1),
		StrideW:   pd.int(3, 1),
		PadLeft:   pd.int(4, 0),
		Bias:      pd.int(5, 0) != 0,
	}
	c.p.DilationH = pd.int(12, c.p.DilationW)
	c.p.StrideH = pd.int(13, c.p.StrideW)
	c.padRight = pd.int(15, c.p.PadLeft)
	c.p.PadTop = pd.int(14, c.p.PadLeft)
	c.padBottom = pd.int(16, c.p.PadTop)
	weightSize := pd.int(6, 0)
	actType := pd.int(9, 0)
	actArgs := pd.floats(10)
	if deconv {
		c.outPadR = pd.int(18, 0)
		c.outPadB = pd.int(19, c.outPadR)
		c.outW = pd.int(20, 0)
		c.outH = pd.int(21, c.outW)
	}
	if pd.err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, pd.err)
	}
	if pd.int(8, 0) != 0 {
		return nil, fmt.Errorf("%w: %s: int8 convolution", compute.ErrUnsupported, d.Name)
	}

	var err error
	if c.p.Activation, c.p.Slope, err = activationOf(actType, actArgs); err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	if c.outC <= 0 || c.p.KernelW <= 0 || c.p.KernelH <= 0 || c.p.StrideW <= 0 || c.p.StrideH <= 0 ||
		c.p.DilationW <= 0 || c.p.DilationH <= 0 {
		return nil, fmt.Errorf("%w: %s geometry %+v", ErrFormat, d.Name, c.p)
	}
	if c.p.PadLeft < 0 || c.p.PadTop < 0 || c.padRight < 0 || c.padBottom < 0 {
		return nil, fmt.Errorf("%w: %s: automatic padding", compute.ErrUnsupported, d.Name)
	}
	if weightSize <= 0 || c.p.KernelH > weightSize/c.p.KernelW ||
		c.outC > weightSize/(c.p.KernelW*c.p.KernelH) {
		return nil, fmt.Errorf("%w: %s weight_data_size %d", ErrFormat, d.Name, weightSize)
	}
	kk := c.p.KernelW * c.p.KernelH
	if weightSize%(kk*c.outC) != 0 {
		return nil, fmt.Errorf("%w: %s weight_data_size %d", ErrFormat, d.Name, weightSize)
	}
	inC := weightSize / (kk * c.outC)

	kernel := compute.KernelConvolution
	if deconv {
		kernel = compute.KernelDeconvolution
	}
	if c.prog, err = b.programs(kernel); err != nil {
		return nil, err
	}

	w, err := b.bin.tagged(weightSize)
	if err != nil {
		return nil, fmt.Errorf("%s weights: %w", d.Name, err)
	}
	if c.weight, err = b.dev.UploadTensor(w, kk, inC, c.outC, b.prec); err != nil {
		return nil, fmt.Errorf("%s weights: %w", d.Name, err)
	}
	if c.p.Bias {
		bias, err := b.bin.raw(c.outC)
		if err != nil {
			c.destroy(b.dev)
			return nil, fmt.Errorf("%s bias: %w", d.Name, err)
		}
		if c.bias, err = b.dev.UploadTensor(bias, c.outC, 1, 1, b.prec); err != nil {
			c.destroy(b.dev)
			return nil, fmt.Errorf("%s bias: %w", d.Name, err)
		}
	}
	return c, nil
}

func (c *convolution) outputSize(w, h int) (int, int) {
	p := c.p
	kw := p.DilationW*(p.KernelW-1) + 1
	kh := p.DilationH*(p.KernelH-1) + 1
	if !c.deconv {
		return (w+p.PadLeft+c.padRight-kw)/p.StrideW + 1,
			(h+p.PadTop+c.padBottom-kh)/p.StrideH + 1
	}
	fw := (w-1)*p.StrideW + kw + c.outPadR
	fh := (h-1)*p.StrideH + kh + c.outPadB
	if c.outW > 0 && c.outH > 0 {
		return c.outW, c.outH
	}
	return fw - p.PadLeft - c.padRight, fh - p.PadTop - c.padBottom
}

func (c *convolution) forward(s compute.Stream, bottoms []*compute.Tensor) ([]*compute.Tensor, error) {
	in := bottoms[0]
	if want := c.weight.H; in.C != want {
		return nil, fmt.Errorf("%w: %s expects %d channels, got %v", compute.ErrShape, c.name, want, in)
	}
	ow, oh := c.outputSize(in.W, in.H)
	if ow <= 0 || oh <= 0 {
		return nil, fmt.Errorf("%w: %s input %v too small", compute.ErrShape, c.name, in)
	}
	out, err := s.NewTensor(ow, oh, c.outC, in.Precision)
	if err != nil {
		return nil, err
	}
	if err := s.Dispatch(c.prog, []*compute.Tensor{in, c.weight, c.bias, out}, c.p); err != nil {
		s.Release(out)
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return []*compute.Tensor{out}, nil
}

func (c *convolution) destroy(dev compute.Device) {
	dev.FreeTensor(c.weight)
	dev.FreeTensor(c.bias)
	c.weight, c.bias = nil, nil
}

// activation is a standalone ReLU or Sigmoid layer.
type activation struct {
	name string
	p    compute.ActivationParams
	prog compute.Program
}

func newReLU(b *builder, d LayerDecl) (layer, error) {
	if err := wantBottoms(d, 1); err != nil {
		return nil, err
	}
	slope, err := d.Params.Float(0, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	return newActivation(b, d.Name, compute.ActivationParams{Activation: compute.ActivationReLU, Slope: slope})
}

func newSigmoid(b *builder, d LayerDecl) (layer, error) {
	if err := wantBottoms(d, 1); err != nil {
		return nil, err
	}
	return newActivation(b, d.Name, compute.ActivationParams{Activation: compute.ActivationSigmoid})
}

func newActivation(b *builder, name string, p compute.ActivationParams) (layer, error) {
	prog, err := b.programs(compute.KernelActivation)
	if err != nil {
		return nil, err
	}
	return &activation{name: name, p: p, prog: prog}, nil
}

func (a *activation) forward(s compute.Stream, bottoms []*compute.Tensor) ([]*compute.Tensor, error) {
	in := bottoms[0]
	out, err := s.NewTensor(in.W, in.H, in.C, in.Precision)
	if err != nil {
		return nil, err
	}
	if err := s.Dispatch(a.prog, []*compute.Tensor{in, out}, a.p); err != nil {
		s.Release(out)
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	return []*compute.Tensor{out}, nil
}

func (a *activation) destroy(compute.Device) {}

// split hands the same tensor to every consumer.
type split struct{ n int }

func newSplit(_ *builder, d LayerDecl) (layer, error) {
	if err := wantBottoms(d, 1); err != nil {
		return nil, err
	}
	return split{n: len(d.Tops)}, nil
}

func (s split) forward(_ compute.Stream, bottoms []*compute.Tensor) ([]*compute.Tensor, error) {
	out := make([]*compute.Tensor, s.n)
	for i := range out {
		out[i] = bottoms[0]
	}
	return out, nil
}

func (split) destroy(compute.Device) {}

// crop cuts a window out of its input. The window comes from offsets and
// sizes, from starts/ends/axes arrays, or from the shape of a second
// (reference) input.
type crop struct {
	name                string
	woff, hoff, coff    int
	outW, outH, outC    int
	woff2, hoff2, coff2 int
	starts, ends, axes  []int
	prog                compute.Program
}

func newCrop(b *builder, d LayerDecl) (layer, error) {
	if err := wantBottoms(d, 1, 2); err != nil {
		return nil, err
	}
	pd := &params{d: d.Params}
	c := &crop{
		name:   d.Name,
		woff:   pd.int(0, 0),
		hoff:   pd.int(1, 0),
		coff:   pd.int(2, 0),
		outW:   pd.int(3, 0),
		outH:   pd.int(4, 0),
		outC:   pd.int(5, 0),
		woff2:  pd.int(6, 0),
		hoff2:  pd.int(7, 0),
		coff2:  pd.int(8, 0),
		starts: pd.ints(9),
		ends:   pd.ints(10),
		axes:   pd.ints(11),
	}
	if pd.err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, pd.err)
	}
	if len(c.ends) > 0 && len(c.ends) != len(c.starts) {
		return nil, fmt.Errorf("%w: %s starts/ends length mismatch", ErrFormat, d.Name)
	}
	prog, err := b.programs(compute.KernelCrop)
	if err != nil {
		return nil, err
	}
	c.prog = prog
	return c, nil
}

// extent resolves one axis of the offset form.
func extent(size, off, out, off2 int) int {
	switch {
	case out == autoValue:
		return size - off
	case out > 0:
		return out
	default:
		return size - off - off2
	}
}

// window resolves the crop region for input in and optional reference.
func (c *crop) window(in, ref *compute.Tensor) (x, y, ch, w, h, cc int) {
	if ref != nil {
		return c.woff, c.hoff, c.coff, ref.W, ref.H, ref.C
	}
	if len(c.starts) == 0 {
		return c.woff, c.hoff, c.coff,
			extent(in.W, c.woff, c.outW, c.woff2),
			extent(in.H, c.hoff, c.outH, c.hoff2),
			extent(in.C, c.coff, c.outC, c.coff2)
	}

	// Axes of a 3-D blob are numbered c, h, w.
	lo := [3]int{0, 0, 0}
	hi := [3]int{in.C, in.H, in.W}
	for i, start := range c.starts {
		axis := i
		if i < len(c.axes) {
			axis = c.axes[i]
		}
		if axis < 0 {
			axis += 3
		}
		if axis < 0 || axis > 2 {
			continue
		}
		dim := hi[axis]
		end := dim
		if i < len(c.ends) {
			end = c.ends[i]
		}
		if start == autoValue {
			start = 0
		}
		switch {
		case end == autoValue:
			end = dim
		case end < 0:
			end += dim
		}
		if start < 0 {
			start += dim
		}
		lo[axis] = max(0, min(start, dim))
		hi[axis] = max(lo[axis], min(end, dim))
	}
	return lo[2], lo[1], lo[0], hi[2] - lo[2], hi[1] - lo[1], hi[0] - lo[0]
}

func (c *crop) forward(s compute.Stream, bottoms []*compute.Tensor) ([]*compute.Tensor, error) {
	in := bottoms[0]
	var ref *compute.Tensor
	if len(bottoms) > 1 {
		ref = bottoms[1]
	}
	x, y, ch, w, h, cc := c.window(in, ref)
	if w <= 0 || h <= 0 || cc <= 0 || x+w > in.W || y+h > in.H || ch+cc > in.C {
		return nil, fmt.Errorf("%w: %s window %dx%dx%d at (%d,%d,%d) outside %v",
			compute.ErrShape, c.name, w, h, cc, x, y, ch, in)
	}
	out, err := s.NewTensor(w, h, cc, in.Precision)
	if err != nil {
		return nil, err
	}
	if err := s.Dispatch(c.prog, []*compute.Tensor{in, out}, compute.CropParams{X: x, Y: y, C: ch}); err != nil {
		s.Release(out)
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return []*compute.Tensor{out}, nil
}

func (c *crop) destroy(compute.Device) {}

// eltwise folds two or more same-shaped inputs.
type eltwise struct {
	name   string
	op     compute.EltwiseOp
	coeffs []float32
	prog   compute.Program
}

func newEltwise(b *builder, d LayerDecl) (layer, error) {
	if len(d.Bottoms) < 2 {
		return nil, fmt.Errorf("%w: %s %s has %d inputs", ErrFormat, d.Type, d.Name, len(d.Bottoms))
	}
	pd := &params{d: d.Params}
	e := &eltwise{name: d.Name, op: compute.EltwiseOp(pd.int(0, int(compute.EltwiseSum))), coeffs: pd.floats(1)}
	if pd.err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, pd.err)
	}
	if e.op < compute.EltwiseProd || e.op > compute.EltwiseMax {
		return nil, fmt.Errorf("%w: %s op_type %d", compute.ErrUnsupported, d.Name, e.op)
	}
	if len(e.coeffs) != 0 && len(e.coeffs) != len(d.Bottoms) {
		return nil, fmt.Errorf("%w: %s has %d coefficients for %d inputs", ErrFormat, d.Name, len(e.coeffs), len(d.Bottoms))
	}
	prog, err := b.programs(compute.KernelEltwise)
	if err != nil {
		return nil, err
	}
	e.prog = prog
	return e, nil
}

func (e *eltwise) coeff(i int) float32 {
	if len(e.coeffs) == 0 {
		return 1
	}
	return e.coeffs[i]
}

func (e *eltwise) forward(s compute.Stream, bottoms []*compute.Tensor) ([]*compute.Tensor, error) {
	acc := bottoms[0]
	for i := 1; i < len(bottoms); i++ {
		out, err := s.NewTensor(acc.W, acc.H, acc.C, acc.Precision)
		if err != nil {
			return nil, err
		}
		p := compute.EltwiseParams{Op: e.op, CoeffA: 1, CoeffB: e.coeff(i)}
		if i == 1 {
			p.CoeffA = e.coeff(0)
		}
		if err := s.Dispatch(e.prog, []*compute.Tensor{acc, bottoms[i], out}, p); err != nil {
			s.Release(out)
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
		if i > 1 {
			s.Release(acc)
		}
		acc = out
	}
	return []*compute.Tensor{acc}, nil
}

func (e *eltwise) destroy(compute.Device) {}

// binaryOp combines two inputs with broadcasting, or one input with a
// scalar.
type binaryOp struct {
	name string
	p    compute.BinaryOpParams
	prog compute.Program
}

func newBinaryOp(b *builder, d LayerDecl) (layer, error) {
	pd := &params{d: d.Params}
	op := &binaryOp{name: d.Name, p: compute.BinaryOpParams{
		Op:     compute.BinaryOp(pd.int(0, 0)),
		Scalar: pd.int(1, 0) != 0,
		B:      pd.float(2, 0),
	}}
	if pd.err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, pd.err)
	}
	want := 2
	if op.p.Scalar {
		want = 1
	}
	if err := wantBottoms(d, want); err != nil {
		return nil, err
	}
	if op.p.Op < compute.BinaryAdd || op.p.Op > compute.BinaryRDiv {
		return nil, fmt.Errorf("%w: %s op_type %d", compute.ErrUnsupported, d.Name, op.p.Op)
	}
	prog, err := b.programs(compute.KernelBinaryOp)
	if err != nil {
		return nil, err
	}
	op.prog = prog
	return op, nil
}

func (o *binaryOp) forward(s compute.Stream, bottoms []*compute.Tensor) ([]*compute.Tensor, error) {
	a := bottoms[0]
	var b *compute.Tensor
	w, h, c := a.W, a.H, a.C
	if !o.p.Scalar {
		b = bottoms[1]
		w, h, c = max(w, b.W), max(h, b.H), max(c, b.C)
	}
	out, err := s.NewTensor(w, h, c, a.Precision)
	if err != nil {
		return nil, err
	}
	if err := s.Dispatch(o.prog, []*compute.Tensor{a, b, out}, o.p); err != nil {
		s.Release(out)
		return nil, fmt.Errorf("%s: %w", o.name, err)
	}
	return []*compute.Tensor{out}, nil
}

func (o *binaryOp) destroy(compute.Device) {}

// pooling is max or average pooling without padding.
type pooling struct {
	name string
	p    compute.PoolingParams
	prog compute.Program
}

func newPooling(b *builder, d LayerDecl) (layer, error) {
	if err := wantBottoms(d, 1); err != nil {
		return nil, err
	}
	pd := &params{d: d.Params}
	kw := pd.int(1, 0)
	sw := pd.int(2, 1)
	p := compute.PoolingParams{
		Type:    compute.PoolType(pd.int(0, 0)),
		KernelW: kw,
		KernelH: pd.int(11, kw),
		StrideW: sw,
		StrideH: pd.int(12, sw),
		Global:  pd.int(4, 0) != 0,
	}
	pad := pd.int(3, 0)
	if pd.err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, pd.err)
	}
	if p.Type != compute.PoolMax && p.Type != compute.PoolAvg {
		return nil, fmt.Errorf("%w: %s pooling_type %d", compute.ErrUnsupported, d.Name, p.Type)
	}
	if pad != 0 {
		return nil, fmt.Errorf("%w: %s: padded pooling", compute.ErrUnsupported, d.Name)
	}
	if !p.Global && (p.KernelW <= 0 || p.KernelH <= 0 || p.StrideW <= 0 || p.StrideH <= 0) {
		return nil, fmt.Errorf("%w: %s geometry %+v", ErrFormat, d.Name, p)
	}
	prog, err := b.programs(compute.KernelPooling)
	if err != nil {
		return nil, err
	}
	return &pooling{name: d.Name, p: p, prog: prog}, nil
}

func (l *pooling) forward(s compute.Stream, bottoms []*compute.Tensor) ([]*compute.Tensor, error) {
	in := bottoms[0]
	w, h := 1, 1
	if !l.p.Global {
		w = (in.W-l.p.KernelW)/l.p.StrideW + 1
		h = (in.H-l.p.KernelH)/l.p.StrideH + 1
		if in.W < l.p.KernelW || in.H < l.p.KernelH {
			return nil, fmt.Errorf("%w: %s input %v smaller than window", compute.ErrShape, l.name, in)
		}
	}
	out, err := s.NewTensor(w, h, in.C, in.Precision)
	if err != nil {
		return nil, err
	}
	if err := s.Dispatch(l.prog, []*compute.Tensor{in, out}, l.p); err != nil {
		s.Release(out)
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	return []*compute.Tensor{out}, nil
}

func (l *pooling) destroy(compute.Device) {}
