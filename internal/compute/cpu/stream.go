package cpu

import (
	"fmt"

	"github.com/gogpu/waifu2x/internal/compute"
)

// stream executes work as it is recorded; SubmitAndWait only reports
// whether the device is still usable.
type stream struct {
	dev     *device
	blob    compute.Allocator
	staging compute.Allocator
	owned   map[*compute.Tensor]struct{}
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
	s.blob.Free(t.Mem)
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
	// Host data passes through a staging buffer as it would on a GPU; the
	// staging allocator is what keeps repeated uploads allocation free.
	stage, err := s.staging.Alloc(src.W, compute.Float32)
	if err != nil {
		s.Release(t)
		return nil, err
	}
	defer s.staging.Free(stage)

	row := stage.(*buffer).f32[:src.W]
	data := t.Mem.(*buffer).f32
	plane := t.Plane()
	for c, p := range src.Planes {
		for y := 0; y < src.H; y++ {
			copy(row, p[y*src.Stride:y*src.Stride+src.W])
			copy(data[c*plane+y*src.W:], row)
		}
	}
	return t, nil
}

func (s *stream) Download(src *compute.Tensor, dst compute.HostImage) error {
	if err := dst.Validate(); err != nil {
		return err
	}
	if err := compute.CheckShape("download source", src, dst.W, dst.H, len(dst.Planes)); err != nil {
		return err
	}
	data, err := load(src)
	if err != nil {
		return err
	}
	plane := src.Plane()
	for c, p := range dst.Planes {
		for y := 0; y < dst.H; y++ {
			copy(p[y*dst.Stride:y*dst.Stride+dst.W], data[c*plane+y*src.W:c*plane+(y+1)*src.W])
		}
	}
	return nil
}

func (s *stream) Dispatch(p compute.Program, bindings []*compute.Tensor, params compute.Params) error {
	if s.dev.closed.Load() {
		return compute.ErrClosed
	}
	prog, ok := p.(*program)
	if !ok {
		return fmt.Errorf("cpu: program %T does not belong to this backend", p)
	}
	if want := prog.kernel.Bindings(); len(bindings) != want {
		return fmt.Errorf("cpu: %s: %d bindings, want %d", prog.kernel, len(bindings), want)
	}
	if params == nil {
		params = compute.NoParams{}
	}
	if err := prog.run(s.dev.pool, bindings, params); err != nil {
		return fmt.Errorf("cpu: %s: %w", prog.kernel, err)
	}
	return nil
}

func (s *stream) SubmitAndWait() error {
	if s.dev.closed.Load() {
		return compute.ErrClosed
	}
	return nil
}

func (s *stream) Close() {
	for t := range s.owned {
		s.blob.Free(t.Mem)
		t.Mem = nil
	}
	clear(s.owned)
}
