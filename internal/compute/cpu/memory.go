package cpu

import (
	"fmt"
	"sync"

	"github.com/x448/float16"

	"github.com/gogpu/waifu2x/internal/compute"
)

// buffer is host memory behind a tensor. Exactly one of f32 and f16 is set,
// depending on the precision it was allocated with.
type buffer struct {
	f32   []float32
	f16   []uint16
	n     int
	prec  compute.Precision
	class int
}

func (b *buffer) Bytes() int { return b.n * b.prec.ElemSize() }

func newBuffer(n int, p compute.Precision, class int) *buffer {
	size := n
	if class >= 0 {
		size = 1 << class
	}
	b := &buffer{n: n, prec: p, class: class}
	if p == compute.Float16 {
		b.f16 = make([]uint16, size)
	} else {
		b.f32 = make([]float32, size)
	}
	return b
}

// reset resizes a recycled buffer to n elements and zeroes them.
func (b *buffer) reset(n int) {
	b.n = n
	if b.prec == compute.Float16 {
		clear(b.f16[:n])
	} else {
		clear(b.f32[:n])
	}
}

func bufferOf(t *compute.Tensor) (*buffer, error) {
	if t.Empty() {
		return nil, fmt.Errorf("%w: empty tensor", compute.ErrShape)
	}
	b, ok := t.Mem.(*buffer)
	if !ok {
		return nil, fmt.Errorf("cpu: tensor memory %T does not belong to this backend", t.Mem)
	}
	if b.n < t.Len() {
		return nil, fmt.Errorf("%w: %v backed by %d elements", compute.ErrShape, t, b.n)
	}
	return b, nil
}

// load returns the tensor's elements as float32. For fp32 tensors this is
// the backing store itself; fp16 tensors are decoded into a new slice.
func load(t *compute.Tensor) ([]float32, error) {
	b, err := bufferOf(t)
	if err != nil {
		return nil, err
	}
	n := t.Len()
	if b.prec != compute.Float16 {
		return b.f32[:n], nil
	}
	out := make([]float32, n)
	for i, h := range b.f16[:n] {
		out[i] = float16.Frombits(h).Float32()
	}
	return out, nil
}

// store writes vals, obtained from load on the same tensor, back to it.
// fp32 tensors were modified in place; fp16 tensors are rounded to half.
func store(t *compute.Tensor, vals []float32) {
	b := t.Mem.(*buffer)
	if b.prec != compute.Float16 {
		return
	}
	for i, v := range vals {
		b.f16[i] = float16.Fromfloat32(v).Bits()
	}
}

// Size classes are powers of two starting at 2^minClass elements.
const (
	minClass = 10
	maxClass = 30
)

// sizeClass returns the class for n elements, or -1 for sizes beyond the
// largest class (those are allocated exactly and never recycled).
func sizeClass(n int) int {
	cls := minClass
	for 1<<cls < n {
		cls++
		if cls > maxClass {
			return -1
		}
	}
	return cls
}

type bucketKey struct {
	class int
	prec  compute.Precision
}

// allocator recycles buffers by size class. It is used by one job at a time
// but is returned to its device's pool afterwards, so it stays
// mutex-guarded.
type allocator struct {
	mu      sync.Mutex
	free    map[bucketKey][]*buffer
	live    int
	retired bool
}

func newAllocator() *allocator {
	return &allocator{free: make(map[bucketKey][]*buffer)}
}

func (a *allocator) Alloc(n int, p compute.Precision) (compute.Memory, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cpu: allocate %d elements", n)
	}
	cls := sizeClass(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.live++
	key := bucketKey{class: cls, prec: p}
	if cls >= 0 {
		if list := a.free[key]; len(list) > 0 {
			b := list[len(list)-1]
			a.free[key] = list[:len(list)-1]
			b.reset(n)
			return b, nil
		}
	}
	return newBuffer(n, p, cls), nil
}

func (a *allocator) Free(m compute.Memory) {
	b, ok := m.(*buffer)
	if !ok || b == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.live--
	if b.class < 0 || a.retired {
		return
	}
	key := bucketKey{class: b.class, prec: b.prec}
	a.free[key] = append(a.free[key], b)
}

func (a *allocator) Trim() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.free)
}

// cached returns the number of idle buffers held for reuse.
func (a *allocator) cached() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, list := range a.free {
		n += len(list)
	}
	return n
}

// allocatorPool is the device-wide set of idle allocators.
type allocatorPool struct {
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
	return newAllocator()
}

func (p *allocatorPool) reclaim(a *allocator) {
	if a == nil {
		return
	}
	a.mu.Lock()
	live := a.live
	a.mu.Unlock()
	if live != 0 {
		compute.Logger().Warn("cpu: allocator reclaimed with live buffers", "live", live)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = append(p.idle, a)
}

func (p *allocatorPool) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.idle {
		a.mu.Lock()
		a.retired = true
		clear(a.free)
		a.mu.Unlock()
	}
	p.idle = nil
}
