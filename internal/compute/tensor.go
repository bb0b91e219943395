package compute

import (
	"errors"
	"fmt"
)

// Precision selects the storage width of tensor elements.
type Precision int

const (
	// Float32 stores every element as an IEEE 754 single.
	Float32 Precision = iota

	// Float16 stores elements as IEEE 754 halves. Arithmetic stays in
	// float32; only storage is narrowed.
	Float16
)

// ElemSize returns the storage size of one element in bytes.
func (p Precision) ElemSize() int {
	if p == Float16 {
		return 2
	}
	return 4
}

func (p Precision) String() string {
	switch p {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// Memory is backend-owned storage behind a Tensor.
type Memory interface {
	// Bytes returns the allocated size in bytes.
	Bytes() int
}

// Tensor is a planar W x H x C block of device memory. Channel c starts at
// element c*W*H; there is no row or channel padding.
//
// A zero Tensor (or nil *Tensor) is empty and may be bound where a kernel
// treats the binding as optional.
type Tensor struct {
	W, H, C   int
	Precision Precision
	Mem       Memory
}

// Empty reports whether the tensor holds no elements.
func (t *Tensor) Empty() bool {
	return t == nil || t.W == 0 || t.H == 0 || t.C == 0
}

// Len returns the element count.
func (t *Tensor) Len() int {
	if t.Empty() {
		return 0
	}
	return t.W * t.H * t.C
}

// Plane returns the element count of one channel.
func (t *Tensor) Plane() int {
	if t.Empty() {
		return 0
	}
	return t.W * t.H
}

// Bytes returns the storage size implied by shape and precision.
func (t *Tensor) Bytes() int {
	return t.Len() * t.Precision.ElemSize()
}

func (t *Tensor) String() string {
	if t.Empty() {
		return "tensor(empty)"
	}
	return fmt.Sprintf("tensor(%dx%dx%d %s)", t.W, t.H, t.C, t.Precision)
}

// ErrShape is returned when tensor shapes do not fit a kernel.
var ErrShape = errors.New("compute: tensor shape mismatch")

// CheckShape returns ErrShape (wrapped with context) unless t is w x h x c.
func CheckShape(name string, t *Tensor, w, h, c int) error {
	if t.Empty() || t.W != w || t.H != h || t.C != c {
		return fmt.Errorf("%w: %s is %v, want %dx%dx%d", ErrShape, name, t, w, h, c)
	}
	return nil
}

// HostImage describes planar float32 host memory: one slice per channel,
// each addressed as plane[y*Stride+x].
type HostImage struct {
	Planes [][]float32
	W, H   int
	Stride int
}

// Validate checks that every plane covers W x H at the given stride.
func (h HostImage) Validate() error {
	if h.W <= 0 || h.H <= 0 {
		return fmt.Errorf("compute: host image %dx%d has no pixels", h.W, h.H)
	}
	if h.Stride < h.W {
		return fmt.Errorf("compute: host stride %d < width %d", h.Stride, h.W)
	}
	need := (h.H-1)*h.Stride + h.W
	for c, p := range h.Planes {
		if len(p) < need {
			return fmt.Errorf("compute: host plane %d has %d elements, need %d", c, len(p), need)
		}
	}
	return nil
}

// Allocator hands out device memory for one processing job. Implementations
// recycle freed memory; an allocator is used by one job at a time but the
// pool of allocators behind a Device is shared.
type Allocator interface {
	// Alloc returns memory for n elements of precision p.
	Alloc(n int, p Precision) (Memory, error)

	// Free returns memory obtained from Alloc.
	Free(m Memory)

	// Trim drops cached memory that is not currently allocated.
	Trim()
}
