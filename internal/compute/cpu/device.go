package cpu

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/waifu2x/internal/compute"
	"github.com/gogpu/waifu2x/internal/parallel"
)

type device struct {
	info    compute.DeviceInfo
	logger  *slog.Logger
	pool    *parallel.Pool
	blob    allocatorPool
	staging allocatorPool
	closed  atomic.Bool
}

func newDevice(info compute.DeviceInfo, logger *slog.Logger) *device {
	if logger == nil {
		logger = compute.Logger()
	}
	return &device{
		info:   info,
		logger: logger,
		pool:   parallel.NewPool(0),
	}
}

func (d *device) Info() compute.DeviceInfo { return d.info }

type program struct {
	kernel compute.Kernel
	run    kernelFunc
}

func (p *program) Kernel() compute.Kernel { return p.kernel }
func (p *program) Release()               {}

func (d *device) CompileProgram(k compute.Kernel) (compute.Program, error) {
	if d.closed.Load() {
		return nil, compute.ErrClosed
	}
	if k < 0 || k >= compute.KernelCount {
		return nil, fmt.Errorf("%w: kernel %v", compute.ErrUnsupported, k)
	}
	return &program{kernel: k, run: kernelFuncs[k]}, nil
}

func (d *device) UploadTensor(data []float32, w, h, c int, p compute.Precision) (*compute.Tensor, error) {
	if d.closed.Load() {
		return nil, compute.ErrClosed
	}
	t := &compute.Tensor{W: w, H: h, C: c, Precision: p}
	if t.Empty() || len(data) != t.Len() {
		return nil, fmt.Errorf("%w: upload %d elements as %dx%dx%d", compute.ErrShape, len(data), w, h, c)
	}
	b := newBuffer(t.Len(), p, -1)
	t.Mem = b
	if p == compute.Float16 {
		store(t, data)
	} else {
		copy(b.f32, data)
	}
	return t, nil
}

func (d *device) FreeTensor(t *compute.Tensor) {
	if t != nil {
		t.Mem = nil
	}
}

func (d *device) AcquireBlobAllocator() compute.Allocator { return d.blob.acquire() }

func (d *device) ReclaimBlobAllocator(a compute.Allocator) {
	if al, ok := a.(*allocator); ok {
		d.blob.reclaim(al)
	}
}

func (d *device) AcquireStagingAllocator() compute.Allocator { return d.staging.acquire() }

func (d *device) ReclaimStagingAllocator(a compute.Allocator) {
	if al, ok := a.(*allocator); ok {
		d.staging.reclaim(al)
	}
}

func (d *device) NewStream(blob, staging compute.Allocator) compute.Stream {
	return &stream{dev: d, blob: blob, staging: staging, owned: make(map[*compute.Tensor]struct{})}
}

func (d *device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.pool.Close()
	d.blob.drain()
	d.staging.drain()
	d.logger.Debug("cpu: device closed")
	return nil
}
