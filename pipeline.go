package waifu2x

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gogpu/waifu2x/internal/compute"
	_ "github.com/gogpu/waifu2x/internal/compute/cpu" // register the cpu backend
	"github.com/gogpu/waifu2x/internal/gate"
	"github.com/gogpu/waifu2x/internal/model"
	"github.com/gogpu/waifu2x/internal/tile"
)

// devices holds every device opened by a Pipeline in this process. Two
// pipelines on the same device share one context.
var devices = compute.NewRegistry()

// Pipeline upscales frames with one model on one device.
//
// Process may be called from many goroutines; at most Options.WorkerCount
// frames are on the device at once and the rest wait in Process.
type Pipeline struct {
	opts Options

	// mu is held shared by Process and exclusively by Close.
	mu     sync.RWMutex
	closed bool

	handle *compute.Handle
	model  *model.Model
	gate   *gate.Gate
}

// New validates opts, opens the device and loads the model. Every
// parameter is checked before anything is allocated; on failure nothing
// is left open.
//
// The identity configuration (Noise -1, Scale 1) opens no device and loads
// no model.
func New(opts Options) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	// Device and worker checks apply even when no device is opened.
	b, index, err := selectDevice(opts)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{opts: opts}
	if opts.Identity() {
		Logger().Debug("waifu2x: identity pipeline")
		return p, nil
	}

	p.handle, err = devices.Acquire(b, index)
	if err != nil {
		return nil, &Error{Kind: KindDeviceUnavailable, Op: "new", Err: err}
	}

	p.model, err = model.Load(p.handle.Device(), model.Config{
		Dir:       opts.ModelDir,
		Family:    model.Family(opts.Model),
		Noise:     opts.Noise,
		Scale:     opts.Scale,
		TTA:       opts.TTA,
		Precision: opts.precision(),
	})
	if err != nil {
		p.destroyPartialInit()
		e := &Error{Kind: KindModelLoad, Op: "new", Err: err}
		var pe *model.PathError
		if errors.As(err, &pe) {
			e.Path = pe.Path
			e.Err = pe.Err
		}
		return nil, e
	}

	p.gate, err = gate.New(opts.WorkerCount)
	if err != nil {
		p.destroyPartialInit()
		return nil, invalidParam("gpu_thread", opts.WorkerCount, "%w", err)
	}

	Logger().Info("waifu2x: pipeline ready",
		"backend", b.Name(), "device", index,
		"noise", opts.Noise, "scale", opts.Scale, "model", opts.Model,
		"tta", opts.TTA, "fp32", opts.FP32, "workers", opts.WorkerCount)
	return p, nil
}

// selectDevice resolves the backend and device index and checks the
// worker count against the device's queues.
func selectDevice(opts Options) (compute.Backend, int, error) {
	var (
		b   compute.Backend
		err error
	)
	if opts.Provider != nil {
		b, err = providerBackend(opts.Provider)
		opts.Device = -1
	} else {
		b, err = compute.LookupBackend(opts.Backend)
	}
	if err != nil {
		if errors.Is(err, compute.ErrUnknownBackend) {
			return nil, 0, invalidParam("backend", opts.Backend, "%w", err)
		}
		return nil, 0, &Error{Kind: KindDeviceUnavailable, Op: "new", Err: err}
	}

	infos, err := b.Devices()
	if err != nil {
		return nil, 0, &Error{Kind: KindDeviceUnavailable, Op: "new", Err: err}
	}
	index := opts.Device
	if index == -1 {
		if index, err = b.DefaultDevice(); err != nil {
			return nil, 0, &Error{Kind: KindDeviceUnavailable, Op: "new", Err: err}
		}
	}
	if index < 0 || index >= len(infos) {
		return nil, 0, invalidParam("gpu", opts.Device, "%s has %d devices", b.Name(), len(infos))
	}
	if q := infos[index].ComputeQueues; opts.WorkerCount > q {
		return nil, 0, invalidParam("gpu_thread", opts.WorkerCount, "must be between 1 and %d (inclusive)", q)
	}
	return b, index, nil
}

// destroyPartialInit releases whatever New managed to create.
func (p *Pipeline) destroyPartialInit() {
	if p.model != nil {
		p.model.Close()
		p.model = nil
	}
	if p.handle != nil {
		if err := p.handle.Release(); err != nil {
			Logger().Warn("waifu2x: release device", "err", err)
		}
		p.handle = nil
	}
}

// Options returns the options the pipeline was created with.
func (p *Pipeline) Options() Options { return p.opts }

// OutputSize returns the size of the image Process writes for a w x h
// input.
func (p *Pipeline) OutputSize(w, h int) (int, int) {
	return w * p.opts.Scale, h * p.opts.Scale
}

// Process upscales src into dst, which must be OutputSize(src) pixels.
// It blocks until the frame is complete. ctx is honored while waiting for
// a worker slot and between tiles; device work already submitted is not
// interrupted.
func (p *Pipeline) Process(ctx context.Context, src, dst *Image) error {
	if err := src.Validate(); err != nil {
		return &Error{Kind: KindInvalidParameter, Op: "process", Param: "src", Value: dims(src), Err: err}
	}
	if err := dst.Validate(); err != nil {
		return &Error{Kind: KindInvalidParameter, Op: "process", Param: "dst", Value: dims(dst), Err: err}
	}
	if w, h := p.OutputSize(src.Width, src.Height); dst.Width != w || dst.Height != h {
		return &Error{Kind: KindInvalidParameter, Op: "process", Param: "dst", Value: dims(dst),
			Err: fmt.Errorf("want %dx%d", w, h)}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return &Error{Kind: KindDeviceUnavailable, Op: "process", Err: compute.ErrClosed}
	}

	if p.opts.Identity() {
		dst.copyFrom(src)
		return nil
	}

	permit, err := p.gate.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("waifu2x: process: %w", err)
	}
	defer permit.Release()

	j := p.newJob()
	defer j.close()

	if err := j.run(ctx, src, dst); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return fmt.Errorf("waifu2x: process: %w", err)
		}
		return &Error{Kind: KindDeviceExecution, Op: "process", Err: err}
	}
	return nil
}

// Close releases the model and the device reference. It waits for frames
// in progress and is idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.model != nil {
		p.model.Close()
		p.model = nil
	}
	if p.handle != nil {
		err := p.handle.Release()
		p.handle = nil
		if err != nil {
			return &Error{Kind: KindDeviceExecution, Op: "close", Err: err}
		}
	}
	return nil
}

func dims(m *Image) string {
	if m == nil {
		return "nil"
	}
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// job is one Process call on the device: private allocators and a stream.
type job struct {
	id      string
	p       *Pipeline
	dev     compute.Device
	blob    compute.Allocator
	staging compute.Allocator
	s       compute.Stream
}

func (p *Pipeline) newJob() *job {
	dev := p.handle.Device()
	j := &job{
		id:      uuid.NewString(),
		p:       p,
		dev:     dev,
		blob:    dev.AcquireBlobAllocator(),
		staging: dev.AcquireStagingAllocator(),
	}
	j.s = dev.NewStream(j.blob, j.staging)
	return j
}

func (j *job) close() {
	j.s.Close()
	j.dev.ReclaimBlobAllocator(j.blob)
	j.dev.ReclaimStagingAllocator(j.staging)
}

// run uploads the frame, processes every tile in row-major order and
// downloads the result. With more than one tile each tile is submitted
// and waited for on its own so only one tile's intermediates are live.
func (j *job) run(ctx context.Context, src, dst *Image) error {
	opts := j.p.opts
	tw, th := opts.TileW, opts.TileH
	if tw == 0 {
		tw = tile.Auto(src.Width)
	}
	if th == 0 {
		th = tile.Auto(src.Height)
	}
	grid, err := tile.Plan(tile.Params{
		Width:      src.Width,
		Height:     src.Height,
		TileW:      tw,
		TileH:      th,
		Scale:      opts.Scale,
		Prepadding: j.p.model.Prepadding,
	})
	if err != nil {
		return err
	}

	log := Logger().With("job", j.id)
	log.Debug("waifu2x: frame", "size", dims(src), "tiles", grid.Len(), "cols", grid.Cols, "rows", grid.Rows)

	in, err := j.s.Upload(src.host())
	if err != nil {
		return err
	}
	multi := grid.Len() > 1
	if multi {
		if err := j.s.SubmitAndWait(); err != nil {
			return err
		}
	}

	ow, oh := j.p.OutputSize(src.Width, src.Height)
	out, err := j.s.NewTensor(ow, oh, 3, compute.Float32)
	if err != nil {
		return err
	}

	for _, t := range grid.Tiles() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.TTA {
			err = j.tileTTA(in, out, t)
		} else {
			err = j.tile(in, out, t)
		}
		if err != nil {
			return fmt.Errorf("tile %d,%d: %w", t.Col, t.Row, err)
		}
		if multi {
			if err := j.s.SubmitAndWait(); err != nil {
				return fmt.Errorf("tile %d,%d: %w", t.Col, t.Row, err)
			}
		}
		log.Debug("waifu2x: tile", "tile", t.Output.String())
	}

	if err := j.s.Download(out, dst.host()); err != nil {
		return err
	}
	return j.s.SubmitAndWait()
}

func (j *job) precision() compute.Precision { return j.p.opts.precision() }

func postprocessParams(t tile.Tile, scale int) compute.PostprocessParams {
	r := t.Scaled(scale)
	return compute.PostprocessParams{
		OffX:    r.Min.X,
		OffY:    r.Min.Y,
		ExtentW: r.Dx(),
		ExtentH: r.Dy(),
	}
}

func (j *job) tile(in, out *compute.Tensor, t tile.Tile) error {
	m := j.p.model
	x, err := j.s.NewTensor(t.Input.Dx(), t.Input.Dy(), 3, j.precision())
	if err != nil {
		return err
	}
	err = j.s.Dispatch(m.Preprocess(), []*compute.Tensor{in, x, nil},
		compute.PreprocessParams{X0: t.Input.Min.X, Y0: t.Input.Min.Y})
	if err != nil {
		return err
	}

	y, err := m.Net().Forward(j.s, x)
	j.s.Release(x)
	if err != nil {
		return err
	}

	err = j.s.Dispatch(m.Postprocess(), []*compute.Tensor{y, nil, out}, postprocessParams(t, j.p.opts.Scale))
	j.s.Release(y)
	return err
}

func (j *job) tileTTA(in, out *compute.Tensor, t tile.Tile) error {
	m := j.p.model
	w, h := t.Input.Dx(), t.Input.Dy()

	var xs, ys [compute.Orientations]*compute.Tensor
	defer func() {
		for i := range xs {
			if xs[i] != nil {
				j.s.Release(xs[i])
			}
			if ys[i] != nil {
				j.s.Release(ys[i])
			}
		}
	}()

	for v := range xs {
		vw, vh := compute.Orientation(v).Dims(w, h)
		x, err := j.s.NewTensor(vw, vh, 3, j.precision())
		if err != nil {
			return err
		}
		xs[v] = x
	}
	bindings := make([]*compute.Tensor, 0, compute.KernelPreprocessTTA.Bindings())
	bindings = append(bindings, in)
	bindings = append(bindings, xs[:]...)
	bindings = append(bindings, nil)
	err := j.s.Dispatch(m.Preprocess(), bindings, compute.PreprocessParams{X0: t.Input.Min.X, Y0: t.Input.Min.Y})
	if err != nil {
		return err
	}

	for v := range xs {
		y, err := m.Net().Forward(j.s, xs[v])
		if err != nil {
			return fmt.Errorf("variant %d: %w", v, err)
		}
		ys[v] = y
		j.s.Release(xs[v])
		xs[v] = nil
	}

	bindings = bindings[:0]
	bindings = append(bindings, ys[:]...)
	bindings = append(bindings, nil, out)
	return j.s.Dispatch(m.Postprocess(), bindings, postprocessParams(t, j.p.opts.Scale))
}
