package waifu2x

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/waifu2x/internal/model"
	"github.com/gogpu/waifu2x/internal/ncnn/ncnntest"
)

// testOptions returns cpu options with a synthetic model for every
// configuration used below written under a fresh directory.
func testOptions(t *testing.T) Options {
	t.Helper()
	o := DefaultOptions()
	o.Backend = "cpu"
	o.ModelDir = t.TempDir()
	return o
}

// writeModel stores the synthetic upscaler for o's configuration.
func writeModel(t *testing.T, o Options) {
	t.Helper()
	f := model.Family(o.Model)
	param, _ := model.Paths(o.ModelDir, f, o.Noise, o.Scale)
	base := strings.TrimSuffix(filepath.Base(param), ".param")
	m := ncnntest.Upscaler(model.Prepadding(f, o.Noise, o.Scale), o.Scale)
	if err := m.WriteFiles(filepath.Dir(param), base); err != nil {
		t.Fatal(err)
	}
}

func newTestPipeline(t *testing.T, o Options) *Pipeline {
	t.Helper()
	writeModel(t, o)
	p, err := New(o)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})
	return p
}

// testImage returns a deterministic image with samples in [0, 1).
func testImage(w, h int, seed uint32) *Image {
	m := NewImage(w, h)
	for _, plane := range [][]float32{m.R, m.G, m.B} {
		vals := ncnntest.Values(len(plane), seed)
		for i, v := range vals {
			plane[i] = v + 0.5
		}
		seed++
	}
	return m
}

func process(t *testing.T, p *Pipeline, src *Image) *Image {
	t.Helper()
	dst := NewImage(p.OutputSize(src.Width, src.Height))
	if err := p.Process(context.Background(), src, dst); err != nil {
		t.Fatalf("Process() = %v", err)
	}
	return dst
}

func assertSameImage(t *testing.T, got, want *Image) {
	t.Helper()
	if got.Width != want.Width || got.Height != want.Height {
		t.Fatalf("size = %dx%d, want %dx%d", got.Width, got.Height, want.Width, want.Height)
	}
	names := []string{"R", "G", "B"}
	gp := [][]float32{got.R, got.G, got.B}
	wp := [][]float32{want.R, want.G, want.B}
	for c := range gp {
		for y := range got.Height {
			for x := range got.Width {
				g, w := gp[c][y*got.Stride+x], wp[c][y*want.Stride+x]
				if g != w {
					t.Fatalf("%s(%d, %d) = %v, want %v", names[c], x, y, g, w)
				}
			}
		}
	}
}

func TestProcessTiledMatchesUntiled(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		tile         int
		noise, scale int
		model        int
		tta, fp32    bool
	}{
		{"cunet 2x", 64, 64, 32, 0, 2, ModelCUNet, false, false},
		{"cunet 2x fp32", 64, 64, 32, 0, 2, ModelCUNet, false, true},
		{"cunet 1x", 70, 45, 32, 1, 1, ModelCUNet, false, false},
		{"cunet scale only", 50, 33, 32, -1, 2, ModelCUNet, false, false},
		{"upconv", 61, 40, 32, 2, 2, ModelUpconvAnime, false, false},
		{"upconv photo", 40, 61, 32, 3, 2, ModelUpconvPhoto, false, true},
		{"cunet 2x tta", 64, 48, 32, 0, 2, ModelCUNet, true, false},
		{"cunet 1x tta", 45, 37, 32, 2, 1, ModelCUNet, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOptions(t)
			o.Noise, o.Scale, o.Model = tt.noise, tt.scale, tt.model
			o.TTA, o.FP32 = tt.tta, tt.fp32
			src := testImage(tt.w, tt.h, 7)

			whole := newTestPipeline(t, o)
			want := process(t, whole, src)

			o.TileW, o.TileH = tt.tile, tt.tile
			tiled := newTestPipeline(t, o)
			got := process(t, tiled, src)

			if got.Width != tt.w*tt.scale || got.Height != tt.h*tt.scale {
				t.Errorf("output %dx%d, want %dx%d", got.Width, got.Height, tt.w*tt.scale, tt.h*tt.scale)
			}
			assertSameImage(t, got, want)
		})
	}
}

func TestProcessWritesWholeOutput(t *testing.T) {
	o := testOptions(t)
	o.TileW, o.TileH = 32, 32
	p := newTestPipeline(t, o)

	src := testImage(47, 39, 3)
	dst := NewImage(p.OutputSize(src.Width, src.Height))
	for i := range dst.R {
		dst.R[i], dst.G[i], dst.B[i] = -100, -100, -100
	}
	if err := p.Process(context.Background(), src, dst); err != nil {
		t.Fatal(err)
	}
	for i := range dst.R {
		if dst.R[i] == -100 || dst.G[i] == -100 || dst.B[i] == -100 {
			t.Fatalf("pixel %d was not written", i)
		}
	}
}

func TestProcessDeterministic(t *testing.T) {
	o := testOptions(t)
	o.TileW, o.TileH = 32, 32
	p := newTestPipeline(t, o)
	src := testImage(40, 40, 11)

	first := process(t, p, src)
	second := process(t, p, src)
	assertSameImage(t, second, first)
}

func TestProcessIdentity(t *testing.T) {
	o := testOptions(t)
	o.Noise, o.Scale = -1, 1
	// No model files exist; the identity pipeline must not need them.
	p, err := New(o)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer p.Close()

	if w, h := p.OutputSize(13, 7); w != 13 || h != 7 {
		t.Errorf("OutputSize(13, 7) = %d, %d", w, h)
	}

	src := testImage(13, 7, 5)
	// A strided destination keeps its padding untouched.
	dst := &Image{
		R: make([]float32, 16*7), G: make([]float32, 16*7), B: make([]float32, 16*7),
		Width: 13, Height: 7, Stride: 16,
	}
	if err := p.Process(context.Background(), src, dst); err != nil {
		t.Fatal(err)
	}
	assertSameImage(t, dst, src)
	if dst.R[13] != 0 {
		t.Error("identity wrote into row padding")
	}
	if devices.Refs("cpu", 0) != 0 {
		t.Error("identity pipeline opened a device")
	}
}

func TestNewIdentityValidatesDevice(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"unknown backend", func(o *Options) { o.Backend = "metal" }},
		{"device index", func(o *Options) { o.Device = 7 }},
		{"worker count", func(o *Options) { o.WorkerCount = 1 << 20 }},
		{"all at once", func(o *Options) { o.Device, o.WorkerCount, o.Backend = 7, 1<<20, "metal" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOptions(t)
			o.Noise, o.Scale = -1, 1
			tt.modify(&o)
			p, err := New(o)
			if err == nil {
				p.Close()
				t.Fatal("New() succeeded")
			}
			if !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("New() = %v, want ErrInvalidParameter", err)
			}
			if devices.Open() != 0 {
				t.Error("a device was left open")
			}
		})
	}
}

func TestProcessConcurrent(t *testing.T) {
	o := testOptions(t)
	o.TileW, o.TileH = 32, 32
	p := newTestPipeline(t, o)

	srcs := make([]*Image, 6)
	want := make([]*Image, len(srcs))
	for i := range srcs {
		srcs[i] = testImage(36+i*3, 33, uint32(i+1)) //nolint:gosec // small
		want[i] = process(t, p, srcs[i])
	}

	got := make([]*Image, len(srcs))
	errs := make([]error, len(srcs))
	var wg sync.WaitGroup
	for i := range srcs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = NewImage(p.OutputSize(srcs[i].Width, srcs[i].Height))
			errs[i] = p.Process(context.Background(), srcs[i], got[i])
		}(i)
	}
	wg.Wait()

	for i := range srcs {
		if errs[i] != nil {
			t.Fatalf("frame %d: %v", i, errs[i])
		}
		assertSameImage(t, got[i], want[i])
	}
	if p.gate.InFlight() != 0 {
		t.Errorf("InFlight() = %d after all frames", p.gate.InFlight())
	}
}

func TestProcessRejectsBadImages(t *testing.T) {
	o := testOptions(t)
	p := newTestPipeline(t, o)
	src := testImage(32, 32, 1)

	tests := []struct {
		name     string
		src, dst *Image
		param    string
	}{
		{"nil src", nil, NewImage(64, 64), "src"},
		{"wrong dst size", src, NewImage(32, 32), "dst"},
		{"short dst", src, &Image{Width: 64, Height: 64, Stride: 64}, "dst"},
	}
	for _, tt := range tests {
		err := p.Process(context.Background(), tt.src, tt.dst)
		var e *Error
		if !errors.As(err, &e) || e.Kind != KindInvalidParameter {
			t.Errorf("%s: Process() = %v, want invalid parameter", tt.name, err)
			continue
		}
		if e.Param != tt.param {
			t.Errorf("%s: Param = %q, want %q", tt.name, e.Param, tt.param)
		}
	}
}

func TestProcessCanceled(t *testing.T) {
	o := testOptions(t)
	p := newTestPipeline(t, o)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := testImage(32, 32, 1)
	err := p.Process(ctx, src, NewImage(64, 64))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Process() = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrDeviceExecution) {
		t.Error("cancellation reported as a device failure")
	}
}

func TestNewRejectsDeviceParameters(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Options)
		param string
	}{
		{"device index", func(o *Options) { o.Device = 1 }, "gpu"},
		{"worker count", func(o *Options) { o.WorkerCount = 1 << 20 }, "gpu_thread"},
		{"backend", func(o *Options) { o.Backend = "metal" }, "backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOptions(t)
			writeModel(t, o)
			tt.edit(&o)

			p, err := New(o)
			if err == nil {
				p.Close()
				t.Fatal("New() succeeded")
			}
			var e *Error
			if !errors.As(err, &e) || e.Kind != KindInvalidParameter {
				t.Fatalf("New() = %v, want invalid parameter", err)
			}
			if e.Param != tt.param {
				t.Errorf("Param = %q, want %q", e.Param, tt.param)
			}
			if devices.Open() != 0 {
				t.Error("a device was left open")
			}
		})
	}
}

func TestNewMissingModel(t *testing.T) {
	o := testOptions(t)
	o.Noise = 3

	p, err := New(o)
	if err == nil {
		p.Close()
		t.Fatal("New() succeeded without model files")
	}
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("New() = %v, want ErrModelLoad", err)
	}
	if !errors.Is(err, model.ErrMissing) {
		t.Errorf("New() = %v, want it to wrap model.ErrMissing", err)
	}
	var e *Error
	errors.As(err, &e)
	if !strings.HasSuffix(e.Path, "noise3_scale2.0x_model.param") {
		t.Errorf("Path = %q", e.Path)
	}
	if devices.Open() != 0 {
		t.Error("device left open after a failed load")
	}
}

func TestPipelinesShareDevice(t *testing.T) {
	o := testOptions(t)
	writeModel(t, o)

	a, err := New(o)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(o)
	if err != nil {
		a.Close()
		t.Fatal(err)
	}
	if got := devices.Refs("cpu", 0); got != 2 {
		t.Errorf("Refs = %d, want 2", got)
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if got := devices.Refs("cpu", 0); got != 1 {
		t.Errorf("Refs after one Close = %d, want 1", got)
	}

	// The surviving pipeline still works.
	process(t, b, testImage(32, 32, 2))

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if devices.Open() != 0 {
		t.Error("device still open after the last Close")
	}

	err = b.Process(context.Background(), testImage(32, 32, 2), NewImage(64, 64))
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Process after Close = %v, want ErrDeviceUnavailable", err)
	}
}

func TestDevices(t *testing.T) {
	infos, err := Devices("cpu")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Backend != "cpu" || infos[0].ComputeQueues < 2 {
		t.Errorf("Devices(cpu) = %+v", infos)
	}

	if _, err := Devices("metal"); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Devices(metal) = %v, want ErrDeviceUnavailable", err)
	}

	found := false
	for _, name := range Backends() {
		found = found || name == "cpu"
	}
	if !found {
		t.Errorf("Backends() = %v, missing cpu", Backends())
	}
}
