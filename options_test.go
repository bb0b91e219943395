package waifu2x

import (
	"errors"
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	t.Setenv(ModelDirEnv, "/srv/models")
	o := DefaultOptions()

	if o.Noise != 0 || o.Scale != 2 || o.Model != ModelCUNet {
		t.Errorf("DefaultOptions() = noise %d scale %d model %d, want 0 2 %d", o.Noise, o.Scale, o.Model, ModelCUNet)
	}
	if o.Device != -1 {
		t.Errorf("Device = %d, want -1", o.Device)
	}
	if o.WorkerCount != 2 {
		t.Errorf("WorkerCount = %d, want 2", o.WorkerCount)
	}
	if o.TTA || o.FP32 {
		t.Error("TTA and FP32 must default to false")
	}
	if o.ModelDir != "/srv/models" {
		t.Errorf("ModelDir = %q, want the %s value", o.ModelDir, ModelDirEnv)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("DefaultOptions().Validate() = %v", err)
	}
}

func TestDefaultModelDirNextToExecutable(t *testing.T) {
	t.Setenv(ModelDirEnv, "")
	if dir := DefaultModelDir(); dir == "" {
		t.Error("DefaultModelDir() is empty")
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Options)
		param string
	}{
		{"noise low", func(o *Options) { o.Noise = -2 }, "noise"},
		{"noise high", func(o *Options) { o.Noise = 4 }, "noise"},
		{"scale zero", func(o *Options) { o.Scale = 0 }, "scale"},
		{"scale four", func(o *Options) { o.Scale = 4 }, "scale"},
		{"tile_w small", func(o *Options) { o.TileW = 31 }, "tile_w"},
		{"tile_h small", func(o *Options) { o.TileH = 16 }, "tile_h"},
		{"model high", func(o *Options) { o.Model = 3 }, "model"},
		{"model negative", func(o *Options) { o.Model = -1 }, "model"},
		{"upconv scale 1", func(o *Options) { o.Model = ModelUpconvAnime; o.Scale = 1 }, "model"},
		{"photo scale 1", func(o *Options) { o.Model = ModelUpconvPhoto; o.Scale = 1 }, "model"},
		{"device", func(o *Options) { o.Device = -2 }, "gpu"},
		{"workers", func(o *Options) { o.WorkerCount = 0 }, "gpu_thread"},
		// Earlier checks win.
		{"noise before scale", func(o *Options) { o.Noise = 9; o.Scale = 9 }, "noise"},
		{"tile before model", func(o *Options) { o.TileW = 1; o.Model = 7 }, "tile_w"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.edit(&o)
			err := o.Validate()
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("Validate() = %v, want ErrInvalidParameter", err)
			}
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("Validate() = %T, want *Error", err)
			}
			if e.Param != tt.param {
				t.Errorf("Param = %q, want %q", e.Param, tt.param)
			}
		})
	}
}

func TestOptionsValidateAccepts(t *testing.T) {
	tests := []func(*Options){
		func(o *Options) { o.Noise = -1 },
		func(o *Options) { o.Noise = 3; o.Scale = 1 },
		func(o *Options) { o.TileW, o.TileH = 32, 400 },
		func(o *Options) { o.Model = ModelUpconvPhoto },
		func(o *Options) { o.Device = 0; o.WorkerCount = 1 },
		func(o *Options) { o.Noise, o.Scale = -1, 1 },
	}
	for i, edit := range tests {
		o := DefaultOptions()
		edit(&o)
		if err := o.Validate(); err != nil {
			t.Errorf("case %d: Validate() = %v", i, err)
		}
	}
}

func TestOptionsIdentity(t *testing.T) {
	o := DefaultOptions()
	if o.Identity() {
		t.Error("defaults are not the identity")
	}
	o.Noise, o.Scale = -1, 1
	if !o.Identity() {
		t.Error("noise -1 scale 1 is the identity")
	}
}
