package waifu2x

import (
	"os"
	"path/filepath"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/waifu2x/internal/compute"
	"github.com/gogpu/waifu2x/internal/model"
	"github.com/gogpu/waifu2x/internal/tile"
)

// Model families accepted by Options.Model.
const (
	ModelUpconvAnime = int(model.UpconvAnime)
	ModelUpconvPhoto = int(model.UpconvPhoto)
	ModelCUNet       = int(model.CUNet)
)

// ModelDirEnv overrides the default model directory.
const ModelDirEnv = "WAIFU2X_MODEL_DIR"

// Options configure a Pipeline. The yaml tags are the keys accepted by the
// command's --config file.
type Options struct {
	// Noise is the denoise level, -1 (none) to 3.
	Noise int `yaml:"noise"`

	// Scale is 1 or 2.
	Scale int `yaml:"scale"`

	// TileW and TileH bound the tile extent. Zero selects max(dim, 32) per
	// frame, which processes the frame as a single tile.
	TileW int `yaml:"tile_w"`
	TileH int `yaml:"tile_h"`

	// Model selects the family: ModelUpconvAnime, ModelUpconvPhoto or
	// ModelCUNet. Only CUNet has scale 1 models.
	Model int `yaml:"model"`

	// Device is the device index within the backend, -1 for its default.
	Device int `yaml:"gpu"`

	// WorkerCount bounds frames in flight. It may not exceed the device's
	// compute queue count.
	WorkerCount int `yaml:"gpu_thread"`

	// TTA enables the 8-way orientation ensemble.
	TTA bool `yaml:"tta"`

	// FP32 stores weights and activations in float32 instead of float16.
	FP32 bool `yaml:"fp32"`

	// ModelDir holds one directory per family.
	ModelDir string `yaml:"model_dir"`

	// Backend names the compute backend ("vulkan", "cpu"). Empty selects
	// the first backend with a device.
	Backend string `yaml:"backend"`

	// Provider, when set, supplies the GPU device of a host application.
	// Backend and Device are ignored and the device is never destroyed.
	Provider gpucontext.DeviceProvider `yaml:"-"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Noise:       0,
		Scale:       2,
		Model:       ModelCUNet,
		Device:      -1,
		WorkerCount: 2,
		ModelDir:    DefaultModelDir(),
	}
}

// DefaultModelDir returns $WAIFU2X_MODEL_DIR, or "models" next to the
// running executable.
func DefaultModelDir() string {
	if dir := os.Getenv(ModelDirEnv); dir != "" {
		return dir
	}
	exe, err := os.Executable()
	if err != nil {
		return "models"
	}
	return filepath.Join(filepath.Dir(exe), "models")
}

// Identity reports whether the options describe the identity transform.
func (o Options) Identity() bool {
	return o.Noise == -1 && o.Scale == 1
}

// Validate checks every option that does not need a device. New also
// checks the device index and worker count against the opened backend.
func (o Options) Validate() error {
	if o.Noise < -1 || o.Noise > 3 {
		return invalidParam("noise", o.Noise, "must be between -1 and 3 (inclusive)")
	}
	if o.Scale < 1 || o.Scale > 2 {
		return invalidParam("scale", o.Scale, "must be 1 or 2")
	}
	if o.TileW != 0 && o.TileW < tile.MinSize {
		return invalidParam("tile_w", o.TileW, "must be 0 or at least %d", tile.MinSize)
	}
	if o.TileH != 0 && o.TileH < tile.MinSize {
		return invalidParam("tile_h", o.TileH, "must be 0 or at least %d", tile.MinSize)
	}
	f := model.Family(o.Model)
	if !f.Valid() {
		return invalidParam("model", o.Model, "must be between 0 and 2 (inclusive)")
	}
	if !f.SupportsScale(o.Scale) {
		return invalidParam("model", o.Model, "only cunet supports scale=%d", o.Scale)
	}
	if o.Device < -1 {
		return invalidParam("gpu", o.Device, "must be -1 or a device index")
	}
	if o.WorkerCount < 1 {
		return invalidParam("gpu_thread", o.WorkerCount, "must be at least 1")
	}
	return nil
}

func (o Options) precision() compute.Precision {
	if o.FP32 {
		return compute.Float32
	}
	return compute.Float16
}
