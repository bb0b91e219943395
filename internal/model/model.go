// Package model resolves and loads the waifu2x networks together with the
// preprocess and postprocess programs that frame them.
package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gogpu/waifu2x/internal/compute"
	"github.com/gogpu/waifu2x/internal/ncnn"
)

// Family selects a model set.
type Family int

const (
	// UpconvAnime is upconv_7 trained on anime-style art.
	UpconvAnime Family = iota
	// UpconvPhoto is upconv_7 trained on photos.
	UpconvPhoto
	// CUNet is the U-Net family.
	CUNet
)

var familyDirs = [...]string{
	UpconvAnime: "models-upconv_7_anime_style_art_rgb",
	UpconvPhoto: "models-upconv_7_photo",
	CUNet:       "models-cunet",
}

// Valid reports whether f names a known family.
func (f Family) Valid() bool { return f >= UpconvAnime && f <= CUNet }

// Dir returns the family's directory name below the model root.
func (f Family) Dir() string {
	if !f.Valid() {
		return ""
	}
	return familyDirs[f]
}

func (f Family) String() string {
	switch f {
	case UpconvAnime:
		return "upconv_7_anime_style_art_rgb"
	case UpconvPhoto:
		return "upconv_7_photo"
	case CUNet:
		return "cunet"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// SupportsScale reports whether the family has models for scale s. The
// upconv families only upscale.
func (f Family) SupportsScale(s int) bool {
	if s == 1 {
		return f == CUNet
	}
	return s == 2 && f.Valid()
}

// Prepadding returns the margin a tile needs for the family's receptive
// field at the given noise level and scale.
func Prepadding(f Family, noise, scale int) int {
	if f != CUNet {
		return 7
	}
	if noise == -1 || scale == 2 {
		return 18
	}
	return 28
}

// Blob names shared by every model of the sets.
const (
	InputBlob  = "Input1"
	OutputBlob = "Eltwise4"
)

// Paths returns the .param and .bin files for a combination.
func Paths(root string, f Family, noise, scale int) (param, bin string) {
	var base string
	switch {
	case noise == -1:
		base = "scale2.0x_model"
	case scale == 1:
		base = fmt.Sprintf("noise%d_model", noise)
	default:
		base = fmt.Sprintf("noise%d_scale2.0x_model", noise)
	}
	dir := filepath.Join(root, f.Dir())
	return filepath.Join(dir, base+".param"), filepath.Join(dir, base+".bin")
}

// Config selects the model to load.
type Config struct {
	Dir       string
	Family    Family
	Noise     int
	Scale     int
	TTA       bool
	Precision compute.Precision
}

// ErrMissing is returned when a model file does not exist.
var ErrMissing = errors.New("model: file not found")

// PathError ties a load failure to the file that caused it.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string { return "model: " + e.Path + ": " + e.Err.Error() }
func (e *PathError) Unwrap() error { return e.Err }

// Model is a loaded network plus its framing programs. It is immutable
// after Load and safe for concurrent use by many frames.
type Model struct {
	Config
	Prepadding int

	net  *ncnn.Net
	pre  compute.Program
	post compute.Program
}

// Load reads and instantiates the model selected by cfg on dev. Nothing is
// left allocated when it fails.
func Load(dev compute.Device, cfg Config) (*Model, error) {
	if !cfg.Family.Valid() {
		return nil, fmt.Errorf("model: unknown family %d", int(cfg.Family))
	}
	if !cfg.Family.SupportsScale(cfg.Scale) {
		return nil, fmt.Errorf("model: %s has no scale %d models", cfg.Family, cfg.Scale)
	}

	paramPath, binPath := Paths(cfg.Dir, cfg.Family, cfg.Noise, cfg.Scale)
	for _, p := range []string{paramPath, binPath} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &PathError{Path: p, Err: ErrMissing}
			}
			return nil, &PathError{Path: p, Err: err}
		}
	}

	m := &Model{Config: cfg, Prepadding: Prepadding(cfg.Family, cfg.Noise, cfg.Scale)}
	if err := m.load(dev, paramPath, binPath); err != nil {
		m.Close()
		return nil, err
	}

	compute.Logger().Info("model: loaded",
		"family", cfg.Family.String(), "noise", cfg.Noise, "scale", cfg.Scale,
		"tta", cfg.TTA, "precision", cfg.Precision.String(), "path", paramPath)
	return m, nil
}

func (m *Model) load(dev compute.Device, paramPath, binPath string) error {
	pf, err := os.Open(paramPath)
	if err != nil {
		return &PathError{Path: paramPath, Err: err}
	}
	defer pf.Close()
	bf, err := os.Open(binPath)
	if err != nil {
		return &PathError{Path: binPath, Err: err}
	}
	defer bf.Close()

	m.net, err = ncnn.Load(dev, pf, bf, ncnn.Options{
		Precision: m.Precision,
		Input:     InputBlob,
		Output:    OutputBlob,
	})
	if err != nil {
		return &PathError{Path: paramPath, Err: err}
	}

	if m.pre, err = dev.CompileProgram(compute.PreprocessKernel(m.TTA)); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if m.post, err = dev.CompileProgram(compute.PostprocessKernel(m.TTA)); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	return nil
}

// Net returns the network.
func (m *Model) Net() *ncnn.Net { return m.net }

// Preprocess returns the program that cuts tiles out of the source image.
func (m *Model) Preprocess() compute.Program { return m.pre }

// Postprocess returns the program that writes tiles into the output image.
func (m *Model) Postprocess() compute.Program { return m.post }

// Close releases the network and programs. It is idempotent.
func (m *Model) Close() {
	if m.net != nil {
		m.net.Release()
		m.net = nil
	}
	if m.pre != nil {
		m.pre.Release()
		m.pre = nil
	}
	if m.post != nil {
		m.post.Release()
		m.post = nil
	}
}
