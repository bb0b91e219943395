package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/waifu2x"
)

// config is the contents of a --config file: pipeline options plus the
// output encoding. Flags given on the command line override it.
type config struct {
	waifu2x.Options `yaml:",inline"`

	Format  string `yaml:"format"`
	Quality int    `yaml:"quality"`
}

func defaultConfig() config {
	return config{Options: waifu2x.DefaultOptions()}
}

// loadConfig returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults. Unknown keys are an error.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// modelNames maps the accepted --model spellings to a family.
var modelNames = map[string]int{
	"cunet":                        waifu2x.ModelCUNet,
	"upconv_7_anime_style_art_rgb": waifu2x.ModelUpconvAnime,
	"anime":                        waifu2x.ModelUpconvAnime,
	"upconv_7_photo":               waifu2x.ModelUpconvPhoto,
	"photo":                        waifu2x.ModelUpconvPhoto,
}

// parseModel accepts a family name, its number, or a model directory such
// as /opt/models/models-cunet. For a directory the parent is returned as
// the model root.
func parseModel(s string) (family int, root string, err error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, "", nil
	}
	clean := filepath.Clean(s)
	dir, base := filepath.Split(clean)
	family, ok := modelNames[strings.TrimPrefix(strings.ToLower(base), "models-")]
	if !ok {
		return 0, "", fmt.Errorf("unknown model %q", s)
	}
	if dir != "" {
		root = filepath.Clean(dir)
	}
	return family, root, nil
}

// applyFlags copies every flag set on the command line into cfg.
func applyFlags(cmd *cobra.Command, cfg *config) error {
	flags := cmd.Flags()
	ints := []struct {
		name string
		dst  *int
	}{
		{"noise", &cfg.Noise},
		{"scale", &cfg.Scale},
		{"tile-w", &cfg.TileW},
		{"tile-h", &cfg.TileH},
		{"gpu", &cfg.Device},
		{"gpu-thread", &cfg.WorkerCount},
		{"quality", &cfg.Quality},
	}
	for _, f := range ints {
		if !flags.Changed(f.name) {
			continue
		}
		v, err := flags.GetInt(f.name)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"tta", &cfg.TTA},
		{"fp32", &cfg.FP32},
	}
	for _, f := range bools {
		if !flags.Changed(f.name) {
			continue
		}
		v, err := flags.GetBool(f.name)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"model-dir", &cfg.ModelDir},
		{"backend", &cfg.Backend},
		{"format", &cfg.Format},
	}
	for _, f := range strs {
		if !flags.Changed(f.name) {
			continue
		}
		v, err := flags.GetString(f.name)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	if flags.Changed("model") {
		name, err := flags.GetString("model")
		if err != nil {
			return err
		}
		family, root, err := parseModel(name)
		if err != nil {
			return err
		}
		cfg.Model = family
		if root != "" && !flags.Changed("model-dir") {
			cfg.ModelDir = root
		}
	}
	return nil
}
