package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/waifu2x"
	"github.com/gogpu/waifu2x/internal/imageio"
)

// NewUpscaleCmd returns the upscale command.
func NewUpscaleCmd() *cobra.Command {
	upscaleCmd := &cobra.Command{
		Use:   "upscale INPUT...",
		Short: "Upscale and denoise image files",
		Long: `Upscale and denoise image files.

With one input, -o names the output file and its extension selects the
format. With several inputs, -o names a directory that receives one file per
input. Without -o each output is written next to its input.`,
		Args: cobra.MinimumNArgs(1),
		RunE: UpscaleHandler,
	}

	d := waifu2x.DefaultOptions()
	upscaleCmd.Flags().StringP("output", "o", "", "Output file, or directory for several inputs")
	upscaleCmd.Flags().String("config", "", "YAML file with default options")
	upscaleCmd.Flags().IntP("noise", "n", d.Noise, "Denoise level (-1 to 3)")
	upscaleCmd.Flags().IntP("scale", "s", d.Scale, "Upscale ratio (1 or 2)")
	upscaleCmd.Flags().Int("tile-w", 0, "Tile width (0 processes the frame as one tile)")
	upscaleCmd.Flags().Int("tile-h", 0, "Tile height (0 processes the frame as one tile)")
	upscaleCmd.Flags().StringP("model", "m", "cunet", "Model family or model directory (cunet, anime, photo)")
	upscaleCmd.Flags().IntP("gpu", "g", d.Device, "Device index (-1 selects the default)")
	upscaleCmd.Flags().IntP("gpu-thread", "j", d.WorkerCount, "Frames processed at once")
	upscaleCmd.Flags().BoolP("tta", "x", false, "Enable the 8-way orientation ensemble")
	upscaleCmd.Flags().Bool("fp32", false, "Store weights and activations in float32")
	upscaleCmd.Flags().String("model-dir", d.ModelDir, "Directory holding the models-* directories")
	upscaleCmd.Flags().String("backend", "", "Compute backend ("+strings.Join(waifu2x.Backends(), ", ")+")")
	upscaleCmd.Flags().StringP("format", "f", "", "Output format (png, jpg, bmp, tiff)")
	upscaleCmd.Flags().IntP("quality", "q", 0, "JPEG quality (1-100)")

	return upscaleCmd
}

func UpscaleHandler(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return err
	}
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	jobs, err := planOutputs(args, output, cfg.Format)
	if err != nil {
		return err
	}

	p, err := waifu2x.New(cfg.Options)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			waifu2x.Logger().Warn("waifu2x: close pipeline", "err", err)
		}
	}()

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(cfg.WorkerCount)
	for _, j := range jobs {
		g.Go(func() error {
			return upscaleFile(ctx, p, j, cfg.Quality)
		})
	}
	return g.Wait()
}

// fileJob is one input file and where its result goes.
type fileJob struct {
	input  string
	output string
	format imageio.Format
}

// planOutputs resolves the output path and format of every input. A
// format given by name wins over the output extension; PNG is the
// fallback.
func planOutputs(inputs []string, output, format string) ([]fileJob, error) {
	var named imageio.Format
	if format != "" {
		f, err := imageio.ParseFormat(format)
		if err != nil {
			return nil, err
		}
		named = f
	}

	toDir := len(inputs) > 1 || strings.HasSuffix(output, string(filepath.Separator)) || strings.HasSuffix(output, "/")
	if !toDir && output != "" {
		if st, err := os.Stat(output); err == nil && st.IsDir() {
			toDir = true
		}
	}
	if toDir && output != "" {
		if err := os.MkdirAll(output, 0o750); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	jobs := make([]fileJob, 0, len(inputs))
	seen := make(map[string]string, len(inputs))
	for _, in := range inputs {
		j := fileJob{input: in, format: named}
		stem := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))

		switch {
		case output != "" && !toDir:
			j.output = output
			if j.format == "" {
				if f, err := imageio.FormatOf(output); err == nil {
					j.format = f
				}
			}
		case output != "":
			j.output = filepath.Join(output, stem)
		default:
			j.output = filepath.Join(filepath.Dir(in), stem+".waifu2x")
		}
		if j.format == "" {
			j.format = imageio.PNG
		}
		if toDir || output == "" {
			j.output += j.format.Ext()
		}

		if prev, ok := seen[j.output]; ok {
			return nil, fmt.Errorf("%s and %s both write %s", prev, in, j.output)
		}
		seen[j.output] = in
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func upscaleFile(ctx context.Context, p *waifu2x.Pipeline, j fileJob, quality int) error {
	log := waifu2x.Logger().With("id", uuid.NewString(), "input", j.input)
	start := time.Now()

	fr, err := imageio.Load(j.input)
	if err != nil {
		return fmt.Errorf("%s: %w", j.input, err)
	}

	w, h := p.OutputSize(fr.RGB.Width, fr.RGB.Height)
	dst := waifu2x.NewImage(w, h)
	if err := p.Process(ctx, fr.RGB, dst); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%s: %w", j.input, err)
	}
	fr.RGB = dst

	if err := imageio.Save(j.output, fr.Image(), j.format, quality); err != nil {
		return fmt.Errorf("%s: %w", j.output, err)
	}
	log.Debug("waifu2x: wrote frame", "output", j.output, "width", w, "height", h, "elapsed", time.Since(start))
	return nil
}
