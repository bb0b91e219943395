// Command waifu2x upscales and denoises images with waifu2x models.
//
// Usage:
//
//	waifu2x upscale -n 1 -s 2 -o out.png in.jpg
//	waifu2x upscale -o outdir/ a.png b.png c.png
//	waifu2x devices
package main

import (
	"context"

	"github.com/spf13/cobra"
)

func main() {
	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}
