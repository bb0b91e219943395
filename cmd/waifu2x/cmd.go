package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gogpu/waifu2x"
)

// NewCLI returns the root command.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "waifu2x",
		Short: "Image super-resolution and denoising",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Don't print usage on runtime errors
			cmd.SilenceUsage = true

			level := slog.LevelWarn
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				level = slog.LevelDebug
			}
			waifu2x.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log per-frame and per-tile diagnostics")

	rootCmd.AddCommand(
		NewUpscaleCmd(),
		NewDevicesCmd(),
	)

	return rootCmd
}
