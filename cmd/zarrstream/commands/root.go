// Package commands implements the CLI commands for the zarrstream sink.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "zarrstream",
	Short: "zarrstream - streaming Zarr v3 acquisition sink",
	Long: `zarrstream persists a stream of video frames as a chunked, compressed,
multi-resolution Zarr v3 dataset with sharded storage. Frames are tiled into
per-tile chunk buffers, compressed across a worker pool, and packed into
shard files with trailing indices.

Use "zarrstream [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it. Called
// by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(streamCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Exit prints an error and returns it so Execute reports failure.
func Exit(cmd *cobra.Command, format string, args ...any) error {
	cmd.PrintErrf(format+"\n", args...)
	_ = cmd.Help()
	return fmt.Errorf(format, args...)
}
