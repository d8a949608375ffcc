package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var globalOpts struct {
	configPath string
	background bool
}

// rootCmd runs the daemon when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "surface-dtx-daemon",
	Short: "Surface Book clipboard detach coordinator",
	Long: `surface-dtx-daemon coordinates detaching and re-attaching the clipboard
of Surface Book class devices.

When the detach button is pressed it runs the configured detach handler and
only unlocks the latch if the handler allows it. Re-attaching runs the
attach handler. State is published on the system bus as org.surface.dtx.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runDaemon,
}

// Execute runs the root command and exits nonzero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalOpts.configPath, "config", "c", "",
		"Path to config file (default: /etc/surface-dtx/surface-dtx-daemon.conf)")
	rootCmd.Flags().BoolVar(&globalOpts.background, "background", false,
		"Detach from the terminal and keep running in a new session")
}
