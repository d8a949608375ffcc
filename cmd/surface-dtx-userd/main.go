// Package main is the entry point for surface-dtx-userd, the per-user
// service that shows desktop notifications for clipboard detach events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	godbus "github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/surface-dtx/internal/cli"
	"github.com/jmylchreest/surface-dtx/internal/config"
	"github.com/jmylchreest/surface-dtx/internal/daemon"
	"github.com/jmylchreest/surface-dtx/internal/dbus"
	"github.com/jmylchreest/surface-dtx/internal/notify"
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

var rootCmd = &cobra.Command{
	Use:   "surface-dtx-userd",
	Short: "Desktop notifications for Surface Book clipboard detach",
	Long: `surface-dtx-userd listens for signals from surface-dtx-daemon on the
system bus and tells the logged-in user when the clipboard can be removed
and when it has been attached again.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalOpts.configPath, "config", "c", "",
		"Path to config file (default: ~/.config/surface-dtx/surface-dtx-userd.conf)")
	rootCmd.Flags().BoolVar(&globalOpts.background, "background", false,
		"Detach from the terminal and keep running in a new session")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if globalOpts.background && !cli.InBackground() {
		pid, err := cli.Detach()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), pid)
		return nil
	}

	cfg, diag, err := config.LoadUserConfig(globalOpts.configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLevel(string(cfg.Log.Level))
	if err != nil {
		return err
	}
	logger := cli.NewLogger(os.Stderr, level)
	diag.Log(logger)

	logger.Info("starting surface-dtx-userd", "version", version)

	session, err := godbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	statuses := make(chan daemon.Status, 16)
	watcher := dbus.NewSignalWatcher(func() (*godbus.Conn, error) {
		return godbus.ConnectSystemBus()
	}, logger)
	service := notify.New(dbus.NewNotificationClient(session, logger), logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		service.Run(ctx, statuses)
	}()

	watcher.Run(ctx, statuses)
	cancel()
	wg.Wait()

	logger.Info("surface-dtx-userd stopped")
	return nil
}
