package main

import (
	"context"
	"fmt"
	"log/slog"
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
	"github.com/jmylchreest/surface-dtx/internal/dtx"
	"github.com/jmylchreest/surface-dtx/internal/handler"
)

func runDaemon(cmd *cobra.Command, args []string) error {
	if globalOpts.background && !cli.InBackground() {
		pid, err := cli.Detach()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), pid)
		return nil
	}

	cfg, diag, err := config.LoadDaemonConfig(globalOpts.configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(string(cfg.Log.Level))
	if err != nil {
		return err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)
	logger := cli.NewLogger(os.Stderr, levelVar)
	diag.Log(logger)

	configPath := diag.Path
	if configPath == "" {
		configPath = "(defaults)"
	}
	logger.Info("starting surface-dtx-daemon", "version", version, "config", configPath)

	lock, err := cli.AcquireLock(cfg.Device.LockFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release lock", "error", err)
		}
	}()

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

	connector := dtx.NewConnector(dtx.ConnectorConfig{
		Path:           cfg.Device.Path,
		StartupTimeout: cfg.Device.StartupTimeout.Duration(),
	}, logger)
	if err := connector.Open(ctx); err != nil {
		return &dtx.LinkError{Op: "open", Path: cfg.Device.Path, Err: err}
	}

	runner := handler.NewRunner(logger,
		handler.WithGrace(cfg.Handler.Grace.Duration()),
		handler.WithOutputLimit(int(cfg.Handler.OutputLimit)))
	machine := daemon.NewMachine(machineConfig(cfg), connector, runner, logger)

	bus, err := godbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("%w: connect to system bus: %w", dbus.ErrRegistration, err)
	}
	defer bus.Close()

	service := dbus.NewService(bus, machine, logger)
	if err := service.Start(); err != nil {
		return err
	}
	defer func() {
		if err := service.Stop(); err != nil {
			logger.Warn("failed to stop bus service", "error", err)
		}
	}()

	broadcaster := dbus.NewBroadcaster(bus, logger)

	// The link outlives the machine so the commands it issues while
	// shutting down still reach the device.
	linkCtx, stopLink := context.WithCancel(context.Background())
	defer stopLink()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := connector.Run(linkCtx); err != nil {
			logger.Error("device connector stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer stopLink()
		if err := machine.Run(ctx); err != nil {
			logger.Error("coordinator stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		// Drains until the machine closes the channel so the final
		// transitions still reach the bus.
		broadcaster.Run(context.Background(), machine.Statuses())
	}()

	watchPath := globalOpts.configPath
	if watchPath == "" {
		watchPath = config.DefaultDaemonConfigPath
	}
	watcher := daemon.NewConfigWatcher(watchPath, logger)
	watcher.SetReloadCallback(func(newCfg *config.DaemonConfig) {
		if lvl, err := config.ParseLevel(string(newCfg.Log.Level)); err == nil {
			levelVar.Set(lvl)
		}
		if err := machine.Reconfigure(ctx, machineConfig(newCfg)); err != nil {
			logger.Warn("failed to apply reloaded configuration", "error", err)
		}
	})
	watcher.Start(ctx, cfg)
	defer watcher.Stop()

	logger.Info("surface-dtx-daemon ready", "device", cfg.Device.Path, "state", machine.Snapshot().State.String())

	<-ctx.Done()
	wg.Wait()

	logger.Info("surface-dtx-daemon stopped")
	return nil
}

func machineConfig(cfg *config.DaemonConfig) daemon.Config {
	return daemon.Config{
		Handlers:  handlerSpecs(cfg),
		Heartbeat: cfg.Heartbeat.Interval.Duration(),
	}
}

func handlerSpecs(cfg *config.DaemonConfig) daemon.Handlers {
	spec := func(entry config.HandlerEntry) handler.Spec {
		return handler.Spec{
			Path:    cfg.ExecPath(entry),
			Timeout: entry.Timeout.Duration(),
			Delay:   entry.Delay.Duration(),
			Dir:     cfg.Dir,
		}
	}
	return daemon.Handlers{
		Detach:      spec(cfg.Handler.Detach),
		DetachAbort: spec(cfg.Handler.DetachAbort),
		Attach:      spec(cfg.Handler.Attach),
	}
}
