package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aleister1102/anchorwatch/internal/config"
	"github.com/aleister1102/anchorwatch/internal/engine"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Monitor registered files, reconcile with the ledger and serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}
}

func runServe(parent context.Context, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bootCfg, err := ctx.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	zLogger, err := ctx.newLogger(bootCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	manager, err := config.NewConfigManager(ctx.configPath(), config.ConfigManagerOptions{
		Logger:           zLogger,
		HotReloadEnabled: bootCfg.MonitorConfig.HotReloadConfig,
		ReloadDelay:      2 * time.Second,
	})
	if err != nil {
		return err
	}
	defer manager.Close()
	cfg := manager.GetConfig()

	lock, err := acquireInstanceLock(cfg.StorageConfig.LockFile)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	eng, err := engine.New(signalCtx, cfg, engine.Options{}, zLogger)
	if err != nil {
		return err
	}
	manager.OnReload(eng.ApplyConfig)
	manager.StartHotReload(signalCtx)

	if err := eng.Start(signalCtx); err != nil {
		_ = eng.Stop(context.Background())
		return err
	}
	zLogger.Info().Str("config", manager.GetConfigPath()).Msg("anchorwatch running")

	<-signalCtx.Done()
	zLogger.Info().Msg("Shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return eng.Stop(stopCtx)
}

func acquireInstanceLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another anchorwatch instance is already running")
	}
	return lock, nil
}
