// Package engine builds and owns every long-lived component of the
// integrity service and controls their start and stop order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/aleister1102/anchorwatch/internal/api"
	"github.com/aleister1102/anchorwatch/internal/config"
	"github.com/aleister1102/anchorwatch/internal/datastore"
	"github.com/aleister1102/anchorwatch/internal/debounce"
	"github.com/aleister1102/anchorwatch/internal/digest"
	"github.com/aleister1102/anchorwatch/internal/ledger"
	"github.com/aleister1102/anchorwatch/internal/logger"
	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/aleister1102/anchorwatch/internal/monitor"
	"github.com/aleister1102/anchorwatch/internal/notifier"
	"github.com/aleister1102/anchorwatch/internal/scheduler"
	"github.com/aleister1102/anchorwatch/internal/watcher"
	"github.com/rs/zerolog"
)

// Options replaces individual dependencies, mainly for tests. Zero values
// fall back to what the configuration describes.
type Options struct {
	Store    datastore.Store
	Contract ledger.Contract
	Source   watcher.Source
	Sink     notifier.Sink
	// DisableAPI skips the administrative HTTP server.
	DisableAPI bool
}

// Engine is the context object every component is reached through.
type Engine struct {
	cfg    *config.GlobalConfig
	logger zerolog.Logger

	Store       datastore.Store
	Contract    ledger.Contract
	Anchor      *ledger.AnchorClient
	Hasher      *digest.Computer
	Source      watcher.Source
	Dispatcher  *notifier.Dispatcher
	Debouncer   *debounce.Debouncer
	Coordinator *monitor.Coordinator
	Scheduler   *scheduler.Scheduler
	API         *api.Server

	closers []func() error

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs every component from cfg without starting any of them.
func New(ctx context.Context, cfg *config.GlobalConfig, opts Options, log zerolog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: nil configuration")
	}
	e := &Engine{
		cfg:    cfg,
		logger: log.With().Str("component", "Engine").Logger(),
		Hasher: digest.NewComputer(cfg.MonitorConfig.DigestChunkSize),
	}

	if err := e.buildStore(opts, log); err != nil {
		return nil, err
	}
	if err := e.buildLedger(ctx, opts, log); err != nil {
		e.closeAll()
		return nil, err
	}
	if err := e.buildNotifier(opts, log); err != nil {
		e.closeAll()
		return nil, err
	}

	e.Source = opts.Source
	if e.Source == nil {
		e.Source = watcher.NewFSNotifySource(cfg.MonitorConfig.EventBufferSize, log)
	}
	e.closers = append(e.closers, e.Source.Close)

	e.Coordinator = monitor.NewCoordinator(e.Store, e.Anchor, e.Hasher, e.Source, e.Dispatcher, log)
	e.Debouncer = debounce.New(cfg.MonitorConfig.DebounceWindow(), e.Coordinator.HandleChange, log)
	e.Debouncer.SetFilter(e.Coordinator.IsMonitored)

	e.Scheduler = scheduler.NewScheduler(scheduler.Config{
		Interval:           cfg.ReconcileConfig.Interval(),
		StalenessThreshold: cfg.ReconcileConfig.StalenessThreshold(),
		RehashOnSweep:      cfg.ReconcileConfig.RehashOnSweep,
		MaxConcurrent:      cfg.ReconcileConfig.MaxConcurrent,
	}, e.Store, e.Coordinator, log)

	if !opts.DisableAPI {
		e.API = api.NewServer(cfg.APIConfig, e.Coordinator, e.Store, e.Anchor, log)
	}

	e.logger.Info().
		Str("ledger_mode", cfg.LedgerConfig.Mode).
		Str("database", cfg.StorageConfig.SQLitePath).
		Bool("api_enabled", e.API != nil).
		Msg("Engine constructed")
	return e, nil
}

func (e *Engine) buildStore(opts Options, log zerolog.Logger) error {
	if opts.Store != nil {
		e.Store = opts.Store
		return nil
	}
	store, err := datastore.NewSQLiteStore(e.cfg.StorageConfig.SQLitePath, log)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	e.Store = store
	e.closers = append(e.closers, store.Close)
	return nil
}

func (e *Engine) buildLedger(ctx context.Context, opts Options, log zerolog.Logger) error {
	lc := e.cfg.LedgerConfig
	switch {
	case opts.Contract != nil:
		e.Contract = opts.Contract
	case lc.Mode == config.LedgerModeMemory:
		e.logger.Warn().Msg("Using in-memory ledger; anchors do not survive a restart")
		e.Contract = ledger.NewMemoryLedger()
	default:
		key, err := lc.SigningKey()
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		eth, err := ledger.DialEthereum(ctx, ledger.EthereumConfig{
			RPCURL:          lc.RPCURL,
			ContractAddress: lc.ContractAddress,
			PrivateKey:      key,
			ABIFile:         lc.ABIFile,
			ChainID:         lc.ChainID,
			GasLimit:        lc.GasLimit,
		}, log)
		if err != nil {
			return fmt.Errorf("connect ledger: %w", err)
		}
		e.Contract = eth
		e.closers = append(e.closers, func() error {
			eth.Close()
			return nil
		})
	}

	e.Anchor = ledger.NewAnchorClient(e.Contract, e.Store, ledger.RetryPolicy{
		MaxAttempts:     lc.MaxAttempts,
		InitialInterval: lc.RetryBase(),
		MaxInterval:     lc.RetryMax(),
		CallTimeout:     lc.CallTimeout(),
	}, log)
	return nil
}

func (e *Engine) buildNotifier(opts Options, log zerolog.Logger) error {
	nc := e.cfg.NotificationConfig
	sink := opts.Sink
	if sink == nil {
		var sinks []notifier.Sink
		if nc.EmailEnabled() {
			email, err := notifier.NewEmailSink(notifier.SMTPConfig{
				Host:     nc.SMTPHost,
				Port:     nc.SMTPPort,
				Username: nc.SMTPUsername,
				Password: nc.SMTPPassword,
				From:     nc.SMTPFrom,
			}, log)
			if err != nil {
				return fmt.Errorf("configure email sink: %w", err)
			}
			sinks = append(sinks, email)
		}
		if nc.DiscordWebhookURL != "" {
			discord, err := notifier.NewDiscordSink(nc.DiscordWebhookURL, &http.Client{Timeout: nc.SendTimeout()}, log)
			if err != nil {
				return fmt.Errorf("configure discord sink: %w", err)
			}
			sinks = append(sinks, discord)
		}

		switch len(sinks) {
		case 0:
			e.logger.Warn().Msg("No alert sink configured; alerts are only stored")
			sink = notifier.NopSink{}
		case 1:
			sink = sinks[0]
		default:
			sink = notifier.NewMultiSink(log, sinks...)
		}
	}
	e.Dispatcher = notifier.NewDispatcher(sink, nc.SendTimeout(), log)
	return nil
}

// Start reloads monitored files, begins event delivery and reconciliation,
// then opens the admin API.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.Coordinator.Start(runCtx); err != nil {
		cancel()
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Debouncer.Run(runCtx, e.Source.Events())
	}()

	if err := e.Scheduler.Start(runCtx); err != nil {
		cancel()
		e.wg.Wait()
		return fmt.Errorf("start reconciliation: %w", err)
	}

	if e.API != nil {
		if err := e.API.Start(); err != nil {
			e.Scheduler.Stop()
			cancel()
			e.wg.Wait()
			return err
		}
	}

	e.cancel = cancel
	e.started = true
	e.logger.Info().Int("watched_directories", e.Coordinator.Subscriptions()).Msg("Engine started")
	return nil
}

// Stop shuts components down in reverse dependency order and releases
// every resource. It is safe to call on an engine that never started.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	errorCollector := &models.ErrorCollector{}
	if e.started {
		if e.API != nil {
			errorCollector.Add(e.API.Shutdown(ctx))
		}
		e.Scheduler.Stop()
		e.Debouncer.Stop()
		e.cancel()
		e.wg.Wait()
		errorCollector.Add(e.Coordinator.Stop())
		e.Dispatcher.Wait()
		e.started = false
	}
	errorCollector.Add(e.closeAll())

	e.logger.Info().Msg("Engine stopped")
	return errorCollector.Error()
}

func (e *Engine) closeAll() error {
	errorCollector := &models.ErrorCollector{}
	for i := len(e.closers) - 1; i >= 0; i-- {
		errorCollector.Add(e.closers[i]())
	}
	e.closers = nil
	return errorCollector.Error()
}

// ApplyConfig reacts to a hot-reloaded configuration. Only the log level
// takes effect at runtime; other sections need a restart.
func (e *Engine) ApplyConfig(cfg *config.GlobalConfig) {
	if cfg == nil {
		return
	}
	if err := logger.ApplyLevel(cfg.LogConfig.LogLevel); err != nil {
		e.logger.Warn().Err(err).Msg("Ignoring invalid log level from reloaded config")
		return
	}
	e.logger.Info().Str("log_level", cfg.LogConfig.LogLevel).Msg("Configuration reloaded")
}
