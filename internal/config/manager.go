package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc is called with the new configuration after a successful reload.
type ReloadFunc func(cfg *GlobalConfig)

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampOf(path string) (fileStamp, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{size: info.Size(), modTime: info.ModTime()}, true
}

// ConfigManager owns the validated configuration and optionally reloads it
// when the file changes on disk.
type ConfigManager struct {
	path   string
	logger zerolog.Logger
	delay  time.Duration

	mu        sync.RWMutex
	current   *GlobalConfig
	stamp     fileStamp
	listeners []ReloadFunc

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// ConfigManagerOptions holds options for creating a ConfigManager
type ConfigManagerOptions struct {
	Logger           zerolog.Logger
	HotReloadEnabled bool
	// ReloadDelay coalesces bursts of file events into one reload.
	ReloadDelay time.Duration
}

// DefaultConfigManagerOptions returns default options for ConfigManager
func DefaultConfigManagerOptions() ConfigManagerOptions {
	return ConfigManagerOptions{
		Logger:      zerolog.Nop(),
		ReloadDelay: 2 * time.Second,
	}
}

// NewConfigManager loads and validates the configuration at configPath.
// A failed watcher setup downgrades to a manager without hot reload.
func NewConfigManager(configPath string, opts ConfigManagerOptions) (*ConfigManager, error) {
	resolved := GetConfigPath(configPath)
	if configPath != "" && resolved == "" {
		return nil, fmt.Errorf("config file '%s' does not exist", configPath)
	}

	cm := &ConfigManager{
		path:   resolved,
		logger: opts.Logger.With().Str("component", "ConfigManager").Logger(),
		delay:  opts.ReloadDelay,
		done:   make(chan struct{}),
	}
	if cm.delay <= 0 {
		cm.delay = DefaultConfigManagerOptions().ReloadDelay
	}

	cfg, stamp, err := cm.read()
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}
	cm.current, cm.stamp = cfg, stamp

	if opts.HotReloadEnabled && resolved != "" {
		if cm.watcher, err = watchDir(filepath.Dir(resolved)); err != nil {
			cm.logger.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}
	return cm, nil
}

func watchDir(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// The directory, not the file, so editors that save by rename are seen.
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch config directory '%s': %w", dir, err)
	}
	return w, nil
}

// read loads and validates the file without touching manager state.
func (cm *ConfigManager) read() (*GlobalConfig, fileStamp, error) {
	cfg, err := LoadGlobalConfig(cm.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fileStamp{}, err
	}
	stamp, _ := stampOf(cm.path)
	return cfg, stamp, nil
}

// GetConfig returns a copy of the current configuration.
func (cm *ConfigManager) GetConfig() *GlobalConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg := *cm.current
	return &cfg
}

// GetConfigPath returns the resolved configuration file path, empty when defaults are used
func (cm *ConfigManager) GetConfigPath() string {
	return cm.path
}

// OnReload registers fn to run after every successful reload.
func (cm *ConfigManager) OnReload(fn ReloadFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, fn)
}

// ReloadConfig re-reads the file. On failure the previous configuration
// stays in effect and listeners are not called.
func (cm *ConfigManager) ReloadConfig() error {
	cfg, stamp, err := cm.read()
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.current, cm.stamp = cfg, stamp
	listeners := append([]ReloadFunc(nil), cm.listeners...)
	cm.mu.Unlock()

	cm.logger.Info().Str("path", cm.path).Msg("Configuration reloaded")
	for _, fn := range listeners {
		snapshot := *cfg
		fn(&snapshot)
	}
	return nil
}

// IsHotReloadEnabled reports whether file changes trigger reloads.
func (cm *ConfigManager) IsHotReloadEnabled() bool {
	return cm.watcher != nil
}

// StartHotReload watches for changes until ctx ends or Close is called.
func (cm *ConfigManager) StartHotReload(ctx context.Context) {
	if cm.watcher == nil {
		return
	}
	go cm.watch(ctx)
}

// Close stops hot reload and releases the watcher.
func (cm *ConfigManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)
		if cm.watcher != nil {
			err = cm.watcher.Close()
		}
	})
	return err
}

func (cm *ConfigManager) watch(ctx context.Context) {
	settle := time.NewTimer(cm.delay)
	settle.Stop()
	defer settle.Stop()

	target := filepath.Clean(cm.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.done:
			return
		case ev, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				settle.Reset(cm.delay)
			}
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Warn().Err(err).Msg("Config watcher error")
		case <-settle.C:
			cm.reloadIfChanged()
		}
	}
}

func (cm *ConfigManager) reloadIfChanged() {
	stamp, ok := stampOf(cm.path)
	if !ok {
		return
	}
	cm.mu.RLock()
	unchanged := stamp.size == cm.stamp.size && stamp.modTime.Equal(cm.stamp.modTime)
	cm.mu.RUnlock()
	if unchanged {
		return
	}
	if err := cm.ReloadConfig(); err != nil {
		cm.logger.Error().Err(err).Str("path", cm.path).Msg("Config reload failed, keeping previous values")
	}
}
