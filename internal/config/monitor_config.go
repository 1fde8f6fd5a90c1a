package config

import "time"

// MonitorConfig defines how filesystem notifications are ingested
type MonitorConfig struct {
	DebounceWindowMillis int  `json:"debounce_window_millis,omitempty" yaml:"debounce_window_millis,omitempty" validate:"min=1"`
	DigestChunkSize      int  `json:"digest_chunk_size,omitempty" yaml:"digest_chunk_size,omitempty" validate:"min=1"`
	EventBufferSize      int  `json:"event_buffer_size,omitempty" yaml:"event_buffer_size,omitempty" validate:"min=1"`
	HotReloadConfig      bool `json:"hot_reload_config" yaml:"hot_reload_config"`
}

// NewDefaultMonitorConfig creates default monitor configuration
func NewDefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		DebounceWindowMillis: DefaultDebounceWindowMillis,
		DigestChunkSize:      DefaultDigestChunkSize,
		EventBufferSize:      DefaultEventBufferSize,
		HotReloadConfig:      false,
	}
}

// DebounceWindow returns the coalescing window as a duration.
func (c MonitorConfig) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceWindowMillis) * time.Millisecond
}
