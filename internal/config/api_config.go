package config

import "time"

// APIConfig defines the administrative HTTP surface
type APIConfig struct {
	ListenAddr        string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty" validate:"required,hostname_port"`
	ReadTimeoutSecs   int    `json:"read_timeout_secs,omitempty" yaml:"read_timeout_secs,omitempty" validate:"min=1"`
	WriteTimeoutSecs  int    `json:"write_timeout_secs,omitempty" yaml:"write_timeout_secs,omitempty" validate:"min=1"`
	DefaultAlertLimit int    `json:"default_alert_limit,omitempty" yaml:"default_alert_limit,omitempty" validate:"min=1"`
}

// NewDefaultAPIConfig creates default API configuration
func NewDefaultAPIConfig() APIConfig {
	return APIConfig{
		ListenAddr:        DefaultAPIListenAddr,
		ReadTimeoutSecs:   DefaultAPIReadTimeoutSecs,
		WriteTimeoutSecs:  DefaultAPIWriteTimeoutSecs,
		DefaultAlertLimit: DefaultAPIAlertLimit,
	}
}

// ReadTimeout returns the HTTP server read timeout.
func (c APIConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSecs) * time.Second
}

// WriteTimeout returns the HTTP server write timeout.
func (c APIConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSecs) * time.Second
}
