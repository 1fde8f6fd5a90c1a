package config

import "time"

// NotificationConfig defines configuration for alert delivery
type NotificationConfig struct {
	SMTPHost          string `json:"smtp_host,omitempty" yaml:"smtp_host,omitempty" validate:"omitempty,hostname|ip"`
	SMTPPort          int    `json:"smtp_port,omitempty" yaml:"smtp_port,omitempty" validate:"omitempty,min=1,max=65535"`
	SMTPUsername      string `json:"smtp_username,omitempty" yaml:"smtp_username,omitempty"`
	SMTPPassword      string `json:"smtp_password,omitempty" yaml:"smtp_password,omitempty"`
	SMTPFrom          string `json:"smtp_from,omitempty" yaml:"smtp_from,omitempty" validate:"omitempty,email"`
	DiscordWebhookURL string `json:"discord_webhook_url,omitempty" yaml:"discord_webhook_url,omitempty" validate:"omitempty,url"`
	SendTimeoutSecs   int    `json:"send_timeout_secs,omitempty" yaml:"send_timeout_secs,omitempty" validate:"min=1"`
}

// NewDefaultNotificationConfig creates default notification configuration
func NewDefaultNotificationConfig() NotificationConfig {
	return NotificationConfig{
		SMTPPort:        DefaultSMTPPort,
		SendTimeoutSecs: DefaultSendTimeoutSecs,
	}
}

// EmailEnabled reports whether an SMTP host is configured.
func (c NotificationConfig) EmailEnabled() bool {
	return c.SMTPHost != ""
}

// SendTimeout returns the per-alert delivery budget.
func (c NotificationConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSecs) * time.Second
}
