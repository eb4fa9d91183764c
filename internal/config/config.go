// Package config loads the slotd configuration from defaults, an optional
// YAML file, and SLOTD_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the fully resolved application configuration.
type Config struct {
	Server       ServerConfig   `mapstructure:"server"`
	Slots        SlotsConfig    `mapstructure:"slots"`
	Data         DataConfig     `mapstructure:"data"`
	Logs         LogsConfig     `mapstructure:"logs"`
	Logging      LoggingConfig  `mapstructure:"logging"`
	Metrics      MetricsConfig  `mapstructure:"metrics"`
	Notify       NotifyConfig   `mapstructure:"notify"`
	DashboardURL string         `mapstructure:"dashboard_url"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SlotsConfig struct {
	Count int `mapstructure:"count"`
}

type DataConfig struct {
	File string `mapstructure:"file"`
}

type LogsConfig struct {
	Dir string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type NotifyConfig struct {
	// Method selects the enabled channels: "telegram", "webhook", "both",
	// or "none".
	Method   string         `mapstructure:"method"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type WebhookConfig struct {
	URL string `mapstructure:"url"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// ChatIDs routes notifications: owner name -> chat id.
	ChatIDs map[string]string `mapstructure:"chat_ids"`
}

// Methods returns the list of enabled notification methods.
func (n NotifyConfig) Methods() []string {
	switch strings.ToLower(strings.TrimSpace(n.Method)) {
	case "both":
		return []string{"telegram", "webhook"}
	case "none", "":
		return nil
	default:
		return []string{strings.ToLower(strings.TrimSpace(n.Method))}
	}
}

// TelegramEnabled reports whether the telegram channel is configured and
// selected.
func (n NotifyConfig) TelegramEnabled() bool {
	if n.Telegram.Token == "" {
		return false
	}
	for _, m := range n.Methods() {
		if m == "telegram" {
			return true
		}
	}
	return false
}

// WebhookEnabled reports whether the webhook channel is configured and
// selected.
func (n NotifyConfig) WebhookEnabled() bool {
	if n.Webhook.URL == "" {
		return false
	}
	for _, m := range n.Methods() {
		if m == "webhook" {
			return true
		}
	}
	return false
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Slots.Count <= 0 {
		return fmt.Errorf("slots.count must be positive, got %d", c.Slots.Count)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Data.File == "" {
		return fmt.Errorf("data.file must not be empty")
	}
	return nil
}
