// Package config handles application configuration from a YAML file with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	DatabasePath     string `yaml:"database_path"`
	LogLevel         string `yaml:"log_level"`

	// HubBase is the base URL scheme-less feed paths are joined against.
	HubBase string `yaml:"hub_base"`
	// HubMirrors are fallback bases tried in order when the primary is
	// unreachable. Conditional-fetch headers are disabled while mirrors
	// are configured, since mirrors do not honor them consistently.
	HubMirrors []string `yaml:"hub_mirrors"`
	// ProxyURL is the outbound proxy used by feeds with the proxy toggle.
	ProxyURL string `yaml:"proxy_url"`

	// BlockWords is the global deny-word list, regex alternation members.
	BlockWords []string `yaml:"block_words"`
	// DedupRetentionDays bounds the content-similarity dedup cache.
	DedupRetentionDays int `yaml:"dedup_retention_days"`
	// BodyLengthLimit truncates rendered body text; 0 disables.
	BodyLengthLimit int `yaml:"body_length_limit"`
	// ImageSizeLimit is the maximum raster image edge in pixels.
	ImageSizeLimit int `yaml:"image_size_limit"`
	// GIFShrinkThresholdKB sends larger animated images through the
	// external shrink service.
	GIFShrinkThresholdKB int `yaml:"gif_shrink_threshold_kb"`
	ImageSavePath        string `yaml:"image_save_path"`
	ImageSaveName        string `yaml:"image_save_name"`

	DeepLKey string `yaml:"deepl_key"`

	// AdminChatID receives operator notifications.
	AdminChatID int64 `yaml:"admin_chat_id"`
}

// Load reads configuration from the YAML file at path, then applies
// defaults and environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("DEEPL_KEY"); v != "" {
		cfg.DeepLKey = v
	}

	if cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("telegram_bot_token is required")
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "./data/feedpush.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HubBase == "" {
		c.HubBase = "https://rsshub.app"
	}
	if c.DedupRetentionDays == 0 {
		c.DedupRetentionDays = 10
	}
	if c.BodyLengthLimit == 0 {
		c.BodyLengthLimit = 256
	}
	if c.ImageSizeLimit == 0 {
		c.ImageSizeLimit = 2048
	}
	if c.GIFShrinkThresholdKB == 0 {
		c.GIFShrinkThresholdKB = 6 * 1024
	}
	if c.ImageSaveName == "" {
		c.ImageSaveName = "{subs}/{name}{ext}"
	}
	if c.ImageSavePath == "" {
		c.ImageSavePath = "./data/images"
	}
}
