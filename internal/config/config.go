// Package config provides the configuration structure for the storybook-service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/core"
)

const (
	defaultCommandSubject = "storybook.commands"
	defaultAssetBucket    = "STORYBOOK_ASSETS"
	defaultAPIKeyEnv      = "GEMINI_API_KEY"
	defaultFetchTimeout   = 120
	defaultAssetTTLHours  = 24
	defaultLogsDir        = "logs"
)

var (
	// ErrNATSURLEmpty indicates that no NATS server URL was configured.
	ErrNATSURLEmpty = errors.New("nats url cannot be empty")
	// ErrNegativeTimeout indicates a negative timeout value.
	ErrNegativeTimeout = errors.New("timeout must be non-negative")
	// ErrNegativeSpeed indicates a negative narration speed.
	ErrNegativeSpeed = errors.New("narration speed must be non-negative")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL              string `toml:"url"`
	CommandSubject   string `toml:"command_subject"`
	AssetBucket      string `toml:"asset_bucket"`
	AssetTTLHours    int    `toml:"asset_ttl_hours"`
	InlineAssets     bool   `toml:"inline_assets"`
	RecordNarrations bool   `toml:"record_narrations"`
}

// GeminiConfig holds the asset provider configuration.
type GeminiConfig struct {
	APIKeyEnv     string `toml:"api_key_env"`
	APIKeyFile    string `toml:"api_key_file"`
	StoryModel    string `toml:"story_model"`
	ImageModel    string `toml:"image_model"`
	ProImageModel string `toml:"pro_image_model"`
	SpeechModel   string `toml:"speech_model"`
	ChatModel     string `toml:"chat_model"`
	Voice         string `toml:"voice"`
	AspectRatio   string `toml:"aspect_ratio"`
}

// StorybookConfig holds reading-session settings.
type StorybookConfig struct {
	DefaultQuality      string  `toml:"default_quality"`
	FetchTimeoutSeconds int     `toml:"fetch_timeout_seconds"`
	NarrationSpeed      float64 `toml:"narration_speed"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Gemini    GeminiConfig    `toml:"gemini"`
	Storybook StorybookConfig `toml:"storybook"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the storybook-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in optional settings left empty.
func (c *Config) ApplyDefaults() {
	if c.NATS.CommandSubject == "" {
		c.NATS.CommandSubject = defaultCommandSubject
	}

	if c.NATS.AssetBucket == "" {
		c.NATS.AssetBucket = defaultAssetBucket
	}

	if c.NATS.AssetTTLHours == 0 {
		c.NATS.AssetTTLHours = defaultAssetTTLHours
	}

	if c.Gemini.APIKeyEnv == "" {
		c.Gemini.APIKeyEnv = defaultAPIKeyEnv
	}

	if c.Storybook.DefaultQuality == "" {
		c.Storybook.DefaultQuality = core.QualityLow.String()
	}

	if c.Storybook.FetchTimeoutSeconds == 0 {
		c.Storybook.FetchTimeoutSeconds = defaultFetchTimeout
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = defaultLogsDir
	}
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return ErrNATSURLEmpty
	}

	if c.NATS.AssetTTLHours < 0 || c.Storybook.FetchTimeoutSeconds < 0 {
		return ErrNegativeTimeout
	}

	if c.Storybook.NarrationSpeed < 0 {
		return fmt.Errorf("%w: got %f", ErrNegativeSpeed, c.Storybook.NarrationSpeed)
	}

	_, err := c.DefaultTier()

	return err
}

// DefaultTier parses the default illustration quality.
func (c *Config) DefaultTier() (core.QualityTier, error) {
	return core.ParseQualityTier(c.Storybook.DefaultQuality)
}

// FetchTimeout returns the per-illustration fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Storybook.FetchTimeoutSeconds) * time.Second
}

// AssetTTL returns how long stored assets are kept.
func (c *Config) AssetTTL() time.Duration {
	return time.Duration(c.NATS.AssetTTLHours) * time.Hour
}
