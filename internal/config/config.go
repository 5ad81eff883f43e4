package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Locate    LocateConfig    `yaml:"locate" mapstructure:"locate"`
	Registry  RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings for the inference gateway.
type AnthropicConfig struct {
	Key             string  `yaml:"key" mapstructure:"key"`
	Model           string  `yaml:"model" mapstructure:"model"`
	MaxOutputTokens int64   `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature" mapstructure:"temperature"`
	RequestsPerMin  int     `yaml:"requests_per_min" mapstructure:"requests_per_min"`
}

// SessionConfig configures document chunking and the session loop.
type SessionConfig struct {
	ChunkSize              int `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
	ChunkRetryAttempts     int `yaml:"chunk_retry_attempts" mapstructure:"chunk_retry_attempts"`
}

// LocateConfig configures text-marker coordinate resolution.
type LocateConfig struct {
	FuzzyThreshold  float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	ContextWindowPx float64 `yaml:"context_window_px" mapstructure:"context_window_px"`
	MinTextHeightPx float64 `yaml:"min_text_height_px" mapstructure:"min_text_height_px"`
	MaxTextHeightPx float64 `yaml:"max_text_height_px" mapstructure:"max_text_height_px"`
}

// RegistryConfig configures the encounter-type registry.
type RegistryConfig struct {
	// Path optionally points at a YAML definitions file; empty uses the
	// embedded default set.
	Path string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHARTPARSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "chartparse.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_output_tokens", 8192)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("anthropic.requests_per_min", 50)
	v.SetDefault("session.chunk_size", 50)
	v.SetDefault("session.max_concurrent_documents", 5)
	v.SetDefault("session.chunk_retry_attempts", 3)
	v.SetDefault("locate.fuzzy_threshold", 0.85)
	v.SetDefault("locate.context_window_px", 100)
	v.SetDefault("locate.min_text_height_px", 4)
	v.SetDefault("locate.max_text_height_px", 120)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
