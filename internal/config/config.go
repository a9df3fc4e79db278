// Package config provides configuration structures and loading logic for tracelog.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the root configuration structure.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Store    StoreConfig    `mapstructure:"store"`
	IDs      IDsConfig      `mapstructure:"ids"`
	Query    QueryConfig    `mapstructure:"query"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Sinks    SinksConfig    `mapstructure:"sinks"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	LLM      LLMConfig      `mapstructure:"llm"`
}

// AppConfig defines application-level settings such as host and port.
type AppConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Addr returns host:port.
func (c AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	Path       string `mapstructure:"path"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// IDsConfig selects the identifier scheme.
type IDsConfig struct {
	Kind string `mapstructure:"kind"`
}

// QueryConfig bounds dashboard listings.
type QueryConfig struct {
	DefaultLimit      int `mapstructure:"default_limit"`
	DefaultTraceLimit int `mapstructure:"default_trace_limit"`
	MaxLimit          int `mapstructure:"max_limit"`
}

// RecorderConfig tunes the write path.
type RecorderConfig struct {
	WriteTimeout string `mapstructure:"write_timeout"`
}

// GetWriteTimeoutDuration parses the per-write timeout. Zero disables it.
func (c *RecorderConfig) GetWriteTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.WriteTimeout)
	return d
}

// SinksConfig lists the secondary outputs records are mirrored to.
type SinksConfig struct {
	Console ConsoleSinkConfig `mapstructure:"console"`
	Loki    LokiSinkConfig    `mapstructure:"loki"`
	Slack   SlackSinkConfig   `mapstructure:"slack"`
}

// ConsoleSinkConfig mirrors records to the process log.
type ConsoleSinkConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LokiSinkConfig defines the Grafana Loki push target.
type LokiSinkConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Timeout string            `mapstructure:"timeout"`
	Buffer  int               `mapstructure:"buffer"`
	Labels  map[string]string `mapstructure:"labels"`
}

// GetTimeoutDuration parses the configured string timeout into a time.Duration.
func (c *LokiSinkConfig) GetTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	if d == 0 {
		return 10 * time.Second
	}
	return d
}

// SlackSinkConfig defines settings for the Slack incoming webhook integration.
type SlackSinkConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	WebhookURLEnv string `mapstructure:"webhook_url_env"`
	WebhookURL    string `mapstructure:"-"`
	MinLevel      string `mapstructure:"min_level"`
	PerMinute     int    `mapstructure:"per_minute"`
	Buffer        int    `mapstructure:"buffer"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// LLMConfig defines the selected Language Model provider and its operational parameters.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	BaseURL     string  `mapstructure:"base_url"`
	OllamaURL   string  `mapstructure:"ollama_url"`
	OllamaModel string  `mapstructure:"ollama_model"`
	APIKeyEnv   string  `mapstructure:"api_key_env"`
	APIKey      string  `mapstructure:"-"`
}

// ProviderType returns the LLM provider type
func (c *LLMConfig) ProviderType() string {
	return strings.ToLower(c.Provider)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "text")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./data/tracelog.db")
	v.SetDefault("store.sync_writes", false)
	v.SetDefault("ids.kind", "ulid")
	v.SetDefault("query.default_limit", 100)
	v.SetDefault("query.default_trace_limit", 50)
	v.SetDefault("query.max_limit", 1000)
	v.SetDefault("recorder.write_timeout", "5s")
	v.SetDefault("sinks.console.enabled", true)
	v.SetDefault("sinks.loki.enabled", false)
	v.SetDefault("sinks.loki.url", "http://localhost:3100")
	v.SetDefault("sinks.loki.timeout", "10s")
	v.SetDefault("sinks.loki.buffer", 1024)
	v.SetDefault("sinks.loki.labels", map[string]string{"service": "tracelog"})
	v.SetDefault("sinks.slack.enabled", false)
	v.SetDefault("sinks.slack.webhook_url_env", "SLACK_WEBHOOK_URL")
	v.SetDefault("sinks.slack.min_level", "error")
	v.SetDefault("sinks.slack.per_minute", 10)
	v.SetDefault("sinks.slack.buffer", 64)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "tracelog")
	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.ollama_url", "http://localhost:11434")
	v.SetDefault("llm.ollama_model", "llama3")
	v.SetDefault("llm.api_key_env", "")
}

// Load loads configuration from config.yaml or environment variables.
// A non-empty file replaces the search path.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tracelog")
	}

	// Allow environment variables to override config
	v.SetEnvPrefix("TRACELOG")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Sinks.Slack.WebhookURLEnv != "" {
		cfg.Sinks.Slack.WebhookURL = os.Getenv(cfg.Sinks.Slack.WebhookURLEnv)
	}

	switch cfg.LLM.ProviderType() {
	case "", "ollama":
	default:
		apiKeyEnv := cfg.LLM.APIKeyEnv
		if apiKeyEnv == "" {
			apiKeyEnv = "OPENAI_API_KEY"
			if cfg.LLM.ProviderType() == "anthropic" {
				apiKeyEnv = "ANTHROPIC_API_KEY"
			}
		}
		cfg.LLM.APIKey = os.Getenv(apiKeyEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "badger", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
	}
	switch c.App.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.App.LogFormat)
	}
	if c.Query.MaxLimit < c.Query.DefaultLimit || c.Query.MaxLimit < c.Query.DefaultTraceLimit {
		return fmt.Errorf("query.max_limit %d is below a default limit", c.Query.MaxLimit)
	}
	if _, err := time.ParseDuration(c.Recorder.WriteTimeout); c.Recorder.WriteTimeout != "" && err != nil {
		return fmt.Errorf("recorder.write_timeout: %w", err)
	}
	return nil
}
