// Package config loads the assistant configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calunsford/sidenote/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBaseURL            = "https://openrouter.ai/api/v1"
	DefaultModel              = "moonshotai/kimi-k2-thinking"
	DefaultMaxRounds          = 8
	DefaultPollTick           = 50 * time.Millisecond
	DefaultToolTimeout        = 30 * time.Second
	DefaultEventBuffer        = 64
	DefaultContextTokenBudget = 2000
	DefaultListenerBind       = "127.0.0.1:4517"
	DefaultLogLevel           = "info"
)

// APIKeyEnvVar is the environment variable consulted when the config file
// does not carry an API key. Keeping secrets out of the file is the
// recommended setup.
const APIKeyEnvVar = "SIDENOTE_API_KEY"

// Config represents the complete configuration
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Engine   EngineConfig   `yaml:"engine"`
	Listener ListenerConfig `yaml:"listener"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProviderConfig selects and authenticates the model service
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	NetworkLogs    bool   `yaml:"network_logs"`
}

// EngineConfig tunes the orchestration loop
type EngineConfig struct {
	// MaxRounds bounds the number of model exchanges within one turn.
	MaxRounds int `yaml:"max_rounds"`
	// PollTickMS is the bounded wait on the event channel before the
	// loop yields control back to the host.
	PollTickMS int `yaml:"poll_tick_ms"`
	// ToolTimeoutSeconds wraps each async tool execution.
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds"`
	// EventBuffer is the capacity of the worker's event channel.
	EventBuffer int `yaml:"event_buffer"`
	// LazyToolProbe sends the first round of a turn with no tools
	// advertised, retrying with the core set if the model wanted one.
	LazyToolProbe bool `yaml:"lazy_tool_probe"`
	// ContextTokenBudget caps the per-turn document context message.
	ContextTokenBudget int `yaml:"context_token_budget"`
}

// ListenerConfig configures the local HTTP listener that feeds the
// cross-cutting dispatch queue.
type ListenerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:        DefaultBaseURL,
			Model:          DefaultModel,
			TimeoutSeconds: 300,
		},
		Engine: EngineConfig{
			MaxRounds:          DefaultMaxRounds,
			PollTickMS:         int(DefaultPollTick / time.Millisecond),
			ToolTimeoutSeconds: int(DefaultToolTimeout / time.Second),
			EventBuffer:        DefaultEventBuffer,
			LazyToolProbe:      true,
			ContextTokenBudget: DefaultContextTokenBudget,
		},
		Listener: ListenerConfig{
			Enabled: true,
			Bind:    DefaultListenerBind,
		},
		Logging: LoggingConfig{
			Dir:   defaultLogDir(),
			Level: DefaultLogLevel,
		},
	}
}

// Load reads the config file at path, applies defaults for unset fields,
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "reading config file").
					WithContext("path", path)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "parsing config file").
				WithContext("path", path)
		}
	}

	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv(APIKeyEnvVar)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultBaseURL
	}
	if c.Provider.Model == "" {
		c.Provider.Model = DefaultModel
	}
	if c.Provider.TimeoutSeconds <= 0 {
		c.Provider.TimeoutSeconds = 300
	}
	if c.Engine.MaxRounds <= 0 {
		c.Engine.MaxRounds = DefaultMaxRounds
	}
	if c.Engine.PollTickMS <= 0 {
		c.Engine.PollTickMS = int(DefaultPollTick / time.Millisecond)
	}
	if c.Engine.ToolTimeoutSeconds <= 0 {
		c.Engine.ToolTimeoutSeconds = int(DefaultToolTimeout / time.Second)
	}
	if c.Engine.EventBuffer <= 0 {
		c.Engine.EventBuffer = DefaultEventBuffer
	}
	if c.Engine.ContextTokenBudget <= 0 {
		c.Engine.ContextTokenBudget = DefaultContextTokenBudget
	}
	if c.Listener.Bind == "" {
		c.Listener.Bind = DefaultListenerBind
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = defaultLogDir()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(errors.ErrCodeConfigInvalid, "invalid log level").
			WithContext("level", c.Logging.Level)
	}
	if c.Engine.MaxRounds > 100 {
		return errors.New(errors.ErrCodeConfigInvalid, "max_rounds unreasonably high").
			WithContext("max_rounds", c.Engine.MaxRounds)
	}
	return nil
}

// PollTick returns the poll tick as a duration.
func (c *Config) PollTick() time.Duration {
	return time.Duration(c.Engine.PollTickMS) * time.Millisecond
}

// ToolTimeout returns the per-tool timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Engine.ToolTimeoutSeconds) * time.Second
}

// ProviderTimeout returns the HTTP client timeout as a duration.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sidenote", "logs")
	}
	return filepath.Join(home, ".sidenote", "logs")
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sidenote", "config.yaml")
}

// Summary returns a single-line description suitable for startup logs.
func (c *Config) Summary() string {
	return fmt.Sprintf("model=%s rounds=%d tick=%s listener=%s",
		c.Provider.Model, c.Engine.MaxRounds, c.PollTick(), c.Listener.Bind)
}
