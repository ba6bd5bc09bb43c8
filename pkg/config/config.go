// Package config loads the runtime configuration from a YAML file with
// environment-variable fallbacks for credentials and endpoint settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// LLM endpoint settings
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// Default sampling parameters
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Rate limiting for LLM calls
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	// Retry policy
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// Agents by name
	Agents map[string]AgentConfig `yaml:"agents"`

	// Bus and runtime settings
	Runtime RuntimeConfig `yaml:"runtime"`

	// Checkpoint persistence
	Persistence PersistenceConfig `yaml:"persistence"`
}

// AgentConfig holds configuration for a single agent.
type AgentConfig struct {
	Name          string  `yaml:"name"`
	Role          string  `yaml:"role"`
	SystemPrompt  string  `yaml:"system_prompt"`
	Model         string  `yaml:"model"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	MaxIterations int     `yaml:"max_iterations"`
	ContextSize   int     `yaml:"context_size"`
}

// RuntimeConfig holds bus and orchestration settings.
type RuntimeConfig struct {
	InboxCapacity  int  `yaml:"inbox_capacity"`
	HistoryLimit   int  `yaml:"history_limit"`
	EnableMetrics  bool `yaml:"enable_metrics"`
	EnableTracing  bool `yaml:"enable_tracing"`
	DebateRounds   int  `yaml:"debate_rounds"`
	ConsensusLimit int  `yaml:"consensus_limit"`
}

// PersistenceConfig selects and configures the checkpoint store.
type PersistenceConfig struct {
	// Store is "memory", "file", or "redis".
	Store string `yaml:"store"`

	// Dir is the checkpoint directory for the file store.
	Dir string `yaml:"dir"`

	// Redis settings for the redis store.
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
}

// Load reads configuration from a YAML file, applies defaults and fills
// credentials from the environment when absent.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// FromEnv builds a configuration purely from environment variables, with
// defaults for everything else.
func FromEnv() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.Runtime.InboxCapacity == 0 {
		c.Runtime.InboxCapacity = 100
	}
	if c.Runtime.HistoryLimit == 0 {
		c.Runtime.HistoryLimit = 1000
	}
	if c.Runtime.DebateRounds == 0 {
		c.Runtime.DebateRounds = 5
	}
	if c.Runtime.ConsensusLimit == 0 {
		c.Runtime.ConsensusLimit = 5
	}
	if c.Persistence.Store == "" {
		c.Persistence.Store = "memory"
	}
}

func (c *Config) applyEnv() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.BaseURL == "" {
		c.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if c.Model == "" {
		c.Model = os.Getenv("OPENAI_MODEL")
	}
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks that required LLM settings are present.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}
