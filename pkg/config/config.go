package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "3h" and "30s"
// parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the application configuration
type Config struct {
	// API Keys
	OpenAIKey string `yaml:"openai_key"`

	// Model Configuration
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// Server Configuration
	Server ServerConfig `yaml:"server"`

	// Checkpoint Configuration
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Session Configuration
	Session SessionConfig `yaml:"session"`

	// Rate limiting for model calls, requests per second
	ModelRateLimit float64 `yaml:"model_rate_limit"`
	ModelRateBurst int     `yaml:"model_rate_burst"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// Chat endpoint throttling, requests per second
	ChatRateLimit      float64 `yaml:"chat_rate_limit"`
	ChatRatePerSession float64 `yaml:"chat_rate_per_session"`
	ChatRateBurst      int     `yaml:"chat_rate_burst"`
}

// CheckpointConfig selects and configures the checkpoint backend
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // file, redis

	// File backend
	BaseDir string `yaml:"base_dir"`

	// Redis backend
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// SessionConfig holds session lifecycle configuration
type SessionConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepSchedule string   `yaml:"sweep_schedule"`
}

// LoadConfig loads configuration from a YAML file. An empty path loads
// defaults and environment values only.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Apply defaults
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = Duration(30 * time.Second)
	}
	if cfg.Server.WriteTimeout == 0 {
		// Streaming responses hold the connection open well past a
		// normal request timeout.
		cfg.Server.WriteTimeout = Duration(10 * time.Minute)
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if cfg.Server.ChatRateLimit == 0 {
		cfg.Server.ChatRateLimit = 50
	}
	if cfg.Server.ChatRatePerSession == 0 {
		cfg.Server.ChatRatePerSession = 1
	}
	if cfg.Server.ChatRateBurst == 0 {
		cfg.Server.ChatRateBurst = 5
	}
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "file"
	}
	if cfg.Checkpoint.RedisAddr == "" {
		cfg.Checkpoint.RedisAddr = "localhost:6379"
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = Duration(3 * time.Hour)
	}
	if cfg.Session.SweepSchedule == "" {
		cfg.Session.SweepSchedule = "@every 10m"
	}
	if cfg.ModelRateLimit == 0 {
		cfg.ModelRateLimit = 5
	}
	if cfg.ModelRateBurst == 0 {
		cfg.ModelRateBurst = 10
	}

	// Load secrets from environment if not in config
	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("TUTORGO_REDIS_ADDR"); v != "" {
		cfg.Checkpoint.RedisAddr = v
	}
	if v := os.Getenv("TUTORGO_CHECKPOINT_DIR"); v != "" {
		cfg.Checkpoint.BaseDir = v
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Checkpoint.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}

	if c.Session.TTL < 0 {
		return fmt.Errorf("session ttl must not be negative")
	}

	if c.OpenAIKey == "" {
		return fmt.Errorf("openai_key is required")
	}

	return nil
}
