// Package config loads and validates the orchestrator configuration
// from the environment and an optional YAML file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ConfigError is a fatal configuration problem detected at startup.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config: %s: %s", e.Key, e.Message)
	}
	return fmt.Sprintf("config: %s", e.Message)
}

func NewConfigError(key, message string) *ConfigError {
	return &ConfigError{Key: key, Message: message}
}

// Config holds all recognized options.
type Config struct {
	// ProviderEndpoints maps provider id to base URL. Sole source of
	// truth for which tool providers exist.
	ProviderEndpoints map[string]string `yaml:"provider_endpoints"`

	MaxRounds            int           `yaml:"max_rounds"`
	ToolCallTimeout      time.Duration `yaml:"tool_call_timeout"`
	ReasoningCallTimeout time.Duration `yaml:"reasoning_call_timeout"`
	TurnTimeout          time.Duration `yaml:"turn_timeout"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`

	// DevMode disables access filtering and token validation.
	DevMode bool `yaml:"dev_mode"`
	// BypassToken skips token validation but keeps access filtering.
	BypassToken bool `yaml:"bypass_token"`

	TenantID string `yaml:"tenant_id"`
	Audience string `yaml:"audience"`

	// Reasoning model endpoint (OpenAI-compatible chat completions).
	ReasoningEndpoint string `yaml:"reasoning_endpoint"`
	ReasoningModel    string `yaml:"reasoning_model"`
	ReasoningAPIKey   string `yaml:"reasoning_api_key"`

	// Server and storage settings.
	Port           int    `yaml:"port"`
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseDSN    string `yaml:"database_dsn"`
	LogLevel       string `yaml:"log_level"`
}

const (
	DefaultMaxRounds              = 5
	DefaultToolCallTimeoutMS      = 30000
	DefaultReasoningCallTimeoutMS = 60000
	DefaultTurnTimeoutMS          = 180000
	DefaultCacheTTLSec            = 300
	DefaultDiscoveryTimeout       = 5 * time.Second
	DefaultPort                   = 8080
)

// Load reads configuration from the environment. Env files are loaded
// first, then an optional YAML file at path (empty path skips it), and
// finally environment variables override file values.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{
		MaxRounds:            DefaultMaxRounds,
		ToolCallTimeout:      DefaultToolCallTimeoutMS * time.Millisecond,
		ReasoningCallTimeout: DefaultReasoningCallTimeoutMS * time.Millisecond,
		TurnTimeout:          DefaultTurnTimeoutMS * time.Millisecond,
		CacheTTL:             DefaultCacheTTLSec * time.Second,
		Port:                 DefaultPort,
		DatabaseDriver:       "sqlite",
		DatabaseDSN:          "./meridian.db",
		LogLevel:             "info",
		ReasoningModel:       "gpt-4o",
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadEnv() error {
	if raw := os.Getenv("PROVIDER_ENDPOINTS"); raw != "" {
		endpoints := make(map[string]string)
		if err := json.Unmarshal([]byte(raw), &endpoints); err != nil {
			return NewConfigError("PROVIDER_ENDPOINTS", fmt.Sprintf("invalid JSON object: %v", err))
		}
		c.ProviderEndpoints = endpoints
	}

	var err error
	if c.MaxRounds, err = intEnv("MAX_ROUNDS", c.MaxRounds); err != nil {
		return err
	}
	if c.ToolCallTimeout, err = millisEnv("TOOL_CALL_TIMEOUT_MS", c.ToolCallTimeout); err != nil {
		return err
	}
	if c.ReasoningCallTimeout, err = millisEnv("REASONING_CALL_TIMEOUT_MS", c.ReasoningCallTimeout); err != nil {
		return err
	}
	if c.TurnTimeout, err = millisEnv("TURN_TIMEOUT_MS", c.TurnTimeout); err != nil {
		return err
	}
	if ttl := os.Getenv("CACHE_TTL_SEC"); ttl != "" {
		sec, err := strconv.Atoi(ttl)
		if err != nil || sec < 0 {
			return NewConfigError("CACHE_TTL_SEC", "must be a non-negative integer")
		}
		c.CacheTTL = time.Duration(sec) * time.Second
	}

	c.DevMode = boolEnv("DEV_MODE", c.DevMode)
	c.BypassToken = boolEnv("BYPASS_TOKEN", c.BypassToken)

	c.TenantID = stringEnv("TENANT_ID", c.TenantID)
	c.Audience = stringEnv("AUDIENCE", c.Audience)

	c.ReasoningEndpoint = stringEnv("REASONING_ENDPOINT", c.ReasoningEndpoint)
	c.ReasoningModel = stringEnv("REASONING_MODEL", c.ReasoningModel)
	c.ReasoningAPIKey = stringEnv("REASONING_API_KEY", c.ReasoningAPIKey)

	if c.Port, err = intEnv("PORT", c.Port); err != nil {
		return err
	}
	c.DatabaseDriver = stringEnv("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseDSN = stringEnv("DATABASE_DSN", c.DatabaseDSN)
	c.LogLevel = stringEnv("LOG_LEVEL", c.LogLevel)

	return nil
}

// Validate checks required settings. Failures here terminate startup.
func (c *Config) Validate() error {
	if len(c.ProviderEndpoints) == 0 {
		return NewConfigError("PROVIDER_ENDPOINTS", "at least one provider endpoint is required")
	}
	for id, url := range c.ProviderEndpoints {
		if id == "" || url == "" {
			return NewConfigError("PROVIDER_ENDPOINTS", "provider ids and URLs must be non-empty")
		}
	}
	if c.MaxRounds < 1 {
		return NewConfigError("MAX_ROUNDS", "must be at least 1")
	}
	if c.ReasoningEndpoint == "" {
		return NewConfigError("REASONING_ENDPOINT", "reasoning model endpoint is required")
	}
	if !c.DevMode && !c.BypassToken && c.TenantID == "" {
		return NewConfigError("TENANT_ID", "required unless DEV_MODE or BYPASS_TOKEN is set")
	}
	switch c.DatabaseDriver {
	case "sqlite", "sqlite3", "postgres", "memory":
	default:
		return NewConfigError("DATABASE_DRIVER", fmt.Sprintf("unsupported driver %q (supported: sqlite, postgres, memory)", c.DatabaseDriver))
	}
	return nil
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, NewConfigError(key, "must be an integer")
	}
	return parsed, nil
}

func millisEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, NewConfigError(key, "must be a positive integer (milliseconds)")
	}
	return time.Duration(ms) * time.Millisecond, nil
}
