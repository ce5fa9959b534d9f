package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tables   TablesConfig   `yaml:"tables"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Policy   PolicyConfig   `yaml:"policy"`
	Model    ModelConfig    `yaml:"model"`
	Repair   RepairConfig   `yaml:"repair"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// TablesConfig bounds the in-memory store of uploaded CSV tables.
type TablesConfig struct {
	MaxTables      int   `yaml:"max_tables"` // Oldest evicted beyond this
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	SampleRows     int   `yaml:"sample_rows"` // Rows shown by GET /tables/{id}
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend"` // Only "goja" today
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxCallStackSize int           `yaml:"max_call_stack_size"`
	MaxCodeBytes     int           `yaml:"max_code_bytes"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxLogBytes      int           `yaml:"max_log_bytes"`
	MaxResultRows    int           `yaml:"max_result_rows"` // Rows kept when rendering a table result
}

// PolicyConfig selects the static policy. File, when set, is a YAML policy
// overlaid on the built-in defaults; Mode overrides the file's mode.
type PolicyConfig struct {
	File string `yaml:"file"`
	Mode string `yaml:"mode"` // "no_imports" (default) or "allowlist"
}

type ModelConfig struct {
	Provider    string        `yaml:"provider"` // "openai" or "scripted"
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"` // Name of the env var holding the key
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	Replies     []string      `yaml:"replies"` // Scripted provider only
}

// RepairConfig controls the single repair attempt.
type RepairConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetryTimeouts bool `yaml:"retry_timeouts"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNEnv          string        `yaml:"dsn_env"` // Used when DSN is empty
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AuditBuffer     int           `yaml:"audit_buffer"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second, // Two model calls plus two executions
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Tables: TablesConfig{
			MaxTables:      256,
			MaxUploadBytes: 16 << 20,
			SampleRows:     5,
		},
		Sandbox: SandboxConfig{
			Backend:          "goja",
			DefaultTimeout:   6 * time.Second,
			MaxTimeout:       30 * time.Second,
			MaxCallStackSize: 500,
			MaxCodeBytes:     64 * 1024,
			MaxConcurrent:    16,
			MaxLogBytes:      64 * 1024,
			MaxResultRows:    1000,
		},
		Policy: PolicyConfig{
			Mode: "no_imports",
		},
		Model: ModelConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			Temperature: 0,
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
		},
		Repair: RepairConfig{
			Enabled:       true,
			RetryTimeouts: false,
		},
		Database: DatabaseConfig{
			DSN:             "",
			DSNEnv:          "DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AuditBuffer:     10000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Tables.MaxTables < 1 {
		return fmt.Errorf("tables.max_tables must be >= 1")
	}
	if c.Tables.SampleRows < 1 {
		return fmt.Errorf("tables.sample_rows must be >= 1")
	}
	if c.Sandbox.Backend != "" && c.Sandbox.Backend != "goja" {
		return fmt.Errorf("sandbox.backend must be goja, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MaxResultRows < 1 {
		return fmt.Errorf("sandbox.max_result_rows must be >= 1")
	}
	switch c.Policy.Mode {
	case "", "no_imports", "allowlist":
	default:
		return fmt.Errorf("policy.mode must be no_imports or allowlist, got %q", c.Policy.Mode)
	}
	switch c.Model.Provider {
	case "openai":
		if c.Model.Model == "" {
			return fmt.Errorf("model.model is required for the openai provider")
		}
	case "scripted":
		if len(c.Model.Replies) == 0 {
			return fmt.Errorf("model.replies is required for the scripted provider")
		}
	default:
		return fmt.Errorf("model.provider must be openai or scripted, got %q", c.Model.Provider)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature must be 0-2, got %g", c.Model.Temperature)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if dsn := c.DatabaseDSN(); dsn != "" && strings.Contains(dsn, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DatabaseDSN returns the configured DSN, falling back to the environment
// variable named by database.dsn_env.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	if c.Database.DSNEnv != "" {
		return os.Getenv(c.Database.DSNEnv)
	}
	return ""
}

// ModelAPIKey reads the model API key from the environment variable named by
// model.api_key_env.
func (c *Config) ModelAPIKey() string {
	if c.Model.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}

// LogLevel returns the parsed logging level, info when unset.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
