// Package config provides configuration handling for stepflow.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tcmartin/stepflow/pkg/logging"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Sessions configuration
	Sessions SessionsConfig `json:"sessions" yaml:"sessions"`

	// Providers maps a provider id to its connection settings
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`

	// Flows configuration
	Flows FlowsConfig `json:"flows" yaml:"flows"`

	// Artifacts configuration
	Artifacts ArtifactsConfig `json:"artifacts" yaml:"artifacts"`

	// Auth configuration
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Webhooks receive session events over HTTP
	Webhooks []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`

	// Logging configuration
	Logging logging.LogConfig `json:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host" yaml:"host"`

	// Port to listen on
	Port int `json:"port" yaml:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls" yaml:"tls"`

	// AllowedOrigins for CORS, empty allows any origin
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
}

// SessionsConfig contains session registry settings
type SessionsConfig struct {
	// TTL is how long an idle session is kept
	TTL Duration `json:"ttl" yaml:"ttl"`

	// SweepSchedule is the cron schedule of the eviction sweep
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"`

	// EventBuffer is the capacity of each event stream channel
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`
}

// ProviderConfig contains LLM provider settings
type ProviderConfig struct {
	// Type selects the wire protocol: openai, anthropic or generic
	Type string `json:"type" yaml:"type"`

	// BaseURL overrides the provider endpoint
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Model is the default model for steps that do not name one
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// APIKey is the fallback key used when a request carries none
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// FlowsConfig contains flow definition settings
type FlowsConfig struct {
	// Directory holds additional *.yaml flow definitions
	Directory string `json:"directory" yaml:"directory"`

	// Builtins enables the embedded flow definitions
	Builtins bool `json:"builtins" yaml:"builtins"`
}

// ArtifactsConfig contains settings for the store receiving completed outputs
type ArtifactsConfig struct {
	// Type of store to use
	Type string `json:"type" yaml:"type"` // "memory", "redis", "postgres", "dynamodb"

	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	DynamoDB DynamoDBConfig `json:"dynamodb" yaml:"dynamodb"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Addr      string   `json:"addr" yaml:"addr"`
	Password  string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int      `json:"db" yaml:"db"`
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix"`
	TTL       Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	// DSN overrides the individual connection fields when set
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

// ConnectionString returns the lib/pq connection string
func (p PostgresConfig) ConnectionString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// DynamoDBConfig contains DynamoDB settings
type DynamoDBConfig struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the DynamoDB endpoint (for local development)
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// TablePrefix is the prefix for all tables
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`
}

// AuthConfig contains API authentication settings
type AuthConfig struct {
	// Enabled turns on bearer authentication for the API
	Enabled bool `json:"enabled" yaml:"enabled"`

	// JWTSecret is the secret for signing JWT tokens
	JWTSecret string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`

	// TokenExpiration is the token expiration time in hours
	TokenExpiration int `json:"token_expiration" yaml:"token_expiration"`

	// APITokenHashes are bcrypt hashes of static API tokens
	APITokenHashes []string `json:"api_token_hashes,omitempty" yaml:"api_token_hashes,omitempty"`
}

// WebhookConfig contains configuration for a webhook
type WebhookConfig struct {
	// URL to send the webhook to
	URL string `json:"url" yaml:"url"`

	// Events limits delivery to these event names (flow.completed,
	// flow.failed, flow.waiting, step.completed, step.failed). Empty means all.
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`

	// Flows limits delivery to these flow ids. Empty means all.
	Flows []string `json:"flows,omitempty" yaml:"flows,omitempty"`

	// Headers to include in the request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Secret for signing the webhook payload
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialDelay is the delay before the first retry, doubled after each
	InitialDelay Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`

	// MaxDelay caps the delay between retries
	MaxDelay Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Duration is a time.Duration that reads and writes as "1h30m"
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfig loads the configuration from a JSON or YAML file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Sessions: SessionsConfig{
			TTL:           Duration(time.Hour),
			SweepSchedule: "@every 1m",
			EventBuffer:   64,
		},
		Providers: map[string]ProviderConfig{
			"openai":    {Type: "openai", Model: "gpt-4o-mini"},
			"anthropic": {Type: "anthropic", Model: "claude-3-5-haiku-latest"},
		},
		Flows: FlowsConfig{
			Builtins: true,
		},
		Artifacts: ArtifactsConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "stepflow:artifact:",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "stepflow",
				User:     "stepflow",
				SSLMode:  "disable",
			},
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "stepflow_",
			},
		},
		Auth: AuthConfig{
			TokenExpiration: 24,
		},
		Logging: logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// SaveConfig saves the configuration to a file, YAML or JSON by extension
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are ignored.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays STEPFLOW_* variables and provider keys from the environment
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("STEPFLOW_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("STEPFLOW_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid STEPFLOW_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("STEPFLOW_SESSION_TTL"); v != "" {
		if err := c.Sessions.TTL.parse(v); err != nil {
			return fmt.Errorf("invalid STEPFLOW_SESSION_TTL: %w", err)
		}
	}
	if v := os.Getenv("STEPFLOW_FLOWS_DIR"); v != "" {
		c.Flows.Directory = v
	}
	if v := os.Getenv("STEPFLOW_ARTIFACTS"); v != "" {
		c.Artifacts.Type = v
	}
	if v := os.Getenv("STEPFLOW_REDIS_ADDR"); v != "" {
		c.Artifacts.Redis.Addr = v
	}
	if v := os.Getenv("STEPFLOW_POSTGRES_DSN"); v != "" {
		c.Artifacts.Postgres.DSN = v
	}
	if v := os.Getenv("STEPFLOW_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	for provider, env := range map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	} {
		key := os.Getenv(env)
		if key == "" {
			continue
		}
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		p := c.Providers[provider]
		if p.Type == "" {
			p.Type = provider
		}
		p.APIKey = key
		c.Providers[provider] = p
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.Sessions.EventBuffer < 0 {
		return fmt.Errorf("event buffer must not be negative")
	}
	switch c.Artifacts.Type {
	case "", "memory", "redis", "postgres", "postgresql", "dynamodb":
	default:
		return fmt.Errorf("unsupported artifacts type: %s", c.Artifacts.Type)
	}
	for id, p := range c.Providers {
		switch p.Type {
		case "openai", "anthropic", "generic":
		default:
			return fmt.Errorf("provider %s has unsupported type %q", id, p.Type)
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
		if w.MaxRetries < 0 {
			return fmt.Errorf("webhook %s: max_retries must not be negative", w.URL)
		}
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APITokenHashes) == 0 {
		return fmt.Errorf("auth is enabled but neither jwt_secret nor api_token_hashes is set")
	}
	return nil
}
