// ABOUTME: Configuration loading and parsing for ragchat-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, environment variable expansion and durations

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// MinProductionSecretLength is enforced on auth.jwt_secret when environment is "production".
const MinProductionSecretLength = 32

// Config represents the complete ragchat-gateway configuration
type Config struct {
	Environment string          `yaml:"environment" toml:"environment"`
	Server      ServerConfig    `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig  `yaml:"database" toml:"database"`
	Auth        AuthConfig      `yaml:"auth" toml:"auth"`
	Sessions    SessionsConfig  `yaml:"sessions" toml:"sessions"`
	RAG         RAGConfig       `yaml:"rag" toml:"rag"`
	Logging     LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	CORSOrigins     []string      `yaml:"cors_origins" toml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve TLS using the tailnet certificate
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig selects and configures the document store backend
type DatabaseConfig struct {
	Driver string      `yaml:"driver" toml:"driver"`
	Path   string      `yaml:"path" toml:"path"`
	Mongo  MongoConfig `yaml:"mongo" toml:"mongo"`
}

// MongoConfig holds MongoDB connection settings
type MongoConfig struct {
	URI            string        `yaml:"uri" toml:"uri"`
	Database       string        `yaml:"database" toml:"database"`
	Transactions   bool          `yaml:"transactions" toml:"transactions"`
	ConnectTimeout time.Duration `yaml:"-" toml:"-"`

	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL          time.Duration `yaml:"-" toml:"-"`
	BcryptCost        int           `yaml:"bcrypt_cost" toml:"bcrypt_cost"`
	MinPasswordLength int           `yaml:"min_password_length" toml:"min_password_length"`
	CookieSecure      bool          `yaml:"cookie_secure" toml:"cookie_secure"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// SessionsConfig holds listing and history limits
type SessionsConfig struct {
	ListLimit      int           `yaml:"list_limit" toml:"list_limit"`
	MessageLimit   int           `yaml:"message_limit" toml:"message_limit"`
	HistoryLimit   int           `yaml:"history_limit" toml:"history_limit"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`

	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// RAGConfig points at the answer engine
type RAGConfig struct {
	Endpoint string        `yaml:"endpoint" toml:"endpoint"`
	APIKey   string        `yaml:"api_key" toml:"api_key"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadEnvFile loads KEY=value pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	// Browsers on the local dev frontend need CORS; production must list origins explicitly
	if c.Server.CORSOrigins == nil && !c.IsProduction() {
		c.Server.CORSOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Mongo.Database == "" {
		c.Database.Mongo.Database = "ragchat"
	}
	if c.Database.Mongo.ConnectTimeout == 0 {
		c.Database.Mongo.ConnectTimeout = 10 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 168 * time.Hour
	}
	if c.Auth.MinPasswordLength == 0 {
		c.Auth.MinPasswordLength = 8
	}
	if c.Sessions.ListLimit == 0 {
		c.Sessions.ListLimit = 10
	}
	if c.Sessions.MessageLimit == 0 {
		c.Sessions.MessageLimit = 50
	}
	if c.Sessions.HistoryLimit == 0 {
		c.Sessions.HistoryLimit = 50
	}
	if c.Sessions.IdempotencyTTL == 0 {
		c.Sessions.IdempotencyTTL = 5 * time.Minute
	}
	if c.RAG.Timeout == 0 {
		c.RAG.Timeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// IsProduction reports whether the gateway runs with production hardening.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverMongo:
		if c.Database.Mongo.URI == "" {
			return fmt.Errorf("database.mongo.uri is required for the mongo driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be one of sqlite, mongo, memory (got %q)", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.IsProduction() && len(c.Auth.JWTSecret) < MinProductionSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes in production", MinProductionSecretLength)
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Auth.MinPasswordLength < 1 {
		return fmt.Errorf("auth.min_password_length must be positive")
	}
	if c.Sessions.ListLimit < 0 || c.Sessions.MessageLimit < 0 || c.Sessions.HistoryLimit < 0 {
		return fmt.Errorf("sessions limits must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"database.mongo.connect_timeout", cfg.Database.Mongo.ConnectTimeoutRaw, &cfg.Database.Mongo.ConnectTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"sessions.idempotency_ttl", cfg.Sessions.IdempotencyTTLRaw, &cfg.Sessions.IdempotencyTTL},
		{"rag.timeout", cfg.RAG.TimeoutRaw, &cfg.RAG.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
