// Package config handles loading, validating, and writing the socledger
// configuration from ~/.socledger/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Entry store (SQLite file or PostgreSQL DSN)
//   - Where the details encryption key and JWT secret come from
//   - Access rule file, evaluation time zone, and hot reload
//   - Identity resolution (user directory file, admin API)
//   - Audit writer queue and retry bounds
//
// Secrets are never stored in the file; it only names the environment
// variables that hold them.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // access.timezone must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"

	"github.com/socledger/socledger/internal/envelope"
)

// Config is the top-level socledger configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Access   AccessConfig   `yaml:"access"`
	Auth     AuthConfig     `yaml:"auth"`
	Identity IdentityConfig `yaml:"identity"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig defines where the HTTP API listens.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects the entry store. Driver is "sqlite" (Path) or
// "postgres" (DSN, with ${VAR} references expanded from the environment).
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn,omitempty"`
}

// CryptoConfig names the environment variable holding the hex AES-256 key.
type CryptoConfig struct {
	KeyEnv string `yaml:"key_env"`
}

// AccessConfig controls the temporal access gate.
type AccessConfig struct {
	RulesPath string `yaml:"rules_path"`
	Timezone  string `yaml:"timezone,omitempty"` // IANA name; empty = server local time
	Watch     bool   `yaml:"watch"`
}

// Location returns the time zone rules are evaluated in.
func (a AccessConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("access.timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer,omitempty"`
}

// IdentityConfig controls user id → display name resolution.
type IdentityConfig struct {
	Directory     string `yaml:"directory"`
	AdminURL      string `yaml:"admin_url,omitempty"`
	ServiceKeyEnv string `yaml:"service_key_env"`
}

// AuditConfig bounds the audit writer.
type AuditConfig struct {
	QueueSize        int `yaml:"queue_size"`
	MaxAppendRetries int `yaml:"max_append_retries"`
}

// ConfigurationError reports a missing or invalid setting that prevents
// startup.
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Relative file paths in the config are resolved against the directory
// containing path.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Expand first so an unset ${VAR} leaves an empty, rejected DSN.
	cfg.Store.DSN = os.ExpandEnv(cfg.Store.DSN)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `socledger config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# socledger configuration
#
# server:
#   host/port: HTTP API bind address (default 127.0.0.1:4100)
#
# store:
#   driver: sqlite (default) or postgres
#   path: SQLite file, relative to this directory
#   dsn: PostgreSQL connection string; ${VAR} is expanded from the environment
#
# crypto:
#   key_env: environment variable holding the 64-char hex AES-256 key
#
# access:
#   rules_path: role/time rule table (built-in table if the file is missing)
#   timezone: IANA zone for rule windows (empty = server local time)
#   watch: reload the rule table when the file changes
#
# auth:
#   jwt_secret_env: environment variable holding the HS256 token secret
#   issuer: expected "iss" claim (optional)
#
# identity:
#   directory: YAML user directory (users: {<id>: {email: ...}})
#   admin_url: auth platform base URL for admin user lookups (optional)
#   service_key_env: environment variable holding the admin service key
#
# audit:
#   queue_size: pending fire-and-forget records before new ones are dropped
#   max_append_retries: re-attempts when another writer extends the chain first

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// SecretKey reads the details encryption key named by crypto.key_env.
// A missing, non-hex, or wrong-length key is a *ConfigurationError.
func SecretKey(cfg *Config) ([]byte, error) {
	name := cfg.Crypto.KeyEnv
	raw := os.Getenv(name)
	if raw == "" {
		return nil, &ConfigurationError{Field: "crypto.key_env", Msg: fmt.Sprintf("environment variable %s is not set", name)}
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, &ConfigurationError{Field: "crypto.key_env", Msg: fmt.Sprintf("%s is not valid hex", name), Err: err}
	}
	if len(key) != envelope.KeySize {
		return nil, &ConfigurationError{
			Field: "crypto.key_env",
			Msg:   fmt.Sprintf("%s decodes to %d bytes, want %d", name, len(key), envelope.KeySize),
		}
	}
	return key, nil
}

// JWTSecret reads the token verification secret named by auth.jwt_secret_env.
func JWTSecret(cfg *Config) ([]byte, error) {
	name := cfg.Auth.JWTSecretEnv
	raw := os.Getenv(name)
	if raw == "" {
		return nil, &ConfigurationError{Field: "auth.jwt_secret_env", Msg: fmt.Sprintf("environment variable %s is not set", name)}
	}
	return []byte(raw), nil
}

// ServiceKey returns the admin API service key, or "" when unset.
func ServiceKey(cfg *Config) string {
	return os.Getenv(cfg.Identity.ServiceKeyEnv)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "audit.db",
		},
		Crypto: CryptoConfig{
			KeyEnv: "AES_SECRET_KEY",
		},
		Access: AccessConfig{
			RulesPath: "access_rules.yaml",
		},
		Auth: AuthConfig{
			JWTSecretEnv: "SUPABASE_JWT_SECRET",
		},
		Identity: IdentityConfig{
			Directory:     "users.yaml",
			ServiceKeyEnv: "SUPABASE_SERVICE_ROLE_KEY",
		},
		Audit: AuditConfig{
			QueueSize:        256,
			MaxAppendRetries: 5,
		},
	}
}

// resolvePaths makes relative file settings relative to dir.
func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{&c.Store.Path, &c.Access.RulesPath, &c.Identity.Directory} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return &ConfigurationError{Field: "store.dsn", Msg: "required for the postgres driver (check that its environment variables are set)"}
		}
	default:
		return fmt.Errorf("store.driver %q unsupported (use sqlite or postgres)", cfg.Store.Driver)
	}

	if cfg.Crypto.KeyEnv == "" {
		return fmt.Errorf("crypto.key_env must not be empty")
	}
	if cfg.Auth.JWTSecretEnv == "" {
		return fmt.Errorf("auth.jwt_secret_env must not be empty")
	}
	if cfg.Access.RulesPath == "" {
		return fmt.Errorf("access.rules_path must not be empty")
	}
	if _, err := cfg.Access.Location(); err != nil {
		return err
	}

	if cfg.Audit.QueueSize < 1 {
		return fmt.Errorf("audit.queue_size must be positive")
	}
	if cfg.Audit.MaxAppendRetries < 0 {
		return fmt.Errorf("audit.max_append_retries must be non-negative")
	}

	return nil
}
