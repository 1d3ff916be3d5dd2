// Package config handles application configuration via environment variables.
package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/hkdf"

	"github.com/tendant/simple-identity/internal/cookie"
	"github.com/tendant/simple-identity/internal/delegation"
	"github.com/tendant/simple-identity/internal/store"
)

// EnvFileVar names the variable holding the path of the optional .env file.
const EnvFileVar = "IDENTITY_ENV_FILE"

const migrationKeyInfo = "simple-identity temp-refresh-token migration key v1"

// Config holds all configuration for the identity service.
type Config struct {
	// Server settings
	Host string `env:"IDENTITY_HOST" env-default:"0.0.0.0"`
	Port int    `env:"IDENTITY_PORT" env-default:"8080"`

	// Logging
	LogLevel  string `env:"IDENTITY_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"IDENTITY_LOG_FORMAT" env-default:"json"` // json or text

	// Cookie settings. Keys are hex encoded, 32 bytes.
	CookieKey    string `env:"IDENTITY_COOKIE_KEY"`
	MigrationKey string `env:"IDENTITY_MIGRATION_KEY"`
	CookieName   string `env:"IDENTITY_COOKIE_NAME" env-default:"user-identity"`
	CookieSecure bool   `env:"IDENTITY_COOKIE_SECURE" env-default:"true"`
	CookieDomain string `env:"IDENTITY_COOKIE_DOMAIN" env-default:""`

	// Token lifetimes
	RefreshMaxAge        time.Duration `env:"IDENTITY_REFRESH_MAX_AGE" env-default:"720h"` // 30 days
	TempTokenTTL         time.Duration `env:"IDENTITY_TEMP_TOKEN_TTL" env-default:"1h"`
	SessionDelegationTTL time.Duration `env:"IDENTITY_SESSION_DELEGATION_TTL" env-default:"168h"` // 7 days
	ShortDelegationTTL   time.Duration `env:"IDENTITY_SHORT_DELEGATION_TTL" env-default:"5m"`

	// Storage settings
	KVBackend        string `env:"IDENTITY_KV_BACKEND" env-default:"sqlite"`
	SQLitePath       string `env:"IDENTITY_SQLITE_PATH" env-default:"./data/identity.db"`
	BadgerDir        string `env:"IDENTITY_BADGER_DIR" env-default:"./data/badger"`
	FilePath         string `env:"IDENTITY_FILE_PATH" env-default:"./data/kv.json"`
	PostgresDSN      string `env:"IDENTITY_POSTGRES_DSN"`
	PostgresMaxConns int32  `env:"IDENTITY_POSTGRES_MAX_CONNS" env-default:"8"`

	// age identity (AGE-SECRET-KEY-1...). When set, stored secrets are sealed.
	SealIdentity string `env:"IDENTITY_SEAL_IDENTITY"`

	// Rate limiting and lockout
	UpgradeRateLimit   int           `env:"IDENTITY_UPGRADE_RATE_LIMIT" env-default:"10"` // requests per minute
	UpgradeMaxFailures int           `env:"IDENTITY_UPGRADE_MAX_FAILURES" env-default:"5"`
	UpgradeLockout     time.Duration `env:"IDENTITY_UPGRADE_LOCKOUT" env-default:"15m"`

	// CORS
	AllowedOrigins []string `env:"IDENTITY_ALLOWED_ORIGINS" env-separator:","`

	// Provider login, disabled when no JWKS file is configured
	OAuthIssuer   string `env:"IDENTITY_OAUTH_ISSUER"`
	OAuthAudience string `env:"IDENTITY_OAUTH_AUDIENCE"`
	OAuthJWKSFile string `env:"IDENTITY_OAUTH_JWKS_FILE"`

	// Internal fields (not from env)
	CookieKeyGenerated bool `env:"-"` // True if the cookie key was auto-generated
	cookieKey          []byte
	migrationKey       []byte
}

// Load reads the optional .env file, then configuration from environment
// variables. Variables already set in the environment win over the file.
func Load() (*Config, error) {
	envFile := os.Getenv(EnvFileVar)
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.resolveKeys(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveKeys decodes the configured keys, generating the cookie key and
// deriving the migration key when they are not set.
func (c *Config) resolveKeys() error {
	if c.CookieKey == "" {
		key := make([]byte, cookie.KeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate cookie key: %w", err)
		}
		c.CookieKey = hex.EncodeToString(key)
		c.CookieKeyGenerated = true
	}

	key, err := decodeKey("IDENTITY_COOKIE_KEY", c.CookieKey)
	if err != nil {
		return err
	}
	c.cookieKey = key

	if c.MigrationKey == "" {
		c.migrationKey, err = DeriveMigrationKey(c.cookieKey)
		return err
	}
	c.migrationKey, err = decodeKey("IDENTITY_MIGRATION_KEY", c.MigrationKey)
	return err
}

func decodeKey(name, value string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%s must be hex encoded: %w", name, err)
	}
	if len(key) != cookie.KeySize {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", name, cookie.KeySize, len(key))
	}
	return key, nil
}

// DeriveMigrationKey derives the temp refresh token key from the cookie key.
func DeriveMigrationKey(cookieKey []byte) ([]byte, error) {
	key := make([]byte, cookie.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, cookieKey, nil, []byte(migrationKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive migration key: %w", err)
	}
	return key, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("IDENTITY_PORT out of range: %d", c.Port))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("IDENTITY_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	if c.cookieKey != nil && len(c.cookieKey) != cookie.KeySize {
		errs = append(errs, fmt.Errorf("cookie key must be %d bytes", cookie.KeySize))
	}
	if c.migrationKey != nil && len(c.migrationKey) != cookie.KeySize {
		errs = append(errs, fmt.Errorf("migration key must be %d bytes", cookie.KeySize))
	}

	backend := store.Backend(c.KVBackend)
	if !backend.Valid() {
		errs = append(errs, fmt.Errorf("unknown IDENTITY_KV_BACKEND %q", c.KVBackend))
	}
	if backend == store.BackendPostgres && c.PostgresDSN == "" {
		errs = append(errs, errors.New("IDENTITY_POSTGRES_DSN is required for the postgres backend"))
	}

	if c.RefreshMaxAge <= 0 {
		errs = append(errs, errors.New("IDENTITY_REFRESH_MAX_AGE must be positive"))
	}
	if c.TempTokenTTL <= 0 {
		errs = append(errs, errors.New("IDENTITY_TEMP_TOKEN_TTL must be positive"))
	}
	if c.SessionDelegationTTL <= delegation.MinValidity {
		errs = append(errs, fmt.Errorf("IDENTITY_SESSION_DELEGATION_TTL must exceed %s", delegation.MinValidity))
	}
	if c.ShortDelegationTTL <= delegation.MinValidity {
		errs = append(errs, fmt.Errorf("IDENTITY_SHORT_DELEGATION_TTL must exceed %s", delegation.MinValidity))
	}

	if c.UpgradeMaxFailures < 0 || c.UpgradeLockout < 0 {
		errs = append(errs, errors.New("upgrade lockout settings must not be negative"))
	}

	if c.OAuthJWKSFile != "" && (c.OAuthIssuer == "" || c.OAuthAudience == "") {
		errs = append(errs, errors.New("IDENTITY_OAUTH_ISSUER and IDENTITY_OAUTH_AUDIENCE are required with IDENTITY_OAUTH_JWKS_FILE"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the server address in host:port format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CookieKeyBytes returns the decoded cookie MAC key.
func (c *Config) CookieKeyBytes() []byte {
	return c.cookieKey
}

// MigrationKeyBytes returns the decoded temp refresh token key.
func (c *Config) MigrationKeyBytes() []byte {
	return c.migrationKey
}

// ProviderEnabled reports whether provider login is configured.
func (c *Config) ProviderEnabled() bool {
	return c.OAuthJWKSFile != ""
}

// Store returns the KV backend configuration.
func (c *Config) Store() store.Config {
	return store.Config{
		Backend:          store.Backend(c.KVBackend),
		SQLitePath:       c.SQLitePath,
		BadgerDir:        c.BadgerDir,
		FilePath:         c.FilePath,
		PostgresDSN:      c.PostgresDSN,
		PostgresMaxConns: c.PostgresMaxConns,
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
