package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Mode        string          `toml:"mode"`        // "server", "worker", or "all" (default: all)
	Server      ServerConfig    `toml:"server"`
	Database    DatabaseConfig  `toml:"database"`
	Redis       RedisConfig     `toml:"redis"`
	Frontend    FrontendConfig  `toml:"frontend"`
	Toolkits    ToolkitsConfig  `toml:"toolkits"`
	Auth        AuthConfig      `toml:"auth"`
	Audit       AuditConfig     `toml:"audit"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Workers     WorkersConfig   `toml:"workers"`
	Logging     LoggingConfig   `toml:"logging"`
	Vault       VaultConfig     `toml:"vault"`
	Bootstrap   BootstrapConfig `toml:"bootstrap"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
}

type DatabaseConfig struct {
	URL string `toml:"url"` // postgres://... or sqlite file path
}

type RedisConfig struct {
	URL    string `toml:"url"`
	Prefix string `toml:"prefix"` // Key namespace for all KV state
}

type FrontendConfig struct {
	BaseURL     string   `toml:"base_url"`     // Operator UI origin, used for SSO redirects and health checks
	CORSOrigins []string `toml:"cors_origins"` // Allowed origins; empty allows none beyond same-origin
}

// ToolkitsConfig bounds bundle ingestion and locates bundle storage
type ToolkitsConfig struct {
	StorageDir         string `toml:"storage_dir"`
	UploadMaxBytes     int64  `toml:"upload_max_bytes" validate:"gt=0"`
	BundleMaxBytes     int64  `toml:"bundle_max_bytes" validate:"gt=0"`
	BundleMaxFileBytes int64  `toml:"bundle_max_file_bytes" validate:"gt=0"`
	CatalogURL         string `toml:"catalog_url"` // Compile-time default; system_settings override wins
}

type AuthConfig struct {
	Issuer                 string `toml:"issuer"`
	JWTSecret              string `toml:"jwt_secret"`
	JWTAlgorithm           string `toml:"jwt_algorithm"`
	JWTPrivateKey          string `toml:"jwt_private_key"` // PEM, required for RS*/ES*
	JWTPublicKey           string `toml:"jwt_public_key"`  // PEM, required for RS*/ES*
	AccessTokenTTLSeconds  int    `toml:"access_token_ttl_seconds" validate:"gt=0"`
	RefreshTokenTTLSeconds int    `toml:"refresh_token_ttl_seconds" validate:"gt=0"`
	CookieDomain           string `toml:"cookie_domain"`
	CookieSecure           bool   `toml:"cookie_secure"`
	CookieSameSite         string `toml:"cookie_samesite" validate:"oneof=strict lax none"`
	StateSecret            string `toml:"state_secret"` // Falls back to JWTSecret when empty
	SSOStateTTLSeconds     int    `toml:"sso_state_ttl_seconds" validate:"gt=0"`
	ProvidersJSON          string `toml:"providers_json"` // Inline provider definitions
	ProvidersFile          string `toml:"providers_file"` // Path to JSON or YAML provider definitions
}

type AuditConfig struct {
	RetentionDays int `toml:"retention_days" validate:"gte=1,lte=3650"`
}

type SchedulerConfig struct {
	TickSeconds          int `toml:"tick_seconds" validate:"gt=0"`
	StaleJobGraceSeconds int `toml:"stale_job_grace_seconds" validate:"gt=0"`
}

type WorkersConfig struct {
	Concurrency int    `toml:"concurrency" validate:"gt=0"`
	Queue       string `toml:"queue"` // Broker queue consumed by the worker pool
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

type VaultConfig struct {
	Addr  string `toml:"addr"`
	Token string `toml:"token"`
}

// BootstrapConfig creates the first superuser when none exists
type BootstrapConfig struct {
	AdminUsername string `toml:"admin_username"`
	AdminPassword string `toml:"admin_password"`
	AdminEmail    string `toml:"admin_email"`
}

// Secrets that must never be used as JWT signing keys, even when long enough.
var bannedJWTSecrets = map[string]struct{}{
	"changeme":         {},
	"change-me":        {},
	"secret":           {},
	"dev-secret":       {},
	"please-change-me": {},
}

var supportedJWTAlgorithms = map[string]bool{
	"HS256": true, "HS384": true, "HS512": true,
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}

// NewDefaultConfig creates a configuration with default values.
// Only deployment-facing settings are exposed in toolbox.toml; protocol
// constants (broker task names, key layouts) are fixed in code.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Mode:        "all",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Database: DatabaseConfig{
			URL: "sqlite://./data/toolbox.db",
		},
		Redis: RedisConfig{
			URL:    "redis://localhost:6379/0",
			Prefix: "sretoolbox",
		},
		Frontend: FrontendConfig{
			BaseURL:     "",
			CORSOrigins: []string{},
		},
		Toolkits: ToolkitsConfig{
			StorageDir:         "./data/toolkits",
			UploadMaxBytes:     50 * 1024 * 1024,
			BundleMaxBytes:     100 * 1024 * 1024,
			BundleMaxFileBytes: 25 * 1024 * 1024,
			CatalogURL:         "",
		},
		Auth: AuthConfig{
			Issuer:                 "sre-toolbox",
			JWTAlgorithm:           "HS256",
			AccessTokenTTLSeconds:  900,
			RefreshTokenTTLSeconds: 14 * 24 * 60 * 60,
			CookieSecure:           true,
			CookieSameSite:         "lax",
			SSOStateTTLSeconds:     600,
		},
		Audit: AuditConfig{
			RetentionDays: 90,
		},
		Scheduler: SchedulerConfig{
			TickSeconds:          30,
			StaleJobGraceSeconds: 120,
		},
		Workers: WorkersConfig{
			Concurrency: 4,
			Queue:       "default",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// envValue returns the first non-empty environment value among the
// TOOLBOX_-prefixed name and the bare names, in that order.
func envValue(names ...string) string {
	for _, name := range names {
		if v := os.Getenv("TOOLBOX_" + name); v != "" {
			return v
		}
	}
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func envInt(target *int, names ...string) {
	if v := envValue(names...); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envInt64(target *int64, names ...string) {
	if v := envValue(names...); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func envString(target *string, names ...string) {
	if v := envValue(names...); v != "" {
		*target = v
	}
}

func envBool(target *bool, names ...string) {
	if v := envValue(names...); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	envString(&config.Environment, "ENV", "GO_ENV")
	envString(&config.Mode, "MODE")

	envString(&config.Server.Host, "SERVER_HOST")
	envInt(&config.Server.Port, "SERVER_PORT", "PORT")

	envString(&config.Database.URL, "DATABASE_URL")
	envString(&config.Redis.URL, "REDIS_URL")
	envString(&config.Redis.Prefix, "REDIS_PREFIX")

	envString(&config.Frontend.BaseURL, "FRONTEND_BASE_URL")
	if origins := envValue("CORS_ORIGINS"); origins != "" {
		parts := []string{}
		for _, o := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		config.Frontend.CORSOrigins = parts
	}

	envString(&config.Toolkits.StorageDir, "TOOLKIT_STORAGE_DIR")
	envInt64(&config.Toolkits.UploadMaxBytes, "TOOLKIT_UPLOAD_MAX_BYTES")
	envInt64(&config.Toolkits.BundleMaxBytes, "TOOLKIT_BUNDLE_MAX_BYTES")
	envInt64(&config.Toolkits.BundleMaxFileBytes, "TOOLKIT_BUNDLE_MAX_FILE_BYTES")
	envString(&config.Toolkits.CatalogURL, "TOOLKIT_CATALOG_URL")

	envString(&config.Auth.Issuer, "AUTH_JWT_ISSUER")
	envString(&config.Auth.JWTSecret, "AUTH_JWT_SECRET")
	envString(&config.Auth.JWTAlgorithm, "AUTH_JWT_ALGORITHM")
	envString(&config.Auth.JWTPrivateKey, "AUTH_JWT_PRIVATE_KEY")
	envString(&config.Auth.JWTPublicKey, "AUTH_JWT_PUBLIC_KEY")
	envInt(&config.Auth.AccessTokenTTLSeconds, "AUTH_ACCESS_TOKEN_TTL_SECONDS")
	envInt(&config.Auth.RefreshTokenTTLSeconds, "AUTH_REFRESH_TOKEN_TTL_SECONDS")
	envString(&config.Auth.CookieDomain, "AUTH_COOKIE_DOMAIN")
	envBool(&config.Auth.CookieSecure, "AUTH_COOKIE_SECURE")
	envString(&config.Auth.CookieSameSite, "AUTH_COOKIE_SAMESITE")
	envString(&config.Auth.StateSecret, "AUTH_STATE_SECRET")
	envInt(&config.Auth.SSOStateTTLSeconds, "AUTH_SSO_STATE_TTL_SECONDS")
	envString(&config.Auth.ProvidersJSON, "AUTH_PROVIDERS_JSON")
	envString(&config.Auth.ProvidersFile, "AUTH_PROVIDERS_FILE")

	envInt(&config.Audit.RetentionDays, "AUDIT_LOG_RETENTION_DAYS")

	envInt(&config.Scheduler.TickSeconds, "SCHEDULER_TICK_SECONDS")
	envInt(&config.Scheduler.StaleJobGraceSeconds, "SCHEDULER_STALE_JOB_GRACE_SECONDS")

	envInt(&config.Workers.Concurrency, "WORKER_CONCURRENCY")
	envString(&config.Workers.Queue, "WORKER_QUEUE")

	envString(&config.Logging.Level, "LOG_LEVEL")
	if output := envValue("LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	envString(&config.Vault.Addr, "VAULT_ADDR")
	envString(&config.Vault.Token, "VAULT_TOKEN")

	envString(&config.Bootstrap.AdminUsername, "BOOTSTRAP_ADMIN_USERNAME")
	envString(&config.Bootstrap.AdminPassword, "BOOTSTRAP_ADMIN_PASSWORD")
	envString(&config.Bootstrap.AdminEmail, "BOOTSTRAP_ADMIN_EMAIL")
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string, mode string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if mode != "" {
		config.Mode = mode
	}
}

// Validate checks structural constraints and the JWT key material rules.
// The configuration is immutable after a successful Validate.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch strings.ToLower(c.Mode) {
	case "server", "worker", "all":
	default:
		return fmt.Errorf("invalid mode %q: must be server, worker, or all", c.Mode)
	}

	alg := strings.ToUpper(strings.TrimSpace(c.Auth.JWTAlgorithm))
	if !supportedJWTAlgorithms[alg] {
		return fmt.Errorf("unsupported JWT algorithm %q", c.Auth.JWTAlgorithm)
	}
	c.Auth.JWTAlgorithm = alg

	if strings.HasPrefix(alg, "HS") {
		secret := strings.TrimSpace(c.Auth.JWTSecret)
		if len(secret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if _, banned := bannedJWTSecrets[strings.ToLower(secret)]; banned {
			return fmt.Errorf("auth.jwt_secret is a known placeholder value and must be replaced")
		}
		c.Auth.JWTSecret = secret
	} else {
		if strings.TrimSpace(c.Auth.JWTPrivateKey) == "" || strings.TrimSpace(c.Auth.JWTPublicKey) == "" {
			return fmt.Errorf("auth.jwt_private_key and auth.jwt_public_key are required for %s", alg)
		}
	}

	return nil
}

// StateSigningSecret returns the secret used to sign SSO state payloads.
func (c *Config) StateSigningSecret() string {
	if c.Auth.StateSecret != "" {
		return c.Auth.StateSecret
	}
	return c.Auth.JWTSecret
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// RunsServer reports whether this process serves the HTTP API.
func (c *Config) RunsServer() bool {
	mode := strings.ToLower(c.Mode)
	return mode == "server" || mode == "all"
}

// RunsWorker reports whether this process consumes broker tasks.
func (c *Config) RunsWorker() bool {
	mode := strings.ToLower(c.Mode)
	return mode == "worker" || mode == "all"
}
