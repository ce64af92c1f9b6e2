// Package config loads runtime settings for the order book service.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables (a local .env file is loaded into
// the environment first and never overrides variables that are already set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvProduction = "production"

type Config struct {
	Env       string          `yaml:"env"`
	Debug     bool            `yaml:"debug"`
	Port      string          `yaml:"port"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Audit     AuditConfig     `yaml:"audit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
}

// ResolverConfig controls how item references are resolved. An empty BaseURL
// selects the local item store.
type ResolverConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTries    uint          `yaml:"max_tries"`
	Concurrency int           `yaml:"concurrency"`
}

// AuditConfig sets the ledger audit interval; zero disables the auditor.
type AuditConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RateLimitConfig holds requests-per-minute budgets per route class.
type RateLimitConfig struct {
	AuthPerMinute  float64 `yaml:"auth_per_minute"`
	WritePerMinute float64 `yaml:"write_per_minute"`
	ReadPerMinute  float64 `yaml:"read_per_minute"`
	Burst          int     `yaml:"burst"`
}

type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	OTLPInsecure   bool          `yaml:"otlp_insecure"`
	MetricInterval time.Duration `yaml:"metric_interval"`
	ServiceName    string        `yaml:"service_name"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Env:      "development",
		Port:     "8080",
		Database: DatabaseConfig{Path: "orderbook.db"},
		Auth: AuthConfig{
			JWTSecret: "klear-secret-key",
			TokenTTL:  24 * time.Hour,
			APIKey:    "test-api-key",
			APISecret: "test-api-secret",
		},
		Resolver: ResolverConfig{
			Timeout:     5 * time.Second,
			MaxTries:    3,
			Concurrency: 8,
		},
		Audit: AuditConfig{Interval: 5 * time.Minute},
		RateLimit: RateLimitConfig{
			AuthPerMinute:  10,
			WritePerMinute: 100,
			ReadPerMinute:  1000,
			Burst:          5,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "localhost:4318",
			MetricInterval: 30 * time.Second,
			ServiceName:    "klear-orderbook",
		},
	}
}

// Load builds the configuration from defaults, CONFIG_FILE, .env and the
// process environment, then validates it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	setString(&c.Env, "ENV")
	setString(&c.Port, "PORT")
	setString(&c.Database.Path, "DATABASE_PATH")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Auth.APIKey, "API_KEY")
	setString(&c.Auth.APISecret, "API_SECRET")
	setString(&c.Resolver.BaseURL, "RESOLVER_BASE_URL")
	setString(&c.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Telemetry.ServiceName, "OTEL_SERVICE_NAME")

	errs = append(errs,
		setBool(&c.Debug, "DEBUG"),
		setBool(&c.Telemetry.Enabled, "OTEL_ENABLED"),
		setBool(&c.Telemetry.OTLPInsecure, "OTEL_EXPORTER_OTLP_INSECURE"),
		setDuration(&c.Resolver.Timeout, "RESOLVER_TIMEOUT"),
		setDuration(&c.Audit.Interval, "AUDIT_INTERVAL"),
		setInt(&c.Resolver.Concurrency, "RESOLVER_CONCURRENCY"),
	)
	if raw, ok := lookup("RESOLVER_MAX_TRIES"); ok {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("RESOLVER_MAX_TRIES: %w", err))
		} else {
			c.Resolver.MaxTries = uint(n)
		}
	}
	return errors.Join(errs...)
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	if c.Resolver.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("resolver concurrency must be positive, got %d", c.Resolver.Concurrency))
	}
	if c.Resolver.MaxTries < 1 {
		errs = append(errs, errors.New("resolver max tries must be at least 1"))
	}
	if c.Resolver.Timeout <= 0 {
		errs = append(errs, errors.New("resolver timeout must be positive"))
	}
	if c.Audit.Interval < 0 {
		errs = append(errs, errors.New("audit interval must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func lookup(key string) (string, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func setString(dst *string, key string) {
	if raw, ok := lookup(key); ok {
		*dst = raw
	}
}

func setBool(dst *bool, key string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setInt(dst *int, key string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}
