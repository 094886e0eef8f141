// Package config loads the service configuration from uploadgate.json
// with an environment variable overlay. Secrets never live in the
// file; they come from the environment only.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "uploadgate.json"

	// DefaultAddr is the default HTTP listen address.
	DefaultAddr = ":8080"

	// DefaultRedisAddr is the default tracker primary address.
	DefaultRedisAddr = "localhost:6379"

	// EnvCallbackSecret is the environment variable holding the shared
	// callback secret.
	EnvCallbackSecret = "UPLOADGATE_CALLBACK_SECRET"
)

// Config is the complete service configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr,omitempty"`

	// Redis configures the tracker primary store.
	Redis RedisConfig `json:"redis,omitempty"`

	// Staging configures the transient upload bucket.
	Staging StorageConfig `json:"staging,omitempty"`

	// Durable configures the long-term storage bucket.
	Durable StorageConfig `json:"durable,omitempty"`

	// Limits configures per-client rate limiting.
	Limits LimitsConfig `json:"limits,omitempty"`

	// Security configures content validation.
	Security SecurityConfig `json:"security,omitempty"`

	// Transfer configures the orchestrator.
	Transfer TransferConfig `json:"transfer,omitempty"`

	// CallbackSecret authenticates scan callbacks. Environment only,
	// never serialized.
	CallbackSecret string `json:"-"`

	// configPath stores the path the config was loaded from.
	configPath string
}

// RedisConfig configures the tracker primary store.
type RedisConfig struct {
	// Addr is the redis host:port.
	Addr string `json:"addr,omitempty"`

	// DB is the redis database index.
	DB int `json:"db,omitempty"`

	// Password is environment only (UPLOADGATE_REDIS_PASSWORD).
	Password string `json:"-"`

	// RecordTTL is the upload record lifetime (e.g. "24h").
	RecordTTL string `json:"recordTtl,omitempty"`
}

// StorageConfig configures one S3 bucket.
type StorageConfig struct {
	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket,omitempty"`

	// Prefix is the key prefix within the bucket.
	Prefix string `json:"prefix,omitempty"`

	// Region is the AWS region.
	Region string `json:"region,omitempty"`

	// SweepInterval is how often orphaned staged objects are swept
	// (staging only, e.g. "1h").
	SweepInterval string `json:"sweepInterval,omitempty"`

	// SweepMaxAge is the age past which a staged object is an orphan
	// (staging only, e.g. "48h").
	SweepMaxAge string `json:"sweepMaxAge,omitempty"`
}

// LimitsConfig configures per-client rate limiting.
type LimitsConfig struct {
	// MaxPerHour is the hourly request limit per identity.
	MaxPerHour int `json:"maxPerHour,omitempty"`

	// MaxPerDay is the daily request limit per identity.
	MaxPerDay int `json:"maxPerDay,omitempty"`
}

// SecurityConfig configures content validation.
type SecurityConfig struct {
	// AllowedMIMETypes is the upload type allow-list.
	AllowedMIMETypes []string `json:"allowedMimeTypes,omitempty"`

	// MaxFileSize is the upload size ceiling in bytes.
	MaxFileSize int64 `json:"maxFileSize,omitempty"`
}

// TransferConfig configures the orchestrator.
type TransferConfig struct {
	// Timeout bounds one pipeline run (e.g. "5m").
	Timeout string `json:"timeout,omitempty"`

	// Container is the durable-store container accepted files land in.
	Container string `json:"container,omitempty"`
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Addr: DefaultAddr,
		Redis: RedisConfig{
			Addr:      DefaultRedisAddr,
			RecordTTL: "24h",
		},
		Staging: StorageConfig{
			Bucket:        "uploadgate-staging",
			Prefix:        "staged/",
			SweepInterval: "1h",
			SweepMaxAge:   "48h",
		},
		Durable: StorageConfig{
			Bucket: "uploadgate-durable",
		},
		Limits: LimitsConfig{
			MaxPerHour: 50,
			MaxPerDay:  200,
		},
		Security: SecurityConfig{
			MaxFileSize: 25 * 1024 * 1024,
		},
		Transfer: TransferConfig{
			Timeout:   "5m",
			Container: "uploads",
		},
	}
}

// Load reads configuration from dir. A missing uploadgate.json is not
// an error; defaults plus the environment overlay apply. A .env file
// in dir is loaded first when present.
func Load(dir string) (*Config, error) {
	if envFile := filepath.Join(dir, ".env"); fileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the given file path. A missing
// file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment only.
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.configPath = path
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the path the config was loaded from, if any.
func (c *Config) Path() string {
	return c.configPath
}

// applyEnv overlays environment variables onto the loaded config.
func (c *Config) applyEnv() {
	if v := os.Getenv("UPLOADGATE_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("UPLOADGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	c.Redis.Password = os.Getenv("UPLOADGATE_REDIS_PASSWORD")
	if v := os.Getenv("UPLOADGATE_STAGING_BUCKET"); v != "" {
		c.Staging.Bucket = v
	}
	if v := os.Getenv("UPLOADGATE_DURABLE_BUCKET"); v != "" {
		c.Durable.Bucket = v
	}
	if v := os.Getenv("UPLOADGATE_AWS_REGION"); v != "" {
		c.Staging.Region = v
		c.Durable.Region = v
	}
	c.CallbackSecret = os.Getenv(EnvCallbackSecret)
}

// applyDefaults fills in defaults for empty fields.
func (c *Config) applyDefaults() {
	def := New()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = def.Redis.Addr
	}
	if c.Redis.RecordTTL == "" {
		c.Redis.RecordTTL = def.Redis.RecordTTL
	}
	if c.Staging.Bucket == "" {
		c.Staging.Bucket = def.Staging.Bucket
	}
	if c.Staging.Prefix == "" {
		c.Staging.Prefix = def.Staging.Prefix
	}
	if c.Staging.SweepInterval == "" {
		c.Staging.SweepInterval = def.Staging.SweepInterval
	}
	if c.Staging.SweepMaxAge == "" {
		c.Staging.SweepMaxAge = def.Staging.SweepMaxAge
	}
	if c.Durable.Bucket == "" {
		c.Durable.Bucket = def.Durable.Bucket
	}
	if c.Limits.MaxPerHour == 0 {
		c.Limits.MaxPerHour = def.Limits.MaxPerHour
	}
	if c.Limits.MaxPerDay == 0 {
		c.Limits.MaxPerDay = def.Limits.MaxPerDay
	}
	if c.Security.MaxFileSize == 0 {
		c.Security.MaxFileSize = def.Security.MaxFileSize
	}
	if c.Transfer.Timeout == "" {
		c.Transfer.Timeout = def.Transfer.Timeout
	}
	if c.Transfer.Container == "" {
		c.Transfer.Container = def.Transfer.Container
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"redis.recordTtl":       c.Redis.RecordTTL,
		"staging.sweepInterval": c.Staging.SweepInterval,
		"staging.sweepMaxAge":   c.Staging.SweepMaxAge,
		"transfer.timeout":      c.Transfer.Timeout,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.Limits.MaxPerHour < 0 || c.Limits.MaxPerDay < 0 {
		return fmt.Errorf("config: rate limits cannot be negative")
	}
	if c.Limits.MaxPerDay > 0 && c.Limits.MaxPerHour > c.Limits.MaxPerDay {
		return fmt.Errorf("config: limits.maxPerHour exceeds limits.maxPerDay")
	}
	return nil
}

// RecordTTL returns the parsed upload record lifetime.
func (c *Config) RecordTTL() time.Duration {
	return mustDuration(c.Redis.RecordTTL)
}

// SweepInterval returns the parsed staging sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return mustDuration(c.Staging.SweepInterval)
}

// SweepMaxAge returns the parsed staging orphan age.
func (c *Config) SweepMaxAge() time.Duration {
	return mustDuration(c.Staging.SweepMaxAge)
}

// TransferTimeout returns the parsed pipeline timeout.
func (c *Config) TransferTimeout() time.Duration {
	return mustDuration(c.Transfer.Timeout)
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", raw, err))
	}
	return d
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
