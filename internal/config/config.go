package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Delivery and dispatch modes.
const (
	DeliveryInline = "inline"
	DeliveryOutbox = "outbox"

	DispatchSequential = "sequential"
	DispatchPool       = "pool"
)

// Config holds all configuration for the application
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	EmailClient   EmailClientConfig   `yaml:"email_client"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Newsletter    NewsletterConfig    `yaml:"newsletter"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Logging       LoggingConfig       `yaml:"logging"`
	Auth          AuthConfig          `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host                string   `yaml:"host"`
	Port                int      `yaml:"port"`
	BaseURL             string   `yaml:"base_url"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
	CORSAllowedOrigins  []string `yaml:"cors_allowed_origins"`
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the subscriber store.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // "postgres" or "memory"
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig is optional; an empty URL disables Redis.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// EmailClientConfig holds email gateway settings. MaxRetries applies to the
// outbox relay only; request-path sends are never retried.
type EmailClientConfig struct {
	Provider            string    `yaml:"provider"` // "http" or "ses"
	BaseURL             string    `yaml:"base_url"`
	SenderEmail         string    `yaml:"sender_email"`
	AuthorizationToken  string    `yaml:"authorization_token"`
	TimeoutMilliseconds int       `yaml:"timeout_milliseconds"`
	MaxRetries          int       `yaml:"max_retries"`
	SES                 SESConfig `yaml:"ses"`
}

// Timeout returns the per-request timeout.
func (c EmailClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMilliseconds) * time.Millisecond
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SubscriptionsConfig controls how confirmation emails leave the service
// and how confirmation links are checked.
type SubscriptionsConfig struct {
	ConfirmationDelivery string `yaml:"confirmation_delivery"`
	StrictConfirm        bool   `yaml:"strict_confirm"`
}

// NewsletterConfig controls publish fan-out.
type NewsletterConfig struct {
	DispatchMode    string `yaml:"dispatch_mode"`
	Concurrency     int    `yaml:"concurrency"`
	ClaimTTLSeconds int    `yaml:"claim_ttl_seconds"`
}

// ClaimTTL returns how long a pooled delivery stays claimed.
func (c NewsletterConfig) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

// OutboxConfig holds relay settings
type OutboxConfig struct {
	EmbeddedRelay       bool `yaml:"embedded_relay"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	BatchSize           int  `yaml:"batch_size"`
	MaxAttempts         int  `yaml:"max_attempts"`
	RetryBaseSeconds    int  `yaml:"retry_base_seconds"`
	RetryMaxSeconds     int  `yaml:"retry_max_seconds"`
}

// PollInterval returns the relay tick as a duration
func (c OutboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RetryBase returns the first backoff step.
func (c OutboxConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// RetryMax caps the backoff.
func (c OutboxConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxSeconds) * time.Second
}

// ArchiveConfig selects where published issues are archived.
type ArchiveConfig struct {
	Type       string `yaml:"type"` // "none", "local" or "s3"
	LocalPath  string `yaml:"local_path"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether email addresses are masked in logs. Defaults to true.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// AuthConfig holds publish credential settings
type AuthConfig struct {
	Realm  string       `yaml:"realm"`
	Argon2 Argon2Config `yaml:"argon2"`
}

// Argon2Config holds argon2id cost parameters for new hashes.
type Argon2Config struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
	SaltLength  uint32 `yaml:"salt_length"`
	KeyLength   uint32 `yaml:"key_length"`
}

// Load reads base.yaml from dir, overlays <env>.yaml when present and
// applies defaults.
func Load(dir, env string) (*Config, error) {
	var cfg Config
	if err := readInto(filepath.Join(dir, "base.yaml"), &cfg, false); err != nil {
		return nil, err
	}
	if env != "" {
		if err := readInto(filepath.Join(dir, env+".yaml"), &cfg, true); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func readInto(path string, cfg *Config, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.EmailClient.Provider == "" {
		cfg.EmailClient.Provider = "http"
	}
	if cfg.EmailClient.TimeoutMilliseconds == 0 {
		cfg.EmailClient.TimeoutMilliseconds = 10000
	}
	if cfg.EmailClient.SES.Region == "" {
		cfg.EmailClient.SES.Region = "us-west-2"
	}
	if cfg.Subscriptions.ConfirmationDelivery == "" {
		cfg.Subscriptions.ConfirmationDelivery = DeliveryInline
	}
	if cfg.Newsletter.DispatchMode == "" {
		cfg.Newsletter.DispatchMode = DispatchSequential
	}
	if cfg.Newsletter.Concurrency == 0 {
		cfg.Newsletter.Concurrency = 8
	}
	if cfg.Newsletter.ClaimTTLSeconds == 0 {
		cfg.Newsletter.ClaimTTLSeconds = 600
	}
	if cfg.Outbox.PollIntervalSeconds == 0 {
		cfg.Outbox.PollIntervalSeconds = 5
	}
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 50
	}
	if cfg.Outbox.MaxAttempts == 0 {
		cfg.Outbox.MaxAttempts = 8
	}
	if cfg.Outbox.RetryBaseSeconds == 0 {
		cfg.Outbox.RetryBaseSeconds = 10
	}
	if cfg.Outbox.RetryMaxSeconds == 0 {
		cfg.Outbox.RetryMaxSeconds = 3600
	}
	if cfg.Archive.Type == "" {
		cfg.Archive.Type = "none"
	}
	if cfg.Archive.LocalPath == "" {
		cfg.Archive.LocalPath = "./data/issues"
	}
	if cfg.Archive.AWSRegion == "" {
		cfg.Archive.AWSRegion = cfg.EmailClient.SES.Region
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Auth.Realm == "" {
		cfg.Auth.Realm = "publish"
	}
	a := &cfg.Auth.Argon2
	if a.MemoryKiB == 0 {
		a.MemoryKiB = 19456
	}
	if a.Iterations == 0 {
		a.Iterations = 2
	}
	if a.Parallelism == 0 {
		a.Parallelism = 1
	}
	if a.SaltLength == 0 {
		a.SaltLength = 16
	}
	if a.KeyLength == 0 {
		a.KeyLength = 32
	}
}

// Validate rejects combinations the service cannot run with.
func (cfg *Config) Validate() error {
	var errs []error
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of postgres, memory", cfg.Database.Driver))
	}
	switch cfg.EmailClient.Provider {
	case "http":
		if cfg.EmailClient.BaseURL == "" {
			errs = append(errs, errors.New("email_client.base_url is required for the http provider"))
		}
	case "ses":
	default:
		errs = append(errs, fmt.Errorf("email_client.provider %q is not one of http, ses", cfg.EmailClient.Provider))
	}
	if cfg.EmailClient.SenderEmail == "" {
		errs = append(errs, errors.New("email_client.sender_email is required"))
	}
	if cfg.EmailClient.MaxRetries < 0 {
		errs = append(errs, errors.New("email_client.max_retries must not be negative"))
	}
	switch cfg.Subscriptions.ConfirmationDelivery {
	case DeliveryInline, DeliveryOutbox:
	default:
		errs = append(errs, fmt.Errorf("subscriptions.confirmation_delivery %q is not one of inline, outbox", cfg.Subscriptions.ConfirmationDelivery))
	}
	switch cfg.Newsletter.DispatchMode {
	case DispatchSequential, DispatchPool:
	default:
		errs = append(errs, fmt.Errorf("newsletter.dispatch_mode %q is not one of sequential, pool", cfg.Newsletter.DispatchMode))
	}
	if cfg.Newsletter.Concurrency < 1 {
		errs = append(errs, errors.New("newsletter.concurrency must be at least 1"))
	}
	switch cfg.Archive.Type {
	case "none", "local":
	case "s3":
		if cfg.Archive.S3Bucket == "" {
			errs = append(errs, errors.New("archive.s3_bucket is required for the s3 archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.type %q is not one of none, local, s3", cfg.Archive.Type))
	}
	return errors.Join(errs...)
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) first, so secrets can live in .env
// locally and in real env vars in production. APP_CONFIG_DIR defaults to
// ./config and APP_ENVIRONMENT to local.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	dir := os.Getenv("APP_CONFIG_DIR")
	if dir == "" {
		dir = "config"
	}
	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "local"
	}

	cfg, err := Load(dir, env)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("APP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: APP_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("APP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("APP_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("EMAIL_BASE_URL"); v != "" {
		cfg.EmailClient.BaseURL = v
	}
	if v := os.Getenv("EMAIL_AUTHORIZATION_TOKEN"); v != "" {
		cfg.EmailClient.AuthorizationToken = v
	}
	if v := os.Getenv("EMAIL_SENDER"); v != "" {
		cfg.EmailClient.SenderEmail = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.EmailClient.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.EmailClient.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.EmailClient.SES.Region = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
