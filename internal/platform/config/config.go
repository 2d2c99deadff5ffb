// Package config loads and validates the service configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	Env       string `mapstructure:"APP_ENV"`
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// DatabaseURL is the Postgres DSN. Empty keeps tickets and credentials in memory.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// FilesDBPath is the bbolt file for materialized results. Empty keeps files in memory.
	FilesDBPath string `mapstructure:"FILES_DB_PATH"`
	// OperationsFile is an optional YAML file overriding operation endpoints.
	OperationsFile string `mapstructure:"SIRE_OPERATIONS_FILE"`
	// VaultMasterKey is the base64 encoded 32 byte credential master key.
	VaultMasterKey string `mapstructure:"VAULT_MASTER_KEY"`

	Redis    RedisConfig     `mapstructure:",squash"`
	Kafka    KafkaConfig     `mapstructure:",squash"`
	Provider ProviderConfig  `mapstructure:",squash"`
	Session  SessionConfig   `mapstructure:",squash"`
	Tickets  TicketConfig    `mapstructure:",squash"`
	Schedule ScheduleConfig  `mapstructure:",squash"`
	Limits   RateLimitConfig `mapstructure:",squash"`
}

// RedisConfig configures the session store and ticket lock. An empty URL
// disables Redis.
type RedisConfig struct {
	URL          string        `mapstructure:"REDIS_URL"`
	PoolSize     int           `mapstructure:"REDIS_POOL_SIZE"`
	MinIdleConns int           `mapstructure:"REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `mapstructure:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `mapstructure:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"REDIS_WRITE_TIMEOUT"`
}

// KafkaConfig configures the ticket event publisher. Empty brokers disables it.
type KafkaConfig struct {
	Brokers    string `mapstructure:"KAFKA_BROKERS"`
	Topic      string `mapstructure:"KAFKA_TOPIC"`
	Partitions int32  `mapstructure:"KAFKA_PARTITIONS"`
}

// ProviderConfig describes the remote tax authority endpoints.
type ProviderConfig struct {
	AuthURL          string        `mapstructure:"SUNAT_AUTH_URL"`
	APIURL           string        `mapstructure:"SUNAT_API_URL"`
	Scope            string        `mapstructure:"SUNAT_SCOPE"`
	StatusPath       string        `mapstructure:"SUNAT_STATUS_PATH"`
	DownloadPath     string        `mapstructure:"SUNAT_DOWNLOAD_PATH"`
	CancelPath       string        `mapstructure:"SUNAT_CANCEL_PATH"`
	Timeout          time.Duration `mapstructure:"SUNAT_TIMEOUT"`
	RetryAttempts    int           `mapstructure:"SUNAT_RETRY_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"SUNAT_RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `mapstructure:"SUNAT_RETRY_MAX_DELAY"`
	BreakerFailures  int           `mapstructure:"SUNAT_BREAKER_FAILURES"`
	BreakerSuccesses int           `mapstructure:"SUNAT_BREAKER_SUCCESSES"`
	BreakerCooldown  time.Duration `mapstructure:"SUNAT_BREAKER_COOLDOWN"`
}

// SessionConfig tunes token lifetime handling.
type SessionConfig struct {
	SafetyMargin     time.Duration `mapstructure:"TOKEN_SAFETY_MARGIN"`
	RefreshAttempts  int           `mapstructure:"REFRESH_RETRY_ATTEMPTS"`
	RefreshBaseDelay time.Duration `mapstructure:"REFRESH_RETRY_BASE_DELAY"`
	RefreshMaxDelay  time.Duration `mapstructure:"REFRESH_RETRY_MAX_DELAY"`
	RedisGrace       time.Duration `mapstructure:"SESSION_REDIS_GRACE"`
	DefaultTokenTTL  time.Duration `mapstructure:"SESSION_DEFAULT_TOKEN_TTL"`
}

// TicketConfig bounds ticket-level attempts and retention.
type TicketConfig struct {
	MaxSubmitAttempts    int           `mapstructure:"MAX_SUBMIT_ATTEMPTS"`
	// MaxPollAttempts polls are allowed; the next one fails the ticket.
	MaxPollAttempts      int           `mapstructure:"MAX_POLL_ATTEMPTS"`
	MaxRetrievalAttempts int           `mapstructure:"MAX_RETRIEVAL_ATTEMPTS"`
	CASRetries           int           `mapstructure:"CAS_RETRIES"`
	AdvanceLockTTL       time.Duration `mapstructure:"ADVANCE_LOCK_TTL"`
	FileRetentionDays    int           `mapstructure:"FILE_RETENTION_DAYS"`
	PurgeGrace           time.Duration `mapstructure:"PURGE_GRACE"`
}

// ScheduleConfig drives the background advance loop.
type ScheduleConfig struct {
	Enabled     bool          `mapstructure:"SCHEDULER_ENABLED"`
	Interval    time.Duration `mapstructure:"SCHEDULER_INTERVAL"`
	BatchSize   int           `mapstructure:"SCHEDULER_BATCH_SIZE"`
	Concurrency int           `mapstructure:"SCHEDULER_CONCURRENCY"`
	SweepEvery  int           `mapstructure:"SCHEDULER_SWEEP_EVERY"`
}

// RateLimitConfig throttles provider-bound inbound requests per client IP.
// Windows are shared through Redis when it is configured.
type RateLimitConfig struct {
	Enabled          bool          `mapstructure:"RATE_LIMIT_ENABLED"`
	CreatePerWindow  int           `mapstructure:"RATE_LIMIT_CREATE"`
	SessionPerWindow int           `mapstructure:"RATE_LIMIT_SESSION"`
	Window           time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
}

var defaults = map[string]any{
	"APP_ENV":    "development",
	"HTTP_ADDR":  ":8080",
	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "json",

	"DATABASE_URL":         "",
	"FILES_DB_PATH":        "",
	"SIRE_OPERATIONS_FILE": "",
	"VAULT_MASTER_KEY":     "",

	"REDIS_URL":            "",
	"REDIS_POOL_SIZE":      10,
	"REDIS_MIN_IDLE_CONNS": 2,
	"REDIS_DIAL_TIMEOUT":   "5s",
	"REDIS_READ_TIMEOUT":   "3s",
	"REDIS_WRITE_TIMEOUT":  "3s",

	"KAFKA_BROKERS":    "",
	"KAFKA_TOPIC":      "sire.ticket-events",
	"KAFKA_PARTITIONS": 3,

	"SUNAT_AUTH_URL":          "https://api-seguridad.sunat.gob.pe/v1/clientessol",
	"SUNAT_API_URL":           "https://api-sire.sunat.gob.pe/v1",
	"SUNAT_SCOPE":             "https://api-sire.sunat.gob.pe",
	"SUNAT_STATUS_PATH":       "/contribuyente/migeigv/ticket/{ticket}/estado",
	"SUNAT_DOWNLOAD_PATH":     "/contribuyente/migeigv/ticket/{ticket}/archivo/{file}",
	"SUNAT_CANCEL_PATH":       "/contribuyente/migeigv/ticket/{ticket}/cancelar",
	"SUNAT_TIMEOUT":           "30s",
	"SUNAT_RETRY_ATTEMPTS":    3,
	"SUNAT_RETRY_BASE_DELAY":  "500ms",
	"SUNAT_RETRY_MAX_DELAY":   "5s",
	"SUNAT_BREAKER_FAILURES":  5,
	"SUNAT_BREAKER_SUCCESSES": 2,
	"SUNAT_BREAKER_COOLDOWN":  "30s",

	"TOKEN_SAFETY_MARGIN":       "5m",
	"REFRESH_RETRY_ATTEMPTS":    3,
	"REFRESH_RETRY_BASE_DELAY":  "1s",
	"REFRESH_RETRY_MAX_DELAY":   "8s",
	"SESSION_REDIS_GRACE":       "1h",
	"SESSION_DEFAULT_TOKEN_TTL": "1h",

	"MAX_SUBMIT_ATTEMPTS":    5,
	"MAX_POLL_ATTEMPTS":      60,
	"MAX_RETRIEVAL_ATTEMPTS": 3,
	"CAS_RETRIES":            5,
	"ADVANCE_LOCK_TTL":       "2m",
	"FILE_RETENTION_DAYS":    7,
	"PURGE_GRACE":            "168h",

	"SCHEDULER_ENABLED":     true,
	"SCHEDULER_INTERVAL":    "10s",
	"SCHEDULER_BATCH_SIZE":  20,
	"SCHEDULER_CONCURRENCY": 4,
	"SCHEDULER_SWEEP_EVERY": 30,

	"RATE_LIMIT_ENABLED": true,
	"RATE_LIMIT_CREATE":  30,
	"RATE_LIMIT_SESSION": 10,
	"RATE_LIMIT_WINDOW":  "1m",
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Environment variables override .env values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would leave a component unusable.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("config: HTTP_ADDR must be set"))
	}
	if c.Provider.AuthURL == "" || c.Provider.APIURL == "" {
		errs = append(errs, errors.New("config: SUNAT_AUTH_URL and SUNAT_API_URL must be set"))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("config: SUNAT_TIMEOUT must be positive"))
	}
	if c.Provider.RetryAttempts < 1 {
		errs = append(errs, errors.New("config: SUNAT_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.Session.SafetyMargin < 0 {
		errs = append(errs, errors.New("config: TOKEN_SAFETY_MARGIN must not be negative"))
	}
	if c.Tickets.MaxPollAttempts < 1 || c.Tickets.MaxSubmitAttempts < 1 || c.Tickets.MaxRetrievalAttempts < 1 {
		errs = append(errs, errors.New("config: ticket attempt bounds must be at least 1"))
	}
	if c.Tickets.FileRetentionDays < 1 {
		errs = append(errs, errors.New("config: FILE_RETENTION_DAYS must be at least 1"))
	}
	if c.Schedule.Enabled && c.Schedule.Interval <= 0 {
		errs = append(errs, errors.New("config: SCHEDULER_INTERVAL must be positive"))
	}
	if c.Limits.Enabled && c.Limits.Window <= 0 {
		errs = append(errs, errors.New("config: RATE_LIMIT_WINDOW must be positive"))
	}
	if c.IsProduction() && c.VaultMasterKey == "" {
		errs = append(errs, errors.New("config: VAULT_MASTER_KEY is required when APP_ENV=production"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs with production safeguards.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// KafkaBrokers returns broker addresses from the comma separated setting.
func (c *Config) KafkaBrokers() []string {
	if c == nil || c.Kafka.Brokers == "" {
		return nil
	}
	parts := strings.Split(c.Kafka.Brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FileRetention is the retention window for materialized files.
func (c *Config) FileRetention() time.Duration {
	return time.Duration(c.Tickets.FileRetentionDays) * 24 * time.Hour
}
