package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	Stripe    StripeConfig
	Billing   BillingConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	LogLevel        string
	SlowQueryThresh time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// TelemetryConfig holds OpenTelemetry export configuration.
// Enabled switches metrics; traces and logs have their own switches.
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string // OTLP gRPC endpoint, e.g. "localhost:4317"
	ServiceName       string
	Insecure          bool
	ExportInterval    time.Duration
	TracesEnabled     bool
	SamplingRatio     float64
	DBTracing         bool // span per SQL statement, without bound variables
	LogsEnabled       bool // ship zap entries through the OTLP log bridge
}

// StripeConfig holds billing provider credentials
type StripeConfig struct {
	SecretKey         string
	IsTestMode        bool
	Currency          string
	MaxNetworkRetries int64
}

// BillingConfig tunes reconciliation behaviour
type BillingConfig struct {
	CallTimeout      time.Duration // bound on a single provider call
	OperationTimeout time.Duration // bound on Enable, Disable and UpdateBudget
	TenantTimeout    time.Duration // bound on one tenant inside a batch run
	LockBackend      string        // memory, redis
	LockTTL          time.Duration
	LockWait         time.Duration // how long to wait for a busy tenant lock
	RetryAttempts    int           // in-memory attempts for transient failures per tenant
	RetryInitial     time.Duration
	RetryMax         time.Duration
	Schedule         string // cron expression for the batch run
	RunOnStart       bool
	RunTimeout       time.Duration // bound on a whole batch run
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with OVERAGE_ prefix (e.g., OVERAGE_STRIPE_SECRET_KEY)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/overage-billing")
	// an explicit 0 disables sampling, so this default cannot live in applyDefaults
	v.SetDefault("telemetry.sampling_ratio", 1.0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("OVERAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			LogLevel:        v.GetString("database.log_level"),
			SlowQueryThresh: v.GetDuration("database.slow_query_threshold"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
			TracesEnabled:     v.GetBool("telemetry.traces_enabled"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			DBTracing:         v.GetBool("telemetry.db_tracing"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
		},
		Stripe: StripeConfig{
			SecretKey:         v.GetString("stripe.secret_key"),
			IsTestMode:        v.GetBool("stripe.test_mode"),
			Currency:          v.GetString("stripe.currency"),
			MaxNetworkRetries: v.GetInt64("stripe.max_network_retries"),
		},
		Billing: BillingConfig{
			CallTimeout:      v.GetDuration("billing.call_timeout"),
			OperationTimeout: v.GetDuration("billing.operation_timeout"),
			TenantTimeout:    v.GetDuration("billing.tenant_timeout"),
			LockBackend:      v.GetString("billing.lock_backend"),
			LockTTL:          v.GetDuration("billing.lock_ttl"),
			LockWait:         v.GetDuration("billing.lock_wait"),
			RetryAttempts:    v.GetInt("billing.retry_attempts"),
			RetryInitial:     v.GetDuration("billing.retry_initial"),
			RetryMax:         v.GetDuration("billing.retry_max"),
			Schedule:         v.GetString("billing.schedule"),
			RunOnStart:       v.GetBool("billing.run_on_start"),
			RunTimeout:       v.GetDuration("billing.run_timeout"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "overage-billing"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "billing"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Database.SlowQueryThresh == 0 {
		cfg.Database.SlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 30 * time.Second
	}
	if cfg.Stripe.Currency == "" {
		cfg.Stripe.Currency = "usd"
	}
	if cfg.Stripe.MaxNetworkRetries == 0 {
		cfg.Stripe.MaxNetworkRetries = 2
	}
	if cfg.Billing.CallTimeout == 0 {
		cfg.Billing.CallTimeout = 15 * time.Second
	}
	if cfg.Billing.OperationTimeout == 0 {
		cfg.Billing.OperationTimeout = time.Minute
	}
	if cfg.Billing.TenantTimeout == 0 {
		cfg.Billing.TenantTimeout = time.Minute
	}
	if cfg.Billing.LockBackend == "" {
		cfg.Billing.LockBackend = "memory"
	}
	if cfg.Billing.LockTTL == 0 {
		cfg.Billing.LockTTL = 2 * time.Minute
	}
	if cfg.Billing.LockWait == 0 {
		cfg.Billing.LockWait = 10 * time.Second
	}
	if cfg.Billing.RetryAttempts == 0 {
		cfg.Billing.RetryAttempts = 3
	}
	if cfg.Billing.RetryInitial == 0 {
		cfg.Billing.RetryInitial = 500 * time.Millisecond
	}
	if cfg.Billing.RetryMax == 0 {
		cfg.Billing.RetryMax = 10 * time.Second
	}
	if cfg.Billing.Schedule == "" {
		cfg.Billing.Schedule = "0 * * * *"
	}
	if cfg.Billing.RunTimeout == 0 {
		cfg.Billing.RunTimeout = 45 * time.Minute
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	switch c.Billing.LockBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("billing.lock_backend must be memory or redis, got %q", c.Billing.LockBackend)
	}
	if c.Billing.LockTTL <= c.Billing.TenantTimeout {
		return fmt.Errorf("billing.lock_ttl (%s) must exceed billing.tenant_timeout (%s)",
			c.Billing.LockTTL, c.Billing.TenantTimeout)
	}
	if c.Billing.CallTimeout > c.Billing.TenantTimeout {
		return fmt.Errorf("billing.call_timeout cannot exceed billing.tenant_timeout")
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return fmt.Errorf("telemetry.sampling_ratio must be within [0, 1], got %v", c.Telemetry.SamplingRatio)
	}
	if c.Billing.RetryAttempts < 1 {
		return fmt.Errorf("billing.retry_attempts must be at least 1")
	}
	if _, err := cron.ParseStandard(c.Billing.Schedule); err != nil {
		return fmt.Errorf("billing.schedule is not a valid cron expression: %w", err)
	}

	if c.App.Env == "production" {
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("stripe.secret_key is required in production")
		}
		if c.Stripe.IsTestMode {
			return fmt.Errorf("stripe.test_mode cannot be enabled in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Billing.LockBackend != "redis" {
			return fmt.Errorf("billing.lock_backend must be redis in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
