// Package config loads and validates the audit engine configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the PPA_ prefix (e.g., PPA_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments without recompilation.
//
// The ENCRYPTION_KEY variable has no PPA_ prefix because it may be injected by
// infrastructure tooling (e.g., Kubernetes secrets, Vault agent) that does not
// know the application-specific prefix and treats it as a generic secret name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Security       SecurityConfig       `mapstructure:"security"`
	Chain          ChainConfig          `mapstructure:"chain"`
	Anomaly        AnomalyConfig        `mapstructure:"anomaly"`
	Classification ClassificationConfig `mapstructure:"classification"`
	Alerts         AlertsConfig         `mapstructure:"alerts"`
	AI             AIConfig             `mapstructure:"ai"`
	Jobs           JobsConfig           `mapstructure:"jobs"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the optional Redis connection used by the classification
// cache and the API rate limiter. When Addr is empty both fall back to
// in-process implementations, so Redis is a deployment choice, not a
// requirement.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SecurityConfig holds CORS, rate limiting, and TLS settings
type SecurityConfig struct {
	CORS         CORSConfig      `mapstructure:"cors"`
	RateLimiting RateLimitConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig       `mapstructure:"tls"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitConfig holds API rate limiting settings
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS settings
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// ChainConfig holds hash chain append/verification settings
type ChainConfig struct {
	// AppendRetries bounds how many times an append is retried after losing
	// a chain-head race before the conflict is surfaced to the caller.
	AppendRetries int `mapstructure:"append_retries"`
	// MaxBatchSize caps a single batch append.
	MaxBatchSize int `mapstructure:"max_batch_size"`
	// VerifyOnRead enables opportunistic verification on bulk retrievals.
	VerifyOnRead bool `mapstructure:"verify_on_read"`
}

// AnomalyConfig holds anomaly scoring engine settings
type AnomalyConfig struct {
	// MinTrainingEvents is the minimum history size required to fit any model.
	MinTrainingEvents int `mapstructure:"min_training_events"`
	// TenantModelThreshold is the history size above which a tenant gets its
	// own model instead of the shared baseline.
	TenantModelThreshold int `mapstructure:"tenant_model_threshold"`
	// TrainingWindowDays is the trailing window of history used for training.
	TrainingWindowDays int `mapstructure:"training_window_days"`
	// Trees and SampleSize control the isolation forest ensemble.
	Trees      int `mapstructure:"trees"`
	SampleSize int `mapstructure:"sample_size"`
}

// ClassificationConfig holds classification cache settings
type ClassificationConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// AlertsConfig holds alerting and bias monitoring settings
type AlertsConfig struct {
	// BiasWindowDays is the comparison window for detection-rate disparities.
	BiasWindowDays int `mapstructure:"bias_window_days"`
}

// AIConfig holds the external AI provider settings
type AIConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// JobsConfig holds background job scheduling settings
type JobsConfig struct {
	SweepIntervalMinutes    int `mapstructure:"sweep_interval_minutes"`
	RetrainIntervalHours    int `mapstructure:"retrain_interval_hours"`
	ChainAuditIntervalHours int `mapstructure:"chain_audit_interval_hours"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds pprof settings
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// bindEnvVars explicitly binds each config key so env overrides survive
// viper.Unmarshal (AutomaticEnv alone does not populate unset keys).
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Chain
		"chain.append_retries",
		"chain.max_batch_size",
		"chain.verify_on_read",

		// Anomaly
		"anomaly.min_training_events",
		"anomaly.tenant_model_threshold",
		"anomaly.training_window_days",
		"anomaly.trees",
		"anomaly.sample_size",

		// Classification
		"classification.cache_ttl",

		// Alerts
		"alerts.bias_window_days",

		// AI provider
		"ai.enabled",
		"ai.base_url",
		"ai.api_key",
		"ai.request_timeout",
		"ai.max_retries",

		// Jobs
		"jobs.sweep_interval_minutes",
		"jobs.retrain_interval_hours",
		"jobs.chain_audit_interval_hours",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/audit-engine")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("PPA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in sensitive fields
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)
	cfg.AI.APIKey = os.ExpandEnv(cfg.AI.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "audit_engine")
	v.SetDefault("database.user", "audit")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults (empty addr = in-process fallbacks)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 300)
	v.SetDefault("security.rate_limiting.burst", 50)
	v.SetDefault("security.tls.enabled", false)

	// Chain defaults
	v.SetDefault("chain.append_retries", 3)
	v.SetDefault("chain.max_batch_size", 1000)
	v.SetDefault("chain.verify_on_read", true)

	// Anomaly defaults
	v.SetDefault("anomaly.min_training_events", 50)
	v.SetDefault("anomaly.tenant_model_threshold", 1000)
	v.SetDefault("anomaly.training_window_days", 30)
	v.SetDefault("anomaly.trees", 100)
	v.SetDefault("anomaly.sample_size", 256)

	// Classification defaults
	v.SetDefault("classification.cache_ttl", "15m")

	// Alerts defaults
	v.SetDefault("alerts.bias_window_days", 7)

	// AI provider defaults
	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.request_timeout", "10s")
	v.SetDefault("ai.max_retries", 3)

	// Jobs defaults: hourly sweep, weekly retrain, daily chain audit
	v.SetDefault("jobs.sweep_interval_minutes", 60)
	v.SetDefault("jobs.retrain_interval_hours", 168)
	v.SetDefault("jobs.chain_audit_interval_hours", 24)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "audit-engine")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Chain.AppendRetries < 1 {
		return fmt.Errorf("chain.append_retries must be at least 1")
	}
	if c.Chain.MaxBatchSize < 1 || c.Chain.MaxBatchSize > 1000 {
		return fmt.Errorf("chain.max_batch_size must be between 1 and 1000")
	}

	if c.Anomaly.MinTrainingEvents < 1 {
		return fmt.Errorf("anomaly.min_training_events must be positive")
	}
	if c.Anomaly.Trees < 1 {
		return fmt.Errorf("anomaly.trees must be positive")
	}
	if c.Anomaly.SampleSize < 2 {
		return fmt.Errorf("anomaly.sample_size must be at least 2")
	}

	if c.Classification.CacheTTL <= 0 {
		return fmt.Errorf("classification.cache_ttl must be positive")
	}

	if c.AI.Enabled && c.AI.BaseURL == "" {
		return fmt.Errorf("ai.base_url is required when the AI provider is enabled")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
