package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	apperrors "github.com/caregrid/audit-pipeline-backend/internal/domain/errors"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Cache        CacheConfig        `koanf:"cache"`
	Partitioning PartitioningConfig `koanf:"partitioning"`
	Monitoring   MonitoringConfig   `koanf:"monitoring"`
	Processor    ProcessorConfig    `koanf:"processor"`
	Validation   ValidationConfig   `koanf:"validation"`
	Security     SecurityConfig     `koanf:"security"`
	Export       ExportConfig       `koanf:"export"`
}

type DatabaseConfig struct {
	URL                 string        `koanf:"url" validate:"required"`
	ReplicaURLs         []string      `koanf:"replica_urls"`
	PoolSize            int           `koanf:"pool_size" validate:"min=1"`
	MinConnections      int           `koanf:"min_connections" validate:"min=0"`
	ConnectionTimeout   time.Duration `koanf:"connection_timeout"`
	AcquireTimeout      time.Duration `koanf:"acquire_timeout"`
	IdleTimeout         time.Duration `koanf:"idle_timeout"`
	SSL                 bool          `koanf:"ssl"`
	ValidateConnections bool          `koanf:"validate_connections"`
	RetryAttempts       int           `koanf:"retry_attempts" validate:"min=0"`
	RetryDelay          time.Duration `koanf:"retry_delay"`
	ReplicaPolicy       string        `koanf:"replica_policy" validate:"oneof=round_robin weighted least_latency"`
	MaxReplicaLag       time.Duration `koanf:"max_replica_lag"`
	FallbackToMaster    bool          `koanf:"fallback_to_master"`
}

type RedisConfig struct {
	Address      string        `koanf:"address" validate:"required"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	MaxSizeMB  int           `koanf:"max_size_mb" validate:"min=1"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxQueries int           `koanf:"max_queries" validate:"min=1"`
	KeyPrefix  string        `koanf:"key_prefix"`
}

type PartitioningConfig struct {
	Strategy            string        `koanf:"strategy" validate:"oneof=range"`
	Interval            string        `koanf:"interval" validate:"oneof=monthly quarterly yearly"`
	RetentionDays       int           `koanf:"retention_days" validate:"min=1"`
	AutoMaintenance     bool          `koanf:"auto_maintenance"`
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`
}

type MonitoringConfig struct {
	Enabled              bool          `koanf:"enabled"`
	SlowQueryThreshold   time.Duration `koanf:"slow_query_threshold"`
	MetricsRetentionDays int           `koanf:"metrics_retention_days" validate:"min=1"`
	AutoOptimization     bool          `koanf:"auto_optimization"`
	ReportInterval       time.Duration `koanf:"report_interval"`
}

type ProcessorConfig struct {
	QueueName       string        `koanf:"queue_name" validate:"required"`
	Concurrency     int           `koanf:"concurrency" validate:"min=1"`
	EnqueueTimeout  time.Duration `koanf:"enqueue_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Retry           RetryConfig   `koanf:"retry"`
	Breaker         BreakerConfig `koanf:"breaker"`
	DLQ             DLQConfig     `koanf:"dlq"`
}

type RetryConfig struct {
	MaxRetries      int           `koanf:"max_retries" validate:"min=0"`
	Strategy        string        `koanf:"strategy" validate:"oneof=fixed linear exponential"`
	BaseDelay       time.Duration `koanf:"base_delay"`
	MaxDelay        time.Duration `koanf:"max_delay"`
	Jitter          bool          `koanf:"jitter"`
	RetryableErrors []string      `koanf:"retryable_errors"`
}

type BreakerConfig struct {
	FailureThreshold  int           `koanf:"failure_threshold" validate:"min=1"`
	MinimumThroughput int           `koanf:"minimum_throughput" validate:"min=1"`
	RecoveryTimeout   time.Duration `koanf:"recovery_timeout"`
}

type DLQConfig struct {
	MaxSize              int           `koanf:"max_size" validate:"min=1"`
	RetentionDays        int           `koanf:"retention_days" validate:"min=1"`
	AlertThreshold       int           `koanf:"alert_threshold" validate:"min=1"`
	FailureRateThreshold float64       `koanf:"failure_rate_threshold"`
	AlertCooldown        time.Duration `koanf:"alert_cooldown"`
}

type ValidationConfig struct {
	MaxStringLength     int `koanf:"max_string_length" validate:"min=1"`
	MaxCustomFieldDepth int `koanf:"max_custom_field_depth" validate:"min=1"`
}

type SecurityConfig struct {
	EncryptionKey string `koanf:"encryption_key" validate:"required,min=32"`
	SessionSecret string `koanf:"session_secret" validate:"required,min=32"`
}

type ExportConfig struct {
	DefaultFormat string           `koanf:"default_format" validate:"oneof=json csv xml pdf"`
	Compression   string           `koanf:"compression" validate:"omitempty,oneof=gzip zip"`
	Encryption    EncryptionConfig `koanf:"encryption"`
	MaxPDFEvents  int              `koanf:"max_pdf_events" validate:"min=1"`
}

type EncryptionConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Algorithm string `koanf:"algorithm" validate:"omitempty,oneof=AES-256-GCM"`
	KeyID     string `koanf:"key_id"`
}

// Load loads configuration from defaults, an optional YAML file, and
// AUDIT_-prefixed environment variables, then validates the result.
// Validation failures abort startup with structured diagnostics.
func Load(configPath ...string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	cfgPath := "configs/config.yaml"
	if len(configPath) > 0 && configPath[0] != "" {
		cfgPath = configPath[0]
	}
	if err := k.Load(file.Provider(cfgPath), yaml.Parser()); err != nil {
		// Config file is optional; env and defaults may be sufficient.
	}

	if err := k.Load(env.Provider("AUDIT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "AUDIT_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct-tag validation over the whole tree and converts
// violations into a single structured startup error.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		details := map[string]interface{}{}
		fields := make([]string, 0)
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				field := fe.Namespace()
				fields = append(fields, field)
				details[field] = fmt.Sprintf("failed %q constraint", fe.Tag())
			}
		}
		return apperrors.NewConfigError(
			fmt.Sprintf("invalid configuration: %s", strings.Join(fields, ", "))).
			WithDetails(details).WithCause(err)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

func defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			URL:                 "postgres://localhost:5432/audit?sslmode=disable",
			PoolSize:            25,
			MinConnections:      5,
			ConnectionTimeout:   5 * time.Second,
			AcquireTimeout:      10 * time.Second,
			IdleTimeout:         10 * time.Minute,
			ValidateConnections: true,
			RetryAttempts:       3,
			RetryDelay:          500 * time.Millisecond,
			ReplicaPolicy:       "round_robin",
			MaxReplicaLag:       5 * time.Second,
			FallbackToMaster:    true,
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSizeMB:  100,
			DefaultTTL: 5 * time.Minute,
			MaxQueries: 10000,
			KeyPrefix:  "audit:cache:",
		},
		Partitioning: PartitioningConfig{
			Strategy:            "range",
			Interval:            "monthly",
			RetentionDays:       2190, // six years, HIPAA floor
			AutoMaintenance:     true,
			MaintenanceInterval: 24 * time.Hour,
		},
		Monitoring: MonitoringConfig{
			Enabled:              true,
			SlowQueryThreshold:   time.Second,
			MetricsRetentionDays: 1,
			AutoOptimization:     false,
			ReportInterval:       5 * time.Minute,
		},
		Processor: ProcessorConfig{
			QueueName:       "audit-events",
			Concurrency:     8,
			EnqueueTimeout:  5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxRetries: 3,
				Strategy:   "exponential",
				BaseDelay:  200 * time.Millisecond,
				MaxDelay:   30 * time.Second,
				Jitter:     true,
			},
			Breaker: BreakerConfig{
				FailureThreshold:  5,
				MinimumThroughput: 10,
				RecoveryTimeout:   30 * time.Second,
			},
			DLQ: DLQConfig{
				MaxSize:              10000,
				RetentionDays:        30,
				AlertThreshold:       100,
				FailureRateThreshold: 0.1,
				AlertCooldown:        5 * time.Minute,
			},
		},
		Validation: ValidationConfig{
			MaxStringLength:     2048,
			MaxCustomFieldDepth: 5,
		},
		Security: SecurityConfig{
			EncryptionKey: "change-me-change-me-change-me-change-me",
			SessionSecret: "change-me-change-me-change-me-change-me",
		},
		Export: ExportConfig{
			DefaultFormat: "json",
			Encryption: EncryptionConfig{
				Algorithm: "AES-256-GCM",
			},
			MaxPDFEvents: 100,
		},
	}
}
