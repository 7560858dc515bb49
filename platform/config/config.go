// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// RedisConfig provides the shared Redis connection used for locks and caches.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	IsRedisEnabled() bool
}

// SchedulerConfig provides settings for the asynq-backed scheduler.
type SchedulerConfig interface {
	RedisConfig
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetDeferredPollInterval() time.Duration
	GetDateTriggerInterval() time.Duration
	GetOutboxPollInterval() time.Duration
}

// EngineConfig provides the automation engine limits and policies.
type EngineConfig interface {
	GetCascadeLimit() int
	GetExitCriteriaPolicy() string
}

// AnalyticsConfig provides settings for analytics generation.
type AnalyticsConfig interface {
	GetAnalyticsDefaultPeriod() time.Duration
	GetAnalyticsCacheTTL() time.Duration
	GetAnalyticsArchiveBucket() string
}

// EmailConfig provides settings for SMTP delivery of send_email actions.
type EmailConfig interface {
	GetEmailEnabled() bool
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetEmailFromName() string
	GetEmailFromAddress() string
}

// WebhookConfig provides settings for outbound webhook calls.
type WebhookConfig interface {
	GetWebhookTimeout() time.Duration
	GetWebhookSigningSecret() string
}

// MinIOConfig provides settings for MinIO S3-compatible storage.
type MinIOConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	IsMinIOEnabled() bool
}

// KafkaConfig provides settings for the movement stream.
type KafkaConfig interface {
	GetKafkaBrokers() []string
	GetKafkaMovementTopic() string
	IsKafkaEnabled() bool
}

// TelemetryConfig provides tracing settings.
type TelemetryConfig interface {
	GetServiceName() string
	IsTracingEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                    string
	ServiceName            string
	HTTPAddr               string
	DatabaseURL            string
	JWTAccessSecret        string
	CORSAllowAll           bool
	CORSOrigins            []string
	CORSAllowCreds         bool
	RedisURL               string
	RedisTLSInsecure       bool
	AsynqQueueName         string
	AsynqConcurrency       int
	DeferredPollInterval   time.Duration
	DateTriggerInterval    time.Duration
	OutboxPollInterval     time.Duration
	CascadeLimit           int
	ExitCriteriaPolicy     string
	AnalyticsDefaultPeriod time.Duration
	AnalyticsCacheTTL      time.Duration
	AnalyticsArchiveBucket string
	EmailEnabled           bool
	SMTPHost               string
	SMTPPort               int
	SMTPUsername           string
	SMTPPassword           string
	EmailFromName          string
	EmailFromAddress       string
	WebhookTimeout         time.Duration
	WebhookSigningSecret   string
	MinIOEndpoint          string
	MinIOAccessKey         string
	MinIOSecretKey         string
	MinIOUseSSL            bool
	KafkaBrokers           []string
	KafkaMovementTopic     string
	TracingEnabled         bool
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// RedisConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) IsRedisEnabled() bool      { return c.RedisURL != "" }

// SchedulerConfig implementation
func (c *Config) GetAsynqQueueName() string              { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int               { return c.AsynqConcurrency }
func (c *Config) GetDeferredPollInterval() time.Duration { return c.DeferredPollInterval }
func (c *Config) GetDateTriggerInterval() time.Duration  { return c.DateTriggerInterval }
func (c *Config) GetOutboxPollInterval() time.Duration   { return c.OutboxPollInterval }

// EngineConfig implementation
func (c *Config) GetCascadeLimit() int          { return c.CascadeLimit }
func (c *Config) GetExitCriteriaPolicy() string { return c.ExitCriteriaPolicy }

// AnalyticsConfig implementation
func (c *Config) GetAnalyticsDefaultPeriod() time.Duration { return c.AnalyticsDefaultPeriod }
func (c *Config) GetAnalyticsCacheTTL() time.Duration      { return c.AnalyticsCacheTTL }
func (c *Config) GetAnalyticsArchiveBucket() string        { return c.AnalyticsArchiveBucket }

// EmailConfig implementation
func (c *Config) GetEmailEnabled() bool       { return c.EmailEnabled }
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }

// WebhookConfig implementation
func (c *Config) GetWebhookTimeout() time.Duration { return c.WebhookTimeout }
func (c *Config) GetWebhookSigningSecret() string  { return c.WebhookSigningSecret }

// MinIOConfig implementation
func (c *Config) GetMinIOEndpoint() string  { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool      { return c.MinIOUseSSL }
func (c *Config) IsMinIOEnabled() bool      { return c.MinIOEndpoint != "" }

// KafkaConfig implementation
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaMovementTopic() string { return c.KafkaMovementTopic }
func (c *Config) IsKafkaEnabled() bool          { return len(c.KafkaBrokers) > 0 }

// TelemetryConfig implementation
func (c *Config) GetServiceName() string { return c.ServiceName }
func (c *Config) IsTracingEnabled() bool { return c.TracingEnabled }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	smtpHost := getEnv("SMTP_HOST", "")
	emailEnabled := strings.EqualFold(getEnv("EMAIL_ENABLED", "true"), "true")

	cfg := &Config{
		Env:                    getEnv("APP_ENV", "development"),
		ServiceName:            getEnv("SERVICE_NAME", "pipeline-engine"),
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		JWTAccessSecret:        getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:           corsAllowAll,
		CORSOrigins:            corsOrigins,
		CORSAllowCreds:         strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisTLSInsecure:       strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:         getEnv("ASYNQ_QUEUE", "pipeline"),
		AsynqConcurrency:       mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		DeferredPollInterval:   mustDuration(getEnv("PIPELINE_DEFERRED_POLL_INTERVAL", "15s")),
		DateTriggerInterval:    mustDuration(getEnv("PIPELINE_DATE_TRIGGER_INTERVAL", "1m")),
		OutboxPollInterval:     mustDuration(getEnv("PIPELINE_OUTBOX_POLL_INTERVAL", "2s")),
		CascadeLimit:           mustInt(getEnv("PIPELINE_CASCADE_LIMIT", "5")),
		ExitCriteriaPolicy:     strings.ToLower(getEnv("PIPELINE_EXIT_CRITERIA_POLICY", "advisory")),
		AnalyticsDefaultPeriod: mustDuration(getEnv("PIPELINE_ANALYTICS_PERIOD", "720h")),
		AnalyticsCacheTTL:      mustDuration(getEnv("PIPELINE_ANALYTICS_CACHE_TTL", "5m")),
		AnalyticsArchiveBucket: getEnv("PIPELINE_ANALYTICS_BUCKET", "pipeline-analytics"),
		EmailEnabled:           emailEnabled && smtpHost != "",
		SMTPHost:               smtpHost,
		SMTPPort:               mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:           getEnv("SMTP_USERNAME", ""),
		SMTPPassword:           getEnv("SMTP_PASSWORD", ""),
		EmailFromName:          getEnv("EMAIL_FROM_NAME", "Pipeline"),
		EmailFromAddress:       getEnv("EMAIL_FROM_ADDRESS", ""),
		WebhookTimeout:         mustDuration(getEnv("WEBHOOK_TIMEOUT", "10s")),
		WebhookSigningSecret:   getEnv("WEBHOOK_SIGNING_SECRET", ""),
		MinIOEndpoint:          getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:         getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:         getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:            strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		KafkaBrokers:           splitCSV(getEnv("KAFKA_BROKERS", "")),
		KafkaMovementTopic:     getEnv("KAFKA_MOVEMENT_TOPIC", "pipeline.movements"),
		TracingEnabled:         strings.EqualFold(getEnv("OTEL_ENABLED", "false"), "true"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTAccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if c.CascadeLimit <= 0 {
		return fmt.Errorf("PIPELINE_CASCADE_LIMIT must be a positive integer")
	}
	if c.ExitCriteriaPolicy != "strict" && c.ExitCriteriaPolicy != "advisory" {
		return fmt.Errorf("PIPELINE_EXIT_CRITERIA_POLICY must be strict or advisory, got %q", c.ExitCriteriaPolicy)
	}
	if c.AnalyticsDefaultPeriod <= 0 {
		return fmt.Errorf("PIPELINE_ANALYTICS_PERIOD must be a positive duration")
	}
	if c.EmailEnabled && c.EmailFromAddress == "" {
		return fmt.Errorf("EMAIL_FROM_ADDRESS is required when email is enabled")
	}
	if c.CORSAllowAll && c.CORSAllowCreds {
		return fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
