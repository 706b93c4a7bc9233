package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Server configuration
	Port     string
	LogLevel string

	// Storage: postgres://..., sqlite://path or sqlite://:memory:
	DatabaseURL string

	// Redis configuration; empty keeps counters and job locks in-process
	RedisAddr string

	Forwarding     ForwardingConfig
	CircuitBreaker CircuitBreakerConfig
	TenantBreaker  TenantBreakerConfig
	Performance    PerformanceConfig
	Health         HealthConfig
	Schedule       ScheduleConfig
	Validation     ValidationConfig
	Events         EventsConfig
}

// ForwardingConfig describes the downstream web application and the retry budget.
type ForwardingConfig struct {
	Endpoint             string
	AuthToken            string
	ServiceName          string
	Timeout              time.Duration
	MaxAttempts          int
	BatchSize            int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	StaleProcessingAfter time.Duration
}

type CircuitBreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

type TenantBreakerConfig struct {
	Observation ObservationConfig
}

// ObservationConfig mirrors tenant_breaker.observation.*.
type ObservationConfig struct {
	Enabled               bool
	MinRequests           int
	FailureRatioThreshold float64
	TimeWindowMinutes     int
}

// Window returns the observation window as a duration.
func (o ObservationConfig) Window() time.Duration {
	return time.Duration(o.TimeWindowMinutes) * time.Minute
}

type PerformanceConfig struct {
	CleanupCompletedAfterDays int
	CleanupFailedAfterDays    int
	EnableAutoCleanup         bool
}

type HealthConfig struct {
	FailedForwardsWarning int
	StalePendingAfter     time.Duration
}

// ScheduleConfig drives the in-process scheduler used by `tsms serve`.
type ScheduleConfig struct {
	Enabled          bool
	DispatchInterval time.Duration
	RetryInterval    time.Duration
	HealthInterval   time.Duration
	CleanupAt        string
}

type ValidationConfig struct {
	MinAdjustments int
	MinTaxes       int
}

type EventsConfig struct {
	Channel string
}

// SetDefaults registers every recognised key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log-level", "info")
	v.SetDefault("database-url", "sqlite://tsms.db")
	v.SetDefault("redis-addr", "")

	v.SetDefault("forwarding.endpoint", "http://webapp:8080/api/transactions/bulk")
	v.SetDefault("forwarding.auth_token", "")
	v.SetDefault("forwarding.service_name", "webapp_forwarding")
	v.SetDefault("forwarding.timeout", 30*time.Second)
	v.SetDefault("forwarding.max_attempts", 3)
	v.SetDefault("forwarding.batch_size", 50)
	v.SetDefault("forwarding.backoff_base", time.Minute)
	v.SetDefault("forwarding.backoff_max", time.Hour)
	v.SetDefault("forwarding.stale_processing_after", 30*time.Minute)

	v.SetDefault("circuit_breaker.threshold", 5)
	v.SetDefault("circuit_breaker.cooldown", 5*time.Minute)

	v.SetDefault("tenant_breaker.observation.enabled", false)
	v.SetDefault("tenant_breaker.observation.min_requests", 20)
	v.SetDefault("tenant_breaker.observation.failure_ratio_threshold", 0.5)
	v.SetDefault("tenant_breaker.observation.time_window_minutes", 10)

	v.SetDefault("performance.cleanup_completed_after_days", 30)
	v.SetDefault("performance.cleanup_failed_after_days", 7)
	v.SetDefault("performance.enable_auto_cleanup", true)

	v.SetDefault("health.failed_forwards_warning", 50)
	v.SetDefault("health.stale_pending_after", time.Hour)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.dispatch_interval", 5*time.Minute)
	v.SetDefault("schedule.retry_interval", 15*time.Minute)
	v.SetDefault("schedule.health_interval", time.Hour)
	v.SetDefault("schedule.cleanup_at", "02:00")

	v.SetDefault("validation.min_adjustments", 7)
	v.SetDefault("validation.min_taxes", 4)

	v.SetDefault("events.channel", "tsms:forwarding:events")
}

// BindEnv wires TSMS_* environment variables (dots become underscores) and
// keeps the historical PORT / REDIS_ADDR / DATABASE_URL names working.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("TSMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, names := range map[string][]string{
		"port":         {"TSMS_PORT", "PORT"},
		"redis-addr":   {"TSMS_REDIS_ADDR", "REDIS_ADDR"},
		"database-url": {"TSMS_DATABASE_URL", "DATABASE_URL"},
	} {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Load builds a Config from v. Callers are expected to have run SetDefaults
// and BindEnv (and optionally ReadInConfig) first.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:        v.GetString("port"),
		LogLevel:    v.GetString("log-level"),
		DatabaseURL: v.GetString("database-url"),
		RedisAddr:   v.GetString("redis-addr"),
		Forwarding: ForwardingConfig{
			Endpoint:             v.GetString("forwarding.endpoint"),
			AuthToken:            v.GetString("forwarding.auth_token"),
			ServiceName:          v.GetString("forwarding.service_name"),
			Timeout:              v.GetDuration("forwarding.timeout"),
			MaxAttempts:          v.GetInt("forwarding.max_attempts"),
			BatchSize:            v.GetInt("forwarding.batch_size"),
			BackoffBase:          v.GetDuration("forwarding.backoff_base"),
			BackoffMax:           v.GetDuration("forwarding.backoff_max"),
			StaleProcessingAfter: v.GetDuration("forwarding.stale_processing_after"),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: v.GetInt("circuit_breaker.threshold"),
			Cooldown:  v.GetDuration("circuit_breaker.cooldown"),
		},
		TenantBreaker: TenantBreakerConfig{
			Observation: ObservationConfig{
				Enabled:               v.GetBool("tenant_breaker.observation.enabled"),
				MinRequests:           v.GetInt("tenant_breaker.observation.min_requests"),
				FailureRatioThreshold: v.GetFloat64("tenant_breaker.observation.failure_ratio_threshold"),
				TimeWindowMinutes:     v.GetInt("tenant_breaker.observation.time_window_minutes"),
			},
		},
		Performance: PerformanceConfig{
			CleanupCompletedAfterDays: v.GetInt("performance.cleanup_completed_after_days"),
			CleanupFailedAfterDays:    v.GetInt("performance.cleanup_failed_after_days"),
			EnableAutoCleanup:         v.GetBool("performance.enable_auto_cleanup"),
		},
		Health: HealthConfig{
			FailedForwardsWarning: v.GetInt("health.failed_forwards_warning"),
			StalePendingAfter:     v.GetDuration("health.stale_pending_after"),
		},
		Schedule: ScheduleConfig{
			Enabled:          v.GetBool("schedule.enabled"),
			DispatchInterval: v.GetDuration("schedule.dispatch_interval"),
			RetryInterval:    v.GetDuration("schedule.retry_interval"),
			HealthInterval:   v.GetDuration("schedule.health_interval"),
			CleanupAt:        v.GetString("schedule.cleanup_at"),
		},
		Validation: ValidationConfig{
			MinAdjustments: v.GetInt("validation.min_adjustments"),
			MinTaxes:       v.GetInt("validation.min_taxes"),
		},
		Events: EventsConfig{
			Channel: v.GetString("events.channel"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Forwarding.MaxAttempts < 1:
		return fmt.Errorf("forwarding.max_attempts must be >= 1, got %d", c.Forwarding.MaxAttempts)
	case c.Forwarding.Timeout <= 0:
		return fmt.Errorf("forwarding.timeout must be positive, got %s", c.Forwarding.Timeout)
	case c.Forwarding.BatchSize < 1:
		return fmt.Errorf("forwarding.batch_size must be >= 1, got %d", c.Forwarding.BatchSize)
	case c.CircuitBreaker.Threshold < 1:
		return fmt.Errorf("circuit_breaker.threshold must be >= 1, got %d", c.CircuitBreaker.Threshold)
	case c.CircuitBreaker.Cooldown < 0:
		return fmt.Errorf("circuit_breaker.cooldown must not be negative, got %s", c.CircuitBreaker.Cooldown)
	case c.TenantBreaker.Observation.FailureRatioThreshold < 0 || c.TenantBreaker.Observation.FailureRatioThreshold > 1:
		return fmt.Errorf("tenant_breaker.observation.failure_ratio_threshold must be within [0,1], got %v", c.TenantBreaker.Observation.FailureRatioThreshold)
	case c.TenantBreaker.Observation.TimeWindowMinutes < 1:
		return fmt.Errorf("tenant_breaker.observation.time_window_minutes must be >= 1, got %d", c.TenantBreaker.Observation.TimeWindowMinutes)
	}
	if _, err := ParseClock(c.Schedule.CleanupAt); err != nil {
		return fmt.Errorf("schedule.cleanup_at: %w", err)
	}
	return nil
}

// ParseClock parses an HH:MM wall clock time into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// New returns a viper instance with defaults and environment bindings applied.
func New() (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, err
	}
	return v, nil
}
