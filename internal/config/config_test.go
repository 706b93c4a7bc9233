package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected port 8080, got %q", cfg.Port)
	}
	if cfg.TenantBreaker.Observation.Enabled {
		t.Fatalf("observation must be disabled by default")
	}
	if got := cfg.TenantBreaker.Observation.Window(); got != 10*time.Minute {
		t.Fatalf("expected 10m window, got %s", got)
	}
	if cfg.Performance.CleanupCompletedAfterDays != 30 || cfg.Performance.CleanupFailedAfterDays != 7 {
		t.Fatalf("unexpected retention defaults: %+v", cfg.Performance)
	}
	if cfg.Validation.MinAdjustments != 7 || cfg.Validation.MinTaxes != 4 {
		t.Fatalf("unexpected validation minimums: %+v", cfg.Validation)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("TSMS_TENANT_BREAKER_OBSERVATION_ENABLED", "true")
	t.Setenv("TSMS_CIRCUIT_BREAKER_COOLDOWN", "90s")
	t.Setenv("TSMS_PERFORMANCE_CLEANUP_FAILED_AFTER_DAYS", "3")

	v, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9999" {
		t.Fatalf("expected legacy PORT to apply, got %q", cfg.Port)
	}
	if !cfg.TenantBreaker.Observation.Enabled {
		t.Fatalf("expected observation enabled from env")
	}
	if cfg.CircuitBreaker.Cooldown != 90*time.Second {
		t.Fatalf("expected 90s cooldown, got %s", cfg.CircuitBreaker.Cooldown)
	}
	if cfg.Performance.CleanupFailedAfterDays != 3 {
		t.Fatalf("expected 3 days, got %d", cfg.Performance.CleanupFailedAfterDays)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{key: "forwarding.max_attempts", value: "0"},
		{key: "circuit_breaker.threshold", value: "0"},
		{key: "tenant_breaker.observation.failure_ratio_threshold", value: "1.5"},
		{key: "schedule.cleanup_at", value: "25:99"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			v, err := New()
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			v.Set(tc.key, tc.value)
			if _, err := Load(v); err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	got, err := ParseClock("02:30")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 2*time.Hour+30*time.Minute {
		t.Fatalf("expected 2h30m, got %s", got)
	}
}
