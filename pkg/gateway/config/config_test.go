package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_UPSTREAM_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("RELAY_UPSTREAM_API_KEY", "k")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Addr != ":8001" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeOptional {
		t.Fatalf("auth mode = %q", cfg.AuthMode)
	}
	if cfg.MaxConnectionsPerUser != 3 {
		t.Fatalf("max connections = %d", cfg.MaxConnectionsPerUser)
	}
	if cfg.MaxRequestsPerMinute != 60 {
		t.Fatalf("max requests = %d", cfg.MaxRequestsPerMinute)
	}
	if cfg.MaxSessionDuration != time.Hour {
		t.Fatalf("max session duration = %v", cfg.MaxSessionDuration)
	}
	if cfg.MaxMessageBytes != 10<<20 {
		t.Fatalf("max message bytes = %d", cfg.MaxMessageBytes)
	}
	if cfg.UpstreamDeployment != "gpt-realtime" {
		t.Fatalf("deployment = %q", cfg.UpstreamDeployment)
	}
	if cfg.Voice != "alloy" {
		t.Fatalf("voice = %q", cfg.Voice)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("cors origins = %v, want empty", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_ADDR", ":9000")
	t.Setenv("RELAY_AUTH_MODE", "required")
	t.Setenv("RELAY_JWT_SECRET", "s3cret")
	t.Setenv("RELAY_MAX_CONNECTIONS_PER_USER", "5")
	t.Setenv("RELAY_MAX_REQUESTS_PER_MINUTE", "120")
	t.Setenv("RELAY_IDLE_TIMEOUT", "45s")
	t.Setenv("RELAY_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeRequired || cfg.JWTSecret != "s3cret" {
		t.Fatalf("auth = %q/%q", cfg.AuthMode, cfg.JWTSecret)
	}
	if cfg.MaxConnectionsPerUser != 5 || cfg.MaxRequestsPerMinute != 120 {
		t.Fatalf("limits = %d/%d", cfg.MaxConnectionsPerUser, cfg.MaxRequestsPerMinute)
	}
	if cfg.IdleTimeout != 45*time.Second {
		t.Fatalf("idle timeout = %v", cfg.IdleTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("cors origins = %v", cfg.CORSAllowedOrigins)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok {
		t.Fatalf("cors origins missing b.example: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T)
		wantVar string
	}{
		{
			name:    "missing endpoint",
			mutate:  func(t *testing.T) { t.Setenv("RELAY_UPSTREAM_ENDPOINT", "") },
			wantVar: "RELAY_UPSTREAM_ENDPOINT",
		},
		{
			name:    "missing api key",
			mutate:  func(t *testing.T) { t.Setenv("RELAY_UPSTREAM_API_KEY", "") },
			wantVar: "RELAY_UPSTREAM_API_KEY",
		},
		{
			name:    "bad auth mode",
			mutate:  func(t *testing.T) { t.Setenv("RELAY_AUTH_MODE", "sometimes") },
			wantVar: "RELAY_AUTH_MODE",
		},
		{
			name:    "zero connection ceiling",
			mutate:  func(t *testing.T) { t.Setenv("RELAY_MAX_CONNECTIONS_PER_USER", "0") },
			wantVar: "RELAY_MAX_CONNECTIONS_PER_USER",
		},
		{
			name:    "negative request budget",
			mutate:  func(t *testing.T) { t.Setenv("RELAY_MAX_REQUESTS_PER_MINUTE", "-1") },
			wantVar: "RELAY_MAX_REQUESTS_PER_MINUTE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			tt.mutate(t)
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("load should fail")
			}
			if !strings.Contains(err.Error(), tt.wantVar) {
				t.Fatalf("error %q should name %s", err, tt.wantVar)
			}
		})
	}
}

func TestEnvHelpers_IgnoreUnparseableValues(t *testing.T) {
	t.Setenv("X_INT", "not-a-number")
	if got := envIntOr("X_INT", 7); got != 7 {
		t.Fatalf("envIntOr = %d, want 7", got)
	}
	t.Setenv("X_DUR", "soon")
	if got := envDurationOr("X_DUR", time.Minute); got != time.Minute {
		t.Fatalf("envDurationOr = %v, want 1m", got)
	}
}
