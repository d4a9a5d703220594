package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	// Upstream realtime service (server-side only, never exposed to clients).
	UpstreamEndpoint   string
	UpstreamAPIKey     string
	UpstreamDeployment string
	UpstreamAPIVersion string

	AuthMode AuthMode
	// When set, bearer tokens are verified as HMAC-signed JWTs and the
	// subject claim becomes the user identity. When empty, the raw token
	// is the identity.
	JWTSecret string

	MaxConnectionsPerUser int
	MaxRequestsPerMinute  int

	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	CancelGrace        time.Duration

	MaxMessageBytes int64
	WSPingInterval  time.Duration
	WSWriteTimeout  time.Duration

	// Voice for the fixed session configuration sent upstream before any
	// audio is relayed.
	Voice string

	CORSAllowedOrigins map[string]struct{} // empty => disabled

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	SweepInterval       time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("RELAY_ADDR", ":8001"),
		UpstreamEndpoint:      strings.TrimRight(strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_ENDPOINT")), "/"),
		UpstreamAPIKey:        strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_API_KEY")),
		UpstreamDeployment:    envOr("RELAY_UPSTREAM_DEPLOYMENT", "gpt-realtime"),
		UpstreamAPIVersion:    envOr("RELAY_UPSTREAM_API_VERSION", "2024-10-01-preview"),
		AuthMode:              AuthMode(envOr("RELAY_AUTH_MODE", string(AuthModeOptional))),
		JWTSecret:             strings.TrimSpace(os.Getenv("RELAY_JWT_SECRET")),
		MaxConnectionsPerUser: envIntOr("RELAY_MAX_CONNECTIONS_PER_USER", 3),
		MaxRequestsPerMinute:  envIntOr("RELAY_MAX_REQUESTS_PER_MINUTE", 60),
		ConnectTimeout:        envDurationOr("RELAY_CONNECT_TIMEOUT", 10*time.Second),
		IdleTimeout:           envDurationOr("RELAY_IDLE_TIMEOUT", 90*time.Second),
		MaxSessionDuration:    envDurationOr("RELAY_MAX_SESSION_DURATION", time.Hour),
		CancelGrace:           envDurationOr("RELAY_CANCEL_GRACE", 5*time.Second),
		MaxMessageBytes:       envInt64Or("RELAY_MAX_MESSAGE_BYTES", 10<<20), // 10 MiB
		WSPingInterval:        envDurationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:        envDurationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		Voice:                 envOr("RELAY_VOICE", "alloy"),
		CORSAllowedOrigins:    make(map[string]struct{}),
		ReadHeaderTimeout:     envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		SweepInterval:         envDurationOr("RELAY_SWEEP_INTERVAL", 5*time.Minute),
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("RELAY_AUTH_MODE must be one of required|optional|disabled")
	}

	if cfg.UpstreamEndpoint == "" {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_ENDPOINT must be set")
	}
	if u, err := url.Parse(cfg.UpstreamEndpoint); err != nil || u.Host == "" {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_ENDPOINT must be a valid URL")
	}
	if cfg.UpstreamAPIKey == "" {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.UpstreamDeployment) == "" {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_DEPLOYMENT must not be empty")
	}
	if strings.TrimSpace(cfg.UpstreamAPIVersion) == "" {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_API_VERSION must not be empty")
	}
	if cfg.MaxConnectionsPerUser <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_CONNECTIONS_PER_USER must be > 0")
	}
	if cfg.MaxRequestsPerMinute <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_REQUESTS_PER_MINUTE must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout < 0 {
		return Config{}, fmt.Errorf("RELAY_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.CancelGrace <= 0 {
		return Config{}, fmt.Errorf("RELAY_CANCEL_GRACE must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_SWEEP_INTERVAL must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
