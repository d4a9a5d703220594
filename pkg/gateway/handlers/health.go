package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicebridge/relay/pkg/gateway/config"
	"github.com/voicebridge/relay/pkg/gateway/lifecycle"
	"github.com/voicebridge/relay/pkg/gateway/session"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *session.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		AuthMode       string   `json:"auth_mode"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && h.Config.JWTSecret == "" {
		issues = append(issues, "auth_mode=required but no jwt secret configured")
	}
	if h.Config.UpstreamEndpoint == "" {
		issues = append(issues, "upstream endpoint not configured")
	}
	if h.Config.UpstreamAPIKey == "" {
		issues = append(issues, "upstream api key not configured")
	}
	if h.Config.MaxConnectionsPerUser <= 0 {
		issues = append(issues, "max connections per user must be > 0")
	}
	if h.Config.MaxRequestsPerMinute <= 0 {
		issues = append(issues, "max requests per minute must be > 0")
	}
	if h.Config.MaxMessageBytes <= 0 {
		issues = append(issues, "max message bytes must be > 0")
	}
	if h.Config.ConnectTimeout <= 0 || h.Config.IdleTimeout <= 0 || h.Config.MaxSessionDuration <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	active := 0
	if h.Sessions != nil {
		active = h.Sessions.Count()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		AuthMode:       string(h.Config.AuthMode),
		ActiveSessions: active,
		Issues:         issues,
	})
}
