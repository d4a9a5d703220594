// Package upstream opens the relay's outbound connection to the realtime
// speech service, injecting server-held credentials that are never visible to
// clients.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/relay/pkg/gateway/config"
	"github.com/voicebridge/relay/pkg/gateway/protocol"
)

// ConnectError reasons.
const (
	ReasonUnreachable = "unreachable"
	ReasonRejected    = "rejected"
	ReasonBadConfig   = "bad_config"
	ReasonSetupFailed = "setup_failed"
	ReasonTimedOut    = "timed_out"
)

type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream connect failed: %s", e.Reason)
	}
	return fmt.Sprintf("upstream connect failed (%s): %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type Connector struct {
	endpoint   string
	apiKey     string
	deployment string
	apiVersion string

	connectTimeout  time.Duration
	maxMessageBytes int64
	sessionConfig   protocol.SessionConfig

	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewConnector(cfg config.Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		endpoint:        cfg.UpstreamEndpoint,
		apiKey:          cfg.UpstreamAPIKey,
		deployment:      cfg.UpstreamDeployment,
		apiVersion:      cfg.UpstreamAPIVersion,
		connectTimeout:  cfg.ConnectTimeout,
		maxMessageBytes: cfg.MaxMessageBytes,
		sessionConfig:   protocol.DefaultSessionConfig(cfg.Voice),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		logger: logger,
	}
}

// Connect dials the upstream service and sends the fixed session.update
// configuration so the upstream is ready before any audio is forwarded. The
// caller owns the returned connection.
func (c *Connector) Connect(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	target, err := c.buildURL()
	if err != nil {
		return nil, &ConnectError{Reason: ReasonBadConfig, Err: err}
	}

	dialCtx := ctx
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	header := http.Header{"User-Agent": []string{"voicebridge-relay/1.0"}}
	conn, resp, err := c.dialer.DialContext(dialCtx, target, header)
	if err != nil {
		reason := ReasonUnreachable
		switch {
		case dialCtx.Err() != nil:
			reason = ReasonTimedOut
		case resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden):
			reason = ReasonRejected
		}
		if resp != nil {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		return nil, &ConnectError{Reason: reason, Err: err}
	}
	if c.maxMessageBytes > 0 {
		conn.SetReadLimit(c.maxMessageBytes)
	}

	payload, err := protocol.SessionUpdatePayload(c.sessionConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Reason: ReasonBadConfig, Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Reason: ReasonSetupFailed, Err: err}
	}

	c.logger.Info("upstream connected", "session_id", sessionID, "endpoint", redactedEndpoint(target))
	return conn, nil
}

// buildURL assembles the upstream websocket URL. The https scheme is swapped
// for wss; the API key travels only in this server-side URL.
func (c *Connector) buildURL() (string, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(c.endpoint), "/")
	if endpoint == "" {
		return "", fmt.Errorf("upstream endpoint is empty")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse upstream endpoint: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/openai/realtime"

	q := u.Query()
	q.Set("api-version", c.apiVersion)
	q.Set("deployment", c.deployment)
	q.Set("api-key", c.apiKey)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// redactedEndpoint strips credentials from a target URL for logging.
func redactedEndpoint(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "<unparseable>"
	}
	q := u.Query()
	if q.Has("api-key") {
		q.Set("api-key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
