package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/relay/pkg/gateway/auth"
	"github.com/voicebridge/relay/pkg/gateway/config"
	"github.com/voicebridge/relay/pkg/gateway/lifecycle"
	"github.com/voicebridge/relay/pkg/gateway/metrics"
	"github.com/voicebridge/relay/pkg/gateway/mw"
	"github.com/voicebridge/relay/pkg/gateway/protocol"
	"github.com/voicebridge/relay/pkg/gateway/ratelimit"
	"github.com/voicebridge/relay/pkg/gateway/relay"
	"github.com/voicebridge/relay/pkg/gateway/session"
	"github.com/voicebridge/relay/pkg/gateway/upstream"
)

// UpstreamConnector abstracts the upstream dial so tests can substitute a
// local endpoint.
type UpstreamConnector interface {
	Connect(ctx context.Context, sessionID string) (*websocket.Conn, error)
}

// RealtimeHandler handles /v1/realtime websocket sessions: authenticate,
// admit, open the upstream leg, then hand both connections to the relay.
type RealtimeHandler struct {
	Config        config.Config
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Sessions      *session.Registry
	Upstream      UpstreamConnector
	Logger        *slog.Logger
	Lifecycle     *lifecycle.Lifecycle
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed", reqID)
		return
	}
	if h.Lifecycle.IsDraining() {
		mw.WriteJSONError(w, http.StatusServiceUnavailable, "overloaded", "server is draining", reqID)
		return
	}
	if !h.originAllowed(r) {
		mw.WriteJSONError(w, http.StatusForbidden, "permission", "origin is not allowed", reqID)
		return
	}

	userID, err := h.Authenticator.Authenticate(r)
	if err != nil {
		mw.WriteJSONError(w, http.StatusUnauthorized, "authentication", "invalid or missing credentials", reqID)
		return
	}

	upgrader := websocket.Upgrader{
		// Origin was checked above against the configured allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	if h.Config.MaxMessageBytes > 0 {
		clientConn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	dec := h.Limiter.Admit(userID, time.Now())
	if !dec.Allowed {
		metrics.AdmissionRejections.WithLabelValues(string(dec.Reason)).Inc()
		h.Logger.Warn("connection rejected",
			"request_id", reqID, "user_id", userID, "reason", string(dec.Reason))
		h.writeWSError(clientConn, string(dec.Reason), rejectionMessage(dec.Reason))
		return
	}

	sess := h.Sessions.Create(userID)
	sess.AttachClient(clientConn)
	sess.SetPermit(dec.Permit)
	defer h.Sessions.Destroy(sess.ID)

	connectCtx, cancelConnect := context.WithTimeout(r.Context(), h.Config.ConnectTimeout)
	upstreamConn, err := h.Upstream.Connect(connectCtx, sess.ID)
	cancelConnect()
	if err != nil {
		metrics.UpstreamConnectFailures.Inc()
		h.Logger.Error("upstream connect failed",
			"request_id", reqID, "session_id", sess.ID, "error", err)
		h.writeWSError(clientConn, relay.CloseUpstreamFailure, connectFailureMessage(err))
		return
	}
	sess.AttachUpstream(upstreamConn)

	rl, err := relay.New(relay.Deps{
		Session:  sess,
		Client:   clientConn,
		Upstream: upstreamConn,
		Limiter:  h.Limiter,
		Logger:   h.Logger,
		Config: relay.Config{
			IdleTimeout:        h.Config.IdleTimeout,
			MaxSessionDuration: h.Config.MaxSessionDuration,
			CancelGrace:        h.Config.CancelGrace,
			PingInterval:       h.Config.WSPingInterval,
			WriteTimeout:       h.Config.WSWriteTimeout,
		},
	})
	if err != nil {
		h.writeWSError(clientConn, "internal", "failed to initialize session")
		return
	}
	sess.SetHandle(rl.Cancel, rl.Warn)

	h.Logger.Info("session started",
		"request_id", reqID, "session_id", sess.ID, "user_id", userID)

	if err := rl.Run(); err != nil {
		h.Logger.Warn("session ended with error",
			"request_id", reqID, "session_id", sess.ID, "error", err)
	}
}

func (h RealtimeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h RealtimeHandler) writeWSError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteMessage(websocket.TextMessage, protocol.ErrorPayload(code, message))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(2*time.Second))
}

func rejectionMessage(reason ratelimit.Reason) string {
	switch reason {
	case ratelimit.ReasonTooManyConnections:
		return "too many concurrent connections for this user"
	case ratelimit.ReasonRateLimitExceeded:
		return "request rate limit exceeded"
	default:
		return "connection rejected"
	}
}

func connectFailureMessage(err error) string {
	var ce *upstream.ConnectError
	if errors.As(err, &ce) {
		switch ce.Reason {
		case upstream.ReasonRejected:
			return "upstream rejected the connection"
		case upstream.ReasonTimedOut:
			return "upstream connection timed out"
		case upstream.ReasonBadConfig:
			return "upstream is misconfigured"
		}
	}
	return "could not reach the speech service"
}
