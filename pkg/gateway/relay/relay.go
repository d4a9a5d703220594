// Package relay pumps frames between one client connection and one upstream
// connection, inspecting a handful of lifecycle markers without ever
// transforming payload bytes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/relay/pkg/gateway/metrics"
	"github.com/voicebridge/relay/pkg/gateway/protocol"
	"github.com/voicebridge/relay/pkg/gateway/session"
)

// Close reasons reported to the client when the relay ends the session.
const (
	CloseRateLimitExceeded = "rate_limit_exceeded"
	CloseIdleTimeout       = "idle_timeout"
	CloseSessionExpired    = "session_expired"
	CloseUpstreamFailure   = "upstream_failure"
)

var (
	ErrRateLimited    = errors.New("request rate limit exceeded")
	ErrIdleTimeout    = errors.New("session idle timeout")
	ErrSessionExpired = errors.New("max session duration reached")
)

// Conn is the subset of *websocket.Conn the relay needs. Both connection
// legs satisfy it; tests substitute in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// RequestBudget is the mid-session request-rate check. Satisfied by
// *ratelimit.Limiter.
type RequestBudget interface {
	Allow(userID string, now time.Time) bool
}

type Config struct {
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	CancelGrace        time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration
}

type Deps struct {
	Session  *session.Session
	Client   Conn
	Upstream Conn
	Limiter  RequestBudget
	Logger   *slog.Logger
	Config   Config
	Now      func() time.Time
}

type Relay struct {
	sess     *session.Session
	client   Conn
	upstream Conn
	limiter  RequestBudget
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// gorilla conns permit one concurrent writer per connection; the pump
	// loop shares its destination with warnings and the final close path.
	clientWriteMu   sync.Mutex
	upstreamWriteMu sync.Mutex

	lastActivity atomic.Int64 // unix nanos
	startedAt    time.Time
}

func New(deps Deps) (*Relay, error) {
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if deps.Client == nil || deps.Upstream == nil {
		return nil, fmt.Errorf("both connections are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.CancelGrace <= 0 {
		deps.Config.CancelGrace = 5 * time.Second
	}
	if deps.Config.PingInterval <= 0 {
		deps.Config.PingInterval = 20 * time.Second
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		sess:     deps.Session,
		client:   deps.Client,
		upstream: deps.Upstream,
		limiter:  deps.Limiter,
		logger:   deps.Logger,
		cfg:      deps.Config,
		now:      deps.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.startedAt = r.now()
	r.lastActivity.Store(r.startedAt.UnixNano())
	return r, nil
}

// Cancel interrupts both pump loops. Safe to call from any goroutine and
// more than once.
func (r *Relay) Cancel() { r.cancel() }

// Warn sends a control event to the client without closing the session.
func (r *Relay) Warn(code, message string) error {
	return r.writeClient(websocket.TextMessage, protocol.ErrorPayload(code, message))
}

// Run pumps both directions until either side closes, an unrecoverable error
// occurs, or a timeout fires. It returns once both loops have stopped; the
// caller is responsible for destroying the session afterwards.
func (r *Relay) Run() error {
	defer r.cancel()

	g, ctx := errgroup.WithContext(r.ctx)

	// Interrupt any in-progress blocking read once the group is done.
	unblock := make(chan struct{})
	defer close(unblock)
	go func() {
		select {
		case <-ctx.Done():
		case <-unblock:
		}
		past := time.Unix(0, 0).Add(time.Nanosecond)
		_ = r.client.SetReadDeadline(past)
		_ = r.upstream.SetReadDeadline(past)
	}()

	g.Go(func() error { return r.pumpClientToUpstream(ctx) })
	g.Go(func() error { return r.pumpUpstreamToClient(ctx) })
	g.Go(func() error { return r.watchdog(ctx) })

	err := g.Wait()
	r.finish(err)
	if err != nil && !isDisconnect(err) {
		return err
	}
	return nil
}

func (r *Relay) pumpClientToUpstream(ctx context.Context) error {
	for {
		messageType, data, err := r.client.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client read: %w", err)
		}
		r.touch()

		if messageType == websocket.TextMessage {
			if r.limiter != nil && !r.limiter.Allow(r.sess.UserID, r.now()) {
				return ErrRateLimited
			}
			marker := protocol.Classify(messageType, data)
			if marker.Kind == protocol.ResponseCancel {
				id := r.sess.MarkCancelled(marker.ResponseID, r.now().Add(r.cfg.CancelGrace))
				r.logger.Info("response cancellation requested",
					"session_id", r.sess.ID, "response_id", id)
			}
		}

		if err := r.writeUpstream(messageType, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("upstream write: %w", err)
		}
		r.sess.AddMessage()
		metrics.FramesRelayed.WithLabelValues(metrics.DirectionClientToUpstream).Inc()
	}
}

func (r *Relay) pumpUpstreamToClient(ctx context.Context) error {
	for {
		messageType, data, err := r.upstream.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("upstream read: %w", err)
		}
		r.touch()

		marker := protocol.Classify(messageType, data)
		switch marker.Kind {
		case protocol.ResponseStarted:
			if r.sess.Cancelling(r.now()) {
				r.logger.Debug("response started while cancellation pending",
					"session_id", r.sess.ID, "response_id", marker.ResponseID)
			}
			r.sess.ResponseStarted(marker.ResponseID)
		case protocol.AudioDelta:
			if r.sess.IsCancelled(marker.ResponseID, r.now()) {
				// The client already abandoned this response; suppress its
				// late audio instead of forwarding it.
				metrics.FramesDropped.Inc()
				continue
			}
		case protocol.ResponseDone:
			if !r.sess.ResponseDone(marker.ResponseID) && marker.ResponseID != "" {
				r.logger.Debug("completion for inactive response",
					"session_id", r.sess.ID, "response_id", marker.ResponseID)
			}
		case protocol.ResponseCancel:
			r.sess.MarkCancelled(marker.ResponseID, r.now().Add(r.cfg.CancelGrace))
		case protocol.UpstreamError:
			// Soft errors forward as-is; only a connection-level failure
			// ends the session.
			r.logger.Warn("upstream error event",
				"session_id", r.sess.ID, "message", marker.ErrMessage)
		}

		if err := r.writeClient(messageType, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client write: %w", err)
		}
		r.sess.AddMessage()
		metrics.FramesRelayed.WithLabelValues(metrics.DirectionUpstreamToClient).Inc()
	}
}

func (r *Relay) watchdog(ctx context.Context) error {
	interval := time.Second
	if r.cfg.IdleTimeout > 0 && r.cfg.IdleTimeout < 4*interval {
		interval = r.cfg.IdleTimeout / 4
	}
	if r.cfg.MaxSessionDuration > 0 && r.cfg.MaxSessionDuration < 4*interval {
		interval = r.cfg.MaxSessionDuration / 4
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	check := time.NewTicker(interval)
	defer check.Stop()
	ping := time.NewTicker(r.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			deadline := r.now().Add(r.cfg.WriteTimeout)
			_ = r.client.WriteControl(websocket.PingMessage, nil, deadline)
			_ = r.upstream.WriteControl(websocket.PingMessage, nil, deadline)
		case <-check.C:
			now := r.now()
			if r.cfg.MaxSessionDuration > 0 && now.Sub(r.startedAt) > r.cfg.MaxSessionDuration {
				return ErrSessionExpired
			}
			if r.cfg.IdleTimeout > 0 && now.Sub(time.Unix(0, r.lastActivity.Load())) > r.cfg.IdleTimeout {
				return ErrIdleTimeout
			}
		}
	}
}

// finish reports the close reason to the client when one applies. Both pump
// loops have stopped by the time it runs.
func (r *Relay) finish(err error) {
	reason := ""
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, ErrRateLimited):
		reason = CloseRateLimitExceeded
	case errors.Is(err, ErrIdleTimeout):
		reason = CloseIdleTimeout
	case errors.Is(err, ErrSessionExpired):
		reason = CloseSessionExpired
	case isDisconnect(err):
	default:
		reason = CloseUpstreamFailure
	}
	if reason == "" {
		deadline := r.now().Add(r.cfg.WriteTimeout)
		_ = r.client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return
	}

	_ = r.writeClient(websocket.TextMessage, protocol.ErrorPayload(reason, err.Error()))
	deadline := r.now().Add(r.cfg.WriteTimeout)
	_ = r.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	r.logger.Warn("session ending",
		"session_id", r.sess.ID, "user_id", r.sess.UserID, "reason", reason, "error", err)
}

func (r *Relay) writeClient(messageType int, data []byte) error {
	r.clientWriteMu.Lock()
	defer r.clientWriteMu.Unlock()
	_ = r.client.SetWriteDeadline(r.now().Add(r.cfg.WriteTimeout))
	return r.client.WriteMessage(messageType, data)
}

func (r *Relay) writeUpstream(messageType int, data []byte) error {
	r.upstreamWriteMu.Lock()
	defer r.upstreamWriteMu.Unlock()
	_ = r.upstream.SetWriteDeadline(r.now().Add(r.cfg.WriteTimeout))
	return r.upstream.WriteMessage(messageType, data)
}

func (r *Relay) touch() {
	r.lastActivity.Store(r.now().UnixNano())
}

// isDisconnect reports whether an error is an ordinary end of connection
// rather than a relay failure.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Read deadlines are only ever forced by the unblock path.
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}
