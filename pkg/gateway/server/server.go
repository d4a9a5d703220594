package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicebridge/relay/pkg/gateway/auth"
	"github.com/voicebridge/relay/pkg/gateway/config"
	"github.com/voicebridge/relay/pkg/gateway/handlers"
	"github.com/voicebridge/relay/pkg/gateway/lifecycle"
	"github.com/voicebridge/relay/pkg/gateway/metrics"
	"github.com/voicebridge/relay/pkg/gateway/mw"
	"github.com/voicebridge/relay/pkg/gateway/ratelimit"
	"github.com/voicebridge/relay/pkg/gateway/session"
	"github.com/voicebridge/relay/pkg/gateway/upstream"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	authenticator *auth.Authenticator
	limiter       *ratelimit.Limiter
	sessions      *session.Registry
	connector     *upstream.Connector
	lifecycle     *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		mux:           http.NewServeMux(),
		authenticator: auth.New(cfg),
		limiter: ratelimit.New(ratelimit.Config{
			MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
			MaxRequestsPerMinute:  cfg.MaxRequestsPerMinute,
		}),
		sessions:  session.NewRegistry(logger),
		connector: upstream.NewConnector(cfg, logger),
		lifecycle: &lifecycle.Lifecycle{},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.Handle("/v1/realtime", handlers.RealtimeHandler{
		Config:        s.cfg,
		Authenticator: s.authenticator,
		Limiter:       s.limiter,
		Sessions:      s.sessions,
		Upstream:      s.connector,
		Logger:        s.logger,
		Lifecycle:     s.lifecycle,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// RunSweeper destroys sessions older than the configured maximum on a fixed
// interval until ctx is cancelled.
func (s *Server) RunSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.Sweep(s.cfg.MaxSessionDuration); n > 0 {
				s.logger.Info("swept stale sessions", "count", n)
			}
		}
	}
}

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnSessionsDraining() {
	s.sessions.WarnAll("server_shutdown", "server is shutting down")
}

// WaitSessions blocks until every session has been destroyed or ctx expires.
// It reports whether the registry fully drained.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelSessions() {
	s.sessions.CancelAll()
}
