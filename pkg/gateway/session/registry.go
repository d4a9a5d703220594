package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/relay/pkg/gateway/metrics"
)

// Registry owns the canonical session table. Destroy is idempotent: the
// connection-closed and error paths may race to tear down the same session,
// and only the first caller closes connections, releases the rate-limit slot,
// and logs final stats.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	m  map[string]*entry
	wg sync.WaitGroup
}

type entry struct {
	sess *Session
	once sync.Once
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		now:    time.Now,
		m:      make(map[string]*entry),
	}
}

// SetNow overrides the registry clock. Test hook.
func (r *Registry) SetNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func (r *Registry) Create(userID string) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: r.now(),
	}

	r.mu.Lock()
	r.m[s.ID] = &entry{sess: s}
	r.wg.Add(1)
	count := len(r.m)
	r.mu.Unlock()

	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Set(float64(count))
	r.logger.Info("session created", "session_id", s.ID, "user_id", userID, "active_sessions", count)
	return s
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[sessionID]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Destroy removes the session, closes both owned connections, releases the
// rate-limit slot, and logs final stats. Calling it again is a no-op.
func (r *Registry) Destroy(sessionID string) {
	r.mu.Lock()
	e, ok := r.m[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.destroy(sessionID, e)
}

func (r *Registry) destroy(sessionID string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.m[sessionID] == e {
			delete(r.m, sessionID)
		}
		count := len(r.m)
		r.mu.Unlock()

		s := e.sess
		s.mu.Lock()
		client, upstream, permit := s.client, s.upstream, s.permit
		s.client, s.upstream, s.permit = nil, nil, nil
		s.mu.Unlock()

		if upstream != nil {
			_ = upstream.Close()
		}
		if client != nil {
			_ = client.Close()
		}
		if permit != nil {
			permit.Release()
		}

		elapsed := r.now().Sub(s.CreatedAt)
		metrics.ActiveSessions.Set(float64(count))
		metrics.SessionDuration.Observe(elapsed.Seconds())
		r.logger.Info("session destroyed",
			"session_id", s.ID,
			"user_id", s.UserID,
			"message_count", s.MessageCount(),
			"duration_ms", elapsed.Milliseconds(),
			"active_sessions", count,
		)
		r.wg.Done()
	})
}

// WarnAll sends a warning event to every live session. Best effort.
func (r *Registry) WarnAll(code, message string) (sent int) {
	var warns []func(code, message string) error
	r.mu.Lock()
	for _, e := range r.m {
		e.sess.mu.Lock()
		if e.sess.warn != nil {
			warns = append(warns, e.sess.warn)
		}
		e.sess.mu.Unlock()
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CancelAll interrupts every live session's relay loops.
func (r *Registry) CancelAll() (cancelled int) {
	var cancels []func()
	r.mu.Lock()
	for _, e := range r.m {
		e.sess.mu.Lock()
		if e.sess.cancel != nil {
			cancels = append(cancels, e.sess.cancel)
		}
		e.sess.mu.Unlock()
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		cancelled++
	}
	return cancelled
}

// Wait blocks until every session has been destroyed or the context expires.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	if ctx == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Sweep force-destroys sessions older than maxAge and reports how many it
// tore down. Used by the periodic stale-session pass.
func (r *Registry) Sweep(maxAge time.Duration) (destroyed int) {
	now := r.now()

	type stale struct {
		id string
		e  *entry
	}
	var victims []stale
	r.mu.Lock()
	for id, e := range r.m {
		if now.Sub(e.sess.CreatedAt) > maxAge {
			victims = append(victims, stale{id: id, e: e})
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.logger.Warn("destroying stale session", "session_id", v.id, "user_id", v.e.sess.UserID)
		v.e.sess.mu.Lock()
		cancel := v.e.sess.cancel
		v.e.sess.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.destroy(v.id, v.e)
		destroyed++
	}
	return destroyed
}
