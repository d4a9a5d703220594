package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Sessions keep at most this many cancelled response ids; older entries are
// evicted first-in first-out.
const maxCancelledResponseIDs = 64

// Session is one end-to-end relayed conversation between one client
// connection and one upstream connection. The registry owns the canonical
// table; the relay borrows a reference for the duration of its pump loops.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	messageCount atomic.Int64

	mu       sync.Mutex
	client   io.Closer
	upstream io.Closer
	permit   releaser
	cancel   func()
	warn     func(code, message string) error

	activeResponseID string
	cancelled        map[string]time.Time // response id -> fail-open deadline
	cancelledOrder   []string
}

type releaser interface{ Release() }

func (s *Session) AddMessage() int64 {
	return s.messageCount.Add(1)
}

func (s *Session) MessageCount() int64 {
	return s.messageCount.Load()
}

func (s *Session) AttachClient(c io.Closer) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Session) AttachUpstream(c io.Closer) {
	s.mu.Lock()
	s.upstream = c
	s.mu.Unlock()
}

func (s *Session) SetPermit(p releaser) {
	s.mu.Lock()
	s.permit = p
	s.mu.Unlock()
}

// SetHandle installs the relay's cancellation and warning hooks so the
// registry can drive shutdown without knowing the relay type.
func (s *Session) SetHandle(cancel func(), warn func(code, message string) error) {
	s.mu.Lock()
	s.cancel = cancel
	s.warn = warn
	s.mu.Unlock()
}

// ResponseStarted records the response now in flight. A new response clears
// the cancelling sub-state for everything that came before it only in the
// sense that fresh ids are processed normally; previously cancelled ids stay
// suppressed until their completion marker or deadline.
func (s *Session) ResponseStarted(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.activeResponseID = id
	s.mu.Unlock()
}

// ResponseDone clears the active response if the completed id matches, and
// lifts any cancellation recorded for that id. It reports whether the id
// matched the response in flight; a non-matching id is late or out-of-order
// and must not affect current state.
func (s *Session) ResponseDone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCancelledLocked(id)
	if id == "" || s.activeResponseID != id {
		return false
	}
	s.activeResponseID = ""
	return true
}

func (s *Session) ActiveResponseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeResponseID
}

// MarkCancelled records a cancellation request for a response id. The
// deadline bounds the suppression window: if no completion marker arrives by
// then, the id fails open and its frames forward again. An empty id targets
// the response currently in flight. Returns the id actually marked, which is
// empty when there was nothing to cancel.
func (s *Session) MarkCancelled(id string, deadline time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = s.activeResponseID
	}
	if id == "" {
		return ""
	}
	if s.cancelled == nil {
		s.cancelled = make(map[string]time.Time)
	}
	if _, exists := s.cancelled[id]; !exists {
		s.cancelledOrder = append(s.cancelledOrder, id)
		if len(s.cancelledOrder) > maxCancelledResponseIDs {
			evict := s.cancelledOrder[0]
			s.cancelledOrder = s.cancelledOrder[1:]
			delete(s.cancelled, evict)
		}
	}
	s.cancelled[id] = deadline
	return id
}

// IsCancelled reports whether frames for a response id should be suppressed.
// Expired entries are pruned as a side effect.
func (s *Session) IsCancelled(id string, now time.Time) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.cancelled[id]
	if !ok {
		return false
	}
	if now.After(deadline) {
		s.removeCancelledLocked(id)
		return false
	}
	return true
}

// Cancelling reports whether any cancellation is still awaiting confirmation.
func (s *Session) Cancelling(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, deadline := range s.cancelled {
		if now.After(deadline) {
			s.removeCancelledLocked(id)
			continue
		}
		return true
	}
	return false
}

func (s *Session) removeCancelledLocked(id string) {
	if _, ok := s.cancelled[id]; !ok {
		return
	}
	delete(s.cancelled, id)
	for i, v := range s.cancelledOrder {
		if v == id {
			s.cancelledOrder = append(s.cancelledOrder[:i], s.cancelledOrder[i+1:]...)
			break
		}
	}
}
