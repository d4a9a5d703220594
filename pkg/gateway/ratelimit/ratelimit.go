// Package ratelimit tracks per-user concurrent-connection counts and
// sliding-window request budgets. Pure in-memory bookkeeping, no I/O.
package ratelimit

import (
	"sync"
	"time"
)

type Reason string

const (
	ReasonTooManyConnections Reason = "too_many_connections"
	ReasonRateLimitExceeded  Reason = "rate_limit_exceeded"
)

type Config struct {
	MaxConnectionsPerUser int
	MaxRequestsPerMinute  int

	// Window is the trailing interval evaluated by the request budget.
	Window time.Duration

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*userLimiter
}

type userLimiter struct {
	mu sync.Mutex

	connSem    chan struct{}
	timestamps []time.Time

	// Guarded by Limiter.mu, not ul.mu.
	lastSeen time.Time
	borrowed int
}

func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*userLimiter),
	}
}

// Permit represents one admitted connection slot. Release is idempotent and
// must be called exactly once per admitted connection on every exit path.
type Permit struct {
	mu      sync.Mutex
	release func()
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.mu.Lock()
	release := p.release
	p.release = nil
	p.mu.Unlock()
	if release != nil {
		release()
	}
}

type Decision struct {
	Allowed bool
	Reason  Reason
	Permit  *Permit
}

// Admit checks the connection ceiling and verifies the trailing-window
// request budget is not already exhausted, atomically with respect to
// concurrent callers for that user. On admission it occupies a connection
// slot. The request budget itself is consumed one event at a time by Allow;
// admission does not count against it, so a fresh window still has its full
// message allowance after the connection is accepted.
func (l *Limiter) Admit(userID string, now time.Time) Decision {
	if userID == "" {
		userID = "anonymous"
	}
	ul := l.getOrCreate(userID, now)
	defer l.release(ul)

	if l.cfg.MaxConnectionsPerUser > 0 {
		select {
		case ul.connSem <- struct{}{}:
		default:
			return Decision{Allowed: false, Reason: ReasonTooManyConnections}
		}
	}

	if !ul.hasRequestCapacity(now, l.cfg.Window, l.cfg.MaxRequestsPerMinute) {
		if l.cfg.MaxConnectionsPerUser > 0 {
			<-ul.connSem
		}
		return Decision{Allowed: false, Reason: ReasonRateLimitExceeded}
	}

	release := func() {}
	if l.cfg.MaxConnectionsPerUser > 0 {
		release = func() { <-ul.connSem }
	}
	return Decision{Allowed: true, Permit: &Permit{release: release}}
}

// Allow records one mid-session request event against the trailing window.
// It does not touch the connection budget.
func (l *Limiter) Allow(userID string, now time.Time) bool {
	if userID == "" {
		userID = "anonymous"
	}
	ul := l.getOrCreate(userID, now)
	defer l.release(ul)
	return ul.allowRequest(now, l.cfg.Window, l.cfg.MaxRequestsPerMinute)
}

// ActiveConnections reports the number of occupied connection slots for one
// user. Zero for unknown users.
func (l *Limiter) ActiveConnections(userID string) int {
	l.mu.Lock()
	ul, ok := l.m[userID]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ul.connSem)
}

func (l *Limiter) getOrCreate(userID string, now time.Time) *userLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one idle entry no caller currently holds
		// (bounded memory beats perfect fairness). Entries with an occupied
		// slot or an in-flight Admit/Allow must survive, or a replacement
		// limiter would reset that user's ceiling.
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if v.borrowed == 0 && len(v.connSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	ul, ok := l.m[userID]
	if !ok {
		ul = &userLimiter{
			connSem: make(chan struct{}, maxInt(1, l.cfg.MaxConnectionsPerUser)),
		}
		l.m[userID] = ul
	}
	ul.lastSeen = now
	ul.borrowed++
	return ul
}

func (l *Limiter) release(ul *userLimiter) {
	l.mu.Lock()
	ul.borrowed--
	l.mu.Unlock()
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl && v.borrowed == 0 && len(v.connSem) == 0 {
			delete(l.m, k)
		}
	}
}

// allowRequest prunes timestamps older than the window, then admits the event
// if the remaining count is under the ceiling. Pruning is lazy; no background
// sweeper is required for correctness.
func (ul *userLimiter) allowRequest(now time.Time, window time.Duration, ceiling int) bool {
	if ceiling <= 0 {
		return true
	}

	ul.mu.Lock()
	defer ul.mu.Unlock()

	ul.pruneLocked(now, window)
	if len(ul.timestamps) >= ceiling {
		return false
	}
	ul.timestamps = append(ul.timestamps, now)
	return true
}

// hasRequestCapacity reports whether the window has room for at least one
// more event without recording one.
func (ul *userLimiter) hasRequestCapacity(now time.Time, window time.Duration, ceiling int) bool {
	if ceiling <= 0 {
		return true
	}

	ul.mu.Lock()
	defer ul.mu.Unlock()

	ul.pruneLocked(now, window)
	return len(ul.timestamps) < ceiling
}

func (ul *userLimiter) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := ul.timestamps[:0]
	for _, ts := range ul.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	ul.timestamps = kept
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
