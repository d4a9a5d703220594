package session

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingCloser struct {
	closed atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return nil
}

type countingPermit struct {
	released atomic.Int32
}

func (p *countingPermit) Release() {
	p.released.Add(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_CreateAssignsUniqueIDs(t *testing.T) {
	r := NewRegistry(discardLogger())
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := r.Create("u1")
		if s.ID == "" {
			t.Fatalf("session id must not be empty")
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session id %q", s.ID)
		}
		seen[s.ID] = true
	}
	if got := r.Count(); got != 100 {
		t.Fatalf("count = %d, want 100", got)
	}
}

func TestRegistry_DestroyIsIdempotent(t *testing.T) {
	r := NewRegistry(discardLogger())
	s := r.Create("u1")

	client := &countingCloser{}
	upstream := &countingCloser{}
	permit := &countingPermit{}
	s.AttachClient(client)
	s.AttachUpstream(upstream)
	s.SetPermit(permit)

	r.Destroy(s.ID)
	r.Destroy(s.ID)
	r.Destroy(s.ID)

	if got := client.closed.Load(); got != 1 {
		t.Fatalf("client closed %d times, want 1", got)
	}
	if got := upstream.closed.Load(); got != 1 {
		t.Fatalf("upstream closed %d times, want 1", got)
	}
	if got := permit.released.Load(); got != 1 {
		t.Fatalf("permit released %d times, want 1", got)
	}
	if got := r.Count(); got != 0 {
		t.Fatalf("count = %d after destroy, want 0", got)
	}
}

func TestRegistry_DestroyUnknownIDIsNoOp(t *testing.T) {
	r := NewRegistry(discardLogger())
	r.Destroy("missing")
	if got := r.Count(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}

func TestRegistry_WarnAllAndCancelAll(t *testing.T) {
	r := NewRegistry(discardLogger())

	var warned, cancelled atomic.Int32
	for i := 0; i < 3; i++ {
		s := r.Create("u1")
		s.SetHandle(
			func() { cancelled.Add(1) },
			func(code, message string) error { warned.Add(1); return nil },
		)
	}

	if sent := r.WarnAll("server_shutdown", "draining"); sent != 3 {
		t.Fatalf("warned %d sessions, want 3", sent)
	}
	if n := r.CancelAll(); n != 3 {
		t.Fatalf("cancelled %d sessions, want 3", n)
	}
	if warned.Load() != 3 || cancelled.Load() != 3 {
		t.Fatalf("hooks ran warn=%d cancel=%d, want 3/3", warned.Load(), cancelled.Load())
	}
}

func TestRegistry_WaitReturnsOnceDrained(t *testing.T) {
	r := NewRegistry(discardLogger())
	s := r.Create("u1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Destroy(s.ID)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("wait should succeed once the session is destroyed")
	}
}

func TestRegistry_WaitTimesOut(t *testing.T) {
	r := NewRegistry(discardLogger())
	s := r.Create("u1")
	defer r.Destroy(s.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatalf("wait should time out while a session is live")
	}
}

func TestRegistry_SweepDestroysStaleSessions(t *testing.T) {
	r := NewRegistry(discardLogger())

	base := time.Now()
	r.SetNow(func() time.Time { return base })
	stale := r.Create("u1")
	_ = stale

	r.SetNow(func() time.Time { return base.Add(2 * time.Hour) })
	fresh := r.Create("u2")

	r.SetNow(func() time.Time { return base.Add(2*time.Hour + time.Minute) })
	if n := r.Sweep(time.Hour); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if _, ok := r.Get(stale.ID); ok {
		t.Fatalf("stale session should be gone")
	}
	if _, ok := r.Get(fresh.ID); !ok {
		t.Fatalf("fresh session should survive")
	}
}
