package telegraph

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSessionStore(t *testing.T, ttl time.Duration) (*SessionStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSessionStore(ttl)
	s.now = clock.Now
	return s, clock
}

func TestSessionStore_PutGetDelete(t *testing.T) {
	s, clock := newTestSessionStore(t, time.Minute)

	if _, ok := s.Get("telegram:1"); ok {
		t.Fatal("Get on empty store should miss")
	}

	s.Put(newIssueSession("telegram:1"))
	got, ok := s.Get("telegram:1")
	if !ok {
		t.Fatal("Get after Put should hit")
	}
	if got.Flow != FlowIssue || got.State != StateAwaitingPage || got.Issue == nil || got.Suggestion != nil {
		t.Errorf("session = %+v", got)
	}
	if !got.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, clock.Now())
	}

	// Replace with a different flow.
	s.Put(newSuggestionSession("telegram:1"))
	got, _ = s.Get("telegram:1")
	if got.Flow != FlowSuggestion || got.Issue != nil || got.Suggestion == nil {
		t.Errorf("replaced session = %+v", got)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}

	s.Delete("telegram:1")
	if _, ok := s.Get("telegram:1"); ok {
		t.Error("Get after Delete should miss")
	}
	s.Delete("telegram:1") // no-op
}

func TestSessionStore_GetExpired(t *testing.T) {
	s, clock := newTestSessionStore(t, time.Minute)
	s.Put(newIssueSession("k"))

	clock.Advance(time.Minute)
	if _, ok := s.Get("k"); !ok {
		t.Fatal("session exactly at TTL should still be live")
	}

	clock.Advance(time.Second)
	if _, ok := s.Get("k"); ok {
		t.Fatal("expired session should be absent")
	}
	if s.Len() != 0 {
		t.Errorf("expired session should be removed on Get, Len = %d", s.Len())
	}
}

func TestSessionStore_PutRefreshesTTL(t *testing.T) {
	s, clock := newTestSessionStore(t, time.Minute)
	sess := newIssueSession("k")
	s.Put(sess)

	clock.Advance(50 * time.Second)
	s.Put(sess)
	clock.Advance(50 * time.Second)

	if _, ok := s.Get("k"); !ok {
		t.Error("session touched within TTL should be live")
	}
}

func TestSessionStore_Sweep(t *testing.T) {
	s, clock := newTestSessionStore(t, time.Minute)
	s.Put(newIssueSession("old-1"))
	s.Put(newSuggestionSession("old-2"))
	clock.Advance(2 * time.Minute)
	s.Put(newIssueSession("fresh"))

	if n := s.Sweep(clock.Now()); n != 2 {
		t.Errorf("Sweep = %d, want 2", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh session should survive the sweep")
	}
}

func TestSessionStore_NoTTL(t *testing.T) {
	s, clock := newTestSessionStore(t, 0)
	s.Put(newIssueSession("k"))
	clock.Advance(24 * 365 * time.Hour)

	if n := s.Sweep(clock.Now()); n != 0 {
		t.Errorf("Sweep = %d, want 0 without a TTL", n)
	}
	if _, ok := s.Get("k"); !ok {
		t.Error("session should never expire without a TTL")
	}
}

func TestFlowAndStateNames(t *testing.T) {
	if FlowIssue.String() != "issue" || FlowSuggestion.String() != "suggestion" || Flow(0).String() != "none" {
		t.Error("unexpected Flow names")
	}
	if StateAwaitingScreenshot.String() != "awaiting_screenshot" {
		t.Errorf("State name = %q", StateAwaitingScreenshot.String())
	}
	if State(42).String() != "unknown" {
		t.Errorf("unknown State name = %q", State(42).String())
	}
}
