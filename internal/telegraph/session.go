package telegraph

import (
	"sync"
	"time"

	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/ticket"
)

// Flow is one of the two conversation purposes.
type Flow int

const (
	FlowIssue Flow = iota + 1
	FlowSuggestion
)

func (f Flow) String() string {
	switch f {
	case FlowIssue:
		return "issue"
	case FlowSuggestion:
		return "suggestion"
	}
	return "none"
}

// State is the step a session is waiting on.
type State int

const (
	StateAwaitingPage State = iota + 1
	StateAwaitingDescription
	StateAwaitingScreenshot
	StateAwaitingAdditionalInfo
	StateAwaitingSection
	StateAwaitingText
)

var stateNames = map[State]string{
	StateAwaitingPage:           "awaiting_page",
	StateAwaitingDescription:    "awaiting_description",
	StateAwaitingScreenshot:     "awaiting_screenshot",
	StateAwaitingAdditionalInfo: "awaiting_additional_info",
	StateAwaitingSection:        "awaiting_section",
	StateAwaitingText:           "awaiting_text",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// IssueDraft holds the answers collected by the issue flow.
type IssueDraft struct {
	Page        string
	Description string
	Screenshot  *ticket.Screenshot // nil when the user skipped it
}

// SuggestionDraft holds the answers collected by the suggestion flow.
type SuggestionDraft struct {
	Page    string
	Section *string // nil for pages without sections
	Text    string
}

// Session is one user's in-flight conversation. Exactly one of Issue and
// Suggestion is set, matching Flow.
type Session struct {
	Key        string
	Flow       Flow
	State      State
	Issue      *IssueDraft
	Suggestion *SuggestionDraft
	Profile    *models.UserProfile // resolved once the flow needs persistence
	UpdatedAt  time.Time
}

func newIssueSession(key string) *Session {
	return &Session{Key: key, Flow: FlowIssue, State: StateAwaitingPage, Issue: &IssueDraft{}}
}

func newSuggestionSession(key string) *Session {
	return &Session{Key: key, Flow: FlowSuggestion, State: StateAwaitingPage, Suggestion: &SuggestionDraft{}}
}

// SessionStore maps a user identity to at most one active Session. Sessions
// idle for longer than the TTL are treated as absent and removed by Sweep.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration // zero disables expiry
	now      func() time.Time
}

// NewSessionStore creates a SessionStore. A zero ttl keeps idle sessions
// until they finish.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the live session for key.
func (s *SessionStore) Get(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	if s.expired(sess, s.now()) {
		delete(s.sessions, key)
		return nil, false
	}
	return sess, true
}

// Put creates or replaces the session under sess.Key and stamps UpdatedAt.
func (s *SessionStore) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.UpdatedAt = s.now()
	s.sessions[sess.Key] = sess
}

// Delete removes the session for key, if any.
func (s *SessionStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Len returns the number of stored sessions, including expired ones not yet
// swept.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes every session idle since before now-ttl and returns how many
// were removed.
func (s *SessionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, k)
			n++
		}
	}
	return n
}

func (s *SessionStore) expired(sess *Session, now time.Time) bool {
	return s.ttl > 0 && now.Sub(sess.UpdatedAt) > s.ttl
}
