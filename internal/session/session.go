// internal/session/session.go
package session

import (
	"sync"
	"time"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/browser"
)

// State is the inferred authentication state of a Session.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "Unauthenticated"
	case Authenticating:
		return "Authenticating"
	case Authenticated:
		return "Authenticated"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Session is one authenticated browsing context. The page handle is owned by
// the Manager; other components borrow it through Page for a single call.
type Session struct {
	mu            sync.RWMutex
	id            string
	generation    int
	state         State
	establishedAt time.Time
	creds         schemas.Credentials
	page          browser.Page
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Handle is the account handle the session acts as.
func (s *Session) Handle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Handle
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Authenticated is shorthand for State() == Authenticated.
func (s *Session) Authenticated() bool {
	return s.State() == Authenticated
}

func (s *Session) EstablishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.establishedAt
}

// Generation counts how many times the browsing context was replaced.
func (s *Session) Generation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Page returns the current browsing context, or nil once the session is closed or retired.
func (s *Session) Page() browser.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.page
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if st == Authenticated {
		s.establishedAt = time.Now()
	}
}

// detach takes the page away from the session.
func (s *Session) detach() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.page
	s.page = nil
	return p
}
