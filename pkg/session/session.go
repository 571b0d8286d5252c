package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/ehragent/pkg/automation"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Session binds one user to one automation handle.
type Session struct {
	id        string
	userID    string
	createdAt time.Time

	// Handle. Only touched by the holder of sem.
	browser automation.Browser
	context automation.BrowserContext
	page    automation.Page

	sem *semaphore.Weighted

	mu         sync.Mutex
	lastError  string
	navFailed  bool
	currentURL string
	lastUsedAt time.Time
	closed     bool
}

// Identity is what callers learn about a created session.
type Identity struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// Info describes a live session.
type Info struct {
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	CurrentURL string    `json:"currentUrl"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Error      string    `json:"error,omitempty"`
}

func newSession(userID string, browser automation.Browser, bctx automation.BrowserContext, page automation.Page, now time.Time) *Session {
	return &Session{
		id:         newSessionID(),
		userID:     userID,
		createdAt:  now,
		browser:    browser,
		context:    bctx,
		page:       page,
		sem:        semaphore.NewWeighted(1),
		lastUsedAt: now,
	}
}

// newSessionID returns 32 lowercase hex characters.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the normalized user identifier.
func (s *Session) UserID() string { return s.userID }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Identity returns the session's external identity.
func (s *Session) Identity() Identity {
	return Identity{SessionID: s.id, UserID: s.userID}
}

// LastError returns the most recent error observed on this session.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// LastUsedAt returns when the session lock was last released.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

func (s *Session) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
}

// recordNavigation stores the outcome of a navigation to the entry address.
func (s *Session) recordNavigation(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navFailed = err != nil
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
}

func (s *Session) navigationFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navFailed
}

// touch must be called with the session lock held.
func (s *Session) touch(now time.Time) {
	url := s.page.URL()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsedAt = now
	s.currentURL = url
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// info reports the URL observed when the session lock was last released.
func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:  s.id,
		UserID:     s.userID,
		CurrentURL: s.currentURL,
		CreatedAt:  s.createdAt,
		LastUsedAt: s.lastUsedAt,
		Error:      s.lastError,
	}
}

// closeHandle closes page, context and browser, continuing past failures.
// Only the first call touches the handle; it alone reports true.
func (s *Session) closeHandle() (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.page.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.context.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.browser.Close(); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

// Lease is exclusive access to a session's handle. Release must be called
// exactly once; extra calls are ignored.
type Lease struct {
	session *Session
	now     func() time.Time
	once    sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() *Session { return l.session }

// Page returns the leased page.
func (l *Lease) Page() automation.Page { return l.session.page }

// RecordError stores err as the session's last error.
func (l *Lease) RecordError(err error) { l.session.recordError(err) }

// Release gives the session lock back.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.session.touch(l.now())
		l.session.sem.Release(1)
	})
}
