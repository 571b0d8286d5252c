package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/ehragent/pkg/automation"
	"github.com/entrhq/ehragent/pkg/logging"
	"github.com/entrhq/ehragent/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Options configures how new sessions are opened.
type Options struct {
	// EntryURL is the portal address every new page navigates to.
	EntryURL string

	Headless bool
	Viewport automation.Viewport

	// Timeout bounds every automation primitive on the session's page.
	Timeout time.Duration

	// RenavigateOnRecreate retries navigation to EntryURL when a create
	// request hits an existing session whose last navigation failed.
	RenavigateOnRecreate bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log *logging.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry owns every live Session.
type Registry struct {
	engine  *EngineInitializer
	opts    Options
	log     *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	// creating collapses concurrent creates for the same user.
	creating singleflight.Group
}

// NewRegistry creates an empty registry that opens sessions through engine.
func NewRegistry(engine *EngineInitializer, opts Options, options ...RegistryOption) *Registry {
	if opts.Viewport.Width == 0 || opts.Viewport.Height == 0 {
		opts.Viewport = automation.Viewport{
			Width:  automation.DefaultViewportWidth,
			Height: automation.DefaultViewportHeight,
		}
	}

	r := &Registry{
		engine:   engine,
		opts:     opts,
		log:      logging.NewNop(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Create returns the session of userID, opening a new one if the user has
// none. User ids are trimmed and compared case-insensitively.
func (r *Registry) Create(ctx context.Context, userID string) (Identity, error) {
	normalized := strings.TrimSpace(userID)
	if normalized == "" {
		return Identity{}, ErrInvalidUserID
	}

	v, err, _ := r.creating.Do(strings.ToLower(normalized), func() (interface{}, error) {
		if s := r.findByUser(normalized); s != nil {
			r.log.Debugf("reusing session %s for user %s", s.id, s.userID)
			r.renavigate(ctx, s)
			return s.Identity(), nil
		}

		r.mu.RLock()
		closed := r.closed
		r.mu.RUnlock()
		if closed {
			return nil, ErrRegistryClosed
		}

		s, err := r.open(normalized)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_, _ = s.closeHandle()
			return nil, ErrRegistryClosed
		}
		r.sessions[s.id] = s
		r.mu.Unlock()

		r.metrics.SessionOpened()
		r.log.Infof("session %s created for user %s", s.id, s.userID)
		return s.Identity(), nil
	})
	if err != nil {
		return Identity{}, err
	}
	return v.(Identity), nil
}

func (r *Registry) findByUser(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if strings.EqualFold(s.userID, userID) {
			return s
		}
	}
	return nil
}

// open launches a browser, opens a context and page, and navigates to the
// entry address. A failed navigation is recorded on the session, not
// returned.
func (r *Registry) open(userID string) (*Session, error) {
	browser, err := r.engine.Launch(automation.LaunchOptions{Headless: r.opts.Headless})
	if err != nil {
		return nil, err
	}

	bctx, err := browser.NewContext(automation.ContextOptions{
		Viewport: r.opts.Viewport,
		Timeout:  float64(r.opts.Timeout.Milliseconds()),
	})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	s := newSession(userID, browser, bctx, page, r.now())
	r.navigate(s)
	s.touch(r.now())
	return s, nil
}

// navigate must be called while holding the session exclusively.
func (r *Registry) navigate(s *Session) {
	err := s.page.Goto(r.opts.EntryURL)
	if err != nil {
		r.log.Warnf("session %s: navigation to %s failed: %v", s.id, r.opts.EntryURL, err)
	}
	s.recordNavigation(err)
}

func (r *Registry) renavigate(ctx context.Context, s *Session) {
	if !r.opts.RenavigateOnRecreate || !s.navigationFailed() {
		return
	}

	// Followers collapsed into this create share the retry, so it must not
	// end with the first caller's context.
	wait := r.opts.Timeout
	if wait <= 0 {
		wait = time.Duration(automation.DefaultTimeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wait)
	defer cancel()

	lease, err := r.lease(ctx, s)
	if err != nil {
		r.log.Warnf("session %s: navigation retry skipped: %v", s.id, err)
		return
	}
	defer lease.Release()

	if s.navigationFailed() {
		r.navigate(s)
	}
}

// Lookup returns the session without taking its lock.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Acquire waits for exclusive access to the session. ctx bounds the wait
// only. The returned Lease must be released.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return r.lease(ctx, s)
}

func (r *Registry) lease(ctx context.Context, s *Session) (*Lease, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if s.isClosed() {
		s.sem.Release(1)
		return nil, ErrSessionNotFound
	}
	return &Lease{session: s, now: r.now}, nil
}

// WithSession runs fn while holding the session exclusively.
func (r *Registry) WithSession(ctx context.Context, sessionID string, fn func(*Lease) error) error {
	lease, err := r.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease)
}

// Status classifies the login state of the session's page.
func (r *Registry) Status(ctx context.Context, sessionID string) (Status, error) {
	var status Status
	err := r.WithSession(ctx, sessionID, func(l *Lease) error {
		status = inspect(l)
		return nil
	})
	return status, err
}

// QRImage captures the login QR code, or the viewport when none is visible.
func (r *Registry) QRImage(ctx context.Context, sessionID string) ([]byte, error) {
	var image []byte
	err := r.WithSession(ctx, sessionID, func(l *Lease) error {
		var err error
		image, err = CaptureQR(l.Page(), l.RecordError)
		if err != nil {
			l.RecordError(err)
			r.log.Warnf("session %s: qr capture failed: %v", sessionID, err)
			return ErrNoImage
		}
		return nil
	})
	return image, err
}

// List describes every live session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close waits for the session lock, closes its handle and forgets it.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	lease, err := r.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer lease.Release()

	r.remove(lease.session)
	return nil
}

// remove must be called while holding the session exclusively.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	r.closeSession(s)
}

// closeSession closes the handle and counts it, unless another caller got
// there first.
func (r *Registry) closeSession(s *Session) {
	closed, err := s.closeHandle()
	if !closed {
		return
	}
	if err != nil {
		r.log.Warnf("session %s: cleanup failed: %v", s.id, err)
	}
	r.metrics.SessionClosed()
	r.log.Infof("session %s closed", s.id)
}

// CloseIdle closes sessions unused for longer than maxIdle and returns how
// many were closed. Busy sessions are skipped.
func (r *Registry) CloseIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.RLock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.LastUsedAt().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	closed := 0
	for _, s := range idle {
		if !s.sem.TryAcquire(1) {
			continue
		}
		if !s.isClosed() && s.LastUsedAt().Before(cutoff) {
			r.remove(s)
			closed++
		}
		s.sem.Release(1)
	}
	return closed
}

// StartReaper calls CloseIdle every interval until ctx ends. The returned
// channel is closed when the reaper has stopped.
func (r *Registry) StartReaper(ctx context.Context, interval, maxIdle time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.CloseIdle(maxIdle); n > 0 {
					r.log.Infof("closed %d idle sessions", n)
				}
			}
		}
	}()
	return done
}

// Shutdown closes every session and stops the engine. Each session is closed
// once its lock is free; when ctx ends first the remaining sessions are
// closed regardless. Per-session cleanup failures are logged, never
// returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				r.log.Warnf("session %s: closing while busy: %v", s.id, err)
			} else {
				defer s.sem.Release(1)
				if s.isClosed() {
					return nil
				}
			}

			r.closeSession(s)
			return nil
		})
	}
	_ = g.Wait()

	r.log.Infof("closed %d sessions", len(sessions))
	if err := r.engine.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop engine: %w", err)
	}
	return nil
}
