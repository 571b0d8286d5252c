// Package assistant answers chat messages against a live portal session.
//
// A chat turn holds the session exclusively from start to finish: the
// deterministic actions run first, then the page text is read, then the AI
// reply is requested, so both the excerpt and the reply reflect what the
// actions did to the page.
package assistant

import (
	"context"
	"errors"
	"strings"

	"github.com/entrhq/ehragent/pkg/actions"
	"github.com/entrhq/ehragent/pkg/llm"
	"github.com/entrhq/ehragent/pkg/logging"
	"github.com/entrhq/ehragent/pkg/session"
)

// ErrEmptyMessage is returned for a blank chat message.
var ErrEmptyMessage = errors.New("message is required")

// ChatResult is the answer to one chat message.
type ChatResult struct {
	Reply   string           `json:"reply"`
	Actions []actions.Result `json:"actions"`
}

// Sessions grants exclusive access to a session.
type Sessions interface {
	WithSession(ctx context.Context, sessionID string, fn func(*session.Lease) error) error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithExcerptLimit overrides DefaultExcerptLimit.
func WithExcerptLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.excerptLimit = n
		}
	}
}

// Service runs chat turns.
type Service struct {
	sessions     Sessions
	dispatcher   *actions.Dispatcher
	replier      llm.Replier
	log          *logging.Logger
	excerptLimit int
}

// NewService creates a chat service.
func NewService(sessions Sessions, dispatcher *actions.Dispatcher, replier llm.Replier, opts ...Option) *Service {
	s := &Service{
		sessions:     sessions,
		dispatcher:   dispatcher,
		replier:      replier,
		log:          logging.NewNop(),
		excerptLimit: DefaultExcerptLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process runs the actions triggered by message on the session, then asks
// the AI for a reply. It returns session.ErrSessionNotFound for an unknown
// session and ErrEmptyMessage for a blank message. Action and AI failures
// are reported inside the result.
func (s *Service) Process(ctx context.Context, sessionID, message string) (*ChatResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	var result ChatResult
	err := s.sessions.WithSession(ctx, sessionID, func(l *session.Lease) error {
		result.Actions = s.dispatcher.Dispatch(l, message)

		excerpt := PageExcerpt(l.Page(), s.excerptLimit, func(err error) {
			s.log.Warnf("session %s: %v", sessionID, err)
			l.RecordError(err)
		})

		result.Reply = s.replier.Reply(ctx, message, excerpt)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debugf("session %s: chat handled with %d actions", sessionID, len(result.Actions))
	return &result, nil
}
