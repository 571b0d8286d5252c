package session

import "errors"

var (
	// ErrInvalidUserID is returned when a user id is empty or whitespace.
	ErrInvalidUserID = errors.New("user id is required")

	// ErrSessionNotFound is returned for unknown or closed session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRegistryClosed is returned once Shutdown has started.
	ErrRegistryClosed = errors.New("session registry is shut down")

	// ErrEngineUnavailable wraps failures to start the engine or launch a
	// browser, including a failed install-and-retry.
	ErrEngineUnavailable = errors.New("automation engine unavailable")

	// ErrNoImage is returned when not even a viewport screenshot could be
	// taken.
	ErrNoImage = errors.New("no image available")
)
