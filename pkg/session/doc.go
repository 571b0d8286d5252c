// Package session owns the long-lived browser automation handles, one per end
// user, and serializes every operation that touches them.
//
// # Architecture
//
// The package is built around four pieces:
//
//  1. EngineInitializer: lazily starts the single shared automation engine and
//     performs a one-time install-and-retry when the runtime is missing.
//  2. Session: one browser, context and page bundle plus an exclusive lock and
//     the most recent error observed while using it.
//  3. Registry: maps session ids to sessions, deduplicates by user id, and
//     hands out Leases.
//  4. Inspectors: ClassifyLogin decides whether the portal shows the
//     post-login landing area; CaptureQR finds and screenshots the login QR
//     code.
//
// # Locking
//
// A Session's handle is only reachable through a Lease. Registry.Acquire
// blocks until the session lock is free (or the caller's context ends) and
// the Lease must be released exactly once; Registry.WithSession does both
// around a callback. Lookups never block. Operations on different sessions
// run fully in parallel.
//
// # Failure handling
//
// Navigation, click, reload and screenshot failures are recorded on the
// session (LastError) and turned into degraded results. Only validation,
// unknown ids, a closed registry and engine start failures reach callers as
// errors.
package session
