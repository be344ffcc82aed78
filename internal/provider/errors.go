package provider

import (
	"errors"
	"fmt"
)

// Common errors returned by backend adapters.
//
// These errors can be checked using errors.Is() so the orchestrator can
// classify a failure without knowing which backend produced it:
//
//	if errors.Is(err, provider.ErrOffline) {
//	    // Keep local state, retry on the next trigger
//	}
var (
	// ErrOffline is returned when the backend is unreachable. The
	// failure is transient and the operation should be retried later.
	ErrOffline = errors.New("provider unreachable")

	// ErrAuthRequired is returned when the session has expired or was
	// revoked and the user must sign in again.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNotAuthenticated is returned when upload or download is
	// attempted before Init established a session.
	ErrNotAuthenticated = errors.New("provider not initialized")

	// ErrProviderDisabled is returned when sync is configured off for
	// this device.
	ErrProviderDisabled = errors.New("provider disabled")

	// ErrConflict is returned when an etag-guarded write loses the
	// optimistic concurrency check against another device.
	ErrConflict = errors.New("remote version conflict")

	// ErrUpload is returned when the backend rejected an upload for a
	// non-transient reason.
	ErrUpload = errors.New("upload rejected")

	// ErrDownload is returned when the backend rejected a download for
	// a non-transient reason.
	ErrDownload = errors.New("download rejected")

	// ErrNotFound is returned when a requested blob or manifest does
	// not exist on the remote.
	ErrNotFound = errors.New("remote object not found")
)

// ConflictError carries the etags involved in a lost concurrency check.
// It matches ErrConflict under errors.Is().
type ConflictError struct {
	// Expected is the etag the caller asserted with ifMatch.
	Expected string

	// Current is the etag the remote actually holds.
	Current string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote version conflict: expected etag %q, remote has %q", e.Expected, e.Current)
}

// Is makes errors.Is(err, ErrConflict) match *ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsRetryable returns true if the error is likely to succeed on retry
// without user intervention.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Connectivity comes and goes
	if errors.Is(err, ErrOffline) {
		return true
	}

	// A conflict resolves itself after the next download pass
	if errors.Is(err, ErrConflict) {
		return true
	}

	return false
}

// IsUserActionRequired returns true if the error cannot clear without
// the user doing something (signing in, enabling the provider).
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrAuthRequired) {
		return true
	}

	if errors.Is(err, ErrProviderDisabled) {
		return true
	}

	return false
}
