// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Every layer wraps failures with one of the sentinel kinds below so the
// Sync Coordinator can decide between retrying, surfacing and logging:
//
//	if errors.Is(err, syncerr.ErrNetwork) {
//	    // back off and retry
//	}
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork is a transient remote failure. Retryable with backoff.
	ErrNetwork = errors.New("network error")

	// ErrAuth means the remote rejected our credentials. Fatal for the
	// cycle; requires re-authentication upstream.
	ErrAuth = errors.New("authentication error")

	// ErrStorage indicates local corruption or disk failure.
	ErrStorage = errors.New("storage error")

	// ErrConflictResolution must never happen: resolution is total. When it
	// does it is logged with both payloads and the cycle continues.
	ErrConflictResolution = errors.New("conflict resolution defect")

	// ErrCycleInProgress is returned when a cycle is requested while another
	// one holds the cycle lock.
	ErrCycleInProgress = errors.New("sync cycle already in progress")

	// ErrSyncDisabled is returned when sync has been switched off.
	ErrSyncDisabled = errors.New("sync disabled")
)

// Error attaches the failing operation to one of the sentinel kinds.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Network wraps err as a transient network failure of op.
func Network(op string, err error) error {
	return &Error{Kind: ErrNetwork, Op: op, Err: err}
}

// Auth wraps err as an authentication failure of op.
func Auth(op string, err error) error {
	return &Error{Kind: ErrAuth, Op: op, Err: err}
}

// Storage wraps err as a local storage failure of op.
// A nil err returns nil so callers can wrap unconditionally.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrStorage, Op: op, Err: err}
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork)
}

// IsFatal returns true if the error must end the cycle and be surfaced to
// the hosting application.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrStorage)
}
