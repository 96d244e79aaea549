// Package errdefs defines the error kinds surfaced by deckhand
// operations. Callers classify errors with errors.Is against the
// sentinel values, or with Kind for rendering.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachableEngine means the Docker daemon is down or its socket
	// is missing.
	ErrUnreachableEngine = errors.New("engine unreachable")

	// ErrNotFound means a named entity is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a state precondition failed (e.g. concurrent write).
	ErrConflict = errors.New("conflict")

	// ErrBusy means another compose subcommand is in flight for the
	// same (endpoint, stack).
	ErrBusy = errors.New("busy")

	// ErrInvalidArgument means a malformed name, unsafe path, or bad YAML.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorised means authentication was denied.
	ErrUnauthorised = errors.New("unauthorised")

	// ErrTransient means the operation failed but a retry is advised.
	ErrTransient = errors.New("transient failure")

	// ErrGone means the terminal or resource has been destroyed.
	ErrGone = errors.New("gone")
)

// ChildFailedError carries a compose subcommand's non-zero exit code
// and captured stderr.
type ChildFailedError struct {
	Code   int
	Stderr string
}

func (e *ChildFailedError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("child exited with code %d", e.Code)
	}
	return fmt.Sprintf("child exited with code %d: %s", e.Code, e.Stderr)
}

// NotFound wraps err (or creates a new error from msg) as ErrNotFound.
func NotFound(msg string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, msg)
}

// InvalidArgument creates an ErrInvalidArgument with a reason.
func InvalidArgument(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}

// Conflict creates an ErrConflict with a reason.
func Conflict(msg string) error {
	return fmt.Errorf("%w: %s", ErrConflict, msg)
}

// Kind returns the wire tag for an error, used in request callbacks.
// Unknown errors map to "internal".
func Kind(err error) string {
	var child *ChildFailedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnreachableEngine):
		return "unreachable_engine"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrUnauthorised):
		return "unauthorised"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrGone):
		return "gone"
	case errors.As(err, &child):
		return "child_failed"
	default:
		return "internal"
	}
}
