package download

import (
	"errors"
	"fmt"
)

// Error taxonomy of the download pipeline.
var (
	// ErrTransient marks a network failure worth retrying.
	ErrTransient = errors.New("transient network error")
	// ErrAuthExpired means the remote rejected the current session.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrInvalidCredentials means the login itself was refused.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNavigation means a chapter page could not be read.
	ErrNavigation = errors.New("navigation extraction failed")
	// ErrCorruptState means a persisted progress record cannot be trusted.
	ErrCorruptState = errors.New("corrupt progress state")
	// ErrRetryExhausted is matched by every ExhaustedError.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	// ErrCanceled signals a cooperative stop.
	ErrCanceled = errors.New("cancellation requested")
	// ErrMalformedContent means the remote answered with something that is not an image.
	ErrMalformedContent = errors.New("malformed content")
	// ErrNotFound means no progress record exists for a work.
	ErrNotFound = errors.New("progress not found")
	// ErrInvalidWorkName rejects names that sanitize to nothing.
	ErrInvalidWorkName = errors.New("invalid work name")
	// ErrQueueClosed is returned by a drained, closed ticket queue.
	ErrQueueClosed = errors.New("queue closed")
	// ErrDisallowed means the host's robots.txt forbids the request.
	ErrDisallowed = errors.New("disallowed by robots.txt")
)

// ExhaustedError is returned once every attempt of an operation failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last cause to errors.Is.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Last}
}

// CorruptStateError describes an unreadable progress record.
type CorruptStateError struct {
	Work string
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt progress state for %q at %s: %v", e.Work, e.Path, e.Err)
}

// Unwrap exposes ErrCorruptState and the decode cause.
func (e *CorruptStateError) Unwrap() []error {
	return []error{ErrCorruptState, e.Err}
}

// HTTPStatusError carries a non-success response status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Is maps auth statuses onto ErrAuthExpired.
func (e *HTTPStatusError) Is(target error) bool {
	if target == ErrAuthExpired {
		return e.StatusCode == 401 || e.StatusCode == 403
	}
	return false
}
