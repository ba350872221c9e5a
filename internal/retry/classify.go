package retry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"syscall"

	"github.com/JakeFAU/chapterd/internal/download"
)

// Class groups errors by how the pipeline reacts to them.
type Class string

// Error classes, also reported on events.
const (
	Transient Class = "transient"
	Auth      Class = "auth"
	Permanent Class = "permanent"
	Canceled  Class = "canceled"
)

// Classify decides whether err is worth another attempt.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Permanent
	case errors.Is(err, context.Canceled), errors.Is(err, download.ErrCanceled):
		return Canceled
	case errors.Is(err, download.ErrAuthExpired), errors.Is(err, download.ErrInvalidCredentials):
		return Auth
	case errors.Is(err, download.ErrMalformedContent), errors.Is(err, download.ErrCorruptState),
		errors.Is(err, download.ErrDisallowed):
		return Permanent
	case errors.Is(err, download.ErrRetryExhausted):
		return Permanent
	}

	var statusErr *download.HTTPStatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	switch {
	case errors.Is(err, download.ErrTransient), errors.Is(err, download.ErrNavigation):
		return Transient
	case errors.Is(err, context.DeadlineExceeded):
		return Transient
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED):
		return Transient
	}
	// net.Error and anything unrecognized is worth another attempt.
	return Transient
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return Auth
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	default:
		return Transient
	}
}
