// Package apierr holds the error taxonomy shared by the chat pipeline and its HTTP mapping.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrUnsupportedFormat is a flavour of invalid input raised by the file extractors.
	ErrUnsupportedFormat = fmt.Errorf("unsupported format: %w", ErrInvalidInput)
	ErrPayloadTooLarge   = fmt.Errorf("payload too large: %w", ErrInvalidInput)
	ErrQuotaExceeded     = errors.New("chat limit exceeded")
	ErrRateLimited       = errors.New("too many requests")

	// Vector backend misconfiguration. Fatal, never retried.
	ErrIndexNotReady     = errors.New("vector index not ready")
	ErrDimensionMismatch = errors.New("vector index dimension mismatch")

	ErrProviderFailure = errors.New("provider failure")
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Invalid wraps a message as ErrInvalidInput.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// Provider wraps a collaborator failure (embedding, completion, extraction).
func Provider(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrProviderFailure, err)
}

// StatusOf maps an error chain onto an HTTP status code.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status != 0 {
		return apiErr.Status
	}
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
