// Package errors defines the sentinel errors shared across the media library
// core and an AppError wrapper that carries an HTTP status for the API layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNormalization marks a media record whose identity is missing or
	// empty. Fatal to that ingest call only.
	ErrNormalization = errors.New("record normalization failed")
	// ErrCaption marks a captioner failure on unreadable or unsupported
	// media. The record stays absent and the ingest is retryable.
	ErrCaption = errors.New("caption generation failed")
	// ErrDataUnavailable marks missing language data. Non-fatal: the
	// tokenizer runs in fallback mode.
	ErrDataUnavailable = errors.New("language data unavailable")
	// ErrIndexCorruption marks a detected index invariant violation and
	// triggers a full rebuild from persisted records.
	ErrIndexCorruption = errors.New("index corruption detected")

	ErrRecordNotFound = errors.New("media record not found")
	ErrRecordPending  = errors.New("media record still pending")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternal       = errors.New("internal error")
)

// AppError wraps a sentinel error with a message and an HTTP status code.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// HTTPStatusCode maps an error to the HTTP status the API should return.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNormalization), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrRecordPending):
		return http.StatusConflict
	case errors.Is(err, ErrCaption), errors.Is(err, ErrDataUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
