package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnsupportedFileType indicates a MIME type the backend cannot accept
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrInvalidFileID indicates a malformed backend resource name
	ErrInvalidFileID = errors.New("invalid file id")
	// ErrAlreadyAttached indicates the file is already in the attachment list
	ErrAlreadyAttached = errors.New("file already attached")
	// ErrEmptyMessage indicates a message without text or files
	ErrEmptyMessage = errors.New("message is empty")
	// ErrFileTooLarge indicates a file over the configured size ceiling
	ErrFileTooLarge = errors.New("file too large")

	// ErrMissingAPIKey indicates that no backend credential is configured
	ErrMissingAPIKey = errors.New("api key not configured")

	// ErrAborted indicates a user-initiated cancellation
	ErrAborted = errors.New("aborted")

	// ErrUploadTimeout indicates file processing did not finish in time
	ErrUploadTimeout = errors.New("file processing timed out")
	// ErrQuotaExceeded indicates the bounded store ceiling was hit
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrClientGone indicates the receiving side of a message port is closed
	ErrClientGone = errors.New("client is no longer reachable")
	// ErrBackendUnavailable indicates the backend could not be loaded
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Error kinds used for logging and for the UI to pick a message.
const (
	KindValidation    = "validation"
	KindConfiguration = "configuration"
	KindAborted       = "aborted"
	KindNotFound      = "not_found"
	KindNetwork       = "network"
)

// APIError is a backend or network failure normalized to a name and message.
type APIError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Name, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// IsAbort reports whether err represents a cancellation rather than a failure.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

// KindOf classifies err into one of the Kind constants.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAbort(err):
		return KindAborted
	case errors.Is(err, ErrMissingAPIKey):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnsupportedFileType),
		errors.Is(err, ErrInvalidFileID),
		errors.Is(err, ErrAlreadyAttached),
		errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrFileTooLarge),
		errors.Is(err, ErrInvalidRequest):
		return KindValidation
	default:
		return KindNetwork
	}
}

// NormalizeError turns any error into the name/message pair that crosses
// execution-context boundaries.
func NormalizeError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case IsAbort(err):
		return &APIError{Name: "AbortError", Message: err.Error()}
	case errors.Is(err, ErrMissingAPIKey):
		return &APIError{Name: "ConfigurationError", Message: err.Error()}
	case errors.Is(err, ErrUploadTimeout), errors.Is(err, context.DeadlineExceeded):
		return &APIError{Name: "TimeoutError", Message: err.Error()}
	default:
		return &APIError{Name: "Error", Message: err.Error()}
	}
}

// ErrorFromPayload reverses NormalizeError so callers can keep using errors.Is.
func ErrorFromPayload(p *APIError) error {
	if p == nil {
		return errors.New("unknown error")
	}
	switch p.Name {
	case "AbortError":
		return fmt.Errorf("%w: %s", ErrAborted, p.Message)
	case "ConfigurationError":
		return fmt.Errorf("%w: %s", ErrMissingAPIKey, p.Message)
	case "TimeoutError":
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, p.Message)
	}
	return p
}
