// Package errs defines the error taxonomy shared by the risk core and its
// HTTP surface.
//
// Callers classify errors with errors.As / errors.Is; the concrete types all
// support wrapping so the original cause is preserved.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConcurrencyConflict is returned when a per-key lock could not be
	// acquired within the bounded number of attempts.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInProgress is returned when a transfer with the same idempotency key
	// is still being processed.
	ErrInProgress = errors.New("transfer already in progress")
)

// ValidationError reports malformed input. It is always raised before any
// side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Invalid is shorthand for constructing a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// StorageError reports that a persistence collaborator failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError for op. A nil err stays nil, and an err
// that already is a StorageError is returned unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ExternalError reports a transient failure of an external collaborator
// (the fraud scorer, an alert sink). These never fail a transfer.
type ExternalError struct {
	Service string
	Err     error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// External wraps err as an ExternalError for service.
func External(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalError{Service: service, Err: err}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsExternal reports whether err is (or wraps) an ExternalError.
func IsExternal(err error) bool {
	var ee *ExternalError
	return errors.As(err, &ee)
}

// HTTPStatus maps an error to a status code and a stable error code for
// API responses.
func HTTPStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrInProgress):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case IsStorage(err):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case IsExternal(err):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
