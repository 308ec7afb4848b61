// Package apperr defines the error taxonomy shared by the exercise workflow.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// NotFoundError reports a document that had to exist but does not.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return "not found: " + e.Path }

// ValidationError reports a violated guard. Code is a translatable message ID.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Invalid builds a ValidationError.
func Invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a document store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError, or returns nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// AIServiceError reports a failed call to the external evaluation agent.
// Status is 0 when no HTTP response was received.
type AIServiceError struct {
	Status int
	Body   string
	Err    error
}

func (e *AIServiceError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("ai service (%d): %v", e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("ai service: %v", e.Err)
	default:
		return fmt.Sprintf("ai service returned %d: %s", e.Status, e.Body)
	}
}

func (e *AIServiceError) Unwrap() error { return e.Err }

// InvalidAIResponseError reports an agent response that could not be parsed.
type InvalidAIResponseError struct {
	Raw string
	Err error
}

func (e *InvalidAIResponseError) Error() string {
	return fmt.Sprintf("invalid ai response: %v", e.Err)
}

func (e *InvalidAIResponseError) Unwrap() error { return e.Err }

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	var (
		nf  *NotFoundError
		ve  *ValidationError
		ai  *AIServiceError
		bad *InvalidAIResponseError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ai), errors.As(err, &bad):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
