package core

import (
	"errors"
	"fmt"
)

// Error taxonomy of the synthesis pipeline. Stage errors wrap exactly one of these.
var (
	// ErrValidation indicates bad input. It is returned before any I/O happens.
	ErrValidation = errors.New("validation error")
	// ErrFetch indicates the remote reference audio could not be retrieved.
	ErrFetch = errors.New("fetch error")
	// ErrDecode indicates malformed inline reference audio.
	ErrDecode = errors.New("decode error")
	// ErrTemplate indicates a missing or malformed job template or slot.
	ErrTemplate = errors.New("template error")
	// ErrConnection indicates the engine stream could not be opened or was lost.
	ErrConnection = errors.New("connection error")
	// ErrProtocol indicates the engine reported an execution error.
	ErrProtocol = errors.New("protocol error")
	// ErrTimeout indicates a deadline expired while awaiting the engine.
	ErrTimeout = errors.New("timeout error")
	// ErrCanceled indicates the caller aborted the job while awaiting the engine.
	ErrCanceled = errors.New("canceled")
	// ErrAudioLoad indicates the produced artifact is not readable audio.
	ErrAudioLoad = errors.New("audio load error")

	// ErrObjectNotFound indicates a stored audio object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrEmptyOutcome is reported when an outcome carries neither result nor error.
	ErrEmptyOutcome = errors.New("pipeline produced no result")
)

// ValidationError identifies the first request field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
