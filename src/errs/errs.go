// Package errs is the error taxonomy shared by every admission component.
// Callers match with errors.Is; the HTTP boundary maps each kind to a fixed
// status and message so internal details never reach a client.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrAlreadyUsed        = errors.New("credential already used")
	ErrLockTimeout        = errors.New("lock timeout")
	ErrSyncFailure        = errors.New("sync failure")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrOverRelease        = errors.New("release exceeds reserved capacity")
)

// TransitionError describes a rejected reservation status change.
type TransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Validation wraps ErrValidation with a field-level message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Retryable is true for failures a caller may retry unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrSyncFailure)
}

type kind struct {
	target  error
	code    string
	status  int
	message string
}

var kinds = []kind{
	{ErrInvalidTransition, "InvalidTransition", http.StatusConflict, "the requested status change is not allowed"},
	{ErrCapacityExceeded, "CapacityExceeded", http.StatusConflict, "not enough capacity left"},
	{ErrCredentialNotFound, "CredentialNotFound", http.StatusNotFound, "credential not found"},
	{ErrAlreadyUsed, "AlreadyUsed", http.StatusConflict, "credential already used"},
	{ErrLockTimeout, "LockTimeout", http.StatusServiceUnavailable, "resource busy, retry"},
	{ErrSyncFailure, "SyncFailure", http.StatusBadGateway, "could not reach the server"},
	{ErrOverRelease, "OverRelease", http.StatusConflict, "release exceeds reserved capacity"},
	{ErrValidation, "Validation", http.StatusBadRequest, "invalid request"},
	{ErrNotFound, "NotFound", http.StatusNotFound, "not found"},
}

func lookup(err error) (kind, bool) {
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k, true
		}
	}
	return kind{}, false
}

// Code returns the taxonomy code for err, or "Internal".
func Code(err error) string {
	if k, ok := lookup(err); ok {
		return k.code
	}
	return "Internal"
}

func HTTPStatus(err error) int {
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// Public returns the client-facing message for err.
func Public(err error) string {
	if k, ok := lookup(err); ok {
		return k.message
	}
	return "internal error"
}
