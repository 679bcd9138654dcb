package dismissal

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotFound: the session, entry, student or zone does not exist in the
	// caller's school.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition: the entry is not in a state the action can leave.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSessionPaused: check-ins and calls are refused while the office has paused dismissal.
	ErrSessionPaused = errors.New("dismissal session is paused")
	ErrForbidden     = errors.New("permission denied")
	ErrConflict      = errors.New("already exists")
	ErrValidation    = errors.New("invalid request")
)

// ValidationError is used to indicate an error with a specific request field.
type ValidationError struct {
	Field string
	Msg   string
}

func validationError(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Msg
}

// Is lets errors.Is(err, ErrValidation) match any field error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// skipReason maps a per-id batch failure to the reason reported to callers.
// Unknown errors are not skip reasons and abort the batch.
func skipReason(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found", true
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition", true
	case errors.Is(err, ErrForbidden):
		return "forbidden", true
	case errors.Is(err, ErrSessionPaused):
		return "session_paused", true
	}
	return "", false
}
