package domain

import (
	"errors"
	"fmt"
)

// Kind classifies errors so transports can map them to reply codes.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindNotFound      Kind = "NOT_FOUND"
	KindAuthorization Kind = "UNAUTHORIZED"
	KindStaleState    Kind = "STALE_STATE"
	KindStore         Kind = "STORE_UNAVAILABLE"
	KindInternal      Kind = "INTERNAL"
)

// Error carries a Kind alongside the message. Sentinels below are *Error values, so errors.Is works
// through fmt.Errorf wrapping.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrSessionNotFound is returned when a session record does not exist (or expired).
	ErrSessionNotFound = &Error{Kind: KindNotFound, Message: "session not found"}
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = &Error{Kind: KindNotFound, Message: "participant not found in session"}
	// ErrQuestionNotFound indicates a question id does not resolve in the catalog.
	ErrQuestionNotFound = &Error{Kind: KindNotFound, Message: "question not found"}
	// ErrCatalogEmpty is returned when a session resolves but has no questions.
	ErrCatalogEmpty = &Error{Kind: KindNotFound, Message: "session has no questions"}
	// ErrInvalidTransition is returned when a command does not fit the session's current state.
	ErrInvalidTransition = &Error{Kind: KindValidation, Message: "invalid session transition"}
	// ErrQuestionOutOfRange is returned when a question index does not index the session's questions.
	ErrQuestionOutOfRange = &Error{Kind: KindValidation, Message: "question index out of range"}
	// ErrNotModerator is returned when a privileged command comes from a non-moderator.
	ErrNotModerator = &Error{Kind: KindAuthorization, Message: "moderator privileges required"}
	// ErrNotInvited is returned when a session restricts participants and the user is not listed.
	ErrNotInvited = &Error{Kind: KindAuthorization, Message: "user is not invited to this session"}
	// ErrNotJoined is returned when a connection issues a session command before join_session.
	ErrNotJoined = &Error{Kind: KindValidation, Message: "connection has not joined the session"}
	// ErrOrchestratorRunning is returned when a session is started twice in the same process.
	ErrOrchestratorRunning = &Error{Kind: KindValidation, Message: "session is already running"}
)

// Validation builds a validation error for a malformed payload.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// StoreError marks a failure of the shared session store.
func StoreError(op string, err error) error {
	return &Error{Kind: KindStore, Message: op, Err: err}
}

// KindOf reports the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
