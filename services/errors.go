package services

import (
	"context"
	"errors"
	"fmt"

	"typerace/store"
)

// Kind classifies an error by what the caller should do about it.
type Kind string

const (
	// KindValidation: malformed input, nothing was changed.
	KindValidation Kind = "validation"
	// KindConflict: the request does not fit the current state.
	KindConflict Kind = "conflict"
	// KindNotFound: a referenced room, config or participant is missing.
	KindNotFound Kind = "not_found"
	// KindTransient: timeouts, unavailability and contention. Retrying
	// the same call is safe.
	KindTransient Kind = "transient"
	// KindInternal: corrupt records or bugs.
	KindInternal Kind = "internal"
)

var (
	ErrInvalidTransition   = errors.New("invalid round transition")
	ErrRoundNotActive      = errors.New("round is not accepting submissions")
	ErrRoundClosed         = errors.New("round already closed")
	ErrNoResults           = errors.New("no results submitted for round")
	ErrRoomNotFound        = errors.New("room not found")
	ErrConfigNotFound      = errors.New("round config not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotEligible         = errors.New("participant not eligible for round")
	ErrInvalidJoinCode     = errors.New("invalid join code")
	ErrRoomStarted         = errors.New("room has already started")
	ErrAlreadyInRoom       = errors.New("participant is in another active room")
	ErrReferenceMismatch   = errors.New("reference text does not match round")
	ErrContention          = errors.New("too much contention, retry")
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed later.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, looking through wrapping. Errors that
// did not come from this package are classified by their store cause.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrExists):
		return KindConflict
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindInternal
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// storeError classifies a failure coming back from the store.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return newError(KindTransient, op, err)
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrExists):
		return newError(KindTransient, op, fmt.Errorf("%w: %w", ErrContention, err))
	case errors.Is(err, store.ErrNotFound):
		return newError(KindNotFound, op, err)
	}
	return newError(KindInternal, op, err)
}
