package memory

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrProviderTimeout: an embedding or expansion call exceeded its budget.
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrProvider: an embedding or expansion call failed outright.
	ErrProvider = errors.New("provider error")

	// ErrDimensionMismatch is a configuration error: the embedding does not
	// fit the user's index. It is never degraded.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStoreUnavailable: the persistent store failed during hydration.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidArgument: the caller passed an unusable argument.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEvicted: the user's state was dropped while a load was running.
	ErrEvicted = errors.New("user state evicted")
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageAdd    Stage = "add"
	StageExpand Stage = "expand"
	StageEmbed  Stage = "embed"
	StageSearch Stage = "search"
	StageLoad   Stage = "load"
	StageScore  Stage = "score"
)

// Error reports which stage failed for which user, with the kind and the
// underlying cause both reachable through errors.Is and errors.As.
type Error struct {
	Kind   error
	Stage  Stage
	UserID string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("memory: %s for user %q: %v", e.Stage, e.UserID, e.Kind)
	}
	return fmt.Sprintf("memory: %s for user %q: %v: %v", e.Stage, e.UserID, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// newError classifies err into a kind unless it already carries one.
func newError(stage Stage, userID string, err error) *Error {
	var merr *Error
	if errors.As(err, &merr) {
		return merr
	}
	return &Error{Kind: kindOf(err), Stage: stage, UserID: userID, Err: err}
}

func kindOf(err error) error {
	switch {
	case errors.Is(err, ErrDimensionMismatch):
		return ErrDimensionMismatch
	case errors.Is(err, ErrInvalidArgument):
		return ErrInvalidArgument
	case errors.Is(err, ErrStoreUnavailable):
		return ErrStoreUnavailable
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrProviderTimeout):
		return ErrProviderTimeout
	default:
		return ErrProvider
	}
}

func invalidArgument(stage Stage, userID, msg string) *Error {
	return &Error{Kind: ErrInvalidArgument, Stage: stage, UserID: userID, Err: errors.New(msg)}
}
