package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrDuplicateID             = errors.New("duplicate id")
	ErrInvalidAllocation       = errors.New("allocated hours must be positive")
	ErrInvalidDelta            = errors.New("invalid progress delta")
	ErrIncompleteHours         = errors.New("completed hours below allocation")
	ErrReferencedByActiveStory = errors.New("task referenced by active story")
	ErrStateMismatch           = errors.New("state mismatch")
	ErrIllegalTransition       = errors.New("illegal transition")
	ErrAgentUnavailable        = errors.New("agent unavailable")
	ErrCollaborator            = errors.New("collaborator error")
	ErrTimeout                 = errors.New("collaborator timeout")
	ErrNoCapacityWithinHorizon = errors.New("no capacity within horizon")
	ErrInvalidArgument         = errors.New("invalid argument")
)

// StateMismatchError is returned when a caller's expected state is stale.
type StateMismatchError struct {
	Entity   string
	ID       string
	Expected string
	Actual   string
}

func (e *StateMismatchError) Error() string {
	return fmt.Sprintf("%s %s: expected state %s, actual %s", e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *StateMismatchError) Unwrap() error { return ErrStateMismatch }

// TransitionError explains why a transition was refused.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
	if e.To == "" {
		msg = fmt.Sprintf("%s %s: no transition from %s", e.Entity, e.ID, e.From)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// CollaboratorError reports a failed agent invocation. The underlying error is
// kept for logging but never rendered by Error, except for the engine rule a
// malformed outcome broke.
type CollaboratorError struct {
	Agent  string
	Action string
	Err    error
}

func (e *CollaboratorError) Error() string {
	if v := e.Violation(); v != nil {
		return fmt.Sprintf("agent %s returned an invalid %s outcome: %v", e.Agent, e.Action, v)
	}
	return fmt.Sprintf("agent %s failed action %s", e.Agent, e.Action)
}

// Unwrap deliberately stops at ErrCollaborator so a collaborator's own
// sentinels never leak into the caller's error mapping.
func (e *CollaboratorError) Unwrap() error { return ErrCollaborator }

// Violation returns the engine invariant the collaborator's outcome broke,
// or nil when the invocation itself failed.
func (e *CollaboratorError) Violation() error {
	for _, inv := range []error{ErrInvalidAllocation, ErrInvalidArgument} {
		if errors.Is(e.Err, inv) {
			return inv
		}
	}
	return nil
}

// Invalid wraps ErrInvalidArgument with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
