package domain

import "fmt"

// InvalidTransitionError reports an undeclared status edge or a workflow ordering violation.
type InvalidTransitionError struct {
	Kind   Kind
	From   Status
	To     Status
	Reason string
}

func (e InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s transition %s -> %s: %s", e.Kind, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Kind, e.From, e.To)
}

// ConflictError reports a write against a stale version.
type ConflictError struct {
	ID       string
	Expected int64
	Current  int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.ID, e.Expected, e.Current)
}

// InsufficientStockError names the part that could not cover a positive delta.
type InsufficientStockError struct {
	PartID    string
	Requested int64
	Available int64
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for part %s: requested %d, available %d", e.PartID, e.Requested, e.Available)
}

// UnauthorizedError reports an actor lacking the department or role for an action.
type UnauthorizedError struct {
	ActorID    string
	Department string
	Action     string
}

func (e UnauthorizedError) Error() string {
	if e.Department != "" {
		return fmt.Sprintf("actor %s is not a member of %s (%s)", e.ActorID, e.Department, e.Action)
	}
	return fmt.Sprintf("actor %s is not allowed to %s", e.ActorID, e.Action)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
