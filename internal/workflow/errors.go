package workflow

import (
	"fmt"
	"strings"

	"inspectline/internal/domain"
)

// ValidationError reports a rejected request: wrong source state, missing
// mandatory field, or malformed input. The record is left unchanged.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// AuthorizationError reports a caller lacking the role or ownership for an action.
type AuthorizationError struct {
	ActorID  string
	Role     domain.Role
	Required []domain.Role
	Reason   string
}

func (e AuthorizationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("actor %s not authorized: %s", e.ActorID, e.Reason)
	}
	roles := make([]string, 0, len(e.Required))
	for _, r := range e.Required {
		roles = append(roles, string(r))
	}
	return fmt.Sprintf("actor %s with role %q not authorized; requires %s", e.ActorID, e.Role, strings.Join(roles, " or "))
}

// ConflictError reports a stale expected version. Current holds the
// authoritative record so the caller can re-fetch and retry.
type ConflictError struct {
	Kind     string
	ID       string
	Expected int
	Actual   int
	Current  any
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s version conflict: expected %d, current %d", e.Kind, e.ID, e.Expected, e.Actual)
}

// PersistenceError reports a durable write that did not complete. The
// transition did not happen and the identical request may be retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

func invalidTransition(kind, from, to string) ValidationError {
	return ValidationError{
		Code:    "invalid_transition",
		Field:   "status",
		Message: fmt.Sprintf("%s cannot move from %s to %s", kind, from, to),
	}
}

func required(field string) ValidationError {
	return ValidationError{Code: "required", Field: field, Message: "must not be empty"}
}
