// Package fault defines the shared error taxonomy for flowgate.
//
// Every failure surfaced across a package boundary is one of four kinds:
//
//   - InvalidDefinition: a rule DSL or workflow graph failed structural or
//     semantic validation. Carries the field path where validation failed.
//   - StateConflict: an operation was attempted against an entity whose status
//     forbids it, or an idempotency key was reused with different content.
//   - NotFound: an unknown rule set, workflow, task, or request id.
//   - AccessDenied: the access policy vetoed an action.
//
// Evaluation-time field or type mismatches are deliberately NOT errors; the
// rule evaluator resolves them to false/nil so that DSL authoring stays
// tolerant of optional payload fields.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes a fault.
type Kind string

const (
	KindInvalidDefinition Kind = "INVALID_DEFINITION"
	KindStateConflict     Kind = "STATE_CONFLICT"
	KindNotFound          Kind = "NOT_FOUND"
	KindAccessDenied      Kind = "ACCESS_DENIED"
)

// Error is a classified domain error.
//
// Path is set for InvalidDefinition faults and points at the offending field
// using the DSL path notation ("dsl.all[1].field", "graph.nodes[2].join").
type Error struct {
	Kind    Kind
	Path    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Invalid creates an InvalidDefinition fault attributed to a field path.
func Invalid(path, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidDefinition, Path: path, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a StateConflict fault.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a NotFound fault.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Denied creates an AccessDenied fault carrying the policy reason code.
func Denied(reasonCode string) *Error {
	return &Error{Kind: KindAccessDenied, Message: reasonCode}
}

// KindOf returns the Kind of err, or "" if err is not a fault.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsInvalid reports whether err is an InvalidDefinition fault.
func IsInvalid(err error) bool { return KindOf(err) == KindInvalidDefinition }

// IsConflict reports whether err is a StateConflict fault.
func IsConflict(err error) bool { return KindOf(err) == KindStateConflict }

// IsNotFound reports whether err is a NotFound fault.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsDenied reports whether err is an AccessDenied fault.
func IsDenied(err error) bool { return KindOf(err) == KindAccessDenied }
