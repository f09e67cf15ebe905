package store

import (
	"errors"
	"fmt"
)

// NotFoundError indicates the entity does not exist or is invisible to the
// caller. Non-members get this instead of AccessDeniedError so existence is
// not revealed.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// AccessDeniedError indicates the caller lacks the required access level.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied: " + e.Reason
}

// InvalidError indicates input validation failure.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError indicates a state conflict, e.g. a duplicate pending transfer
// or restoring a group that is not deleted.
type ConflictError struct {
	Kind    string
	ID      string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Kind, e.ID, e.Message)
}

// TransientError wraps a transport failure to a cache or registry. Operations
// that can degrade gracefully swallow it.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Cause.Error()
}

func (e *TransientError) Unwrap() error { return e.Cause }

func notFound(kind string, id fmt.Stringer) error {
	return &NotFoundError{Kind: kind, ID: id.String()}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAccessDenied reports whether err is an AccessDeniedError.
func IsAccessDenied(err error) bool {
	var ad *AccessDeniedError
	return errors.As(err, &ad)
}

// IsInvalid reports whether err is an InvalidError.
func IsInvalid(err error) bool {
	var inv *InvalidError
	return errors.As(err, &inv)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
