// Package records implements the record-API engine: per-API descriptors
// compiled from configuration and live schema, request-parameter
// translation, row-level access enforcement, CRUD and list execution, and
// the change-event subscription fan-out.
package records

import (
	"errors"
	"fmt"
)

// Kind classifies record-engine failures. The HTTP layer maps kinds to
// status codes; nothing in this package knows about HTTP.
type Kind int

const (
	// KindBadRequest covers malformed ids, filters, cursors, expands
	// and body mismatches.
	KindBadRequest Kind = iota
	// KindForbidden is any table- or row-level access denial.
	KindForbidden
	// KindRecordNotFound means the target row (or file) is missing.
	KindRecordNotFound
	// KindAPINotFound means no record API is registered under the name.
	KindAPINotFound
	// KindAPIRequiresTable rejects create/update against views.
	KindAPIRequiresTable
	// KindConflict is an INSERT rejected by a conflict clause.
	KindConflict
	// KindInternal is everything not attributable to user input.
	KindInternal
)

// Error is the typed error surfaced by the record engine.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Sentinel errors for the common cases.
var (
	ErrForbidden      = &Error{Kind: KindForbidden, Msg: "forbidden"}
	ErrRecordNotFound = &Error{Kind: KindRecordNotFound, Msg: "record not found"}
	ErrAPINotFound    = &Error{Kind: KindAPINotFound, Msg: "record api not found"}
	ErrRequiresTable  = &Error{Kind: KindAPIRequiresTable, Msg: "operation requires a table, not a view"}
)

// BadRequest builds a user-attributable error.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// Conflict wraps an insert rejected by its conflict clause.
func Conflict(err error) *Error {
	return &Error{Kind: KindConflict, Msg: "conflict", Err: err}
}

// KindOf extracts the Kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}
