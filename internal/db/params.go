package db

import (
	"database/sql"
	"strings"
)

// NamedParam is a single named bind parameter. Name carries the ":" prefix
// as it appears in query text, e.g. ":title".
type NamedParam struct {
	Name  string
	Value any
}

// NamedParams is an ordered list of named bind parameters. Order is
// preserved so that rendered queries and their bind sets stay
// deterministic.
type NamedParams []NamedParam

// Append adds a parameter and returns the extended slice.
func (p NamedParams) Append(name string, value any) NamedParams {
	return append(p, NamedParam{Name: name, Value: value})
}

// Args converts the parameters into database/sql named arguments. The
// driver skips any name the statement does not reference, so binding a
// superset of the placeholders a query uses is safe.
func (p NamedParams) Args() []any {
	args := make([]any, 0, len(p))
	for _, param := range p {
		args = append(args, sql.Named(strings.TrimPrefix(param.Name, ":"), param.Value))
	}
	return args
}

// Clone returns a shallow copy. Values are immutable scalars, so a shallow
// copy is sufficient for overlaying request values on a template.
func (p NamedParams) Clone() NamedParams {
	out := make(NamedParams, len(p))
	copy(out, p)
	return out
}
