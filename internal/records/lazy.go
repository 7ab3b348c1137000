package records

import "sync"

// LazyParams defers body parsing until the first Params call, so requests
// rejected at the table-level gate never pay for conversion. All callers
// observe the same single parse.
type LazyParams struct {
	accessor ColumnAccessor
	body     map[string]any
	files    []MultipartFile

	update   bool
	pkColumn string
	pkValue  any

	once   sync.Once
	params *Params
	err    error
}

// NewLazyInsertParams wraps an insert body.
func NewLazyInsertParams(accessor ColumnAccessor, body map[string]any, files []MultipartFile) *LazyParams {
	return &LazyParams{accessor: accessor, body: body, files: files}
}

// NewLazyUpdateParams wraps an update body targeting the given primary
// key value.
func NewLazyUpdateParams(accessor ColumnAccessor, body map[string]any, files []MultipartFile, pkColumn string, pkValue any) *LazyParams {
	return &LazyParams{
		accessor: accessor,
		body:     body,
		files:    files,
		update:   true,
		pkColumn: pkColumn,
		pkValue:  pkValue,
	}
}

// Params parses on first use and memoizes the result.
func (l *LazyParams) Params() (*Params, error) {
	l.once.Do(func() {
		if l.update {
			l.params, l.err = BuildUpdateParams(l.accessor, l.body, l.files, l.pkColumn, l.pkValue)
		} else {
			l.params, l.err = BuildInsertParams(l.accessor, l.body, l.files)
		}
	})
	return l.params, l.err
}
