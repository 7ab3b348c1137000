package schema

import (
	"strings"
)

// UserTableName is the system table that user-id foreign keys point at.
const UserTableName = "_user"

// JSONColumnRule describes how a column's JSON payload is constrained:
// either by a named schema from the registry or by an inline schema
// pattern, extracted from CHECK(jsonschema(...)) expressions.
type JSONColumnRule struct {
	// SchemaName is set for CHECK(jsonschema('name', col)).
	SchemaName string
	// Pattern is the inline schema JSON for
	// CHECK(jsonschema_matches('{...}', col)).
	Pattern string
}

// Builtin file schemas recognized on JSON columns.
const (
	FileUploadSchema  = "std.FileUpload"
	FileUploadsSchema = "std.FileUploads"
)

// IsFileUpload reports whether the rule designates a single-file column.
func (r *JSONColumnRule) IsFileUpload() bool {
	return r != nil && r.SchemaName == FileUploadSchema
}

// IsFileUploads reports whether the rule designates a file-list column.
func (r *JSONColumnRule) IsFileUploads() bool {
	return r != nil && r.SchemaName == FileUploadsSchema
}

// TableMetadata annotates a parsed table with the derived properties the
// record engine needs.
type TableMetadata struct {
	Table *Table

	// RecordPKIndex is the index of the column suitable as a stable API
	// primary key, or -1.
	RecordPKIndex int

	// JSONMeta is parallel to Table.Columns; nil entries mean no rule.
	JSONMeta []*JSONColumnRule

	// FileColumns are the indexes of std.FileUpload/std.FileUploads
	// columns.
	FileColumns []int

	// UserIDColumns are indexes of columns whose FK references
	// _user(id).
	UserIDColumns []int
}

// ViewMetadata annotates a parsed view. Columns is the traced column list
// (names from the view, definitions from the underlying tables); it is nil
// when no conservative mapping could be derived.
type ViewMetadata struct {
	View    *View
	Mapping *ColumnMapping

	Columns       []Column
	RecordPKIndex int
	JSONMeta      []*JSONColumnRule
	FileColumns   []int
	UserIDColumns []int
}

// uuidCheckKind classifies CHECK(is_uuid*(col)) constraints.
type uuidCheckKind int

const (
	uuidCheckNone uuidCheckKind = iota
	uuidCheckAny
	uuidCheckV4
	uuidCheckV7
)

// matchCall matches a token stream of the exact shape
// fn ( args... ) and returns the arguments split on top-level commas.
func matchCall(tokens []token, fn string) ([][]token, bool) {
	if len(tokens) < 3 {
		return nil, false
	}
	if !tokens[0].keywordIs(fn) && !strings.EqualFold(tokens[0].text, fn) {
		return nil, false
	}
	if tokens[0].kind != tokIdent || tokens[1].kind != tokLParen || tokens[len(tokens)-1].kind != tokRParen {
		return nil, false
	}

	var args [][]token
	depth := 0
	var current []token
	for _, t := range tokens[2 : len(tokens)-1] {
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
		case tokComma:
			if depth == 0 {
				args = append(args, current)
				current = nil
				continue
			}
		}
		current = append(current, t)
	}
	if depth != 0 {
		return nil, false
	}
	args = append(args, current)
	return args, true
}

func singleColumnArg(arg []token) (string, bool) {
	if len(arg) == 1 && arg[0].kind == tokIdent {
		return arg[0].text, true
	}
	return "", false
}

// uuidCheck inspects a CHECK expression for is_uuid/is_uuid_v4/is_uuid_v7.
func uuidCheck(expr CheckExpr) (string, uuidCheckKind) {
	for fn, kind := range map[string]uuidCheckKind{
		"is_uuid":    uuidCheckAny,
		"is_uuid_v4": uuidCheckV4,
		"is_uuid_v7": uuidCheckV7,
	} {
		if args, ok := matchCall(expr.tokens, fn); ok && len(args) == 1 {
			if col, ok := singleColumnArg(args[0]); ok {
				return col, kind
			}
		}
	}
	return "", uuidCheckNone
}

// jsonRule inspects a CHECK expression for jsonschema('name', col) or
// jsonschema_matches('{...}', col). Returns the constrained column.
func jsonRule(expr CheckExpr) (string, *JSONColumnRule) {
	if args, ok := matchCall(expr.tokens, "jsonschema"); ok && len(args) >= 2 {
		if args[0] != nil && len(args[0]) == 1 && args[0][0].kind == tokString {
			if col, ok := singleColumnArg(args[1]); ok {
				return col, &JSONColumnRule{SchemaName: args[0][0].text}
			}
		}
	}
	if args, ok := matchCall(expr.tokens, "jsonschema_matches"); ok && len(args) >= 2 {
		if args[0] != nil && len(args[0]) == 1 && args[0][0].kind == tokString {
			if col, ok := singleColumnArg(args[1]); ok {
				return col, &JSONColumnRule{Pattern: args[0][0].text}
			}
		}
	}
	return "", nil
}

// columnChecks gathers the CHECK expressions constraining each column:
// column-level checks plus table-level checks that reference a single
// column by name.
func columnChecks(t *Table) map[string][]CheckExpr {
	out := make(map[string][]CheckExpr)
	for i := range t.Columns {
		col := &t.Columns[i]
		out[col.Name] = append(out[col.Name], col.Checks...)
	}
	for _, tc := range t.Constraints {
		if tc.Kind != ConstraintCheck {
			continue
		}
		// Attribute a table-level check to the column its call names.
		if col, kind := uuidCheck(tc.Check); kind != uuidCheckNone {
			out[col] = append(out[col], tc.Check)
			continue
		}
		if col, rule := jsonRule(tc.Check); rule != nil {
			out[col] = append(out[col], tc.Check)
		}
	}
	return out
}

// NewTableMetadata derives metadata for a table. FK-transitive primary key
// suitability (a PK column that is itself a FK to another record PK) is
// resolved later by ConnectionMetadata once all tables are known.
func NewTableMetadata(t *Table) *TableMetadata {
	m := &TableMetadata{
		Table:         t,
		RecordPKIndex: -1,
		JSONMeta:      make([]*JSONColumnRule, len(t.Columns)),
	}

	checks := columnChecks(t)

	for i := range t.Columns {
		col := &t.Columns[i]
		for _, check := range checks[col.Name] {
			if c, rule := jsonRule(check); rule != nil && c == col.Name {
				m.JSONMeta[i] = rule
			}
		}
		if m.JSONMeta[i].IsFileUpload() || m.JSONMeta[i].IsFileUploads() {
			m.FileColumns = append(m.FileColumns, i)
		}
		if ref := col.References; ref != nil && ref.Table == UserTableName {
			if len(ref.Columns) == 0 || (len(ref.Columns) == 1 && ref.Columns[0] == "id") {
				m.UserIDColumns = append(m.UserIDColumns, i)
			}
		}
	}

	m.RecordPKIndex = recordPKIndex(t, checks)
	return m
}

// recordPKIndex finds the single column suitable as a stable record id:
// the table must be STRICT, the column must be the sole PRIMARY KEY, and
// it must be INTEGER-typed or a BLOB with an is_uuid*/is_uuid_v4/v7 CHECK.
// FK-based suitability is handled at the connection level.
func recordPKIndex(t *Table, checks map[string][]CheckExpr) int {
	if !t.Strict {
		return -1
	}
	pks := t.PrimaryKeyIndexes()
	if len(pks) != 1 {
		return -1
	}
	idx := pks[0]
	col := &t.Columns[idx]

	switch col.StorageType(t.Strict) {
	case StorageInteger:
		return idx
	case StorageBlob:
		for _, check := range checks[col.Name] {
			if c, kind := uuidCheck(check); kind != uuidCheckNone && c == col.Name {
				return idx
			}
		}
	}
	return -1
}

// IsUUIDColumn reports whether the column at idx carries an is_uuid*
// CHECK constraint.
func (m *TableMetadata) IsUUIDColumn(idx int) bool {
	if idx < 0 || idx >= len(m.Table.Columns) {
		return false
	}
	col := &m.Table.Columns[idx]
	checks := columnChecks(m.Table)
	for _, check := range checks[col.Name] {
		if c, kind := uuidCheck(check); kind != uuidCheckNone && c == col.Name {
			return true
		}
	}
	return false
}

// Name returns the table's qualified name.
func (m *TableMetadata) Name() QualifiedName {
	return m.Table.Name
}
