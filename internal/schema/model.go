// Package schema models SQLite tables, views and indexes with enough
// fidelity to render them back to DDL, and derives the per-table metadata
// the record engine depends on (record primary keys, JSON-schema columns,
// file columns, user foreign keys).
package schema

import (
	"fmt"
	"strings"
)

// QualifiedName identifies a table or view within a connection. An empty
// schema means the "main" database.
type QualifiedName struct {
	Schema string
	Name   string
}

// Normalized returns the name with an explicit schema.
func (q QualifiedName) Normalized() QualifiedName {
	if q.Schema == "" {
		return QualifiedName{Schema: "main", Name: q.Name}
	}
	return q
}

// Key returns the canonical map key for this name.
func (q QualifiedName) Key() string {
	n := q.Normalized()
	return n.Schema + "." + n.Name
}

// Equal treats a missing schema as "main".
func (q QualifiedName) Equal(other QualifiedName) bool {
	return q.Key() == other.Key()
}

// Escaped renders the name quoted for embedding in SQL.
func (q QualifiedName) Escaped() string {
	n := q.Normalized()
	return quoteIdent(n.Schema) + "." + quoteIdent(n.Name)
}

func (q QualifiedName) String() string {
	return q.Key()
}

// quoteIdent double-quotes an identifier, escaping embedded quotes.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ConflictClause is a SQLite ON CONFLICT resolution attached to a
// constraint.
type ConflictClause int

const (
	ConflictNone ConflictClause = iota
	ConflictRollback
	ConflictAbort
	ConflictFail
	ConflictIgnore
	ConflictReplace
)

func (c ConflictClause) String() string {
	switch c {
	case ConflictRollback:
		return "ROLLBACK"
	case ConflictAbort:
		return "ABORT"
	case ConflictFail:
		return "FAIL"
	case ConflictIgnore:
		return "IGNORE"
	case ConflictReplace:
		return "REPLACE"
	default:
		return ""
	}
}

func (c ConflictClause) render() string {
	if c == ConflictNone {
		return ""
	}
	return " ON CONFLICT " + c.String()
}

// ReferentialAction is a foreign key ON DELETE / ON UPDATE action.
type ReferentialAction int

const (
	ActionNoAction ReferentialAction = iota
	ActionRestrict
	ActionSetNull
	ActionSetDefault
	ActionCascade
)

func (a ReferentialAction) String() string {
	switch a {
	case ActionRestrict:
		return "RESTRICT"
	case ActionSetNull:
		return "SET NULL"
	case ActionSetDefault:
		return "SET DEFAULT"
	case ActionCascade:
		return "CASCADE"
	default:
		return "NO ACTION"
	}
}

// GeneratedKind distinguishes generated-column storage modes.
type GeneratedKind int

const (
	NotGenerated GeneratedKind = iota
	GeneratedVirtual
	GeneratedStored
)

// StorageType is the SQLite storage class a column's values take, derived
// from the declared type via the affinity rules (or taken literally for
// STRICT tables).
type StorageType int

const (
	StorageAny StorageType = iota
	StorageInteger
	StorageReal
	StorageText
	StorageBlob
	StorageNumeric
)

func (s StorageType) String() string {
	switch s {
	case StorageInteger:
		return "INTEGER"
	case StorageReal:
		return "REAL"
	case StorageText:
		return "TEXT"
	case StorageBlob:
		return "BLOB"
	case StorageNumeric:
		return "NUMERIC"
	default:
		return "ANY"
	}
}

// ForeignKeyRef is the REFERENCES part of a column or table constraint.
type ForeignKeyRef struct {
	Table    string
	Columns  []string
	OnDelete ReferentialAction
	OnUpdate ReferentialAction
}

func (r *ForeignKeyRef) render() string {
	var b strings.Builder
	b.WriteString("REFERENCES ")
	b.WriteString(quoteIdent(r.Table))
	if len(r.Columns) > 0 {
		b.WriteString(" (")
		for i, c := range r.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(c))
		}
		b.WriteString(")")
	}
	if r.OnDelete != ActionNoAction {
		b.WriteString(" ON DELETE " + r.OnDelete.String())
	}
	if r.OnUpdate != ActionNoAction {
		b.WriteString(" ON UPDATE " + r.OnUpdate.String())
	}
	return b.String()
}

// CheckExpr is a CHECK constraint expression. SQL holds the raw expression
// text; tokens hold the lexed form used for structural pattern matching.
type CheckExpr struct {
	SQL    string
	tokens []token
}

// Column is a parsed column definition.
type Column struct {
	Name            string
	TypeName        string
	NotNull         bool
	NotNullConflict ConflictClause
	PrimaryKey      bool
	PKDescending    bool
	PKConflict      ConflictClause
	Autoincrement   bool
	Unique          bool
	UniqueConflict  ConflictClause
	DefaultExpr     string
	Collate         string
	Checks          []CheckExpr
	References      *ForeignKeyRef
	Generated       GeneratedKind
	GeneratedExpr   string
}

// StorageType derives the storage class of the column. For STRICT tables
// the declared type is one of the six storage keywords; otherwise the
// standard affinity rules apply.
func (c *Column) StorageType(strict bool) StorageType {
	decl := strings.ToUpper(strings.TrimSpace(c.TypeName))
	if strict {
		switch decl {
		case "INT", "INTEGER":
			return StorageInteger
		case "REAL":
			return StorageReal
		case "TEXT":
			return StorageText
		case "BLOB":
			return StorageBlob
		case "ANY":
			return StorageAny
		}
		return StorageAny
	}

	switch {
	case decl == "":
		return StorageBlob
	case strings.Contains(decl, "INT"):
		return StorageInteger
	case strings.Contains(decl, "CHAR"), strings.Contains(decl, "CLOB"), strings.Contains(decl, "TEXT"):
		return StorageText
	case strings.Contains(decl, "BLOB"):
		return StorageBlob
	case strings.Contains(decl, "REAL"), strings.Contains(decl, "FLOA"), strings.Contains(decl, "DOUB"):
		return StorageReal
	default:
		return StorageNumeric
	}
}

func (c *Column) render() string {
	var b strings.Builder
	b.WriteString(quoteIdent(c.Name))
	if c.TypeName != "" {
		b.WriteString(" " + c.TypeName)
	}
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
		if c.PKDescending {
			b.WriteString(" DESC")
		}
		b.WriteString(c.PKConflict.render())
		if c.Autoincrement {
			b.WriteString(" AUTOINCREMENT")
		}
	}
	if c.NotNull {
		b.WriteString(" NOT NULL")
		b.WriteString(c.NotNullConflict.render())
	}
	if c.Unique {
		b.WriteString(" UNIQUE")
		b.WriteString(c.UniqueConflict.render())
	}
	for _, check := range c.Checks {
		b.WriteString(" CHECK(" + check.SQL + ")")
	}
	if c.DefaultExpr != "" {
		b.WriteString(" DEFAULT " + c.DefaultExpr)
	}
	if c.Collate != "" {
		b.WriteString(" COLLATE " + c.Collate)
	}
	if c.References != nil {
		b.WriteString(" " + c.References.render())
	}
	switch c.Generated {
	case GeneratedVirtual:
		b.WriteString(" GENERATED ALWAYS AS (" + c.GeneratedExpr + ") VIRTUAL")
	case GeneratedStored:
		b.WriteString(" GENERATED ALWAYS AS (" + c.GeneratedExpr + ") STORED")
	}
	return b.String()
}

// ConstraintKind tags table-level constraints.
type ConstraintKind int

const (
	ConstraintPrimaryKey ConstraintKind = iota
	ConstraintUnique
	ConstraintCheck
	ConstraintForeignKey
)

// TableConstraint is a table-level constraint.
type TableConstraint struct {
	Name     string
	Kind     ConstraintKind
	Columns  []string
	Conflict ConflictClause
	Check    CheckExpr
	Ref      *ForeignKeyRef
}

func (tc *TableConstraint) render() string {
	var b strings.Builder
	if tc.Name != "" {
		b.WriteString("CONSTRAINT " + quoteIdent(tc.Name) + " ")
	}
	cols := func() string {
		parts := make([]string, 0, len(tc.Columns))
		for _, c := range tc.Columns {
			parts = append(parts, quoteIdent(c))
		}
		return "(" + strings.Join(parts, ", ") + ")"
	}
	switch tc.Kind {
	case ConstraintPrimaryKey:
		b.WriteString("PRIMARY KEY " + cols() + tc.Conflict.render())
	case ConstraintUnique:
		b.WriteString("UNIQUE " + cols() + tc.Conflict.render())
	case ConstraintCheck:
		b.WriteString("CHECK(" + tc.Check.SQL + ")")
	case ConstraintForeignKey:
		b.WriteString("FOREIGN KEY " + cols() + " " + tc.Ref.render())
	}
	return b.String()
}

// Table is a parsed CREATE TABLE statement.
type Table struct {
	Name         QualifiedName
	Columns      []Column
	Constraints  []TableConstraint
	Strict       bool
	WithoutRowid bool
	// SQL is the original statement text as stored in sqlite_schema.
	SQL string
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return i
		}
	}
	return -1
}

// CreateTableSQL renders the table back to canonical DDL.
func (t *Table) CreateTableSQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE " + t.Name.Escaped() + " (\n")
	for i := range t.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		b.WriteString("  " + t.Columns[i].render())
	}
	for i := range t.Constraints {
		b.WriteString(",\n  " + t.Constraints[i].render())
	}
	b.WriteString("\n)")
	var suffix []string
	if t.Strict {
		suffix = append(suffix, "STRICT")
	}
	if t.WithoutRowid {
		suffix = append(suffix, "WITHOUT ROWID")
	}
	if len(suffix) > 0 {
		b.WriteString(" " + strings.Join(suffix, ", "))
	}
	return b.String()
}

// View is a parsed CREATE VIEW statement. SelectSQL is the defining query.
type View struct {
	Name        QualifiedName
	ColumnNames []string
	SelectSQL   string
	SQL         string
}

// Index is a parsed CREATE INDEX statement. Only the shape needed for
// round-tripping and admin display is kept.
type Index struct {
	Name    QualifiedName
	Table   string
	Unique  bool
	Columns []string
	Partial bool
	SQL     string
}

// CreateIndexSQL renders the index back to DDL.
func (ix *Index) CreateIndexSQL() string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if ix.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX " + ix.Name.Escaped() + " ON " + quoteIdent(ix.Table) + " (")
	for i, c := range ix.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(")")
	return b.String()
}

// PrimaryKeyIndexes returns the positions of the table's primary key
// columns, honoring both column-level and table-level declarations.
func (t *Table) PrimaryKeyIndexes() []int {
	var out []int
	for i := range t.Columns {
		if t.Columns[i].PrimaryKey {
			out = append(out, i)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, tc := range t.Constraints {
		if tc.Kind != ConstraintPrimaryKey {
			continue
		}
		for _, name := range tc.Columns {
			if idx := t.ColumnIndex(name); idx >= 0 {
				out = append(out, idx)
			}
		}
	}
	return out
}

func (t *Table) String() string {
	return fmt.Sprintf("Table(%s, %d columns)", t.Name.Key(), len(t.Columns))
}
