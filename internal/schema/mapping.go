package schema

import (
	"errors"
	"fmt"
	"strings"

	rsql "github.com/rqlite/sql"
)

// ErrNoMapping means a view's SELECT is too complex for the conservative
// column-mapping extraction. The view remains usable, just not as a record
// API source.
var ErrNoMapping = errors.New("no conservative column mapping")

// JoinType classifies the joins a mapped view uses.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinCross
	JoinOther
)

// AggregateKind is the aggregate a result column is projected through.
type AggregateKind int

const (
	AggregateNone AggregateKind = iota
	AggregateMax
	AggregateMin
	AggregateSum
)

// MappedColumn traces one view result column back to its source.
type MappedColumn struct {
	// Name is the output column name (alias or source column name).
	Name string
	// Table is the source table's bare name; Column the source column.
	Table  string
	Column string
	// Aggregate is set when the column is projected through an
	// aggregate call.
	Aggregate AggregateKind
	// CastType carries the declared type of CAST(expr AS type) columns.
	CastType string
}

// ColumnMapping is the conservative derivation of where each view column
// comes from.
type ColumnMapping struct {
	Columns []MappedColumn
	// GroupByColumn is the single GROUP BY key (table-qualified source
	// column), empty when the query has no GROUP BY.
	GroupByTable  string
	GroupByColumn string
	// JoinTypes is the set of join operators the source uses.
	JoinTypes map[JoinType]struct{}
}

// UsesOnlySupportedJoins reports whether all joins are LEFT or INNER,
// the precondition for primary-key inference through the view.
func (m *ColumnMapping) UsesOnlySupportedJoins() bool {
	for jt := range m.JoinTypes {
		if jt != JoinInner && jt != JoinLeft {
			return false
		}
	}
	return true
}

// rejectedSelectKeywords triggers early rejection of query shapes the
// mapper never attempts: compound selects and window functions.
var rejectedSelectKeywords = []string{"UNION", "INTERSECT", "EXCEPT", " OVER", "WINDOW"}

// typePreservingAggregates is the allow-list of aggregate calls the mapper
// traces through.
var typePreservingAggregates = map[string]AggregateKind{
	"MAX": AggregateMax,
	"MIN": AggregateMin,
	"SUM": AggregateSum,
}

// viewSource is one resolvable FROM entry.
type viewSource struct {
	alias string
	table string
}

// ExtractColumnMapping attempts to trace each result column of the view's
// SELECT back to a (table, column) pair. tables resolves bare table names
// to parsed tables. Returns ErrNoMapping for shapes outside the
// conservative subset.
func ExtractColumnMapping(selectSQL string, tables func(name string) *Table) (*ColumnMapping, error) {
	upper := strings.ToUpper(selectSQL)
	for _, kw := range rejectedSelectKeywords {
		if strings.Contains(upper, kw) {
			return nil, ErrNoMapping
		}
	}

	stmt, err := rsql.NewParser(strings.NewReader(selectSQL)).ParseStatement()
	if err != nil {
		return nil, fmt.Errorf("failed to parse view select: %w", err)
	}
	sel, ok := stmt.(*rsql.SelectStatement)
	if !ok {
		return nil, ErrNoMapping
	}
	if sel.Distinct.IsValid() {
		return nil, ErrNoMapping
	}

	mapping := &ColumnMapping{JoinTypes: make(map[JoinType]struct{})}

	sources, err := collectSources(sel.Source, mapping)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, ErrNoMapping
	}

	resolve := func(tbl, col string) (*viewSource, bool) {
		if tbl != "" {
			for i := range sources {
				if sources[i].alias == tbl || sources[i].table == tbl {
					return &sources[i], true
				}
			}
			return nil, false
		}
		var found *viewSource
		for i := range sources {
			t := tables(sources[i].table)
			if t == nil {
				continue
			}
			if t.ColumnIndex(col) >= 0 {
				if found != nil {
					return nil, false // ambiguous
				}
				found = &sources[i]
			}
		}
		return found, found != nil
	}

	for _, rc := range sel.Columns {
		if rc.Star.IsValid() {
			// Bare `*`: expand every source table's columns in order.
			for _, src := range sources {
				t := tables(src.table)
				if t == nil {
					return nil, ErrNoMapping
				}
				for i := range t.Columns {
					mapping.Columns = append(mapping.Columns, MappedColumn{
						Name:   t.Columns[i].Name,
						Table:  src.table,
						Column: t.Columns[i].Name,
					})
				}
			}
			continue
		}

		mc, err := resolveResultColumn(rc, resolve, tables)
		if err != nil {
			return nil, err
		}
		if mc == nil {
			continue
		}
		mapping.Columns = append(mapping.Columns, mc...)
	}

	if len(sel.GroupByExprs) > 0 {
		if len(sel.GroupByExprs) != 1 {
			return nil, ErrNoMapping
		}
		tbl, col, ok := exprColumnRef(sel.GroupByExprs[0])
		if !ok {
			return nil, ErrNoMapping
		}
		src, ok := resolve(tbl, col)
		if !ok {
			return nil, ErrNoMapping
		}
		mapping.GroupByTable = src.table
		mapping.GroupByColumn = col
	}

	return mapping, nil
}

// resolveResultColumn maps one result column; returns a slice because
// `t.*` expands to many columns.
func resolveResultColumn(
	rc *rsql.ResultColumn,
	resolve func(tbl, col string) (*viewSource, bool),
	tables func(name string) *Table,
) ([]MappedColumn, error) {
	alias := ""
	if rc.Alias != nil {
		alias = rc.Alias.Name
	}

	switch expr := rc.Expr.(type) {
	case *rsql.Ident:
		src, ok := resolve("", expr.Name)
		if !ok {
			return nil, ErrNoMapping
		}
		name := alias
		if name == "" {
			name = expr.Name
		}
		return []MappedColumn{{Name: name, Table: src.table, Column: expr.Name}}, nil

	case *rsql.QualifiedRef:
		if expr.Star.IsValid() {
			src, ok := resolve(expr.Table.Name, "")
			if !ok {
				return nil, ErrNoMapping
			}
			t := tables(src.table)
			if t == nil {
				return nil, ErrNoMapping
			}
			out := make([]MappedColumn, 0, len(t.Columns))
			for i := range t.Columns {
				out = append(out, MappedColumn{
					Name:   t.Columns[i].Name,
					Table:  src.table,
					Column: t.Columns[i].Name,
				})
			}
			return out, nil
		}
		src, ok := resolve(expr.Table.Name, expr.Column.Name)
		if !ok {
			return nil, ErrNoMapping
		}
		name := alias
		if name == "" {
			name = expr.Column.Name
		}
		return []MappedColumn{{Name: name, Table: src.table, Column: expr.Column.Name}}, nil

	case *rsql.Call:
		agg, ok := typePreservingAggregates[strings.ToUpper(expr.Name.Name)]
		if !ok || len(expr.Args) != 1 {
			return nil, ErrNoMapping
		}
		tbl, col, ok := exprColumnRef(expr.Args[0])
		if !ok {
			return nil, ErrNoMapping
		}
		src, ok := resolve(tbl, col)
		if !ok {
			return nil, ErrNoMapping
		}
		name := alias
		if name == "" {
			name = col
		}
		return []MappedColumn{{Name: name, Table: src.table, Column: col, Aggregate: agg}}, nil

	case *rsql.CastExpr:
		if alias == "" {
			return nil, ErrNoMapping
		}
		tbl, col, ok := exprColumnRef(expr.X)
		if !ok {
			return nil, ErrNoMapping
		}
		src, ok := resolve(tbl, col)
		if !ok {
			return nil, ErrNoMapping
		}
		return []MappedColumn{{
			Name:     alias,
			Table:    src.table,
			Column:   col,
			CastType: expr.Type.Name.Name,
		}}, nil

	default:
		return nil, ErrNoMapping
	}
}

func exprColumnRef(expr rsql.Expr) (table, column string, ok bool) {
	switch e := expr.(type) {
	case *rsql.Ident:
		return "", e.Name, true
	case *rsql.QualifiedRef:
		if e.Star.IsValid() {
			return "", "", false
		}
		return e.Table.Name, e.Column.Name, true
	default:
		return "", "", false
	}
}

// collectSources flattens the FROM clause into table references, recording
// join types. Subqueries yield ErrNoMapping; joins of any type are accepted
// here and left to UsesOnlySupportedJoins.
func collectSources(source rsql.Source, mapping *ColumnMapping) ([]viewSource, error) {
	switch src := source.(type) {
	case *rsql.QualifiedTableName:
		alias := ""
		if src.Alias != nil {
			alias = src.Alias.Name
		}
		return []viewSource{{alias: alias, table: src.Name.Name}}, nil

	case *rsql.JoinClause:
		mapping.JoinTypes[classifyJoin(src.Operator)] = struct{}{}

		left, err := collectSources(src.X, mapping)
		if err != nil {
			return nil, err
		}
		right, err := collectSources(src.Y, mapping)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	case *rsql.ParenSource:
		return nil, ErrNoMapping

	default:
		return nil, ErrNoMapping
	}
}

func classifyJoin(op *rsql.JoinOperator) JoinType {
	if op == nil {
		return JoinInner
	}
	switch {
	case op.Comma.IsValid(), op.Cross.IsValid():
		return JoinCross
	case op.Natural.IsValid():
		return JoinOther
	case op.Left.IsValid():
		return JoinLeft
	default:
		return JoinInner
	}
}
