package schema

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/recbase-io/recbase/internal/db"
)

// ConnectionMetadata is an immutable snapshot of every table and view
// reachable from one connection, keyed by normalized qualified name.
type ConnectionMetadata struct {
	tables map[string]*TableMetadata
	views  map[string]*ViewMetadata
}

// GetTable looks up table metadata. The missing-schema form resolves to
// "main".
func (m *ConnectionMetadata) GetTable(name QualifiedName) *TableMetadata {
	return m.tables[name.Key()]
}

// GetView looks up view metadata.
func (m *ConnectionMetadata) GetView(name QualifiedName) *ViewMetadata {
	return m.views[name.Key()]
}

// Tables returns all table metadata entries.
func (m *ConnectionMetadata) Tables() []*TableMetadata {
	out := make([]*TableMetadata, 0, len(m.tables))
	for _, t := range m.tables {
		out = append(out, t)
	}
	return out
}

// tableByBareName resolves an unqualified table reference the way view
// SELECTs do: first match across schemas, main first.
func (m *ConnectionMetadata) tableByBareName(name string) *Table {
	if t, ok := m.tables[(QualifiedName{Name: name}).Key()]; ok {
		return t.Table
	}
	for _, t := range m.tables {
		if t.Table.Name.Name == name {
			return t.Table
		}
	}
	return nil
}

// Load reads sqlite_schema for each attached database and parses every
// table and view into metadata. Statements the parser does not support are
// skipped with a warning; they are simply not exposable as record APIs.
func Load(ctx context.Context, q db.Queryer, databases []string) (*ConnectionMetadata, error) {
	if len(databases) == 0 {
		databases = []string{"main"}
	}

	m := &ConnectionMetadata{
		tables: make(map[string]*TableMetadata),
		views:  make(map[string]*ViewMetadata),
	}

	type pendingView struct {
		schema string
		view   *View
	}
	var pending []pendingView

	for _, dbName := range databases {
		query := fmt.Sprintf(
			`SELECT type, name, sql FROM %s.sqlite_schema WHERE type IN ('table', 'view') AND sql IS NOT NULL`,
			quoteIdent(dbName))
		rows, err := q.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema of %q: %w", dbName, err)
		}

		for rows.Next() {
			var typ, name, ddl string
			if err := rows.Scan(&typ, &name, &ddl); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan schema row: %w", err)
			}
			if strings.HasPrefix(name, "sqlite_") {
				continue
			}

			parsed, err := ParseStatement(ddl)
			if err != nil {
				log.Warn().Err(err).Str("object", name).Msg("Skipping unparsable schema object")
				continue
			}

			switch obj := parsed.(type) {
			case *Table:
				obj.Name = QualifiedName{Schema: dbName, Name: obj.Name.Name}.Normalized()
				m.tables[obj.Name.Key()] = NewTableMetadata(obj)
			case *View:
				obj.Name = QualifiedName{Schema: dbName, Name: obj.Name.Name}.Normalized()
				pending = append(pending, pendingView{schema: dbName, view: obj})
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}

	// FK-transitive record PKs need every table parsed first.
	m.resolveForeignKeyPKs()

	for _, pv := range pending {
		vm := m.buildViewMetadata(pv.view)
		m.views[pv.view.Name.Key()] = vm
	}

	return m, nil
}

// resolveForeignKeyPKs upgrades PK columns that are foreign keys to an
// already-suitable record PK column.
func (m *ConnectionMetadata) resolveForeignKeyPKs() {
	// Two passes: a FK to an INTEGER or UUID primary key qualifies in the
	// first, and a FK to a primary key that itself qualified through a FK
	// qualifies by the second. Whether a longer chain qualifies depends on
	// map iteration order.
	for pass := 0; pass < 2; pass++ {
		for _, tm := range m.tables {
			if tm.RecordPKIndex >= 0 || !tm.Table.Strict {
				continue
			}
			pks := tm.Table.PrimaryKeyIndexes()
			if len(pks) != 1 {
				continue
			}
			idx := pks[0]
			ref := tm.Table.Columns[idx].References
			if ref == nil {
				continue
			}
			target := m.tableByBareName(ref.Table)
			if target == nil {
				continue
			}
			targetMeta := m.tables[target.Name.Key()]
			if targetMeta == nil || targetMeta.RecordPKIndex < 0 {
				continue
			}
			refCol := target.Columns[targetMeta.RecordPKIndex].Name
			if len(ref.Columns) == 0 || (len(ref.Columns) == 1 && ref.Columns[0] == refCol) {
				tm.RecordPKIndex = idx
			}
		}
	}
}

// buildViewMetadata traces the view's columns to their source tables and
// derives PK suitability under the conservative mapping rules.
func (m *ConnectionMetadata) buildViewMetadata(v *View) *ViewMetadata {
	vm := &ViewMetadata{View: v, RecordPKIndex: -1}

	mapping, err := ExtractColumnMapping(v.SelectSQL, m.tableByBareName)
	if err != nil {
		log.Debug().Err(err).Str("view", v.Name.Key()).Msg("View has no column mapping")
		return vm
	}
	vm.Mapping = mapping

	vm.Columns = make([]Column, 0, len(mapping.Columns))
	vm.JSONMeta = make([]*JSONColumnRule, 0, len(mapping.Columns))

	for i, mc := range mapping.Columns {
		srcTable := m.tableByBareName(mc.Table)
		if srcTable == nil {
			vm.Columns = nil
			vm.JSONMeta = nil
			vm.Mapping = nil
			return vm
		}
		srcMeta := m.tables[srcTable.Name.Key()]
		srcIdx := srcTable.ColumnIndex(mc.Column)
		if srcIdx < 0 {
			vm.Columns = nil
			vm.JSONMeta = nil
			vm.Mapping = nil
			return vm
		}

		col := srcTable.Columns[srcIdx]
		col.Name = mc.Name
		if mc.CastType != "" {
			col.TypeName = mc.CastType
		}
		// An explicit column-name list on the view overrides aliases.
		if i < len(v.ColumnNames) {
			col.Name = v.ColumnNames[i]
		}
		vm.Columns = append(vm.Columns, col)
		vm.JSONMeta = append(vm.JSONMeta, srcMeta.JSONMeta[srcIdx])

		if srcMeta.JSONMeta[srcIdx].IsFileUpload() || srcMeta.JSONMeta[srcIdx].IsFileUploads() {
			vm.FileColumns = append(vm.FileColumns, len(vm.Columns)-1)
		}
		for _, uidx := range srcMeta.UserIDColumns {
			if uidx == srcIdx {
				vm.UserIDColumns = append(vm.UserIDColumns, len(vm.Columns)-1)
			}
		}
	}

	vm.RecordPKIndex = viewRecordPKIndex(m, mapping)
	return vm
}

// viewRecordPKIndex finds the single view column that unambiguously
// preserves a record-PK column of a source table through supported joins
// and GROUP BYs.
func viewRecordPKIndex(m *ConnectionMetadata, mapping *ColumnMapping) int {
	if !mapping.UsesOnlySupportedJoins() {
		return -1
	}

	candidate := -1
	for i, mc := range mapping.Columns {
		srcTable := m.tableByBareName(mc.Table)
		if srcTable == nil {
			continue
		}
		srcMeta := m.tables[srcTable.Name.Key()]
		if srcMeta == nil || srcMeta.RecordPKIndex < 0 {
			continue
		}
		if srcTable.Columns[srcMeta.RecordPKIndex].Name != mc.Column {
			continue
		}

		if mapping.GroupByColumn != "" {
			grouped := mapping.GroupByTable == mc.Table && mapping.GroupByColumn == mc.Column
			aggregated := mc.Aggregate == AggregateMax || mc.Aggregate == AggregateMin
			if !grouped && !aggregated {
				continue
			}
		} else if mc.Aggregate != AggregateNone {
			// Aggregates without GROUP BY collapse rows.
			continue
		}

		if candidate >= 0 {
			return -1 // ambiguous
		}
		candidate = i
	}
	return candidate
}

// Cache holds the current ConnectionMetadata snapshot, rebuilt wholesale
// on schema change and swapped atomically.
type Cache struct {
	conn      *db.DB
	databases []string
	snapshot  atomic.Pointer[ConnectionMetadata]
}

// NewCache builds a cache and performs the initial load.
func NewCache(ctx context.Context, conn *db.DB, databases []string) (*Cache, error) {
	c := &Cache{conn: conn, databases: databases}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Snapshot returns the current immutable metadata snapshot.
func (c *Cache) Snapshot() *ConnectionMetadata {
	return c.snapshot.Load()
}

// Refresh reloads metadata from the database and swaps the snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	meta, err := Load(ctx, c.conn.Read(), c.databases)
	if err != nil {
		return fmt.Errorf("failed to refresh schema metadata: %w", err)
	}
	c.snapshot.Store(meta)
	log.Debug().Int("tables", len(meta.tables)).Int("views", len(meta.views)).Msg("Schema metadata refreshed")
	return nil
}
