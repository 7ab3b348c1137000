package records

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/recbase-io/recbase/internal/config"
	"github.com/recbase-io/recbase/internal/db"
	"github.com/recbase-io/recbase/internal/jsonschema"
	"github.com/recbase-io/recbase/internal/schema"
)

// validIdentifierRegex validates SQL identifiers (column names, table
// names). Bind parameters are derived from column names, so anything
// outside this set cannot be exposed through a record API.
var validIdentifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidIdentifier(s string) bool {
	return validIdentifierRegex.MatchString(s)
}

// quoteIdentifier double-quotes an SQL identifier.
func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ExpandedTable is a pre-resolved foreign table for response expansion.
type ExpandedTable struct {
	// Column is the FK column on the API's table.
	Column string
	// ForeignTable is the referenced table.
	ForeignTable *schema.Table
	// ForeignPK is the index of the referenced record-PK column.
	ForeignPK int
	// EscapedName is the quoted qualified name for SQL embedding.
	EscapedName string
}

// NumColumns is how many columns the expansion projects.
func (e *ExpandedTable) NumColumns() int {
	return len(e.ForeignTable.Columns)
}

// API is the compiled descriptor of one record API. Descriptors are
// immutable after construction and cheap to share.
type API struct {
	name    string
	isTable bool
	strict  bool

	qualifiedName schema.QualifiedName
	escapedName   string

	pkIndex  int
	pkColumn schema.Column

	columns  []schema.Column
	jsonMeta []*schema.JSONColumnRule
	// columnIndex maps column name to position in columns.
	columnIndex map[string]int

	fileColumns   []int
	userIDColumns []int

	expand map[string]*ExpandedTable

	listingHardLimit int
	conflictSQL      string
	autofillUserID   bool
	subsEnabled      bool

	acl ACL

	// accessQueries holds one pre-rendered query per permission slot;
	// empty when the corresponding rule is unset.
	accessQueries [5]string
	// subReadQuery re-checks the read rule against a change event's
	// field values instead of a fetched row.
	subReadQuery string
	// readRule is the raw read rule text, merged into listing WHERE
	// clauses.
	readRule string

	// paramsTemplate has one ":col" -> NULL entry per accessible
	// column; insert/update overlay request values on a copy.
	paramsTemplate db.NamedParams

	registry *jsonschema.Registry
}

// Name returns the API name.
func (a *API) Name() string { return a.name }

// IsTable reports whether the API is backed by a table (vs a view).
func (a *API) IsTable() bool { return a.isTable }

// TableName returns the backing object's qualified name.
func (a *API) TableName() schema.QualifiedName { return a.qualifiedName }

// PKColumn returns the record primary key column.
func (a *API) PKColumn() schema.Column { return a.pkColumn }

// Columns returns the accessible (non-excluded) columns in order.
func (a *API) Columns() []schema.Column { return a.columns }

// SubscriptionsEnabled reports whether subscribe is allowed.
func (a *API) SubscriptionsEnabled() bool { return a.subsEnabled }

// ListingHardLimit returns the per-API page cap (0 = global cap only).
func (a *API) ListingHardLimit() int { return a.listingHardLimit }

// ColumnByName implements the column accessor capability shared with the
// parameter builder.
func (a *API) ColumnByName(name string) (int, *schema.Column, *schema.JSONColumnRule, bool) {
	idx, ok := a.columnIndex[name]
	if !ok {
		return 0, nil, nil, false
	}
	return idx, &a.columns[idx], a.jsonMeta[idx], true
}

// SchemaRegistry returns the JSON schema registry for validated columns.
func (a *API) SchemaRegistry() *jsonschema.Registry { return a.registry }

// Expansion resolves an expand column against the allow-list.
func (a *API) Expansion(column string) (*ExpandedTable, bool) {
	e, ok := a.expand[column]
	return e, ok
}

// ExpandAllowList returns the configured expansion columns mapped to null
// placeholders, the shape clients receive from the schema operation.
func (a *API) ExpandAllowList() map[string]any {
	out := make(map[string]any, len(a.expand))
	for col := range a.expand {
		out[col] = nil
	}
	return out
}

// buildAPI compiles one descriptor. Returns an error when the config
// references a missing or unsuitable table.
func buildAPI(
	cfg *config.RecordApiConfig,
	meta *schema.ConnectionMetadata,
	registry *jsonschema.Registry,
) (*API, error) {
	name := schema.QualifiedName{Schema: cfg.Schema, Name: cfg.Table}.Normalized()

	var (
		tableMeta *schema.TableMetadata
		viewMeta  *schema.ViewMetadata

		allColumns []schema.Column
		allJSON    []*schema.JSONColumnRule
		pkIndex    int
		strict     bool
		fileCols   map[int]struct{}
		userCols   map[int]struct{}
	)

	if tableMeta = meta.GetTable(name); tableMeta != nil {
		if !tableMeta.Table.Strict {
			return nil, fmt.Errorf("api %q: table %s is not STRICT", cfg.Name, name)
		}
		if tableMeta.RecordPKIndex < 0 {
			return nil, fmt.Errorf("api %q: table %s has no suitable record primary key", cfg.Name, name)
		}
		allColumns = tableMeta.Table.Columns
		allJSON = tableMeta.JSONMeta
		pkIndex = tableMeta.RecordPKIndex
		strict = true
		fileCols = indexSet(tableMeta.FileColumns)
		userCols = indexSet(tableMeta.UserIDColumns)
	} else if viewMeta = meta.GetView(name); viewMeta != nil {
		if viewMeta.Columns == nil {
			return nil, fmt.Errorf("api %q: view %s has no derivable column mapping", cfg.Name, name)
		}
		if viewMeta.RecordPKIndex < 0 {
			return nil, fmt.Errorf("api %q: view %s does not preserve a record primary key", cfg.Name, name)
		}
		allColumns = viewMeta.Columns
		allJSON = viewMeta.JSONMeta
		pkIndex = viewMeta.RecordPKIndex
		fileCols = indexSet(viewMeta.FileColumns)
		userCols = indexSet(viewMeta.UserIDColumns)
	} else {
		return nil, fmt.Errorf("api %q: no table or view named %s", cfg.Name, name)
	}

	excluded := make(map[string]struct{}, len(cfg.ExcludedColumns))
	for _, col := range cfg.ExcludedColumns {
		excluded[col] = struct{}{}
	}
	if _, ok := excluded[allColumns[pkIndex].Name]; ok {
		return nil, fmt.Errorf("api %q: cannot exclude primary key column %q", cfg.Name, allColumns[pkIndex].Name)
	}

	a := &API{
		name:             cfg.Name,
		isTable:          tableMeta != nil,
		strict:           strict,
		qualifiedName:    name,
		escapedName:      name.Escaped(),
		pkIndex:          -1,
		columnIndex:      make(map[string]int),
		expand:           make(map[string]*ExpandedTable),
		listingHardLimit: cfg.ListingHardLimit,
		conflictSQL:      cfg.ConflictResolution.SQL(),
		autofillUserID:   cfg.AutofillMissingUserIDColumns,
		subsEnabled:      cfg.EnableSubscriptions,
		acl: ACL{
			parsePermissionList(cfg.ACLWorld),
			parsePermissionList(cfg.ACLAuthenticated),
		},
		registry: registry,
	}

	for i := range allColumns {
		col := allColumns[i]
		if _, skip := excluded[col.Name]; skip {
			continue
		}
		if !isValidIdentifier(col.Name) {
			return nil, fmt.Errorf("api %q: column %q is not exposable", cfg.Name, col.Name)
		}

		idx := len(a.columns)
		a.columns = append(a.columns, col)
		a.jsonMeta = append(a.jsonMeta, allJSON[i])
		a.columnIndex[col.Name] = idx

		if i == pkIndex {
			a.pkIndex = idx
			a.pkColumn = col
		}
		if _, ok := fileCols[i]; ok {
			a.fileColumns = append(a.fileColumns, idx)
		}
		if _, ok := userCols[i]; ok {
			a.userIDColumns = append(a.userIDColumns, idx)
		}
	}
	if a.pkIndex < 0 {
		return nil, fmt.Errorf("api %q: primary key column filtered out", cfg.Name)
	}

	for _, expandCol := range cfg.Expand {
		et, err := resolveExpansion(a, meta, expandCol)
		if err != nil {
			return nil, fmt.Errorf("api %q: %w", cfg.Name, err)
		}
		a.expand[expandCol] = et
	}

	a.paramsTemplate = make(db.NamedParams, 0, len(a.columns))
	for i := range a.columns {
		a.paramsTemplate = a.paramsTemplate.Append(":"+a.columns[i].Name, nil)
	}

	a.buildAccessQueries(cfg)

	log.Debug().
		Str("api", a.name).
		Str("table", a.qualifiedName.Key()).
		Int("columns", len(a.columns)).
		Bool("subscriptions", a.subsEnabled).
		Msg("Compiled record API")

	return a, nil
}

func indexSet(indexes []int) map[int]struct{} {
	out := make(map[int]struct{}, len(indexes))
	for _, i := range indexes {
		out[i] = struct{}{}
	}
	return out
}

func resolveExpansion(a *API, meta *schema.ConnectionMetadata, expandCol string) (*ExpandedTable, error) {
	_, col, _, ok := a.ColumnByName(expandCol)
	if !ok {
		return nil, fmt.Errorf("expand column %q does not exist", expandCol)
	}
	if col.References == nil {
		return nil, fmt.Errorf("expand column %q is not a foreign key", expandCol)
	}

	foreignName := schema.QualifiedName{Name: col.References.Table}.Normalized()
	foreignMeta := meta.GetTable(foreignName)
	if foreignMeta == nil {
		return nil, fmt.Errorf("expand column %q references unknown table %q", expandCol, col.References.Table)
	}
	if foreignMeta.RecordPKIndex < 0 {
		return nil, fmt.Errorf("expand column %q references table without record primary key", expandCol)
	}

	return &ExpandedTable{
		Column:       expandCol,
		ForeignTable: foreignMeta.Table,
		ForeignPK:    foreignMeta.RecordPKIndex,
		EscapedName:  foreignMeta.Table.Name.Escaped(),
	}, nil
}

// buildAccessQueries pre-renders one SQL query per configured access
// rule. Queries are rendered once so request handling only binds
// parameters.
func (a *API) buildAccessQueries(cfg *config.RecordApiConfig) {
	pk := quoteIdentifier(a.pkColumn.Name)

	if rule := cfg.ReadAccessRule; rule != "" {
		a.readRule = rule
		a.accessQueries[PermissionRead.slot()] = a.rowAccessQuery(rule, pk)
		if a.subsEnabled {
			a.subReadQuery = a.eventAccessQuery(rule)
		}
	}
	if rule := cfg.DeleteAccessRule; rule != "" {
		a.accessQueries[PermissionDelete.slot()] = a.rowAccessQuery(rule, pk)
	}
	if rule := cfg.SchemaAccessRule; rule != "" {
		a.accessQueries[PermissionSchema.slot()] = a.rowAccessQuery(rule, pk)
	}

	// Create and update only ever run against tables; the enforcer
	// rejects them on views before consulting these.
	if rule := cfg.CreateAccessRule; rule != "" && a.isTable {
		a.accessQueries[PermissionCreate.slot()] = fmt.Sprintf(
			`SELECT CAST((%s) AS INTEGER) FROM (SELECT :__user_id AS id) AS _USER_, (SELECT :__fields AS _REQ_FIELDS_), (%s) AS _REQ_`,
			rule, a.requestSelect())
	}
	if rule := cfg.UpdateAccessRule; rule != "" && a.isTable {
		a.accessQueries[PermissionUpdate.slot()] = fmt.Sprintf(
			`SELECT CAST((%s) AS INTEGER) FROM (SELECT :__user_id AS id) AS _USER_, (SELECT :__fields AS _REQ_FIELDS_), (%s) AS _REQ_, (SELECT * FROM %s WHERE %s = :__record_id) AS _ROW_`,
			rule, a.requestSelect(), a.escapedName, pk)
	}
}

// rowAccessQuery renders the read/delete/schema access check: the rule
// evaluated against the acting user and the target row fetched by id.
func (a *API) rowAccessQuery(rule, pk string) string {
	return fmt.Sprintf(
		`SELECT CAST((%s) AS INTEGER) FROM (SELECT :__user_id AS id) AS _USER_, (SELECT * FROM %s WHERE %s = :__record_id) AS _ROW_`,
		rule, a.escapedName, pk)
}

// eventAccessQuery renders the subscription re-check: the read rule
// evaluated against a row synthesized from a change event's field values.
func (a *API) eventAccessQuery(rule string) string {
	return fmt.Sprintf(
		`SELECT CAST((%s) AS INTEGER) FROM (SELECT :__user_id AS id) AS _USER_, (%s) AS _ROW_`,
		rule, a.requestSelect())
}

// requestSelect renders the one-row select that binds every accessible
// column by name: `SELECT :a AS "a", :b AS "b", ...`.
func (a *API) requestSelect() string {
	parts := make([]string, 0, len(a.columns))
	for i := range a.columns {
		name := a.columns[i].Name
		parts = append(parts, fmt.Sprintf(`:%s AS %s`, name, quoteIdentifier(name)))
	}
	return "SELECT " + strings.Join(parts, ", ")
}

// AccessQuery returns the pre-rendered query for a permission, empty when
// no rule is configured.
func (a *API) AccessQuery(p Permission) string {
	if slot := p.slot(); slot >= 0 {
		return a.accessQueries[slot]
	}
	return ""
}

// Registry is the name -> descriptor lookup. The map is replaced
// wholesale on configuration or schema change; readers always observe a
// consistent snapshot.
type Registry struct {
	apis atomic.Pointer[map[string]*API]
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*API)
	r.apis.Store(&empty)
	return r
}

// Build compiles all configured APIs against a metadata snapshot and
// swaps them in atomically. APIs that fail to compile are skipped with an
// error log; the remainder still swap.
func (r *Registry) Build(
	cfgs []config.RecordApiConfig,
	meta *schema.ConnectionMetadata,
	registry *jsonschema.Registry,
) {
	next := make(map[string]*API, len(cfgs))
	for i := range cfgs {
		api, err := buildAPI(&cfgs[i], meta, registry)
		if err != nil {
			log.Error().Err(err).Str("api", cfgs[i].Name).Msg("Failed to compile record API")
			continue
		}
		next[api.name] = api
	}
	r.apis.Store(&next)
}

// Lookup resolves an API by name in O(1).
func (r *Registry) Lookup(name string) (*API, error) {
	apis := *r.apis.Load()
	api, ok := apis[name]
	if !ok {
		return nil, ErrAPINotFound
	}
	return api, nil
}

// Names returns the registered API names (for admin listings).
func (r *Registry) Names() []string {
	apis := *r.apis.Load()
	out := make([]string, 0, len(apis))
	for name := range apis {
		out = append(out, name)
	}
	return out
}
