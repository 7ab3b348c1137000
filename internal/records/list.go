package records

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/recbase-io/recbase/internal/auth"
	"github.com/recbase-io/recbase/internal/db"
	"github.com/recbase-io/recbase/internal/schema"
)

// OrderColumn is one ORDER BY criterion.
type OrderColumn struct {
	Column     string
	Descending bool
}

// ListRequest is the parsed query string of a listing.
type ListRequest struct {
	Limit  int
	Offset int
	Cursor string
	Count  bool
	Expand []string
	Order  []OrderColumn
	Filter FilterNode
}

// ListResponse is the listing envelope.
type ListResponse struct {
	Cursor     string           `json:"cursor,omitempty"`
	TotalCount *int64           `json:"total_count,omitempty"`
	Records    []map[string]any `json:"records"`
}

// ParseListRequest validates the raw query string against the API.
func (e *Engine) ParseListRequest(api *API, values url.Values) (*ListRequest, error) {
	req := &ListRequest{}

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, BadRequest("invalid limit %q", raw)
		}
		req.Limit = limit
	}
	if req.Limit == 0 {
		req.Limit = e.apiCfg.DefaultPageSize
	}

	// Clamp to the per-API hard limit, then the global maximum.
	if hard := api.ListingHardLimit(); hard > 0 && req.Limit > hard {
		req.Limit = hard
	}
	if max := e.apiCfg.MaxPageSize; max > 0 && req.Limit > max {
		req.Limit = max
	}

	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, BadRequest("invalid offset %q", raw)
		}
		req.Offset = offset
	}

	req.Cursor = values.Get("cursor")
	if req.Cursor != "" && !api.IsTable() {
		return nil, BadRequest("cursor pagination requires a table; use offset")
	}

	if raw := values.Get("count"); raw != "" {
		req.Count = raw == "true" || raw == "1"
	}

	if raw := values.Get("expand"); raw != "" {
		for _, col := range strings.Split(raw, ",") {
			col = strings.TrimSpace(col)
			if col == "" {
				continue
			}
			if _, ok := api.Expansion(col); !ok {
				return nil, BadRequest("expansion of column %q is not allowed", col)
			}
			req.Expand = append(req.Expand, col)
		}
	}

	if raw := values.Get("order"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			oc := OrderColumn{}
			switch part[0] {
			case '-':
				oc.Descending = true
				part = part[1:]
			case '+':
				part = part[1:]
			}
			if _, _, _, ok := api.ColumnByName(part); !ok {
				return nil, BadRequest("unknown order column %q", part)
			}
			oc.Column = part
			req.Order = append(req.Order, oc)
		}
	}
	if len(req.Order) == 0 {
		// Default ordering: newest first by primary key.
		req.Order = []OrderColumn{{Column: api.PKColumn().Name, Descending: true}}
	}

	filter, err := ParseFilterTree(values, api, e.apiCfg.StrictFilters)
	if err != nil {
		return nil, err
	}
	req.Filter = filter

	if req.Cursor != "" {
		// Ascending cursors only make sense when walking the INTEGER
		// primary key itself; everything else pages descending.
		primary := req.Order[0]
		if !primary.Descending {
			pkColumn := api.PKColumn()
			if primary.Column != pkColumn.Name ||
				pkColumn.StorageType(true) != schema.StorageInteger {
				return nil, BadRequest("ascending cursor requires ordering by the integer primary key")
			}
		}
	}

	return req, nil
}

// renderList builds the listing query. Projection order: API columns,
// expansion columns, _total_count_ when counting, _rowid_ on tables.
func (e *Engine) renderList(api *API, req *ListRequest, readRule string, expansions []*ExpandedTable) (string, db.NamedParams, error) {
	renderer := &filterRenderer{api: api, rowRef: "_ROW_"}

	var proj []string
	for i := range api.columns {
		proj = append(proj, fmt.Sprintf(`_ROW_.%s`, quoteIdentifier(api.columns[i].Name)))
	}
	var joins strings.Builder
	for i, et := range expansions {
		alias := fmt.Sprintf("F%d", i)
		for j := range et.ForeignTable.Columns {
			proj = append(proj, fmt.Sprintf(`%s.%s`, alias, quoteIdentifier(et.ForeignTable.Columns[j].Name)))
		}
		fmt.Fprintf(&joins, ` LEFT JOIN %s AS %s ON _ROW_.%s = %s.%s`,
			et.EscapedName, alias,
			quoteIdentifier(et.Column),
			alias, quoteIdentifier(et.ForeignTable.Columns[et.ForeignPK].Name))
	}
	if req.Count {
		proj = append(proj, `COUNT(*) OVER() AS _total_count_`)
	}
	if api.IsTable() {
		proj = append(proj, `_ROW_._rowid_ AS _rowid_`)
	}

	where := []string{"TRUE"}
	// The read rule gates by shrinking the result set, not by erroring:
	// rows the caller may not see simply never appear.
	if readRule != "" {
		where = append(where, "("+readRule+")")
		renderer.params = renderer.params.Append(":__user_id", nil)
	}
	if req.Filter != nil {
		rendered, err := renderer.render(req.Filter)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "("+rendered+")")
	}

	if req.Cursor != "" {
		rowid, err := e.cursors.Decode(req.Cursor, api.Name())
		if err != nil {
			return "", nil, err
		}
		op := "<"
		if !req.Order[0].Descending {
			op = ">"
		}
		where = append(where, fmt.Sprintf("_ROW_._rowid_ %s :__cursor", op))
		renderer.params = renderer.params.Append(":__cursor", rowid)
	}

	var order []string
	for _, oc := range req.Order {
		dir := "ASC"
		if oc.Descending {
			dir = "DESC"
		}
		order = append(order, fmt.Sprintf("_ROW_.%s %s", quoteIdentifier(oc.Column), dir))
	}

	query := fmt.Sprintf(
		`SELECT %s FROM (SELECT :__user_id AS id) AS _USER_, %s AS _ROW_%s WHERE %s ORDER BY %s LIMIT %d`,
		strings.Join(proj, ", "),
		api.escapedName,
		joins.String(),
		strings.Join(where, " AND "),
		strings.Join(order, ", "),
		req.Limit)
	if req.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", req.Offset)
	}

	return query, renderer.params, nil
}

// ListRecords executes a listing on the reader pool. The table-level read
// gate still applies; the row-level read rule merges into the WHERE
// clause.
func (e *Engine) ListRecords(ctx context.Context, api *API, user *auth.User, values url.Values) (*ListResponse, error) {
	if err := api.CheckTableLevelAccess(PermissionRead, user); err != nil {
		return nil, err
	}

	req, err := e.ParseListRequest(api, values)
	if err != nil {
		return nil, err
	}

	expansions, err := api.resolveExpansions(req.Expand)
	if err != nil {
		return nil, err
	}

	readRule := ""
	if api.AccessQuery(PermissionRead) != "" {
		readRule = api.readRule
	}

	query, params, err := e.renderList(api, req, readRule, expansions)
	if err != nil {
		return nil, err
	}

	// Replace the placeholder NULL user id with the actual caller.
	for i := range params {
		if params[i].Name == ":__user_id" && user != nil {
			params[i].Value = user.IDBytes()
		}
	}

	width := len(api.columns)
	for _, et := range expansions {
		width += et.NumColumns()
	}
	countIdx := -1
	if req.Count {
		countIdx = width
		width++
	}
	rowidIdx := -1
	if api.IsTable() {
		rowidIdx = width
		width++
	}

	rows, err := e.conn.Read().QueryContext(ctx, query, params.Args()...)
	if err != nil {
		return nil, mapSQLError(err, "list records")
	}
	defer rows.Close()

	resp := &ListResponse{Records: []map[string]any{}}
	var lastRowid int64
	haveRowid := false

	for rows.Next() {
		values, err := scanRow(rows, width)
		if err != nil {
			return nil, mapSQLError(err, "list records")
		}

		record := api.rowToRecord(values[:len(api.columns)])
		offset := len(api.columns)
		for _, et := range expansions {
			segment := values[offset : offset+et.NumColumns()]
			offset += et.NumColumns()
			record[et.Column] = map[string]any{
				"id":   record[et.Column],
				"data": et.foreignRowToRecord(segment),
			}
		}

		if countIdx >= 0 && resp.TotalCount == nil {
			if total, ok := values[countIdx].(int64); ok {
				resp.TotalCount = &total
			}
		}
		if rowidIdx >= 0 {
			if rowid, ok := values[rowidIdx].(int64); ok {
				lastRowid = rowid
				haveRowid = true
			}
		}

		resp.Records = append(resp.Records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError(err, "list records")
	}

	if haveRowid && len(resp.Records) == req.Limit {
		cursor, err := e.cursors.Encode(lastRowid, api.Name())
		if err != nil {
			return nil, err
		}
		resp.Cursor = cursor
	}

	return resp, nil
}
