package records

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/recbase-io/recbase/internal/auth"
)

// renderRead builds the single-record SELECT, optionally joining each
// requested expansion's foreign table.
func (a *API) renderRead(expansions []*ExpandedTable) string {
	var proj []string
	for i := range a.columns {
		proj = append(proj, fmt.Sprintf(`R.%s`, quoteIdentifier(a.columns[i].Name)))
	}

	var joins strings.Builder
	for i, et := range expansions {
		alias := fmt.Sprintf("F%d", i)
		for j := range et.ForeignTable.Columns {
			proj = append(proj, fmt.Sprintf(`%s.%s`, alias, quoteIdentifier(et.ForeignTable.Columns[j].Name)))
		}
		fmt.Fprintf(&joins, ` LEFT JOIN %s AS %s ON R.%s = %s.%s`,
			et.EscapedName, alias,
			quoteIdentifier(et.Column),
			alias, quoteIdentifier(et.ForeignTable.Columns[et.ForeignPK].Name))
	}

	return fmt.Sprintf(`SELECT %s FROM %s AS R%s WHERE R.%s = :__record_id`,
		strings.Join(proj, ", "), a.escapedName, joins.String(),
		quoteIdentifier(a.pkColumn.Name))
}

// resolveExpansions validates a client's expand list against the API's
// allow-list.
func (a *API) resolveExpansions(expand []string) ([]*ExpandedTable, error) {
	if len(expand) == 0 {
		return nil, nil
	}
	out := make([]*ExpandedTable, 0, len(expand))
	for _, col := range expand {
		et, ok := a.Expansion(col)
		if !ok {
			return nil, BadRequest("expansion of column %q is not allowed", col)
		}
		out = append(out, et)
	}
	return out, nil
}

// ReadRecord fetches one record by id, running the read access check
// first. Expanded foreign rows replace the raw FK value with
// {id, data}.
func (e *Engine) ReadRecord(ctx context.Context, api *API, user *auth.User, recordID any, expand []string) (map[string]any, error) {
	if err := api.CheckRecordAccess(ctx, e.conn, PermissionRead, recordID, nil, user); err != nil {
		return nil, err
	}

	expansions, err := api.resolveExpansions(expand)
	if err != nil {
		return nil, err
	}

	query := api.renderRead(expansions)
	width := len(api.columns)
	for _, et := range expansions {
		width += et.NumColumns()
	}

	rows, err := e.conn.Read().QueryContext(ctx, query,
		sql.Named("__record_id", recordID))
	if err != nil {
		return nil, mapSQLError(err, "read record")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, mapSQLError(err, "read record")
		}
		return nil, ErrRecordNotFound
	}

	values, err := scanRow(rows, width)
	if err != nil {
		return nil, mapSQLError(err, "read record")
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

	return record, nil
}
