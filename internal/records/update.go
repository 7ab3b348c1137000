package records

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/recbase-io/recbase/internal/auth"
)

// renderUpdate builds the UPDATE statement for the present columns. The
// path-supplied id binds under :__pk_value so a pk column in the SET list
// cannot collide with it.
func (a *API) renderUpdate(p *Params) string {
	sets := make([]string, 0, len(p.ColumnNames))
	for _, name := range p.ColumnNames {
		sets = append(sets, fmt.Sprintf(`%s = :%s`, quoteIdentifier(name), name))
	}
	return fmt.Sprintf(`UPDATE %s SET %s WHERE %s = %s`,
		a.escapedName,
		strings.Join(sets, ", "),
		quoteIdentifier(a.pkColumn.Name),
		pkValueParam)
}

// fileColumnsIn returns the API's file-column names present in the parsed
// request.
func (a *API) fileColumnsIn(p *Params) []string {
	present := make(map[int]struct{}, len(p.ColumnIndexes))
	for _, idx := range p.ColumnIndexes {
		present[idx] = struct{}{}
	}
	var out []string
	for _, idx := range a.fileColumns {
		if _, ok := present[idx]; ok {
			out = append(out, a.columns[idx].Name)
		}
	}
	return out
}

// UpdateRecord applies a partial update. The access check, the old-file
// lookup, the UPDATE and the replaced-file deletion enqueue all run in
// one writer transaction; new file bodies are uploaded beforehand and
// removed best-effort if the transaction fails.
func (e *Engine) UpdateRecord(ctx context.Context, api *API, user *auth.User, recordID any, body map[string]any, files []MultipartFile) error {
	if err := api.CheckTableLevelAccess(PermissionUpdate, user); err != nil {
		return err
	}
	if !api.IsTable() {
		return ErrRequiresTable
	}

	lazy := NewLazyUpdateParams(api, body, files, api.pkColumn.Name, recordID)
	params, err := lazy.Params()
	if err != nil {
		return err
	}

	if err := e.uploadFiles(ctx, params.Files); err != nil {
		e.discardFiles(ctx, params.Files)
		return err
	}

	fileCols := api.fileColumnsIn(params)

	err = e.conn.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return Internal("failed to begin transaction", err)
		}
		defer tx.Rollback()

		check := api.DeferredAccessCheck(PermissionUpdate, recordID, lazy, user)
		if err := check(ctx, tx); err != nil {
			return err
		}

		// Overwriting a file column orphans its previous uploads; read
		// them before the UPDATE so they can be queued for deletion.
		var replaced []FileUpload
		if len(fileCols) > 0 {
			quoted := make([]string, 0, len(fileCols))
			for _, name := range fileCols {
				quoted = append(quoted, quoteIdentifier(name))
			}
			query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = %s`,
				strings.Join(quoted, ", "), api.escapedName,
				quoteIdentifier(api.pkColumn.Name), pkValueParam)

			row := tx.QueryRowContext(ctx, query, sql.Named("__pk_value", recordID))
			values := make([]any, len(fileCols))
			ptrs := make([]any, len(fileCols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := row.Scan(ptrs...); err != nil {
				return mapSQLError(err, "update record")
			}
			for _, v := range values {
				replaced = append(replaced, parseFileMetas(v)...)
			}
		}

		if len(params.ColumnNames) == 0 {
			// Nothing to set; still verify the record exists so the
			// caller gets 404 semantics.
			var one int
			err := tx.QueryRowContext(ctx,
				fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = %s`,
					api.escapedName, quoteIdentifier(api.pkColumn.Name), pkValueParam),
				sql.Named("__pk_value", recordID)).Scan(&one)
			if err != nil {
				return mapSQLError(err, "update record")
			}
			return tx.Commit()
		}

		result, err := tx.ExecContext(ctx, api.renderUpdate(params), params.NamedParams.Args()...)
		if err != nil {
			return mapSQLError(err, "update record")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return Internal("failed to read update result", err)
		}
		if affected == 0 {
			return ErrRecordNotFound
		}

		if err := enqueueFileDeletions(ctx, tx, replaced); err != nil {
			return Internal("failed to enqueue file deletions", err)
		}
		return tx.Commit()
	})
	if err != nil {
		e.discardFiles(ctx, params.Files)
		return err
	}
	return nil
}
