package records

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/recbase-io/recbase/internal/auth"
)

// DeleteRecord removes one record, returning its file columns' uploads to
// the deletion queue. Access check, DELETE and enqueue share one writer
// transaction.
func (e *Engine) DeleteRecord(ctx context.Context, api *API, user *auth.User, recordID any) error {
	if err := api.CheckTableLevelAccess(PermissionDelete, user); err != nil {
		return err
	}
	if !api.IsTable() {
		return ErrRequiresTable
	}

	return e.conn.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return Internal("failed to begin transaction", err)
		}
		defer tx.Rollback()

		check := api.DeferredAccessCheck(PermissionDelete, recordID, nil, user)
		if err := check(ctx, tx); err != nil {
			return err
		}

		query := fmt.Sprintf(`DELETE FROM %s WHERE %s = :__record_id RETURNING *`,
			api.escapedName, quoteIdentifier(api.pkColumn.Name))

		rows, err := tx.QueryContext(ctx, query, sql.Named("__record_id", recordID))
		if err != nil {
			return mapSQLError(err, "delete record")
		}

		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return mapSQLError(err, "delete record")
		}

		var deleted []map[string]any
		for rows.Next() {
			values, err := scanRow(rows, len(cols))
			if err != nil {
				rows.Close()
				return mapSQLError(err, "delete record")
			}
			row := make(map[string]any, len(cols))
			for i, name := range cols {
				row[name] = values[i]
			}
			deleted = append(deleted, row)
		}
		if err := rows.Close(); err != nil {
			return mapSQLError(err, "delete record")
		}
		if len(deleted) == 0 {
			return ErrRecordNotFound
		}

		var orphaned []FileUpload
		for _, row := range deleted {
			for _, idx := range api.fileColumns {
				orphaned = append(orphaned, parseFileMetas(row[api.columns[idx].Name])...)
			}
		}
		if err := enqueueFileDeletions(ctx, tx, orphaned); err != nil {
			return Internal("failed to enqueue file deletions", err)
		}

		return tx.Commit()
	})
}
