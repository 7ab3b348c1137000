package records

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/recbase-io/recbase/internal/auth"
	"github.com/recbase-io/recbase/internal/storage"
)

// readFileColumn fetches and decodes the file metadata stored in one
// column of one record, after the read access check.
func (e *Engine) readFileColumn(ctx context.Context, api *API, user *auth.User, recordID any, column string) ([]FileUpload, error) {
	if err := api.CheckRecordAccess(ctx, e.conn, PermissionRead, recordID, nil, user); err != nil {
		return nil, err
	}

	_, _, jsonMeta, ok := api.ColumnByName(column)
	if !ok || (!jsonMeta.IsFileUpload() && !jsonMeta.IsFileUploads()) {
		return nil, BadRequest("column %q is not a file column", column)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = :__record_id`,
		quoteIdentifier(column), api.escapedName, quoteIdentifier(api.pkColumn.Name))

	var value any
	err := e.conn.Read().QueryRowContext(ctx, query, sql.Named("__record_id", recordID)).Scan(&value)
	if err != nil {
		return nil, mapSQLError(err, "read file column")
	}

	metas := parseFileMetas(value)
	if len(metas) == 0 {
		return nil, ErrRecordNotFound
	}
	return metas, nil
}

// ReadFile streams the single upload of a std.FileUpload column.
func (e *Engine) ReadFile(ctx context.Context, api *API, user *auth.User, recordID any, column string) (io.ReadCloser, *storage.Object, *FileUpload, error) {
	metas, err := e.readFileColumn(ctx, api, user, recordID, column)
	if err != nil {
		return nil, nil, nil, err
	}
	meta := metas[0]

	reader, obj, err := e.store.Get(ctx, meta.ID)
	if err != nil {
		return nil, nil, nil, ErrRecordNotFound
	}
	return reader, obj, &meta, nil
}

// ReadFileFromList streams one named upload of a std.FileUploads column.
func (e *Engine) ReadFileFromList(ctx context.Context, api *API, user *auth.User, recordID any, column, filename string) (io.ReadCloser, *storage.Object, *FileUpload, error) {
	metas, err := e.readFileColumn(ctx, api, user, recordID, column)
	if err != nil {
		return nil, nil, nil, err
	}

	for i := range metas {
		if metas[i].Filename != filename {
			continue
		}
		reader, obj, err := e.store.Get(ctx, metas[i].ID)
		if err != nil {
			return nil, nil, nil, ErrRecordNotFound
		}
		return reader, obj, &metas[i], nil
	}
	return nil, nil, nil, ErrRecordNotFound
}
