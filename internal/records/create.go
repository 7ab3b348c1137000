package records

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/recbase-io/recbase/internal/auth"
)

// renderInsert builds the INSERT statement for one parsed body. An empty
// body inserts defaults.
func (a *API) renderInsert(p *Params) string {
	verb := "INSERT"
	if a.conflictSQL != "" {
		verb = "INSERT " + a.conflictSQL
	}

	if len(p.ColumnNames) == 0 {
		return fmt.Sprintf(`%s INTO %s DEFAULT VALUES RETURNING %s`,
			verb, a.escapedName, quoteIdentifier(a.pkColumn.Name))
	}

	cols := make([]string, 0, len(p.ColumnNames))
	placeholders := make([]string, 0, len(p.ColumnNames))
	for _, name := range p.ColumnNames {
		cols = append(cols, quoteIdentifier(name))
		placeholders = append(placeholders, ":"+name)
	}

	return fmt.Sprintf(`%s INTO %s (%s) VALUES (%s) RETURNING %s`,
		verb, a.escapedName,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		quoteIdentifier(a.pkColumn.Name))
}

// CreateRecord inserts one record. Files are uploaded before the INSERT;
// on database failure the uploads are removed best-effort. The access
// check runs inside the same writer dispatch as the INSERT.
func (e *Engine) CreateRecord(ctx context.Context, api *API, user *auth.User, body map[string]any, files []MultipartFile) (any, error) {
	ids, err := e.createRecords(ctx, api, user, []map[string]any{body}, files)
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

// CreateRecords bulk-inserts an array body inside a single transaction;
// all rows insert or none do. Returned ids are in body order.
func (e *Engine) CreateRecords(ctx context.Context, api *API, user *auth.User, bodies []map[string]any) ([]any, error) {
	if len(bodies) == 0 {
		return nil, BadRequest("empty insert batch")
	}
	return e.createRecords(ctx, api, user, bodies, nil)
}

func (e *Engine) createRecords(ctx context.Context, api *API, user *auth.User, bodies []map[string]any, files []MultipartFile) ([]any, error) {
	// The cheap gate first: a world-forbidden API never parses bodies.
	if err := api.CheckTableLevelAccess(PermissionCreate, user); err != nil {
		return nil, err
	}
	if !api.IsTable() {
		return nil, ErrRequiresTable
	}

	type prepared struct {
		lazy   *LazyParams
		params *Params
	}
	items := make([]prepared, 0, len(bodies))

	var staged []StagedFile
	for i, body := range bodies {
		// Multipart files only apply to single-record creates.
		var mf []MultipartFile
		if i == 0 {
			mf = files
		}
		lazy := NewLazyInsertParams(api, body, mf)
		params, err := lazy.Params()
		if err != nil {
			return nil, err
		}
		api.autofillUserIDs(params, user)
		items = append(items, prepared{lazy: lazy, params: params})
		staged = append(staged, params.Files...)
	}

	// Invariant: file bodies are durable before the rows referencing
	// them commit.
	if err := e.uploadFiles(ctx, staged); err != nil {
		e.discardFiles(ctx, staged)
		return nil, err
	}

	ids := make([]any, 0, len(items))
	err := e.conn.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return Internal("failed to begin transaction", err)
		}
		defer tx.Rollback()

		for _, item := range items {
			check := api.DeferredAccessCheck(PermissionCreate, nil, item.lazy, user)
			if err := check(ctx, tx); err != nil {
				return err
			}

			query := api.renderInsert(item.params)
			var id any
			if err := tx.QueryRowContext(ctx, query, item.params.NamedParams.Args()...).Scan(&id); err != nil {
				return mapSQLError(err, "create record")
			}
			ids = append(ids, id)
		}
		return tx.Commit()
	})
	if err != nil {
		e.discardFiles(ctx, staged)
		return nil, err
	}
	return ids, nil
}
