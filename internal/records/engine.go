package records

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/recbase-io/recbase/internal/config"
	"github.com/recbase-io/recbase/internal/db"
	"github.com/recbase-io/recbase/internal/schema"
	"github.com/recbase-io/recbase/internal/storage"
)

// Engine executes record operations against one database connection pair
// and one object store.
type Engine struct {
	conn     *db.DB
	registry *Registry
	store    storage.Provider
	cursors  *CursorCodec
	apiCfg   config.APIConfig
}

// NewEngine assembles an engine. The cursor key is generated fresh; all
// outstanding cursors invalidate on restart.
func NewEngine(conn *db.DB, registry *Registry, store storage.Provider, apiCfg config.APIConfig) (*Engine, error) {
	codec, err := NewCursorCodec()
	if err != nil {
		return nil, err
	}
	return &Engine{
		conn:     conn,
		registry: registry,
		store:    store,
		cursors:  codec,
		apiCfg:   apiCfg,
	}, nil
}

// Registry returns the descriptor registry.
func (e *Engine) Registry() *Registry { return e.registry }

// DB returns the underlying connection wrapper.
func (e *Engine) DB() *db.DB { return e.conn }

// Store returns the object store.
func (e *Engine) Store() storage.Provider { return e.store }

// scanRow reads the current row into a slice of storage-typed values.
func scanRow(rows *sql.Rows, width int) ([]any, error) {
	values := make([]any, width)
	ptrs := make([]any, width)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}

// responseValue converts a raw storage value into its JSON wire form.
// Blobs become URL-safe base64; TEXT under a JSON-schema rule is parsed
// back into structured JSON.
func responseValue(value any, jsonMeta *schema.JSONColumnRule) any {
	switch v := value.(type) {
	case []byte:
		return base64.RawURLEncoding.EncodeToString(v)
	case string:
		if jsonMeta != nil {
			var parsed any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				return parsed
			}
		}
		return v
	default:
		return v
	}
}

// rowToRecord maps one scanned row segment onto the API's columns.
func (a *API) rowToRecord(values []any) map[string]any {
	record := make(map[string]any, len(a.columns))
	for i := range a.columns {
		record[a.columns[i].Name] = responseValue(values[i], a.jsonMeta[i])
	}
	return record
}

// foreignRowToRecord maps an expansion segment onto the foreign table's
// columns. A NULL foreign primary key (unmatched LEFT JOIN) yields nil.
func (et *ExpandedTable) foreignRowToRecord(values []any) map[string]any {
	if values[et.ForeignPK] == nil {
		return nil
	}
	record := make(map[string]any, len(values))
	for i := range et.ForeignTable.Columns {
		record[et.ForeignTable.Columns[i].Name] = responseValue(values[i], nil)
	}
	return record
}

// mapSQLError classifies driver errors into the record taxonomy.
func mapSQLError(err error, op string) error {
	var recErr *Error
	if errors.As(err, &recErr) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return Conflict(err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}
	return Internal(fmt.Sprintf("failed to %s", op), err)
}

// uploadFiles writes staged bodies to the object store. Uploads happen
// before the referencing row commits.
func (e *Engine) uploadFiles(ctx context.Context, files []StagedFile) error {
	for i := range files {
		f := &files[i]
		err := e.store.Put(ctx, f.Meta.ID, bytes.NewReader(f.Content), int64(len(f.Content)), f.Meta.ContentType)
		if err != nil {
			return Internal("failed to upload file", err)
		}
	}
	return nil
}

// discardFiles best-effort deletes files written for a mutation that then
// failed. Failures are logged, never propagated.
func (e *Engine) discardFiles(ctx context.Context, files []StagedFile) {
	for i := range files {
		if err := e.store.Delete(ctx, files[i].Meta.ID); err != nil {
			log.Warn().Err(err).Str("key", files[i].Meta.ID).Msg("Failed to remove orphaned upload")
		}
	}
}

// enqueueFileDeletions records object-store keys in _file_deletions for
// the background drain.
func enqueueFileDeletions(ctx context.Context, q db.Queryer, metas []FileUpload) error {
	for i := range metas {
		if metas[i].ID == "" {
			continue
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO _file_deletions (path, scheduled_at) VALUES (?, unixepoch())`,
			metas[i].ID)
		if err != nil {
			return fmt.Errorf("failed to enqueue file deletion: %w", err)
		}
	}
	return nil
}

// parseFileMetas decodes a stored file column value into its uploads.
// Accepts both the single-object and list forms.
func parseFileMetas(value any) []FileUpload {
	text, ok := value.(string)
	if !ok || text == "" {
		return nil
	}
	var list []FileUpload
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		return list
	}
	var single FileUpload
	if err := json.Unmarshal([]byte(text), &single); err == nil && single.ID != "" {
		return []FileUpload{single}
	}
	return nil
}
