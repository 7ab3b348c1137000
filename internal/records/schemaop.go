package records

import (
	"context"

	"github.com/recbase-io/recbase/internal/auth"
	"github.com/recbase-io/recbase/internal/schema"
)

// SchemaMode selects how optionality is rendered in the derived JSON
// schema.
type SchemaMode string

const (
	// SchemaModeInsert marks non-null columns without defaults as
	// required.
	SchemaModeInsert SchemaMode = "insert"
	// SchemaModeUpdate makes every column optional.
	SchemaModeUpdate SchemaMode = "update"
	// SchemaModeSelect describes what reads return.
	SchemaModeSelect SchemaMode = "select"
)

// JSONSchema derives a JSON Schema document for the API's accessible
// columns.
func (a *API) JSONSchema(mode SchemaMode) map[string]any {
	properties := make(map[string]any, len(a.columns))
	var required []string

	for i := range a.columns {
		col := &a.columns[i]
		properties[col.Name] = columnSchema(col, a.jsonMeta[i], a.strict)

		if mode == SchemaModeInsert {
			optional := !col.NotNull || col.DefaultExpr != "" ||
				col.PrimaryKey || col.Generated != schema.NotGenerated
			if !optional {
				required = append(required, col.Name)
			}
		}
	}

	doc := map[string]any{
		"title":      a.name,
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func columnSchema(col *schema.Column, rule *schema.JSONColumnRule, strict bool) map[string]any {
	if rule != nil {
		if rule.IsFileUpload() {
			return map[string]any{"$ref": "#/definitions/FileUpload"}
		}
		if rule.IsFileUploads() {
			return map[string]any{"$ref": "#/definitions/FileUploads"}
		}
		return map[string]any{"type": []string{"object", "array", "string", "number", "boolean", "null"}}
	}

	var t string
	switch col.StorageType(strict) {
	case schema.StorageInteger:
		t = "integer"
	case schema.StorageReal:
		t = "number"
	case schema.StorageText:
		t = "string"
	case schema.StorageBlob:
		// Blobs travel as base64 text.
		t = "string"
	default:
		t = "string"
	}

	out := map[string]any{"type": t}
	if !col.NotNull {
		out["type"] = []string{t, "null"}
	}
	return out
}

// RecordSchema runs the schema-permission check and returns the derived
// document.
func (e *Engine) RecordSchema(ctx context.Context, api *API, user *auth.User, mode SchemaMode) (map[string]any, error) {
	if err := api.CheckRecordAccess(ctx, e.conn, PermissionSchema, nil, nil, user); err != nil {
		return nil, err
	}
	doc := api.JSONSchema(mode)
	doc["expand"] = api.ExpandAllowList()
	return doc, nil
}
