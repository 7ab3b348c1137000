package records

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/recbase-io/recbase/internal/db"
	"github.com/recbase-io/recbase/internal/jsonschema"
	"github.com/recbase-io/recbase/internal/schema"
)

// pkValueParam is the bind name carrying the path-supplied primary key on
// updates, kept distinct from the column's own placeholder.
const pkValueParam = ":__pk_value"

// FileUpload is the metadata stored in a file column. The object-store
// key equals ID.
type FileUpload struct {
	ID          string `json:"id"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// StagedFile pairs file metadata with its body, pending object-store
// upload.
type StagedFile struct {
	Meta    FileUpload
	Content []byte
}

// MultipartFile is one part of a multipart request body, tagged with the
// column it targets.
type MultipartFile struct {
	Field       string
	Filename    string
	ContentType string
	Content     []byte
}

// Params is the translated request body: ordered named bind parameters
// for the present columns, plus staged file bodies.
type Params struct {
	NamedParams   db.NamedParams
	ColumnNames   []string
	ColumnIndexes []int
	Files         []StagedFile

	// PKColumn is set for updates.
	PKColumn string
}

// ColumnAccessor is the minimal schema capability the builder consumes.
type ColumnAccessor interface {
	ColumnByName(name string) (int, *schema.Column, *schema.JSONColumnRule, bool)
	SchemaRegistry() *jsonschema.Registry
}

// BuildInsertParams translates a JSON object (plus optional multipart
// files) into insert bind parameters. Unknown keys are ignored.
func BuildInsertParams(accessor ColumnAccessor, body map[string]any, files []MultipartFile) (*Params, error) {
	return buildParams(accessor, body, files, "", nil)
}

// BuildUpdateParams is the update flavor: the path-supplied primary key
// is appended under :__pk_value, and a pk column in the body must match
// it.
func BuildUpdateParams(accessor ColumnAccessor, body map[string]any, files []MultipartFile, pkColumn string, pkValue any) (*Params, error) {
	return buildParams(accessor, body, files, pkColumn, pkValue)
}

func buildParams(accessor ColumnAccessor, body map[string]any, files []MultipartFile, pkColumn string, pkValue any) (*Params, error) {
	p := &Params{PKColumn: pkColumn}

	// Per-column staged uploads; std.FileUploads columns accumulate.
	type fileColumn struct {
		index    int
		name     string
		multiple bool
		metas    []FileUpload
	}
	fileCols := make(map[string]*fileColumn)

	appendParam := func(index int, name string, value any) {
		p.NamedParams = p.NamedParams.Append(":"+name, value)
		p.ColumnNames = append(p.ColumnNames, name)
		p.ColumnIndexes = append(p.ColumnIndexes, index)
	}

	// Deterministic iteration keeps rendered queries and bind sets
	// stable across identical requests.
	for _, key := range sortedKeys(body) {
		value := body[key]
		index, col, jsonMeta, ok := accessor.ColumnByName(key)
		if !ok {
			// Unknown-fields semantics: silently ignore.
			continue
		}

		if pkColumn != "" && key == pkColumn {
			converted, err := convertScalar(col, value)
			if err != nil {
				return nil, err
			}
			if !bindValueEqual(converted, pkValue) {
				return nil, BadRequest("body primary key does not match path")
			}
		}

		switch {
		case jsonMeta.IsFileUpload():
			staged, err := parseInlineFile(value)
			if err != nil {
				return nil, BadRequest("column %q: %v", key, err)
			}
			fileCols[key] = &fileColumn{index: index, name: key, multiple: false, metas: []FileUpload{staged.Meta}}
			p.Files = append(p.Files, *staged)

		case jsonMeta.IsFileUploads():
			list, ok := value.([]any)
			if !ok {
				return nil, BadRequest("column %q expects a list of file uploads", key)
			}
			fc := &fileColumn{index: index, name: key, multiple: true}
			for _, item := range list {
				staged, err := parseInlineFile(item)
				if err != nil {
					return nil, BadRequest("column %q: %v", key, err)
				}
				fc.metas = append(fc.metas, staged.Meta)
				p.Files = append(p.Files, *staged)
			}
			fileCols[key] = fc

		case jsonMeta != nil:
			text, err := validateJSONColumn(accessor.SchemaRegistry(), jsonMeta, value)
			if err != nil {
				return nil, BadRequest("column %q: %v", key, err)
			}
			appendParam(index, key, text)

		default:
			converted, err := convertScalar(col, value)
			if err != nil {
				return nil, BadRequest("column %q: %v", key, err)
			}
			appendParam(index, key, converted)
		}
	}

	// Multipart parts attach to their named columns after the JSON pass.
	for _, mf := range files {
		index, _, jsonMeta, ok := accessor.ColumnByName(mf.Field)
		if !ok {
			continue
		}
		staged := stageFile(FileUpload{
			Filename:    mf.Filename,
			ContentType: mf.ContentType,
		}, mf.Content)

		switch {
		case jsonMeta.IsFileUpload():
			if _, taken := fileCols[mf.Field]; taken {
				return nil, BadRequest("column %q received multiple files", mf.Field)
			}
			fileCols[mf.Field] = &fileColumn{index: index, name: mf.Field, metas: []FileUpload{staged.Meta}}
			p.Files = append(p.Files, staged)

		case jsonMeta.IsFileUploads():
			fc := fileCols[mf.Field]
			if fc == nil {
				fc = &fileColumn{index: index, name: mf.Field, multiple: true}
				fileCols[mf.Field] = fc
			}
			fc.metas = append(fc.metas, staged.Meta)
			p.Files = append(p.Files, staged)

		default:
			return nil, BadRequest("column %q does not accept file uploads", mf.Field)
		}
	}

	fileKeys := make([]string, 0, len(fileCols))
	for k := range fileCols {
		fileKeys = append(fileKeys, k)
	}
	sort.Strings(fileKeys)

	for _, key := range fileKeys {
		fc := fileCols[key]
		var encoded []byte
		var err error
		if fc.multiple {
			encoded, err = json.Marshal(fc.metas)
		} else {
			encoded, err = json.Marshal(fc.metas[0])
		}
		if err != nil {
			return nil, Internal("failed to encode file metadata", err)
		}
		appendParam(fc.index, fc.name, string(encoded))
	}

	if pkColumn != "" {
		p.NamedParams = append(p.NamedParams, db.NamedParam{Name: pkValueParam, Value: pkValue})
	}

	return p, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseInlineFile interprets a JSON value as an inline file upload:
// metadata plus base64 content.
func parseInlineFile(value any) (*StagedFile, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a file upload object")
	}

	meta := FileUpload{}
	if s, ok := obj["filename"].(string); ok {
		meta.Filename = s
	}
	if s, ok := obj["content_type"].(string); ok {
		meta.ContentType = s
	}

	data, ok := obj["data"].(string)
	if !ok {
		return nil, fmt.Errorf("file upload is missing base64 data")
	}
	content, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 file content: %w", err)
	}

	staged := stageFile(meta, content)
	return &staged, nil
}

func stageFile(meta FileUpload, content []byte) StagedFile {
	meta.ID = uuid.New().String()
	meta.Size = int64(len(content))
	return StagedFile{Meta: meta, Content: content}
}

// validateJSONColumn validates a value against the column's schema rule
// and returns the canonical TEXT representation. String inputs are parsed
// as JSON first so both forms are accepted.
func validateJSONColumn(registry *jsonschema.Registry, rule *schema.JSONColumnRule, value any) (string, error) {
	if s, ok := value.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return "", fmt.Errorf("invalid JSON: %w", err)
		}
		value = parsed
	}

	if rule.SchemaName != "" {
		if err := registry.Validate(rule.SchemaName, value); err != nil {
			return "", err
		}
	} else if rule.Pattern != "" {
		compiled, err := jsonschema.Compile(rule.Pattern)
		if err != nil {
			return "", err
		}
		if err := compiled.Validate(value); err != nil {
			return "", fmt.Errorf("schema violation: %w", err)
		}
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON: %w", err)
	}
	return string(encoded), nil
}

// convertScalar converts a JSON leaf value to the column's storage type.
// Nested objects are only meaningful on JSON or geometry columns; arrays
// on JSON columns or as byte arrays on BLOB columns.
func convertScalar(col *schema.Column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	storage := col.StorageType(true)

	switch storage {
	case schema.StorageInteger:
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int64(v), nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", v)
			}
			return i, nil
		}

	case schema.StorageReal:
		switch v := value.(type) {
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", v)
			}
			return f, nil
		}

	case schema.StorageText:
		if s, ok := value.(string); ok {
			return s, nil
		}

	case schema.StorageBlob:
		switch v := value.(type) {
		case string:
			return decodeBlobString(v)
		case []any:
			return decodeByteArray(v)
		case map[string]any:
			if isGeoJSON(v) {
				return geoJSONToWKB(v)
			}
		}

	default:
		// ANY / NUMERIC columns take the value as-is.
		switch v := value.(type) {
		case float64:
			if v == math.Trunc(v) {
				return int64(v), nil
			}
			return v, nil
		case string:
			return v, nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		}
	}

	return nil, fmt.Errorf("cannot convert %T to %s", value, storage)
}

// decodeBlobString accepts base64 (standard or URL-safe) blob content, or
// a UUID in text form for 16-byte id columns.
func decodeBlobString(s string) ([]byte, error) {
	if id, err := uuid.Parse(s); err == nil {
		return id[:], nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid blob encoding")
}

func decodeByteArray(list []any) ([]byte, error) {
	out := make([]byte, 0, len(list))
	for _, item := range list {
		f, ok := item.(float64)
		if !ok || f != math.Trunc(f) || f < 0 || f > 255 {
			return nil, fmt.Errorf("blob array elements must be bytes")
		}
		out = append(out, byte(f))
	}
	return out, nil
}

// isGeoJSON mirrors the loose shape check used for request bodies: an
// object with "type" and "coordinates" keys.
func isGeoJSON(obj map[string]any) bool {
	_, hasType := obj["type"].(string)
	_, hasCoords := obj["coordinates"]
	return hasType && hasCoords
}

// geoJSONToWKB parses a GeoJSON geometry into WKB, using the extended
// encoding when an SRID is present.
func geoJSONToWKB(obj map[string]any) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("invalid GeoJSON: %w", err)
	}
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("invalid GeoJSON: %w", err)
	}
	if g.SRID() != 0 {
		encoded, err := ewkb.Marshal(g, ewkb.NDR)
		if err != nil {
			return nil, fmt.Errorf("failed to encode geometry: %w", err)
		}
		return encoded, nil
	}
	encoded, err := wkb.Marshal(g, wkb.NDR)
	if err != nil {
		return nil, fmt.Errorf("failed to encode geometry: %w", err)
	}
	return encoded, nil
}

// bindValueEqual compares two bind values for the pk-mismatch check.
func bindValueEqual(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && string(ab) == string(bb)
	}
	return a == b
}
