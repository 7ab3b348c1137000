package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recbase-io/recbase/internal/config"
)

func paramsFixture(t *testing.T) *API {
	t.Helper()
	f := setup(t,
		[]string{`CREATE TABLE t (
			id INTEGER PRIMARY KEY,
			n INTEGER,
			r REAL,
			s TEXT,
			b BLOB,
			meta TEXT CHECK(jsonschema_matches('{"type": "object"}', meta)),
			doc TEXT CHECK(jsonschema('std.FileUpload', doc)),
			docs TEXT CHECK(jsonschema('std.FileUploads', docs))
		) STRICT`},
		[]config.RecordApiConfig{worldAPI("t", "t", nil)})
	return f.api(t, "t")
}

func paramValue(t *testing.T, p *Params, name string) any {
	t.Helper()
	for _, np := range p.NamedParams {
		if np.Name == name {
			return np.Value
		}
	}
	t.Fatalf("parameter %s not present", name)
	return nil
}

func TestScalarConversions(t *testing.T) {
	api := paramsFixture(t)

	p, err := BuildInsertParams(api, map[string]any{
		"id": float64(1),
		"n":  "17",
		"r":  float64(1.5),
		"s":  "text",
		"b":  "aGVsbG8=",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), paramValue(t, p, ":id"))
	assert.Equal(t, int64(17), paramValue(t, p, ":n"))
	assert.Equal(t, 1.5, paramValue(t, p, ":r"))
	assert.Equal(t, "text", paramValue(t, p, ":s"))
	assert.Equal(t, []byte("hello"), paramValue(t, p, ":b"))
}

func TestBlobFromNumberArray(t *testing.T) {
	api := paramsFixture(t)
	p, err := BuildInsertParams(api, map[string]any{
		"id": float64(1),
		"b":  []any{float64(1), float64(2), float64(255)},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 255}, paramValue(t, p, ":b"))
}

func TestConversionErrors(t *testing.T) {
	api := paramsFixture(t)
	tests := []map[string]any{
		{"n": float64(1.5)},
		{"n": "abc"},
		{"b": []any{float64(300)}},
		{"s": map[string]any{"nested": true}},
	}
	for _, body := range tests {
		_, err := BuildInsertParams(api, body, nil)
		assert.Error(t, err, "%v", body)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	api := paramsFixture(t)
	p, err := BuildInsertParams(api, map[string]any{
		"id":      float64(1),
		"unknown": "whatever",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, p.ColumnNames)
}

func TestJSONColumnValidation(t *testing.T) {
	api := paramsFixture(t)

	// Object form.
	p, err := BuildInsertParams(api, map[string]any{
		"id":   float64(1),
		"meta": map[string]any{"a": float64(1)},
	}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, paramValue(t, p, ":meta").(string))

	// String form is parsed first, then validated.
	p, err = BuildInsertParams(api, map[string]any{
		"id":   float64(1),
		"meta": `{"b": 2}`,
	}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b": 2}`, paramValue(t, p, ":meta").(string))

	// Schema violation: the pattern requires an object.
	_, err = BuildInsertParams(api, map[string]any{
		"id":   float64(1),
		"meta": `[1, 2]`,
	}, nil)
	assert.Error(t, err)
}

func TestInlineFileUpload(t *testing.T) {
	api := paramsFixture(t)

	p, err := BuildInsertParams(api, map[string]any{
		"id": float64(1),
		"doc": map[string]any{
			"filename":     "a.bin",
			"content_type": "application/octet-stream",
			"data":         "AAEC",
		},
	}, nil)
	require.NoError(t, err)

	require.Len(t, p.Files, 1)
	assert.Equal(t, []byte{0, 1, 2}, p.Files[0].Content)
	assert.NotEmpty(t, p.Files[0].Meta.ID)
	assert.Contains(t, paramValue(t, p, ":doc").(string), p.Files[0].Meta.ID)
}

func TestInlineFileUploadsList(t *testing.T) {
	api := paramsFixture(t)

	p, err := BuildInsertParams(api, map[string]any{
		"id": float64(1),
		"docs": []any{
			map[string]any{"filename": "a", "data": "AA=="},
			map[string]any{"filename": "b", "data": "AQ=="},
		},
	}, nil)
	require.NoError(t, err)
	assert.Len(t, p.Files, 2)
}

func TestMultipartAssignment(t *testing.T) {
	api := paramsFixture(t)

	p, err := BuildInsertParams(api, map[string]any{"id": float64(1)}, []MultipartFile{
		{Field: "doc", Filename: "a.txt", ContentType: "text/plain", Content: []byte("x")},
		{Field: "docs", Filename: "b.txt", Content: []byte("y")},
		{Field: "docs", Filename: "c.txt", Content: []byte("z")},
	})
	require.NoError(t, err)
	assert.Len(t, p.Files, 3)

	// A second file for a single-file column collides.
	_, err = BuildInsertParams(api, map[string]any{
		"id":  float64(1),
		"doc": map[string]any{"data": "AA=="},
	}, []MultipartFile{
		{Field: "doc", Filename: "dup.txt", Content: []byte("x")},
	})
	assert.Error(t, err)
}

func TestUpdateParamsPKHandling(t *testing.T) {
	api := paramsFixture(t)

	p, err := BuildUpdateParams(api, map[string]any{"s": "x"}, nil, "id", int64(9))
	require.NoError(t, err)
	assert.Equal(t, "id", p.PKColumn)
	assert.Equal(t, int64(9), paramValue(t, p, ":__pk_value"))

	// Matching body pk is fine.
	_, err = BuildUpdateParams(api, map[string]any{"id": float64(9)}, nil, "id", int64(9))
	require.NoError(t, err)

	// Mismatching body pk errors.
	_, err = BuildUpdateParams(api, map[string]any{"id": float64(8)}, nil, "id", int64(9))
	assert.Error(t, err)
}

func TestLazyParamsParseOnce(t *testing.T) {
	api := paramsFixture(t)

	lazy := NewLazyInsertParams(api, map[string]any{"id": float64(1)}, nil)
	first, err := lazy.Params()
	require.NoError(t, err)
	second, err := lazy.Params()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestGeoJSONToWKB(t *testing.T) {
	api := paramsFixture(t)

	p, err := BuildInsertParams(api, map[string]any{
		"id": float64(1),
		"b": map[string]any{
			"type":        "Point",
			"coordinates": []any{float64(1), float64(2)},
		},
	}, nil)
	require.NoError(t, err)

	blob, ok := paramValue(t, p, ":b").([]byte)
	require.True(t, ok)
	// WKB: byte order marker + uint32 geometry type (1 = Point).
	require.GreaterOrEqual(t, len(blob), 21)
	assert.Equal(t, byte(1), blob[0])
}
