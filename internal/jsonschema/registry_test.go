package jsonschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinsPreloaded(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	_, ok := r.Lookup(FileUploadName)
	assert.True(t, ok)
	_, ok = r.Lookup(FileUploadsName)
	assert.True(t, ok)
}

func TestRegisterAndValidate(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	require.NoError(t, r.Register("app.point", `{
		"type": "object",
		"properties": {"x": {"type": "number"}, "y": {"type": "number"}},
		"required": ["x", "y"]
	}`))

	assert.NoError(t, r.Validate("app.point", map[string]any{"x": 1.0, "y": 2.0}))
	assert.Error(t, r.Validate("app.point", map[string]any{"x": 1.0}))
	assert.Error(t, r.Validate("missing", map[string]any{}))
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	assert.Error(t, r.Register("bad", `{"type": 42}`))
}

func TestFileUploadShape(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	assert.NoError(t, r.Validate(FileUploadName, map[string]any{
		"id":       "abc",
		"filename": "a.txt",
	}))
	assert.Error(t, r.Validate(FileUploadName, map[string]any{
		"filename": "missing id",
	}))
	assert.NoError(t, r.Validate(FileUploadsName, []any{
		map[string]any{"id": "a"},
		map[string]any{"id": "b"},
	}))
}

func TestCompileInline(t *testing.T) {
	compiled, err := Compile(`{"type": "array"}`)
	require.NoError(t, err)
	assert.NoError(t, compiled.Validate([]any{}))
	assert.Error(t, compiled.Validate(map[string]any{}))
}
