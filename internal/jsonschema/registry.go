// Package jsonschema holds the registry of named JSON schemas referenced
// by CHECK(jsonschema('name', col)) constraints, plus the std.FileUpload
// built-ins that mark file-bearing columns.
package jsonschema

import (
	"fmt"
	"sync"

	schemavalidator "github.com/santhosh-tekuri/jsonschema/v5"
)

// Built-in schema names. Columns constrained to these carry file metadata
// and route their payloads through the object store.
const (
	FileUploadName  = "std.FileUpload"
	FileUploadsName = "std.FileUploads"
)

const fileUploadSchema = `{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "filename": {"type": "string"},
    "content_type": {"type": "string"},
    "size": {"type": "integer"},
    "data": {"type": "string"}
  },
  "required": ["id"]
}`

const fileUploadsSchema = `{
  "type": "array",
  "items": ` + fileUploadSchema + `
}`

// Registry maps schema names to compiled validators. It is safe for
// concurrent use; registration replaces wholesale.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*schemavalidator.Schema
}

// NewRegistry returns a registry preloaded with the std.* built-ins.
func NewRegistry() (*Registry, error) {
	r := &Registry{schemas: make(map[string]*schemavalidator.Schema)}
	if err := r.Register(FileUploadName, fileUploadSchema); err != nil {
		return nil, err
	}
	if err := r.Register(FileUploadsName, fileUploadsSchema); err != nil {
		return nil, err
	}
	return r, nil
}

// Register compiles and stores a named schema, replacing any previous
// definition.
func (r *Registry) Register(name, schemaJSON string) error {
	compiled, err := schemavalidator.CompileString(name+".json", schemaJSON)
	if err != nil {
		return fmt.Errorf("failed to compile schema %q: %w", name, err)
	}
	r.mu.Lock()
	r.schemas[name] = compiled
	r.mu.Unlock()
	return nil
}

// Lookup returns the compiled schema for name.
func (r *Registry) Lookup(name string) (*schemavalidator.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Validate checks value (unmarshaled JSON) against the named schema.
func (r *Registry) Validate(name string, value any) error {
	s, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	if err := s.Validate(value); err != nil {
		return fmt.Errorf("schema %q violation: %w", name, err)
	}
	return nil
}

// Compile compiles an inline schema pattern (not registered under a name).
func Compile(pattern string) (*schemavalidator.Schema, error) {
	compiled, err := schemavalidator.CompileString("inline.json", pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile inline schema: %w", err)
	}
	return compiled, nil
}
