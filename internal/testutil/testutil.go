// Package testutil provides shared test fixtures: temp-file databases
// and an in-memory object store.
package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/recbase-io/recbase/internal/db"
	"github.com/recbase-io/recbase/internal/storage"
)

// OpenDB opens a fresh SQLite database in a per-test temp dir.
func OpenDB(t *testing.T) *db.DB {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"), db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// MustExec runs DDL/DML statements through the writer.
func MustExec(t *testing.T, conn *db.DB, statements ...string) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range statements {
		err := conn.Write(ctx, func(ctx context.Context, c *sql.Conn) error {
			_, err := c.ExecContext(ctx, stmt)
			return err
		})
		require.NoError(t, err, "statement: %s", stmt)
	}
}

// ErrObjectNotFound is returned for missing keys in the memory store.
var ErrObjectNotFound = errors.New("object not found")

// MemoryStore implements storage.Provider in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string

	// FailPuts makes Put fail, for compensation-path tests.
	FailPuts bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Put implements storage.Provider.
func (m *MemoryStore) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	if m.FailPuts {
		return errors.New("put failed")
	}
	content, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = content
	m.types[key] = contentType
	m.mu.Unlock()
	return nil
}

// Get implements storage.Provider.
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, *storage.Object, error) {
	m.mu.RLock()
	content, ok := m.objects[key]
	contentType := m.types[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), &storage.Object{
		Key:         key,
		Size:        int64(len(content)),
		ContentType: contentType,
	}, nil
}

// Delete implements storage.Provider.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	delete(m.types, key)
	m.mu.Unlock()
	return nil
}

// List implements storage.Provider.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]storage.Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []storage.Object
	for key, content := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.Object{Key: key, Size: int64(len(content))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Keys returns all stored keys, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
