package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recbase-io/recbase/internal/config"
	"github.com/recbase-io/recbase/internal/jsonschema"
	"github.com/recbase-io/recbase/internal/records"
	"github.com/recbase-io/recbase/internal/schema"
	"github.com/recbase-io/recbase/internal/testutil"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	conn := testutil.OpenDB(t)
	testutil.MustExec(t, conn,
		`CREATE TABLE _user (id BLOB PRIMARY KEY CHECK(is_uuid(id)), email TEXT NOT NULL) STRICT`,
		`CREATE TABLE _file_deletions (
			id INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			scheduled_at INTEGER NOT NULL DEFAULT (unixepoch()),
			attempts INTEGER NOT NULL DEFAULT 0
		) STRICT`,
		`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT) STRICT`,
	)

	cache, err := schema.NewCache(context.Background(), conn, nil)
	require.NoError(t, err)
	schemas, err := jsonschema.NewRegistry()
	require.NoError(t, err)

	registry := records.NewRegistry()
	registry.Build([]config.RecordApiConfig{
		{
			Name:     "t",
			Table:    "t",
			ACLWorld: []string{"create", "read", "update", "delete", "schema"},
		},
	}, cache.Snapshot(), schemas)

	cfg := &config.Config{
		API: config.APIConfig{DefaultPageSize: 50, MaxPageSize: 1024},
	}

	engine, err := records.NewEngine(conn, registry, testutil.NewMemoryStore(), cfg.API)
	require.NoError(t, err)
	subs := records.NewSubscriptionManager(conn, registry, cache)

	return NewServer(cfg, engine, subs)
}

func doJSON(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	decoded := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp.StatusCode, decoded
}

func TestCreateReadListDeleteOverHTTP(t *testing.T) {
	s := newTestServer(t)

	status, body := doJSON(t, s, "POST", "/api/records/v1/t", `[{"id": 1, "s": "a"}, {"id": 2, "s": "b"}]`)
	require.Equal(t, 200, status)
	ids, ok := body["ids"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"1", "2"}, ids)

	status, record := doJSON(t, s, "GET", "/api/records/v1/t/1", "")
	require.Equal(t, 200, status)
	assert.Equal(t, float64(1), record["id"])
	assert.Equal(t, "a", record["s"])

	status, listing := doJSON(t, s, "GET", "/api/records/v1/t?count=true&limit=1", "")
	require.Equal(t, 200, status)
	assert.Equal(t, float64(2), listing["total_count"])
	assert.NotEmpty(t, listing["cursor"])

	status, _ = doJSON(t, s, "PATCH", "/api/records/v1/t/1", `{"s": "z"}`)
	require.Equal(t, 200, status)

	status, _ = doJSON(t, s, "DELETE", "/api/records/v1/t/1", "")
	require.Equal(t, 200, status)

	status, _ = doJSON(t, s, "GET", "/api/records/v1/t/1", "")
	assert.Equal(t, 404, status)
}

func TestStatusMapping(t *testing.T) {
	s := newTestServer(t)

	status, body := doJSON(t, s, "GET", "/api/records/v1/nope", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, ErrCodeAPINotFound, body["code"])

	status, body = doJSON(t, s, "GET", "/api/records/v1/t/abc", "")
	assert.Equal(t, 400, status)
	assert.Equal(t, ErrCodeBadRequest, body["code"])

	status, body = doJSON(t, s, "POST", "/api/records/v1/t", `{"id": 1}`)
	require.Equal(t, 200, status)
	status, body = doJSON(t, s, "POST", "/api/records/v1/t", `{"id": 1}`)
	assert.Equal(t, 409, status)
	assert.Equal(t, ErrCodeConflict, body["code"])

	status, body = doJSON(t, s, "GET", "/api/records/v1/t?cursor=garbage", "")
	assert.Equal(t, 400, status)
}

func TestSchemaEndpoint(t *testing.T) {
	s := newTestServer(t)

	status, doc := doJSON(t, s, "GET", "/api/records/v1/t/schema", "")
	require.Equal(t, 200, status)
	assert.Equal(t, "t", doc["title"])
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "id")
	assert.Contains(t, props, "s")
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	status, body := doJSON(t, s, "GET", "/healthz", "")
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body["status"])
}
