package records

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recbase-io/recbase/internal/auth"
	"github.com/recbase-io/recbase/internal/config"
	"github.com/recbase-io/recbase/internal/db"
	"github.com/recbase-io/recbase/internal/jsonschema"
	"github.com/recbase-io/recbase/internal/schema"
	"github.com/recbase-io/recbase/internal/testutil"
)

type fixture struct {
	conn     *db.DB
	engine   *Engine
	store    *testutil.MemoryStore
	registry *Registry
	cache    *schema.Cache
	subs     *SubscriptionManager
}

var systemDDL = []string{
	`CREATE TABLE _user (id BLOB PRIMARY KEY CHECK(is_uuid(id)), email TEXT NOT NULL) STRICT`,
	`CREATE TABLE _file_deletions (
		id INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		scheduled_at INTEGER NOT NULL DEFAULT (unixepoch()),
		attempts INTEGER NOT NULL DEFAULT 0
	) STRICT`,
}

func setup(t *testing.T, ddl []string, cfgs []config.RecordApiConfig) *fixture {
	t.Helper()

	conn := testutil.OpenDB(t)
	testutil.MustExec(t, conn, append(append([]string{}, systemDDL...), ddl...)...)

	cache, err := schema.NewCache(context.Background(), conn, nil)
	require.NoError(t, err)

	schemas, err := jsonschema.NewRegistry()
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Build(cfgs, cache.Snapshot(), schemas)

	store := testutil.NewMemoryStore()
	engine, err := NewEngine(conn, registry, store, config.APIConfig{
		DefaultPageSize: 50,
		MaxPageSize:     1024,
	})
	require.NoError(t, err)

	return &fixture{
		conn:     conn,
		engine:   engine,
		store:    store,
		registry: registry,
		cache:    cache,
		subs:     NewSubscriptionManager(conn, registry, cache),
	}
}

func (f *fixture) api(t *testing.T, name string) *API {
	t.Helper()
	api, err := f.registry.Lookup(name)
	require.NoError(t, err)
	return api
}

func (f *fixture) addUser(t *testing.T, user *auth.User) {
	t.Helper()
	ctx := context.Background()
	err := f.conn.Write(ctx, func(ctx context.Context, c *sql.Conn) error {
		_, err := c.ExecContext(ctx, `INSERT INTO _user (id, email) VALUES (?, ?)`,
			user.IDBytes(), user.Email)
		return err
	})
	require.NoError(t, err)
}

func worldAPI(name, table string, mutate func(*config.RecordApiConfig)) config.RecordApiConfig {
	cfg := config.RecordApiConfig{
		Name:     name,
		Table:    table,
		ACLWorld: []string{"create", "read", "update", "delete", "schema"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

func testUser() *auth.User {
	return &auth.User{ID: uuid.New(), Email: "x@example.com"}
}

func TestCreateAndReadBack(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT) STRICT`},
		[]config.RecordApiConfig{worldAPI("t", "t", nil)})
	api := f.api(t, "t")
	ctx := context.Background()

	id, err := f.engine.CreateRecord(ctx, api, nil, map[string]any{"id": float64(1), "s": "a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", FormatRecordID(id))

	record, err := f.engine.ReadRecord(ctx, api, nil, int64(1), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), record["id"])
	assert.Equal(t, "a", record["s"])
}

func TestBulkInsertReturnsIDsInOrder(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT) STRICT`},
		[]config.RecordApiConfig{worldAPI("t", "t", nil)})
	api := f.api(t, "t")

	ids, err := f.engine.CreateRecords(context.Background(), api, nil, []map[string]any{
		{"id": float64(1), "s": "a"},
		{"id": float64(2), "s": "b"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "1", FormatRecordID(ids[0]))
	assert.Equal(t, "2", FormatRecordID(ids[1]))
}

func TestCreateDefaultValues(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT DEFAULT 'dflt') STRICT`},
		[]config.RecordApiConfig{worldAPI("t", "t", nil)})
	api := f.api(t, "t")
	ctx := context.Background()

	id, err := f.engine.CreateRecord(ctx, api, nil, map[string]any{}, nil)
	require.NoError(t, err)

	record, err := f.engine.ReadRecord(ctx, api, nil, id, nil)
	require.NoError(t, err)
	assert.Equal(t, "dflt", record["s"])
}

func TestCreateConflict(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT) STRICT`},
		[]config.RecordApiConfig{
			worldAPI("t", "t", nil),
			worldAPI("t_replace", "t", func(c *config.RecordApiConfig) {
				c.ConflictResolution = config.ConflictReplace
			}),
		})
	ctx := context.Background()

	_, err := f.engine.CreateRecord(ctx, f.api(t, "t"), nil, map[string]any{"id": float64(1), "s": "a"}, nil)
	require.NoError(t, err)

	_, err = f.engine.CreateRecord(ctx, f.api(t, "t"), nil, map[string]any{"id": float64(1), "s": "b"}, nil)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))

	_, err = f.engine.CreateRecord(ctx, f.api(t, "t_replace"), nil, map[string]any{"id": float64(1), "s": "b"}, nil)
	require.NoError(t, err)

	record, err := f.engine.ReadRecord(ctx, f.api(t, "t"), nil, int64(1), nil)
	require.NoError(t, err)
	assert.Equal(t, "b", record["s"])
}

func TestUpdateRecord(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT, n INTEGER) STRICT`},
		[]config.RecordApiConfig{worldAPI("t", "t", nil)})
	api := f.api(t, "t")
	ctx := context.Background()

	_, err := f.engine.CreateRecord(ctx, api, nil, map[string]any{"id": float64(5), "s": "a", "n": float64(1)}, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.UpdateRecord(ctx, api, nil, int64(5), map[string]any{"s": "z"}, nil))

	record, err := f.engine.ReadRecord(ctx, api, nil, int64(5), nil)
	require.NoError(t, err)
	assert.Equal(t, "z", record["s"])
	assert.Equal(t, int64(1), record["n"])

	// Body pk must match the path pk.
	err = f.engine.UpdateRecord(ctx, api, nil, int64(5), map[string]any{"id": float64(6)}, nil)
	require.Error(t, err)
	assert.Equal(t, KindBadRequest, KindOf(err))

	// Missing record.
	err = f.engine.UpdateRecord(ctx, api, nil, int64(99), map[string]any{"s": "x"}, nil)
	assert.Equal(t, KindRecordNotFound, KindOf(err))
}

func TestDeleteIdempotence(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT) STRICT`},
		[]config.RecordApiConfig{worldAPI("t", "t", nil)})
	api := f.api(t, "t")
	ctx := context.Background()

	_, err := f.engine.CreateRecord(ctx, api, nil, map[string]any{"id": float64(1), "s": "a"}, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.DeleteRecord(ctx, api, nil, int64(1)))

	err = f.engine.DeleteRecord(ctx, api, nil, int64(1))
	assert.Equal(t, KindRecordNotFound, KindOf(err))
}

func TestTableLevelACLGate(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT) STRICT`},
		[]config.RecordApiConfig{
			{Name: "t", Table: "t", ACLAuthenticated: []string{"create", "read"}},
		})
	api := f.api(t, "t")
	ctx := context.Background()
	user := testUser()

	// Anonymous denied outright.
	_, err := f.engine.CreateRecord(ctx, api, nil, map[string]any{"id": float64(1)}, nil)
	assert.Equal(t, KindForbidden, KindOf(err))

	// Authenticated may create and read but not delete.
	_, err = f.engine.CreateRecord(ctx, api, user, map[string]any{"id": float64(1), "s": "a"}, nil)
	require.NoError(t, err)

	err = f.engine.DeleteRecord(ctx, api, user, int64(1))
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestRowLevelAccessRule(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE msg (
			id INTEGER PRIMARY KEY,
			owner BLOB REFERENCES _user(id),
			text TEXT
		) STRICT`},
		[]config.RecordApiConfig{
			worldAPI("msg", "msg", func(c *config.RecordApiConfig) {
				c.ReadAccessRule = `_ROW_.owner = _USER_.id`
			}),
		})
	api := f.api(t, "msg")
	ctx := context.Background()

	alice := testUser()
	bob := testUser()
	f.addUser(t, alice)
	f.addUser(t, bob)

	_, err := f.engine.CreateRecord(ctx, api, alice, map[string]any{
		"id":    float64(1),
		"owner": alice.ID.String(),
		"text":  "hi",
	}, nil)
	require.NoError(t, err)

	_, err = f.engine.ReadRecord(ctx, api, alice, int64(1), nil)
	require.NoError(t, err)

	_, err = f.engine.ReadRecord(ctx, api, bob, int64(1), nil)
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = f.engine.ReadRecord(ctx, api, nil, int64(1), nil)
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestCreateAccessRuleSeesRequestFields(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE msg (
			id INTEGER PRIMARY KEY,
			owner BLOB REFERENCES _user(id),
			text TEXT
		) STRICT`},
		[]config.RecordApiConfig{
			worldAPI("msg", "msg", func(c *config.RecordApiConfig) {
				c.CreateAccessRule = `_REQ_.owner = _USER_.id`
			}),
		})
	api := f.api(t, "msg")
	ctx := context.Background()

	alice := testUser()
	f.addUser(t, alice)

	_, err := f.engine.CreateRecord(ctx, api, alice, map[string]any{
		"id":    float64(1),
		"owner": alice.ID.String(),
	}, nil)
	require.NoError(t, err)

	// Claiming someone else's ownership is denied.
	_, err = f.engine.CreateRecord(ctx, api, alice, map[string]any{
		"id":    float64(2),
		"owner": uuid.New().String(),
	}, nil)
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestAutofillUserIDColumns(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE msg (
			id INTEGER PRIMARY KEY,
			owner BLOB REFERENCES _user(id),
			text TEXT
		) STRICT`},
		[]config.RecordApiConfig{
			worldAPI("msg", "msg", func(c *config.RecordApiConfig) {
				c.AutofillMissingUserIDColumns = true
			}),
		})
	api := f.api(t, "msg")
	ctx := context.Background()

	alice := testUser()
	f.addUser(t, alice)

	_, err := f.engine.CreateRecord(ctx, api, alice, map[string]any{
		"id":   float64(1),
		"text": "hello",
	}, nil)
	require.NoError(t, err)

	record, err := f.engine.ReadRecord(ctx, api, alice, int64(1), nil)
	require.NoError(t, err)
	assert.NotNil(t, record["owner"])
}

func TestFileLifecycle(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE docs (
			id INTEGER PRIMARY KEY,
			attachment TEXT CHECK(jsonschema('std.FileUpload', attachment))
		) STRICT`},
		[]config.RecordApiConfig{worldAPI("docs", "docs", nil)})
	api := f.api(t, "docs")
	ctx := context.Background()

	_, err := f.engine.CreateRecord(ctx, api, nil, map[string]any{
		"id": float64(1),
		"attachment": map[string]any{
			"filename":     "a.txt",
			"content_type": "text/plain",
			"data":         "aGVsbG8=",
		},
	}, nil)
	require.NoError(t, err)

	keys := f.store.Keys()
	require.Len(t, keys, 1)

	reader, obj, meta, err := f.engine.ReadFile(ctx, api, nil, int64(1), "attachment")
	require.NoError(t, err)
	reader.Close()
	assert.Equal(t, int64(5), obj.Size)
	assert.Equal(t, "a.txt", meta.Filename)

	// Deleting the record queues the upload for removal.
	require.NoError(t, f.engine.DeleteRecord(ctx, api, nil, int64(1)))

	var count int
	require.NoError(t, f.conn.Read().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _file_deletions`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestFailedInsertDiscardsUploads(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE docs (
			id INTEGER PRIMARY KEY,
			attachment TEXT CHECK(jsonschema('std.FileUpload', attachment))
		) STRICT`},
		[]config.RecordApiConfig{worldAPI("docs", "docs", nil)})
	api := f.api(t, "docs")
	ctx := context.Background()

	body := map[string]any{
		"id": float64(1),
		"attachment": map[string]any{
			"filename": "a.txt",
			"data":     "aGVsbG8=",
		},
	}
	_, err := f.engine.CreateRecord(ctx, api, nil, body, nil)
	require.NoError(t, err)

	// The duplicate insert fails; its freshly-written upload must not
	// survive in the store.
	_, err = f.engine.CreateRecord(ctx, api, nil, body, nil)
	require.Error(t, err)
	assert.Len(t, f.store.Keys(), 1)
}

func TestViewRejectsMutations(t *testing.T) {
	f := setup(t,
		[]string{
			`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT) STRICT`,
			`CREATE VIEW v AS SELECT id, s FROM t`,
		},
		[]config.RecordApiConfig{worldAPI("v", "v", nil)})
	api := f.api(t, "v")
	ctx := context.Background()

	_, err := f.engine.CreateRecord(ctx, api, nil, map[string]any{"id": float64(1)}, nil)
	assert.Equal(t, KindAPIRequiresTable, KindOf(err))

	err = f.engine.UpdateRecord(ctx, api, nil, int64(1), map[string]any{"s": "x"}, nil)
	assert.Equal(t, KindAPIRequiresTable, KindOf(err))
}

func TestReadWithExpansion(t *testing.T) {
	f := setup(t,
		[]string{
			`CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT) STRICT`,
			`CREATE TABLE posts (
				id INTEGER PRIMARY KEY,
				author INTEGER REFERENCES authors(id),
				title TEXT
			) STRICT`,
		},
		[]config.RecordApiConfig{
			worldAPI("authors", "authors", nil),
			worldAPI("posts", "posts", func(c *config.RecordApiConfig) {
				c.Expand = []string{"author"}
			}),
		})
	ctx := context.Background()

	_, err := f.engine.CreateRecord(ctx, f.api(t, "authors"), nil, map[string]any{"id": float64(7), "name": "kim"}, nil)
	require.NoError(t, err)
	_, err = f.engine.CreateRecord(ctx, f.api(t, "posts"), nil, map[string]any{"id": float64(1), "author": float64(7), "title": "x"}, nil)
	require.NoError(t, err)

	record, err := f.engine.ReadRecord(ctx, f.api(t, "posts"), nil, int64(1), []string{"author"})
	require.NoError(t, err)

	expanded, ok := record["author"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(7), expanded["id"])
	data, ok := expanded["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "kim", data["name"])

	// Unlisted columns may not be expanded.
	_, err = f.engine.ReadRecord(ctx, f.api(t, "posts"), nil, int64(1), []string{"title"})
	assert.Equal(t, KindBadRequest, KindOf(err))
}
