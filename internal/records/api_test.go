package records

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recbase-io/recbase/internal/config"
)

func TestDescriptorBuild(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (
			id INTEGER PRIMARY KEY,
			secret TEXT,
			visible TEXT
		) STRICT`},
		[]config.RecordApiConfig{
			worldAPI("t", "t", func(c *config.RecordApiConfig) {
				c.ExcludedColumns = []string{"secret"}
			}),
		})
	api := f.api(t, "t")

	cols := api.Columns()
	require.Len(t, cols, 2)
	assert.Equal(t, "id", cols[0].Name)
	assert.Equal(t, "visible", cols[1].Name)

	_, _, _, ok := api.ColumnByName("secret")
	assert.False(t, ok)

	assert.True(t, api.IsTable())
	assert.Equal(t, "id", api.PKColumn().Name)
}

func TestDescriptorRejectsUnsuitableTables(t *testing.T) {
	f := setup(t,
		[]string{
			`CREATE TABLE loose (id INTEGER PRIMARY KEY, s TEXT)`,
			`CREATE TABLE nopk (a INTEGER, b INTEGER) STRICT`,
		},
		[]config.RecordApiConfig{
			worldAPI("loose", "loose", nil),
			worldAPI("nopk", "nopk", nil),
			worldAPI("missing", "missing", nil),
		})

	for _, name := range []string{"loose", "nopk", "missing"} {
		_, err := f.registry.Lookup(name)
		assert.ErrorIs(t, err, ErrAPINotFound, name)
	}
}

func TestAccessQueryRendering(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, owner BLOB, s TEXT) STRICT`},
		[]config.RecordApiConfig{
			worldAPI("t", "t", func(c *config.RecordApiConfig) {
				c.ReadAccessRule = `_ROW_.owner = _USER_.id`
				c.CreateAccessRule = `_REQ_.owner = _USER_.id`
				c.UpdateAccessRule = `_ROW_.owner = _USER_.id AND _REQ_.owner = _USER_.id`
				c.DeleteAccessRule = `_ROW_.owner = _USER_.id`
				c.SchemaAccessRule = `_USER_.id IS NOT NULL`
				c.EnableSubscriptions = true
			}),
		})
	api := f.api(t, "t")

	read := api.AccessQuery(PermissionRead)
	assert.Contains(t, read, `CAST((_ROW_.owner = _USER_.id) AS INTEGER)`)
	assert.Contains(t, read, `(SELECT :__user_id AS id) AS _USER_`)
	assert.Contains(t, read, `WHERE "id" = :__record_id) AS _ROW_`)

	create := api.AccessQuery(PermissionCreate)
	assert.Contains(t, create, `:__fields AS _REQ_FIELDS_`)
	assert.Contains(t, create, `:owner AS "owner"`)
	assert.NotContains(t, create, `_ROW_`)

	update := api.AccessQuery(PermissionUpdate)
	assert.Contains(t, update, `AS _REQ_`)
	assert.Contains(t, update, `AS _ROW_`)

	assert.NotEmpty(t, api.AccessQuery(PermissionDelete))
	assert.NotEmpty(t, api.AccessQuery(PermissionSchema))
	assert.NotEmpty(t, api.SubscriptionReadQuery())
	assert.NotContains(t, api.SubscriptionReadQuery(), ":__record_id")
}

func TestRenderedQueriesHaveNoTemplateSeams(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, owner BLOB, s TEXT) STRICT`},
		[]config.RecordApiConfig{
			worldAPI("t", "t", func(c *config.RecordApiConfig) {
				c.ReadAccessRule = `_ROW_.owner = _USER_.id`
				c.CreateAccessRule = `TRUE`
				c.UpdateAccessRule = `TRUE`
				c.EnableSubscriptions = true
			}),
		})
	api := f.api(t, "t")

	seams := regexp.MustCompile(`\s{2,}|\t|\n`)
	for _, p := range []Permission{PermissionCreate, PermissionRead, PermissionUpdate, PermissionDelete, PermissionSchema} {
		query := api.AccessQuery(p)
		if query == "" {
			continue
		}
		assert.False(t, seams.MatchString(query), "seam in %s query: %q", p, query)
	}
	assert.False(t, seams.MatchString(api.SubscriptionReadQuery()))
}

func TestAccessQueryPlaceholdersCoveredByTemplate(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, owner BLOB, s TEXT) STRICT`},
		[]config.RecordApiConfig{
			worldAPI("t", "t", func(c *config.RecordApiConfig) {
				c.CreateAccessRule = `_REQ_.s = 'x' AND _REQ_.owner = _USER_.id`
			}),
		})
	api := f.api(t, "t")

	lazy := NewLazyInsertParams(api, map[string]any{"s": "x"}, nil)
	params, err := api.accessParams(PermissionCreate, nil, lazy, nil)
	require.NoError(t, err)

	bound := make(map[string]struct{}, len(params))
	for _, p := range params {
		bound[p.Name] = struct{}{}
	}

	// Every :placeholder the rendered query references must be bound.
	re := regexp.MustCompile(`:[a-zA-Z_][a-zA-Z0-9_]*`)
	for _, ref := range re.FindAllString(api.AccessQuery(PermissionCreate), -1) {
		if ref == ":__record_id" || ref == ":__user_id" {
			continue // appended by accessParams as well
		}
		_, ok := bound[ref]
		assert.True(t, ok, "unbound placeholder %s", ref)
	}
	_, hasUser := bound[":__user_id"]
	_, hasRecord := bound[":__record_id"]
	assert.True(t, hasUser)
	assert.True(t, hasRecord)
}

func TestRegistrySwap(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY) STRICT`},
		[]config.RecordApiConfig{worldAPI("t", "t", nil)})

	_, err := f.registry.Lookup("t")
	require.NoError(t, err)

	schemas := f.api(t, "t").SchemaRegistry()
	f.registry.Build([]config.RecordApiConfig{worldAPI("renamed", "t", nil)}, f.cache.Snapshot(), schemas)

	_, err = f.registry.Lookup("t")
	assert.ErrorIs(t, err, ErrAPINotFound)
	_, err = f.registry.Lookup("renamed")
	assert.NoError(t, err)
}

func TestParseRecordIDForms(t *testing.T) {
	f := setup(t,
		[]string{
			`CREATE TABLE nums (id INTEGER PRIMARY KEY) STRICT`,
			`CREATE TABLE uuids (id BLOB PRIMARY KEY CHECK(is_uuid_v7(id))) STRICT`,
		},
		[]config.RecordApiConfig{
			worldAPI("nums", "nums", nil),
			worldAPI("uuids", "uuids", nil),
		})

	id, err := f.api(t, "nums").ParseRecordID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = f.api(t, "nums").ParseRecordID("nope")
	assert.Equal(t, KindBadRequest, KindOf(err))

	raw, err := f.api(t, "uuids").ParseRecordID("01890a5d-ac96-774b-b9aa-9be0a0d99999")
	require.NoError(t, err)
	blob, ok := raw.([]byte)
	require.True(t, ok)
	assert.Len(t, blob, 16)

	// The wire form round-trips.
	encoded := FormatRecordID(blob)
	again, err := f.api(t, "uuids").ParseRecordID(encoded)
	require.NoError(t, err)
	assert.Equal(t, blob, again)
}

func TestRequestSelectQuotesColumns(t *testing.T) {
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, value TEXT) STRICT`},
		[]config.RecordApiConfig{worldAPI("t", "t", nil)})
	api := f.api(t, "t")

	sel := api.requestSelect()
	assert.True(t, strings.HasPrefix(sel, "SELECT "))
	assert.Contains(t, sel, `:id AS "id"`)
	assert.Contains(t, sel, `:value AS "value"`)
}
