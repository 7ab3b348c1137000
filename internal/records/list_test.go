package records

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recbase-io/recbase/internal/config"
)

func listFixture(t *testing.T, rows int) (*fixture, *API) {
	t.Helper()
	f := setup(t,
		[]string{`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, rank INTEGER) STRICT`},
		[]config.RecordApiConfig{
			worldAPI("items", "items", func(c *config.RecordApiConfig) {
				c.ListingHardLimit = 100
			}),
		})
	api := f.api(t, "items")
	ctx := context.Background()
	for i := 1; i <= rows; i++ {
		_, err := f.engine.CreateRecord(ctx, api, nil, map[string]any{
			"id":   float64(i),
			"name": fmt.Sprintf("item-%d", i),
			"rank": float64(i % 3),
		}, nil)
		require.NoError(t, err)
	}
	return f, api
}

func query(t *testing.T, raw string) url.Values {
	t.Helper()
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return values
}

func TestListDefaultsToDescendingPK(t *testing.T) {
	f, api := listFixture(t, 3)

	resp, err := f.engine.ListRecords(context.Background(), api, nil, query(t, ""))
	require.NoError(t, err)
	require.Len(t, resp.Records, 3)
	assert.Equal(t, int64(3), resp.Records[0]["id"])
	assert.Equal(t, int64(1), resp.Records[2]["id"])
}

func TestListFilterAndCount(t *testing.T) {
	f, api := listFixture(t, 6)

	resp, err := f.engine.ListRecords(context.Background(), api, nil,
		query(t, "filter[rank]=0&count=true"))
	require.NoError(t, err)
	require.NotNil(t, resp.TotalCount)
	assert.Equal(t, int64(2), *resp.TotalCount)
	assert.Len(t, resp.Records, 2)
}

func TestListCursorPagination(t *testing.T) {
	f, api := listFixture(t, 5)
	ctx := context.Background()

	resp, err := f.engine.ListRecords(ctx, api, nil, query(t, "limit=2&count=true"))
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)
	require.NotEmpty(t, resp.Cursor)
	require.NotNil(t, resp.TotalCount)
	assert.Equal(t, int64(5), *resp.TotalCount)
	assert.Equal(t, int64(5), resp.Records[0]["id"])

	resp2, err := f.engine.ListRecords(ctx, api, nil,
		query(t, "limit=2&cursor="+url.QueryEscape(resp.Cursor)))
	require.NoError(t, err)
	require.Len(t, resp2.Records, 2)
	assert.Equal(t, int64(3), resp2.Records[0]["id"])

	resp3, err := f.engine.ListRecords(ctx, api, nil,
		query(t, "limit=2&cursor="+url.QueryEscape(resp2.Cursor)))
	require.NoError(t, err)
	assert.Len(t, resp3.Records, 1)
	assert.Empty(t, resp3.Cursor)
}

func TestListOrderValidation(t *testing.T) {
	f, api := listFixture(t, 3)
	ctx := context.Background()

	resp, err := f.engine.ListRecords(ctx, api, nil, query(t, "order=%2Bid"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Records[0]["id"])

	_, err = f.engine.ListRecords(ctx, api, nil, query(t, "order=ghost"))
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestListAscendingCursorRequiresIntegerPKOrder(t *testing.T) {
	f, api := listFixture(t, 3)
	ctx := context.Background()

	first, err := f.engine.ListRecords(ctx, api, nil, query(t, "limit=1&order=%2Bid"))
	require.NoError(t, err)
	require.NotEmpty(t, first.Cursor)

	// Ascending over the integer pk is allowed.
	second, err := f.engine.ListRecords(ctx, api, nil,
		query(t, "limit=1&order=%2Bid&cursor="+url.QueryEscape(first.Cursor)))
	require.NoError(t, err)
	require.Len(t, second.Records, 1)
	assert.Equal(t, int64(2), second.Records[0]["id"])

	// Ascending over any other column with a cursor is rejected.
	_, err = f.engine.ListRecords(ctx, api, nil,
		query(t, "order=%2Bname&cursor="+url.QueryEscape(first.Cursor)))
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestListLimitClamping(t *testing.T) {
	f, api := listFixture(t, 3)

	req, err := f.engine.ParseListRequest(api, query(t, "limit=5000"))
	require.NoError(t, err)
	assert.Equal(t, 100, req.Limit) // per-API hard limit

	_, err = f.engine.ParseListRequest(api, query(t, "limit=-1"))
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestListReadRuleMergesIntoWhere(t *testing.T) {
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

	for i := 1; i <= 3; i++ {
		owner := alice
		if i == 3 {
			owner = bob
		}
		_, err := f.engine.CreateRecord(ctx, api, owner, map[string]any{
			"id":    float64(i),
			"owner": owner.ID.String(),
			"text":  "m",
		}, nil)
		require.NoError(t, err)
	}

	// Owners see their rows; strangers see an empty listing, not an
	// error.
	resp, err := f.engine.ListRecords(ctx, api, alice, query(t, "count=true"))
	require.NoError(t, err)
	assert.Len(t, resp.Records, 2)
	require.NotNil(t, resp.TotalCount)
	assert.Equal(t, int64(2), *resp.TotalCount)

	resp, err = f.engine.ListRecords(ctx, api, bob, query(t, ""))
	require.NoError(t, err)
	assert.Len(t, resp.Records, 1)

	resp, err = f.engine.ListRecords(ctx, api, nil, query(t, ""))
	require.NoError(t, err)
	assert.Empty(t, resp.Records)
}

func TestListExpansion(t *testing.T) {
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

	_, err := f.engine.CreateRecord(ctx, f.api(t, "authors"), nil, map[string]any{"id": float64(1), "name": "kim"}, nil)
	require.NoError(t, err)
	_, err = f.engine.CreateRecord(ctx, f.api(t, "posts"), nil, map[string]any{"id": float64(1), "author": float64(1), "title": "a"}, nil)
	require.NoError(t, err)
	_, err = f.engine.CreateRecord(ctx, f.api(t, "posts"), nil, map[string]any{"id": float64(2), "title": "orphan"}, nil)
	require.NoError(t, err)

	resp, err := f.engine.ListRecords(ctx, f.api(t, "posts"), nil, query(t, "expand=author"))
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)

	// Unmatched LEFT JOIN yields a null data payload.
	orphan := resp.Records[0]["author"].(map[string]any)
	assert.Nil(t, orphan["data"])

	matched := resp.Records[1]["author"].(map[string]any)
	data := matched["data"].(map[string]any)
	assert.Equal(t, "kim", data["name"])
}
