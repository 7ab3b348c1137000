package records

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recbase-io/recbase/internal/config"
)

func filterFixture(t *testing.T) *API {
	t.Helper()
	f := setup(t,
		[]string{`CREATE TABLE t (id INTEGER PRIMARY KEY, s TEXT, n INTEGER) STRICT`},
		[]config.RecordApiConfig{worldAPI("t", "t", nil)})
	return f.api(t, "t")
}

func mustParse(t *testing.T, api *API, query string, strict bool) FilterNode {
	t.Helper()
	values, err := url.ParseQuery(query)
	require.NoError(t, err)
	node, err := ParseFilterTree(values, api, strict)
	require.NoError(t, err)
	return node
}

func TestParseSimpleFilter(t *testing.T) {
	api := filterFixture(t)

	node := mustParse(t, api, "filter[s]=abc", false)
	filter, ok := node.(Filter)
	require.True(t, ok)
	assert.Equal(t, "s", filter.Column)
	assert.Equal(t, OpEqual, filter.Op)
	assert.Equal(t, "abc", filter.Value)
}

func TestParseOperatorFilter(t *testing.T) {
	api := filterFixture(t)

	node := mustParse(t, api, "filter[n][$gte]=10", false)
	filter, ok := node.(Filter)
	require.True(t, ok)
	assert.Equal(t, OpGreaterOrEqual, filter.Op)
}

func TestParseNestedGroups(t *testing.T) {
	api := filterFixture(t)

	node := mustParse(t, api,
		"filter[$or][0][s]=a&filter[$or][1][s]=b&filter[n][$gt]=1", false)
	and, ok := node.(And)
	require.True(t, ok)
	require.Len(t, and.Children, 2)
}

func TestUnknownColumnDropVsStrict(t *testing.T) {
	api := filterFixture(t)

	node := mustParse(t, api, "filter[ghost]=1", false)
	assert.Nil(t, node)

	values, _ := url.ParseQuery("filter[ghost]=1")
	_, err := ParseFilterTree(values, api, true)
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestFilterDepthCap(t *testing.T) {
	api := filterFixture(t)

	deep := "filter"
	for i := 0; i < 12; i++ {
		deep += "[$and][0]"
	}
	deep += "[s]=x"
	values, err := url.ParseQuery(deep)
	require.NoError(t, err)
	_, err = ParseFilterTree(values, api, false)
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestRenderFilterSQL(t *testing.T) {
	api := filterFixture(t)

	node := mustParse(t, api, "filter[n][$gt]=5&filter[s][$like]=a%25", false)
	r := &filterRenderer{api: api, rowRef: "_ROW_"}
	rendered, err := r.render(node)
	require.NoError(t, err)

	assert.Contains(t, rendered, `_ROW_."n" > :__fp`)
	assert.Contains(t, rendered, `_ROW_."s" LIKE :__fp`)
	assert.Len(t, r.params, 2)
}

func TestRenderNullSentinels(t *testing.T) {
	api := filterFixture(t)

	node := mustParse(t, api, "filter[s][$is]=NULL", false)
	r := &filterRenderer{api: api, rowRef: "_ROW_"}
	rendered, err := r.render(node)
	require.NoError(t, err)
	assert.Equal(t, `_ROW_."s" IS NULL`, rendered)
	assert.Empty(t, r.params)

	node = mustParse(t, api, "filter[s][$is]=%21NULL", false)
	rendered, err = r.render(node)
	require.NoError(t, err)
	assert.Equal(t, `_ROW_."s" IS NOT NULL`, rendered)
}

func TestFilterNormalizationLaws(t *testing.T) {
	record := map[string]any{"s": "x", "n": int64(5)}

	leaf := Filter{Column: "s", Op: OpEqual, Value: "x"}
	assert.Equal(t,
		MatchesRecord(leaf, record),
		MatchesRecord(And{Children: []FilterNode{leaf}}, record))
	assert.Equal(t,
		MatchesRecord(leaf, record),
		MatchesRecord(Or{Children: []FilterNode{leaf}}, record))

	// Empty groups are no-op filters.
	assert.True(t, MatchesRecord(And{}, record))
	assert.True(t, MatchesRecord(Or{}, record))
	assert.True(t, MatchesRecord(nil, record))
}

func TestMatchesRecord(t *testing.T) {
	record := map[string]any{"s": "hello", "n": int64(10), "empty": nil}

	tests := []struct {
		filter Filter
		want   bool
	}{
		{Filter{Column: "s", Op: OpEqual, Value: "hello"}, true},
		{Filter{Column: "s", Op: OpNotEqual, Value: "hello"}, false},
		{Filter{Column: "n", Op: OpGreaterThan, Value: "5"}, true},
		{Filter{Column: "n", Op: OpLessOrEqual, Value: "9"}, false},
		{Filter{Column: "s", Op: OpLike, Value: "hel%"}, true},
		{Filter{Column: "s", Op: OpLike, Value: "nope%"}, false},
		{Filter{Column: "s", Op: OpRegexp, Value: "^h.*o$"}, true},
		{Filter{Column: "empty", Op: OpIs, Value: "NULL"}, true},
		{Filter{Column: "s", Op: OpIs, Value: "!NULL"}, true},
		{Filter{Column: "missing", Op: OpEqual, Value: "x"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchFilter(tt.filter, record), "%+v", tt.filter)
	}
}
