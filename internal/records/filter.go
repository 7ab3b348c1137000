package records

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/recbase-io/recbase/internal/db"
)

// CompareOp is a filter comparison operator.
type CompareOp string

const (
	OpEqual          CompareOp = "$eq"
	OpNotEqual       CompareOp = "$ne"
	OpGreaterThan    CompareOp = "$gt"
	OpGreaterOrEqual CompareOp = "$gte"
	OpLessThan       CompareOp = "$lt"
	OpLessOrEqual    CompareOp = "$lte"
	OpLike           CompareOp = "$like"
	OpRegexp         CompareOp = "$re"
	// OpIs carries the NULL sentinel values "NULL" / "!NULL".
	OpIs CompareOp = "$is"
)

var knownOps = map[string]CompareOp{
	"$eq": OpEqual, "$ne": OpNotEqual,
	"$gt": OpGreaterThan, "$gte": OpGreaterOrEqual,
	"$lt": OpLessThan, "$lte": OpLessOrEqual,
	"$like": OpLike, "$re": OpRegexp, "$is": OpIs,
}

// FilterNode is a node in the filter tree.
type FilterNode interface {
	isFilterNode()
}

// Filter compares one column against a value.
type Filter struct {
	Column string
	Op     CompareOp
	Value  string
}

// And groups children conjunctively.
type And struct {
	Children []FilterNode
}

// Or groups children disjunctively.
type Or struct {
	Children []FilterNode
}

func (Filter) isFilterNode() {}
func (And) isFilterNode()    {}
func (Or) isFilterNode()     {}

// maxFilterDepth bounds hostile query strings.
const maxFilterDepth = 10

// rawNode is the intermediate tree built from bracketed query keys
// before conversion into typed filter nodes.
type rawNode struct {
	value    *string
	children map[string]*rawNode
}

func (n *rawNode) child(key string) *rawNode {
	if n.children == nil {
		n.children = make(map[string]*rawNode)
	}
	c, ok := n.children[key]
	if !ok {
		c = &rawNode{}
		n.children[key] = c
	}
	return c
}

func (n *rawNode) sortedKeys() []string {
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		// Numeric keys ($and/$or element indexes) sort numerically.
		a, aerr := strconv.Atoi(keys[i])
		b, berr := strconv.Atoi(keys[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}

// splitBracketPath turns "[$and][0][col][$eq]" into its segments.
func splitBracketPath(s string) ([]string, error) {
	var out []string
	for s != "" {
		if !strings.HasPrefix(s, "[") {
			return nil, fmt.Errorf("malformed filter key")
		}
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("malformed filter key")
		}
		seg := s[1:end]
		if seg == "" {
			return nil, fmt.Errorf("empty filter key segment")
		}
		out = append(out, seg)
		s = s[end+1:]
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty filter key")
	}
	if len(out) > maxFilterDepth {
		return nil, fmt.Errorf("filter nesting too deep")
	}
	return out, nil
}

// ParseFilterTree extracts the filter[...] parameters of a query string
// into a tree. Unknown columns are dropped (or rejected when strict),
// defending against injection through column positions.
func ParseFilterTree(values url.Values, api *API, strict bool) (FilterNode, error) {
	root := &rawNode{}

	keys := make([]string, 0, len(values))
	for key := range values {
		if strings.HasPrefix(key, "filter[") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		path, err := splitBracketPath(strings.TrimPrefix(key, "filter"))
		if err != nil {
			return nil, BadRequest("invalid filter parameter %q", key)
		}
		node := root
		for _, seg := range path {
			node = node.child(seg)
		}
		v := values[key][len(values[key])-1]
		node.value = &v
	}

	if len(root.children) == 0 {
		return nil, nil
	}
	return convertFilterNode(root, api, strict, 0)
}

// convertFilterNode turns the intermediate tree into typed nodes. The
// node at this level holds column names and/or $and/$or groups.
func convertFilterNode(n *rawNode, api *API, strict bool, depth int) (FilterNode, error) {
	if depth > maxFilterDepth {
		return nil, BadRequest("filter nesting too deep")
	}

	var children []FilterNode
	for _, key := range n.sortedKeys() {
		child := n.children[key]
		switch key {
		case "$and", "$or":
			var group []FilterNode
			for _, idx := range child.sortedKeys() {
				if _, err := strconv.Atoi(idx); err != nil {
					return nil, BadRequest("filter group %s expects numeric indexes", key)
				}
				sub, err := convertFilterNode(child.children[idx], api, strict, depth+1)
				if err != nil {
					return nil, err
				}
				if sub != nil {
					group = append(group, sub)
				}
			}
			if len(group) == 0 {
				continue
			}
			if key == "$and" {
				children = append(children, And{Children: group})
			} else {
				children = append(children, Or{Children: group})
			}

		default:
			filters, err := convertColumnFilters(key, child, api, strict)
			if err != nil {
				return nil, err
			}
			children = append(children, filters...)
		}
	}

	switch len(children) {
	case 0:
		return nil, nil
	case 1:
		return children[0], nil
	default:
		return And{Children: children}, nil
	}
}

func convertColumnFilters(column string, n *rawNode, api *API, strict bool) ([]FilterNode, error) {
	if _, _, _, ok := api.ColumnByName(column); !ok {
		if strict {
			return nil, BadRequest("unknown filter column %q", column)
		}
		log.Debug().Str("column", column).Msg("Dropping filter on unknown column")
		return nil, nil
	}

	if n.value != nil {
		return []FilterNode{Filter{Column: column, Op: OpEqual, Value: *n.value}}, nil
	}

	var out []FilterNode
	for _, opKey := range n.sortedKeys() {
		op, ok := knownOps[opKey]
		if !ok {
			return nil, BadRequest("unknown filter operator %q", opKey)
		}
		leaf := n.children[opKey]
		if leaf.value == nil {
			return nil, BadRequest("filter %s[%s] is missing a value", column, opKey)
		}
		out = append(out, Filter{Column: column, Op: op, Value: *leaf.value})
	}
	return out, nil
}

// filterRenderer renders a tree into SQL bound by named parameters with
// deterministic allocation order.
type filterRenderer struct {
	api     *API
	rowRef  string
	params  db.NamedParams
	counter int
}

func (r *filterRenderer) bind(value any) string {
	name := fmt.Sprintf(":__fp%d", r.counter)
	r.counter++
	r.params = append(r.params, db.NamedParam{Name: name, Value: value})
	return name
}

func (r *filterRenderer) render(node FilterNode) (string, error) {
	switch n := node.(type) {
	case Filter:
		return r.renderFilter(n)
	case And:
		return r.renderGroup(n.Children, " AND ")
	case Or:
		return r.renderGroup(n.Children, " OR ")
	default:
		return "", Internal("unknown filter node", nil)
	}
}

func (r *filterRenderer) renderGroup(children []FilterNode, sep string) (string, error) {
	if len(children) == 0 {
		return "TRUE", nil
	}
	parts := make([]string, 0, len(children))
	for _, child := range children {
		rendered, err := r.render(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, rendered)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (r *filterRenderer) renderFilter(f Filter) (string, error) {
	_, col, _, ok := r.api.ColumnByName(f.Column)
	if !ok {
		return "", Internal("filter column vanished", nil)
	}
	ref := r.rowRef + "." + quoteIdentifier(f.Column)

	if f.Op == OpIs {
		switch f.Value {
		case "NULL":
			return ref + " IS NULL", nil
		case "!NULL":
			return ref + " IS NOT NULL", nil
		default:
			return "", BadRequest("filter %s[$is] expects NULL or !NULL", f.Column)
		}
	}

	value, err := convertScalar(col, f.Value)
	if err != nil {
		// Query values arrive as strings; retry as plain text for
		// non-text columns comparing against text forms.
		value = f.Value
	}

	placeholder := r.bind(value)
	switch f.Op {
	case OpEqual:
		return ref + " = " + placeholder, nil
	case OpNotEqual:
		return ref + " <> " + placeholder, nil
	case OpGreaterThan:
		return ref + " > " + placeholder, nil
	case OpGreaterOrEqual:
		return ref + " >= " + placeholder, nil
	case OpLessThan:
		return ref + " < " + placeholder, nil
	case OpLessOrEqual:
		return ref + " <= " + placeholder, nil
	case OpLike:
		return ref + " LIKE " + placeholder, nil
	case OpRegexp:
		return ref + " REGEXP " + placeholder, nil
	default:
		return "", BadRequest("unknown filter operator %q", string(f.Op))
	}
}

// MatchesRecord evaluates the tree client-side against an event record,
// used by table subscriptions. Comparison follows SQLite-ish loose
// typing: numeric when both sides parse as numbers, text otherwise.
func MatchesRecord(node FilterNode, record map[string]any) bool {
	if node == nil {
		return true
	}
	switch n := node.(type) {
	case And:
		for _, child := range n.Children {
			if !MatchesRecord(child, record) {
				return false
			}
		}
		return true
	case Or:
		if len(n.Children) == 0 {
			return true
		}
		for _, child := range n.Children {
			if MatchesRecord(child, record) {
				return true
			}
		}
		return false
	case Filter:
		return matchFilter(n, record)
	default:
		return false
	}
}

func matchFilter(f Filter, record map[string]any) bool {
	value, present := record[f.Column]

	if f.Op == OpIs {
		switch f.Value {
		case "NULL":
			return !present || value == nil
		case "!NULL":
			return present && value != nil
		}
		return false
	}
	if !present || value == nil {
		return false
	}

	switch f.Op {
	case OpEqual:
		return compareLoose(value, f.Value) == 0
	case OpNotEqual:
		return compareLoose(value, f.Value) != 0
	case OpGreaterThan:
		return compareLoose(value, f.Value) > 0
	case OpGreaterOrEqual:
		return compareLoose(value, f.Value) >= 0
	case OpLessThan:
		return compareLoose(value, f.Value) < 0
	case OpLessOrEqual:
		return compareLoose(value, f.Value) <= 0
	case OpLike:
		return matchLikePattern(fmt.Sprint(value), f.Value)
	case OpRegexp:
		return matchRegexp(fmt.Sprint(value), f.Value)
	default:
		return false
	}
}

func compareLoose(recordValue any, filterValue string) int {
	if fv, err := strconv.ParseFloat(filterValue, 64); err == nil {
		var rv float64
		switch v := recordValue.(type) {
		case int64:
			rv = float64(v)
		case float64:
			rv = v
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return strings.Compare(v, filterValue)
			}
			rv = parsed
		default:
			return strings.Compare(fmt.Sprint(recordValue), filterValue)
		}
		switch {
		case rv < fv:
			return -1
		case rv > fv:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(recordValue), filterValue)
}

func matchLikePattern(s, pattern string) bool {
	// LIKE is case-insensitive with % and _ wildcards.
	re := likeToRegexp(pattern)
	return matchRegexp(strings.ToLower(s), re)
}

func likeToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range strings.ToLower(pattern) {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func matchRegexp(s, pattern string) bool {
	matched, err := regexp.MatchString(pattern, s)
	if err != nil {
		return false
	}
	return matched
}
