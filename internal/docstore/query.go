package docstore

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"

	"gnar-go/internal/feed"
)

// compiledQuery is a query with its filter values normalized.
type compiledQuery struct {
	feed.Query
	values []any
}

func compile(q feed.Query) (compiledQuery, error) {
	if q.Collection == "" {
		return compiledQuery{}, fmt.Errorf("query has no collection")
	}
	cq := compiledQuery{Query: q, values: make([]any, len(q.Filters))}
	for i, f := range q.Filters {
		v, err := normalizeValue(f.Value)
		if err != nil {
			return compiledQuery{}, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		cq.values[i] = v
	}
	return cq, nil
}

func (q compiledQuery) matches(rec feed.Record) bool {
	if q.DocID != "" && rec.ID != q.DocID {
		return false
	}
	for i, f := range q.Filters {
		if !reflect.DeepEqual(rec.Fields[f.Field], q.values[i]) {
			return false
		}
	}
	return true
}

// result filters and orders recs into a snapshot. Records still waiting for
// their server timestamp sort as the newest.
func (q compiledQuery) result(recs []feed.Record) feed.Snapshot {
	out := make([]feed.Record, 0, len(recs))
	for _, r := range recs {
		if q.matches(r) {
			out = append(out, r)
		}
	}

	slices.SortStableFunc(out, func(a, b feed.Record) int {
		c := q.compare(a, b)
		if q.Descending {
			c = -c
		}
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		return c
	})
	return feed.Snapshot{Records: out}
}

func (q compiledQuery) compare(a, b feed.Record) int {
	if q.OrderBy == "" || q.OrderBy == feed.CreatedAtField {
		switch {
		case a.CreatedAt == nil && b.CreatedAt == nil:
			return 0
		case a.CreatedAt == nil:
			return 1
		case b.CreatedAt == nil:
			return -1
		default:
			return a.CreatedAt.Compare(*b.CreatedAt)
		}
	}
	return compareValues(a.Fields[q.OrderBy], b.Fields[q.OrderBy])
}

// compareValues orders missing values first, then numbers, then strings.
func compareValues(a, b any) int {
	rank := func(v any) int {
		switch v.(type) {
		case nil:
			return 0
		case bool:
			return 1
		case float64:
			return 2
		case string:
			return 3
		default:
			return 4
		}
	}
	if ra, rb := rank(a), rank(b); ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		return cmp.Compare(x, b.(float64))
	case string:
		return cmp.Compare(x, b.(string))
	}
	return 0
}
