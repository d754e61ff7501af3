package docstore

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"gnar-go/internal/feed"
)

// normalize round-trips fields through JSON so every backend stores and
// compares the same value shapes.
func normalize(fields feed.Fields) (feed.Fields, error) {
	if fields == nil {
		return feed.Fields{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding fields: %w", err)
	}
	out := feed.Fields{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding fields: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return out, nil
}

// merge returns base with every key of update overwritten.
func merge(base, update feed.Fields) (feed.Fields, error) {
	update, err := normalize(update)
	if err != nil {
		return nil, err
	}
	out := maps.Clone(base)
	if out == nil {
		out = feed.Fields{}
	}
	maps.Copy(out, update)
	return out, nil
}

// applyOps returns a copy of fields with ops applied in order. Either every
// op applies or an error is returned and fields is untouched.
func applyOps(fields feed.Fields, ops []feed.FieldOp) (feed.Fields, error) {
	out := maps.Clone(fields)
	if out == nil {
		out = feed.Fields{}
	}

	for _, op := range ops {
		if op.Field == "" {
			return nil, fmt.Errorf("%s: empty field name", op.Kind)
		}

		switch op.Kind {
		case feed.OpSet:
			v, err := normalizeValue(op.Value)
			if err != nil {
				return nil, err
			}
			out[op.Field] = v

		case feed.OpArrayUnion, feed.OpArrayRemove, feed.OpArrayAppend, feed.OpArrayRemoveFirst:
			arr, err := asArray(out[op.Field])
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", op.Kind, op.Field, err)
			}
			v, err := normalizeValue(op.Value)
			if err != nil {
				return nil, err
			}
			out[op.Field] = applyArrayOp(op.Kind, arr, v)

		case feed.OpIncrement:
			n, err := asNumber(out[op.Field])
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", op.Kind, op.Field, err)
			}
			n += op.Delta
			if op.Floor != nil && n < *op.Floor {
				n = *op.Floor
			}
			out[op.Field] = float64(n)

		default:
			return nil, fmt.Errorf("unknown field op %d", op.Kind)
		}
	}
	return out, nil
}

func applyArrayOp(kind feed.OpKind, arr []any, v any) []any {
	equal := func(x any) bool { return reflect.DeepEqual(x, v) }
	switch kind {
	case feed.OpArrayUnion:
		if slices.ContainsFunc(arr, equal) {
			return arr
		}
		return append(arr, v)
	case feed.OpArrayRemove:
		return slices.DeleteFunc(arr, equal)
	case feed.OpArrayAppend:
		return append(arr, v)
	case feed.OpArrayRemoveFirst:
		if i := slices.IndexFunc(arr, equal); i >= 0 {
			return slices.Delete(arr, i, i+1)
		}
	}
	return arr
}

func asArray(v any) ([]any, error) {
	switch a := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return slices.Clone(a), nil
	default:
		return nil, fmt.Errorf("field is %T, not an array", v)
	}
}

func asNumber(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("field is %T, not a number", v)
	}
}
