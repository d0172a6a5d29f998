package expr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Lookup walks nested maps along segments. A flat key containing dots is
// tried before descending, so {"a.b": 1} matches a.b.
func Lookup(vars map[string]any, segments ...string) any {
	if len(segments) == 0 || vars == nil {
		return nil
	}
	if v, ok := vars[strings.Join(segments, ".")]; ok {
		return v
	}
	v, ok := vars[segments[0]]
	if !ok {
		return nil
	}
	if len(segments) == 1 {
		return v
	}
	nested, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return Lookup(nested, segments[1:]...)
}

// IsTruthy reports whether v counts as true: nil, false, zero numbers,
// empty strings and empty collections are false.
func IsTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

// toNumber converts numeric kinds and json.Number to float64.
func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case bool, string, nil:
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// numeric is toNumber that also accepts numeric strings.
func numeric(v any) (float64, bool) {
	if f, ok := toNumber(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func equal(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if l, ok := toNumber(left); ok {
		if r, ok := numeric(right); ok {
			return l == r
		}
	}
	if r, ok := toNumber(right); ok {
		if l, ok := numeric(left); ok {
			return l == r
		}
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprintf("%v", needle))
	case []any:
		return slices.ContainsFunc(h, func(item any) bool { return equal(item, needle) })
	case []string:
		return slices.Contains(h, fmt.Sprintf("%v", needle))
	case map[string]any:
		_, ok := h[fmt.Sprintf("%v", needle)]
		return ok
	}
	return false
}

// Compare applies op to left and right. Unknown operators return an error.
func Compare(left, right any, op string) (bool, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "<", "<=", ">", ">=":
		return order(left, right, op), nil
	case "contains":
		return contains(left, right), nil
	case "in":
		return contains(right, left), nil
	default:
		return false, fmt.Errorf("expr: unknown operator %q", op)
	}
}

func order(left, right any, op string) bool {
	var cmp int
	l, lok := numeric(left)
	r, rok := numeric(right)
	switch {
	case lok && rok:
		switch {
		case l < r:
			cmp = -1
		case l > r:
			cmp = 1
		}
	default:
		ls, lstr := left.(string)
		rs, rstr := right.(string)
		if !lstr || !rstr {
			return false
		}
		cmp = strings.Compare(ls, rs)
	}
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	default:
		return cmp >= 0
	}
}
