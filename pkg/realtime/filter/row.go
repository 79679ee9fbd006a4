package filter

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Row is a flattened view of a payload: top-level keys plus dot-separated paths
// into nested objects, eg "customer.email".
type Row map[string]any

// Flatten builds the Row for payload. Non-object payloads yield an empty Row.
func Flatten(payload any) Row {
	row := Row{}
	if m, ok := payload.(map[string]any); ok {
		flatten(row, "", m)
	}
	return row
}

func flatten(row Row, prefix string, m map[string]any) {
	for k, v := range m {
		key := prefix + k
		if _, exists := row[key]; !exists {
			row[key] = v
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(row, key+".", nested)
		}
	}
}

// Lookup resolves a field or dot-separated path in payload.
func Lookup(payload map[string]any, path string) (any, bool) {
	if v, ok := payload[path]; ok {
		return v, true
	}
	current := payload
	parts := strings.Split(path, ".")
	for i, part := range parts {
		v, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if current, ok = v.(map[string]any); !ok {
			return nil, false
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func isScalar(v any) bool {
	if _, ok := toFloat(v); ok {
		return true
	}
	switch v.(type) {
	case string, bool, nil:
		return true
	}
	return false
}
