package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

var ErrInvalidFilter = errors.New("invalid filter")

// operators holds the comparison operators allowed on a single field.
type operators struct {
	Eq  any   `mapstructure:"eq"`
	Ne  any   `mapstructure:"ne"`
	In  []any `mapstructure:"in"`
	Nin []any `mapstructure:"nin"`
	Gt  any   `mapstructure:"gt"`
	Gte any   `mapstructure:"gte"`
	Lt  any   `mapstructure:"lt"`
	Lte any   `mapstructure:"lte"`
}

// aliases accepts PostGraphile connection-filter spellings.
var aliases = map[string]string{
	"equalTo":              "eq",
	"neq":                  "ne",
	"notEqualTo":           "ne",
	"notIn":                "nin",
	"greaterThan":          "gt",
	"greaterThanOrEqualTo": "gte",
	"lessThan":             "lt",
	"lessThanOrEqualTo":    "lte",
}

// Operators lists the supported operator names, advertised to clients.
var Operators = []string{"eq", "ne", "in", "nin", "gt", "gte", "lt", "lte", "and", "or", "not"}

// Parse compiles a JSON filter document. An empty document or JSON null yields All.
//
//	{"status": {"eq": "open"}, "total": {"gte": 10}}
//	{"or": [{"status": "open"}, {"priority": {"in": [1, 2]}}]}
//	{"not": {"customer.tier": "gold"}}
func Parse(raw json.RawMessage) (Expr, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return All{}, nil
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return Compile(v)
}

// Compile builds an Expr from an already decoded filter document.
func Compile(v any) (Expr, error) {
	if v == nil {
		return All{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: filter must be an object, got %T", ErrInvalidFilter, v)
	}
	return compileObject(m)
}

func compileObject(m map[string]any) (Expr, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var exprs And
	for _, key := range keys {
		val := m[key]
		switch key {
		case "and", "or":
			list, ok := val.([]any)
			if !ok || len(list) == 0 {
				return nil, fmt.Errorf("%w: %q expects a non-empty list", ErrInvalidFilter, key)
			}
			children := make([]Expr, 0, len(list))
			for _, item := range list {
				child, err := Compile(item)
				if err != nil {
					return nil, err
				}
				children = append(children, child)
			}
			if key == "and" {
				exprs = append(exprs, And(children))
			} else {
				exprs = append(exprs, Or(children))
			}
		case "not":
			child, err := Compile(val)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, Not{Expr: child})
		default:
			expr, err := compileField(key, val)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, expr)
		}
	}

	switch len(exprs) {
	case 0:
		return All{}, nil
	case 1:
		return exprs[0], nil
	}
	return exprs, nil
}

func compileField(field string, val any) (Expr, error) {
	if field == "" {
		return nil, fmt.Errorf("%w: empty field name", ErrInvalidFilter)
	}

	switch v := val.(type) {
	case map[string]any:
		return compileOperators(field, v)
	case []any:
		return In{Field: field, Values: normalizeList(v)}, nil
	default:
		if !isScalar(v) {
			return nil, fmt.Errorf("%w: unsupported value for %q", ErrInvalidFilter, field)
		}
		return Eq{Field: field, Value: normalize(v)}, nil
	}
}

func compileOperators(field string, doc map[string]any) (Expr, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: no operator given for %q", ErrInvalidFilter, field)
	}

	input := make(map[string]any, len(doc))
	for k, v := range doc {
		if canonical, ok := aliases[k]; ok {
			k = canonical
		}
		input[k] = v
	}

	var ops operators
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &ops,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(input); err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidFilter, field, err)
	}

	present := func(name string) bool {
		_, ok := input[name]
		return ok
	}
	scalar := func(name string, v any) (any, error) {
		if !isScalar(v) {
			return nil, fmt.Errorf("%w: %q on %q expects a scalar", ErrInvalidFilter, name, field)
		}
		return normalize(v), nil
	}
	ordered := func(name string, v any) (any, error) {
		v, err := scalar(name, v)
		if err != nil {
			return nil, err
		}
		if _, ok := v.(float64); ok {
			return v, nil
		}
		if _, ok := v.(string); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%w: %q on %q expects a number or string", ErrInvalidFilter, name, field)
	}

	var exprs And
	if present("eq") {
		v, err := scalar("eq", ops.Eq)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, Eq{Field: field, Value: v})
	}
	if present("ne") {
		v, err := scalar("ne", ops.Ne)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, Ne{Field: field, Value: v})
	}
	if present("in") {
		if ops.In == nil {
			return nil, fmt.Errorf("%w: \"in\" on %q expects a list", ErrInvalidFilter, field)
		}
		exprs = append(exprs, In{Field: field, Values: normalizeList(ops.In)})
	}
	if present("nin") {
		if ops.Nin == nil {
			return nil, fmt.Errorf("%w: \"nin\" on %q expects a list", ErrInvalidFilter, field)
		}
		exprs = append(exprs, NotIn{Field: field, Values: normalizeList(ops.Nin)})
	}
	for _, c := range []struct {
		name string
		op   CmpOp
		val  any
	}{
		{"gt", OpGt, ops.Gt},
		{"gte", OpGte, ops.Gte},
		{"lt", OpLt, ops.Lt},
		{"lte", OpLte, ops.Lte},
	} {
		if !present(c.name) {
			continue
		}
		v, err := ordered(c.name, c.val)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, Cmp{Field: field, Op: c.op, Value: v})
	}

	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return exprs, nil
}

// normalize turns json.Number into float64 so compiled values compare like decoded payloads.
func normalize(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

func normalizeList(list []any) []any {
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = normalize(v)
	}
	return out
}
