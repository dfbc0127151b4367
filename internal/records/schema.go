package records

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FieldKind is the normalized JSON shape of a field value.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
)

// Field describes one property of a record type.
type Field struct {
	Kind        FieldKind
	Multiple    bool
	Required    bool
	Recommended bool
}

// Schema describes the accepted shape of records of one type.
type Schema struct {
	Type   string
	Fields map[string]Field
}

// ValidationError is returned when a row cannot be turned into a record.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Registry maps record type names to their schemas.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry builds a registry from the given schemas.
func NewRegistry(schemas ...Schema) *Registry {
	r := &Registry{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		r.schemas[s.Type] = s
	}
	return r
}

// DefaultRegistry returns the built-in record types.
func DefaultRegistry() *Registry {
	return NewRegistry(Schema{
		Type: "artworks",
		Fields: map[string]Field{
			"id":          {Kind: KindString, Required: true},
			"title":       {Kind: KindString, Required: true},
			"url":         {Kind: KindString, Recommended: true},
			"artists":     {Kind: KindString, Multiple: true},
			"dateCreated": {Kind: KindString},
			"objectType":  {Kind: KindString},
			"medium":      {Kind: KindString},
			"width":       {Kind: KindNumber},
			"height":      {Kind: KindNumber},
			"images":      {Kind: KindString, Multiple: true, Recommended: true},
		},
	})
}

// Lookup returns the schema for typ.
func (r *Registry) Lookup(typ string) (Schema, bool) {
	s, ok := r.schemas[typ]
	return s, ok
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Normalize validates a raw row against the schema and returns a normalized
// copy plus any non-fatal warnings. Unknown fields are dropped with a warning.
// Values come out in JSON-decoded shapes (string, float64, []any) so that
// rows read from input files and records read back from storage compare equal.
func (s Schema) Normalize(row map[string]any) (map[string]any, []string, error) {
	out := make(map[string]any, len(row))
	var warnings []string

	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		f, ok := s.Fields[k]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unrecognized field %q dropped", k))
			continue
		}
		v, err := normalizeValue(f, row[k])
		if err != nil {
			return nil, nil, &ValidationError{Field: k, Msg: err.Error()}
		}
		if v == nil {
			continue
		}
		out[k] = v
	}

	names := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		f := s.Fields[k]
		if _, ok := out[k]; ok {
			continue
		}
		if f.Required {
			return nil, nil, &ValidationError{Field: k, Msg: "required field is missing"}
		}
		if f.Recommended {
			warnings = append(warnings, fmt.Sprintf("recommended field %q is missing", k))
		}
	}

	return out, warnings, nil
}

func normalizeValue(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if !f.Multiple {
		if _, isList := v.([]any); isList {
			return nil, fmt.Errorf("expected a single value, got a list")
		}
		return normalizeScalar(f.Kind, v)
	}

	var items []any
	switch vv := v.(type) {
	case []any:
		items = vv
	case []string:
		for _, s := range vv {
			items = append(items, s)
		}
	default:
		items = []any{vv}
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		n, err := normalizeScalar(f.Kind, item)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func normalizeScalar(kind FieldKind, v any) (any, error) {
	switch kind {
	case KindNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			s := strings.TrimSpace(n)
			if s == "" {
				return nil, nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", n)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected a number, got %T", v)
		}
	default:
		switch s := v.(type) {
		case string:
			s = strings.TrimSpace(s)
			if s == "" {
				return nil, nil
			}
			return s, nil
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(s), nil
		default:
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
	}
}
