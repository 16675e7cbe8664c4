package api

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
)

// ParamType names the accepted shape of a parameter value.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeNumber ParamType = "number"
	TypeBool   ParamType = "bool"
	TypeObject ParamType = "object"
	TypeArray  ParamType = "array"
	TypeAny    ParamType = "any"
)

func (t ParamType) known() bool {
	switch t {
	case TypeString, TypeInt, TypeNumber, TypeBool, TypeObject, TypeArray, TypeAny:
		return true
	}
	return false
}

// Parameter declares one named input of an API.
type Parameter struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
	// Default is filled in when an optional parameter is omitted.
	Default any `json:"default,omitempty"`
}

// Schema is the ordered parameter list of an API.
type Schema []Parameter

// Validate checks the schema itself: names are non-empty and unique and
// every type is known.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for i, p := range s {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("%w: parameter %d has no name", errspkg.ErrInvalidSchema, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate parameter %q", errspkg.ErrInvalidSchema, name)
		}
		seen[name] = struct{}{}
		if p.Type == "" {
			continue
		}
		if !p.Type.known() {
			return fmt.Errorf("%w: parameter %q has unknown type %q", errspkg.ErrInvalidSchema, name, p.Type)
		}
		if p.Default != nil && !matches(p.Type, p.Default) {
			return fmt.Errorf("%w: default of %q is not a %s", errspkg.ErrInvalidSchema, name, p.Type)
		}
	}
	return nil
}

// Apply validates params against the schema and returns a copy with defaults
// filled in. Parameters the schema does not declare are passed through.
func (s Schema) Apply(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params)+len(s))
	for k, v := range params {
		out[k] = v
	}

	for _, p := range s {
		v, ok := out[p.Name]
		if !ok || v == nil {
			switch {
			case p.Default != nil:
				out[p.Name] = p.Default
			case p.Required:
				return nil, &errspkg.ParameterValidationError{Parameter: p.Name, Reason: "required parameter is missing"}
			}
			continue
		}
		if !matches(p.Type, v) {
			return nil, &errspkg.ParameterValidationError{
				Parameter: p.Name,
				Reason:    fmt.Sprintf("expected %s, got %T", typeOrAny(p.Type), v),
			}
		}
	}
	return out, nil
}

func typeOrAny(t ParamType) ParamType {
	if t == "" {
		return TypeAny
	}
	return t
}

func matches(t ParamType, v any) bool {
	rv := reflect.ValueOf(v)
	switch typeOrAny(t) {
	case TypeAny:
		return true
	case TypeString:
		return rv.Kind() == reflect.String
	case TypeBool:
		return rv.Kind() == reflect.Bool
	case TypeInt:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return true
		case reflect.Float32, reflect.Float64:
			// JSON decoding yields float64 for every number.
			f := rv.Float()
			return f == math.Trunc(f) && !math.IsInf(f, 0)
		}
		return false
	case TypeNumber:
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		return false
	case TypeObject:
		k := rv.Kind()
		if k == reflect.Pointer {
			k = rv.Type().Elem().Kind()
		}
		return k == reflect.Map || k == reflect.Struct
	case TypeArray:
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	}
	return false
}
