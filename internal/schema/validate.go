package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Mode controls how unknown argument fields are treated.
type Mode int

const (
	// Strict rejects fields the schema does not declare. Default.
	Strict Mode = iota
	// Lenient silently drops undeclared fields.
	Lenient
)

// ViolationError reports the first field that failed validation,
// identified by its dotted path from the argument root.
type ViolationError struct {
	FieldPath string
	Reason    string
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	return fmt.Sprintf("schema violation at %s: %s", e.FieldPath, e.Reason)
}

// violation builds a ViolationError for a path.
func violation(path []string, format string, args ...any) *ViolationError {
	p := "$"
	if len(path) > 0 {
		p = "$." + strings.Join(path, ".")
	}
	return &ViolationError{FieldPath: p, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks args against the schema and returns a normalized copy:
// declared defaults are filled in and, in Lenient mode, undeclared
// fields are dropped. The walk is depth-first in lexical field order,
// and the first violation wins. The input map is never mutated.
func Validate(s *Schema, args map[string]any, mode Mode) (map[string]any, error) {
	if s == nil {
		s = &Schema{Type: TypeObject}
	}
	if s.Type != TypeObject {
		return nil, violation(nil, "top-level schema must be an object, got %s", s.Type)
	}
	if args == nil {
		args = map[string]any{}
	}
	out, err := validateObject(s, args, mode, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validateObject(s *Schema, obj map[string]any, mode Mode, path []string) (map[string]any, error) {
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}

	out := make(map[string]any, len(obj))
	for _, name := range sortedKeys(s.Properties) {
		field := s.Properties[name]
		fieldPath := extend(path, name)

		value, present := obj[name]
		if !present {
			if required[name] {
				return nil, violation(fieldPath, "required field missing")
			}
			if field.Default != nil {
				out[name] = field.Default
			}
			continue
		}

		normalized, err := validateValue(field, value, mode, fieldPath)
		if err != nil {
			return nil, err
		}
		out[name] = normalized
	}

	// Undeclared fields: reject in Strict, drop in Lenient. Walk them
	// in lexical order so the reported field is deterministic.
	if mode == Strict {
		extra := make([]string, 0)
		for name := range obj {
			if _, declared := s.Properties[name]; !declared {
				extra = append(extra, name)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return nil, violation(extend(path, extra[0]), "field not declared in schema")
		}
	}

	return out, nil
}

func validateValue(s *Schema, value any, mode Mode, path []string) (any, error) {
	switch s.Type {
	case TypeString:
		str, ok := value.(string)
		if !ok {
			return nil, violation(path, "expected string, got %s", typeName(value))
		}
		if err := checkEnum(s, str, path); err != nil {
			return nil, err
		}
		return str, nil

	case TypeNumber:
		num, ok := asFloat(value)
		if !ok {
			return nil, violation(path, "expected number, got %s", typeName(value))
		}
		if err := checkEnum(s, num, path); err != nil {
			return nil, err
		}
		return num, nil

	case TypeInteger:
		num, ok := asFloat(value)
		if !ok || num != math.Trunc(num) {
			return nil, violation(path, "expected integer, got %s", typeName(value))
		}
		if err := checkEnum(s, num, path); err != nil {
			return nil, err
		}
		return num, nil

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, violation(path, "expected boolean, got %s", typeName(value))
		}
		return b, nil

	case TypeArray:
		list, ok := value.([]any)
		if !ok {
			return nil, violation(path, "expected array, got %s", typeName(value))
		}
		out := make([]any, len(list))
		for i, item := range list {
			itemPath := extend(path, fmt.Sprintf("%d", i))
			if s.Items == nil {
				out[i] = item
				continue
			}
			normalized, err := validateValue(s.Items, item, mode, itemPath)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil

	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, violation(path, "expected object, got %s", typeName(value))
		}
		return validateObject(s, obj, mode, path)

	default:
		return nil, violation(path, "unsupported schema type %q", s.Type)
	}
}

// checkEnum verifies enum membership. Numeric enum values are compared
// after float64 normalization since JSON decoding erases int/float
// distinctions.
func checkEnum(s *Schema, value any, path []string) error {
	if len(s.Enum) == 0 {
		return nil
	}
	for _, allowed := range s.Enum {
		if af, ok := asFloat(allowed); ok {
			if vf, ok := asFloat(value); ok && af == vf {
				return nil
			}
			continue
		}
		if reflect.DeepEqual(allowed, value) {
			return nil
		}
	}
	return violation(path, "value %v not in enum %v", value, s.Enum)
}

// asFloat normalizes the numeric types JSON decoding and Go literals
// produce into float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// extend copies the path before appending so sibling walks never share
// backing arrays.
func extend(path []string, elem string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, elem)
}

// typeName names a decoded JSON value for violation messages.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
