// Package schema models the structural input schemas that tools declare
// and validates call arguments against them. The shape is the JSON
// Schema subset that tool catalogues actually use: typed fields with
// required lists, enums, defaults, and nested objects and arrays.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Type is a declared field type.
type Type string

// Field types understood by the validator.
const (
	TypeObject  Type = "object"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
)

// Schema is a structural type description for a tool's input. The zero
// value is not valid; build one with FromWire or literals in tests.
type Schema struct {
	Type        Type               `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Default     any                `json:"default,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

// FromWire converts the wire-form inputSchema map a provider declares
// into a Schema. Unknown schema keywords are ignored; a missing type
// on the top level defaults to object, matching what most providers
// emit.
func FromWire(raw map[string]any) (*Schema, error) {
	if raw == nil {
		return &Schema{Type: TypeObject}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	if s.Type == "" {
		s.Type = TypeObject
	}
	if err := check(&s, "$"); err != nil {
		return nil, err
	}
	return &s, nil
}

// check verifies that every declared type is one the validator knows.
func check(s *Schema, path string) error {
	switch s.Type {
	case TypeObject, TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray:
	default:
		return fmt.Errorf("unsupported schema type %q at %s", s.Type, path)
	}
	for _, name := range sortedKeys(s.Properties) {
		if err := check(s.Properties[name], path+"."+name); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := check(s.Items, path+"[]"); err != nil {
			return err
		}
	}
	return nil
}

// Canonical returns a deterministic encoding of the schema, used for
// idempotent re-registration checks. encoding/json already sorts map
// keys, so equal schemas produce equal bytes.
func (s *Schema) Canonical() string {
	data, err := json.Marshal(s)
	if err != nil {
		// Schemas are built from JSON; marshalling them cannot fail
		// with values that survived FromWire.
		return fmt.Sprintf("!%v", err)
	}
	return string(data)
}

// Equal reports whether two schemas describe the same shape.
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Canonical() == other.Canonical()
}

// sortedKeys returns map keys in lexical order for deterministic walks.
func sortedKeys(m map[string]*Schema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
