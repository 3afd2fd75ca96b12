package bamlutils

import (
	"fmt"
	"slices"
)

// maxTypeDepth bounds nesting of composite type references.
const maxTypeDepth = 64

// Structural type keywords understood by DynamicTypeRef. Any other Type value
// is a type expression.
const (
	TypeKeywordList          = "list"
	TypeKeywordOptional      = "optional"
	TypeKeywordMap           = "map"
	TypeKeywordUnion         = "union"
	TypeKeywordLiteralString = "literal_string"
	TypeKeywordLiteralInt    = "literal_int"
	TypeKeywordLiteralBool   = "literal_bool"
)

// Validate checks the structural well-formedness of the definitions.
// References to unknown classes or enums are not reported here; they are
// resolved against a schema registry later.
func (d *DynamicTypes) Validate() error {
	if d == nil {
		return nil
	}

	for _, name := range sortedKeys(d.Enums) {
		enum := d.Enums[name]
		if enum == nil {
			return fmt.Errorf("enum %q: definition is nil", name)
		}
		seen := make(map[string]struct{}, len(enum.Values))
		for i, value := range enum.Values {
			if value == nil {
				return fmt.Errorf("enum %q: value at index %d is nil", name, i)
			}
			if value.Name == "" {
				return fmt.Errorf("enum %q: value at index %d has empty name", name, i)
			}
			if _, dup := seen[value.Name]; dup {
				return fmt.Errorf("enum %q: duplicate value %q", name, value.Name)
			}
			seen[value.Name] = struct{}{}
		}
	}

	for _, name := range sortedKeys(d.Classes) {
		class := d.Classes[name]
		if class == nil {
			return fmt.Errorf("class %q: definition is nil", name)
		}
		seen := make(map[string]struct{}, len(class.Properties))
		for _, entry := range class.Properties {
			if entry.Property == nil {
				return fmt.Errorf("class %q: property %q is nil", name, entry.Name)
			}
			if _, dup := seen[entry.Name]; dup {
				return fmt.Errorf("class %q: duplicate property %q", name, entry.Name)
			}
			seen[entry.Name] = struct{}{}
			if err := validateTypeRef(entry.Property.TypeRef(), 0); err != nil {
				return fmt.Errorf("class %q: property %q: %w", name, entry.Name, err)
			}
		}
	}

	return nil
}

func validateTypeRef(ref *DynamicTypeRef, depth int) error {
	if depth > maxTypeDepth {
		return fmt.Errorf("type exceeds maximum depth of %d", maxTypeDepth)
	}
	if ref == nil {
		return fmt.Errorf("nil type reference")
	}

	if ref.Type != "" && ref.Ref != "" {
		return fmt.Errorf("cannot have both 'type' and '$ref'")
	}
	if ref.Ref != "" {
		return nil
	}

	switch ref.Type {
	case "":
		return fmt.Errorf("must have 'type' or '$ref'")

	case TypeKeywordList:
		if ref.Items == nil {
			return fmt.Errorf("'list' type requires 'items'")
		}
		return validateTypeRef(ref.Items, depth+1)

	case TypeKeywordOptional:
		if ref.Inner == nil {
			return fmt.Errorf("'optional' type requires 'inner'")
		}
		return validateTypeRef(ref.Inner, depth+1)

	case TypeKeywordMap:
		if ref.Keys == nil || ref.Values == nil {
			return fmt.Errorf("'map' type requires 'keys' and 'values'")
		}
		if err := validateTypeRef(ref.Keys, depth+1); err != nil {
			return fmt.Errorf("map keys: %w", err)
		}
		if err := validateTypeRef(ref.Values, depth+1); err != nil {
			return fmt.Errorf("map values: %w", err)
		}
		return nil

	case TypeKeywordUnion:
		if len(ref.OneOf) == 0 {
			return fmt.Errorf("'union' type requires 'oneOf' with at least one type")
		}
		for i, item := range ref.OneOf {
			if item == nil {
				return fmt.Errorf("'oneOf[%d]' is nil", i)
			}
			if err := validateTypeRef(item, depth+1); err != nil {
				return fmt.Errorf("union oneOf[%d]: %w", i, err)
			}
		}
		return nil

	case TypeKeywordLiteralString:
		if ref.Value == nil {
			return fmt.Errorf("'literal_string' type requires 'value'")
		}
		if _, ok := ref.Value.(string); !ok {
			return fmt.Errorf("'literal_string' value must be a string")
		}
		return nil

	case TypeKeywordLiteralInt:
		if ref.Value == nil {
			return fmt.Errorf("'literal_int' type requires 'value'")
		}
		switch v := ref.Value.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("'literal_int' value must be an integer")
			}
		default:
			return fmt.Errorf("'literal_int' value must be an integer")
		}
		return nil

	case TypeKeywordLiteralBool:
		if ref.Value == nil {
			return fmt.Errorf("'literal_bool' type requires 'value'")
		}
		if _, ok := ref.Value.(bool); !ok {
			return fmt.Errorf("'literal_bool' value must be a boolean")
		}
		return nil

	default:
		if _, err := ParseTypeExpr(ref.Type); err != nil {
			return fmt.Errorf("invalid type %q: %w", ref.Type, err)
		}
		return nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
