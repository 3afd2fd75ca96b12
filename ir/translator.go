package ir

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/invakid404/baml-runtime/bamlutils"
)

// ErrUnresolvedRef is returned when a type name cannot be resolved to a known
// class or enum.
var ErrUnresolvedRef = errors.New("unresolved reference")

// ParseType parses a type expression such as "Person[]" or
// "map<string, int> | null", resolving names against r.
func (r *Registry) ParseType(expr string) (FieldType, error) {
	parsed, err := bamlutils.ParseTypeExpr(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid type %q: %w", expr, err)
	}
	return r.fromTypeExpr(parsed)
}

func (r *Registry) fromTypeExpr(expr *bamlutils.TypeExpr) (FieldType, error) {
	options := make([]FieldType, 0, len(expr.Options))
	for _, option := range expr.Options {
		typ, err := r.fromPostfix(option)
		if err != nil {
			return nil, err
		}
		options = append(options, typ)
	}
	return UnionOf(options...), nil
}

func (r *Registry) fromPostfix(expr *bamlutils.PostfixExpr) (FieldType, error) {
	typ, err := r.fromAtom(expr.Atom)
	if err != nil {
		return nil, err
	}
	for _, modifier := range expr.Modifiers {
		if bamlutils.IsListModifier(modifier) {
			typ = ListOf(typ)
		} else {
			typ = OptionalOf(typ)
		}
	}
	return typ, nil
}

func (r *Registry) fromAtom(atom *bamlutils.AtomExpr) (FieldType, error) {
	switch {
	case atom.Map != nil:
		key, err := r.fromTypeExpr(atom.Map.Key)
		if err != nil {
			return nil, fmt.Errorf("map key: %w", err)
		}
		value, err := r.fromTypeExpr(atom.Map.Value)
		if err != nil {
			return nil, fmt.Errorf("map value: %w", err)
		}
		return MapOf(key, value), nil

	case atom.Group != nil:
		items := make([]FieldType, 0, len(atom.Group.Items))
		for _, item := range atom.Group.Items {
			typ, err := r.fromTypeExpr(item)
			if err != nil {
				return nil, err
			}
			items = append(items, typ)
		}
		if len(items) == 1 {
			return items[0], nil
		}
		return TupleOf(items...), nil

	case atom.String != nil:
		return LiteralString(*atom.String), nil

	case atom.Int != nil:
		return LiteralInt(*atom.Int), nil

	case atom.Bool != nil:
		return LiteralBool(*atom.Bool == "true"), nil

	default:
		return r.resolveName(atom.Ident)
	}
}

func (r *Registry) resolveName(name string) (FieldType, error) {
	switch name {
	case "string":
		return String, nil
	case "int":
		return Int, nil
	case "float":
		return Float, nil
	case "bool":
		return Bool, nil
	case "null":
		return Null, nil
	}
	if _, err := r.FindEnum(name); err == nil {
		return EnumRef(name), nil
	}
	if _, err := r.FindClass(name); err == nil {
		return ClassRef(name), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnresolvedRef, name)
}

// Translator applies bamlutils.DynamicTypes definitions to a registry. New
// classes and enums are added; existing ones are extended with the given
// properties and values.
type Translator struct {
	reg *Registry
}

// NewTranslator creates a Translator that writes into reg.
func NewTranslator(reg *Registry) *Translator {
	return &Translator{reg: reg}
}

// Apply processes DynamicTypes in three phases:
// 1. Create or extend all enums (no dependencies)
// 2. Create all class shells (for forward references)
// 3. Add properties to classes (all refs now resolvable)
func (t *Translator) Apply(dt *bamlutils.DynamicTypes) error {
	if dt == nil {
		return nil
	}
	if err := dt.Validate(); err != nil {
		return err
	}

	for _, name := range slices.Sorted(maps.Keys(dt.Enums)) {
		if err := t.applyEnum(name, dt.Enums[name]); err != nil {
			return fmt.Errorf("enum %q: %w", name, err)
		}
	}

	shells := make(map[string]*ClassDef, len(dt.Classes))
	classNames := slices.Sorted(maps.Keys(dt.Classes))
	for _, name := range classNames {
		def, err := t.createClassShell(name, dt.Classes[name])
		if err != nil {
			return fmt.Errorf("class %q: %w", name, err)
		}
		shells[name] = def
	}

	for _, name := range classNames {
		if err := t.addClassProperties(shells[name], dt.Classes[name]); err != nil {
			return fmt.Errorf("class %q properties: %w", name, err)
		}
	}

	return nil
}

func (t *Translator) applyEnum(name string, enum *bamlutils.DynamicEnum) error {
	def := &EnumDef{Name: name}
	if existing, err := t.reg.FindEnum(name); err == nil {
		clone := *existing
		clone.Values = slices.Clone(existing.Values)
		def = &clone
	} else if _, err := t.reg.FindClass(name); err == nil {
		return fmt.Errorf("name is already used by a class")
	}

	if enum.Description != "" {
		def.Description = enum.Description
	}
	if enum.Alias != "" {
		def.Alias = enum.Alias
	}

	for _, v := range enum.Values {
		value := EnumValue{Name: v.Name, Alias: v.Alias, Description: v.Description, Skip: v.Skip}
		idx := slices.IndexFunc(def.Values, func(existing EnumValue) bool { return existing.Name == v.Name })
		if idx >= 0 {
			def.Values[idx] = value
			continue
		}
		def.Values = append(def.Values, value)
	}

	t.reg.setEnum(def)
	return nil
}

func (t *Translator) createClassShell(name string, class *bamlutils.DynamicClass) (*ClassDef, error) {
	def := &ClassDef{Name: name}
	if existing, err := t.reg.FindClass(name); err == nil {
		clone := *existing
		clone.Fields = slices.Clone(existing.Fields)
		def = &clone
	} else if _, err := t.reg.FindEnum(name); err == nil {
		return nil, fmt.Errorf("name is already used by an enum")
	}

	if class.Description != "" {
		def.Description = class.Description
	}
	if class.Alias != "" {
		def.Alias = class.Alias
	}

	t.reg.setClass(def)
	return def, nil
}

func (t *Translator) addClassProperties(def *ClassDef, class *bamlutils.DynamicClass) error {
	for _, entry := range class.Properties {
		typ, err := t.ResolveTypeRef(entry.Property.TypeRef())
		if err != nil {
			return fmt.Errorf("property %q type: %w", entry.Name, err)
		}

		field := ClassField{
			Name:        entry.Name,
			Alias:       entry.Property.Alias,
			Description: entry.Property.Description,
			Type:        typ,
		}
		idx := slices.IndexFunc(def.Fields, func(f ClassField) bool { return f.Name == entry.Name })
		if idx >= 0 {
			def.Fields[idx] = field
			continue
		}
		def.Fields = append(def.Fields, field)
	}
	return nil
}

// ResolveTypeRef converts a structural type reference into a FieldType.
func (t *Translator) ResolveTypeRef(ref *bamlutils.DynamicTypeRef) (FieldType, error) {
	if ref == nil {
		return nil, fmt.Errorf("nil type reference")
	}

	if ref.Ref != "" {
		return t.reg.resolveName(ref.Ref)
	}

	switch ref.Type {
	case bamlutils.TypeKeywordLiteralString:
		str, ok := ref.Value.(string)
		if !ok {
			return nil, fmt.Errorf("literal_string value must be a string, got %T", ref.Value)
		}
		return LiteralString(str), nil

	case bamlutils.TypeKeywordLiteralInt:
		// JSON numbers are float64
		switch v := ref.Value.(type) {
		case float64:
			return LiteralInt(int64(v)), nil
		case int64:
			return LiteralInt(v), nil
		case int:
			return LiteralInt(int64(v)), nil
		default:
			return nil, fmt.Errorf("literal_int value must be a number, got %T", ref.Value)
		}

	case bamlutils.TypeKeywordLiteralBool:
		b, ok := ref.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("literal_bool value must be a boolean, got %T", ref.Value)
		}
		return LiteralBool(b), nil

	case bamlutils.TypeKeywordList:
		if ref.Items == nil {
			return nil, fmt.Errorf("list type requires 'items' field")
		}
		inner, err := t.ResolveTypeRef(ref.Items)
		if err != nil {
			return nil, fmt.Errorf("list items: %w", err)
		}
		return ListOf(inner), nil

	case bamlutils.TypeKeywordOptional:
		if ref.Inner == nil {
			return nil, fmt.Errorf("optional type requires 'inner' field")
		}
		inner, err := t.ResolveTypeRef(ref.Inner)
		if err != nil {
			return nil, fmt.Errorf("optional inner: %w", err)
		}
		return OptionalOf(inner), nil

	case bamlutils.TypeKeywordMap:
		if ref.Keys == nil || ref.Values == nil {
			return nil, fmt.Errorf("map type requires 'keys' and 'values' fields")
		}
		keys, err := t.ResolveTypeRef(ref.Keys)
		if err != nil {
			return nil, fmt.Errorf("map keys: %w", err)
		}
		values, err := t.ResolveTypeRef(ref.Values)
		if err != nil {
			return nil, fmt.Errorf("map values: %w", err)
		}
		return MapOf(keys, values), nil

	case bamlutils.TypeKeywordUnion:
		if len(ref.OneOf) == 0 {
			return nil, fmt.Errorf("union type requires 'oneOf' field with at least one type")
		}
		types := make([]FieldType, 0, len(ref.OneOf))
		for i, item := range ref.OneOf {
			typ, err := t.ResolveTypeRef(item)
			if err != nil {
				return nil, fmt.Errorf("union oneOf[%d]: %w", i, err)
			}
			types = append(types, typ)
		}
		return UnionOf(types...), nil

	case "":
		return nil, fmt.Errorf("type field is required")

	default:
		return t.reg.ParseType(ref.Type)
	}
}
