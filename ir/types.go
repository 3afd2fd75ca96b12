// Package ir holds the resolved schema of a project: field types, class and
// enum definitions, functions, clients and retry policies.
package ir

import (
	"strconv"
	"strings"
)

// FieldType is a recursive schema type. Classes and enums are referenced by
// name and resolved against a Registry.
type FieldType interface {
	// String renders the type in schema syntax, e.g. "map<string, Person[]>".
	String() string
	isFieldType()
}

type PrimitiveKind int

const (
	TypeString PrimitiveKind = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeNull
)

func (k PrimitiveKind) String() string {
	switch k {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeNull:
		return "null"
	default:
		return "PrimitiveKind(" + strconv.Itoa(int(k)) + ")"
	}
}

type Primitive struct {
	Kind PrimitiveKind
}

type Enum struct {
	Name string
}

type Class struct {
	Name string
}

type List struct {
	Elem FieldType
}

type Map struct {
	Key   FieldType
	Value FieldType
}

type Union struct {
	Options []FieldType
}

type Optional struct {
	Inner FieldType
}

type Tuple struct {
	Items []FieldType
}

type Literal struct {
	Value LiteralValue
}

type LiteralKind int

const (
	LiteralKindString LiteralKind = iota
	LiteralKindInt
	LiteralKindBool
)

// LiteralValue is the constant carried by a Literal type.
type LiteralValue struct {
	Kind LiteralKind
	Str  string
	Int  int64
	Bool bool
}

// String renders the literal in schema syntax (strings are quoted).
func (v LiteralValue) String() string {
	switch v.Kind {
	case LiteralKindInt:
		return strconv.FormatInt(v.Int, 10)
	case LiteralKindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return strconv.Quote(v.Str)
	}
}

// Any returns the literal as a plain Go value.
func (v LiteralValue) Any() any {
	switch v.Kind {
	case LiteralKindInt:
		return v.Int
	case LiteralKindBool:
		return v.Bool
	default:
		return v.Str
	}
}

var (
	String = Primitive{Kind: TypeString}
	Int    = Primitive{Kind: TypeInt}
	Float  = Primitive{Kind: TypeFloat}
	Bool   = Primitive{Kind: TypeBool}
	Null   = Primitive{Kind: TypeNull}
)

func ListOf(elem FieldType) FieldType { return List{Elem: elem} }

func OptionalOf(inner FieldType) FieldType { return Optional{Inner: inner} }

func MapOf(key, value FieldType) FieldType { return Map{Key: key, Value: value} }

func TupleOf(items ...FieldType) FieldType { return Tuple{Items: items} }

func ClassRef(name string) FieldType { return Class{Name: name} }

func EnumRef(name string) FieldType { return Enum{Name: name} }

func LiteralString(s string) FieldType {
	return Literal{Value: LiteralValue{Kind: LiteralKindString, Str: s}}
}

func LiteralInt(i int64) FieldType {
	return Literal{Value: LiteralValue{Kind: LiteralKindInt, Int: i}}
}

func LiteralBool(b bool) FieldType {
	return Literal{Value: LiteralValue{Kind: LiteralKindBool, Bool: b}}
}

// UnionOf builds a union, flattening nested unions. A single option is
// returned as-is.
func UnionOf(options ...FieldType) FieldType {
	flat := make([]FieldType, 0, len(options))
	for _, option := range options {
		if u, ok := option.(Union); ok {
			flat = append(flat, u.Options...)
			continue
		}
		flat = append(flat, option)
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return Union{Options: flat}
}

func (Primitive) isFieldType() {}
func (Enum) isFieldType()      {}
func (Class) isFieldType()     {}
func (List) isFieldType()      {}
func (Map) isFieldType()       {}
func (Union) isFieldType()     {}
func (Optional) isFieldType()  {}
func (Tuple) isFieldType()     {}
func (Literal) isFieldType()   {}

func (t Primitive) String() string { return t.Kind.String() }
func (t Enum) String() string      { return t.Name }
func (t Class) String() string     { return t.Name }
func (t Literal) String() string   { return t.Value.String() }

func (t List) String() string {
	return wrapComposite(t.Elem) + "[]"
}

func (t Optional) String() string {
	return wrapComposite(t.Inner) + "?"
}

func (t Map) String() string {
	return "map<" + t.Key.String() + ", " + t.Value.String() + ">"
}

func (t Union) String() string {
	parts := make([]string, len(t.Options))
	for i, option := range t.Options {
		parts[i] = option.String()
	}
	return strings.Join(parts, " | ")
}

func (t Tuple) String() string {
	parts := make([]string, len(t.Items))
	for i, item := range t.Items {
		parts[i] = item.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func wrapComposite(t FieldType) string {
	if _, ok := t.(Union); ok {
		return "(" + t.String() + ")"
	}
	return t.String()
}

// IsOptional reports whether null is an acceptable value of t.
func IsOptional(t FieldType) bool {
	switch t := t.(type) {
	case Optional:
		return true
	case Primitive:
		return t.Kind == TypeNull
	case Union:
		for _, option := range t.Options {
			if IsOptional(option) {
				return true
			}
		}
	}
	return false
}

// Equal reports whether two types are structurally identical.
func Equal(a, b FieldType) bool {
	return a.String() == b.String()
}

// Walk calls fn for t and every type nested inside it, depth first. Named
// references are not followed.
func Walk(t FieldType, fn func(FieldType)) {
	fn(t)
	switch t := t.(type) {
	case List:
		Walk(t.Elem, fn)
	case Optional:
		Walk(t.Inner, fn)
	case Map:
		Walk(t.Key, fn)
		Walk(t.Value, fn)
	case Union:
		for _, option := range t.Options {
			Walk(option, fn)
		}
	case Tuple:
		for _, item := range t.Items {
			Walk(item, fn)
		}
	}
}
