package deserializer

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/invakid404/baml-runtime/ir"
)

// ValueKind is the shape of a coerced value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindEnum
	KindClass
	KindList
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindEnum:
		return "enum"
	case KindClass:
		return "class"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "ValueKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// FieldValue is one entry of a class or map value.
type FieldValue struct {
	Key   string
	Value *BamlValue
}

// BamlValue is a typed value produced by coercion, annotated with the flags
// recorded while producing it.
type BamlValue struct {
	Kind ValueKind

	Str   string
	Int   int64
	Float float64
	Bool  bool
	// Name is the enum or class name.
	Name string
	// Fields holds class fields in declaration order or map entries in
	// source order.
	Fields []FieldValue
	Items  []*BamlValue

	Conditions Conditions
	// Target is the type the value was coerced to.
	Target ir.FieldType
}

func newNull(target ir.FieldType) *BamlValue {
	return &BamlValue{Kind: KindNull, Target: target}
}

func (v *BamlValue) withFlag(f Flag) *BamlValue {
	v.Conditions.Add(f)
	return v
}

// Score is the penalty of the value: its own flags plus ten times the score
// of every nested value.
func (v *BamlValue) Score() int {
	score := v.Conditions.Score()
	children := 0
	for _, f := range v.Fields {
		children += f.Value.Score()
	}
	for _, item := range v.Items {
		children += item.Score()
	}
	return score + 10*children
}

// IsDefaultLike reports whether the value was substituted rather than read
// from the input.
func (v *BamlValue) IsDefaultLike() bool {
	if v.Conditions.Has(DefaultFromNoValue) || v.Conditions.Has(OptionalDefaultFromNoValue) {
		return true
	}
	if v.Kind == KindList && len(v.Items) == 0 && v.Conditions.Has(SingleToArray) {
		return true
	}
	if v.Kind == KindClass && len(v.Fields) > 0 {
		for _, f := range v.Fields {
			if !f.Value.IsDefaultLike() {
				return false
			}
		}
		return true
	}
	return false
}

// Get returns the field stored under key.
func (v *BamlValue) Get(key string) (*BamlValue, bool) {
	for _, f := range v.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// AllFlags returns the flags of the value and every nested value, depth
// first, keyed by dotted path.
func (v *BamlValue) AllFlags() map[string][]Flag {
	out := make(map[string][]Flag)
	v.collectFlags("", out)
	return out
}

func (v *BamlValue) collectFlags(path string, out map[string][]Flag) {
	if len(v.Conditions.Flags) > 0 {
		out[path] = append(out[path], v.Conditions.Flags...)
	}
	join := func(key string) string {
		if path == "" {
			return key
		}
		return path + "." + key
	}
	for _, f := range v.Fields {
		f.Value.collectFlags(join(f.Key), out)
	}
	for i, item := range v.Items {
		item.collectFlags(join(strconv.Itoa(i)), out)
	}
}

// Any converts the value into plain Go values.
func (v *BamlValue) Any() any {
	switch v.Kind {
	case KindString, KindEnum:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindClass, KindMap:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Key] = f.Value.Any()
		}
		return out
	case KindList:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON encodes the value keeping class field and map entry order.
func (v *BamlValue) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *BamlValue) encode(buf *bytes.Buffer) error {
	switch v.Kind {
	case KindClass, KindMap:
		buf.WriteByte('{')
		for i, f := range v.Fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(f.Key)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case KindFloat:
		buf.WriteString(strconv.FormatFloat(v.Float, 'f', -1, 64))
		return nil
	default:
		out, err := json.Marshal(v.Any())
		if err != nil {
			return err
		}
		buf.Write(out)
		return nil
	}
}
