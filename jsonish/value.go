// Package jsonish parses LLM output leniently into a loosely typed value tree.
//
// Parse never interprets the target schema. It produces every plausible
// reading of the text, grouped under AnyOf, and leaves the choice to the
// deserializer.
package jsonish

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// CompletionState tells whether a value was fully read or cut off by the end
// of the input, as happens while an LLM response is still streaming.
type CompletionState int

const (
	Complete CompletionState = iota
	Incomplete
)

// Value is a node of the lenient parse tree.
type Value interface {
	// Type names the kind of value for error messages.
	Type() string
	// Completion reports whether the value was closed before end of input.
	Completion() CompletionState
	// JSON renders the value as JSON text.
	JSON() string
	isValue()
}

type String struct {
	Value string
	State CompletionState
}

// Number keeps the literal text so that ints and floats can be told apart
// at coercion time.
type Number struct {
	Raw   string
	State CompletionState
}

type Boolean struct {
	Value bool
}

type Null struct{}

type Field struct {
	Key   string
	Value Value
}

// Object is an ordered mapping. Keys may repeat when the source repeats them.
type Object struct {
	Fields []Field
	State  CompletionState
}

type Array struct {
	Items []Value
	State CompletionState
}

// Markdown is a value extracted from a fenced code block.
type Markdown struct {
	Tag   string
	Inner Value
	State CompletionState
}

// Fix names a repair applied to produce a FixedJSON value.
type Fix int

const (
	FixGreppedForJSON Fix = iota
	FixInferredArray
	FixUnterminatedString
	FixUnterminatedContainer
	FixUnquotedKey
	FixUnquotedValue
	FixAlternateQuotes
	FixStrippedComment
	FixTrailingComma
	FixMissingComma
	FixStrayToken
)

func (f Fix) String() string {
	switch f {
	case FixGreppedForJSON:
		return "GreppedForJSON"
	case FixInferredArray:
		return "InferredArray"
	case FixUnterminatedString:
		return "UnterminatedString"
	case FixUnterminatedContainer:
		return "UnterminatedContainer"
	case FixUnquotedKey:
		return "UnquotedKey"
	case FixUnquotedValue:
		return "UnquotedValue"
	case FixAlternateQuotes:
		return "AlternateQuotes"
	case FixStrippedComment:
		return "StrippedComment"
	case FixTrailingComma:
		return "TrailingComma"
	case FixMissingComma:
		return "MissingComma"
	case FixStrayToken:
		return "StrayToken"
	default:
		return "Fix(" + strconv.Itoa(int(f)) + ")"
	}
}

// FixedJSON is a value recovered from malformed JSON.
type FixedJSON struct {
	Inner Value
	Fixes []Fix
}

// AnyOf holds alternative readings of Original. It never directly contains
// another AnyOf.
type AnyOf struct {
	Candidates []Value
	Original   string
}

func (*String) isValue()    {}
func (*Number) isValue()    {}
func (*Boolean) isValue()   {}
func (*Null) isValue()      {}
func (*Object) isValue()    {}
func (*Array) isValue()     {}
func (*Markdown) isValue()  {}
func (*FixedJSON) isValue() {}
func (*AnyOf) isValue()     {}

func (*String) Type() string    { return "string" }
func (*Number) Type() string    { return "number" }
func (*Boolean) Type() string   { return "boolean" }
func (*Null) Type() string      { return "null" }
func (*Object) Type() string    { return "object" }
func (*Array) Type() string     { return "array" }
func (*Markdown) Type() string  { return "markdown" }
func (*FixedJSON) Type() string { return "fixed json" }
func (*AnyOf) Type() string     { return "any of" }

func (v *String) Completion() CompletionState   { return v.State }
func (v *Number) Completion() CompletionState   { return v.State }
func (*Boolean) Completion() CompletionState    { return Complete }
func (*Null) Completion() CompletionState       { return Complete }
func (v *Object) Completion() CompletionState   { return v.State }
func (v *Array) Completion() CompletionState    { return v.State }
func (v *Markdown) Completion() CompletionState { return v.State }

func (v *FixedJSON) Completion() CompletionState {
	return v.Inner.Completion()
}

func (v *AnyOf) Completion() CompletionState {
	for _, c := range v.Candidates {
		if c.Completion() == Incomplete {
			return Incomplete
		}
	}
	return Complete
}

func (v *String) JSON() string {
	out, _ := json.Marshal(v.Value)
	return string(out)
}

func (v *Number) JSON() string { return v.Raw }

func (v *Boolean) JSON() string { return strconv.FormatBool(v.Value) }

func (*Null) JSON() string { return "null" }

func (v *Object) JSON() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range v.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		key, _ := json.Marshal(f.Key)
		sb.Write(key)
		sb.WriteString(": ")
		sb.WriteString(f.Value.JSON())
	}
	sb.WriteByte('}')
	return sb.String()
}

func (v *Array) JSON() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, item := range v.Items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(item.JSON())
	}
	sb.WriteByte(']')
	return sb.String()
}

func (v *Markdown) JSON() string  { return v.Inner.JSON() }
func (v *FixedJSON) JSON() string { return v.Inner.JSON() }
func (v *AnyOf) JSON() string     { return v.Original }

// Get returns the last value stored under key.
func (v *Object) Get(key string) (Value, bool) {
	for i := len(v.Fields) - 1; i >= 0; i-- {
		if v.Fields[i].Key == key {
			return v.Fields[i].Value, true
		}
	}
	return nil, false
}

// Text returns the plain-text form of a value: strings unquoted, everything
// else as JSON.
func Text(v Value) string {
	switch v := v.(type) {
	case *String:
		return v.Value
	case *AnyOf:
		return v.Original
	default:
		return v.JSON()
	}
}
