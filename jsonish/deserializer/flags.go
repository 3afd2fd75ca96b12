package deserializer

import (
	"fmt"
	"strings"

	"github.com/invakid404/baml-runtime/jsonish"
)

// FlagKind identifies a heuristic applied while coercing a value.
type FlagKind int

const (
	OptionalDefaultFromNoValue FlagKind = iota
	DefaultFromNoValue
	DefaultButHadValue
	DefaultButHadUnparseableValue
	ObjectFromMarkdown
	ObjectFromFixedJSON
	ObjectToString
	ObjectToPrimitive
	ObjectToMap
	ExtraKey
	StrippedNonAlphaNumeric
	SubstringMatch
	SingleToArray
	ArrayItemParseError
	MapKeyParseError
	MapValueParseError
	JSONToString
	ImpliedKey
	InferedObject
	FirstMatch
	UnionMatch
	EnumOneFromMany
	StrMatchOneFromMany
	StringToBool
	StringToNull
	StringToFloat
	FloatToInt
	NoFields
	Pending
)

var flagNames = map[FlagKind]string{
	OptionalDefaultFromNoValue:    "OptionalDefaultFromNoValue",
	DefaultFromNoValue:            "DefaultFromNoValue",
	DefaultButHadValue:            "DefaultButHadValue",
	DefaultButHadUnparseableValue: "DefaultButHadUnparseableValue",
	ObjectFromMarkdown:            "ObjectFromMarkdown",
	ObjectFromFixedJSON:           "ObjectFromFixedJSON",
	ObjectToString:                "ObjectToString",
	ObjectToPrimitive:             "ObjectToPrimitive",
	ObjectToMap:                   "ObjectToMap",
	ExtraKey:                      "ExtraKey",
	StrippedNonAlphaNumeric:       "StrippedNonAlphaNumeric",
	SubstringMatch:                "SubstringMatch",
	SingleToArray:                 "SingleToArray",
	ArrayItemParseError:           "ArrayItemParseError",
	MapKeyParseError:              "MapKeyParseError",
	MapValueParseError:            "MapValueParseError",
	JSONToString:                  "JSONToString",
	ImpliedKey:                    "ImpliedKey",
	InferedObject:                 "InferedObject",
	FirstMatch:                    "FirstMatch",
	UnionMatch:                    "UnionMatch",
	EnumOneFromMany:               "EnumOneFromMany",
	StrMatchOneFromMany:           "StrMatchOneFromMany",
	StringToBool:                  "StringToBool",
	StringToNull:                  "StringToNull",
	StringToFloat:                 "StringToFloat",
	FloatToInt:                    "FloatToInt",
	NoFields:                      "NoFields",
	Pending:                       "Pending",
}

func (k FlagKind) String() string {
	if name, ok := flagNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FlagKind(%d)", int(k))
}

// MatchCount is one candidate of an ambiguous string match.
type MatchCount struct {
	Value string
	Count int
}

// Alternative is a candidate that lost a UnionMatch or FirstMatch choice.
// Exactly one of Value and Err is set.
type Alternative struct {
	Index int
	Value *BamlValue
	Err   *ParsingError
}

// Flag records one heuristic. Only the payload fields relevant to Kind are set.
type Flag struct {
	Kind FlagKind

	// Index is the array position for ArrayItemParseError, the chosen
	// candidate for UnionMatch and FirstMatch, and the penalty for
	// ObjectFromMarkdown.
	Index int
	// Candidates is the number of alternatives considered by UnionMatch,
	// FirstMatch and EnumOneFromMany.
	Candidates int
	// Alternatives are the losing candidates of UnionMatch and FirstMatch,
	// in input order.
	Alternatives []Alternative
	// Detail carries the offending key or the original text.
	Detail string
	// Fixes are the parser repairs behind ObjectFromFixedJSON.
	Fixes []jsonish.Fix
	// Matches lists the competing candidates of StrMatchOneFromMany.
	Matches []MatchCount
	// Err is the failure that was recovered from.
	Err *ParsingError
}

// Score is the penalty of a single flag. Lower is more trustworthy.
func (f Flag) Score() int {
	switch f.Kind {
	case OptionalDefaultFromNoValue:
		return 1
	case DefaultFromNoValue:
		return 100
	case DefaultButHadValue:
		return 110
	case DefaultButHadUnparseableValue:
		return 2
	case ObjectFromMarkdown:
		return f.Index
	case ObjectFromFixedJSON:
		return 0
	case ObjectToString, ObjectToPrimitive:
		return 2
	case ObjectToMap, ExtraKey:
		return 1
	case StrippedNonAlphaNumeric:
		return 3
	case SubstringMatch:
		return 2
	case SingleToArray:
		return 1
	case ArrayItemParseError:
		return 1 + f.Index
	case MapKeyParseError, MapValueParseError:
		return 1
	case JSONToString, ImpliedKey:
		return 2
	case InferedObject:
		return 0
	case FirstMatch:
		return 1
	case UnionMatch:
		return 0
	case EnumOneFromMany:
		if f.Candidates > 0 {
			return f.Candidates - 1
		}
		return 0
	case StrMatchOneFromMany:
		total := 0
		for _, m := range f.Matches {
			total += m.Count
		}
		return total
	case StringToBool, StringToNull, StringToFloat, FloatToInt, NoFields:
		return 1
	case Pending:
		return 0
	default:
		return 0
	}
}

func (f Flag) String() string {
	var sb strings.Builder
	sb.WriteString(f.Kind.String())
	switch f.Kind {
	case ArrayItemParseError:
		fmt.Fprintf(&sb, "(%d)", f.Index)
	case UnionMatch, FirstMatch:
		fmt.Fprintf(&sb, "(%d of %d)", f.Index, f.Candidates)
	case ExtraKey, ObjectToString, JSONToString, StringToBool, StringToNull, StringToFloat:
		if f.Detail != "" {
			fmt.Fprintf(&sb, "(%q)", f.Detail)
		}
	case StrMatchOneFromMany:
		parts := make([]string, len(f.Matches))
		for i, m := range f.Matches {
			parts[i] = fmt.Sprintf("%s=%d", m.Value, m.Count)
		}
		sb.WriteString("(" + strings.Join(parts, ", ") + ")")
	case ObjectFromFixedJSON:
		parts := make([]string, len(f.Fixes))
		for i, fix := range f.Fixes {
			parts[i] = fix.String()
		}
		sb.WriteString("(" + strings.Join(parts, ", ") + ")")
	}
	return sb.String()
}

// Conditions is the ordered set of flags attached to a value.
type Conditions struct {
	Flags []Flag
}

func (c *Conditions) Add(f Flag) {
	c.Flags = append(c.Flags, f)
}

// Score sums the flag penalties.
func (c Conditions) Score() int {
	total := 0
	for _, f := range c.Flags {
		total += f.Score()
	}
	return total
}

// Has reports whether a flag of the given kind is present.
func (c Conditions) Has(kind FlagKind) bool {
	for _, f := range c.Flags {
		if f.Kind == kind {
			return true
		}
	}
	return false
}
