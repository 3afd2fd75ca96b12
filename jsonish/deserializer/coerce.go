// Package deserializer coerces lenient jsonish values into schema types,
// recording every heuristic it applies so that competing interpretations can
// be scored against each other.
package deserializer

import (
	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
)

// Coerce converts value into target. A nil value means no value was present.
func Coerce(ctx *Context, target ir.FieldType, value jsonish.Value) (*BamlValue, error) {
	out, err := coerce(ctx, target, value)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ParseAndCoerce runs the lenient parser over raw and coerces the result.
func ParseAndCoerce(ctx *Context, target ir.FieldType, raw string) (*BamlValue, error) {
	value, err := jsonish.Parse(raw, jsonish.DefaultOptions())
	if err != nil {
		return nil, err
	}
	return Coerce(ctx, target, value)
}

func coerce(ctx *Context, target ir.FieldType, value jsonish.Value) (*BamlValue, *ParsingError) {
	if len(ctx.Scope) > maxScopeDepth {
		return nil, ctx.errorInternal("nesting deeper than %d levels", maxScopeDepth)
	}

	switch v := value.(type) {
	case *jsonish.AnyOf:
		return coerceAnyOf(ctx, target, v)
	case *jsonish.Markdown:
		out, err := coerce(ctx, target, v.Inner)
		if err != nil {
			return nil, err
		}
		penalty := 0
		if isStringTarget(target) {
			penalty = 1
		}
		return out.withFlag(Flag{Kind: ObjectFromMarkdown, Index: penalty}), nil
	case *jsonish.FixedJSON:
		out, err := coerce(ctx, target, v.Inner)
		if err != nil {
			return nil, err
		}
		return out.withFlag(Flag{Kind: ObjectFromFixedJSON, Fixes: v.Fixes}), nil
	}

	switch t := target.(type) {
	case ir.Primitive:
		return coercePrimitive(ctx, t, value)
	case ir.Enum:
		return coerceEnum(ctx, t, value)
	case ir.Literal:
		return coerceLiteral(ctx, t, value)
	case ir.Class:
		return coerceClass(ctx, t, value)
	case ir.List:
		return coerceList(ctx, t, value)
	case ir.Map:
		return coerceMap(ctx, t, value)
	case ir.Union:
		return coerceUnion(ctx, t, value)
	case ir.Optional:
		return coerceOptional(ctx, t, value)
	case ir.Tuple:
		return coerceTuple(ctx, t, value)
	default:
		return nil, ctx.errorInternal("unsupported type %v", target)
	}
}

// coerceAnyOf resolves alternative parses. A string target takes the text
// as written; every other target tries each candidate and keeps the best.
func coerceAnyOf(ctx *Context, target ir.FieldType, v *jsonish.AnyOf) (*BamlValue, *ParsingError) {
	if isStringTarget(target) {
		for _, c := range v.Candidates {
			if s, ok := c.(*jsonish.String); ok {
				return &BamlValue{Kind: KindString, Str: s.Value, Target: target}, nil
			}
		}
		out := &BamlValue{Kind: KindString, Str: v.Original, Target: target}
		if hasStructured(v.Candidates) {
			out.withFlag(Flag{Kind: ObjectToString, Detail: truncate(v.Original)})
		}
		return out, nil
	}

	results := make([]result, len(v.Candidates))
	for i, c := range v.Candidates {
		results[i].value, results[i].err = coerce(ctx, target, c)
	}
	return pickBest(ctx, FirstMatch, results)
}

func isStringTarget(t ir.FieldType) bool {
	p, ok := t.(ir.Primitive)
	return ok && p.Kind == ir.TypeString
}

func hasStructured(values []jsonish.Value) bool {
	for _, v := range values {
		switch v := unwrapFixes(v).(type) {
		case *jsonish.Object, *jsonish.Array:
			return true
		case *jsonish.Markdown:
			if hasStructured([]jsonish.Value{v.Inner}) {
				return true
			}
		case *jsonish.AnyOf:
			if hasStructured(v.Candidates) {
				return true
			}
		}
	}
	return false
}

func unwrapFixes(v jsonish.Value) jsonish.Value {
	for {
		fixed, ok := v.(*jsonish.FixedJSON)
		if !ok {
			return v
		}
		v = fixed.Inner
	}
}

// isIncomplete reports whether value was cut off by the end of the input.
func isIncomplete(value jsonish.Value) bool {
	return value != nil && value.Completion() == jsonish.Incomplete
}

func truncate(s string) string {
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
