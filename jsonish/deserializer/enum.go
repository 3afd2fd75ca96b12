package deserializer

import (
	"strconv"

	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
)

func coerceEnum(ctx *Context, t ir.Enum, value jsonish.Value) (*BamlValue, *ParsingError) {
	def, err := ctx.Registry.FindEnum(t.Name)
	if err != nil {
		return nil, ctx.errorInternal("%v", err)
	}

	if arr, ok := value.(*jsonish.Array); ok {
		return coerceEnumFromArray(ctx, t, arr)
	}

	candidates := enumCandidates(ctx, def)
	name, conds, perr := matchString(ctx, t, value, candidates)
	if perr != nil {
		return nil, perr
	}
	return &BamlValue{Kind: KindEnum, Name: def.Name, Str: name, Target: t, Conditions: conds}, nil
}

// coerceEnumFromArray accepts a list where a single value was expected,
// taking the first element that names a value.
func coerceEnumFromArray(ctx *Context, t ir.Enum, arr *jsonish.Array) (*BamlValue, *ParsingError) {
	var errs []*ParsingError
	for i, item := range arr.Items {
		out, err := coerceEnum(ctx.Enter(strconv.Itoa(i)), t, item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return out.withFlag(Flag{Kind: EnumOneFromMany, Index: i, Candidates: len(arr.Items)}), nil
	}
	if len(errs) == 0 {
		return nil, ctx.errorUnexpectedType(t, arr)
	}
	return nil, ctx.errorMergeMultiple("Expected "+t.Name+", no array element matched", errs)
}

// enumCandidates lists each active value under its rendered name, plus the
// "name: description" form the prompt shows.
func enumCandidates(ctx *Context, def *ir.EnumDef) []candidate {
	values := def.ActiveValues()
	out := make([]candidate, 0, len(values))
	for _, v := range values {
		rendered := ctx.resolveAlias(v.RenderedName())
		c := candidate{name: v.Name, valid: []string{rendered}}
		if v.Description != "" {
			c.valid = append(c.valid, rendered+": "+v.Description)
		}
		out = append(out, c)
	}
	return out
}

func coerceLiteral(ctx *Context, t ir.Literal, value jsonish.Value) (*BamlValue, *ParsingError) {
	lit := t.Value
	switch lit.Kind {
	case ir.LiteralKindString:
		if arr, ok := value.(*jsonish.Array); ok {
			return firstMatch(ctx, t, arr)
		}
		_, conds, err := matchString(ctx, t, value, []candidate{{name: lit.Str, valid: []string{lit.Str}}})
		if err != nil {
			return nil, err
		}
		return &BamlValue{Kind: KindString, Str: lit.Str, Target: t, Conditions: conds}, nil
	case ir.LiteralKindInt:
		out, err := coerceInt(ctx, ir.Int, value)
		if err != nil {
			return nil, err
		}
		if out.Int != lit.Int {
			return nil, ctx.errorf("Expected literal %s, got %d", lit, out.Int)
		}
		out.Target = t
		return out, nil
	case ir.LiteralKindBool:
		out, err := coerceBool(ctx, ir.Bool, value)
		if err != nil {
			return nil, err
		}
		if out.Bool != lit.Bool {
			return nil, ctx.errorf("Expected literal %s, got %t", lit, out.Bool)
		}
		out.Target = t
		return out, nil
	default:
		return nil, ctx.errorInternal("unknown literal kind %d", lit.Kind)
	}
}
