package deserializer

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
)

func coercePrimitive(ctx *Context, t ir.Primitive, value jsonish.Value) (*BamlValue, *ParsingError) {
	switch t.Kind {
	case ir.TypeString:
		return coerceString(ctx, t, value)
	case ir.TypeInt:
		return coerceInt(ctx, t, value)
	case ir.TypeFloat:
		return coerceFloat(ctx, t, value)
	case ir.TypeBool:
		return coerceBool(ctx, t, value)
	case ir.TypeNull:
		return coerceNull(ctx, t, value)
	default:
		return nil, ctx.errorInternal("unknown primitive %v", t.Kind)
	}
}

func coerceString(ctx *Context, t ir.Primitive, value jsonish.Value) (*BamlValue, *ParsingError) {
	out := &BamlValue{Kind: KindString, Target: t}
	switch v := value.(type) {
	case nil, *jsonish.Null:
		return nil, ctx.errorUnexpectedNull(t)
	case *jsonish.String:
		out.Str = v.Value
	case *jsonish.Number, *jsonish.Boolean:
		out.Str = v.JSON()
		out.withFlag(Flag{Kind: JSONToString, Detail: out.Str})
	default:
		out.Str = v.JSON()
		out.withFlag(Flag{Kind: ObjectToString, Detail: truncate(out.Str)})
	}
	return out, nil
}

func coerceInt(ctx *Context, t ir.Primitive, value jsonish.Value) (*BamlValue, *ParsingError) {
	switch v := value.(type) {
	case *jsonish.Number:
		if ctx.Partial && v.State == jsonish.Incomplete {
			return nil, ctx.errorf("Number %s is still streaming", v.Raw)
		}
		if i, err := strconv.ParseInt(v.Raw, 10, 64); err == nil {
			return &BamlValue{Kind: KindInt, Int: i, Target: t}, nil
		}
		if f, err := strconv.ParseFloat(v.Raw, 64); err == nil {
			if i, ok := roundToInt(f); ok {
				out := &BamlValue{Kind: KindInt, Int: i, Target: t}
				return out.withFlag(Flag{Kind: FloatToInt, Detail: v.Raw}), nil
			}
		}
		return nil, ctx.errorUnexpectedType(t, value)
	case *jsonish.String:
		if ctx.Partial && v.State == jsonish.Incomplete {
			return nil, ctx.errorf("String %q is still streaming", v.Value)
		}
		if i, err := strconv.ParseInt(strings.TrimSpace(v.Value), 10, 64); err == nil {
			out := &BamlValue{Kind: KindInt, Int: i, Target: t}
			return out.withFlag(Flag{Kind: StringToFloat, Detail: v.Value}), nil
		}
		f, isInt, ok := floatFromString(v.Value)
		if !ok {
			return nil, ctx.errorUnexpectedType(t, value)
		}
		i, ok := roundToInt(f)
		if !ok {
			return nil, ctx.errorUnexpectedType(t, value)
		}
		out := &BamlValue{Kind: KindInt, Int: i, Target: t}
		out.withFlag(Flag{Kind: StringToFloat, Detail: v.Value})
		if !isInt {
			out.withFlag(Flag{Kind: FloatToInt, Detail: v.Value})
		}
		return out, nil
	case *jsonish.Array:
		return firstMatch(ctx, t, v)
	case nil, *jsonish.Null:
		return nil, ctx.errorUnexpectedNull(t)
	default:
		return nil, ctx.errorUnexpectedType(t, value)
	}
}

func coerceFloat(ctx *Context, t ir.Primitive, value jsonish.Value) (*BamlValue, *ParsingError) {
	switch v := value.(type) {
	case *jsonish.Number:
		if ctx.Partial && v.State == jsonish.Incomplete {
			return nil, ctx.errorf("Number %s is still streaming", v.Raw)
		}
		f, err := strconv.ParseFloat(v.Raw, 64)
		if err != nil || !isFinite(f) {
			return nil, ctx.errorUnexpectedType(t, value)
		}
		return &BamlValue{Kind: KindFloat, Float: f, Target: t}, nil
	case *jsonish.String:
		if ctx.Partial && v.State == jsonish.Incomplete {
			return nil, ctx.errorf("String %q is still streaming", v.Value)
		}
		f, _, ok := floatFromString(v.Value)
		if !ok {
			return nil, ctx.errorUnexpectedType(t, value)
		}
		out := &BamlValue{Kind: KindFloat, Float: f, Target: t}
		return out.withFlag(Flag{Kind: StringToFloat, Detail: v.Value}), nil
	case *jsonish.Array:
		return firstMatch(ctx, t, v)
	case nil, *jsonish.Null:
		return nil, ctx.errorUnexpectedNull(t)
	default:
		return nil, ctx.errorUnexpectedType(t, value)
	}
}

var boolCandidates = []candidate{
	{name: "true", valid: []string{"true"}},
	{name: "false", valid: []string{"false"}},
}

func coerceBool(ctx *Context, t ir.Primitive, value jsonish.Value) (*BamlValue, *ParsingError) {
	switch v := value.(type) {
	case *jsonish.Boolean:
		return &BamlValue{Kind: KindBool, Bool: v.Value, Target: t}, nil
	case *jsonish.String:
		var b bool
		switch strings.ToLower(strings.TrimSpace(v.Value)) {
		case "true", "yes":
			b = true
		case "false", "no":
			b = false
		default:
			name, conds, err := matchString(ctx, t, v, boolCandidates)
			if err != nil {
				return nil, err
			}
			out := &BamlValue{Kind: KindBool, Bool: name == "true", Target: t, Conditions: conds}
			return out.withFlag(Flag{Kind: StringToBool, Detail: v.Value}), nil
		}
		out := &BamlValue{Kind: KindBool, Bool: b, Target: t}
		return out.withFlag(Flag{Kind: StringToBool, Detail: v.Value}), nil
	case *jsonish.Array:
		return firstMatch(ctx, t, v)
	case nil, *jsonish.Null:
		return nil, ctx.errorUnexpectedNull(t)
	default:
		return nil, ctx.errorUnexpectedType(t, value)
	}
}

func coerceNull(ctx *Context, t ir.Primitive, value jsonish.Value) (*BamlValue, *ParsingError) {
	switch v := value.(type) {
	case nil, *jsonish.Null:
		return newNull(t), nil
	case *jsonish.String:
		switch strings.ToLower(strings.TrimSpace(v.Value)) {
		case "null", "none":
			return newNull(t).withFlag(Flag{Kind: StringToNull, Detail: v.Value}), nil
		}
	}
	return nil, ctx.errorUnexpectedType(t, value)
}

// firstMatch coerces the first element of arr that fits t.
func firstMatch(ctx *Context, t ir.FieldType, arr *jsonish.Array) (*BamlValue, *ParsingError) {
	var errs []*ParsingError
	for i, item := range arr.Items {
		out, err := coerce(ctx.Enter(strconv.Itoa(i)), t, item)
		if err == nil {
			return out.withFlag(Flag{Kind: FirstMatch, Index: i, Candidates: len(arr.Items)}), nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ctx.errorUnexpectedType(t, arr)
	}
	return nil, ctx.errorMergeMultiple("Expected "+t.String()+", no array element matched", errs)
}

var (
	fractionPattern = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*/\s*(-?\d+(?:\.\d+)?)\s*$`)
	numberPattern   = regexp.MustCompile(`[-+]?\$?(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?(?:[eE][-+]?\d+)?`)
)

// floatFromString reads a number written as text: plain, comma grouped,
// a fraction, or the first number in a sentence.
func floatFromString(s string) (f float64, isInt bool, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(i), true, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && isFinite(f) {
		return f, f == math.Trunc(f), true
	}
	if m := fractionPattern.FindStringSubmatch(s); m != nil {
		num, err1 := strconv.ParseFloat(m[1], 64)
		den, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil && den != 0 {
			f := num / den
			return f, f == math.Trunc(f), true
		}
	}
	match := numberPattern.FindString(s)
	if match == "" {
		return 0, false, false
	}
	cleaned := strings.NewReplacer(",", "", "$", "", "+", "").Replace(match)
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || !isFinite(f) {
		return 0, false, false
	}
	return f, !strings.ContainsAny(cleaned, ".eE"), true
}

// roundToInt rounds f to the nearest int64. Values outside the int64 range
// are rejected; converting them is platform dependent.
func roundToInt(f float64) (int64, bool) {
	if !isFinite(f) {
		return 0, false
	}
	r := math.Round(f)
	if r < math.MinInt64 || r >= math.MaxInt64 {
		return 0, false
	}
	return int64(r), true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
