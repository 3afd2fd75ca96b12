package deserializer

import (
	"strconv"

	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
)

// coerceList never fails on a bad element: the element is dropped and the
// failure recorded as a flag on the list.
func coerceList(ctx *Context, t ir.List, value jsonish.Value) (*BamlValue, *ParsingError) {
	switch v := value.(type) {
	case nil, *jsonish.Null:
		return nil, ctx.errorUnexpectedNull(t)
	case *jsonish.Array:
		out := &BamlValue{Kind: KindList, Target: t, Items: make([]*BamlValue, 0, len(v.Items))}
		for i, item := range v.Items {
			elem, err := coerce(ctx.Enter(strconv.Itoa(i)), t.Elem, item)
			if err != nil {
				out.withFlag(Flag{Kind: ArrayItemParseError, Index: i, Err: err})
				continue
			}
			out.Items = append(out.Items, elem)
		}
		return out, nil
	default:
		elem, err := coerce(ctx, t.Elem, value)
		if err != nil {
			return nil, err
		}
		out := &BamlValue{Kind: KindList, Target: t, Items: []*BamlValue{elem}}
		return out.withFlag(Flag{Kind: SingleToArray}), nil
	}
}

func coerceTuple(ctx *Context, t ir.Tuple, value jsonish.Value) (*BamlValue, *ParsingError) {
	arr, ok := value.(*jsonish.Array)
	if !ok {
		if value == nil {
			return nil, ctx.errorUnexpectedNull(t)
		}
		return nil, ctx.errorUnexpectedType(t, value)
	}
	if len(arr.Items) != len(t.Items) {
		return nil, ctx.errorf("Expected %d items for %s, got %d", len(t.Items), t, len(arr.Items))
	}

	out := &BamlValue{Kind: KindList, Target: t, Items: make([]*BamlValue, 0, len(arr.Items))}
	var errs []*ParsingError
	for i, item := range arr.Items {
		elem, err := coerce(ctx.Enter(strconv.Itoa(i)), t.Items[i], item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Items = append(out.Items, elem)
	}
	if len(errs) > 0 {
		return nil, ctx.errorMergeMultiple("Failed to parse "+t.String(), errs)
	}
	return out, nil
}
