package deserializer

import (
	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
)

func coerceMap(ctx *Context, t ir.Map, value jsonish.Value) (*BamlValue, *ParsingError) {
	obj, ok := value.(*jsonish.Object)
	if !ok {
		if value == nil {
			return nil, ctx.errorUnexpectedNull(t)
		}
		if _, isNull := value.(*jsonish.Null); isNull {
			return nil, ctx.errorUnexpectedNull(t)
		}
		return nil, ctx.errorUnexpectedType(t, value)
	}

	out := &BamlValue{Kind: KindMap, Target: t, Fields: make([]FieldValue, 0, len(obj.Fields))}
	for _, f := range obj.Fields {
		entryCtx := ctx.Enter(f.Key)

		key := f.Key
		if !isStringTarget(t.Key) {
			k, err := coerce(entryCtx, t.Key, &jsonish.String{Value: f.Key})
			if err != nil {
				out.withFlag(Flag{Kind: MapKeyParseError, Detail: f.Key, Err: err})
				continue
			}
			key = k.Str
		}

		v, err := coerce(entryCtx, t.Value, f.Value)
		if err != nil {
			out.withFlag(Flag{Kind: MapValueParseError, Detail: f.Key, Err: err})
			continue
		}
		out.Fields = append(out.Fields, FieldValue{Key: key, Value: v})
	}
	return out, nil
}
