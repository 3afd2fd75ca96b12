package deserializer

import (
	"strconv"

	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
)

func coerceClass(ctx *Context, t ir.Class, value jsonish.Value) (*BamlValue, *ParsingError) {
	def, err := ctx.Registry.FindClass(t.Name)
	if err != nil {
		return nil, ctx.errorInternal("%v", err)
	}

	switch v := value.(type) {
	case nil, *jsonish.Null:
		return nil, ctx.errorUnexpectedNull(t)
	case *jsonish.Object:
		out, perr := coerceObjectToClass(ctx, t, def, v)
		if len(def.Fields) != 1 {
			return out, perr
		}
		if _, found := lookupField(v, def.Fields[0]); found {
			return out, perr
		}
		// an empty object is an explicit "nothing", not a value for the field
		if perr == nil && (!out.IsDefaultLike() || len(v.Fields) == 0) {
			return out, nil
		}
		implied, ierr := coerceImpliedKey(ctx, t, def, v)
		return pickBest(ctx, FirstMatch, []result{{out, perr}, {implied, ierr}})
	case *jsonish.Array:
		results := make([]result, 0, len(v.Items)+1)
		for i, item := range v.Items {
			out, perr := coerceClass(ctx.Enter(strconv.Itoa(i)), t, item)
			results = append(results, result{out, perr})
		}
		if len(def.Fields) == 1 {
			out, perr := coerceImpliedKey(ctx, t, def, v)
			results = append(results, result{out, perr})
		}
		switch {
		case len(results) == 0:
			return nil, ctx.errorUnexpectedType(t, v)
		case len(results) == 1 && len(v.Items) == 1:
			// a lone element is still an object read out of an array
			out, perr := results[0].value, results[0].err
			if perr != nil {
				return nil, perr
			}
			return out.withFlag(Flag{Kind: FirstMatch, Candidates: 1}), nil
		}
		return pickBest(ctx, FirstMatch, results)
	default:
		switch len(def.Fields) {
		case 0:
			out := &BamlValue{Kind: KindClass, Name: def.Name, Target: t}
			return out.withFlag(Flag{Kind: NoFields, Detail: truncate(jsonish.Text(v))}), nil
		case 1:
			return coerceImpliedKey(ctx, t, def, v)
		default:
			return nil, ctx.errorUnexpectedType(t, v)
		}
	}
}

func lookupField(obj *jsonish.Object, field ir.ClassField) (jsonish.Value, bool) {
	if v, ok := obj.Get(field.RenderedName()); ok {
		return v, true
	}
	if field.Alias != "" {
		return obj.Get(field.Name)
	}
	return nil, false
}

func coerceObjectToClass(ctx *Context, t ir.Class, def *ir.ClassDef, obj *jsonish.Object) (*BamlValue, *ParsingError) {
	out := &BamlValue{Kind: KindClass, Name: def.Name, Target: t, Fields: make([]FieldValue, 0, len(def.Fields))}

	known := make(map[string]bool, len(def.Fields)*2)
	var missing []string
	var errs []*ParsingError

	for _, field := range def.Fields {
		known[field.RenderedName()] = true
		known[field.Name] = true
		fieldCtx := ctx.Enter(field.Name)

		raw, found := lookupField(obj, field)
		if !found {
			if v, ok := defaultForMissing(ctx, field.Type); ok {
				out.Fields = append(out.Fields, FieldValue{Key: field.Name, Value: v})
				continue
			}
			missing = append(missing, field.Name)
			continue
		}

		v, perr := coerce(fieldCtx, field.Type, raw)
		if perr != nil {
			if ctx.Partial && isIncomplete(raw) {
				pending := newNull(field.Type).withFlag(Flag{Kind: Pending, Err: perr})
				out.Fields = append(out.Fields, FieldValue{Key: field.Name, Value: pending})
				continue
			}
			errs = append(errs, perr)
			continue
		}
		out.Fields = append(out.Fields, FieldValue{Key: field.Name, Value: v})
	}

	if len(missing) > 0 || len(errs) > 0 {
		if len(missing) > 0 {
			errs = append([]*ParsingError{ctx.errorMissingRequiredFields(missing)}, errs...)
		}
		if len(errs) == 1 {
			return nil, errs[0]
		}
		return nil, ctx.errorMergeMultiple("Failed to parse "+def.Name, errs)
	}

	for _, f := range obj.Fields {
		if !known[f.Key] {
			out.withFlag(Flag{Kind: ExtraKey, Detail: f.Key})
		}
	}
	return out, nil
}

// defaultForMissing supplies the value of an absent field when one exists:
// null for optional fields, an empty list for lists, and a pending null
// while streaming.
func defaultForMissing(ctx *Context, t ir.FieldType) (*BamlValue, bool) {
	if ir.IsOptional(t) {
		return newNull(t).withFlag(Flag{Kind: DefaultFromNoValue}), true
	}
	if _, ok := t.(ir.List); ok {
		out := &BamlValue{Kind: KindList, Target: t, Items: []*BamlValue{}}
		return out.withFlag(Flag{Kind: DefaultFromNoValue}), true
	}
	if ctx.Partial {
		return newNull(t).withFlag(Flag{Kind: Pending}), true
	}
	return nil, false
}

// coerceImpliedKey treats the whole value as the only field of def.
func coerceImpliedKey(ctx *Context, t ir.Class, def *ir.ClassDef, value jsonish.Value) (*BamlValue, *ParsingError) {
	field := def.Fields[0]
	v, err := coerce(ctx.Enter(field.Name), field.Type, value)
	if err != nil {
		return nil, err
	}
	out := &BamlValue{
		Kind:   KindClass,
		Name:   def.Name,
		Target: t,
		Fields: []FieldValue{{Key: field.Name, Value: v}},
	}
	return out.withFlag(Flag{Kind: ImpliedKey, Detail: field.Name}), nil
}
