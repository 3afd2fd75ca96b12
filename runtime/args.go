package runtime

import (
	"fmt"
	"maps"
	"slices"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish"
	"github.com/invakid404/baml-runtime/jsonish/deserializer"
)

// bindArgs checks args against the parameters of fn and returns the values
// passed to the prompt template.
func (r *Runtime) bindArgs(reg *ir.Registry, fn *ir.FunctionDef, args map[string]any) (map[string]any, error) {
	declared := make(map[string]bool, len(fn.Params))
	params := make(map[string]any, len(fn.Params))

	for _, param := range fn.Params {
		declared[param.Name] = true
		value, present := args[param.Name]

		if param.Media != nil {
			if !present || value == nil {
				return nil, userErrorf(nil, "missing required argument %q", param.Name)
			}
			media, err := toMedia(*param.Media, value)
			if err != nil {
				return nil, userErrorf(err, "invalid argument %q", param.Name)
			}
			params[param.Name] = media
			continue
		}

		if !present {
			if ir.IsOptional(param.Type) {
				params[param.Name] = nil
				continue
			}
			return nil, userErrorf(nil, "missing required argument %q", param.Name)
		}

		ctx := deserializer.NewContext(reg, r.env, false).Enter(param.Name)
		coerced, err := deserializer.Coerce(ctx, param.Type, jsonish.FromGo(value))
		if err == nil {
			err = unparseable(coerced)
		}
		if err != nil {
			return nil, userErrorf(err, "invalid argument %q", param.Name)
		}
		params[param.Name] = coerced.Any()
	}

	for _, name := range slices.Sorted(maps.Keys(args)) {
		if name == bamlutils.OptionsKey || declared[name] {
			continue
		}
		return nil, userErrorf(nil, "unknown argument %q for function %s", name, fn.Name)
	}

	return params, nil
}

// unparseable rejects arguments where a value was present but had to be
// replaced by a default.
func unparseable(v *deserializer.BamlValue) error {
	flags := v.AllFlags()
	for _, path := range slices.Sorted(maps.Keys(flags)) {
		for _, f := range flags[path] {
			if f.Kind != deserializer.DefaultButHadUnparseableValue {
				continue
			}
			if path == "" {
				return fmt.Errorf("value could not be parsed: %v", f.Err)
			}
			return fmt.Errorf("%s: value could not be parsed: %v", path, f.Err)
		}
	}
	return nil
}

func toMedia(kind bamlutils.MediaKind, v any) (bamlutils.Media, error) {
	switch v := v.(type) {
	case bamlutils.Media:
		return v, nil
	case *bamlutils.MediaInput:
		return bamlutils.ConvertMedia(kind, v)
	case map[string]any:
		return bamlutils.MediaFromMap(kind, v)
	case string:
		return bamlutils.Media{Kind: kind, URL: v}, nil
	default:
		return bamlutils.Media{}, fmt.Errorf("%s must be an object with url or base64, got %T", kind, v)
	}
}
