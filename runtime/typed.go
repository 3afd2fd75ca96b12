package runtime

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/jsonish/deserializer"
)

// EncodeArgs turns a typed input struct into call arguments. Options are
// taken from the OptionsKey field when present.
func EncodeArgs(input any) (map[string]any, *bamlutils.BamlOptions, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode input: %w", err)
	}

	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, nil, fmt.Errorf("failed to decode input: %w", err)
	}

	raw, ok := args[bamlutils.OptionsKey]
	if !ok {
		return args, nil, nil
	}
	delete(args, bamlutils.OptionsKey)
	if raw == nil {
		return args, nil, nil
	}

	optsData, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s: %w", bamlutils.OptionsKey, err)
	}
	var opts bamlutils.BamlOptions
	if err := json.Unmarshal(optsData, &opts); err != nil {
		return nil, nil, fmt.Errorf("failed to decode %s: %w", bamlutils.OptionsKey, err)
	}
	return args, &opts, nil
}

// DecodeValue stores a coerced value into out, which must be a pointer to a
// type matching the value's shape.
func DecodeValue(v *deserializer.BamlValue, out any) error {
	if v == nil {
		return fmt.Errorf("no value to decode")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s value: %w", v.Kind, err)
	}
	return nil
}
