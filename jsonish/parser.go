package jsonish

import (
	"errors"

	"github.com/tidwall/gjson"
)

// MaxDepth bounds recursive re-parsing of extracted fragments.
const MaxDepth = 100

var (
	ErrDepthLimitExceeded = errors.New("depth limit exceeded")
	ErrParseFailed        = errors.New("Failed to parse JSON")
)

// ParseOptions selects which strategies Parse may use.
type ParseOptions struct {
	// AllowMarkdownJSON scans for fenced code blocks.
	AllowMarkdownJSON bool
	// AllFindingAllJSONObjects greps the text for brace-balanced substrings.
	AllFindingAllJSONObjects bool
	// AllowFixes runs the fixing parser on malformed JSON.
	AllowFixes bool
	// AllowAsString returns the whole input as a string when nothing else works.
	AllowAsString bool
	// Depth is the current recursion depth.
	Depth int
}

// DefaultOptions enables every strategy.
func DefaultOptions() ParseOptions {
	return ParseOptions{
		AllowMarkdownJSON:        true,
		AllFindingAllJSONObjects: true,
		AllowFixes:               true,
		AllowAsString:            true,
	}
}

// forMarkdownBlock is used to parse the contents of a code block: blocks are
// not searched for nested fences, and a block that is not JSON is kept as a
// string.
func (o ParseOptions) forMarkdownBlock() ParseOptions {
	next := o
	next.Depth++
	next.AllowMarkdownJSON = false
	next.AllowAsString = true
	return next
}

// forGreppedObject is used to parse a substring found by the multi-object
// grep. Fragments that do not parse are discarded.
func (o ParseOptions) forGreppedObject() ParseOptions {
	next := o
	next.Depth++
	next.AllFindingAllJSONObjects = false
	next.AllowAsString = false
	return next
}

// Parse interprets text with the cascade of strategies enabled in opts:
// strict JSON, markdown code blocks, grepped JSON objects, the fixing parser
// and finally the raw string.
func Parse(text string, opts ParseOptions) (Value, error) {
	if opts.Depth > MaxDepth {
		return nil, ErrDepthLimitExceeded
	}

	if gjson.Valid(text) {
		return &AnyOf{Candidates: []Value{fromGJSON(gjson.Parse(text))}, Original: text}, nil
	}

	if opts.AllowMarkdownJSON {
		if v, ok, err := parseMarkdown(text, opts); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
	}

	if opts.AllFindingAllJSONObjects {
		if v, ok, err := parseMultiJSON(text, opts); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
	}

	if opts.AllowFixes {
		if v, ok := parseFixed(text); ok {
			return v, nil
		}
	}

	if opts.AllowAsString {
		return &String{Value: text}, nil
	}

	return nil, ErrParseFailed
}

// fromGJSON converts a strictly valid JSON document, keeping object key order.
func fromGJSON(r gjson.Result) Value {
	switch r.Type {
	case gjson.Null:
		return &Null{}
	case gjson.False:
		return &Boolean{Value: false}
	case gjson.True:
		return &Boolean{Value: true}
	case gjson.Number:
		return &Number{Raw: r.Raw}
	case gjson.String:
		return &String{Value: r.Str}
	}

	if r.IsArray() {
		arr := &Array{}
		r.ForEach(func(_, value gjson.Result) bool {
			arr.Items = append(arr.Items, fromGJSON(value))
			return true
		})
		return arr
	}

	obj := &Object{}
	r.ForEach(func(key, value gjson.Result) bool {
		obj.Fields = append(obj.Fields, Field{Key: key.String(), Value: fromGJSON(value)})
		return true
	})
	return obj
}
