package jsonish

import (
	"errors"
)

// grepJSON returns every top-level brace- or bracket-balanced substring of
// text. Delimiters inside double-quoted strings are ignored. An unbalanced
// tail is returned as the last fragment.
func grepJSON(text string) []string {
	var (
		fragments []string
		stack     []byte
		start     = -1
		inString  bool
		escaped   bool
	)

	for i := 0; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			if len(stack) > 0 {
				inString = true
			}
		case '{', '[':
			if len(stack) == 0 {
				start = i
			}
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				continue
			}
			open := stack[len(stack)-1]
			if (open == '{' && c != '}') || (open == '[' && c != ']') {
				continue
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				fragments = append(fragments, text[start:i+1])
				start = -1
			}
		}
	}

	if len(stack) > 0 && start >= 0 {
		fragments = append(fragments, text[start:])
	}
	return fragments
}

// parseMultiJSON reports ok=false when no fragment parses.
func parseMultiJSON(text string, opts ParseOptions) (Value, bool, error) {
	var items []Value
	for _, fragment := range grepJSON(text) {
		v, err := Parse(fragment, opts.forGreppedObject())
		if err != nil {
			if errors.Is(err, ErrDepthLimitExceeded) {
				return nil, false, err
			}
			continue
		}
		items = append(items, v)
	}

	switch len(items) {
	case 0:
		return nil, false, nil
	case 1:
		return &AnyOf{
			Candidates: []Value{&FixedJSON{Inner: items[0], Fixes: []Fix{FixGreppedForJSON}}},
			Original:   text,
		}, true, nil
	}

	candidates := make([]Value, 0, len(items)+1)
	for _, item := range items {
		candidates = append(candidates, &FixedJSON{Inner: item, Fixes: []Fix{FixGreppedForJSON}})
	}
	candidates = append(candidates, &FixedJSON{
		Inner: &Array{Items: items, State: items[len(items)-1].Completion()},
		Fixes: []Fix{FixGreppedForJSON, FixInferredArray},
	})
	return &AnyOf{Candidates: candidates, Original: text}, true, nil
}
