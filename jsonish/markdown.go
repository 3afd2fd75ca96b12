package jsonish

import (
	"errors"
	"strings"
)

const fence = "```"

type markdownBlock struct {
	tag     string
	content string
	closed  bool
}

// extractMarkdown splits text into fenced code blocks and the plain-text
// segments around them. A trailing fence without a closing marker runs to the
// end of the input.
func extractMarkdown(text string) (blocks []markdownBlock, plain []string) {
	rest := text
	for {
		start := strings.Index(rest, fence)
		if start < 0 {
			break
		}
		if seg := strings.TrimSpace(rest[:start]); seg != "" {
			plain = append(plain, seg)
		}

		body := rest[start+len(fence):]
		tag := ""
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			header := strings.TrimSpace(body[:nl])
			if !strings.ContainsAny(header, "{[\"") {
				tag = header
				body = body[nl+1:]
			}
		}

		end := strings.Index(body, fence)
		if end < 0 {
			blocks = append(blocks, markdownBlock{tag: tag, content: body})
			return blocks, plain
		}
		blocks = append(blocks, markdownBlock{tag: tag, content: body[:end], closed: true})
		rest = body[end+len(fence):]
	}

	if len(blocks) > 0 {
		if seg := strings.TrimSpace(rest); seg != "" {
			plain = append(plain, seg)
		}
	}
	return blocks, plain
}

// parseMarkdown reports ok=false when the text has no usable code block.
func parseMarkdown(text string, opts ParseOptions) (Value, bool, error) {
	blocks, plain := extractMarkdown(text)
	if len(blocks) == 0 {
		return nil, false, nil
	}

	var parsed []Value
	for _, block := range blocks {
		inner, err := Parse(strings.TrimSpace(block.content), opts.forMarkdownBlock())
		if err != nil {
			if errors.Is(err, ErrDepthLimitExceeded) {
				return nil, false, err
			}
			continue
		}
		state := Complete
		if !block.closed {
			state = Incomplete
		}
		parsed = append(parsed, &Markdown{Tag: block.tag, Inner: inner, State: state})
	}

	switch len(parsed) {
	case 0:
		return nil, false, nil
	case 1:
		return &AnyOf{Candidates: parsed, Original: text}, true, nil
	}

	// Every block on its own, all blocks as one list, and the prose between
	// them as strings.
	candidates := make([]Value, 0, len(parsed)+1+len(plain))
	candidates = append(candidates, parsed...)
	candidates = append(candidates, &Array{Items: parsed, State: parsed[len(parsed)-1].Completion()})
	for _, seg := range plain {
		candidates = append(candidates, &FixedJSON{Inner: &String{Value: seg}, Fixes: []Fix{FixGreppedForJSON}})
	}
	return &AnyOf{Candidates: candidates, Original: text}, true, nil
}
