package sse

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// DoneSentinel is the OpenAI-style payload that terminates a stream.
const DoneSentinel = "[DONE]"

// ExtractDelta extracts the text delta from a single SSE event payload based on provider.
// Payloads that carry no text (role announcements, pings, usage blocks) yield "".
func ExtractDelta(provider string, payload string) (string, error) {
	if payload == DoneSentinel {
		return "", nil
	}

	switch provider {
	// OpenAI-compatible providers (Chat Completions API format)
	// Path: choices[0].delta.content
	case "openai", "openai-generic", "azure-openai", "ollama", "openrouter":
		return gjson.Get(payload, "choices.0.delta.content").String(), nil

	// Anthropic
	// Path: delta.text or delta.thinking (when type == "content_block_delta")
	case "anthropic":
		if gjson.Get(payload, "type").String() == "content_block_delta" {
			switch gjson.Get(payload, "delta.type").String() {
			case "text_delta":
				return gjson.Get(payload, "delta.text").String(), nil
			case "thinking_delta":
				return gjson.Get(payload, "delta.thinking").String(), nil
			}
		}
		return "", nil

	// Google
	// Path: candidates[0].content.parts[*].text
	case "google-ai", "vertex-ai":
		var sb strings.Builder
		for _, part := range gjson.Get(payload, "candidates.0.content.parts.#.text").Array() {
			sb.WriteString(part.String())
		}
		return sb.String(), nil

	default:
		return "", fmt.Errorf("unsupported provider: %s", provider)
	}
}

// ExtractError returns the error message carried by an in-band error event,
// if the payload is one.
func ExtractError(provider string, payload string) (string, bool) {
	if payload == DoneSentinel || !gjson.Valid(payload) {
		return "", false
	}
	if provider == "anthropic" && gjson.Get(payload, "type").String() == "error" {
		return gjson.Get(payload, "error.message").String(), true
	}
	if msg := gjson.Get(payload, "error.message"); msg.Exists() {
		return msg.String(), true
	}
	return "", false
}

// IsTerminal reports whether the payload marks the end of the stream.
func IsTerminal(provider string, payload string) bool {
	if payload == DoneSentinel {
		return true
	}
	return provider == "anthropic" && gjson.Get(payload, "type").String() == "message_stop"
}

// Update is the result of pushing one payload into an Accumulator.
type Update struct {
	// Delta is the text added by this payload.
	Delta string
	// Full is the accumulated text of the current attempt.
	Full string
	// Reset is set when this payload belongs to a new attempt and text from
	// the previous attempt had already been delivered.
	Reset bool
}

// Accumulator assembles streamed text across attempts. Text is scoped to a
// single attempt: moving to a new attempt discards what the previous one
// produced.
type Accumulator struct {
	attempt int
	full    strings.Builder
	started bool
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Push records a payload received on the given attempt.
func (a *Accumulator) Push(attempt int, provider string, payload string) (Update, error) {
	var update Update

	if a.started && attempt != a.attempt {
		update.Reset = a.full.Len() > 0
		a.full.Reset()
	}
	a.attempt = attempt
	a.started = true

	delta, err := ExtractDelta(provider, payload)
	if err != nil {
		update.Full = a.full.String()
		return update, err
	}

	a.full.WriteString(delta)
	update.Delta = delta
	update.Full = a.full.String()
	return update, nil
}

// Full returns the accumulated text of the current attempt.
func (a *Accumulator) Full() string {
	return a.full.String()
}
