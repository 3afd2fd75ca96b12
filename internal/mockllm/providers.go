package mockllm

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Provider formats responses in one vendor's wire format.
type Provider interface {
	// FormatPrelude returns events sent before the first chunk.
	FormatPrelude() string

	// FormatChunk formats a content chunk as an SSE event.
	FormatChunk(content string, index int) string

	// FormatFinalChunk formats the event carrying the finish reason.
	FormatFinalChunk(index int) string

	// FormatDone returns the event that terminates the stream, if any.
	FormatDone() string

	// FormatErrorEvent formats an in-band stream error.
	FormatErrorEvent(message string) string

	FormatNonStreaming(content string) ([]byte, error)
	FormatError(message string) []byte

	ContentType(streaming bool) string
}

func sseData(v any) string {
	data, _ := json.Marshal(v)
	return fmt.Sprintf("data: %s\n\n", data)
}

func sseEvent(event string, v any) string {
	data, _ := json.Marshal(v)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func contentType(streaming bool) string {
	if streaming {
		return "text/event-stream"
	}
	return "application/json"
}

// OpenAIProvider implements the OpenAI Chat Completions API format.
type OpenAIProvider struct{}

func (p *OpenAIProvider) FormatPrelude() string { return "" }

func (p *OpenAIProvider) FormatChunk(content string, index int) string {
	return sseData(map[string]any{
		"id":      fmt.Sprintf("chatcmpl-test-%d", index),
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]any{"content": content}, "finish_reason": nil},
		},
	})
}

func (p *OpenAIProvider) FormatFinalChunk(index int) string {
	return sseData(map[string]any{
		"id":      fmt.Sprintf("chatcmpl-test-%d", index),
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{
			{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"},
		},
	})
}

func (p *OpenAIProvider) FormatDone() string {
	return "data: [DONE]\n\n"
}

func (p *OpenAIProvider) FormatErrorEvent(message string) string {
	return sseData(map[string]any{"error": map[string]any{"message": message, "type": "server_error"}})
}

func (p *OpenAIProvider) FormatNonStreaming(content string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": len(content) / 4,
			"total_tokens":      10 + len(content)/4,
		},
	})
}

func (p *OpenAIProvider) FormatError(message string) []byte {
	data, _ := json.Marshal(map[string]any{"error": map[string]any{"message": message, "type": "server_error"}})
	return data
}

func (p *OpenAIProvider) ContentType(streaming bool) string { return contentType(streaming) }

// AnthropicProvider implements the Anthropic Messages API format.
type AnthropicProvider struct{}

func (p *AnthropicProvider) FormatPrelude() string {
	return sseEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": "msg_test", "type": "message", "role": "assistant",
			"model": "test-model", "content": []any{},
		},
	}) + sseEvent("content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

func (p *AnthropicProvider) FormatChunk(content string, _ int) string {
	return sseEvent("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": 0,
		"delta": map[string]any{"type": "text_delta", "text": content},
	})
}

func (p *AnthropicProvider) FormatFinalChunk(int) string {
	return sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}) +
		sseEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn"},
		})
}

func (p *AnthropicProvider) FormatDone() string {
	return sseEvent("message_stop", map[string]any{"type": "message_stop"})
}

func (p *AnthropicProvider) FormatErrorEvent(message string) string {
	return sseEvent("error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "api_error", "message": message},
	})
}

func (p *AnthropicProvider) FormatNonStreaming(content string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":          "msg_test",
		"type":        "message",
		"role":        "assistant",
		"model":       "test-model",
		"content":     []map[string]any{{"type": "text", "text": content}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 10, "output_tokens": len(content) / 4},
	})
}

func (p *AnthropicProvider) FormatError(message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "api_error", "message": message},
	})
	return data
}

func (p *AnthropicProvider) ContentType(streaming bool) string { return contentType(streaming) }

// GoogleProvider implements the Gemini generateContent format.
type GoogleProvider struct{}

func (p *GoogleProvider) FormatPrelude() string { return "" }

func (p *GoogleProvider) FormatChunk(content string, _ int) string {
	return sseData(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": content}}}},
		},
		"modelVersion": "test-model",
	})
}

func (p *GoogleProvider) FormatFinalChunk(int) string {
	return sseData(map[string]any{
		"candidates": []map[string]any{
			{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": ""}}},
				"finishReason": "STOP",
			},
		},
	})
}

func (p *GoogleProvider) FormatDone() string { return "" }

func (p *GoogleProvider) FormatErrorEvent(message string) string {
	return sseData(map[string]any{"error": map[string]any{"code": 500, "message": message, "status": "INTERNAL"}})
}

func (p *GoogleProvider) FormatNonStreaming(content string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": content}}},
				"finishReason": "STOP",
			},
		},
		"modelVersion": "test-model",
	})
}

func (p *GoogleProvider) FormatError(message string) []byte {
	data, _ := json.Marshal(map[string]any{"error": map[string]any{"code": 500, "message": message, "status": "INTERNAL"}})
	return data
}

func (p *GoogleProvider) ContentType(streaming bool) string { return contentType(streaming) }

// GetProvider returns the provider implementation for the given name.
func GetProvider(name string) (Provider, error) {
	switch name {
	case "openai", "openai-generic", "azure-openai", "ollama", "openrouter":
		return &OpenAIProvider{}, nil
	case "anthropic":
		return &AnthropicProvider{}, nil
	case "google-ai":
		return &GoogleProvider{}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
