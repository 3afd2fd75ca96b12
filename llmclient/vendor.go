package llmclient

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/prompt"
)

// Vendor names accepted as a client provider.
const (
	ProviderOpenAI        = "openai"
	ProviderOpenAIGeneric = "openai-generic"
	ProviderAzureOpenAI   = "azure-openai"
	ProviderOllama        = "ollama"
	ProviderOpenRouter    = "openrouter"
	ProviderAnthropic     = "anthropic"
	ProviderGoogleAI      = "google-ai"
)

// Strategy names accepted as a client provider.
const (
	ProviderFallback   = "fallback"
	ProviderRoundRobin = "round-robin"
)

var errUnsupportedMedia = errors.New("media kind not supported by provider")

// vendor knows one family of wire formats.
type vendor interface {
	url(stream bool) (string, error)
	headers() map[string]string
	body(p *prompt.RenderedPrompt, params map[string]any, stream bool) ([]byte, error)
	parse(body []byte) (content, finishReason, model string, err error)
}

// vendorConfig holds the options every vendor understands. Remaining
// options are sent as request parameters.
type vendorConfig struct {
	provider string
	baseURL  string
	apiKey   string
	model    string
	headers  map[string]string
	// azure only
	apiVersion string
}

func newVendor(cfg vendorConfig) (vendor, error) {
	switch cfg.provider {
	case ProviderOpenAI, ProviderOpenAIGeneric, ProviderAzureOpenAI, ProviderOllama, ProviderOpenRouter:
		if cfg.baseURL == "" {
			switch cfg.provider {
			case ProviderOpenAI:
				cfg.baseURL = "https://api.openai.com/v1"
			case ProviderOllama:
				cfg.baseURL = "http://localhost:11434/v1"
			case ProviderOpenRouter:
				cfg.baseURL = "https://openrouter.ai/api/v1"
			default:
				return nil, fmt.Errorf("provider %s requires base_url", cfg.provider)
			}
		}
		return &openAIVendor{cfg: cfg}, nil
	case ProviderAnthropic:
		if cfg.baseURL == "" {
			cfg.baseURL = "https://api.anthropic.com"
		}
		return &anthropicVendor{cfg: cfg}, nil
	case ProviderGoogleAI:
		if cfg.baseURL == "" {
			cfg.baseURL = "https://generativelanguage.googleapis.com/v1beta"
		}
		if cfg.model == "" {
			return nil, fmt.Errorf("provider %s requires model", cfg.provider)
		}
		return &googleVendor{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.provider)
	}
}

// chatMessages returns the messages of p, turning a completion prompt into a
// single user message.
func chatMessages(p *prompt.RenderedPrompt) []prompt.Message {
	if p.Kind == prompt.KindCompletion {
		return []prompt.Message{{Role: prompt.RoleUser, Parts: []prompt.Part{{Text: p.Text}}}}
	}
	return p.Messages
}

func mergeParams(body map[string]any, params map[string]any) {
	for k, v := range params {
		if _, exists := body[k]; !exists {
			body[k] = v
		}
	}
}

// errorMessage extracts a human readable message from an error body.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	if msg := gjson.GetBytes(body, "message"); msg.Exists() {
		return msg.String()
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 500 {
		text = text[:500]
	}
	return text
}

type openAIVendor struct {
	cfg vendorConfig
}

func (v *openAIVendor) url(bool) (string, error) {
	base := strings.TrimSuffix(v.cfg.baseURL, "/")
	if v.cfg.provider == ProviderAzureOpenAI {
		u := base + "/chat/completions"
		if v.cfg.apiVersion != "" {
			u += "?api-version=" + url.QueryEscape(v.cfg.apiVersion)
		}
		return u, nil
	}
	return base + "/chat/completions", nil
}

func (v *openAIVendor) headers() map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if v.cfg.apiKey != "" {
		if v.cfg.provider == ProviderAzureOpenAI {
			h["api-key"] = v.cfg.apiKey
		} else {
			h["Authorization"] = "Bearer " + v.cfg.apiKey
		}
	}
	for k, val := range v.cfg.headers {
		h[k] = val
	}
	return h
}

func (v *openAIVendor) body(p *prompt.RenderedPrompt, params map[string]any, stream bool) ([]byte, error) {
	messages := make([]map[string]any, 0, len(p.Messages)+1)
	for _, m := range chatMessages(p) {
		content, err := openAIContent(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": content})
	}

	body := map[string]any{"messages": messages}
	if v.cfg.model != "" {
		body["model"] = v.cfg.model
	}
	if stream {
		body["stream"] = true
		if v.cfg.provider == ProviderOpenAI {
			body["stream_options"] = map[string]any{"include_usage": true}
		}
	}
	mergeParams(body, params)
	return json.Marshal(body)
}

func openAIContent(m prompt.Message) (any, error) {
	textOnly := true
	for _, part := range m.Parts {
		if part.IsMedia() {
			textOnly = false
			break
		}
	}
	if textOnly {
		return m.Text(), nil
	}

	parts := make([]map[string]any, 0, len(m.Parts))
	for _, part := range m.Parts {
		if !part.IsMedia() {
			parts = append(parts, map[string]any{"type": "text", "text": part.Text})
			continue
		}
		media := part.Media
		switch media.Kind {
		case bamlutils.MediaKindImage:
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": media.DataURL()},
			})
		case bamlutils.MediaKindAudio:
			if media.IsURL() {
				return nil, fmt.Errorf("audio by url: %w", errUnsupportedMedia)
			}
			format := strings.TrimPrefix(media.MediaType, "audio/")
			parts = append(parts, map[string]any{
				"type":        "input_audio",
				"input_audio": map[string]any{"data": media.Base64, "format": format},
			})
		case bamlutils.MediaKindPDF:
			parts = append(parts, map[string]any{
				"type": "file",
				"file": map[string]any{"file_data": media.DataURL()},
			})
		default:
			return nil, fmt.Errorf("%s: %w", media.Kind, errUnsupportedMedia)
		}
	}
	return parts, nil
}

func (v *openAIVendor) parse(body []byte) (string, string, string, error) {
	choice := gjson.GetBytes(body, "choices.0")
	if !choice.Exists() {
		return "", "", "", errors.New("response has no choices")
	}
	return choice.Get("message.content").String(),
		choice.Get("finish_reason").String(),
		gjson.GetBytes(body, "model").String(),
		nil
}

type anthropicVendor struct {
	cfg vendorConfig
}

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

func (v *anthropicVendor) url(bool) (string, error) {
	return strings.TrimSuffix(v.cfg.baseURL, "/") + "/v1/messages", nil
}

func (v *anthropicVendor) headers() map[string]string {
	h := map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": anthropicVersion,
	}
	if v.cfg.apiKey != "" {
		h["x-api-key"] = v.cfg.apiKey
	}
	for k, val := range v.cfg.headers {
		h[k] = val
	}
	return h
}

func (v *anthropicVendor) body(p *prompt.RenderedPrompt, params map[string]any, stream bool) ([]byte, error) {
	var system []map[string]any
	messages := make([]map[string]any, 0, len(p.Messages))

	for _, m := range chatMessages(p) {
		blocks, err := anthropicBlocks(m)
		if err != nil {
			return nil, err
		}
		if m.Role == prompt.RoleSystem {
			system = append(system, blocks...)
			continue
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": blocks})
	}

	body := map[string]any{
		"messages":   messages,
		"max_tokens": anthropicDefaultMaxTokens,
	}
	if v.cfg.model != "" {
		body["model"] = v.cfg.model
	}
	if len(system) > 0 {
		body["system"] = system
	}
	if stream {
		body["stream"] = true
	}
	for k, val := range params {
		body[k] = val
	}
	return json.Marshal(body)
}

func anthropicBlocks(m prompt.Message) ([]map[string]any, error) {
	blocks := make([]map[string]any, 0, len(m.Parts))
	for _, part := range m.Parts {
		if !part.IsMedia() {
			blocks = append(blocks, map[string]any{"type": "text", "text": part.Text})
			continue
		}
		media := part.Media
		var source map[string]any
		if media.IsURL() {
			source = map[string]any{"type": "url", "url": media.URL}
		} else {
			source = map[string]any{"type": "base64", "media_type": media.MediaType, "data": media.Base64}
		}
		switch media.Kind {
		case bamlutils.MediaKindImage:
			blocks = append(blocks, map[string]any{"type": "image", "source": source})
		case bamlutils.MediaKindPDF:
			blocks = append(blocks, map[string]any{"type": "document", "source": source})
		default:
			return nil, fmt.Errorf("%s: %w", media.Kind, errUnsupportedMedia)
		}
	}
	if m.Metadata != nil && m.Metadata.CacheControl != nil && len(blocks) > 0 {
		blocks[len(blocks)-1]["cache_control"] = map[string]any{"type": m.Metadata.CacheControl.Type}
	}
	return blocks, nil
}

func (v *anthropicVendor) parse(body []byte) (string, string, string, error) {
	content := gjson.GetBytes(body, "content")
	if !content.IsArray() {
		return "", "", "", errors.New("response has no content")
	}
	var sb strings.Builder
	for _, block := range content.Array() {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
	}
	return sb.String(),
		gjson.GetBytes(body, "stop_reason").String(),
		gjson.GetBytes(body, "model").String(),
		nil
}

type googleVendor struct {
	cfg vendorConfig
}

func (v *googleVendor) url(stream bool) (string, error) {
	base := strings.TrimSuffix(v.cfg.baseURL, "/") + "/models/" + url.PathEscape(v.cfg.model)
	if stream {
		return base + ":streamGenerateContent?alt=sse", nil
	}
	return base + ":generateContent", nil
}

func (v *googleVendor) headers() map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if v.cfg.apiKey != "" {
		h["x-goog-api-key"] = v.cfg.apiKey
	}
	for k, val := range v.cfg.headers {
		h[k] = val
	}
	return h
}

func (v *googleVendor) body(p *prompt.RenderedPrompt, params map[string]any, _ bool) ([]byte, error) {
	var system []map[string]any
	contents := make([]map[string]any, 0, len(p.Messages))

	for _, m := range chatMessages(p) {
		parts, err := googleParts(m)
		if err != nil {
			return nil, err
		}
		switch m.Role {
		case prompt.RoleSystem:
			system = append(system, parts...)
		case prompt.RoleAssistant:
			contents = append(contents, map[string]any{"role": "model", "parts": parts})
		default:
			contents = append(contents, map[string]any{"role": "user", "parts": parts})
		}
	}

	body := map[string]any{"contents": contents}
	if len(system) > 0 {
		body["systemInstruction"] = map[string]any{"parts": system}
	}
	mergeParams(body, params)
	return json.Marshal(body)
}

func googleParts(m prompt.Message) ([]map[string]any, error) {
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, part := range m.Parts {
		if !part.IsMedia() {
			parts = append(parts, map[string]any{"text": part.Text})
			continue
		}
		media := part.Media
		if media.IsURL() {
			parts = append(parts, map[string]any{
				"fileData": map[string]any{"mimeType": media.MediaType, "fileUri": media.URL},
			})
			continue
		}
		parts = append(parts, map[string]any{
			"inlineData": map[string]any{"mimeType": media.MediaType, "data": media.Base64},
		})
	}
	return parts, nil
}

func (v *googleVendor) parse(body []byte) (string, string, string, error) {
	candidate := gjson.GetBytes(body, "candidates.0")
	if !candidate.Exists() {
		return "", "", "", errors.New("response has no candidates")
	}
	var sb strings.Builder
	for _, text := range candidate.Get("content.parts.#.text").Array() {
		sb.WriteString(text.String())
	}
	return sb.String(),
		candidate.Get("finishReason").String(),
		gjson.GetBytes(body, "modelVersion").String(),
		nil
}

// streamFinishReason reads the finish reason a stream chunk carries, if any.
func streamFinishReason(provider, payload string) string {
	switch provider {
	case ProviderAnthropic:
		return gjson.Get(payload, "delta.stop_reason").String()
	case ProviderGoogleAI:
		return gjson.Get(payload, "candidates.0.finishReason").String()
	default:
		return gjson.Get(payload, "choices.0.finish_reason").String()
	}
}
