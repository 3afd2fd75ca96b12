package llmclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	bamlsse "github.com/invakid404/baml-runtime/bamlutils/sse"
	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/prompt"
)

func chatPrompt(messages ...prompt.Message) *prompt.RenderedPrompt {
	return &prompt.RenderedPrompt{Kind: prompt.KindChat, Messages: messages}
}

func textMessage(role, text string) prompt.Message {
	return prompt.Message{Role: role, Parts: []prompt.Part{{Text: text}}}
}

func newTestPrimitive(t *testing.T, provider, baseURL string, extra map[string]any) *Primitive {
	t.Helper()
	options := map[string]any{"model": "test-model", "base_url": baseURL, "api_key": "secret"}
	for k, v := range extra {
		options[k] = v
	}
	p, err := New(&ir.ClientDef{Name: "Test", Provider: provider, Options: options}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p.(*Primitive)
}

func TestNewStrategies(t *testing.T) {
	fb, err := New(&ir.ClientDef{
		Name:     "Chain",
		Provider: ProviderFallback,
		Options:  map[string]any{"strategy": []any{"A", "B"}},
	}, Config{})
	if err != nil {
		t.Fatalf("New fallback: %v", err)
	}
	if got := fb.(*Fallback).Members; len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("fallback members = %v", got)
	}

	rr, err := New(&ir.ClientDef{
		Name:     "Rotate",
		Provider: ProviderRoundRobin,
		Options:  map[string]any{"strategy": []any{"A", "B", "C"}, "start": 1},
	}, Config{})
	if err != nil {
		t.Fatalf("New round-robin: %v", err)
	}
	r := rr.(*RoundRobin)
	if got := r.Pick(0); got != 1 {
		t.Errorf("Pick(0) = %d, want 1", got)
	}
	if got := r.Pick(2); got != 0 {
		t.Errorf("Pick(2) = %d, want 0", got)
	}
	r.Advance(1)
	if got := r.Pick(0); got != 2 {
		t.Errorf("Pick(0) after Advance = %d, want 2", got)
	}

	_, err = New(&ir.ClientDef{
		Name:     "Bad",
		Provider: ProviderRoundRobin,
		Options:  map[string]any{"strategy": []any{"A"}, "start": 3},
	}, Config{})
	if err == nil {
		t.Error("expected error for out-of-range start")
	}
}

func TestNewResolvesEnv(t *testing.T) {
	def := &ir.ClientDef{
		Name:     "Main",
		Provider: ProviderOpenAI,
		Options:  map[string]any{"model": "gpt-4o", "api_key": "env.OPENAI_API_KEY"},
	}

	p, err := New(def, Config{Env: map[string]string{"OPENAI_API_KEY": "sk-test"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	headers := p.(*Primitive).vendor.headers()
	if headers["Authorization"] != "Bearer sk-test" {
		t.Errorf("Authorization = %q", headers["Authorization"])
	}

	if _, err := New(def, Config{}); err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("expected missing env error, got %v", err)
	}
}

func TestParseShorthand(t *testing.T) {
	def, ok := ParseShorthand("anthropic/claude-sonnet")
	if !ok {
		t.Fatal("expected shorthand to parse")
	}
	if def.Provider != "anthropic" || def.Options["model"] != "claude-sonnet" {
		t.Errorf("unexpected definition: %+v", def)
	}
	for _, bad := range []string{"MyClient", "/model", "openai/"} {
		if _, ok := ParseShorthand(bad); ok {
			t.Errorf("ParseShorthand(%q) should fail", bad)
		}
	}
}

func TestInvocationParams(t *testing.T) {
	p := newTestPrimitive(t, ProviderOpenAI, "http://unused", map[string]any{
		"temperature":        0.2,
		"request_timeout_ms": 1000,
	})
	params := p.InvocationParams()
	if params["model"] != "test-model" || params["temperature"] != 0.2 {
		t.Errorf("unexpected params: %v", params)
	}
	for _, key := range []string{"api_key", "base_url", "request_timeout_ms"} {
		if _, ok := params[key]; ok {
			t.Errorf("params should not contain %s", key)
		}
	}
}

func TestBuildRequest(t *testing.T) {
	rp := chatPrompt(
		textMessage(prompt.RoleSystem, "be brief"),
		textMessage(prompt.RoleUser, "hi"),
		textMessage("tool", "ignored role"),
	)

	tests := []struct {
		name     string
		provider string
		stream   bool
		wantURL  string
		checks   map[string]string
	}{
		{
			name:     "openai",
			provider: ProviderOpenAI,
			wantURL:  "http://llm/chat/completions",
			checks: map[string]string{
				"model":              "test-model",
				"messages.0.role":    "system",
				"messages.1.content": "hi",
				"messages.2.role":    "system",
			},
		},
		{
			name:     "anthropic",
			provider: ProviderAnthropic,
			stream:   true,
			wantURL:  "http://llm/v1/messages",
			checks: map[string]string{
				"system.0.text":             "be brief",
				"messages.0.role":           "user",
				"messages.0.content.0.text": "hi",
				"max_tokens":                "4096",
				"stream":                    "true",
			},
		},
		{
			name:     "google",
			provider: ProviderGoogleAI,
			stream:   true,
			wantURL:  "http://llm/models/test-model:streamGenerateContent?alt=sse",
			checks: map[string]string{
				"systemInstruction.parts.0.text": "be brief",
				"contents.0.role":                "user",
				"contents.0.parts.0.text":        "hi",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPrimitive(t, tt.provider, "http://llm", nil)
			req, err := p.BuildRequest(rp, tt.stream)
			if err != nil {
				t.Fatalf("BuildRequest: %v", err)
			}
			if req.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", req.URL, tt.wantURL)
			}
			for path, want := range tt.checks {
				if got := gjson.GetBytes(req.Body, path).String(); got != want {
					t.Errorf("%s = %q, want %q (body %s)", path, got, want, req.Body)
				}
			}
		})
	}
}

func TestCallOpenAI(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"test-model-2024","choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	p := newTestPrimitive(t, ProviderOpenAI, srv.URL, nil)
	resp := p.Call(context.Background(), chatPrompt(textMessage(prompt.RoleUser, "hi")))

	if !resp.IsSuccess() {
		t.Fatalf("expected success, got %v", resp.Err())
	}
	if resp.Content != `{"ok":true}` || resp.FinishReason != "stop" || resp.Model != "test-model-2024" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gjson.GetBytes(gotBody, "stream").Exists() {
		t.Errorf("non-streaming request should not set stream: %s", gotBody)
	}
}

func TestCallFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode ErrorCode
		wantMsg  string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, ErrorInvalidAuthentication, "bad key"},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ErrorRateLimited, "slow down"},
		{"server error", http.StatusInternalServerError, `oops`, ErrorServerError, "oops"},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrorUnsupportedResponse, "no choices"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p := newTestPrimitive(t, ProviderOpenAI, srv.URL, nil)
			resp := p.Call(context.Background(), chatPrompt(textMessage(prompt.RoleUser, "hi")))
			if resp.Kind != LLMFailure {
				t.Fatalf("Kind = %v, want llm_failure", resp.Kind)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", resp.Code, tt.wantCode)
			}
			if !strings.Contains(resp.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want containing %q", resp.Message, tt.wantMsg)
			}
		})
	}
}

func TestCallCanceled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPrimitive(t, ProviderOpenAI, srv.URL, nil)
	resp := p.Call(ctx, chatPrompt(textMessage(prompt.RoleUser, "hi")))
	if resp.Kind != LLMFailure || resp.Code != ErrorCanceled {
		t.Errorf("expected canceled failure, got %v %v", resp.Kind, resp.Code)
	}
}

func TestStreamCanceledBeforeHeaders(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	p := newTestPrimitive(t, ProviderOpenAI, srv.URL, nil)
	start := time.Now()
	resp := p.Stream(ctx, chatPrompt(textMessage(prompt.RoleUser, "hi")), nil, 0, func(bamlsse.Update) {})
	elapsed := time.Since(start)

	if resp.Kind != LLMFailure || resp.Code != ErrorCanceled {
		t.Errorf("expected canceled failure, got %v %v", resp.Kind, resp.Code)
	}
	if elapsed > time.Second {
		t.Errorf("Stream returned after %v, want it to follow the context", elapsed)
	}
}

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
	}))
}

func TestStreamOpenAI(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"{\"a\":"}}]}`,
		`{"choices":[{"delta":{"content":"1}"},"finish_reason":"stop"}]}`,
		bamlsse.DoneSentinel,
	)
	defer srv.Close()

	p := newTestPrimitive(t, ProviderOpenAI, srv.URL, nil)

	var fulls []string
	resp := p.Stream(context.Background(), chatPrompt(textMessage(prompt.RoleUser, "hi")), nil, 0,
		func(u bamlsse.Update) { fulls = append(fulls, u.Full) })

	if !resp.IsSuccess() {
		t.Fatalf("expected success, got %v", resp.Err())
	}
	if resp.Content != `{"a":1}` || resp.FinishReason != "stop" {
		t.Errorf("unexpected response: %+v", resp)
	}
	want := []string{`{"a":`, `{"a":1}`}
	if strings.Join(fulls, "|") != strings.Join(want, "|") {
		t.Errorf("updates = %q, want %q", fulls, want)
	}
}

func TestStreamAnthropicError(t *testing.T) {
	srv := sseServer(t,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	)
	defer srv.Close()

	p := newTestPrimitive(t, ProviderAnthropic, srv.URL, nil)
	resp := p.Stream(context.Background(), chatPrompt(textMessage(prompt.RoleUser, "hi")), nil, 0, nil)
	if resp.Kind != LLMFailure || resp.Message != "Overloaded" {
		t.Errorf("expected overloaded failure, got %+v", resp)
	}
}

func TestStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"down"}}`)
	}))
	defer srv.Close()

	p := newTestPrimitive(t, ProviderOpenAI, srv.URL, nil)
	resp := p.Stream(context.Background(), chatPrompt(textMessage(prompt.RoleUser, "hi")), nil, 0, nil)
	if resp.Kind != LLMFailure || resp.Code != ErrorServiceUnavailable || resp.Message != "down" {
		t.Errorf("unexpected response: %+v", resp)
	}
}
