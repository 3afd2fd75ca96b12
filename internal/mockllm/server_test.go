package mockllm

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(zerolog.Nop())
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestScenarioStoreNext(t *testing.T) {
	store := NewScenarioStore()
	store.Register(&Scenario{
		ID:                       "m",
		Content:                  "default",
		ContentPerRequest:        []string{"first", "second"},
		InitialDelayMsPerRequest: []int{5, 0},
		FailRequests:             1,
	})

	tests := []struct {
		content string
		delayMs int
		fail    bool
	}{
		{"first", 5, true},
		{"second", 0, false},
		{"second", 0, false},
	}
	for i, tt := range tests {
		_, attempt, ok := store.Next("m")
		if !ok {
			t.Fatalf("request %d: scenario not found", i)
		}
		if attempt.Index != i || attempt.Content != tt.content || attempt.Fail != tt.fail ||
			attempt.InitialDelay.Milliseconds() != int64(tt.delayMs) {
			t.Errorf("request %d: unexpected attempt %+v", i, attempt)
		}
	}
	if got := store.RequestCount("m"); got != 3 {
		t.Errorf("RequestCount = %d, want 3", got)
	}
	if _, _, ok := store.Next("missing"); ok {
		t.Error("expected missing scenario")
	}
}

func TestServerNonStreaming(t *testing.T) {
	s, srv := newTestServer(t)
	s.Store().Register(&Scenario{ID: "gpt", Content: "hello"})

	resp := post(t, srv.URL+"/v1/chat/completions", `{"model":"gpt","messages":[]}`)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if got := gjson.GetBytes(body, "choices.0.message.content").String(); got != "hello" {
		t.Errorf("content = %q", got)
	}

	captured, ok := s.Store().GetLastRequest("gpt")
	if !ok || captured.Path != "/v1/chat/completions" {
		t.Errorf("unexpected captured request: %+v", captured)
	}
}

func TestServerStreamingFormats(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantLast string
	}{
		{"openai", "/v1/chat/completions", `{"model":"m","stream":true}`, "data: [DONE]"},
		{"anthropic", "/v1/messages", `{"model":"m","stream":true}`, `data: {"type":"message_stop"}`},
		{"google", "/v1beta/models/m:streamGenerateContent", `{}`, `"finishReason":"STOP"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, srv := newTestServer(t)
			s.Store().Register(&Scenario{ID: "m", Content: "abcdef", ChunkSize: 2})

			resp := post(t, srv.URL+tt.path, tt.body)
			if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
				t.Fatalf("Content-Type = %q", ct)
			}

			var dataLines []string
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
					dataLines = append(dataLines, line)
				}
			}
			if len(dataLines) < 3 {
				t.Fatalf("expected at least 3 data lines, got %d", len(dataLines))
			}
			if last := dataLines[len(dataLines)-1]; !strings.Contains(last, tt.wantLast) {
				t.Errorf("last event = %s, want containing %s", last, tt.wantLast)
			}
		})
	}
}

func TestServerFailures(t *testing.T) {
	s, srv := newTestServer(t)
	s.Store().Register(&Scenario{ID: "flaky", Content: "ok", FailRequests: 1, FailureMode: FailureRateLimited})

	resp := post(t, srv.URL+"/v1/messages", `{"model":"flaky"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("first status = %d, want 429", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if gjson.GetBytes(body, "type").String() != "error" {
		t.Errorf("expected anthropic error body, got %s", body)
	}

	resp = post(t, srv.URL+"/v1/messages", `{"model":"flaky"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second status = %d, want 200", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/v1/chat/completions", `{"model":"unknown"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown model status = %d, want 404", resp.StatusCode)
	}
}
