package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/internal/mockllm"
	"github.com/invakid404/baml-runtime/runtime"
)

const testProject = `
classes:
  Resume:
    properties:
      name: string
      skills: string[]
clients:
  Main:
    provider: openai
    options:
      model: resume
      base_url: env.MOCK_URL
      api_key: test-key
  Missing:
    provider: openai
    options:
      model: missing
      base_url: env.MOCK_URL
      api_key: test-key
functions:
  ExtractResume:
    params:
      - name: text
        type: string
    output: Resume
    client: Main
    prompt: |
      {{ role "user" }}{{ .text }}
      {{ .ctx.output_format }}
  Unavailable:
    params:
      - name: text
        type: string
    output: string
    client: Missing
    prompt: "{{ .text }}"
`

const resumeJSON = `{"name": "Ada", "skills": ["math", "engines"]}`

func newTestServer(t *testing.T) (*server, *mockllm.ScenarioStore) {
	t.Helper()
	mock := mockllm.NewServer(zerolog.Nop())
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)

	project, err := runtime.LoadFS(fstest.MapFS{"project.yaml": {Data: []byte(testProject)}})
	require.NoError(t, err)

	rt, err := runtime.New(project,
		runtime.WithLogger(zerolog.Nop()),
		runtime.WithEnv(map[string]string{"MOCK_URL": srv.URL + "/v1"}),
	)
	require.NoError(t, err)

	return newServer(rt, zerolog.Nop()), mock.Store()
}

func newTestApp(t *testing.T, s *server) *fiber.App {
	t.Helper()
	openapiJSON, openapiYAML, err := buildOpenAPI(s.rt)
	require.NoError(t, err)

	app, err := s.newApp(appConfig{
		OpenAPIJSON:          openapiJSON,
		OpenAPIYAML:          openapiYAML,
		SSEKeepaliveInterval: time.Minute,
	})
	require.NoError(t, err)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second, FailOnTimeout: true})
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestCallEndpoints(t *testing.T) {
	s, store := newTestServer(t)
	store.Register(&mockllm.Scenario{ID: "resume", Content: "Here you go:\n```json\n" + resumeJSON + "\n```"})
	app := newTestApp(t, s)

	resp, body := doRequest(t, app, http.MethodPost, "/call/ExtractResume", `{"text": "Ada Lovelace"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Ada", gjson.GetBytes(body, "name").String())
	assert.Equal(t, int64(2), gjson.GetBytes(body, "skills.#").Int())

	resp, body = doRequest(t, app, http.MethodPost, "/call-with-raw/ExtractResume", `{"text": "Ada Lovelace"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Ada", gjson.GetBytes(body, "data.name").String())
	assert.Contains(t, gjson.GetBytes(body, "raw").String(), "Here you go")
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestCallErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
		body    string
		status  int
		code    string
		message string
	}{
		{
			name:    "invalid json",
			path:    "/call/ExtractResume",
			body:    `{"text": `,
			status:  http.StatusBadRequest,
			code:    "invalid_request",
			message: "invalid JSON payload",
		},
		{
			name:    "missing argument",
			path:    "/call/ExtractResume",
			body:    `{}`,
			status:  http.StatusBadRequest,
			code:    "invalid_request",
			message: `missing required argument "text"`,
		},
		{
			name:    "unknown argument",
			path:    "/call/ExtractResume",
			body:    `{"text": "x", "extra": 1}`,
			status:  http.StatusBadRequest,
			code:    "invalid_request",
			message: `unknown argument "extra"`,
		},
		{
			name:    "output does not coerce",
			content: "I am not able to help with that.",
			path:    "/call/ExtractResume",
			body:    `{"text": "x"}`,
			status:  http.StatusUnprocessableEntity,
			code:    "unparseable_output",
			message: "failed to coerce model output",
		},
		{
			name:    "no client succeeded",
			path:    "/call/Unavailable",
			body:    `{"text": "x"}`,
			status:  http.StatusBadGateway,
			code:    "upstream_failure",
			message: "no client succeeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := newTestServer(t)
			if tt.content != "" {
				store.Register(&mockllm.Scenario{ID: "resume", Content: tt.content})
			}
			app := newTestApp(t, s)

			resp, body := doRequest(t, app, http.MethodPost, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			assert.Contains(t, gjson.GetBytes(body, "error").String(), tt.message)
			assert.Equal(t, tt.code, gjson.GetBytes(body, "code").String())
			assert.NotEmpty(t, gjson.GetBytes(body, "request_id").String())
		})
	}
}

func TestParseEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	app := newTestApp(t, s)

	resp, body := doRequest(t, app, http.MethodPost, "/parse/ExtractResume",
		`{"raw": "{name: Ada, skills: [math,],}"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Ada", gjson.GetBytes(body, "name").String())
	assert.Equal(t, "math", gjson.GetBytes(body, "skills.0").String())

	resp, body = doRequest(t, app, http.MethodPost, "/parse/ExtractResume",
		`{"raw": "{\"name\": \"Ada\", \"skills\": [\"ma", "partial": true}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Ada", gjson.GetBytes(body, "name").String())

	resp, body = doRequest(t, app, http.MethodPost, "/parse/ExtractResume", `{"raw": "nothing useful"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))

	resp, body = doRequest(t, app, http.MethodPost, "/parse/_dynamic", `{
		"raw": "{\"answer\": \"42\"}",
		"output_schema": {"properties": {"answer": {"type": "string"}, "score": {"type": "int?"}}}
	}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "42", gjson.GetBytes(body, "answer").String())
	assert.True(t, gjson.GetBytes(body, "score").Exists())

	resp, body = doRequest(t, app, http.MethodPost, "/parse/_dynamic", `{"raw": "{}"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestDynamicCall(t *testing.T) {
	s, store := newTestServer(t)
	store.Register(&mockllm.Scenario{ID: "dyn", Content: `{"answer": "42"}`})
	app := newTestApp(t, s)

	resp, body := doRequest(t, app, http.MethodPost, "/call/_dynamic", `{
		"messages": [
			{"role": "system", "content": "Answer. {output_format}"},
			{"role": "user", "content": "What is the answer?"}
		],
		"client_registry": {
			"primary": "Dyn",
			"clients": [{"name": "Dyn", "provider": "openai", "options": {"model": "dyn", "base_url": "env.MOCK_URL", "api_key": "k"}}]
		},
		"output_schema": {"properties": {"answer": {"type": "string"}}}
	}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "42", gjson.GetBytes(body, "answer").String())

	resp, body = doRequest(t, app, http.MethodPost, "/call/_dynamic", `{"messages": []}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func readNDJSON(t *testing.T, r io.Reader) []NDJSONEvent {
	t.Helper()
	var events []NDJSONEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event NDJSONEvent
		require.NoError(t, json.Unmarshal(line, &event), string(line))
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestStreamNDJSON(t *testing.T) {
	s, store := newTestServer(t)
	store.Register(&mockllm.Scenario{ID: "resume", Content: resumeJSON, ChunkSize: 8})
	app := newTestApp(t, s)

	resp, body := doRequest(t, app, http.MethodPost, "/stream-with-raw/ExtractResume", `{"text": "Ada"}`,
		map[string]string{"Accept": ContentTypeNDJSON})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, ContentTypeNDJSON, resp.Header.Get("Content-Type"))

	events := readNDJSON(t, strings.NewReader(string(body)))
	require.NotEmpty(t, events)

	final := events[len(events)-1]
	require.Equal(t, NDJSONEventFinal, final.Type, string(body))
	assert.Equal(t, "Ada", gjson.GetBytes(final.Data, "name").String())
	assert.Equal(t, resumeJSON, final.Raw)

	for _, event := range events[:len(events)-1] {
		assert.Equal(t, NDJSONEventData, event.Type)
		assert.True(t, strings.HasPrefix(resumeJSON, event.Raw), "partial raw %q is not a prefix", event.Raw)
	}
}

func TestStreamNDJSONError(t *testing.T) {
	s, _ := newTestServer(t)
	app := newTestApp(t, s)

	resp, body := doRequest(t, app, http.MethodPost, "/stream/Unavailable", `{"text": "x"}`,
		map[string]string{"Accept": ContentTypeNDJSON})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	events := readNDJSON(t, strings.NewReader(string(body)))
	require.Len(t, events, 1)
	assert.Equal(t, NDJSONEventError, events[0].Type)
	assert.Contains(t, events[0].Error, "no client succeeded")

	resp, body = doRequest(t, app, http.MethodPost, "/stream/Unavailable", `not json`,
		map[string]string{"Accept": ContentTypeNDJSON})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestHandleStreamOverNetHTTP(t *testing.T) {
	s, store := newTestServer(t)
	store.Register(&mockllm.Scenario{ID: "resume", Content: resumeJSON, ChunkSize: 4})

	req, err := decodeCallRequest("ExtractResume", []byte(`{"text": "Ada"}`))
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/stream/ExtractResume", nil)
	httpReq.Header.Set("Accept", ContentTypeNDJSON)
	rec := httptest.NewRecorder()

	s.HandleStream(rec, httpReq, req, bamlutils.StreamModeStream, &StreamHandlerConfig{})

	events := readNDJSON(t, rec.Body)
	require.NotEmpty(t, events)
	final := events[len(events)-1]
	assert.Equal(t, NDJSONEventFinal, final.Type)
	assert.Empty(t, final.Raw, "raw is only sent in with-raw mode")
}

func TestUnaryRouter(t *testing.T) {
	s, store := newTestServer(t)
	store.Register(&mockllm.Scenario{ID: "resume", Content: resumeJSON})

	srv := httptest.NewServer(s.newUnaryRouter())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/call/ExtractResume", "application/json", strings.NewReader(`{"text": "Ada"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "Ada", gjson.GetBytes(body, "name").String())
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp, err = http.Post(srv.URL+"/parse/ExtractResume", "application/json", strings.NewReader(`{"raw": "nope"}`))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))

	resp, err = http.Post(srv.URL+"/stream/ExtractResume", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "streams are not served by the unary router")
}

func TestServiceEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	app := newTestApp(t, s)

	resp, body := doRequest(t, app, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, gjson.GetBytes(body, `paths./call/ExtractResume`).Exists())
	assert.True(t, gjson.GetBytes(body, `paths./parse/_dynamic`).Exists())

	resp, body = doRequest(t, app, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/call/ExtractResume:")

	doRequest(t, app, http.MethodPost, "/call/ExtractResume", `{}`, nil)
	resp, body = doRequest(t, app, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_requests_total")
}

func TestNegotiateStreamFormat(t *testing.T) {
	tests := []struct {
		accept string
		want   StreamFormat
	}{
		{"", StreamFormatSSE},
		{"text/event-stream", StreamFormatSSE},
		{ContentTypeNDJSON, StreamFormatNDJSON},
		{"text/event-stream;q=0.5, application/x-ndjson;q=0.9", StreamFormatNDJSON},
		{"application/json", StreamFormatSSE},
	}
	for _, tt := range tests {
		if got := NegotiateStreamFormatFromAccept(tt.accept); got != tt.want {
			t.Errorf("%q: expected %d, got %d", tt.accept, tt.want, got)
		}
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{context.Canceled, http.StatusRequestTimeout},
		{runtime.ErrFunctionNotFound, http.StatusNotFound},
		{badRequest(errors.New("boom"), "invalid JSON payload"), http.StatusBadRequest},
		{&runtime.CoercionError{Raw: "x", Err: errors.New("boom")}, http.StatusUnprocessableEntity},
		{&runtime.LLMError{}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, message := errorStatus(tt.err)
		if status != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, status)
		}
		if status == http.StatusInternalServerError && strings.Contains(message, "boom") {
			t.Errorf("internal error leaked to client: %q", message)
		}
	}
}
