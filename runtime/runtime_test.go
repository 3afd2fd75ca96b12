package runtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/internal/mockllm"
	"github.com/invakid404/baml-runtime/llmclient"
	"github.com/invakid404/baml-runtime/orchestrator"
)

const testProject = `
runtime_version: "0.3.0"
enums:
  Sentiment:
    values:
      - name: HAPPY
      - name: SAD
classes:
  Resume:
    properties:
      name: string
      skills: string[]
      sentiment: Sentiment?
clients:
  Primary:
    provider: openai
    retry_policy: Quick
    options:
      model: resume
      base_url: env.MOCK_URL
      api_key: test-key
  Backup:
    provider: openai
    options:
      model: backup
      base_url: env.MOCK_URL
  Chain:
    provider: fallback
    options:
      strategy: [Primary, Backup]
  Rotate:
    provider: round-robin
    options:
      start: 0
      strategy: [Primary, Backup]
retry_policies:
  Quick:
    max_retries: 1
    strategy:
      type: constant_delay
      delay_ms: 5
`

const testFunctions = `
functions:
  ExtractResume:
    params:
      - name: text
        type: string
      - name: limit
        type: int?
    output: Resume
    client: Chain
    prompt: |
      {{ role "system" }}Extract the resume.
      {{ .ctx.output_format }}
      {{ role "user" }}{{ .text }}
  Echo:
    params:
      - name: text
        type: string
    output: string
    client: Rotate
    prompt: "Echo {{ .text }}"
  Describe:
    params:
      - name: photo
        type: image
    output: string
    client: Backup
    prompt: '{{ role "user" }}Describe {{ image .photo }}'
`

const resumeJSON = `{"name": "Ada", "skills": ["math", "engines"], "sentiment": "HAPPY"}`

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"types.yaml":         {Data: []byte(testProject)},
		"nested/funcs.yml":   {Data: []byte(testFunctions)},
		"nested/ignored.txt": {Data: []byte("not a project file")},
	}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestRuntime(t *testing.T) (*Runtime, *mockllm.ScenarioStore) {
	t.Helper()
	server := mockllm.NewServer(zerolog.Nop())
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	project, err := LoadFS(testFS())
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	rt, err := New(project,
		WithEnv(map[string]string{"MOCK_URL": srv.URL + "/v1"}),
		WithOrchestratorOptions(orchestrator.WithSleep(noSleep)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt, server.Store()
}

func TestLoadFS(t *testing.T) {
	project, err := LoadFS(testFS())
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	if len(project.Files) != 2 {
		t.Errorf("expected 2 project files, got %v", project.Files)
	}

	fn, err := project.Registry.FindFunction("ExtractResume")
	if err != nil {
		t.Fatalf("FindFunction: %v", err)
	}
	if fn.Output.String() != "Resume" || len(fn.Params) != 2 {
		t.Errorf("unexpected function: output=%s params=%d", fn.Output, len(fn.Params))
	}
	if got := fn.Params[1].Type.String(); got != "int?" {
		t.Errorf("limit type = %s", got)
	}

	describe, err := project.Registry.FindFunction("Describe")
	if err != nil {
		t.Fatalf("FindFunction: %v", err)
	}
	if describe.Params[0].Media == nil || *describe.Params[0].Media != bamlutils.MediaKindImage {
		t.Errorf("expected photo to be an image parameter")
	}

	class, err := project.Registry.FindClass("Resume")
	if err != nil {
		t.Fatalf("FindClass: %v", err)
	}
	var fields []string
	for _, f := range class.Fields {
		fields = append(fields, f.Name)
	}
	if strings.Join(fields, ",") != "name,skills,sentiment" {
		t.Errorf("field order = %v", fields)
	}
}

func TestNewKeepsCallerEnv(t *testing.T) {
	project, err := LoadFS(testFS())
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	project.Env = map[string]string{"MOCK_URL": "http://from-dotenv", "EXTRA": "1"}

	env := map[string]string{"MOCK_URL": "http://explicit"}
	rt, err := New(project, WithEnv(env))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if len(env) != 1 || env["MOCK_URL"] != "http://explicit" {
		t.Errorf("caller env was modified: %v", env)
	}
	if got := rt.env["MOCK_URL"]; got != "http://explicit" {
		t.Errorf("MOCK_URL = %q, explicit env should win", got)
	}
	if got := rt.env["EXTRA"]; got != "1" {
		t.Errorf("EXTRA = %q, want the project value", got)
	}
}

func TestLoadFSErrors(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
		want  string
	}{
		{
			name:  "no files",
			files: fstest.MapFS{"README.md": {Data: []byte("hi")}},
			want:  "no project files",
		},
		{
			name: "duplicate class",
			files: fstest.MapFS{
				"a.yaml": {Data: []byte("classes:\n  A:\n    properties:\n      x: int\n")},
				"b.yaml": {Data: []byte("classes:\n  A:\n    properties:\n      y: int\n")},
			},
			want: `class "A" is declared more than once`,
		},
		{
			name:  "newer runtime",
			files: fstest.MapFS{"a.yaml": {Data: []byte("runtime_version: \"99.0.0\"\n")}},
			want:  "only supports up to",
		},
		{
			name: "unknown output type",
			files: fstest.MapFS{"a.yaml": {Data: []byte(`
functions:
  F:
    output: Missing
    client: openai/gpt-4o
    prompt: hi
`)}},
			want: "Missing",
		},
		{
			name: "unknown client",
			files: fstest.MapFS{"a.yaml": {Data: []byte(`
functions:
  F:
    output: string
    client: Nope
    prompt: hi
`)}},
			want: `unknown client "Nope"`,
		},
		{
			name: "invalid retry policy",
			files: fstest.MapFS{"a.yaml": {Data: []byte(`
retry_policies:
  Bad:
    max_retries: 1
    strategy:
      type: constant_delay
      multiplier: 2
`)}},
			want: "multiplier is not valid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFS(tt.files)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadFSShorthandClient(t *testing.T) {
	project, err := LoadFS(fstest.MapFS{"a.yaml": {Data: []byte(`
functions:
  F:
    output: string
    client: anthropic/claude-sonnet
    prompt: hi
`)}})
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	def, err := project.Registry.FindClient("anthropic/claude-sonnet")
	if err != nil {
		t.Fatalf("FindClient: %v", err)
	}
	if def.Provider != llmclient.ProviderAnthropic || def.Options["model"] != "claude-sonnet" {
		t.Errorf("unexpected client %+v", def)
	}
}

func TestCallFunctionFallsBack(t *testing.T) {
	rt, store := newTestRuntime(t)
	store.Register(&mockllm.Scenario{ID: "resume", FailRequests: 5, FailureMode: mockllm.FailureServerError})
	store.Register(&mockllm.Scenario{ID: "backup", Content: "Here you go:\n```json\n" + resumeJSON + "\n```"})

	res, err := rt.CallFunction(context.Background(), "ExtractResume", map[string]any{"text": "Ada Lovelace"}, nil)
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}

	if len(res.Attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(res.Attempts))
	}
	if res.Scope.ClientName() != "Backup" {
		t.Errorf("scope = %s", res.Scope)
	}
	if res.CallID == "" {
		t.Error("expected a call ID")
	}
	if res.TotalSleep != 5*time.Millisecond {
		t.Errorf("TotalSleep = %v", res.TotalSleep)
	}

	name, _ := res.Value.Get("name")
	skills, _ := res.Value.Get("skills")
	if name == nil || name.Str != "Ada" || skills == nil || len(skills.Items) != 2 {
		t.Errorf("unexpected value %+v", res.Value.Any())
	}

	req, ok := store.GetLastRequest("backup")
	if !ok {
		t.Fatal("backup was not called")
	}
	system := gjson.GetBytes(req.Body, "messages.0")
	if system.Get("role").String() != "system" || !strings.Contains(system.Get("content").String(), "Answer in JSON") {
		t.Errorf("system message = %s", system.Raw)
	}
	if got := gjson.GetBytes(req.Body, "messages.1.content").String(); got != "Ada Lovelace" {
		t.Errorf("user message = %q", got)
	}
}

func TestCallFunctionUserErrors(t *testing.T) {
	rt, store := newTestRuntime(t)
	store.Register(&mockllm.Scenario{ID: "resume", Content: resumeJSON})

	tests := []struct {
		name string
		fn   string
		args map[string]any
		want string
	}{
		{name: "missing argument", fn: "ExtractResume", args: map[string]any{}, want: `missing required argument "text"`},
		{name: "unknown argument", fn: "ExtractResume", args: map[string]any{"text": "x", "extra": 1}, want: `unknown argument "extra"`},
		{name: "wrong type", fn: "ExtractResume", args: map[string]any{"text": "x", "limit": "lots"}, want: `invalid argument "limit"`},
		{name: "bad media", fn: "Describe", args: map[string]any{"photo": 42}, want: `invalid argument "photo"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.CallFunction(context.Background(), tt.fn, tt.args, nil)
			var userErr *UserError
			if !errors.As(err, &userErr) {
				t.Fatalf("expected *UserError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}

	if store.RequestCount("resume") != 0 {
		t.Error("invalid input must not reach the model")
	}

	if _, err := rt.CallFunction(context.Background(), "Nope", nil, nil); !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("expected ErrFunctionNotFound, got %v", err)
	}
}

func TestCallFunctionErrors(t *testing.T) {
	rt, store := newTestRuntime(t)
	store.Register(&mockllm.Scenario{ID: "resume", FailRequests: 5, FailureMode: mockllm.FailureUnauthorized})
	store.Register(&mockllm.Scenario{ID: "backup", FailRequests: 1, FailureMode: mockllm.FailureRateLimited})

	_, err := rt.CallFunction(context.Background(), "ExtractResume", map[string]any{"text": "x"}, nil)
	var llmErr *LLMError
	if !errors.As(err, &llmErr) || !errors.Is(err, ErrNoClientSucceeded) {
		t.Fatalf("expected *LLMError, got %v", err)
	}
	if llmErr.Attempts != 3 || llmErr.Response.Client != "Backup" || llmErr.Response.Code != llmclient.ErrorRateLimited {
		t.Errorf("unexpected last response: attempts=%d client=%s code=%s",
			llmErr.Attempts, llmErr.Response.Client, llmErr.Response.Code)
	}

	store.Register(&mockllm.Scenario{ID: "resume", Content: "I cannot help with that."})
	res, err := rt.CallFunction(context.Background(), "ExtractResume", map[string]any{"text": "x"}, nil)
	var coercionErr *CoercionError
	if !errors.As(err, &coercionErr) {
		t.Fatalf("expected *CoercionError, got %v", err)
	}
	if coercionErr.Raw != "I cannot help with that." || res == nil || res.Value != nil {
		t.Errorf("unexpected coercion result: raw=%q res=%+v", coercionErr.Raw, res)
	}
}

func TestCallFunctionMediaArgument(t *testing.T) {
	rt, store := newTestRuntime(t)
	store.Register(&mockllm.Scenario{ID: "backup", Content: "a cat"})

	res, err := rt.CallFunction(context.Background(), "Describe", map[string]any{
		"photo": map[string]any{"url": "https://example.com/cat.png"},
	}, nil)
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if res.Value.Str != "a cat" {
		t.Errorf("value = %q", res.Value.Str)
	}

	req, _ := store.GetLastRequest("backup")
	if got := gjson.GetBytes(req.Body, "messages.0.content.1.image_url.url").String(); got != "https://example.com/cat.png" {
		t.Errorf("image part = %s", gjson.GetBytes(req.Body, "messages.0.content").Raw)
	}
}

func TestRoundRobinRotatesAcrossCalls(t *testing.T) {
	rt, store := newTestRuntime(t)
	store.Register(&mockllm.Scenario{ID: "resume", Content: "one"})
	store.Register(&mockllm.Scenario{ID: "backup", Content: "two"})

	var got []string
	for range 3 {
		res, err := rt.CallFunction(context.Background(), "Echo", map[string]any{"text": "hi"}, nil)
		if err != nil {
			t.Fatalf("CallFunction: %v", err)
		}
		got = append(got, res.Value.Str)
	}
	if strings.Join(got, ",") != "one,two,one" {
		t.Errorf("rotation = %v", got)
	}
}

func TestClientRegistryOverride(t *testing.T) {
	rt, store := newTestRuntime(t)
	store.Register(&mockllm.Scenario{ID: "override-model", Content: resumeJSON, Provider: "anthropic"})

	primary := "Override"
	opts := &bamlutils.BamlOptions{
		ClientRegistry: &bamlutils.ClientRegistry{
			Primary: &primary,
			Clients: []*bamlutils.ClientProperty{{
				Name:     "Override",
				Provider: llmclient.ProviderAnthropic,
				Options:  map[string]any{"model": "override-model", "base_url": "env.MOCK_URL", "api_key": "k"},
			}},
		},
	}
	res, err := rt.CallFunction(context.Background(), "ExtractResume", map[string]any{"text": "x"}, opts)
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if res.Response.Client != "Override" {
		t.Errorf("client = %s", res.Response.Client)
	}
	req, _ := store.GetLastRequest("override-model")
	if req == nil || !strings.HasSuffix(req.Path, "/v1/messages") {
		t.Errorf("expected an anthropic request, got %+v", req)
	}

	bad := &bamlutils.BamlOptions{ClientRegistry: &bamlutils.ClientRegistry{
		Clients: []*bamlutils.ClientProperty{{Name: "Broken", Provider: "nope"}},
	}}
	_, err = rt.CallFunction(context.Background(), "ExtractResume", map[string]any{"text": "x"}, bad)
	var userErr *UserError
	if !errors.As(err, &userErr) {
		t.Errorf("expected *UserError for a broken client registry, got %v", err)
	}
}

func TestTypeBuilderOverlay(t *testing.T) {
	rt, store := newTestRuntime(t)
	store.Register(&mockllm.Scenario{ID: "resume", Content: `{"name": "Ada", "skills": [], "years": 12}`})

	opts := &bamlutils.BamlOptions{TypeBuilder: &bamlutils.TypeBuilder{
		DynamicTypes: &bamlutils.DynamicTypes{
			Classes: map[string]*bamlutils.DynamicClass{
				"Resume": {Properties: bamlutils.OrderedProperties{
					{Name: "years", Property: &bamlutils.DynamicProperty{Type: "int"}},
				}},
			},
		},
	}}
	res, err := rt.CallFunction(context.Background(), "ExtractResume", map[string]any{"text": "x"}, opts)
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if years, ok := res.Value.Get("years"); !ok || years.Int != 12 {
		t.Errorf("years = %+v", years)
	}

	req, _ := store.GetLastRequest("resume")
	if !strings.Contains(gjson.GetBytes(req.Body, "messages.0.content").String(), "years: int") {
		t.Error("output format should describe the added property")
	}

	class, _ := rt.Registry().FindClass("Resume")
	if _, ok := class.Field("years"); ok {
		t.Error("type builder must not modify the project registry")
	}
}

func TestStreamFunction(t *testing.T) {
	rt, store := newTestRuntime(t)
	store.Register(&mockllm.Scenario{ID: "resume", Content: resumeJSON, ChunkSize: 8})

	var mu sync.Mutex
	var partials []Partial
	res, err := rt.StreamFunction(context.Background(), "ExtractResume", map[string]any{"text": "x"}, nil, nil,
		func(p Partial) {
			mu.Lock()
			defer mu.Unlock()
			partials = append(partials, p)
		})
	if err != nil {
		t.Fatalf("StreamFunction: %v", err)
	}
	if res.Raw != resumeJSON {
		t.Errorf("raw = %q", res.Raw)
	}
	if len(partials) == 0 {
		t.Fatal("expected partial values")
	}
	for i := 1; i < len(partials); i++ {
		if len(partials[i].Raw) < len(partials[i-1].Raw) {
			t.Errorf("partial %d shrank", i)
		}
	}
	if sentiment, ok := res.Value.Get("sentiment"); !ok || sentiment.Str != "HAPPY" {
		t.Errorf("sentiment = %+v", sentiment)
	}
}

func TestParseOutput(t *testing.T) {
	rt, _ := newTestRuntime(t)

	value, err := rt.ParseOutput("ExtractResume", `{"name": "Ada", "skills": "math"}`, nil, false)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if skills, _ := value.Get("skills"); len(skills.Items) != 1 {
		t.Errorf("single string should become a one-element list, got %+v", skills.Any())
	}

	if _, err := rt.ParseOutput("ExtractResume", `{"skills": []}`, nil, false); err == nil {
		t.Error("expected missing name to fail")
	}
	partial, err := rt.ParseOutput("ExtractResume", `{"skills": ["ma`, nil, true)
	if err != nil {
		t.Fatalf("partial ParseOutput: %v", err)
	}
	if name, ok := partial.Get("name"); !ok || name.Kind.String() != "null" {
		t.Errorf("pending name = %+v", name)
	}
}

func TestCallDynamic(t *testing.T) {
	rt, store := newTestRuntime(t)
	store.Register(&mockllm.Scenario{ID: "dyn", Content: `{"answer": "42", "confidence": 0.9}`})

	primary := "Dyn"
	input := &bamlutils.DynamicInput{
		Messages: []bamlutils.DynamicMessage{
			{Role: "system", Content: "Answer the question. " + OutputFormatPlaceholder},
			{Role: "user", Content: "What is the answer?"},
		},
		ClientRegistry: &bamlutils.ClientRegistry{
			Primary: &primary,
			Clients: []*bamlutils.ClientProperty{{
				Name:     "Dyn",
				Provider: llmclient.ProviderOpenAIGeneric,
				Options:  map[string]any{"model": "dyn", "base_url": "env.MOCK_URL"},
			}},
		},
		OutputSchema: &bamlutils.DynamicOutputSchema{Properties: bamlutils.OrderedProperties{
			{Name: "answer", Property: &bamlutils.DynamicProperty{Type: "string"}},
			{Name: "confidence", Property: &bamlutils.DynamicProperty{Type: "float"}},
		}},
	}

	res, err := rt.CallDynamic(context.Background(), input)
	if err != nil {
		t.Fatalf("CallDynamic: %v", err)
	}
	if res.Function != bamlutils.DynamicFunctionName {
		t.Errorf("function = %s", res.Function)
	}
	if answer, _ := res.Value.Get("answer"); answer.Str != "42" {
		t.Errorf("answer = %+v", answer)
	}

	req, _ := store.GetLastRequest("dyn")
	system := gjson.GetBytes(req.Body, "messages.0.content").String()
	if strings.Contains(system, OutputFormatPlaceholder) || !strings.Contains(system, "confidence: float") {
		t.Errorf("placeholder not replaced: %q", system)
	}

	if _, err := rt.CallDynamic(context.Background(), &bamlutils.DynamicInput{}); err == nil {
		t.Error("expected validation error")
	}

	parsed, err := rt.ParseDynamic(&bamlutils.DynamicParseInput{
		Raw:          `{"answer": "7", "conf`,
		OutputSchema: input.OutputSchema,
	}, true)
	if err != nil {
		t.Fatalf("ParseDynamic: %v", err)
	}
	if parsed.Name != bamlutils.DynamicOutputClass {
		t.Errorf("parsed class = %s", parsed.Name)
	}
}
