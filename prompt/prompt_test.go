package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/ir"
)

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(8)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	return r
}

func TestRenderChatRoles(t *testing.T) {
	r := newRenderer(t)

	tmpl := `You are a classifier.
{{ role "user" }}
Classify: {{ .text }}
{{ .ctx.output_format }}`

	out, err := r.Render(tmpl, map[string]any{"text": "great product"}, RenderContext{OutputFormat: "Answer as a bool"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out.Kind != KindChat {
		t.Fatalf("expected chat prompt, got %v", out.Kind)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(out.Messages), out.Messages)
	}

	tests := []struct {
		role string
		text string
	}{
		{RoleSystem, "You are a classifier."},
		{RoleUser, "Classify: great product\nAnswer as a bool"},
	}
	for i, tt := range tests {
		if out.Messages[i].Role != tt.role {
			t.Errorf("message %d: role = %q, want %q", i, out.Messages[i].Role, tt.role)
		}
		if got := out.Messages[i].Text(); got != tt.text {
			t.Errorf("message %d: text = %q, want %q", i, got, tt.text)
		}
	}
}

func TestRenderDropsEmptyMessages(t *testing.T) {
	r := newRenderer(t)

	out, err := r.Render("{{ role \"user\" }}hi{{ role \"assistant\" }}   \n", nil, RenderContext{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != RoleUser {
		t.Fatalf("unexpected messages: %+v", out.Messages)
	}
}

func TestRenderMedia(t *testing.T) {
	r := newRenderer(t)

	params := map[string]any{
		"photo": map[string]any{"url": "https://example.com/cat.png"},
	}
	out, err := r.Render(`{{ role "user" }}Describe {{ image .photo }} briefly`, params, RenderContext{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	parts := out.Messages[0].Parts
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d: %+v", len(parts), parts)
	}
	if parts[0].Text != "Describe " || parts[2].Text != " briefly" {
		t.Errorf("unexpected text parts: %q %q", parts[0].Text, parts[2].Text)
	}
	if !parts[1].IsMedia() || parts[1].Media.URL != "https://example.com/cat.png" {
		t.Errorf("unexpected media part: %+v", parts[1])
	}
	if parts[1].Media.Kind != bamlutils.MediaKindImage {
		t.Errorf("media kind = %v, want image", parts[1].Media.Kind)
	}
}

func TestRenderCompletion(t *testing.T) {
	r := newRenderer(t)

	out, err := r.Render("Say {{ .word }} to {{ .ctx.client.name }}", map[string]any{"word": "hi"},
		RenderContext{Completion: true, Client: Client{Name: "gpt"}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out.Kind != KindCompletion || out.Text != "Say hi to gpt" {
		t.Errorf("unexpected completion: %+v", out)
	}

	_, err = r.Render(`{{ image "https://example.com/a.png" }}`, nil, RenderContext{Completion: true})
	if !errors.Is(err, ErrMediaInCompletion) {
		t.Errorf("expected ErrMediaInCompletion, got %v", err)
	}
}

func TestRenderCachesTemplates(t *testing.T) {
	r := newRenderer(t)

	for i := range 3 {
		if _, err := r.Render("{{ .n }}", map[string]any{"n": i}, RenderContext{}); err != nil {
			t.Fatalf("Render: %v", err)
		}
	}
	if r.cache.Len() != 1 {
		t.Errorf("cache length = %d, want 1", r.cache.Len())
	}
}

func TestRenderParseError(t *testing.T) {
	r := newRenderer(t)

	_, err := r.Render("{{ .broken ", nil, RenderContext{})
	if err == nil || !strings.Contains(err.Error(), "failed to parse prompt template") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestOutputFormat(t *testing.T) {
	reg := ir.NewRegistry()
	if err := reg.AddEnum(&ir.EnumDef{
		Name: "Sentiment",
		Values: []ir.EnumValue{
			{Name: "POSITIVE", Description: "happy"},
			{Name: "NEGATIVE"},
			{Name: "HIDDEN", Skip: true},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddClass(&ir.ClassDef{
		Name: "Review",
		Fields: []ir.ClassField{
			{Name: "summary", Type: ir.String, Description: "one sentence"},
			{Name: "sentiment", Type: ir.EnumRef("Sentiment")},
			{Name: "score", Type: ir.OptionalOf(ir.Float), Alias: "rating"},
			{Name: "replies", Type: ir.ListOf(ir.ClassRef("Review"))},
		},
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		target ir.FieldType
		want   string
	}{
		{"string", ir.String, ""},
		{"int", ir.Int, "Answer as an int"},
		{
			"enum",
			ir.EnumRef("Sentiment"),
			"Answer with any of the categories:\nSentiment\n----\n- POSITIVE: happy\n- NEGATIVE",
		},
		{
			"class",
			ir.ClassRef("Review"),
			"Answer in JSON using this schema:\n{\n  // one sentence\n  summary: string,\n  sentiment: \"POSITIVE\" or \"NEGATIVE\",\n  rating: float or null,\n  replies: Review[],\n}",
		},
		{"list", ir.ListOf(ir.Int), "Answer with a JSON Array using this schema:\nint[]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutputFormat(reg, tt.target); got != tt.want {
				t.Errorf("OutputFormat() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}
