// Package prompt renders function prompt templates into completion text or
// chat messages.
package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/invakid404/baml-runtime/bamlutils"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Markers delimit role switches and media references in executed template
// output. NUL never appears in template text, so they cannot collide.
const (
	roleMarker  = "\x00role:"
	mediaMarker = "\x00media:"
	markerEnd   = "\x00"
)

var ErrMediaInCompletion = errors.New("media parts are not supported by completion prompts")

// Part is one piece of message content: text or media.
type Part struct {
	Text  string
	Media *bamlutils.Media
}

func (p Part) IsMedia() bool { return p.Media != nil }

type Message struct {
	Role     string
	Parts    []Part
	Metadata *bamlutils.MessageMetadata
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

type Kind int

const (
	KindChat Kind = iota
	KindCompletion
)

// RenderedPrompt is either a completion string or a list of chat messages.
type RenderedPrompt struct {
	Kind     Kind
	Text     string
	Messages []Message
}

// Client describes the client a prompt is rendered for, exposed to
// templates as .ctx.client.
type Client struct {
	Name     string
	Provider string
}

// RenderContext carries everything a template sees besides its parameters.
type RenderContext struct {
	OutputFormat string
	Client       Client
	// DefaultRole is used for text before the first role switch.
	DefaultRole string
	Completion  bool
	Env         map[string]string
}

// Renderer compiles templates once and reuses them across calls.
type Renderer struct {
	cache *lru.Cache[string, *template.Template]
}

const DefaultCacheSize = 256

func NewRenderer(cacheSize int) (*Renderer, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *template.Template](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create template cache: %w", err)
	}
	return &Renderer{cache: cache}, nil
}

// placeholderFuncs declares the template functions at parse time. Render
// rebinds them per execution.
var placeholderFuncs = template.FuncMap{
	"role":  func(string) string { return "" },
	"image": func(any) (string, error) { return "", nil },
	"audio": func(any) (string, error) { return "", nil },
	"pdf":   func(any) (string, error) { return "", nil },
	"video": func(any) (string, error) { return "", nil },
	"json":  toJSON,
	"env":   func(string) string { return "" },
}

func (r *Renderer) compile(text string) (*template.Template, error) {
	if t, ok := r.cache.Get(text); ok {
		return t, nil
	}
	t, err := template.New("prompt").Funcs(placeholderFuncs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	r.cache.Add(text, t)
	return t, nil
}

// Render executes text with params and splits the output into messages.
func (r *Renderer) Render(text string, params map[string]any, rc RenderContext) (*RenderedPrompt, error) {
	compiled, err := r.compile(text)
	if err != nil {
		return nil, err
	}
	tmpl, err := compiled.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone prompt template: %w", err)
	}

	var media []bamlutils.Media
	mediaFunc := func(kind bamlutils.MediaKind) func(any) (string, error) {
		return func(v any) (string, error) {
			m, err := toMedia(kind, v)
			if err != nil {
				return "", err
			}
			media = append(media, m)
			return mediaMarker + strconv.Itoa(len(media)-1) + markerEnd, nil
		}
	}
	tmpl.Funcs(template.FuncMap{
		"role":  func(role string) string { return roleMarker + role + markerEnd },
		"image": mediaFunc(bamlutils.MediaKindImage),
		"audio": mediaFunc(bamlutils.MediaKindAudio),
		"pdf":   mediaFunc(bamlutils.MediaKindPDF),
		"video": mediaFunc(bamlutils.MediaKindVideo),
		"env":   func(name string) string { return rc.Env[name] },
	})

	data := make(map[string]any, len(params)+1)
	for k, v := range params {
		data[k] = v
	}
	data["ctx"] = map[string]any{
		"output_format": rc.OutputFormat,
		"client": map[string]any{
			"name":     rc.Client.Name,
			"provider": rc.Client.Provider,
		},
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}

	defaultRole := rc.DefaultRole
	if defaultRole == "" {
		defaultRole = RoleSystem
	}
	messages, err := split(buf.String(), defaultRole, media)
	if err != nil {
		return nil, err
	}

	if rc.Completion {
		var sb strings.Builder
		for _, m := range messages {
			for _, p := range m.Parts {
				if p.IsMedia() {
					return nil, ErrMediaInCompletion
				}
				sb.WriteString(p.Text)
			}
		}
		return &RenderedPrompt{Kind: KindCompletion, Text: strings.TrimSpace(sb.String())}, nil
	}
	return &RenderedPrompt{Kind: KindChat, Messages: messages}, nil
}

// split cuts rendered output at role markers. Messages holding nothing but
// whitespace are dropped.
func split(out, defaultRole string, media []bamlutils.Media) ([]Message, error) {
	var messages []Message
	current := Message{Role: defaultRole}

	flush := func() {
		trimmed := trimParts(current.Parts)
		if len(trimmed) > 0 {
			current.Parts = trimmed
			messages = append(messages, current)
		}
	}

	for len(out) > 0 {
		idx := strings.IndexByte(out, 0)
		if idx < 0 {
			current.Parts = append(current.Parts, Part{Text: out})
			break
		}
		if idx > 0 {
			current.Parts = append(current.Parts, Part{Text: out[:idx]})
		}
		rest := out[idx:]
		end := strings.Index(rest[1:], markerEnd)
		if end < 0 {
			return nil, fmt.Errorf("unterminated marker in rendered prompt")
		}
		marker := rest[:end+2]
		out = rest[end+2:]

		switch {
		case strings.HasPrefix(marker, roleMarker):
			flush()
			current = Message{Role: strings.TrimSuffix(strings.TrimPrefix(marker, roleMarker), markerEnd)}
		case strings.HasPrefix(marker, mediaMarker):
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(marker, mediaMarker), markerEnd))
			if err != nil || n < 0 || n >= len(media) {
				return nil, fmt.Errorf("invalid media reference %q", marker)
			}
			m := media[n]
			current.Parts = append(current.Parts, Part{Media: &m})
		default:
			return nil, fmt.Errorf("unknown marker %q in rendered prompt", marker)
		}
	}
	flush()
	return messages, nil
}

// trimParts removes leading and trailing whitespace from the message and
// drops empty text parts.
func trimParts(parts []Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.IsMedia() || p.Text != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 && !out[0].IsMedia() {
		out[0].Text = strings.TrimLeft(out[0].Text, " \t\r\n")
	}
	if n := len(out); n > 0 && !out[n-1].IsMedia() {
		out[n-1].Text = strings.TrimRight(out[n-1].Text, " \t\r\n")
	}

	final := out[:0]
	for _, p := range out {
		if p.IsMedia() || p.Text != "" {
			final = append(final, p)
		}
	}
	return final
}

func toMedia(kind bamlutils.MediaKind, v any) (bamlutils.Media, error) {
	switch m := v.(type) {
	case bamlutils.Media:
		return m, nil
	case *bamlutils.Media:
		if m == nil {
			return bamlutils.Media{}, fmt.Errorf("%s: nil media", kind)
		}
		return *m, nil
	case *bamlutils.MediaInput:
		return bamlutils.ConvertMedia(kind, m)
	case map[string]any:
		return bamlutils.MediaFromMap(kind, m)
	case string:
		return bamlutils.Media{Kind: kind, URL: m}, nil
	default:
		return bamlutils.Media{}, fmt.Errorf("%s: unsupported value of type %T", kind, v)
	}
}

func toJSON(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
