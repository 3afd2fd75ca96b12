// Package llmclient implements the clients a function can be routed to:
// primitive vendor endpoints and the fallback and round-robin strategies that
// compose them.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	bamlsse "github.com/invakid404/baml-runtime/bamlutils/sse"
	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/prompt"
)

// Provider is a resolved client. It is one of *Primitive, *Fallback or
// *RoundRobin.
type Provider interface {
	Name() string
	// RetryPolicyName is the retry policy wrapping this client, or "".
	RetryPolicyName() string
	isProvider()
}

// Config carries what client construction needs beyond the definition.
type Config struct {
	// Env resolves option values of the form "env.NAME".
	Env       map[string]string
	Transport *Transport
	Logger    zerolog.Logger
}

// reservedOptions are consumed by the client and never sent as request
// parameters.
var reservedOptions = []string{
	"base_url", "api_key", "headers", "default_role", "allowed_roles",
	"api_version", "resource_name", "deployment_id", "request_timeout_ms",
	"strategy", "start", "model",
}

// New resolves def into a Provider.
func New(def *ir.ClientDef, cfg Config) (Provider, error) {
	if def == nil {
		return nil, errors.New("nil client definition")
	}
	options, err := resolveEnv(def.Options, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", def.Name, err)
	}

	switch def.Provider {
	case ProviderFallback:
		members, err := strategyMembers(options)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", def.Name, err)
		}
		return &Fallback{name: def.Name, retryPolicy: def.RetryPolicy, Members: members}, nil
	case ProviderRoundRobin:
		members, err := strategyMembers(options)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", def.Name, err)
		}
		rr := &RoundRobin{name: def.Name, retryPolicy: def.RetryPolicy, Members: members}
		if start, ok := options["start"]; ok {
			n, ok := asInt(start)
			if !ok || n < 0 || n >= len(members) {
				return nil, fmt.Errorf("client %s: start must be an index into strategy", def.Name)
			}
			rr.index.Store(uint64(n))
		} else {
			rr.index.Store(uint64(rand.IntN(len(members))))
		}
		return rr, nil
	default:
		p, err := newPrimitive(def, options, cfg)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", def.Name, err)
		}
		return p, nil
	}
}

// ParseShorthand expands "provider/model" into an anonymous client
// definition.
func ParseShorthand(spec string) (*ir.ClientDef, bool) {
	provider, model, ok := strings.Cut(spec, "/")
	if !ok || provider == "" || model == "" {
		return nil, false
	}
	return &ir.ClientDef{
		Name:     spec,
		Provider: provider,
		Options:  map[string]any{"model": model},
	}, true
}

func resolveEnv(options map[string]any, env map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(options))
	for k, v := range options {
		resolved, err := resolveEnvValue(v, env)
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveEnvValue(v any, env map[string]string) (any, error) {
	switch v := v.(type) {
	case string:
		name, ok := strings.CutPrefix(v, "env.")
		if !ok {
			return v, nil
		}
		value, ok := env[name]
		if !ok {
			return nil, fmt.Errorf("environment variable %s is not set", name)
		}
		return value, nil
	case map[string]any:
		return resolveEnv(v, env)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := resolveEnvValue(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func strategyMembers(options map[string]any) ([]string, error) {
	raw, ok := options["strategy"]
	if !ok {
		return nil, errors.New("strategy is required")
	}
	var members []string
	switch raw := raw.(type) {
	case []string:
		members = slices.Clone(raw)
	case []any:
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("strategy entries must be client names, got %T", item)
			}
			members = append(members, s)
		}
	default:
		return nil, fmt.Errorf("strategy must be a list, got %T", raw)
	}
	if len(members) == 0 {
		return nil, errors.New("strategy must not be empty")
	}
	return members, nil
}

func asInt(v any) (int, bool) {
	switch v := v.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), v == float64(int(v))
	default:
		return 0, false
	}
}

func asString(options map[string]any, key string) (string, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// Fallback tries each member in order.
type Fallback struct {
	name        string
	retryPolicy string
	Members     []string
}

func (f *Fallback) Name() string            { return f.name }
func (f *Fallback) RetryPolicyName() string { return f.retryPolicy }
func (*Fallback) isProvider()               {}

// RoundRobin rotates between its members. The shared index is only advanced
// atomically, so concurrent calls rotate eventually rather than strictly.
type RoundRobin struct {
	name        string
	retryPolicy string
	Members     []string
	index       atomic.Uint64
}

func (r *RoundRobin) Name() string            { return r.name }
func (r *RoundRobin) RetryPolicyName() string { return r.retryPolicy }
func (*RoundRobin) isProvider()               {}

// Pick returns the member index selected for the given per-call offset.
func (r *RoundRobin) Pick(offset int) int {
	return int((r.index.Load() + uint64(offset)) % uint64(len(r.Members)))
}

// Advance moves the shared index by n members.
func (r *RoundRobin) Advance(n int) {
	if n > 0 {
		r.index.Add(uint64(n))
	}
}

// Primitive is a single vendor endpoint.
type Primitive struct {
	name        string
	provider    string
	retryPolicy string
	model       string

	vendor       vendor
	params       map[string]any
	defaultRole  string
	allowedRoles []string
	timeout      time.Duration

	transport *Transport
	logger    zerolog.Logger
}

func (p *Primitive) Name() string            { return p.name }
func (p *Primitive) RetryPolicyName() string { return p.retryPolicy }
func (*Primitive) isProvider()               {}

// Provider is the vendor name, for example "openai".
func (p *Primitive) Provider() string { return p.provider }
func (p *Primitive) Model() string    { return p.model }

func newPrimitive(def *ir.ClientDef, options map[string]any, cfg Config) (*Primitive, error) {
	vc := vendorConfig{provider: def.Provider}
	var err error
	if vc.baseURL, err = asString(options, "base_url"); err != nil {
		return nil, err
	}
	if vc.apiKey, err = asString(options, "api_key"); err != nil {
		return nil, err
	}
	if vc.model, err = asString(options, "model"); err != nil {
		return nil, err
	}
	if headers, ok := options["headers"]; ok {
		hm, ok := headers.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("headers must be a map, got %T", headers)
		}
		vc.headers = make(map[string]string, len(hm))
		for k, v := range hm {
			vc.headers[k] = fmt.Sprint(v)
		}
	}

	if def.Provider == ProviderAzureOpenAI {
		if vc.apiVersion, err = asString(options, "api_version"); err != nil {
			return nil, err
		}
		if vc.baseURL == "" {
			resource, _ := asString(options, "resource_name")
			deployment, _ := asString(options, "deployment_id")
			if resource == "" || deployment == "" {
				return nil, errors.New("azure-openai requires base_url or resource_name and deployment_id")
			}
			vc.baseURL = fmt.Sprintf("https://%s.openai.azure.com/openai/deployments/%s", resource, deployment)
		}
		if vc.apiVersion == "" {
			return nil, errors.New("azure-openai requires api_version")
		}
	}

	v, err := newVendor(vc)
	if err != nil {
		return nil, err
	}

	p := &Primitive{
		name:         def.Name,
		provider:     def.Provider,
		retryPolicy:  def.RetryPolicy,
		model:        vc.model,
		vendor:       v,
		params:       make(map[string]any),
		defaultRole:  prompt.RoleSystem,
		allowedRoles: []string{prompt.RoleSystem, prompt.RoleUser, prompt.RoleAssistant},
		transport:    cfg.Transport,
		logger:       cfg.Logger,
	}
	if p.transport == nil {
		p.transport = defaultTransport
	}

	if role, err := asString(options, "default_role"); err != nil {
		return nil, err
	} else if role != "" {
		p.defaultRole = role
	}
	if raw, ok := options["allowed_roles"]; ok {
		roles, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("allowed_roles must be a list, got %T", raw)
		}
		p.allowedRoles = p.allowedRoles[:0]
		for _, r := range roles {
			p.allowedRoles = append(p.allowedRoles, fmt.Sprint(r))
		}
	}
	if raw, ok := options["request_timeout_ms"]; ok {
		ms, ok := asInt(raw)
		if !ok || ms < 0 {
			return nil, fmt.Errorf("request_timeout_ms must be a non-negative integer")
		}
		p.timeout = time.Duration(ms) * time.Millisecond
	}

	for k, v := range options {
		if !slices.Contains(reservedOptions, k) {
			p.params[k] = v
		}
	}
	return p, nil
}

// RenderContext is the prompt context for rendering against this client.
func (p *Primitive) RenderContext(outputFormat string, env map[string]string) prompt.RenderContext {
	return prompt.RenderContext{
		OutputFormat: outputFormat,
		Client:       prompt.Client{Name: p.name, Provider: p.provider},
		DefaultRole:  p.defaultRole,
		Env:          env,
	}
}

// InvocationParams returns the request parameters sent with every call.
func (p *Primitive) InvocationParams() map[string]any {
	out := maps.Clone(p.params)
	if p.model != "" {
		out["model"] = p.model
	}
	return out
}

// Request is a fully built vendor HTTP request.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// BuildRequest renders the vendor request for rp.
func (p *Primitive) BuildRequest(rp *prompt.RenderedPrompt, stream bool) (*Request, error) {
	rp = p.normalizeRoles(rp)
	url, err := p.vendor.url(stream)
	if err != nil {
		return nil, err
	}
	body, err := p.vendor.body(rp, p.params, stream)
	if err != nil {
		return nil, err
	}
	return &Request{URL: url, Headers: p.vendor.headers(), Body: body}, nil
}

// normalizeRoles maps roles the client does not accept to its default role.
func (p *Primitive) normalizeRoles(rp *prompt.RenderedPrompt) *prompt.RenderedPrompt {
	if rp.Kind != prompt.KindChat {
		return rp
	}
	out := &prompt.RenderedPrompt{Kind: rp.Kind, Messages: make([]prompt.Message, len(rp.Messages))}
	for i, m := range rp.Messages {
		if !slices.Contains(p.allowedRoles, m.Role) {
			m.Role = p.defaultRole
		}
		out.Messages[i] = m
	}
	return out
}

func (p *Primitive) newResponse(rp *prompt.RenderedPrompt) *Response {
	return &Response{
		Client:           p.name,
		Model:            p.model,
		Prompt:           rp,
		InvocationParams: p.InvocationParams(),
		StartTime:        time.Now(),
	}
}

func (r *Response) fail(kind ResponseKind, code ErrorCode, message string) *Response {
	r.Kind = kind
	r.Code = code
	r.Message = message
	r.Latency = time.Since(r.StartTime)
	return r
}

// Call performs a single non-streaming request.
func (p *Primitive) Call(ctx context.Context, rp *prompt.RenderedPrompt) *Response {
	resp := p.newResponse(rp)

	req, err := p.BuildRequest(rp, false)
	if err != nil {
		return resp.fail(OtherFailure, ErrorNotSupported, err.Error())
	}

	result, err := p.transport.Do(ctx, &httpRequest{
		url: req.URL, headers: req.Headers, body: req.Body, timeout: p.timeout,
	})
	if err != nil {
		return resp.fail(LLMFailure, classifyTransportError(ctx, err), err.Error())
	}
	resp.StatusCode = result.status
	if result.status < 200 || result.status >= 300 {
		return resp.fail(LLMFailure, ErrorCodeFromStatus(result.status), errorMessage(result.body))
	}

	content, finish, model, err := p.vendor.parse(result.body)
	if err != nil {
		return resp.fail(LLMFailure, ErrorUnsupportedResponse, err.Error())
	}
	if model != "" {
		resp.Model = model
	}
	resp.Kind = Success
	resp.Content = content
	resp.FinishReason = finish
	resp.Latency = time.Since(resp.StartTime)

	p.logger.Debug().
		Str("client", p.name).
		Dur("latency", resp.Latency).
		Str("finish_reason", finish).
		Msg("LLM call completed")
	return resp
}

// StreamHandler receives every text update of a stream.
type StreamHandler func(update bamlsse.Update)

// Stream performs a single streaming request. acc collects the text and
// attempt identifies this request to it, so that a caller sharing acc
// between attempts is told when earlier text is discarded.
func (p *Primitive) Stream(ctx context.Context, rp *prompt.RenderedPrompt, acc *bamlsse.Accumulator, attempt int, onUpdate StreamHandler) *Response {
	resp := p.newResponse(rp)
	if acc == nil {
		acc = bamlsse.NewAccumulator()
	}

	req, err := p.BuildRequest(rp, true)
	if err != nil {
		return resp.fail(OtherFailure, ErrorNotSupported, err.Error())
	}

	stream, err := p.transport.Stream(ctx, &httpRequest{
		url: req.URL, headers: req.Headers, body: req.Body, timeout: p.timeout,
	})
	if err != nil {
		return resp.fail(LLMFailure, classifyTransportError(ctx, err), err.Error())
	}
	defer stream.Close()

	resp.StatusCode = stream.status
	if stream.body != nil || stream.status < 200 || stream.status >= 300 {
		return resp.fail(LLMFailure, ErrorCodeFromStatus(stream.status), errorMessage(stream.body))
	}

	received := false
	for ev, err := range stream.Events() {
		if err != nil {
			return resp.fail(LLMFailure, classifyTransportError(ctx, err), err.Error())
		}
		payload := ev.Data
		if payload == "" {
			continue
		}
		if msg, ok := bamlsse.ExtractError(p.provider, payload); ok {
			return resp.fail(LLMFailure, ErrorServerError, msg)
		}
		if bamlsse.IsTerminal(p.provider, payload) {
			break
		}
		if finish := streamFinishReason(p.provider, payload); finish != "" {
			resp.FinishReason = finish
		}

		update, err := acc.Push(attempt, p.provider, payload)
		if err != nil {
			return resp.fail(LLMFailure, ErrorUnsupportedResponse, err.Error())
		}
		received = true
		if onUpdate != nil && (update.Delta != "" || update.Reset) {
			onUpdate(update)
		}
	}
	if err := ctx.Err(); err != nil {
		return resp.fail(LLMFailure, classifyTransportError(ctx, err), err.Error())
	}
	if !received {
		return resp.fail(LLMFailure, ErrorUnsupportedResponse, "stream ended without any content")
	}

	resp.Kind = Success
	resp.Content = acc.Full()
	resp.Latency = time.Since(resp.StartTime)
	return resp
}
