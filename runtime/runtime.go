// Package runtime loads a project and executes its functions: arguments are
// validated, the function's client is expanded into attempts, the prompt is
// rendered per attempt and the model output is coerced into the declared
// output type.
package runtime

import (
	"context"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish/deserializer"
	"github.com/invakid404/baml-runtime/llmclient"
	"github.com/invakid404/baml-runtime/orchestrator"
	"github.com/invakid404/baml-runtime/prompt"
)

var tracer = otel.Tracer("github.com/invakid404/baml-runtime/runtime")

// FunctionResult is the outcome of a function call that reached a model.
type FunctionResult struct {
	CallID   string
	Function string
	// Raw is the text returned by the model.
	Raw string
	// Value is the coerced output. It is nil when coercion failed.
	Value *deserializer.BamlValue
	// Scope describes the attempt that produced Raw.
	Scope      orchestrator.OrchestrationScope
	Response   *llmclient.Response
	Attempts   []orchestrator.Attempt
	TotalSleep time.Duration
}

// Partial is an intermediate streaming value.
type Partial struct {
	Scope orchestrator.OrchestrationScope
	// Reset tells the receiver to discard previous partials, since a new
	// attempt has started.
	Reset bool
	Raw   string
	// Value is nil while nothing in Raw coerces yet.
	Value *deserializer.BamlValue
}

type PartialHandler func(Partial)

type options struct {
	logger           zerolog.Logger
	env              map[string]string
	transport        *llmclient.Transport
	orchestratorOpts []orchestrator.Option
	templateCache    int
}

type Option func(*options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEnv replaces the process environment as the source of env.NAME
// references.
func WithEnv(env map[string]string) Option {
	return func(o *options) { o.env = env }
}

func WithTransport(t *llmclient.Transport) Option {
	return func(o *options) { o.transport = t }
}

func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(o *options) { o.orchestratorOpts = append(o.orchestratorOpts, opts...) }
}

// WithTemplateCacheSize sets how many compiled prompts are kept.
func WithTemplateCacheSize(n int) Option {
	return func(o *options) { o.templateCache = n }
}

// Runtime executes the functions of a project. It is safe for concurrent
// use.
type Runtime struct {
	reg          *ir.Registry
	env          map[string]string
	renderer     *prompt.Renderer
	orchestrator *orchestrator.Orchestrator
	lookup       *clientLookup
	logger       zerolog.Logger
}

func New(project *Project, opts ...Option) (*Runtime, error) {
	o := &options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	env := maps.Clone(o.env)
	if env == nil {
		env = processEnv()
	}
	for k, v := range project.Env {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}

	renderer, err := prompt.NewRenderer(o.templateCache)
	if err != nil {
		return nil, err
	}

	cfg := llmclient.Config{Env: env, Transport: o.transport, Logger: o.logger}
	return &Runtime{
		reg:          project.Registry,
		env:          env,
		renderer:     renderer,
		orchestrator: orchestrator.New(o.logger, o.orchestratorOpts...),
		lookup:       newClientLookup(project.Registry, cfg),
		logger:       o.logger,
	}, nil
}

func processEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func (r *Runtime) Registry() *ir.Registry { return r.reg }

// call is a prepared function call.
type call struct {
	fn     *ir.FunctionDef
	state  *orchestrator.State
	nodes  []orchestrator.Node
	render orchestrator.RenderFunc
	parse  orchestrator.ParseFunc
}

func (r *Runtime) prepare(name string, args map[string]any, opts *bamlutils.BamlOptions) (*call, error) {
	fn, err := r.reg.FindFunction(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	if opts == nil {
		opts = &bamlutils.BamlOptions{}
	}

	reg, err := r.registryFor(opts.TypeBuilder)
	if err != nil {
		return nil, err
	}
	params, err := r.bindArgs(reg, fn, args)
	if err != nil {
		return nil, err
	}

	c := &call{fn: fn}
	outputFormat := prompt.OutputFormat(reg, fn.Output)
	c.render = func(node orchestrator.Node) (*prompt.RenderedPrompt, error) {
		return r.renderer.Render(fn.Prompt, params, node.Provider.RenderContext(outputFormat, r.env))
	}
	c.parse = r.parser(reg, fn.Output)

	if err := r.expand(c, fn.Client, opts.ClientRegistry); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Runtime) registryFor(tb *bamlutils.TypeBuilder) (*ir.Registry, error) {
	if tb == nil || tb.DynamicTypes == nil {
		return r.reg, nil
	}
	reg := r.reg.Overlay()
	if err := ir.NewTranslator(reg).Apply(tb.DynamicTypes); err != nil {
		return nil, userErrorf(err, "invalid type_builder")
	}
	return reg, nil
}

func (r *Runtime) parser(reg *ir.Registry, output ir.FieldType) orchestrator.ParseFunc {
	return func(raw string, partial bool) (*deserializer.BamlValue, error) {
		return deserializer.ParseAndCoerce(deserializer.NewContext(reg, r.env, partial), output, raw)
	}
}

// expand resolves the client to call, honouring a client registry override,
// and expands it into attempts.
func (r *Runtime) expand(c *call, client string, cr *bamlutils.ClientRegistry) error {
	lookup, err := r.lookup.override(cr)
	if err != nil {
		return userErrorf(err, "invalid client_registry")
	}
	if lookup != r.lookup {
		if err := lookup.validate(); err != nil {
			return userErrorf(err, "invalid client_registry")
		}
	}
	if cr != nil && cr.Primary != nil && *cr.Primary != "" {
		client = *cr.Primary
	}

	provider, err := lookup.Client(client)
	if err != nil {
		return fmt.Errorf("failed to resolve client %q: %w", client, err)
	}

	c.state = orchestrator.NewState()
	c.nodes, err = orchestrator.NewExpander(lookup, r.logger).Expand(c.state, provider, nil)
	if err != nil {
		return fmt.Errorf("failed to expand client %q: %w", client, err)
	}
	return nil
}

// CallFunction calls the named function with args.
//
// When the model answers but the output cannot be coerced, the result is
// returned together with a *CoercionError.
func (r *Runtime) CallFunction(ctx context.Context, name string, args map[string]any, opts *bamlutils.BamlOptions) (*FunctionResult, error) {
	c, err := r.prepare(name, args, opts)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, c, func(ctx context.Context) *orchestrator.Result {
		return r.orchestrator.Call(ctx, c.nodes, c.render, c.parse)
	})
}

// StreamFunction calls the named function in streaming mode. onPartial
// receives every intermediate value. Cancelling handle stops the stream.
func (r *Runtime) StreamFunction(
	ctx context.Context,
	name string,
	args map[string]any,
	opts *bamlutils.BamlOptions,
	handle *orchestrator.CancelHandle,
	onPartial PartialHandler,
) (*FunctionResult, error) {
	c, err := r.prepare(name, args, opts)
	if err != nil {
		return nil, err
	}
	return r.stream(ctx, c, handle, onPartial)
}

func (r *Runtime) stream(ctx context.Context, c *call, handle *orchestrator.CancelHandle, onPartial PartialHandler) (*FunctionResult, error) {
	var onEvent orchestrator.StreamHandler
	if onPartial != nil {
		onEvent = func(ev orchestrator.StreamEvent) {
			onPartial(Partial{Scope: ev.Scope, Reset: ev.Reset, Raw: ev.Raw, Value: ev.Value})
		}
	}
	return r.run(ctx, c, func(ctx context.Context) *orchestrator.Result {
		return r.orchestrator.Stream(ctx, c.nodes, c.render, c.parse, handle, onEvent)
	})
}

func (r *Runtime) run(ctx context.Context, c *call, execute func(context.Context) *orchestrator.Result) (*FunctionResult, error) {
	callID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "baml.function", trace.WithAttributes(
		attribute.String("baml.function", c.fn.Name),
		attribute.String("baml.call_id", callID),
	))
	defer span.End()

	result := execute(ctx)
	c.state.Commit()

	res, err := r.finish(callID, c.fn.Name, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	r.logger.Debug().
		Str("call_id", callID).
		Str("function", c.fn.Name).
		Int("attempts", len(result.Attempts)).
		Dur("total_sleep", result.TotalSleep).
		Err(err).
		Msg("Function call finished")

	return res, err
}

func (r *Runtime) finish(callID, function string, result *orchestrator.Result) (*FunctionResult, error) {
	last := result.Last()
	if last == nil {
		return nil, &LLMError{}
	}
	if !last.Response.IsSuccess() {
		if last.Response.Kind == llmclient.UserFailure {
			return nil, &UserError{Message: last.Response.Message}
		}
		return nil, &LLMError{Response: last.Response, Attempts: len(result.Attempts)}
	}

	res := &FunctionResult{
		CallID:     callID,
		Function:   function,
		Raw:        last.Response.Content,
		Value:      last.Value,
		Scope:      last.Scope,
		Response:   last.Response,
		Attempts:   result.Attempts,
		TotalSleep: result.TotalSleep,
	}
	if last.ParseErr != nil {
		return res, &CoercionError{Raw: res.Raw, Err: last.ParseErr}
	}
	return res, nil
}

// ParseOutput coerces raw into the output type of the named function
// without calling a model.
func (r *Runtime) ParseOutput(name, raw string, opts *bamlutils.BamlOptions, partial bool) (*deserializer.BamlValue, error) {
	fn, err := r.reg.FindFunction(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	var tb *bamlutils.TypeBuilder
	if opts != nil {
		tb = opts.TypeBuilder
	}
	reg, err := r.registryFor(tb)
	if err != nil {
		return nil, err
	}

	value, err := r.parser(reg, fn.Output)(raw, partial)
	if err != nil {
		return nil, &CoercionError{Raw: raw, Err: err}
	}
	return value, nil
}
