package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/invakid404/baml-runtime/jsonish/deserializer"
	"github.com/invakid404/baml-runtime/llmclient"
	"github.com/invakid404/baml-runtime/prompt"
)

// RenderFunc renders the prompt for a node. Rendering happens per node since
// the prompt may depend on the client.
type RenderFunc func(node Node) (*prompt.RenderedPrompt, error)

// ParseFunc coerces model output. partial is set for intermediate stream
// text.
type ParseFunc func(raw string, partial bool) (*deserializer.BamlValue, error)

// Attempt is the outcome of one node.
type Attempt struct {
	Scope    OrchestrationScope
	Response *llmclient.Response
	// Value and ParseErr are set when Response is a Success.
	Value    *deserializer.BamlValue
	ParseErr error
}

// Result is the outcome of an orchestrated call.
type Result struct {
	Attempts   []Attempt
	TotalSleep time.Duration
}

// Last returns the final attempt, or nil if nothing was attempted.
func (r *Result) Last() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// Succeeded reports whether the final attempt got a Success response.
func (r *Result) Succeeded() bool {
	last := r.Last()
	return last != nil && last.Response.IsSuccess()
}

// Orchestrator runs nodes in order until one succeeds.
type Orchestrator struct {
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

// WithSleep replaces the wait between failed attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func New(logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{logger: logger, sleep: sleepContext}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call performs a non-streaming call on each node in turn. The first node
// with a Success response ends the call.
func (o *Orchestrator) Call(ctx context.Context, nodes []Node, render RenderFunc, parse ParseFunc) *Result {
	result := &Result{}

	for i, node := range nodes {
		attempt := o.attempt(ctx, node, func(ctx context.Context, rp *prompt.RenderedPrompt) *llmclient.Response {
			return node.Provider.Call(ctx, rp)
		}, render)

		if attempt.Response.IsSuccess() && parse != nil {
			attempt.Value, attempt.ParseErr = parse(attempt.Response.Content, false)
		}
		result.Attempts = append(result.Attempts, attempt)

		if !o.next(ctx, result, node, attempt.Response, i < len(nodes)-1) {
			break
		}
	}
	return result
}

type callFunc func(ctx context.Context, rp *prompt.RenderedPrompt) *llmclient.Response

// attempt renders and runs a single node inside a span.
func (o *Orchestrator) attempt(ctx context.Context, node Node, call callFunc, render RenderFunc) Attempt {
	ctx, span := tracer.Start(ctx, "baml.attempt", trace.WithAttributes(
		attribute.String("baml.client", node.Provider.Name()),
		attribute.String("baml.provider", node.Provider.Provider()),
		attribute.String("baml.scope", node.Scope.String()),
	))
	defer span.End()

	var resp *llmclient.Response
	rp, err := render(node)
	if err != nil {
		resp = &llmclient.Response{
			Kind:      llmclient.OtherFailure,
			Client:    node.Provider.Name(),
			Model:     node.Provider.Model(),
			StartTime: time.Now(),
			Message:   err.Error(),
		}
	} else {
		resp = call(ctx, rp)
	}

	span.SetAttributes(
		attribute.String("baml.outcome", resp.Kind.String()),
		attribute.Int64("baml.latency_ms", resp.Latency.Milliseconds()),
	)
	if !resp.IsSuccess() {
		span.SetStatus(codes.Error, resp.Message)
	}
	attemptsTotal.Inc(attemptLabels{Client: node.Provider.Name(), Outcome: resp.Kind.String()})

	return Attempt{Scope: node.Scope, Response: resp}
}

// next records the outcome of node and reports whether the following node
// should be tried. The node's delay is only waited out when one follows.
func (o *Orchestrator) next(ctx context.Context, result *Result, node Node, resp *llmclient.Response, hasNext bool) bool {
	switch resp.Kind {
	case llmclient.Success:
		o.logger.Debug().
			Str("client", resp.Client).
			Str("scope", node.Scope.String()).
			Dur("latency", resp.Latency).
			Msg("LLM attempt succeeded")
		return false
	case llmclient.UserFailure:
		return false
	}

	o.logger.Warn().
		Str("client", resp.Client).
		Str("scope", node.Scope.String()).
		Str("outcome", resp.Kind.String()).
		Str("error_code", resp.Code.String()).
		Str("error", resp.Message).
		Msg("LLM attempt failed")

	if ctx.Err() != nil || !hasNext {
		return false
	}
	if delay := node.Scope.Delay(); delay > 0 {
		retrySleeps.Inc(sleepLabels{Client: resp.Client})
		if err := o.sleep(ctx, delay); err != nil {
			return false
		}
		result.TotalSleep += delay
	}
	return true
}
