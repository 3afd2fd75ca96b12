package runtime

import (
	"context"
	"strings"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/ir"
	"github.com/invakid404/baml-runtime/jsonish/deserializer"
	"github.com/invakid404/baml-runtime/orchestrator"
	"github.com/invakid404/baml-runtime/prompt"
)

// OutputFormatPlaceholder is replaced by the output schema description in
// dynamic messages.
const OutputFormatPlaceholder = "{output_format}"

var dynamicOutput = ir.ClassRef(bamlutils.DynamicOutputClass)

// CallDynamic calls a model with caller-supplied messages, client and output
// schema instead of a project function.
func (r *Runtime) CallDynamic(ctx context.Context, input *bamlutils.DynamicInput) (*FunctionResult, error) {
	c, err := r.prepareDynamic(input)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, c, func(ctx context.Context) *orchestrator.Result {
		return r.orchestrator.Call(ctx, c.nodes, c.render, c.parse)
	})
}

// StreamDynamic is the streaming form of CallDynamic.
func (r *Runtime) StreamDynamic(
	ctx context.Context,
	input *bamlutils.DynamicInput,
	handle *orchestrator.CancelHandle,
	onPartial PartialHandler,
) (*FunctionResult, error) {
	c, err := r.prepareDynamic(input)
	if err != nil {
		return nil, err
	}
	return r.stream(ctx, c, handle, onPartial)
}

// ParseDynamic coerces raw into a caller-supplied output schema.
func (r *Runtime) ParseDynamic(input *bamlutils.DynamicParseInput, partial bool) (*deserializer.BamlValue, error) {
	if err := input.Validate(); err != nil {
		return nil, userErrorf(err, "invalid dynamic input")
	}
	reg, err := r.registryFor(input.OutputSchema.TypeBuilder())
	if err != nil {
		return nil, err
	}
	value, err := r.parser(reg, dynamicOutput)(input.Raw, partial)
	if err != nil {
		return nil, &CoercionError{Raw: input.Raw, Err: err}
	}
	return value, nil
}

func (r *Runtime) prepareDynamic(input *bamlutils.DynamicInput) (*call, error) {
	if err := input.Validate(); err != nil {
		return nil, userErrorf(err, "invalid dynamic input")
	}
	reg, err := r.registryFor(input.OutputSchema.TypeBuilder())
	if err != nil {
		return nil, err
	}

	fn := &ir.FunctionDef{
		Name:   bamlutils.DynamicFunctionName,
		Output: dynamicOutput,
		Client: *input.ClientRegistry.Primary,
	}
	outputFormat := prompt.OutputFormat(reg, dynamicOutput)

	c := &call{
		fn: fn,
		render: func(orchestrator.Node) (*prompt.RenderedPrompt, error) {
			return dynamicPrompt(input.Messages, outputFormat), nil
		},
		parse: r.parser(reg, dynamicOutput),
	}
	if err := r.expand(c, fn.Client, input.ClientRegistry); err != nil {
		return nil, err
	}
	return c, nil
}

func dynamicPrompt(messages []bamlutils.DynamicMessage, outputFormat string) *prompt.RenderedPrompt {
	rp := &prompt.RenderedPrompt{Kind: prompt.KindChat, Messages: make([]prompt.Message, len(messages))}
	for i, m := range messages {
		rp.Messages[i] = prompt.Message{
			Role:     m.Role,
			Parts:    []prompt.Part{{Text: strings.ReplaceAll(m.Content, OutputFormatPlaceholder, outputFormat)}},
			Metadata: m.Metadata,
		}
	}
	return rp
}
