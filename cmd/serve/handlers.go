package main

import (
	"bytes"
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/jsonish/deserializer"
	"github.com/invakid404/baml-runtime/orchestrator"
	"github.com/invakid404/baml-runtime/runtime"
)

// CallWithRawResponse is the response format for the /call-with-raw endpoint
type CallWithRawResponse struct {
	Data json.RawMessage `json:"data"`
	Raw  string          `json:"raw"`
}

type bufferPool = bamlutils.Pool[*bytes.Buffer]

// server holds the state shared by the Fiber and chi handlers.
type server struct {
	rt      *runtime.Runtime
	logger  zerolog.Logger
	buffers *bufferPool
}

func newServer(rt *runtime.Runtime, logger zerolog.Logger) *server {
	return &server{
		rt:     rt,
		logger: logger,
		buffers: bamlutils.NewPool(
			func() *bytes.Buffer { return new(bytes.Buffer) },
			(*bytes.Buffer).Reset,
		),
	}
}

// functionNames lists the project functions followed by the dynamic endpoint.
func (s *server) functionNames() []string {
	fns := s.rt.Registry().Functions()
	names := make([]string, 0, len(fns)+1)
	for _, fn := range fns {
		names = append(names, fn.Name)
	}
	return append(names, bamlutils.DynamicEndpointName)
}

// callRequest is a decoded body of a call or stream request.
type callRequest struct {
	name    string
	args    map[string]any
	opts    *bamlutils.BamlOptions
	dynamic *bamlutils.DynamicInput
}

func decodeCallRequest(name string, body []byte) (*callRequest, error) {
	if name == bamlutils.DynamicEndpointName {
		var input bamlutils.DynamicInput
		if err := json.Unmarshal(body, &input); err != nil {
			return nil, badRequest(err, "invalid JSON payload")
		}
		if err := input.Validate(); err != nil {
			return nil, badRequest(err, "invalid dynamic input")
		}
		return &callRequest{name: name, dynamic: &input}, nil
	}

	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	args, opts, err := runtime.EncodeArgs(json.RawMessage(body))
	if err != nil {
		return nil, badRequest(err, "invalid JSON payload")
	}
	return &callRequest{name: name, args: args, opts: opts}, nil
}

func (s *server) call(ctx context.Context, req *callRequest) (*runtime.FunctionResult, error) {
	if req.dynamic != nil {
		return s.rt.CallDynamic(ctx, req.dynamic)
	}
	return s.rt.CallFunction(ctx, req.name, req.args, req.opts)
}

func (s *server) stream(
	ctx context.Context,
	req *callRequest,
	handle *orchestrator.CancelHandle,
	onPartial runtime.PartialHandler,
) (*runtime.FunctionResult, error) {
	if req.dynamic != nil {
		return s.rt.StreamDynamic(ctx, req.dynamic, handle, onPartial)
	}
	return s.rt.StreamFunction(ctx, req.name, req.args, req.opts, handle, onPartial)
}

// handleCall runs a unary call and returns the encoded response body.
func (s *server) handleCall(ctx context.Context, name string, body []byte, mode bamlutils.StreamMode) ([]byte, error) {
	req, err := decodeCallRequest(name, body)
	if err != nil {
		return nil, err
	}

	result, err := s.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return encodeResult(result.Value, result.Raw, mode)
}

func encodeResult(value *deserializer.BamlValue, raw string, mode bamlutils.StreamMode) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if !mode.NeedsRaw() {
		return data, nil
	}
	return json.Marshal(CallWithRawResponse{Data: data, Raw: raw})
}

type parseRequest struct {
	Raw     string                 `json:"raw"`
	Partial bool                   `json:"partial,omitempty"`
	Options *bamlutils.BamlOptions `json:"__baml_options__,omitempty"`
}

type dynamicParseRequest struct {
	bamlutils.DynamicParseInput
	Partial bool `json:"partial,omitempty"`
}

// handleParse coerces the raw text of a parse request and returns the
// encoded value.
func (s *server) handleParse(name string, body []byte) ([]byte, error) {
	var (
		value *deserializer.BamlValue
		err   error
	)
	if name == bamlutils.DynamicEndpointName {
		var req dynamicParseRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest(err, "invalid JSON payload")
		}
		value, err = s.rt.ParseDynamic(&req.DynamicParseInput, req.Partial)
	} else {
		var req parseRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest(err, "invalid JSON payload")
		}
		value, err = s.rt.ParseOutput(name, req.Raw, req.Options, req.Partial)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(value)
}

// logError records a failed request. Client-side failures are logged at a
// lower level than server-side ones.
func (s *server) logError(err error, name string, status int) {
	event := s.logger.Error()
	if status < 500 {
		event = s.logger.Debug()
	}
	event = event.Err(err).Str("function", name).Int("status", status)
	var detail zerolog.LogObjectMarshaler
	if errors.As(err, &detail) {
		event = event.Object("error_detail", detail)
	}
	event.Msg("request failed")
}
