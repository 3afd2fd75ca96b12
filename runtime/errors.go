package runtime

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/invakid404/baml-runtime/llmclient"
)

var (
	ErrFunctionNotFound  = errors.New("function not found")
	ErrNoClientSucceeded = errors.New("no client succeeded")
)

// UserError reports invalid caller input. No LLM call was made.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UserError) Unwrap() error { return e.Err }

func userErrorf(err error, format string, args ...any) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...), Err: err}
}

// LLMError is returned when every attempt failed. Response is the last
// attempt's response.
type LLMError struct {
	Response *llmclient.Response
	Attempts int
}

func (e *LLMError) Error() string {
	if e.Response == nil {
		return ErrNoClientSucceeded.Error()
	}
	return fmt.Sprintf("%s after %d attempt(s): client %s: %s (%s)",
		ErrNoClientSucceeded, e.Attempts, e.Response.Client, e.Response.Message, e.Response.Code)
}

func (e *LLMError) Unwrap() error { return ErrNoClientSucceeded }

func (e *LLMError) MarshalZerologObject(ev *zerolog.Event) {
	ev.Int("attempts", e.Attempts)
	if e.Response == nil {
		return
	}
	ev.Str("client", e.Response.Client).
		Str("model", e.Response.Model).
		Str("code", e.Response.Code.String()).
		Int("status_code", e.Response.StatusCode).
		Dur("latency", e.Response.Latency)
}

// CoercionError is returned when the model answered but its output does not
// fit the function's output type.
type CoercionError struct {
	Raw string
	Err error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("failed to coerce model output: %v", e.Err)
}

func (e *CoercionError) Unwrap() error { return e.Err }

func (e *CoercionError) MarshalZerologObject(ev *zerolog.Event) {
	ev.Int("raw_length", len(e.Raw))
}
