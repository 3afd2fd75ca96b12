package llmclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/invakid404/baml-runtime/prompt"
)

// ResponseKind classifies the outcome of one attempt.
type ResponseKind int

const (
	// Success carries model output.
	Success ResponseKind = iota
	// LLMFailure is a transport, HTTP or vendor error.
	LLMFailure
	// OtherFailure is a failure before any request was sent, such as a
	// prompt that does not render.
	OtherFailure
	// UserFailure is caused by invalid caller input and is never retried.
	UserFailure
)

func (k ResponseKind) String() string {
	switch k {
	case Success:
		return "success"
	case LLMFailure:
		return "llm_failure"
	case OtherFailure:
		return "other_failure"
	case UserFailure:
		return "user_failure"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// ErrorCode classifies an LLMFailure.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota
	ErrorInvalidAuthentication
	ErrorNotSupported
	ErrorRateLimited
	ErrorServerError
	ErrorServiceUnavailable
	ErrorTimeout
	ErrorCanceled
	ErrorUnsupportedResponse
	ErrorBadRequest
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorInvalidAuthentication:
		return "invalid_authentication"
	case ErrorNotSupported:
		return "not_supported"
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorServerError:
		return "server_error"
	case ErrorServiceUnavailable:
		return "service_unavailable"
	case ErrorTimeout:
		return "timeout"
	case ErrorCanceled:
		return "canceled"
	case ErrorUnsupportedResponse:
		return "unsupported_response"
	case ErrorBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// ErrorCodeFromStatus maps an HTTP status to an ErrorCode.
func ErrorCodeFromStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return ErrorInvalidAuthentication
	case status == http.StatusForbidden:
		return ErrorNotSupported
	case status == http.StatusTooManyRequests:
		return ErrorRateLimited
	case status == http.StatusServiceUnavailable:
		return ErrorServiceUnavailable
	case status == http.StatusGatewayTimeout, status == http.StatusRequestTimeout:
		return ErrorTimeout
	case status >= 500:
		return ErrorServerError
	case status >= 400:
		return ErrorBadRequest
	default:
		return ErrorUnknown
	}
}

// Response is the outcome of a single call to a primitive client.
type Response struct {
	Kind   ResponseKind
	Client string
	Model  string

	Prompt           *prompt.RenderedPrompt
	InvocationParams map[string]any
	StartTime        time.Time
	Latency          time.Duration

	// Content is the model output on Success.
	Content      string
	FinishReason string

	// Message and Code describe a failure.
	Message    string
	Code       ErrorCode
	StatusCode int
}

func (r *Response) IsSuccess() bool {
	return r != nil && r.Kind == Success
}

// Err converts a failed response into an error. It returns nil on Success.
func (r *Response) Err() error {
	if r == nil || r.Kind == Success {
		return nil
	}
	return &ResponseError{Response: r}
}

// ResponseError wraps a failed Response.
type ResponseError struct {
	Response *Response
}

func (e *ResponseError) Error() string {
	r := e.Response
	if r.Kind == LLMFailure {
		return fmt.Sprintf("client %s: %s (%s)", r.Client, r.Message, r.Code)
	}
	return fmt.Sprintf("client %s: %s", r.Client, r.Message)
}
