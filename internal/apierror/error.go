// Package apierror defines the JSON error envelope shared by every HTTP
// surface of the runtime.
package apierror

import (
	"net/http"

	"github.com/goccy/go-json"
)

// Code classifies a failure independently of its human-readable message.
type Code string

const (
	CodeInvalidRequest    Code = "invalid_request"
	CodeNotFound          Code = "not_found"
	CodeRequestTooLarge   Code = "request_too_large"
	CodeCanceled          Code = "canceled"
	CodeUnparseableOutput Code = "unparseable_output"
	CodeUpstreamFailure   Code = "upstream_failure"
	CodeInternal          Code = "internal"
)

// Codes lists every code in a stable order.
func Codes() []Code {
	return []Code{
		CodeInvalidRequest,
		CodeNotFound,
		CodeRequestTooLarge,
		CodeCanceled,
		CodeUnparseableOutput,
		CodeUpstreamFailure,
		CodeInternal,
	}
}

// CodeForStatus maps an HTTP status to its error code.
func CodeForStatus(statusCode int) Code {
	switch statusCode {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusRequestEntityTooLarge:
		return CodeRequestTooLarge
	case http.StatusRequestTimeout:
		return CodeCanceled
	case http.StatusUnprocessableEntity:
		return CodeUnparseableOutput
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return CodeUpstreamFailure
	}
	if statusCode >= 400 && statusCode < 500 {
		return CodeInvalidRequest
	}
	return CodeInternal
}

// Response is the body of every error response.
type Response struct {
	Error     string `json:"error"`
	Code      Code   `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// New builds the envelope for a failure reported with statusCode.
func New(message string, statusCode int, requestID string) Response {
	return Response{
		Error:     message,
		Code:      CodeForStatus(statusCode),
		RequestID: requestID,
	}
}

// WriteJSON writes the error envelope. requestID is omitted when empty.
func WriteJSON(w http.ResponseWriter, message string, statusCode int, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// Best effort - if encoding fails, we've already written the status code
	_ = json.NewEncoder(w).Encode(New(message, statusCode, requestID))
}
