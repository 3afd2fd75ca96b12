package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
	fiberrequestid "github.com/gofiber/fiber/v3/middleware/requestid"

	"github.com/invakid404/baml-runtime/internal/apierror"
	"github.com/invakid404/baml-runtime/runtime"
)

// writeJSONError writes a JSON-formatted error response with the given status code.
func writeJSONError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	apierror.WriteJSON(w, message, statusCode, fiberrequestid.FromContext(r.Context()))
}

// writeFiberJSONError writes a JSON-formatted error response for native Fiber handlers.
func writeFiberJSONError(c fiber.Ctx, message string, statusCode int) error {
	return c.Status(statusCode).JSON(apierror.New(message, statusCode, fiberrequestid.FromContext(c)))
}

// errorStatus classifies a runtime error into a status code and the message
// shown to the client. Internal errors are not echoed back.
func errorStatus(err error) (int, string) {
	var (
		userErr     *runtime.UserError
		llmErr      *runtime.LLMError
		coercionErr *runtime.CoercionError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "request canceled"
	case errors.Is(err, runtime.ErrFunctionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &userErr):
		return http.StatusBadRequest, userErr.Error()
	case errors.As(err, &coercionErr):
		return http.StatusUnprocessableEntity, coercionErr.Error()
	case errors.As(err, &llmErr):
		return http.StatusBadGateway, llmErr.Error()
	default:
		return http.StatusInternalServerError, "failed to process request"
	}
}

// badRequest wraps a decoding failure so it is reported as 400.
func badRequest(err error, message string) error {
	return &runtime.UserError{Message: message, Err: err}
}
