// Package httplogger is zerolog access logging for the net/http surfaces
// (the unary server and the mock LLM server).
package httplogger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gregwebs/go-recovery"
	"github.com/rs/zerolog"

	"github.com/invakid404/baml-runtime/internal/apierror"
)

// Options configures RequestLogger.
type Options struct {
	// RecoverPanics turns handler panics into a logged 500 with the JSON
	// error envelope.
	RecoverPanics bool

	// Skip excludes requests from logging, e.g. health probes.
	Skip func(r *http.Request) bool

	// RequestIDFromCtx extracts the request ID attached by an earlier
	// middleware. Defaults to chi's middleware.GetReqID.
	RequestIDFromCtx func(ctx context.Context) string
}

type contextKey struct{}

// RequestLogger logs one line per request on a request-scoped logger that
// handlers can enrich through LogEntry and SetError.
func RequestLogger(logger zerolog.Logger, opts *Options) func(http.Handler) http.Handler {
	if opts == nil {
		opts = &Options{}
	}
	requestID := opts.RequestIDFromCtx
	if requestID == nil {
		requestID = middleware.GetReqID
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Skip != nil && opts.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := requestID(r.Context())
			reqLogger := logger.With().Logger()
			if reqID != "" {
				reqLogger = reqLogger.With().Str("request_id", reqID).Logger()
			}
			r = r.WithContext(context.WithValue(r.Context(), contextKey{}, &reqLogger))

			if opts.RecoverPanics {
				serveRecovered(next, ww, r, &reqLogger, reqID)
			} else {
				next.ServeHTTP(ww, r)
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			var event *zerolog.Event
			switch {
			case status >= 500:
				event = reqLogger.Error()
			case status >= 400:
				event = reqLogger.Warn()
			default:
				event = reqLogger.Info()
			}

			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start))
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					event.Str("route", pattern)
				}
			}
			event.Msg("Request completed")
		})
	}
}

func serveRecovered(next http.Handler, ww middleware.WrapResponseWriter, r *http.Request, logger *zerolog.Logger, reqID string) {
	panicErr := recovery.Call(func() error {
		next.ServeHTTP(ww, r)
		return nil
	})
	if panicErr == nil {
		return
	}
	// http.ErrAbortHandler is a deliberate abort and must keep unwinding
	if errors.Is(panicErr, http.ErrAbortHandler) {
		panic(http.ErrAbortHandler)
	}

	logger.Error().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("stack", fmt.Sprintf("%+v", panicErr)).
		Msg("Panic recovered")

	if ww.Status() == 0 {
		apierror.WriteJSON(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError, reqID)
	}
}

// LogEntry returns the request-scoped logger, or nil outside RequestLogger.
func LogEntry(ctx context.Context) *zerolog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*zerolog.Logger); ok {
		return logger
	}
	return nil
}

// SetError attaches err to the request's log line. Errors in the chain that
// implement zerolog.LogObjectMarshaler are logged under "error_detail".
func SetError(ctx context.Context, err error) {
	if logger := LogEntry(ctx); logger != nil {
		logger.UpdateContext(func(c zerolog.Context) zerolog.Context {
			c = c.Err(err)
			var detail zerolog.LogObjectMarshaler
			if errors.As(err, &detail) {
				c = c.Object("error_detail", detail)
			}
			return c
		})
	}
}
