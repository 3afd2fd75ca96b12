package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/internal/apierror"
	"github.com/invakid404/baml-runtime/internal/httplogger"
)

// newUnaryServer creates the chi-based unary HTTP server if port > 0.
// Returns nil when the unary server is disabled.
func (s *server) newUnaryServer(port int) *http.Server {
	if port <= 0 {
		return nil
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.newUnaryRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
}

// newUnaryRouter builds a chi router that registers only unary endpoints
// (/call/*, /call-with-raw/*, /parse/*). These handlers use r.Context() for
// cancellation, so a client disconnect aborts the model call.
func (s *server) newUnaryRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if reqID := middleware.GetReqID(req.Context()); reqID != "" {
				w.Header().Set("X-Request-Id", reqID)
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Use(httplogger.RequestLogger(s.logger, &httplogger.Options{
		RecoverPanics:    true,
		RequestIDFromCtx: middleware.GetReqID,
	}))

	// Body size limiter.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.Body = http.MaxBytesReader(w, req.Body, maxRequestBodyBytes)
			next.ServeHTTP(w, req)
		})
	})

	for _, name := range s.functionNames() {
		r.Post(fmt.Sprintf("/call/%s", name), s.makeChiCallHandler(name, bamlutils.StreamModeCall))
		r.Post(fmt.Sprintf("/call-with-raw/%s", name), s.makeChiCallHandler(name, bamlutils.StreamModeCallWithRaw))
		r.Post(fmt.Sprintf("/parse/%s", name), s.makeChiParseHandler(name))
	}

	return r
}

func (s *server) makeChiCallHandler(name string, streamMode bamlutils.StreamMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		body, statusCode, err := readUnaryBody(r)
		if err != nil {
			writeChiJSONError(w, r, "failed to read request body", statusCode)
			return
		}

		data, err := s.handleCall(ctx, name, body, streamMode)
		if err != nil {
			s.writeChiError(w, r, name, err)
			return
		}

		writeChiJSON(w, data)
	}
}

func (s *server) makeChiParseHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, statusCode, err := readUnaryBody(r)
		if err != nil {
			writeChiJSONError(w, r, "failed to read request body", statusCode)
			return
		}

		data, err := s.handleParse(name, body)
		if err != nil {
			s.writeChiError(w, r, name, err)
			return
		}

		writeChiJSON(w, data)
	}
}

func writeChiJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// readUnaryBody reads the request body and returns the appropriate HTTP status
// code on failure. MaxBytesReader errors yield 413; other read errors yield 400.
func readUnaryBody(r *http.Request) ([]byte, int, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, err
		}
		return nil, http.StatusBadRequest, err
	}
	return body, 0, nil
}

// writeChiJSONError writes a JSON error response using the standard apierror envelope.
func writeChiJSONError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	apierror.WriteJSON(w, message, statusCode, middleware.GetReqID(r.Context()))
}

// writeChiError classifies a runtime error. Server-side failures are
// attached to the request log entry.
func (s *server) writeChiError(w http.ResponseWriter, r *http.Request, name string, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		httplogger.SetError(r.Context(), err)
	}
	s.logError(err, name, status)
	writeChiJSONError(w, r, message, status)
}

// chiMetricsMiddleware records the same HTTP metrics as the Fiber middleware
// using the shared prometheus collectors.
func chiMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpRequestsInflight.Inc()
		defer httpRequestsInflight.Dec()
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rctx := chi.RouteContext(r.Context())
		path := rctx.RoutePattern()
		if path == "" {
			path = "_unmatched"
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK // net/http implicit default
		}
		code := strconv.Itoa(status)
		httpRequestsTotal.WithLabelValues(r.Method, path, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}
