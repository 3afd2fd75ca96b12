package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	fiberzerolog "github.com/gofiber/contrib/v3/zerolog"
	"github.com/gofiber/fiber/v3"
	fiberadaptor "github.com/gofiber/fiber/v3/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v3/middleware/recover"
	fiberrequestid "github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/tmaxmax/go-sse"

	"github.com/invakid404/baml-runtime/bamlutils"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests processed by the server",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	httpRequestsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "HTTP requests currently being served",
		},
	)
	registerHTTPMetricsOnce sync.Once
	registerHTTPMetricsErr  error
)

func registerHTTPMetrics() error {
	registerHTTPMetricsOnce.Do(func() {
		for _, collector := range []prometheus.Collector{httpRequestsTotal, httpRequestDuration, httpRequestsInflight} {
			if err := prometheus.Register(collector); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
					continue
				}
				registerHTTPMetricsErr = err
				return
			}
		}
	})

	return registerHTTPMetricsErr
}

func httpMetricsMiddleware(c fiber.Ctx) error {
	httpRequestsInflight.Inc()
	defer httpRequestsInflight.Dec()
	start := time.Now()
	err := c.Next()

	statusCode := c.Response().StatusCode()
	if err != nil {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			statusCode = fiberErr.Code
			if statusCode == 0 {
				statusCode = fiber.StatusInternalServerError
			}
		} else if statusCode < 400 {
			statusCode = fiber.StatusInternalServerError
		}
	}

	status := strconv.Itoa(statusCode)
	path := c.FullPath()
	if path == "" {
		path = "_unmatched"
	}
	httpRequestsTotal.WithLabelValues(c.Method(), path, status).Inc()
	httpRequestDuration.WithLabelValues(c.Method(), path, status).Observe(time.Since(start).Seconds())

	return err
}

type appConfig struct {
	OpenAPIJSON          []byte
	OpenAPIYAML          []byte
	SSEKeepaliveInterval time.Duration
}

// newApp builds the Fiber application serving every endpoint.
func (s *server) newApp(cfg appConfig) (*fiber.App, error) {
	app := fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
		BodyLimit:   maxRequestBodyBytes,
	})

	// Pre-allocate SSE event kinds
	sseErrorKind, err := sse.NewType("error")
	if err != nil {
		return nil, err
	}
	sseResetKind, err := sse.NewType("reset")
	if err != nil {
		return nil, err
	}
	sseFinalKind, err := sse.NewType("final")
	if err != nil {
		return nil, err
	}

	sseServer := &sse.Server{
		OnSession: func(_ http.ResponseWriter, req *http.Request) (topics []string, permitted bool) {
			topic, ok := req.Context().Value(sseContextKeyTopic).(string)
			if !ok {
				return nil, false
			}

			// Signal that SSE connection is ready for publishing
			if ready, ok := req.Context().Value(sseContextKeyReady).(chan struct{}); ok {
				close(ready)
			}

			return []string{topic}, true
		},
	}

	app.Use(fiberrecover.New())

	// Scrapes are not logged
	app.Get("/metrics", s.handleMetrics)

	if err := registerHTTPMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	app.Use(httpMetricsMiddleware)
	app.Use(fiberrequestid.New(fiberrequestid.Config{
		Header: "X-Request-Id",
	}))
	app.Use(fiberzerolog.New(fiberzerolog.Config{
		Logger: &s.logger,
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/metrics"
		},
		Fields: []string{
			fiberzerolog.FieldLatency,
			fiberzerolog.FieldStatus,
			fiberzerolog.FieldMethod,
			fiberzerolog.FieldURL,
			fiberzerolog.FieldRequestID,
			fiberzerolog.FieldError,
		},
	}))

	app.Get("/openapi.json", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(fiber.StatusOK).Send(cfg.OpenAPIJSON)
	})
	app.Get("/openapi.yaml", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "application/yaml")
		return c.Status(fiber.StatusOK).Send(cfg.OpenAPIYAML)
	})

	for _, name := range s.functionNames() {
		if name == bamlutils.DynamicEndpointName {
			s.logger.Info().Str("endpoint", name).Msg("Registering dynamic prompt")
		} else {
			s.logger.Info().Str("prompt", name).Msg("Registering prompt")
		}

		app.Post(fmt.Sprintf("/call/%s", name), s.makeCallHandler(name, bamlutils.StreamModeCall))
		app.Post(fmt.Sprintf("/call-with-raw/%s", name), s.makeCallHandler(name, bamlutils.StreamModeCallWithRaw))

		makeStreamConfig := func(pathPrefix string) *StreamHandlerConfig {
			return &StreamHandlerConfig{
				SSEServer:            sseServer,
				SSEErrorType:         sseErrorKind,
				SSEResetType:         sseResetKind,
				SSEFinalType:         sseFinalKind,
				SSEKeepaliveInterval: cfg.SSEKeepaliveInterval,
				PathPrefix:           pathPrefix,
			}
		}
		app.Post(fmt.Sprintf("/stream/%s", name), s.makeStreamHandler(name, bamlutils.StreamModeStream, makeStreamConfig("stream")))
		app.Post(fmt.Sprintf("/stream-with-raw/%s", name), s.makeStreamHandler(name, bamlutils.StreamModeStreamWithRaw, makeStreamConfig("stream-with-raw")))

		app.Post(fmt.Sprintf("/parse/%s", name), s.makeParseHandler(name))
	}

	return app, nil
}

func (s *server) handleMetrics(c fiber.Ctx) error {
	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("failed to gather metrics\n")
	}

	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	encoder := expfmt.NewEncoder(buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			return c.Status(fiber.StatusInternalServerError).SendString("failed to encode metrics\n")
		}
	}

	c.Set(fiber.HeaderContentType, string(expfmt.FmtText))
	// The buffer goes back to the pool, so the body must be copied
	return c.SendString(buf.String())
}

// writeFiberError reports err with the status it maps to.
func (s *server) writeFiberError(c fiber.Ctx, name string, err error) error {
	status, message := errorStatus(err)
	s.logError(err, name, status)
	return writeFiberJSONError(c, message, status)
}

func (s *server) makeCallHandler(name string, streamMode bamlutils.StreamMode) fiber.Handler {
	return func(c fiber.Ctx) error {
		ctx, cancel := context.WithCancel(c.RequestCtx())
		defer cancel()

		data, err := s.handleCall(ctx, name, c.Body(), streamMode)
		if err != nil {
			return s.writeFiberError(c, name, err)
		}

		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(fiber.StatusOK).Send(data)
	}
}

func (s *server) makeParseHandler(name string) fiber.Handler {
	return func(c fiber.Ctx) error {
		data, err := s.handleParse(name, c.Body())
		if err != nil {
			return s.writeFiberError(c, name, err)
		}

		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(fiber.StatusOK).Send(data)
	}
}

// makeStreamHandler serves NDJSON natively and SSE through the net/http
// adaptor that go-sse needs.
func (s *server) makeStreamHandler(name string, streamMode bamlutils.StreamMode, config *StreamHandlerConfig) fiber.Handler {
	sseHandler := fiberadaptor.HTTPHandlerWithContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawBody, err := readRequestBodyLimited(r)
		if err != nil {
			statusCode := http.StatusBadRequest
			message := "failed to read request body"
			if errors.Is(err, errRequestBodyTooLarge) {
				statusCode = http.StatusRequestEntityTooLarge
				message = "request body too large"
			}
			s.logger.Error().Err(err).Str("function", name).Msg("failed to read stream request body")
			writeJSONError(w, r, message, statusCode)
			return
		}

		req, err := decodeCallRequest(name, rawBody)
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, r, message, status)
			return
		}

		s.HandleStream(w, r, req, streamMode, config)
	}))

	return func(c fiber.Ctx) error {
		if NegotiateStreamFormatFromAccept(c.Get(fiber.HeaderAccept)) == StreamFormatNDJSON {
			return s.handleNDJSONStreamFiber(c, name, streamMode)
		}

		return sseHandler(c)
	}
}

// handleNDJSONStreamFiber streams NDJSON through fasthttp's body stream
// writer. The writer runs after the handler returns, so the request is
// decoded up front and a write failure is the disconnect signal.
func (s *server) handleNDJSONStreamFiber(c fiber.Ctx, name string, streamMode bamlutils.StreamMode) error {
	req, err := decodeCallRequest(name, c.Body())
	if err != nil {
		return s.writeFiberError(c, name, err)
	}

	setNDJSONHeaders(c.Set)
	return c.SendStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		publisher := NewNDJSONPublisher(w, w.Flush, s.buffers)
		if err := s.runStream(ctx, req, publisher, streamMode); err != nil {
			s.logger.Debug().Err(err).Str("function", name).Msg("NDJSON stream ended with an error")
		}
	})
}
