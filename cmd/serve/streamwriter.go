package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gregwebs/go-recovery"
	"github.com/tmaxmax/go-sse"

	"github.com/invakid404/baml-runtime/bamlutils"
	"github.com/invakid404/baml-runtime/internal/httplogger"
	"github.com/invakid404/baml-runtime/internal/unsafeutil"
	"github.com/invakid404/baml-runtime/orchestrator"
	"github.com/invakid404/baml-runtime/runtime"
)

const (
	defaultSSEKeepaliveInterval = 15 * time.Second
	minSSEKeepaliveInterval     = time.Second
)

// StreamFormat represents the output format for streaming responses.
type StreamFormat int

const (
	StreamFormatSSE StreamFormat = iota
	StreamFormatNDJSON
)

// ContentTypeNDJSON is the MIME type for NDJSON streams.
const ContentTypeNDJSON = "application/x-ndjson"

// NDJSONEventType represents the type of NDJSON streaming event.
type NDJSONEventType string

const (
	NDJSONEventData  NDJSONEventType = "data"
	NDJSONEventFinal NDJSONEventType = "final"
	NDJSONEventReset NDJSONEventType = "reset"
	NDJSONEventError NDJSONEventType = "error"
)

// NDJSONEvent represents a single NDJSON streaming event.
type NDJSONEvent struct {
	Type  NDJSONEventType `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Raw   string          `json:"raw,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NegotiateStreamFormat determines the stream format based on Accept header.
// Returns NDJSON only if explicitly requested, otherwise defaults to SSE.
func NegotiateStreamFormat(r *http.Request) StreamFormat {
	return NegotiateStreamFormatFromAccept(r.Header.Get("Accept"))
}

// NegotiateStreamFormatFromAccept is NegotiateStreamFormat for a raw Accept
// header value.
func NegotiateStreamFormatFromAccept(accept string) StreamFormat {
	if accept == "" {
		return StreamFormatSSE
	}

	// The header may list several types with quality values
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.Split(part, ";")[0])
		if mediaType == ContentTypeNDJSON {
			return StreamFormatNDJSON
		}
	}

	return StreamFormatSSE
}

// StreamPublisher is the unified interface for publishing stream events.
// Both SSE and NDJSON implementations use this interface.
type StreamPublisher interface {
	// PublishData sends an intermediate value with the raw text of the
	// current attempt. raw is empty unless the stream mode needs it.
	PublishData(data []byte, raw string) error
	// PublishFinal sends the completed value. It is the last event of a
	// successful stream.
	PublishFinal(data []byte, raw string) error
	// PublishReset tells the client to discard what it has received so far.
	PublishReset() error
	// PublishError sends an error event.
	PublishError(errMsg string) error
	// Close performs any cleanup needed (e.g., signaling SSE to stop).
	Close()
}

// SSEPublisher implements StreamPublisher for Server-Sent Events.
type SSEPublisher struct {
	server    *sse.Server
	topic     string
	errorType sse.EventType
	resetType sse.EventType
	finalType sse.EventType
	needsRaw  bool
	cancel    context.CancelFunc
	done      <-chan struct{}
}

// NewSSEPublisher creates an SSE publisher and starts the SSE server.
// It blocks until the SSE connection is ready or context is cancelled.
// Returns nil if the connection could not be established.
func NewSSEPublisher(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	config *StreamHandlerConfig,
	needsRaw bool,
	methodName string,
) (*SSEPublisher, context.Context) {
	topic := config.PathPrefix + "/" + methodName + "/" + ptrString(r)
	ready := make(chan struct{})

	ctx, cancel := context.WithCancel(
		context.WithValue(
			context.WithValue(ctx, sseContextKeyTopic, topic),
			sseContextKeyReady, ready,
		),
	)

	req := r.WithContext(ctx)

	sseDone := make(chan struct{})
	go recovery.Go(func() error {
		defer close(sseDone)
		config.SSEServer.ServeHTTP(w, req)
		return nil
	})

	select {
	case <-ready:
	case <-ctx.Done():
		cancel()
		<-sseDone
		return nil, ctx
	}

	p := &SSEPublisher{
		server:    config.SSEServer,
		topic:     topic,
		errorType: config.SSEErrorType,
		resetType: config.SSEResetType,
		finalType: config.SSEFinalType,
		needsRaw:  needsRaw,
		cancel:    cancel,
		done:      sseDone,
	}
	if config.SSEKeepaliveInterval > 0 {
		go recovery.Go(func() error {
			p.keepalive(ctx, config.SSEKeepaliveInterval)
			return nil
		})
	}
	return p, ctx
}

// keepalive sends comment lines so idle proxies keep the connection open
// while the model is thinking.
func (p *SSEPublisher) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			message := &sse.Message{}
			message.AppendComment("keepalive")
			if err := p.server.Publish(message, p.topic); err != nil {
				return
			}
		}
	}
}

func (p *SSEPublisher) publishValue(eventType sse.EventType, data []byte, raw string) error {
	message := &sse.Message{Type: eventType}

	if p.needsRaw {
		wrapped, err := json.Marshal(CallWithRawResponse{
			Data: data,
			Raw:  raw,
		})
		if err != nil {
			return err
		}
		message.AppendData(unsafeutil.BytesToString(wrapped))
	} else {
		message.AppendData(unsafeutil.BytesToString(data))
	}

	return p.server.Publish(message, p.topic)
}

func (p *SSEPublisher) PublishData(data []byte, raw string) error {
	return p.publishValue(sse.EventType{}, data, raw)
}

func (p *SSEPublisher) PublishFinal(data []byte, raw string) error {
	return p.publishValue(p.finalType, data, raw)
}

func (p *SSEPublisher) PublishReset() error {
	message := &sse.Message{Type: p.resetType}
	message.AppendData("{}")
	return p.server.Publish(message, p.topic)
}

func (p *SSEPublisher) PublishError(errMsg string) error {
	message := &sse.Message{Type: p.errorType}
	message.AppendData(errMsg)
	return p.server.Publish(message, p.topic)
}

func (p *SSEPublisher) Close() {
	p.cancel()
	<-p.done
}

// NDJSONPublisher implements StreamPublisher for NDJSON format.
type NDJSONPublisher struct {
	w       io.Writer
	flush   func() error
	buffers *bufferPool
}

// NewNDJSONPublisher creates an NDJSON publisher writing to w. flush is
// called after every event; it may be nil.
func NewNDJSONPublisher(w io.Writer, flush func() error, buffers *bufferPool) *NDJSONPublisher {
	return &NDJSONPublisher{w: w, flush: flush, buffers: buffers}
}

// newHTTPNDJSONPublisher sets the streaming headers on w and commits them.
func newHTTPNDJSONPublisher(w http.ResponseWriter, buffers *bufferPool) *NDJSONPublisher {
	setNDJSONHeaders(w.Header().Set)

	var flush func() error
	// Get flusher, unwrapping middleware wrappers if necessary
	if flusher := getFlusher(w); flusher != nil {
		flush = func() error {
			flusher.Flush()
			return nil
		}
		// Flush headers right away so the client sees the stream start.
		// WriteHeader stays implicit, the same way go-sse does it.
		flusher.Flush()
	}

	return NewNDJSONPublisher(w, flush, buffers)
}

func setNDJSONHeaders(set func(key, value string)) {
	set("Content-Type", ContentTypeNDJSON)
	set("Cache-Control", "no-cache")
	set("Connection", "keep-alive")
	set("X-Accel-Buffering", "no")
	set("X-Content-Type-Options", "nosniff")
}

// getFlusher extracts http.Flusher from a ResponseWriter, unwrapping middleware wrappers if needed.
func getFlusher(w http.ResponseWriter) http.Flusher {
	for {
		if f, ok := w.(http.Flusher); ok {
			return f
		}
		if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
			w = u.Unwrap()
			continue
		}
		return nil
	}
}

func (p *NDJSONPublisher) writeEvent(event *NDJSONEvent) error {
	err := p.buffers.With(func(buf *bytes.Buffer) error {
		// Encode appends the trailing newline, so each event is a single write
		if err := json.NewEncoder(buf).Encode(event); err != nil {
			return err
		}
		_, err := p.w.Write(buf.Bytes())
		return err
	})
	if err != nil {
		return err
	}

	if p.flush != nil {
		return p.flush()
	}
	return nil
}

func (p *NDJSONPublisher) PublishData(data []byte, raw string) error {
	return p.writeEvent(&NDJSONEvent{Type: NDJSONEventData, Data: data, Raw: raw})
}

func (p *NDJSONPublisher) PublishFinal(data []byte, raw string) error {
	return p.writeEvent(&NDJSONEvent{Type: NDJSONEventFinal, Data: data, Raw: raw})
}

func (p *NDJSONPublisher) PublishReset() error {
	return p.writeEvent(&NDJSONEvent{Type: NDJSONEventReset})
}

func (p *NDJSONPublisher) PublishError(errMsg string) error {
	return p.writeEvent(&NDJSONEvent{Type: NDJSONEventError, Error: errMsg})
}

func (p *NDJSONPublisher) Close() {}

// StreamHandlerConfig contains configuration for the unified stream handler.
type StreamHandlerConfig struct {
	SSEServer            *sse.Server
	SSEErrorType         sse.EventType
	SSEResetType         sse.EventType
	SSEFinalType         sse.EventType
	SSEKeepaliveInterval time.Duration
	PathPrefix           string
}

// HandleStream serves a decoded stream request over SSE or NDJSON,
// depending on the Accept header.
func (s *server) HandleStream(
	w http.ResponseWriter,
	r *http.Request,
	req *callRequest,
	streamMode bamlutils.StreamMode,
	config *StreamHandlerConfig,
) {
	var publisher StreamPublisher
	streamCtx := r.Context()

	if NegotiateStreamFormat(r) == StreamFormatNDJSON {
		publisher = newHTTPNDJSONPublisher(w, s.buffers)
	} else {
		var ssePublisher *SSEPublisher
		ssePublisher, streamCtx = NewSSEPublisher(streamCtx, w, r, config, streamMode.NeedsRaw(), req.name)
		if ssePublisher == nil {
			// The client went away before the stream was set up
			return
		}
		publisher = ssePublisher
	}
	defer publisher.Close()

	if err := s.runStream(streamCtx, req, publisher, streamMode); err != nil {
		httplogger.SetError(r.Context(), err)
	}
}

// runStream drives one stream through publisher. It returns the error that
// ended the stream, if any.
func (s *server) runStream(
	ctx context.Context,
	req *callRequest,
	publisher StreamPublisher,
	streamMode bamlutils.StreamMode,
) error {
	handle := orchestrator.NewCancelHandle()
	defer handle.Cancel()

	// Partials arrive from a single goroutine, so publishErr needs no lock.
	var publishErr error
	onPartial := func(p runtime.Partial) {
		if publishErr != nil {
			return
		}
		publishErr = s.publishPartial(publisher, p, streamMode)
		if publishErr != nil {
			handle.Cancel()
		}
	}

	result, err := s.stream(ctx, req, handle, onPartial)
	if publishErr != nil {
		return fmt.Errorf("failed to publish stream event: %w", publishErr)
	}
	if err != nil {
		status, message := errorStatus(err)
		s.logError(err, req.name, status)
		_ = publisher.PublishError(message)
		return err
	}

	data, err := json.Marshal(result.Value)
	if err != nil {
		_ = publisher.PublishError("failed to encode result")
		return err
	}
	return publisher.PublishFinal(data, rawFor(streamMode, result.Raw))
}

func (s *server) publishPartial(publisher StreamPublisher, p runtime.Partial, streamMode bamlutils.StreamMode) error {
	if p.Reset {
		if err := publisher.PublishReset(); err != nil {
			return err
		}
	}
	if p.Value == nil || !streamMode.NeedsPartials() {
		return nil
	}

	data, err := json.Marshal(p.Value)
	if err != nil {
		return err
	}
	return publisher.PublishData(data, rawFor(streamMode, p.Raw))
}

func rawFor(streamMode bamlutils.StreamMode, raw string) string {
	if streamMode.NeedsRaw() {
		return raw
	}
	return ""
}

// ptrString returns a string representation of a pointer for topic uniqueness.
func ptrString(p any) string {
	return fmt.Sprintf("%p", p)
}
