package llmclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/gregwebs/go-recovery"
	"github.com/tmaxmax/go-sse"
	"github.com/valyala/fasthttp"
)

// DefaultRequestTimeout bounds a request when neither the context nor the
// client options carry a deadline.
const DefaultRequestTimeout = 5 * time.Minute

// Transport sends provider requests over fasthttp. The zero value is not
// usable; create one with NewTransport.
type Transport struct {
	client *fasthttp.Client
}

// NewTransport returns a Transport whose client streams response bodies.
func NewTransport() *Transport {
	return &Transport{
		client: &fasthttp.Client{
			Name:                "baml-runtime",
			StreamResponseBody:  true,
			MaxIdleConnDuration: 90 * time.Second,
		},
	}
}

var defaultTransport = NewTransport()

type httpRequest struct {
	url     string
	headers map[string]string
	body    []byte
	timeout time.Duration
}

type httpResult struct {
	status int
	body   []byte
}

func (r *httpRequest) deadline(ctx context.Context) time.Time {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func (r *httpRequest) fill(req *fasthttp.Request) {
	req.SetRequestURI(r.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	req.SetBody(r.body)
}

// Do sends r and buffers the whole response body.
func (t *Transport) Do(ctx context.Context, r *httpRequest) (*httpResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}
	r.fill(req)

	done := make(chan error, 1)
	go recovery.Go(func() error {
		err := errors.New("request aborted")
		defer func() { done <- err }()

		err = t.client.DoDeadline(req, resp, r.deadline(ctx))
		if err == nil {
			// Drain a streamed body so it can be read after Do returns.
			if stream := resp.BodyStream(); stream != nil {
				body, readErr := io.ReadAll(stream)
				_ = resp.CloseBodyStream()
				resp.SetBody(body)
				err = readErr
			}
		}
		return nil
	})

	select {
	case <-ctx.Done():
		go func() {
			<-done
			release()
		}()
		return nil, ctx.Err()
	case err := <-done:
		defer release()
		if err != nil {
			return nil, err
		}
		return &httpResult{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
		}, nil
	}
}

// streamResult is an open streaming response. Events must be consumed or
// Close called.
type streamResult struct {
	status int
	// body is set instead of events for non-2xx responses.
	body []byte

	resp    *fasthttp.Response
	req     *fasthttp.Request
	stop    func() bool
	closed  bool
	reader  io.Reader
	ctxDone <-chan struct{}
}

// Events iterates the server-sent events of the response body.
func (s *streamResult) Events() iter.Seq2[sse.Event, error] {
	return func(yield func(sse.Event, error) bool) {
		for ev, err := range sse.Read(s.reader, nil) {
			select {
			case <-s.ctxDone:
				yield(sse.Event{}, context.Canceled)
				return
			default:
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

func (s *streamResult) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	_ = s.resp.CloseBodyStream()
	fasthttp.ReleaseRequest(s.req)
	fasthttp.ReleaseResponse(s.resp)
}

// Stream sends r and returns once response headers have arrived, or as soon
// as ctx is done. Cancelling ctx later closes the body stream, which ends
// iteration.
func (t *Transport) Stream(ctx context.Context, r *httpRequest) (*streamResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}
	r.fill(req)

	done := make(chan error, 1)
	go recovery.Go(func() error {
		err := errors.New("request aborted")
		defer func() { done <- err }()

		err = t.client.DoDeadline(req, resp, r.deadline(ctx))
		return nil
	})

	select {
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				_ = resp.CloseBodyStream()
			}
			release()
		}()
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			release()
			return nil, err
		}
	}

	res := &streamResult{
		status:  resp.StatusCode(),
		req:     req,
		resp:    resp,
		ctxDone: ctx.Done(),
	}

	stream := resp.BodyStream()
	if res.status < 200 || res.status >= 300 {
		var body []byte
		if stream != nil {
			body, _ = io.ReadAll(stream)
		} else {
			body = append([]byte(nil), resp.Body()...)
		}
		res.body = body
		res.Close()
		return res, nil
	}

	if stream == nil {
		// Small bodies are delivered without streaming.
		res.reader = bytes.NewReader(append([]byte(nil), resp.Body()...))
	} else {
		res.reader = stream
		res.stop = context.AfterFunc(ctx, func() {
			_ = resp.CloseBodyStream()
		})
	}
	return res, nil
}

// classifyTransportError maps a transport error to an ErrorCode.
func classifyTransportError(ctx context.Context, err error) ErrorCode {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return ErrorCanceled
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, fasthttp.ErrTimeout),
		errors.Is(err, fasthttp.ErrDialTimeout):
		return ErrorTimeout
	default:
		return ErrorServiceUnavailable
	}
}
