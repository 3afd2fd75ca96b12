package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gregwebs/go-recovery"
	"golang.org/x/sync/errgroup"

	bamlsse "github.com/invakid404/baml-runtime/bamlutils/sse"
	"github.com/invakid404/baml-runtime/jsonish/deserializer"
	"github.com/invakid404/baml-runtime/llmclient"
	"github.com/invakid404/baml-runtime/prompt"
)

// CancelHandle stops a stream. Cancel may be called any number of times from
// any goroutine; values already delivered stay valid.
type CancelHandle struct {
	once sync.Once
	done chan struct{}
}

func NewCancelHandle() *CancelHandle {
	return &CancelHandle{done: make(chan struct{})}
}

func (h *CancelHandle) Cancel() {
	h.once.Do(func() { close(h.done) })
}

func (h *CancelHandle) Done() <-chan struct{} {
	return h.done
}

func (h *CancelHandle) Canceled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// StreamEvent is delivered for every batch of new text.
type StreamEvent struct {
	Scope OrchestrationScope
	// Reset is set when text from an earlier attempt was discarded.
	Reset bool
	// Raw is the accumulated text of the current attempt.
	Raw string
	// Value is the partial coercion of Raw, nil while nothing coerces.
	Value *deserializer.BamlValue
}

type StreamHandler func(StreamEvent)

// Stream performs a streaming call on each node in turn. Every chunk is
// coerced in partial mode and passed to onEvent; the final text of a
// successful attempt is coerced strictly. Cancelling handle stops the stream
// and skips the remaining nodes.
func (o *Orchestrator) Stream(
	ctx context.Context,
	nodes []Node,
	render RenderFunc,
	parse ParseFunc,
	handle *CancelHandle,
	onEvent StreamHandler,
) *Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if handle != nil {
		go func() {
			select {
			case <-handle.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	result := &Result{}
	acc := bamlsse.NewAccumulator()

	for i, node := range nodes {
		attempt := o.attempt(ctx, node, func(ctx context.Context, rp *prompt.RenderedPrompt) *llmclient.Response {
			return o.streamNode(ctx, node, i, rp, acc, parse, onEvent)
		}, render)

		if attempt.Response.IsSuccess() && parse != nil {
			attempt.Value, attempt.ParseErr = parse(attempt.Response.Content, false)
		}
		result.Attempts = append(result.Attempts, attempt)

		if !o.next(ctx, result, node, attempt.Response, i < len(nodes)-1) {
			break
		}
	}
	return result
}

// streamNode runs one streaming request. The provider feeds updates to a
// consumer that coerces the latest text, skipping updates that arrive while
// a coercion is in progress.
func (o *Orchestrator) streamNode(
	ctx context.Context,
	node Node,
	index int,
	rp *prompt.RenderedPrompt,
	acc *bamlsse.Accumulator,
	parse ParseFunc,
	onEvent StreamHandler,
) *llmclient.Response {
	g, gctx := errgroup.WithContext(ctx)
	updates := make(chan bamlsse.Update, 64)

	var resp *llmclient.Response
	g.Go(func() error {
		defer close(updates)
		return recovery.Call(func() error {
			resp = node.Provider.Stream(gctx, rp, acc, index, func(u bamlsse.Update) {
				select {
				case updates <- u:
				case <-gctx.Done():
				}
			})
			return nil
		})
	})

	g.Go(func() error {
		return recovery.Call(func() error {
			for u := range updates {
				latest, reset := coalesce(u, updates)
				if onEvent == nil {
					continue
				}
				ev := StreamEvent{Scope: node.Scope, Reset: reset, Raw: latest.Full}
				if parse != nil {
					if v, err := parse(latest.Full, true); err == nil {
						ev.Value = v
					}
				}
				onEvent(ev)
			}
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		o.logger.Error().Err(err).Str("client", node.Provider.Name()).Msg("Stream handler failed")
		return &llmclient.Response{
			Kind:      llmclient.OtherFailure,
			Client:    node.Provider.Name(),
			Model:     node.Provider.Model(),
			Prompt:    rp,
			StartTime: time.Now(),
			Message:   fmt.Sprintf("stream handler failed: %v", err),
		}
	}
	return resp
}

// coalesce drains updates that are already queued behind u.
func coalesce(u bamlsse.Update, updates <-chan bamlsse.Update) (bamlsse.Update, bool) {
	reset := u.Reset
	for {
		select {
		case more, ok := <-updates:
			if !ok {
				return u, reset
			}
			u = more
			reset = reset || more.Reset
		default:
			return u, reset
		}
	}
}
