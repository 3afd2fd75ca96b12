package mockllm

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/invakid404/baml-runtime/internal/unsafeutil"
)

var errNotFlushable = errors.New("response writer does not support flushing")

// StreamWriter writes SSE events and flushes after each one.
type StreamWriter struct {
	w        io.Writer
	flusher  http.Flusher
	provider Provider
}

func NewStreamWriter(w http.ResponseWriter, provider Provider) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errNotFlushable
	}
	return &StreamWriter{w: w, flusher: flusher, provider: provider}, nil
}

func (sw *StreamWriter) write(event string) error {
	if event == "" {
		return nil
	}
	if _, err := sw.w.Write(unsafeutil.StringToBytes(event)); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// StreamResponse streams content with the scenario's timing and failure
// injection. Headers must already be written.
func StreamResponse(ctx context.Context, sw *StreamWriter, scenario *Scenario, attempt Attempt) error {
	if err := sleep(ctx, attempt.InitialDelay); err != nil {
		return err
	}
	if err := sw.write(sw.provider.FormatPrelude()); err != nil {
		return err
	}

	content := attempt.Content
	chunkSize := scenario.ChunkSize
	if chunkSize <= 0 {
		chunkSize = max(len(content), 1)
	}

	chunkIndex := 0
	for i := 0; i < len(content); i += chunkSize {
		end := min(i+chunkSize, len(content))

		if scenario.FailAfter > 0 && chunkIndex >= scenario.FailAfter {
			return handleFailure(ctx, sw, scenario)
		}

		if err := sw.write(sw.provider.FormatChunk(content[i:end], chunkIndex)); err != nil {
			return err
		}
		chunkIndex++

		if end < len(content) {
			delay := scenario.ChunkDelayMs
			if scenario.ChunkJitterMs > 0 {
				delay += rand.IntN(scenario.ChunkJitterMs)
			}
			if err := sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
				return err
			}
		}
	}

	if err := sw.write(sw.provider.FormatFinalChunk(chunkIndex)); err != nil {
		return err
	}
	return sw.write(sw.provider.FormatDone())
}

func handleFailure(ctx context.Context, sw *StreamWriter, scenario *Scenario) error {
	switch scenario.FailureMode {
	case FailureTimeout:
		<-ctx.Done()
		return ctx.Err()
	case FailureDisconnect:
		return errDisconnect
	default:
		// Headers are already sent, so the failure is reported in-band.
		return sw.write(sw.provider.FormatErrorEvent("simulated server error"))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errDisconnect = errors.New("simulated disconnect")
