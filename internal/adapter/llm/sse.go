package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"pagepilot/internal/domain"
)

// sseDecoder turns SSE data payloads into deltas. flush is called once when
// the stream ends (by [DONE], EOF or a Done delta) and may return buffered
// tool calls.
type sseDecoder interface {
	decode(data []byte) (*domain.StreamDelta, error)
	flush() *domain.StreamDelta
}

// streamSSE reads "data: ..." lines from body on its own goroutine. The
// channel always ends with exactly one Done delta, or with an Err delta when
// the body fails mid-stream. Unparseable payloads are skipped.
func streamSSE(ctx context.Context, body io.ReadCloser, dec sseDecoder) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}
		finish := func() {
			final := domain.StreamDelta{Done: true}
			if d := dec.flush(); d != nil {
				final = *d
				final.Done = true
			}
			send(final)
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue // blank separators, comments, event: lines
			}
			data = bytes.TrimSpace(data)
			if bytes.Equal(data, []byte("[DONE]")) {
				finish()
				return
			}

			delta, err := dec.decode(data)
			if err != nil || delta == nil {
				continue
			}
			if delta.Done {
				if d := dec.flush(); d != nil {
					delta.ToolCalls = append(delta.ToolCalls, d.ToolCalls...)
				}
				send(*delta)
				return
			}
			if !send(*delta) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(domain.StreamDelta{Done: true, Err: fmt.Errorf("read stream: %w", mapTransportError(err))})
			return
		}
		finish()
	}()
	return ch
}
