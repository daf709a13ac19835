package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"pagepilot/internal/domain"
)

type textDecoder struct {
	flushed int
}

func (d *textDecoder) decode(data []byte) (*domain.StreamDelta, error) {
	s := string(data)
	if s == "bad" {
		return nil, errors.New("bad payload")
	}
	return &domain.StreamDelta{Content: s}, nil
}

func (d *textDecoder) flush() *domain.StreamDelta {
	d.flushed++
	return nil
}

func collect(ch <-chan domain.StreamDelta) []domain.StreamDelta {
	var out []domain.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

func TestStreamSSEBasic(t *testing.T) {
	raw := "data: hello\n\ndata: world\n\ndata: [DONE]\n\n"
	dec := &textDecoder{}
	deltas := collect(streamSSE(context.Background(), io.NopCloser(strings.NewReader(raw)), dec))

	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d", len(deltas))
	}
	if deltas[0].Content != "hello" || deltas[1].Content != "world" {
		t.Errorf("unexpected content: %+v", deltas)
	}
	if !deltas[2].Done {
		t.Error("expected final delta to be Done")
	}
	if dec.flushed != 1 {
		t.Errorf("flush called %d times, want 1", dec.flushed)
	}
}

func TestStreamSSESkipsCommentsAndBadPayloads(t *testing.T) {
	raw := ": keepalive\nevent: message\ndata: bad\ndata: ok\n\n"
	deltas := collect(streamSSE(context.Background(), io.NopCloser(strings.NewReader(raw)), &textDecoder{}))

	if len(deltas) != 2 {
		t.Fatalf("expected ok + done, got %+v", deltas)
	}
	if deltas[0].Content != "ok" || !deltas[1].Done {
		t.Errorf("unexpected deltas: %+v", deltas)
	}
}

func TestStreamSSEEOFWithoutDone(t *testing.T) {
	deltas := collect(streamSSE(context.Background(), io.NopCloser(strings.NewReader("data: a\n")), &textDecoder{}))
	if len(deltas) != 2 || !deltas[1].Done || deltas[1].Err != nil {
		t.Fatalf("expected a clean Done at EOF, got %+v", deltas)
	}
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "data: part\n"), nil
	}
	return 0, errors.New("connection reset by peer")
}

func TestStreamSSEReadErrorIsTerminal(t *testing.T) {
	deltas := collect(streamSSE(context.Background(), io.NopCloser(&failingReader{}), &textDecoder{}))
	if len(deltas) != 2 {
		t.Fatalf("expected chunk + error, got %+v", deltas)
	}
	last := deltas[1]
	if !last.Done || last.Err == nil {
		t.Fatalf("expected terminal error delta, got %+v", last)
	}
	if !errors.Is(last.Err, domain.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", last.Err)
	}
}

func TestStreamSSEContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := pw.Write([]byte("data: x\n\n")); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		pw.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ch := streamSSE(ctx, pr, &textDecoder{})
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop after context cancellation")
	}
}
