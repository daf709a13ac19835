package transcript

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"pagepilot/internal/domain"
	"pagepilot/internal/usecase"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "transcript.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 30, 0, 123, time.UTC)

	msgs := []domain.ConversationMessage{
		{ID: "01A", Role: domain.RoleUser, Content: domain.TextContent("what is this page?"), CreatedAt: at},
		{ID: "01B", Role: domain.RoleAssistant, Content: domain.TextContent(""), CreatedAt: at},
		{ID: "01C", Role: domain.RoleAssistant, Kind: domain.KindPairing, CreatedAt: at,
			Content: domain.PartsContent(
				domain.Part{Type: domain.PartText, Text: "Scan to pair"},
				domain.Part{Type: domain.PartPairing, Data: []byte(`{"url":"ws://10.0.0.2:8765/bridge"}`)},
			)},
	}
	if err := store.Save(ctx, msgs); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("len = %d, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if !got[i].Equal(msgs[i]) {
			t.Errorf("message %d = %+v, want %+v", i, got[i], msgs[i])
		}
	}

	if err := store.Save(ctx, msgs[:1]); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if got, _ := store.Load(ctx); len(got) != 1 {
		t.Errorf("Save did not replace the table: %d rows", len(got))
	}
}

func TestListenerPersistsLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	log := usecase.NewConversationLog()
	log.Subscribe(store.Listener(ctx))
	log.AddUser("hello")
	log.AppendStream("Hi")
	log.AppendStream(" there")
	log.EndStream()

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[1].Content.Text() != "Hi there" {
		t.Fatalf("stored = %+v", got)
	}

	restored := usecase.NewConversationLog()
	n, err := store.Restore(ctx, restored)
	if err != nil || n != 2 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if m, _ := restored.Last(); m.Content.Text() != "Hi there" {
		t.Errorf("restored last = %+v", m)
	}

	log.Clear()
	if got, _ := store.Load(ctx); len(got) != 0 {
		t.Errorf("cleared log left %d rows", len(got))
	}
}

func TestListenerSkipsStreamChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	listen := store.Listener(ctx)

	msg := domain.ConversationMessage{ID: "x", Role: domain.RoleAssistant, Content: domain.TextContent("partial")}
	listen(usecase.Change{Kind: usecase.ChangeStreamChunk, Chunk: "partial", Snapshot: []domain.ConversationMessage{msg}})

	if got, _ := store.Load(ctx); len(got) != 0 {
		t.Errorf("chunk was persisted: %+v", got)
	}
}
