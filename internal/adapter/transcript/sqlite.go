// Package transcript persists the conversation log in SQLite.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"pagepilot/internal/domain"
	"pagepilot/internal/usecase"
)

// SQLiteStore keeps one snapshot of the conversation log.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY,
			id         TEXT NOT NULL,
			role       TEXT NOT NULL,
			kind       TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored transcript with msgs in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, msgs []domain.ConversationMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transcript save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO messages (seq, id, role, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return domain.WrapOp("prepare transcript insert", err)
	}
	defer stmt.Close()

	for i, m := range msgs {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, i, m.ID, m.Role, string(m.Kind), string(content),
			m.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Load returns the stored transcript in order.
func (s *SQLiteStore) Load(ctx context.Context) ([]domain.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, role, kind, content, created_at FROM messages ORDER BY seq")
	if err != nil {
		return nil, domain.WrapOp("query transcript", err)
	}
	defer rows.Close()

	var msgs []domain.ConversationMessage
	for rows.Next() {
		var m domain.ConversationMessage
		var kind, content, created string
		if err := rows.Scan(&m.ID, &m.Role, &kind, &content, &created); err != nil {
			return nil, domain.WrapOp("scan transcript row", err)
		}
		m.Kind = domain.MessageKind(kind)
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("unmarshal message %s: %w", m.ID, err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		msgs = append(msgs, m)
	}
	return msgs, domain.WrapOp("read transcript", rows.Err())
}

// Restore loads the stored transcript into log.
func (s *SQLiteStore) Restore(ctx context.Context, log *usecase.ConversationLog) (int, error) {
	msgs, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	log.SetAll(msgs)
	return len(msgs), nil
}

// Listener returns a conversation listener that saves the snapshot after
// every change except stream chunks.
func (s *SQLiteStore) Listener(ctx context.Context) usecase.Listener {
	return func(c usecase.Change) {
		if c.Kind == usecase.ChangeStreamChunk {
			return
		}
		if err := s.Save(ctx, c.Snapshot); err != nil {
			s.logger.Warn("transcript save failed", "change", c.Kind, "error", err)
		}
	}
}
