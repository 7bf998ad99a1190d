// Package eventstore keeps an optional audit timeline of handled chat events.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/aethra/internal/config"
	_ "modernc.org/sqlite"
)

// Entry is one handled event. Message bodies are never stored.
type Entry struct {
	ID        int64
	ChatID    int64
	RequestID string
	Kind      string
	Outcome   string
	Duration  time.Duration
	Detail    string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed event timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// OpenOption adjusts how Open treats an existing timeline.
type OpenOption func(*openOptions)

type openOptions struct {
	inspect bool
}

// ForInspection opens the timeline without truncating, vacuuming or pruning
// it, for tools that only read.
func ForInspection() OpenOption {
	return func(o *openOptions) { o.inspect = true }
}

// Open initializes the event store according to config. The ephemeral mode
// opens no database and turns every call into a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger, opts ...OpenOption) (*Store, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" || cfg.RetentionMode == "" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if o.inspect {
		return s, nil
	}

	if cfg.RetentionMode == "session" {
		// The timeline only covers the current process.
		if err := s.truncate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS chats (
    chat_id INTEGER PRIMARY KEY,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id INTEGER NOT NULL,
    request_id TEXT,
    kind TEXT NOT NULL,
    outcome TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(chat_id) REFERENCES chats(chat_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_chat_created ON events(chat_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) truncate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events; DELETE FROM chats;`); err != nil {
		return fmt.Errorf("reset event store: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether entries are actually stored.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Append records an entry, creating or touching the chat row.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if s.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	created := e.CreatedAt.UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats(chat_id, first_seen, last_seen) VALUES(?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET last_seen=excluded.last_seen`,
		e.ChatID, created, created); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(chat_id, request_id, kind, outcome, duration_ms, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.ChatID, e.RequestID, e.Kind, e.Outcome, e.Duration.Milliseconds(), e.Detail, created); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// ListChatEvents retrieves up to limit entries of a chat in ascending time.
func (s *Store) ListChatEvents(ctx context.Context, chatID int64, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, request_id, kind, outcome, duration_ms, detail, created_at
		 FROM events WHERE chat_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			reqID    sql.NullString
			detail   sql.NullString
			duration int64
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.ChatID, &reqID, &e.Kind, &e.Outcome, &duration, &detail, &created); err != nil {
			return nil, err
		}
		e.RequestID = reqID.String
		e.Detail = detail.String
		e.Duration = time.Duration(duration) * time.Millisecond
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM chats WHERE last_seen < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxChats > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id IN (
			SELECT chat_id FROM chats ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxChats)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if (s.cfg.RetentionMode == "ephemeral" || s.cfg.RetentionMode == "") && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
