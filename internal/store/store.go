// Package store provides SQLite persistence for clients, conversations,
// messages, queue entries, invocations, and shared context.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY CHECK (id IN ('claude','codex')),
	display_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'offline' CHECK (status IN ('online','offline','busy')),
	session_id TEXT,
	last_seen_at TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT,
	project TEXT,
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','pending','completed','archived')),
	created_by TEXT NOT NULL REFERENCES clients(id),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	summary TEXT,
	metadata TEXT,
	closed_at TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender TEXT NOT NULL REFERENCES clients(id),
	target TEXT NOT NULL REFERENCES clients(id),
	content TEXT NOT NULL CHECK (length(content) > 0),
	message_type TEXT NOT NULL DEFAULT 'message' CHECK (message_type IN
		('message','research_request','research_response','review_request','review_response','context_share','system')),
	priority TEXT NOT NULL DEFAULT 'normal' CHECK (priority IN ('normal','high','urgent')),
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','delivered','read','responded')),
	response_to_id TEXT REFERENCES messages(id),
	created_at TEXT NOT NULL,
	delivered_at TEXT,
	read_at TEXT,
	metadata TEXT,
	CHECK (sender <> target)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_response_to ON messages(response_to_id);
CREATE INDEX IF NOT EXISTS idx_messages_target_status ON messages(target, status);

CREATE TABLE IF NOT EXISTS message_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
	target TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_attempt TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_target ON message_queue(target, next_attempt);

CREATE TABLE IF NOT EXISTS invocations (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	invocation_type TEXT NOT NULL CHECK (invocation_type IN ('subprocess_exec','peer_mcp')),
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','running','completed','failed','timeout')),
	command TEXT,
	stdout TEXT,
	stderr TEXT,
	exit_code INTEGER,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS shared_context (
	id TEXT PRIMARY KEY,
	conversation_id TEXT REFERENCES conversations(id) ON DELETE CASCADE,
	context_type TEXT NOT NULL CHECK (context_type IN ('file','snippet','entity','memory_item','url')),
	content TEXT NOT NULL,
	description TEXT,
	shared_by TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	content,
	content='messages',
	content_rowid='rowid',
	tokenize='porter'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE OF content ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`

// Store wraps the SQLite database handle. It is shared by all tasks;
// SQLite serialises row access, so callers must not hold application
// locks across Store calls.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an in-memory database in tests.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The connection carries per-connection pragmas and in-memory
	// databases vanish per connection, so keep a single one.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.init(path); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store ready", "path", path)
	return s, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return ":memory:?_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		url.PathEscape(path))
}

func (s *Store) init(path string) error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := s.seedClients(); err != nil {
		return fmt.Errorf("seed clients: %w", err)
	}
	if path != ":memory:" {
		// Owner-only: the database holds full message history.
		if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("restrict database permissions: %w", err)
		}
	}
	return nil
}

func (s *Store) seedClients() error {
	now := fmtTime(time.Now())
	for _, c := range []struct{ id, name string }{
		{"claude", "Claude Code CLI"},
		{"codex", "Codex CLI"},
	} {
		_, err := s.db.Exec(
			`INSERT INTO clients (id, display_name, status, created_at) VALUES (?, ?, 'offline', ?)
			 ON CONFLICT(id) DO NOTHING`,
			c.id, c.name, now)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed-width so TEXT comparisons in SQL sort
// chronologically; RFC3339Nano trims trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// fmtTime serialises a timestamp for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
