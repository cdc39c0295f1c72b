// Package sqlite implements paloma.Store using pure-Go SQLite with
// in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/palomabot/paloma"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for operations including timing and
// row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements paloma.Store backed by a local SQLite file. Embeddings
// are stored as JSON text and vector search is done in-process using
// brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ paloma.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// DB exposes the underlying handle for components sharing the connection.
func (s *Store) DB() *sql.DB { return s.db }

// Init creates all required tables and enables WAL.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			provider_msg_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			covered_messages INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			kind TEXT NOT NULL,
			source_id INTEGER NOT NULL,
			vec TEXT NOT NULL,
			PRIMARY KEY (kind, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			provider_id TEXT PRIMARY KEY,
			seen_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			principal TEXT NOT NULL,
			message_type TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_msg_id TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS spans (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_span_id TEXT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			input TEXT,
			output TEXT,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			trace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			source TEXT NOT NULL,
			comment TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS dataset_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			entry_type TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			expected TEXT,
			metadata TEXT,
			tags TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prompt_versions (
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS sticky_categories (
			conversation_id INTEGER PRIMARY KEY,
			cats TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal TEXT NOT NULL,
			expression TEXT NOT NULL,
			message TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			principal TEXT NOT NULL,
			objective TEXT NOT NULL,
			status TEXT NOT NULL,
			task_plan TEXT,
			scratchpad TEXT,
			round_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_rounds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			record TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_provider ON messages(provider_msg_id) WHERE provider_msg_id IS NOT NULL AND provider_msg_id != ''`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_traces_provider ON traces(provider_msg_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_principal ON agent_sessions(principal, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_session_rounds_session ON session_rounds(session_id, id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// GetOrCreateConversation returns the principal's conversation, creating it
// on first contact.
func (s *Store) GetOrCreateConversation(ctx context.Context, principal string) (paloma.Conversation, error) {
	now := paloma.NowUnix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (principal, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(principal) DO UPDATE SET updated_at = ?`,
		principal, now, now, now)
	if err != nil {
		return paloma.Conversation{}, fmt.Errorf("conversation upsert: %w", err)
	}
	var c paloma.Conversation
	err = s.db.QueryRowContext(ctx,
		`SELECT id, principal, created_at, updated_at FROM conversations WHERE principal = ?`,
		principal).Scan(&c.ID, &c.Principal, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return paloma.Conversation{}, fmt.Errorf("conversation fetch: %w", err)
	}
	return c, nil
}

// SaveMessage inserts one message and returns its id.
func (s *Store) SaveMessage(ctx context.Context, msg paloma.Message) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, text, provider_msg_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Text, msg.ProviderMsgID, msg.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("message insert: %w", err)
	}
	return res.LastInsertId()
}

// GetMessageByProviderID resolves a message by its provider id.
func (s *Store) GetMessageByProviderID(ctx context.Context, providerMsgID string) (*paloma.Message, error) {
	if providerMsgID == "" {
		return nil, nil
	}
	var m paloma.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, text, COALESCE(provider_msg_id, ''), created_at
		 FROM messages WHERE provider_msg_id = ? ORDER BY id DESC LIMIT 1`,
		providerMsgID).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Text, &m.ProviderMsgID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message by provider id: %w", err)
	}
	return &m, nil
}

// GetRecentMessages returns the last n messages in chronological order.
func (s *Store) GetRecentMessages(ctx context.Context, conversationID int64, n int) ([]paloma.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, COALESCE(provider_msg_id, ''), created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
		conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("messages query: %w", err)
	}
	defer rows.Close()

	var msgs []paloma.Message
	for rows.Next() {
		var m paloma.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Text, &m.ProviderMsgID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// GetWindowedHistory returns the last verbatimN messages plus the latest
// summary covering older ones.
func (s *Store) GetWindowedHistory(ctx context.Context, conversationID int64, verbatimN int) ([]paloma.Message, *paloma.Summary, error) {
	msgs, err := s.GetRecentMessages(ctx, conversationID, verbatimN)
	if err != nil {
		return nil, nil, err
	}
	sum, err := s.LatestSummary(ctx, conversationID)
	if err != nil {
		return msgs, nil, err
	}
	return msgs, sum, nil
}

// LatestSummary returns the newest summary, or nil.
func (s *Store) LatestSummary(ctx context.Context, conversationID int64) (*paloma.Summary, error) {
	var sum paloma.Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, text, covered_messages, created_at FROM summaries
		 WHERE conversation_id = ? ORDER BY id DESC LIMIT 1`,
		conversationID).Scan(&sum.ID, &sum.ConversationID, &sum.Text, &sum.CoveredMessages, &sum.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("summary query: %w", err)
	}
	return &sum, nil
}

// WriteSummary appends a new summary row.
func (s *Store) WriteSummary(ctx context.Context, sum paloma.Summary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (conversation_id, text, covered_messages, created_at) VALUES (?, ?, ?, ?)`,
		sum.ConversationID, sum.Text, sum.CoveredMessages, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("summary insert: %w", err)
	}
	return nil
}

// CountMessagesSince counts messages with id greater than sinceMessageID.
func (s *Store) CountMessagesSince(ctx context.Context, conversationID, sinceMessageID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND id > ?`,
		conversationID, sinceMessageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return n, nil
}

// ClearMessages removes a conversation's messages, returning them for
// snapshotting. Summaries go with them; memories are untouched.
func (s *Store) ClearMessages(ctx context.Context, conversationID int64) ([]paloma.Message, error) {
	msgs, err := s.GetRecentMessages(ctx, conversationID, 1<<20)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("clear begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return nil, fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE conversation_id = ?`, conversationID); err != nil {
		return nil, fmt.Errorf("clear summaries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("clear commit: %w", err)
	}
	s.logger.Info("sqlite: conversation cleared", "conversation", conversationID, "messages", len(msgs))
	return msgs, nil
}
