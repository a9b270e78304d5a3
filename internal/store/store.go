// Package store implements the Memory Store (C8): a per-conversation,
// append-only message log with automatic summarization once thresholds
// are crossed.
//
// Grounded on the teacher's internal/store package shape (a narrow Store
// interface in front of a concrete SQL-backed implementation, table-driven
// transactions per mutation) but reworked from the teacher's Postgres/pgx
// conversation-adjacent tables onto the spec's two-relation SQLite schema
// (§4.8): conversations(id, summary, updated_at) and
// messages(id, conversation_id, seq, role, content, tokens, created_at).
// modernc.org/sqlite is adopted for this package specifically because it
// is the only pure-Go (no cgo) SQLite driver present anywhere in the
// retrieval pack (other_examples/bdobrica-Ruriko), matching the spec's
// "embedded SQLite driver" contract; the teacher itself has no SQLite
// dependency at all.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/llamanexus/gateway/pkg/models"
)

// Strategy selects how compaction folds moved messages into the rolling
// summary (§4.8 summarization_strategy).
type Strategy string

const (
	Incremental Strategy = "Incremental"
	FullHistory Strategy = "FullHistory"
)

// Summarizer generates a new summary from a prior summary (if any) and a
// batch of messages being compacted away. Implemented against an
// OpenAI-compatible chat endpoint (summary_service_base_url/api_key); see
// NewHTTPSummarizer.
type Summarizer interface {
	Summarize(ctx context.Context, priorSummary string, messages []models.Message) (string, error)
}

// Config holds the [memory] options from §4.8.
type Config struct {
	AutoSummarize      bool
	Strategy           Strategy
	MaxStoredMessages  int
	SummarizeThreshold int
}

// Recall is the result of recalling a conversation for context assembly.
type Recall struct {
	Summary  string
	Messages []models.Message
}

// Store is the Memory Store: it owns the persistent conversation log and
// serializes writes per conversation (§5: "transactions serialize
// per-conversation writes; reads may run concurrently with writes on
// different conversations").
type Store struct {
	db         *sql.DB
	cfg        Config
	summarizer Summarizer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open resolves databasePath per §4.8 ("either a filesystem path, auto-wrapped
// as sqlite:{path}?mode=rwc, or a full SQLite URL") into a DSN, creates
// parent directories on demand, opens the database and migrates the schema.
func Open(databasePath string, cfg Config, summarizer Summarizer) (*Store, error) {
	if cfg.MaxStoredMessages <= cfg.SummarizeThreshold || cfg.SummarizeThreshold < 2 {
		return nil, fmt.Errorf("invalid memory config: max_stored_messages (%d) must be > summarize_threshold (%d) >= 2",
			cfg.MaxStoredMessages, cfg.SummarizeThreshold)
	}

	dsn, err := resolveDSN(databasePath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The modernc.org/sqlite driver serializes internally; a single
	// connection avoids SQLITE_BUSY under our own per-conversation locking.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, cfg: cfg, summarizer: summarizer, locks: make(map[string]*sync.Mutex)}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// resolveDSN implements §4.8's database_path contract: a bare filesystem
// path is wrapped as sqlite:{path}?mode=rwc (and its parent directory
// created); a full sqlite: URL (including sqlite::memory:) passes through.
func resolveDSN(databasePath string) (string, error) {
	if strings.HasPrefix(databasePath, "sqlite:") {
		path := strings.TrimPrefix(databasePath, "sqlite:")
		path = strings.SplitN(path, "?", 2)[0]
		if path != "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", fmt.Errorf("create database directory: %w", err)
			}
		}
		return strings.TrimPrefix(databasePath, "sqlite:"), nil
	}
	if err := os.MkdirAll(filepath.Dir(databasePath), 0o755); err != nil {
		return "", fmt.Errorf("create database directory: %w", err)
	}
	return databasePath + "?mode=rwc", nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	summary TEXT,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_call_id TEXT,
	tokens INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages(conversation_id, seq);
`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lockFor(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// EstimateTokens is a conservative heuristic (roughly 4 bytes/token, the
// common approximation for English text) used where no model-specific
// tokenizer is available — the gateway does not tokenize (see spec
// Non-goals), so this is advisory only, for budget and compaction sizing.
func EstimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Append adds messages to a conversation's log in a single transaction
// (§4.8 "all mutations for one append are a single transaction"),
// creating the conversation row if it does not yet exist. If the append
// would push the message count above max_stored_messages, a compaction is
// triggered after the transaction commits; per §4.8, a failed compaction
// aborts (leaves state unchanged) and logs, while the append itself still
// succeeds.
func (s *Store) Append(ctx context.Context, conversationID string, msgs ...models.Message) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
INSERT INTO conversations (id, summary, updated_at) VALUES (?, NULL, ?)
ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`, conversationID, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	var nextSeq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`, conversationID)
	if err := row.Scan(&nextSeq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.TokenEstimate == 0 {
			m.TokenEstimate = EstimateTokens(m.Content)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO messages (conversation_id, seq, role, content, tool_call_id, tokens, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conversationID, nextSeq, m.Role, m.Content, nullableString(m.ToolCallID), m.TokenEstimate, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		nextSeq++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	if s.cfg.AutoSummarize {
		s.maybeCompact(ctx, conversationID)
	}
	return nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// Recall returns the rolling summary (if any) plus the most-recent
// messages whose cumulative token estimate fits budgetTokens (§4.8 recall
// contract).
func (s *Store) Recall(ctx context.Context, conversationID string, budgetTokens int) (*Recall, error) {
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM conversations WHERE id = ?`, conversationID).Scan(&summary)
	if err == sql.ErrNoRows {
		return &Recall{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recall summary: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, COALESCE(tool_call_id, ''), tokens, created_at
FROM messages WHERE conversation_id = ? ORDER BY seq DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("recall messages: %w", err)
	}
	defer rows.Close()

	var reversed []models.Message
	budget := budgetTokens
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Role, &m.Content, &m.ToolCallID, &m.TokenEstimate, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if budgetTokens > 0 {
			if budget-m.TokenEstimate < 0 && len(reversed) > 0 {
				break
			}
			budget -= m.TokenEstimate
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Message, len(reversed))
	for i, m := range reversed {
		out[len(reversed)-1-i] = m
	}

	return &Recall{Summary: summary.String, Messages: out}, nil
}

// Count returns the number of stored messages for a conversation, used by
// tests verifying the compaction-law invariant.
func (s *Store) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
