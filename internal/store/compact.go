package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/llamanexus/gateway/pkg/models"
)

// maybeCompact checks whether the conversation now exceeds
// max_stored_messages and, if so, runs compaction (§4.8). A failed
// summarizer call aborts the compaction — state is left unchanged and the
// append that triggered this check has already succeeded — the store may
// then exceed max_stored_messages until the next append retries.
func (s *Store) maybeCompact(ctx context.Context, conversationID string) {
	count, err := s.Count(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("memory: count failed, skipping compaction check")
		return
	}
	if count <= s.cfg.MaxStoredMessages {
		return
	}
	if err := s.compact(ctx, conversationID); err != nil {
		log.Warn().Err(err).Str("conversation", conversationID).Msg("memory: compaction failed, will retry on next append")
	}
}

// compact implements the §4.8 compaction law: let K = summarize_threshold
// / 2; move all but the most-recent K messages into the summary. For
// Incremental, summary' = summarize(prev_summary, moved); for FullHistory,
// summary' is a fresh summary over the prior summary (as one system
// message) followed by this batch. Messages moved by earlier compactions
// are deleted, so FullHistory does not re-read them one by one.
// On success, the moved messages are deleted and only the tail of K plus
// the new summary remain — invariant 5: len(messages) == K and summary != nil.
func (s *Store) compact(ctx context.Context, conversationID string) error {
	k := s.cfg.SummarizeThreshold / 2

	all, err := s.allMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(all) <= k {
		return nil
	}
	moved := all[:len(all)-k]
	tail := all[len(all)-k:]

	priorSummary, err := s.currentSummary(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load summary: %w", err)
	}

	var newSummary string
	switch s.cfg.Strategy {
	case FullHistory:
		newSummary, err = s.summarizer.Summarize(ctx, "", append(s.coveredHistory(priorSummary), unwrap(moved)...))
	default: // Incremental
		newSummary, err = s.summarizer.Summarize(ctx, priorSummary, unwrap(moved))
	}
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND seq <= ?`,
		conversationID, moved[len(moved)-1].seq); err != nil {
		return fmt.Errorf("delete compacted messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET summary = ? WHERE id = ?`, newSummary, conversationID); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compaction: %w", err)
	}

	log.Info().
		Str("conversation", conversationID).
		Int("moved", len(moved)).
		Int("kept", len(tail)).
		Msg("memory: compaction complete")
	return nil
}

// seqMessage pairs a message with its sequence number, needed to bound the
// DELETE in compact without re-querying.
type seqMessage struct {
	models.Message
	seq int
}

func (s *Store) allMessages(ctx context.Context, conversationID string) ([]seqMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, role, content, COALESCE(tool_call_id, ''), tokens, created_at
FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []seqMessage
	for rows.Next() {
		var m seqMessage
		if err := rows.Scan(&m.seq, &m.Role, &m.Content, &m.ToolCallID, &m.TokenEstimate, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) currentSummary(ctx context.Context, conversationID string) (string, error) {
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM conversations WHERE id = ?`, conversationID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return summary.String, nil
}

// coveredHistory renders the prior summary as a single system pseudo-message
// that FullHistory places ahead of the newly moved messages; it stands in
// for the messages covered by earlier compactions, which are no longer stored.
func (s *Store) coveredHistory(priorSummary string) []models.Message {
	if priorSummary == "" {
		return nil
	}
	return []models.Message{{Role: "system", Content: priorSummary}}
}

// unwrap discards the seq field, used where callers need plain messages.
func unwrap(in []seqMessage) []models.Message {
	out := make([]models.Message, len(in))
	for i, m := range in {
		out[i] = m.Message
	}
	return out
}
