package store_test

import (
	"context"
	"testing"

	"github.com/llamanexus/gateway/internal/store"
	"github.com/llamanexus/gateway/pkg/models"
)

// fakeSummarizer returns a deterministic summary so tests can assert on
// compaction without a live summary service.
type fakeSummarizer struct{ calls int }

func (f *fakeSummarizer) Summarize(_ context.Context, prior string, msgs []models.Message) (string, error) {
	f.calls++
	return "summary covering " + prior + " + " + lastRoles(msgs), nil
}

func lastRoles(msgs []models.Message) string {
	out := ""
	for _, m := range msgs {
		out += m.Role + ","
	}
	return out
}

func newTestStore(t *testing.T, maxMessages, threshold int) (*store.Store, *fakeSummarizer) {
	t.Helper()
	fs := &fakeSummarizer{}
	s, err := store.Open("sqlite::memory:", store.Config{
		AutoSummarize:      true,
		Strategy:           store.Incremental,
		MaxStoredMessages:  maxMessages,
		SummarizeThreshold: threshold,
	}, fs)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fs
}

func TestAppendAndRecall(t *testing.T) {
	s, _ := newTestStore(t, 100, 4)
	ctx := context.Background()

	if err := s.Append(ctx, "c1", models.Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "c1", models.Message{Role: "assistant", Content: "hello"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recall, err := s.Recall(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(recall.Messages) != 2 {
		t.Fatalf("Messages = %d, want 2", len(recall.Messages))
	}
	if recall.Messages[0].Content != "hi" || recall.Messages[1].Content != "hello" {
		t.Errorf("Recall order wrong: %+v", recall.Messages)
	}
}

// TestCompactionLaw verifies invariant 5: after any append that triggers
// compaction, len(messages) == summarize_threshold/2 and summary != "".
func TestCompactionLaw(t *testing.T) {
	s, fs := newTestStore(t, 6, 4) // K = 2
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		if err := s.Append(ctx, "c1", models.Message{Role: role, Content: "m"}); err != nil {
			t.Fatalf("Append m%d: %v", i, err)
		}
	}

	count, err := s.Count(ctx, "c1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("stored message count = %d, want 2 (summarize_threshold/2)", count)
	}
	if fs.calls == 0 {
		t.Errorf("summarizer was never invoked")
	}

	recall, err := s.Recall(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if recall.Summary == "" {
		t.Errorf("summary is empty after compaction")
	}
	if len(recall.Messages) != 2 {
		t.Errorf("recalled messages = %d, want 2", len(recall.Messages))
	}
}

func TestRecallBudgetTrimsOldestFirst(t *testing.T) {
	s, _ := newTestStore(t, 100, 4)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, "c1", models.Message{Role: "user", Content: "abcdefgh"}); err != nil { // ~2 tokens each
			t.Fatalf("Append: %v", err)
		}
	}

	recall, err := s.Recall(ctx, "c1", 3) // fits roughly one message
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(recall.Messages) == 0 {
		t.Fatalf("expected at least the most recent message to fit")
	}
	if len(recall.Messages) >= 5 {
		t.Errorf("budget did not trim anything: got %d messages", len(recall.Messages))
	}
}

func TestOpenRejectsInvalidThresholds(t *testing.T) {
	_, err := store.Open("sqlite::memory:", store.Config{MaxStoredMessages: 2, SummarizeThreshold: 4}, &fakeSummarizer{})
	if err == nil {
		t.Fatal("expected error when max_stored_messages <= summarize_threshold")
	}
}
