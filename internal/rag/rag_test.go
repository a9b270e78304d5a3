package rag

import (
	"testing"

	"github.com/llamanexus/gateway/pkg/models"
)

func TestMergeDeduplicatesAndSumsScores(t *testing.T) {
	a := []models.RAGHit{
		{DocumentID: "d1", Score: 10, Text: "paris"},
		{DocumentID: "d2", Score: 5, Text: "lyon"},
	}
	b := []models.RAGHit{
		{DocumentID: "d1", Score: 4, Text: "paris"},
		{DocumentID: "d3", Score: 8, Text: "nice"},
	}

	merged := Merge(a, b, 10)
	if len(merged) != 3 {
		t.Fatalf("len = %d, want 3", len(merged))
	}
	// d1 appears in both normalized sets (10/10 + 4/8 = 1.0 + 0.5 = 1.5),
	// ahead of d3 (1.0) and d2 (0.5), and must rank first.
	if merged[0].DocumentID != "d1" {
		t.Errorf("top hit = %s, want d1", merged[0].DocumentID)
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := []models.RAGHit{
		{DocumentID: "d1", Score: 3, Text: "x"},
		{DocumentID: "d2", Score: 9, Text: "y"},
	}
	b := []models.RAGHit{
		{DocumentID: "d3", Score: 1, Text: "z"},
	}

	first := Merge(a, b, 10)
	second := Merge(a, b, 10)

	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].DocumentID != second[i].DocumentID {
			t.Errorf("order differs at %d: %s vs %s", i, first[i].DocumentID, second[i].DocumentID)
		}
	}
}

func TestMergeRespectsTopK(t *testing.T) {
	a := []models.RAGHit{
		{DocumentID: "d1", Score: 1, Text: "x"},
		{DocumentID: "d2", Score: 2, Text: "y"},
		{DocumentID: "d3", Score: 3, Text: "z"},
	}
	merged := Merge(a, nil, 2)
	if len(merged) != 2 {
		t.Fatalf("len = %d, want 2", len(merged))
	}
	if merged[0].DocumentID != "d3" {
		t.Errorf("top hit = %s, want d3 (highest score)", merged[0].DocumentID)
	}
}

func TestBuildQueryTakesLastNUserMessages(t *testing.T) {
	messages := []interface{}{
		map[string]interface{}{"role": "user", "content": "first"},
		map[string]interface{}{"role": "assistant", "content": "reply"},
		map[string]interface{}{"role": "user", "content": "second"},
	}
	got := buildQuery(messages, 1)
	if got != "second" {
		t.Errorf("buildQuery = %q, want %q", got, "second")
	}
}

func TestInjectLastUserMessage(t *testing.T) {
	messages := []interface{}{
		map[string]interface{}{"role": "user", "content": "What is the capital of France?"},
	}
	body := map[string]interface{}{"messages": messages}
	inject(body, messages, PolicyLastUserMessage, "Paris is the capital of France.")

	m := messages[0].(map[string]interface{})
	want := "Paris is the capital of France.\n\nWhat is the capital of France?"
	if m["content"] != want {
		t.Errorf("content = %q, want %q", m["content"], want)
	}
}
