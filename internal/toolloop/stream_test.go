package toolloop

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRelayAndReassembleReconstructsFragmentedToolCall(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","type":"function","function":{"name":"lookup","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"golang\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
	}, "\n")

	rec := httptest.NewRecorder()
	calls, _, hit, err := relayAndReassemble(strings.NewReader(sse), rec, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hit {
		t.Fatalf("expected hitToolCalls=true")
	}
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 reassembled call, got %d", len(calls))
	}
	if calls[0].ID != "call-1" || calls[0].Function.Name != "lookup" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
	want := `{"q":"golang"}`
	if calls[0].Function.Arguments != want {
		t.Errorf("expected reassembled arguments %q, got %q", want, calls[0].Function.Arguments)
	}
}

func TestRelayAndReassembleSuppressesToolCallTurnFramesAfterFinish(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c","type":"function","function":{"name":"lookup","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: {"choices":[{"delta":{"content":"should not reach client"}}]}`,
		``,
	}, "\n")

	rec := httptest.NewRecorder()
	_, _, hit, err := relayAndReassemble(strings.NewReader(sse), rec, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hit {
		t.Fatalf("expected hitToolCalls=true")
	}
	if strings.Contains(rec.Body.String(), "should not reach client") {
		t.Errorf("frames after finish_reason=tool_calls must not be relayed, got body: %s", rec.Body.String())
	}
}

func TestRelayAndReassemblePassesThroughTerminalStreamVerbatim(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	rec := httptest.NewRecorder()
	calls, content, hit, err := relayAndReassemble(strings.NewReader(sse), rec, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Fatalf("expected hitToolCalls=false for a plain content stream")
	}
	if calls != nil {
		t.Errorf("expected no tool calls, got %v", calls)
	}
	if content != "hello" {
		t.Errorf("expected accumulated content %q, got %q", "hello", content)
	}
	// Every frame including [DONE] must reach the client byte-identical
	// (invariant 3) since this stream never enters a tool-call turn.
	body := rec.Body.String()
	for _, want := range []string{`"content":"hel"`, `"content":"lo"`, `finish_reason":"stop"`, "[DONE]"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected relayed body to contain %q, got: %s", want, body)
		}
	}
}

// TestRunStreamReturnsAccumulatedAssistantContent guards against silently
// losing the streamed reply: the terminal turn's delta.content fragments
// must come back out of RunStream so the caller can persist them to
// conversation memory, not just relay them to the client.
func TestRunStreamReturnsAccumulatedAssistantContent(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	e := New(nil, 4)
	rec := httptest.NewRecorder()
	dispatch := func(ctx context.Context, body map[string]interface{}) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(sse)), nil
	}

	content, err := e.RunStream(context.Background(), rec, map[string]interface{}{}, dispatch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "hello" {
		t.Errorf("expected accumulated assistant content %q, got %q", "hello", content)
	}
}

func TestAssistantToolCallsMessageShapesOpenAIWire(t *testing.T) {
	calls := []toolCall{{ID: "call-1", Type: "function"}}
	msg := assistantToolCallsMessage(calls)
	if msg["role"] != "assistant" {
		t.Errorf("expected role assistant, got %v", msg["role"])
	}
	if msg["content"] != nil {
		t.Errorf("expected nil content alongside tool_calls, got %v", msg["content"])
	}
	toolCalls, ok := msg["tool_calls"].([]interface{})
	if !ok || len(toolCalls) != 1 {
		t.Fatalf("expected one tool_calls entry, got %#v", msg["tool_calls"])
	}
}
