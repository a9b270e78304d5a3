package toolloop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/llamanexus/gateway/internal/mcp"
	"github.com/llamanexus/gateway/pkg/models"
)

// newTestPool spins an httptest JSON-RPC server backing a single MCP tool
// server named "search" that advertises one tool, "lookup", and echoes its
// arguments back as the tool result. Mirrors the teacher's
// httptest.NewServer-as-upstream-double idiom (internal/router/router_test.go).
func newTestPool(t *testing.T, call func(args json.RawMessage) (result string, isError bool)) (*mcp.Pool, func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int64           `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": map[string]interface{}{}})
		case "tools/list":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]interface{}{
					"tools": []map[string]interface{}{
						{"name": "lookup", "description": "looks something up"},
					},
				},
			})
		case "tools/call":
			var params struct {
				Arguments json.RawMessage `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &params)
			content, isErr := call(params.Arguments)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]interface{}{
					"content": []map[string]interface{}{{"type": "text", "text": content}},
					"isError": isErr,
				},
			})
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	pool := mcp.NewPool(ctx, []models.MCPServerDescriptor{{
		Name:      "search",
		Transport: models.TransportStreamableHTTP,
		URL:       srv.URL,
		Enabled:   true,
		Role:      models.RoleTool,
	}})

	deadline := time.Now().Add(2 * time.Second)
	for len(pool.ListAllTools()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	return pool, func() { cancel(); srv.Close() }
}

func chatResponse(toolCalls ...map[string]interface{}) map[string]interface{} {
	message := map[string]interface{}{"role": "assistant"}
	if len(toolCalls) > 0 {
		calls := make([]interface{}, len(toolCalls))
		for i, c := range toolCalls {
			calls[i] = c
		}
		message["tool_calls"] = calls
	} else {
		message["content"] = "done"
	}
	return map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"message": message},
		},
	}
}

func lookupCall(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":   id,
		"type": "function",
		"function": map[string]interface{}{
			"name":      "lookup",
			"arguments": `{"q":"golang"}`,
		},
	}
}

func TestRunResolvesAndFeedsBackToolResult(t *testing.T) {
	pool, cleanup := newTestPool(t, func(args json.RawMessage) (string, bool) {
		return "42", false
	})
	defer cleanup()

	engine := New(pool, 4)

	calls := 0
	dispatch := func(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error) {
		calls++
		if calls == 1 {
			return chatResponse(lookupCall("call-1")), nil
		}
		messages, _ := body["messages"].([]interface{})
		var sawToolMessage bool
		for _, m := range messages {
			mm, ok := m.(map[string]interface{})
			if ok && mm["role"] == "tool" && mm["tool_call_id"] == "call-1" && mm["content"] == "42" {
				sawToolMessage = true
			}
		}
		if !sawToolMessage {
			t.Errorf("expected re-dispatched body to include the tool result message, got %#v", messages)
		}
		return chatResponse(), nil
	}

	resp, err := engine.Run(context.Background(), map[string]interface{}{
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "look up golang"}},
	}, dispatch)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 dispatch calls, got %d", calls)
	}
	choice := resp["choices"].([]interface{})[0].(map[string]interface{})
	msg := choice["message"].(map[string]interface{})
	if msg["content"] != "done" {
		t.Errorf("expected final assistant content %q, got %v", "done", msg["content"])
	}
}

func TestRunReturnsUnresolvedToolCallUnchanged(t *testing.T) {
	pool, cleanup := newTestPool(t, func(json.RawMessage) (string, bool) { return "", false })
	defer cleanup()

	engine := New(pool, 4)

	calls := 0
	dispatch := func(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return chatResponse(lookupCall("call-1"), map[string]interface{}{
			"id":   "call-2",
			"type": "function",
			"function": map[string]interface{}{
				"name":      "no_such_tool",
				"arguments": `{}`,
			},
		}), nil
	}

	resp, err := engine.Run(context.Background(), map[string]interface{}{"messages": []interface{}{}}, dispatch)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the loop to stop after the first dispatch when a call is unresolved, got %d dispatches", calls)
	}
	choice := resp["choices"].([]interface{})[0].(map[string]interface{})
	msg := choice["message"].(map[string]interface{})
	if _, ok := msg["tool_calls"]; !ok {
		t.Errorf("expected the unresolved response's tool_calls to be returned unchanged")
	}
}

func TestRunRespectsMaxTurns(t *testing.T) {
	pool, cleanup := newTestPool(t, func(json.RawMessage) (string, bool) { return "ok", false })
	defer cleanup()

	const maxTurns = 2
	engine := New(pool, maxTurns)

	calls := 0
	dispatch := func(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error) {
		calls++
		// Always ask for another tool call, to probe the upper bound.
		return chatResponse(lookupCall("call-N")), nil
	}

	resp, err := engine.Run(context.Background(), map[string]interface{}{"messages": []interface{}{}}, dispatch)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	// One initial dispatch plus maxTurns re-dispatches, per §4.7 step 4 /
	// invariant 7 (no more than max_tool_turns+1 upstream calls total).
	if calls != maxTurns+1 {
		t.Fatalf("expected %d dispatches (initial + %d re-dispatches), got %d", maxTurns+1, maxTurns, calls)
	}
	choice := resp["choices"].([]interface{})[0].(map[string]interface{})
	msg := choice["message"].(map[string]interface{})
	if _, ok := msg["tool_calls"]; !ok {
		t.Errorf("expected the final turn's unexecuted tool_calls to be surfaced to the client")
	}
}

func TestRunPassesThroughResponseWithNoToolCalls(t *testing.T) {
	pool, cleanup := newTestPool(t, func(json.RawMessage) (string, bool) { return "", false })
	defer cleanup()

	engine := New(pool, 4)
	calls := 0
	dispatch := func(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return chatResponse(), nil
	}

	resp, err := engine.Run(context.Background(), map[string]interface{}{"messages": []interface{}{}}, dispatch)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single dispatch when no tool calls are requested, got %d", calls)
	}
	choice := resp["choices"].([]interface{})[0].(map[string]interface{})
	msg := choice["message"].(map[string]interface{})
	if msg["content"] != "done" {
		t.Errorf("unexpected content: %v", msg["content"])
	}
}

func TestBuildToolIndexPrefersFirstDeclaredServer(t *testing.T) {
	pool, cleanup := newTestPool(t, func(json.RawMessage) (string, bool) { return "", false })
	defer cleanup()

	engine := New(pool, 4)
	idx := engine.buildToolIndex()
	if got := idx["lookup"]; got != "search" {
		t.Errorf("expected lookup -> search, got %q", got)
	}
}

func TestExtractToolCallsNoMessage(t *testing.T) {
	if _, _, ok := extractToolCalls(map[string]interface{}{}); ok {
		t.Errorf("expected ok=false for a response with no choices")
	}
}

func TestCloneWithMessagesDoesNotMutateOriginal(t *testing.T) {
	original := map[string]interface{}{
		"model":    "gpt-4",
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}},
	}
	clone := cloneWithMessages(original, []interface{}{"replaced"})

	if len(original["messages"].([]interface{})) != 1 {
		t.Errorf("original messages slice was mutated")
	}
	if clone["model"] != "gpt-4" {
		t.Errorf("clone lost unrelated fields")
	}
	if len(clone["messages"].([]interface{})) != 1 || clone["messages"].([]interface{})[0] != "replaced" {
		t.Errorf("clone messages not replaced correctly: %#v", clone["messages"])
	}
}
