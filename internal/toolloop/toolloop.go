// Package toolloop implements the Tool-Call Loop (C7): it intercepts chat
// responses whose assistant message requests tool invocations, executes
// them via the MCP Client Pool, feeds results back, and iterates until a
// terminal assistant message or the turn limit is reached.
//
// Grounded on the teacher's internal/executor agentic loop (render ->
// call model -> parse tool calls -> execute -> feed back -> repeat) but
// rewritten around the OpenAI wire schema the spec requires
// (choices[0].message.tool_calls, role-"tool" messages with
// tool_call_id) instead of the teacher's bespoke JSON-block tool-call
// convention, and around MCP tool execution (internal/mcp) instead of
// the teacher's own mcpgw JSON-RPC server.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/llamanexus/gateway/internal/mcp"
	"github.com/llamanexus/gateway/pkg/models"
)

// DefaultMaxTurns is used when max_tool_turns is unset or zero.
const DefaultMaxTurns = 4

// toolConcurrency bounds in-flight tool_calls executions per turn (§4.7 step 2).
const toolConcurrency = 4

// Dispatch performs one non-streaming chat completion call against the
// selected backend and returns the decoded JSON response body. Supplied
// by the caller (internal/api/handlers), which owns backend selection and
// proxying; the loop itself only needs to re-dispatch with an augmented
// message list.
type Dispatch func(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error)

// Engine runs the tool-call loop for one chat request.
type Engine struct {
	pool     *mcp.Pool
	maxTurns int
}

// New builds an Engine bounded at maxTurns re-dispatches (0 uses DefaultMaxTurns).
func New(pool *mcp.Pool, maxTurns int) *Engine {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Engine{pool: pool, maxTurns: maxTurns}
}

type toolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Run dispatches body, and while the response's assistant message carries
// resolvable tool_calls, executes them and re-dispatches an augmented
// message list, up to maxTurns times (§4.7 step 4: no more than
// max_tool_turns+1 upstream chat calls total, invariant 7). It returns the
// final response body to forward to the client unchanged.
func (e *Engine) Run(ctx context.Context, body map[string]interface{}, dispatch Dispatch) (map[string]interface{}, error) {
	toolIndex := e.buildToolIndex()

	resp, err := dispatch(ctx, body)
	if err != nil {
		return nil, err
	}

	for turn := 1; turn <= e.maxTurns; turn++ {
		calls, message, ok := extractToolCalls(resp)
		if !ok || len(calls) == 0 {
			return resp, nil
		}

		resolved, unresolved := e.resolve(calls, toolIndex)
		if len(unresolved) > 0 {
			// §4.7 step 1: an unresolved tool call is returned to the
			// client unchanged rather than guessed at.
			return resp, nil
		}

		results, err := e.execute(ctx, resolved)
		if err != nil {
			return nil, err
		}

		messages, _ := body["messages"].([]interface{})
		messages = append(messages, message)
		for _, r := range results {
			messages = append(messages, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": r.id,
				"content":      r.content,
			})
		}
		body = cloneWithMessages(body, messages)

		resp, err = dispatch(ctx, body)
		if err != nil {
			return nil, err
		}
	}

	// Final turn: surface any remaining tool_calls to the client unexecuted.
	return resp, nil
}

type resolvedCall struct {
	id     string
	server string
	name   string
	args   json.RawMessage
}

type executedResult struct {
	id      string
	content string
}

// buildToolIndex maps a tool name to the first-declared server that
// advertises it (§4.7 step 1).
func (e *Engine) buildToolIndex() map[string]string {
	idx := make(map[string]string)
	for _, t := range e.pool.ListAllTools() {
		if _, ok := idx[t.Name]; !ok {
			idx[t.Name] = t.Server
		}
	}
	return idx
}

func (e *Engine) resolve(calls []toolCall, index map[string]string) (resolved []resolvedCall, unresolved []toolCall) {
	for _, c := range calls {
		server, ok := index[c.Function.Name]
		if !ok {
			unresolved = append(unresolved, c)
			continue
		}
		resolved = append(resolved, resolvedCall{
			id:     c.ID,
			server: server,
			name:   c.Function.Name,
			args:   json.RawMessage(c.Function.Arguments),
		})
	}
	return resolved, unresolved
}

// execute runs resolved tool calls with a concurrency cap of 4 (§4.7 step 2).
func (e *Engine) execute(ctx context.Context, calls []resolvedCall) ([]executedResult, error) {
	results := make([]executedResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(toolConcurrency)
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			results[i] = e.executeOne(gctx, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) executeOne(ctx context.Context, c resolvedCall) executedResult {
	result, err := e.pool.CallTool(ctx, c.server, c.name, c.args)
	if err != nil {
		return executedResult{id: c.id, content: fmt.Sprintf("error: %s", err.Error())}
	}
	content := result.Text()
	if content == "" && !result.IsError {
		if fb := e.pool.FallbackMessage(c.server); fb != "" {
			content = fb
		}
	}
	return executedResult{id: c.id, content: content}
}

// extractToolCalls reads choices[0].message from a decoded chat
// completion response and its tool_calls, if any.
func extractToolCalls(resp map[string]interface{}) ([]toolCall, map[string]interface{}, bool) {
	choices, ok := resp["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return nil, nil, false
	}
	choice, ok := choices[0].(map[string]interface{})
	if !ok {
		return nil, nil, false
	}
	message, ok := choice["message"].(map[string]interface{})
	if !ok {
		return nil, nil, false
	}
	rawCalls, ok := message["tool_calls"]
	if !ok {
		return nil, message, false
	}
	raw, err := json.Marshal(rawCalls)
	if err != nil {
		return nil, message, false
	}
	var calls []toolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil, message, false
	}
	return calls, message, len(calls) > 0
}

func cloneWithMessages(body map[string]interface{}, messages []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		out[k] = v
	}
	out["messages"] = messages
	return out
}

// Message is re-exported for callers that need the wire type name without
// importing pkg/models directly for this narrow purpose.
type Message = models.Message
