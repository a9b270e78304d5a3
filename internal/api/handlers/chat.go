package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/llamanexus/gateway/internal/gwerr"
	"github.com/llamanexus/gateway/internal/proxy"
	"github.com/llamanexus/gateway/internal/toolloop"
	"github.com/llamanexus/gateway/pkg/models"
)

const chatSuffix = "/chat/completions"

// ChatCompletions implements the full data-flow for C9's chat route: memory
// recall, RAG enrichment, backend selection, proxy dispatch, the tool-call
// loop and memory append, branching on the client-requested stream mode.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := decodeJSON(r, &body); err != nil {
		gwerr.New(gwerr.InvalidRequest, "malformed chat completion body").WriteJSON(w)
		return
	}

	convID := conversationID(r, body)
	newUserMessages := bodyAsMessages(body)

	if h.Memory != nil && convID != "" {
		enriched, err := h.enrichWithMemory(r.Context(), convID, body)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		body = enriched
	}

	if h.RAG != nil {
		enriched, err := h.RAG.Enrich(r.Context(), body)
		if err != nil {
			if ge, ok := err.(*gwerr.Error); ok {
				writeGatewayError(w, ge)
			} else {
				writeGatewayError(w, gwerr.Wrap(gwerr.Internal, "rag enrichment failed", err))
			}
			return
		}
		body = enriched
	}

	backend, pickErr := h.Registry.Pick(models.KindChat, modelHint(body))
	if pickErr != nil {
		gwerr404(w, models.KindChat)
		return
	}

	if isStreamRequested(body) {
		h.streamChat(w, r, backend, body, convID, newUserMessages)
		return
	}
	h.nonStreamChat(w, r, backend, body, convID, newUserMessages)
}

func modelHint(body map[string]interface{}) string {
	m, _ := body["model"].(string)
	return m
}

func (h *Handlers) enrichWithMemory(ctx context.Context, convID string, body map[string]interface{}) (map[string]interface{}, *gwerr.Error) {
	budget := h.MemoryContextWindow
	if budget <= 0 {
		budget = 2048
	}
	recall, err := h.Memory.Recall(ctx, convID, budget)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.MemoryUnavailable, "recall conversation", err)
	}
	clientMessages := bodyAsMessages(body)

	var assembled []interface{}
	if recall.Summary != "" {
		assembled = append(assembled, map[string]interface{}{"role": "system", "content": "Conversation summary: " + recall.Summary})
	}
	for _, m := range recall.Messages {
		assembled = append(assembled, map[string]interface{}{"role": m.Role, "content": m.Content})
	}
	assembled = append(assembled, clientMessages...)

	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		out[k] = v
	}
	out["messages"] = assembled
	return out, nil
}

// appendTurnToMemory persists the client's newly submitted messages plus
// the assistant's final reply to the conversation log.
func (h *Handlers) appendTurnToMemory(ctx context.Context, convID string, newUserMessages []interface{}, assistantContent string) {
	if h.Memory == nil || convID == "" {
		return
	}
	msgs := make([]models.Message, 0, len(newUserMessages)+1)
	for _, raw := range newUserMessages {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" {
			continue
		}
		msgs = append(msgs, models.Message{Role: role, Content: content, CreatedAt: time.Now().UTC()})
	}
	if assistantContent != "" {
		msgs = append(msgs, models.Message{Role: "assistant", Content: assistantContent, CreatedAt: time.Now().UTC()})
	}
	if len(msgs) == 0 {
		return
	}
	if err := h.Memory.Append(ctx, convID, msgs...); err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("memory append failed")
	}
}

// errForwardedUpstream signals that an upstream 4xx/5xx was already
// forwarded verbatim to the client, so the caller should stop without
// writing anything further.
var errForwardedUpstream = gwerr.New(gwerr.Internal, "forwarded upstream response")

func (h *Handlers) nonStreamChat(w http.ResponseWriter, r *http.Request, backend models.Backend, body map[string]interface{}, convID string, newUserMessages []interface{}) {
	dispatch := func(ctx context.Context, b map[string]interface{}) (map[string]interface{}, error) {
		status, decoded, gwErr := h.Proxy.CallJSON(ctx, backend, chatSuffix, r.Header, b)
		if gwErr != nil {
			return nil, gwErr
		}
		if status >= 400 {
			respondJSON(w, status, decoded)
			return nil, errForwardedUpstream
		}
		return decoded, nil
	}

	resp, err := h.ToolLoop.Run(r.Context(), body, toolloop.Dispatch(dispatch))
	if err != nil {
		if err == errForwardedUpstream {
			return // already written verbatim above
		}
		if ge, ok := err.(*gwerr.Error); ok {
			writeGatewayError(w, ge)
			return
		}
		writeGatewayError(w, gwerr.Wrap(gwerr.UpstreamUnavailable, "chat completion failed", err))
		return
	}

	respondJSON(w, http.StatusOK, resp)
	h.appendTurnToMemory(r.Context(), convID, newUserMessages, extractAssistantContent(resp))
}

func (h *Handlers) streamChat(w http.ResponseWriter, r *http.Request, backend models.Backend, body map[string]interface{}, convID string, newUserMessages []interface{}) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("x-request-id", proxy.BuildRequestID(r.Header))

	streamDispatch := toolloop.StreamDispatch(func(ctx context.Context, b map[string]interface{}) (io.ReadCloser, error) {
		rc, gwErr := h.Proxy.CallStream(ctx, backend, chatSuffix, r.Header, b)
		if gwErr != nil {
			return nil, gwErr
		}
		return rc, nil
	})

	assistantContent, err := h.ToolLoop.RunStream(r.Context(), w, body, streamDispatch)
	if err != nil {
		log.Warn().Err(err).Msg("streaming chat completion ended with error")
	}
	h.appendTurnToMemory(r.Context(), convID, newUserMessages, assistantContent)
}

func extractAssistantContent(resp map[string]interface{}) string {
	choices, ok := resp["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]interface{})
	if !ok {
		return ""
	}
	message, ok := choice["message"].(map[string]interface{})
	if !ok {
		return ""
	}
	content, _ := message["content"].(string)
	return content
}
