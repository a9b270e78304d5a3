// Package handlers implements the Admin & Data-Plane API (C9): the HTTP
// surface that exposes backend registration and the OpenAI-shaped routes,
// wiring together the registry, proxy core, RAG orchestrator, tool-call
// loop, and memory store for each request.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/llamanexus/gateway/internal/gwerr"
	"github.com/llamanexus/gateway/internal/mcp"
	"github.com/llamanexus/gateway/internal/proxy"
	"github.com/llamanexus/gateway/internal/rag"
	"github.com/llamanexus/gateway/internal/registry"
	"github.com/llamanexus/gateway/internal/store"
	"github.com/llamanexus/gateway/internal/toolloop"
	"github.com/llamanexus/gateway/pkg/models"
)

// Handlers holds every component dependency a route needs.
type Handlers struct {
	Registry *registry.Registry
	Proxy    *proxy.Core
	MCP      *mcp.Pool
	RAG      *rag.Orchestrator // nil when RAG is disabled
	Memory   *store.Store      // nil when memory is disabled
	ToolLoop *toolloop.Engine
	MemoryContextWindow int
}

// New builds a Handlers. rag and memory are optional (nil disables them).
func New(reg *registry.Registry, p *proxy.Core, pool *mcp.Pool, orchestrator *rag.Orchestrator, mem *store.Store, loop *toolloop.Engine, memoryContextWindow int) *Handlers {
	return &Handlers{
		Registry:             reg,
		Proxy:                p,
		MCP:                  pool,
		RAG:                  orchestrator,
		Memory:               mem,
		ToolLoop:             loop,
		MemoryContextWindow:  memoryContextWindow,
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeGatewayError(w http.ResponseWriter, err *gwerr.Error) {
	err.WriteJSON(w)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// ── Admin handlers (§4.9) ───────────────────────────────────────

func (h *Handlers) RegisterBackend(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		gwerr.New(gwerr.InvalidRequest, "malformed register body").WriteJSON(w)
		return
	}
	b, err := h.Registry.Register(req.URL, req.Kind, req.APIKey)
	if err != nil {
		kind := gwerr.InvalidRequest
		gwerr.New(kind, err.Error()).WriteJSON(w)
		return
	}
	respondJSON(w, http.StatusCreated, models.RegisterResponse{ID: b.ID, Kind: b.Kind, URL: b.BaseURL})
}

func (h *Handlers) UnregisterBackend(w http.ResponseWriter, r *http.Request) {
	var req models.UnregisterRequest
	if err := decodeJSON(r, &req); err != nil {
		gwerr.New(gwerr.InvalidRequest, "malformed unregister body").WriteJSON(w)
		return
	}
	h.Registry.Unregister(req.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListBackends(w http.ResponseWriter, r *http.Request) {
	kind := models.Kind(r.URL.Query().Get("kind"))
	backends := h.Registry.List(kind)
	views := make([]models.BackendView, len(backends))
	for i, b := range backends {
		views[i] = models.BackendView{ID: b.ID, Kind: b.Kind, URL: b.BaseURL, Available: b.Available}
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handlers) GetBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, ok := h.Registry.Get(id)
	if !ok {
		gwerr.New(gwerr.InvalidRequest, "no such backend").WriteJSON(w)
		return
	}
	respondJSON(w, http.StatusOK, models.BackendView{ID: b.ID, Kind: b.Kind, URL: b.BaseURL, Available: b.Available})
}

// ── Health ───────────────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Models ─────────────────────────────────────────────────────

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	backends := h.Registry.List("")
	seen := make(map[string]bool)
	var data []map[string]interface{}
	for _, b := range backends {
		if len(b.Models) == 0 {
			continue
		}
		for _, m := range b.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, map[string]interface{}{"id": m, "object": "model", "owned_by": b.ID})
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

// ── Conversation identity (§4.10 design note) ───────────────────

// conversationID extracts the client-trusted conversation identifier from
// the x-conversation-id header or a "conversation_id" body field, in that
// order; empty if neither is present (memory enrichment is then skipped).
func conversationID(r *http.Request, body map[string]interface{}) string {
	if id := r.Header.Get("x-conversation-id"); id != "" {
		return id
	}
	if id, ok := body["conversation_id"].(string); ok {
		return id
	}
	return ""
}

func bodyAsMessages(body map[string]interface{}) []interface{} {
	msgs, _ := body["messages"].([]interface{})
	return msgs
}

func isStreamRequested(body map[string]interface{}) bool {
	v, _ := body["stream"].(bool)
	return v
}

// readRawBody is used by routes the gateway does not need to inspect
// (images, audio, embeddings go out unparsed per §4.4).
func readRawBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
