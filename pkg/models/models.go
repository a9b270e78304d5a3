// Package models holds the wire and domain types shared across the
// gateway's components: the registry, the proxy core, the MCP pool,
// the RAG orchestrator and the memory store.
package models

import (
	"encoding/json"
	"time"
)

// Kind is the category of work a backend performs. Each kind maps to one
// or more OpenAI-compatible URI suffixes (see RouteSuffixes).
type Kind string

const (
	KindChat        Kind = "chat"
	KindEmbeddings  Kind = "embeddings"
	KindImage       Kind = "image"
	KindTranscribe  Kind = "transcribe"
	KindTranslate   Kind = "translate"
	KindTTS         Kind = "tts"
)

// ValidKind reports whether k is one of the closed enumeration of kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindChat, KindEmbeddings, KindImage, KindTranscribe, KindTranslate, KindTTS:
		return true
	}
	return false
}

// RouteSuffixes maps a Kind to the OpenAI sub-paths it answers for.
var RouteSuffixes = map[Kind][]string{
	KindChat:       {"/chat/completions"},
	KindEmbeddings: {"/embeddings"},
	KindImage:      {"/images/generations", "/images/edits"},
	KindTranscribe: {"/audio/transcriptions"},
	KindTranslate:  {"/audio/translations"},
	KindTTS:        {"/audio/speech"},
}

// Backend is a single downstream HTTP server speaking an OpenAI-compatible
// API. It is created by an admin register call, mutated only by the health
// watchdog (availability/probe fields), and destroyed by an admin
// unregister call or process exit.
type Backend struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	BaseURL          string    `json:"url"`
	APIKey           string    `json:"-"`
	Available        bool      `json:"available"`
	LastProbeAt      time.Time `json:"last_probe_at,omitempty"`
	LastProbeOutcome string    `json:"last_probe_outcome,omitempty"`

	// Models is populated best-effort at registration time by probing
	// {BaseURL}/models; used by the selector to route by explicit model
	// name before falling back to round-robin.
	Models []string `json:"models,omitempty"`
}

// MCPTransport names the wire transport an MCP server speaks.
type MCPTransport string

const (
	TransportSSE            MCPTransport = "sse"
	TransportStreamableHTTP MCPTransport = "streamable-http"
)

// MCPRole tags what an MCP server is used for.
type MCPRole string

const (
	RoleTool          MCPRole = "tool"
	RoleVectorSearch  MCPRole = "vector_search"
	RoleKeywordSearch MCPRole = "keyword_search"
)

// MCPServerDescriptor is the startup-time configuration for one MCP server.
// A live MCP client (see internal/mcp) is attached to each enabled
// descriptor for the life of the process.
type MCPServerDescriptor struct {
	Name              string       `json:"name"`
	Transport         MCPTransport `json:"transport"`
	URL               string       `json:"url"`
	OAuthURL          string       `json:"oauth_url,omitempty"`
	OAuthClientID     string       `json:"-"`
	OAuthClientSecret string       `json:"-"`
	Enabled           bool         `json:"enabled"`
	Role              MCPRole      `json:"role"`
	BearerToken       string       `json:"-"`
	APIKeyHeader      string       `json:"-"`
	APIKeyValue       string       `json:"-"`
	// FallbackMessage substitutes for an empty (but non-error) ToolResult.
	FallbackMessage string `json:"fallback_message,omitempty"`
}

// ToolDescriptor is one tool advertised by an MCP server's tools/list.
type ToolDescriptor struct {
	Server      string                 `json:"server"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// BlockKind enumerates the content block shapes in a ToolResult.
type BlockKind string

const (
	BlockText  BlockKind = "text"
	BlockJSON  BlockKind = "json"
	BlockImage BlockKind = "image"
)

// Block is one unit of tool output content.
type Block struct {
	Kind BlockKind   `json:"kind"`
	Text string      `json:"text,omitempty"`
	JSON interface{} `json:"json,omitempty"`
	// ImageRef holds an opaque reference (URL or data URI) for image blocks.
	ImageRef string `json:"image_ref,omitempty"`
}

// ToolResult is the normalized outcome of an MCP call_tool invocation.
type ToolResult struct {
	Content []Block `json:"content"`
	IsError bool    `json:"is_error"`
}

// Text concatenates all text blocks, which is sufficient for stringifying
// a result into a role-"tool" chat message.
func (r ToolResult) Text() string {
	out := ""
	for _, b := range r.Content {
		switch b.Kind {
		case BlockText:
			out += b.Text
		case BlockJSON:
			out += jsonBlockString(b.JSON)
		case BlockImage:
			out += b.ImageRef
		}
	}
	return out
}

// Message is one turn in a persisted conversation.
type Message struct {
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	ToolCallID    string    `json:"tool_call_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	TokenEstimate int       `json:"token_estimate"`
}

// Conversation is the per-client message log held by the memory store.
type Conversation struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary,omitempty"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RAGHit is one piece of retrieved evidence, valid only for the duration
// of the request that produced it.
type RAGHit struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
	Source     string  `json:"source"`
}

// RegisterRequest is the admin "register a backend" request body.
type RegisterRequest struct {
	URL    string `json:"url"`
	Kind   Kind   `json:"kind"`
	APIKey string `json:"api_key,omitempty"`
}

// RegisterResponse is returned from a successful register call.
type RegisterResponse struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	URL  string `json:"url"`
}

// UnregisterRequest is the admin "remove a backend" request body.
type UnregisterRequest struct {
	ID string `json:"id"`
}

// BackendView is the admin-facing read projection of a Backend (no api_key).
type BackendView struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	URL       string `json:"url"`
	Available bool   `json:"available"`
}

func jsonBlockString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
