// Package rag implements the RAG Orchestrator (C6): on chat requests it
// queries vector and (optional) keyword MCP servers, merges the ranked
// evidence, and splices it into the outbound chat body per the
// configured injection policy.
//
// Grounded on the teacher's internal/rag pipeline shape (a Pipeline type
// wrapping concurrent retrieval calls behind one Query entrypoint) but
// retargeted from the teacher's own embeddings+vectorstore drivers onto
// the spec's MCP-mediated retrieval model (§4.6): this orchestrator never
// embeds anything itself, it calls the vector_search/keyword_search MCP
// tools through the same internal/mcp pool the tool-call loop uses.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llamanexus/gateway/internal/gwerr"
	"github.com/llamanexus/gateway/internal/mcp"
	"github.com/llamanexus/gateway/pkg/models"
)

// Policy selects where the retrieved context block is spliced in (§4.6).
type Policy string

const (
	PolicySystemMessage    Policy = "system-message"
	PolicyLastUserMessage  Policy = "last-user-message"
)

// Config mirrors the [rag] TOML table.
type Config struct {
	Enable        bool
	Policy        Policy
	ContextWindow int
	Prompt        string
	TopK          int
}

const retrievalDeadline = 10 * time.Second

// Orchestrator enriches chat request bodies with retrieved context.
type Orchestrator struct {
	pool          *mcp.Pool
	cfg           Config
	vectorServer  string
	keywordServer string
}

// New resolves the configured vector_search (required) and
// keyword_search (optional) MCP servers from the pool's role-tagged
// descriptors and builds an Orchestrator.
func New(pool *mcp.Pool, cfg Config) *Orchestrator {
	o := &Orchestrator{pool: pool, cfg: cfg}
	if servers := pool.ServersByRole(models.RoleVectorSearch); len(servers) > 0 {
		o.vectorServer = servers[0]
	}
	if servers := pool.ServersByRole(models.RoleKeywordSearch); len(servers) > 0 {
		o.keywordServer = servers[0]
	}
	return o
}

// toolArgs is the {query, k} argument shape sent to both search tools.
type toolArgs struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// Enrich extracts the retrieval query from the chat body's last
// context_window user messages, fans out to the configured search MCP
// tools, merges the results, and injects the rendered context block per
// policy. body is the decoded chat request; the returned map is the
// mutated body to forward.
func (o *Orchestrator) Enrich(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error) {
	if o.vectorServer == "" {
		return nil, gwerr.New(gwerr.RagUnavailable, "rag enabled but no vector_search mcp server is configured")
	}

	messages, ok := body["messages"].([]interface{})
	if !ok {
		return nil, gwerr.New(gwerr.InvalidRequest, "chat body missing messages array")
	}

	query := buildQuery(messages, o.contextWindow())
	if query == "" {
		return body, nil
	}

	hits, err := o.retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return body, nil
	}

	block := o.renderBlock(hits)
	inject(body, messages, o.cfg.Policy, block)
	return body, nil
}

func (o *Orchestrator) contextWindow() int {
	if o.cfg.ContextWindow > 0 {
		return o.cfg.ContextWindow
	}
	return 3
}

func (o *Orchestrator) topK() int {
	if o.cfg.TopK > 0 {
		return o.cfg.TopK
	}
	return 5
}

// buildQuery joins the last n user messages' text with newlines (§4.6 step 1).
func buildQuery(messages []interface{}, n int) string {
	var userTexts []string
	for _, raw := range messages {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if role, _ := m["role"].(string); role != "user" {
			continue
		}
		if content, ok := m["content"].(string); ok {
			userTexts = append(userTexts, content)
		}
	}
	if len(userTexts) > n {
		userTexts = userTexts[len(userTexts)-n:]
	}
	return strings.Join(userTexts, "\n")
}

// retrieve runs the vector (required) and keyword (optional) searches
// concurrently, bounding the combined phase at retrievalDeadline; on
// deadline it proceeds with whatever partial results are in hand rather
// than failing the whole request (§4.6 failure policy).
func (o *Orchestrator) retrieve(ctx context.Context, query string) ([]models.RAGHit, error) {
	ctx, cancel := context.WithTimeout(ctx, retrievalDeadline)
	defer cancel()

	var vectorHits, keywordHits []models.RAGHit
	var vectorErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := o.callSearch(gctx, o.vectorServer, query)
		if err != nil {
			vectorErr = err
			return nil // handled below; don't cancel the keyword search
		}
		vectorHits = hits
		return nil
	})
	if o.keywordServer != "" {
		g.Go(func() error {
			hits, err := o.callSearch(gctx, o.keywordServer, query)
			if err != nil {
				// Keyword search is optional; log-and-proceed, never fail the request for it.
				return nil
			}
			keywordHits = hits
			return nil
		})
	}
	_ = g.Wait()

	if vectorErr != nil {
		if ctx.Err() != nil {
			// Deadline hit before vector search answered: proceed with
			// whatever keyword hits are in hand (possibly none).
			return Merge(nil, keywordHits, o.topK()), nil
		}
		return nil, gwerr.Wrap(gwerr.RagUnavailable, "vector_search unreachable", vectorErr)
	}

	return Merge(vectorHits, keywordHits, o.topK()), nil
}

func (o *Orchestrator) callSearch(ctx context.Context, server, query string) ([]models.RAGHit, error) {
	args, err := json.Marshal(toolArgs{Query: query, K: o.topK()})
	if err != nil {
		return nil, err
	}
	result, err := o.pool.CallTool(ctx, server, o.searchToolName(server), args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("%s returned an error result", server)
	}
	return parseHits(result, server)
}

// searchToolName assumes a search MCP server exposes a single tool named
// after its role; vector_search/keyword_search servers are configured
// 1:1 with that tool per §4.6.
func (o *Orchestrator) searchToolName(server string) string {
	if server == o.keywordServer {
		return string(models.RoleKeywordSearch)
	}
	return string(models.RoleVectorSearch)
}

func parseHits(result models.ToolResult, source string) ([]models.RAGHit, error) {
	for _, b := range result.Content {
		if b.Kind != models.BlockJSON {
			continue
		}
		return decodeHits(b.JSON, source)
	}
	// Fall back to parsing the concatenated text as a JSON array.
	var raw []map[string]interface{}
	if err := json.Unmarshal([]byte(result.Text()), &raw); err != nil {
		return nil, fmt.Errorf("search result from %s is not JSON: %w", source, err)
	}
	return decodeHits(raw, source)
}

func decodeHits(v interface{}, source string) ([]models.RAGHit, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		DocumentID string  `json:"document_id"`
		Score      float64 `json:"score"`
		Text       string  `json:"text"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode hits from %s: %w", source, err)
	}
	out := make([]models.RAGHit, len(entries))
	for i, e := range entries {
		out[i] = models.RAGHit{DocumentID: e.DocumentID, Score: e.Score, Text: e.Text, Source: source}
	}
	return out, nil
}

// Merge implements the §4.6 step-3 algorithm: normalize each source's
// scores to [0,1], sum normalized scores for hits appearing in both,
// dedupe by document_id keeping the higher-ranked entry, sort descending,
// take top-k. It is pure and deterministic, so merging the same candidate
// set twice yields the same order (invariant 6).
func Merge(a, b []models.RAGHit, topK int) []models.RAGHit {
	normalized := make(map[string]models.RAGHit)
	scores := make(map[string]float64)

	for _, hits := range [][]models.RAGHit{normalizeScores(a), normalizeScores(b)} {
		for _, h := range hits {
			scores[h.DocumentID] += h.Score
			if existing, ok := normalized[h.DocumentID]; !ok || h.Score > existing.Score {
				normalized[h.DocumentID] = h
			}
		}
	}

	out := make([]models.RAGHit, 0, len(normalized))
	for id, h := range normalized {
		h.Score = scores[id]
		out = append(out, h)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID // stable tie-break for idempotence
	})

	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func normalizeScores(hits []models.RAGHit) []models.RAGHit {
	if len(hits) == 0 {
		return hits
	}
	max := hits[0].Score
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	if max <= 0 {
		return hits
	}
	out := make([]models.RAGHit, len(hits))
	for i, h := range hits {
		h.Score = h.Score / max
		out[i] = h
	}
	return out
}

// renderBlock formats the retrieved hits using the configured prompt
// template (substituting "{{context}}") or, if unset, a default
// numbered-snippet listing.
func (o *Orchestrator) renderBlock(hits []models.RAGHit) string {
	var snippets strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&snippets, "%d. %s\n", i+1, h.Text)
	}
	if o.cfg.Prompt != "" {
		return strings.ReplaceAll(o.cfg.Prompt, "{{context}}", snippets.String())
	}
	return "Relevant context:\n" + snippets.String()
}

// inject splices block into the chat body per policy (§4.6 step 5).
func inject(body map[string]interface{}, messages []interface{}, policy Policy, block string) {
	switch policy {
	case PolicyLastUserMessage:
		for i := len(messages) - 1; i >= 0; i-- {
			m, ok := messages[i].(map[string]interface{})
			if !ok {
				continue
			}
			if role, _ := m["role"].(string); role != "user" {
				continue
			}
			content, _ := m["content"].(string)
			m["content"] = block + "\n\n" + content
			return
		}
	default: // PolicySystemMessage
		systemMsg := map[string]interface{}{"role": "system", "content": block}
		body["messages"] = append([]interface{}{systemMsg}, messages...)
	}
}
