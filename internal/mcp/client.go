package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/llamanexus/gateway/pkg/models"
)

const callTimeout = 30 * time.Second

// client is one connection to a configured MCP server. State is
// serialized on mu, matching §5's "one lock per server entry" model.
type client struct {
	desc   models.MCPServerDescriptor
	http   *http.Client
	idSeq  int64

	mu        sync.RWMutex
	connected bool
	tools     []models.ToolDescriptor // cached from tools/list

	// oauthMu guards lazy construction of tokenSrc; the TokenSource itself
	// (oauth2.ReuseTokenSource under the hood) is safe for concurrent use
	// and refreshes on its own once the cached token is within its expiry
	// window, so rpc() calls never need to coordinate a refresh by hand.
	oauthMu     sync.Mutex
	tokenSrc    oauth2.TokenSource
	oauthGiveUp bool // set once metadata discovery rules out client-credentials
}

func newClient(desc models.MCPServerDescriptor) *client {
	return &client{
		desc: desc,
		http: &http.Client{Timeout: callTimeout},
	}
}

func (c *client) nextID() int64 { return atomic.AddInt64(&c.idSeq, 1) }

// connect runs the initialize -> tools/list handshake.
func (c *client) connect(ctx context.Context) error {
	if _, err := c.rpc(ctx, "initialize", json.RawMessage(`{"protocolVersion":"2024-11-05"}`)); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	result, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	var parsed toolsListResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return fmt.Errorf("decode tools/list: %w", err)
	}

	descs := make([]models.ToolDescriptor, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		descs = append(descs, models.ToolDescriptor{
			Server:      c.desc.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	c.mu.Lock()
	c.tools = descs
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *client) listTools() []models.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// callTool invokes tools/call and normalizes the result.
func (c *client) callTool(ctx context.Context, name string, arguments json.RawMessage) (models.ToolResult, error) {
	params := toolCallParams{Name: name, Arguments: arguments}
	raw, _ := json.Marshal(params)

	result, err := c.rpc(ctx, "tools/call", raw)
	if err != nil {
		return models.ToolResult{}, err
	}

	var parsed toolCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return models.ToolResult{Content: []models.Block{{Kind: models.BlockText, Text: string(result)}}}, nil
	}

	blocks := make([]models.Block, 0, len(parsed.Content))
	for _, b := range parsed.Content {
		switch b.Type {
		case "json":
			blocks = append(blocks, models.Block{Kind: models.BlockJSON, JSON: b.JSON})
		case "image":
			blocks = append(blocks, models.Block{Kind: models.BlockImage, ImageRef: b.Data})
		default:
			blocks = append(blocks, models.Block{Kind: models.BlockText, Text: b.Text})
		}
	}
	return models.ToolResult{Content: blocks, IsError: parsed.IsError}, nil
}

// rpc sends one JSON-RPC 2.0 request over the configured transport and
// returns the decoded result. Streamable-HTTP and SSE are both single
// POST-then-read request/response exchanges for our purposes (the pool
// only issues tools/list and tools/call, never long-lived server push),
// so both transports share this implementation; they differ only in the
// Accept header and how the response body is framed.
func (c *client) rpc(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := rpcRequest{Jsonrpc: "2.0", Method: method, Params: params, ID: c.nextID()}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.desc.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.desc.Transport == models.TransportSSE {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	c.applyAuth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	payload := raw
	if c.desc.Transport == models.TransportSSE {
		payload = extractSSEData(raw)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// applyAuth mirrors the teacher's applyAuth switch (mcpgw/gateway.go),
// generalized to the four auth shapes a descriptor can carry. OAuth takes
// priority when OAuthURL is set: §4.5 requires a client-credentials or
// authorization-code flow (as indicated by metadata at the OAuth URL) with
// tokens refreshed before expiry. A metadata/token fetch failure falls back
// to the descriptor's static bearer token or API key header rather than
// failing the call outright, so a misconfigured OAuth server degrades
// instead of taking every tool call down with it.
func (c *client) applyAuth(req *http.Request) {
	if c.desc.OAuthURL != "" && !c.oauthUnsupported() {
		if tok, err := c.oauthToken(req.Context()); err == nil {
			req.Header.Set("Authorization", "Bearer "+tok)
			return
		} else {
			log.Warn().Str("server", c.desc.Name).Err(err).Msg("oauth token unavailable, falling back to static auth")
		}
	}
	if c.desc.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.desc.BearerToken)
		return
	}
	if c.desc.APIKeyHeader != "" && c.desc.APIKeyValue != "" {
		req.Header.Set(c.desc.APIKeyHeader, c.desc.APIKeyValue)
	}
}

func (c *client) oauthUnsupported() bool {
	c.oauthMu.Lock()
	defer c.oauthMu.Unlock()
	return c.oauthGiveUp
}

// oauthToken returns a valid access token, building the token source on
// first use and letting oauth2's ReuseTokenSource (returned by
// clientcredentials.Config.TokenSource) decide when the cached token needs
// refreshing. Serialized on oauthMu so concurrent tool calls share one
// in-flight token fetch instead of each racing the token endpoint.
func (c *client) oauthToken(ctx context.Context) (string, error) {
	c.oauthMu.Lock()
	defer c.oauthMu.Unlock()

	if c.tokenSrc == nil {
		src, err := c.buildOAuthTokenSource(ctx)
		if err != nil {
			c.oauthGiveUp = true
			return "", err
		}
		c.tokenSrc = src
	}
	tok, err := c.tokenSrc.Token()
	if err != nil {
		return "", fmt.Errorf("refresh oauth token: %w", err)
	}
	return tok.AccessToken, nil
}

// oauthMetadata is the subset of RFC 8414 authorization-server metadata the
// pool needs to decide which grant the server expects.
type oauthMetadata struct {
	TokenEndpoint       string   `json:"token_endpoint"`
	GrantTypesSupported []string `json:"grant_types_supported"`
}

// buildOAuthTokenSource discovers {OAuthURL}/.well-known/oauth-authorization-server
// and, if the server advertises client_credentials, builds an
// oauth2/clientcredentials token source scoped to the descriptor's client
// ID/secret. Authorization-code is a user-interactive grant that a headless
// gateway process cannot complete on its own, so a server that only
// advertises authorization_code is treated as unsupported and the client
// falls back to its static auth, matching the open-question decision
// recorded in DESIGN.md.
func (c *client) buildOAuthTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	meta, err := fetchOAuthMetadata(ctx, c.desc.OAuthURL)
	if err != nil {
		return nil, fmt.Errorf("fetch oauth metadata: %w", err)
	}
	if !grantSupported(meta.GrantTypesSupported, "client_credentials") {
		return nil, fmt.Errorf("mcp server %q advertises no client_credentials grant; authorization_code requires interactive user consent and is not supported headless", c.desc.Name)
	}

	cfg := clientcredentials.Config{
		ClientID:     c.desc.OAuthClientID,
		ClientSecret: c.desc.OAuthClientSecret,
		TokenURL:     meta.TokenEndpoint,
	}
	return cfg.TokenSource(ctx), nil
}

func grantSupported(grants []string, want string) bool {
	for _, g := range grants {
		if g == want {
			return true
		}
	}
	return false
}

func fetchOAuthMetadata(ctx context.Context, oauthURL string) (*oauthMetadata, error) {
	metaURL := strings.TrimRight(oauthURL, "/") + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned %s", resp.Status)
	}

	var meta oauthMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata missing token_endpoint")
	}
	return &meta, nil
}

// reconnectLoop retries connect with exponential backoff (1s, 2s, 4s,
// capped at 60s) until it succeeds or ctx is cancelled.
func (c *client) reconnectLoop(ctx context.Context) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2
	eb.MaxInterval = 60 * time.Second
	eb.MaxElapsedTime = 0
	eb.RandomizationFactor = 0
	eb.Reset() // start from InitialInterval rather than the constructor's default

	for {
		if err := c.connect(ctx); err == nil {
			log.Info().Str("server", c.desc.Name).Msg("mcp client connected")
			return
		} else {
			log.Warn().Str("server", c.desc.Name).Err(err).Msg("mcp reconnect attempt failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(eb.NextBackOff()):
		}
	}
}

// extractSSEData concatenates the payloads of all "data:" lines in an SSE
// byte stream, matching the teacher's raw-accumulation approach in
// executeSSETool before JSON-decoding the result.
func extractSSEData(raw []byte) []byte {
	var out bytes.Buffer
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(line, []byte("data:")) {
			out.Write(bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:"))))
		}
	}
	if out.Len() == 0 {
		return raw
	}
	return out.Bytes()
}
