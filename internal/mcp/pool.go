package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/llamanexus/gateway/internal/gwerr"
	"github.com/llamanexus/gateway/pkg/models"
)

// Pool maintains one client per configured MCP server descriptor and
// exposes the public contract from §4.5.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*client
	descs   map[string]models.MCPServerDescriptor
	cancel  map[string]context.CancelFunc
	// order preserves config declaration order, so name->server tool
	// resolution can apply "first-declared server wins" (§4.7 step 1).
	order []string
}

// NewPool builds a pool from the startup descriptor list and begins
// connecting every enabled server in the background.
func NewPool(ctx context.Context, descriptors []models.MCPServerDescriptor) *Pool {
	p := &Pool{
		clients: make(map[string]*client),
		descs:   make(map[string]models.MCPServerDescriptor),
		cancel:  make(map[string]context.CancelFunc),
	}
	for _, d := range descriptors {
		if !d.Enabled {
			continue
		}
		p.addServer(ctx, d)
	}
	return p
}

func (p *Pool) addServer(ctx context.Context, d models.MCPServerDescriptor) {
	c := newClient(d)
	cctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.clients[d.Name] = c
	p.descs[d.Name] = d
	p.cancel[d.Name] = cancel
	p.order = append(p.order, d.Name)
	p.mu.Unlock()

	go c.reconnectLoop(cctx)
}

// Close tears down all client goroutines.
func (p *Pool) Close() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.cancel {
		cancel()
	}
}

// ListTools returns the cached tool set advertised by one server.
func (p *Pool) ListTools(serverName string) ([]models.ToolDescriptor, error) {
	c, ok := p.get(serverName)
	if !ok {
		return nil, gwerr.New(gwerr.McpUnavailable, fmt.Sprintf("unknown mcp server %q", serverName))
	}
	if !c.isConnected() {
		return nil, gwerr.New(gwerr.McpUnavailable, fmt.Sprintf("mcp server %q is disconnected", serverName))
	}
	return c.listTools(), nil
}

// ListAllTools returns every tool across every connected server whose
// descriptor has RoleTool, used to build the executor's name -> (server,
// tool) map (§4.7 step 1).
func (p *Pool) ListAllTools() []models.ToolDescriptor {
	p.mu.RLock()
	names := make([]string, 0, len(p.order))
	for _, n := range p.order {
		if p.descs[n].Role == models.RoleTool {
			names = append(names, n)
		}
	}
	p.mu.RUnlock()

	var out []models.ToolDescriptor
	for _, n := range names {
		c, ok := p.get(n)
		if !ok || !c.isConnected() {
			continue
		}
		out = append(out, c.listTools()...)
	}
	return out
}

// ServersByRole returns the names of the configured servers tagged with
// role, whether or not they are currently connected. The order of the
// returned names is not defined.
func (p *Pool) ServersByRole(role models.MCPRole) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for name, d := range p.descs {
		if d.Role == role {
			out = append(out, name)
		}
	}
	return out
}

// FallbackMessage returns the configured fallback_message for a server, if any.
func (p *Pool) FallbackMessage(serverName string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.descs[serverName].FallbackMessage
}

// CallTool invokes call_tool on the named server. A disconnected server
// fails with McpUnavailable rather than blocking for reconnect (§4.5
// failure policy: "an in-flight call_tool during disconnection fails").
func (p *Pool) CallTool(ctx context.Context, serverName, toolName string, arguments json.RawMessage) (models.ToolResult, error) {
	c, ok := p.get(serverName)
	if !ok {
		return models.ToolResult{}, gwerr.New(gwerr.McpUnavailable, fmt.Sprintf("unknown mcp server %q", serverName))
	}
	if !c.isConnected() {
		return models.ToolResult{}, gwerr.New(gwerr.McpUnavailable, fmt.Sprintf("mcp server %q is disconnected", serverName))
	}

	result, err := c.callTool(ctx, toolName, arguments)
	if err != nil {
		c.markDisconnected()
		go c.reconnectLoop(ctx)
		return models.ToolResult{}, gwerr.Wrap(gwerr.McpUnavailable, fmt.Sprintf("call_tool %s/%s failed", serverName, toolName), err)
	}
	return result, nil
}

// Reconnect forces a disconnected (or connected) client to re-run the
// handshake immediately rather than waiting for its backoff timer.
func (p *Pool) Reconnect(ctx context.Context, serverName string) error {
	c, ok := p.get(serverName)
	if !ok {
		return gwerr.New(gwerr.McpUnavailable, fmt.Sprintf("unknown mcp server %q", serverName))
	}
	return c.connect(ctx)
}

func (p *Pool) get(name string) (*client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[name]
	return c, ok
}
