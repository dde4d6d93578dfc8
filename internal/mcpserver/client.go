// Package mcpserver implements the transports to backend MCP servers:
// a stdio subprocess transport and HTTP transports (streamable-http and
// SSE), all behind a common client interface, plus the lifecycle
// manager that tracks backend state.
package mcpserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPClient defines the interface for MCP client implementations. All
// transport types (stdio, streamable-http, SSE) implement it, enabling
// polymorphic usage and mock substitution in tests.
type MCPClient interface {
	// Initialize establishes the connection and performs the JSON-RPC
	// initialize handshake
	Initialize(ctx context.Context) error
	// Close cleanly shuts down the client connection
	Close() error
	// ListTools returns all available tools from the server
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool executes a specific tool and returns the result
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	// ListResources returns all available resources from the server
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	// ReadResource retrieves a specific resource
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	// ListPrompts returns all available prompts from the server
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	// GetPrompt retrieves a specific prompt
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	// Ping checks if the server is responsive
	Ping(ctx context.Context) error
	// IsHealthy reports whether the transport considers the connection
	// usable: connected, and for stdio, the subprocess recently
	// responded
	IsHealthy() bool
}

// Compile-time interface compliance checks
var (
	_ MCPClient = (*StdioClient)(nil)
	_ MCPClient = (*StreamableHTTPClient)(nil)
	_ MCPClient = (*SSEClient)(nil)
)

// baseMCPClient provides the MCP protocol operations shared by every
// transport.
type baseMCPClient struct {
	client    client.MCPClient
	mu        sync.RWMutex
	connected bool
	// lastActivity is updated on every successful operation; stdio
	// health uses it to detect a wedged subprocess.
	lastActivity time.Time
}

func (b *baseMCPClient) checkConnected() error {
	if !b.connected || b.client == nil {
		return fmt.Errorf("client not connected")
	}
	return nil
}

func (b *baseMCPClient) touch() {
	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()
}

func (b *baseMCPClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.connected = false
	b.client = nil
	return err
}

func (b *baseMCPClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	if err := b.checkConnected(); err != nil {
		b.mu.RUnlock()
		return nil, err
	}
	c := b.client
	b.mu.RUnlock()

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	b.touch()
	return result.Tools, nil
}

func (b *baseMCPClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	if err := b.checkConnected(); err != nil {
		b.mu.RUnlock()
		return nil, err
	}
	c := b.client
	b.mu.RUnlock()

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	result, err := c.CallTool(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s: %w", name, err)
	}
	b.touch()
	return result, nil
}

func (b *baseMCPClient) listResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	if err := b.checkConnected(); err != nil {
		b.mu.RUnlock()
		return nil, err
	}
	c := b.client
	b.mu.RUnlock()

	result, err := c.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	b.touch()
	return result.Resources, nil
}

func (b *baseMCPClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	if err := b.checkConnected(); err != nil {
		b.mu.RUnlock()
		return nil, err
	}
	c := b.client
	b.mu.RUnlock()

	request := mcp.ReadResourceRequest{}
	request.Params.URI = uri
	result, err := c.ReadResource(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", uri, err)
	}
	b.touch()
	return result, nil
}

func (b *baseMCPClient) listPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	if err := b.checkConnected(); err != nil {
		b.mu.RUnlock()
		return nil, err
	}
	c := b.client
	b.mu.RUnlock()

	result, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	b.touch()
	return result.Prompts, nil
}

func (b *baseMCPClient) getPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	if err := b.checkConnected(); err != nil {
		b.mu.RUnlock()
		return nil, err
	}
	c := b.client
	b.mu.RUnlock()

	request := mcp.GetPromptRequest{}
	request.Params.Name = name
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		stringArgs[k] = fmt.Sprintf("%v", v)
	}
	request.Params.Arguments = stringArgs
	result, err := c.GetPrompt(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt %s: %w", name, err)
	}
	b.touch()
	return result, nil
}

func (b *baseMCPClient) ping(ctx context.Context) error {
	b.mu.RLock()
	if err := b.checkConnected(); err != nil {
		b.mu.RUnlock()
		return err
	}
	c := b.client
	b.mu.RUnlock()

	if err := c.Ping(ctx); err != nil {
		return err
	}
	b.touch()
	return nil
}

func (b *baseMCPClient) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}
