package mcpserver

import (
	"context"
	"fmt"
	"time"

	"localrouter/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// httpInitialize is the shared handshake for HTTP-backed clients.
func httpInitialize(ctx context.Context, mcpClient client.MCPClient) error {
	_, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "localrouter",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	return err
}

// StreamableHTTPClient implements MCPClient over the streamable-http
// transport: JSON-RPC POSTs whose responses may upgrade to an SSE
// stream, demultiplexed by request ID inside mcp-go.
type StreamableHTTPClient struct {
	baseMCPClient
	url     string
	headers map[string]string
}

// NewStreamableHTTPClient creates a streamable-http client. headers
// typically carry the backend's Authorization.
func NewStreamableHTTPClient(url string, headers map[string]string) *StreamableHTTPClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &StreamableHTTPClient{url: url, headers: headers}
}

// SetHeader sets a header for subsequent connections (e.g. a refreshed
// OAuth token). Takes effect on the next Initialize.
func (c *StreamableHTTPClient) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// Initialize implements MCPClient.
func (c *StreamableHTTPClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StreamableHTTPClient", "Connecting to %s", c.url)

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}
	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create streamable-http client: %w", err)
	}

	if err := httpInitialize(ctx, mcpClient); err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StreamableHTTPClient", "Error closing failed client: %v", closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	c.lastActivity = time.Now()
	return nil
}

// Close implements MCPClient.
func (c *StreamableHTTPClient) Close() error { return c.closeClient() }

// ListTools implements MCPClient.
func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

// CallTool implements MCPClient.
func (c *StreamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

// ListResources implements MCPClient.
func (c *StreamableHTTPClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

// ReadResource implements MCPClient.
func (c *StreamableHTTPClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

// ListPrompts implements MCPClient.
func (c *StreamableHTTPClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

// GetPrompt implements MCPClient.
func (c *StreamableHTTPClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

// Ping implements MCPClient.
func (c *StreamableHTTPClient) Ping(ctx context.Context) error { return c.ping(ctx) }

// IsHealthy implements MCPClient.
func (c *StreamableHTTPClient) IsHealthy() bool { return c.isConnected() }

// SSEClient implements MCPClient over the legacy HTTP+SSE transport.
type SSEClient struct {
	baseMCPClient
	url     string
	headers map[string]string
}

// NewSSEClient creates an SSE client.
func NewSSEClient(url string, headers map[string]string) *SSEClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &SSEClient{url: url, headers: headers}
}

// Initialize implements MCPClient.
func (c *SSEClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("SSEClient", "Connecting to %s", c.url)

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
	}
	mcpClient, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SSE client: %w", err)
	}

	if err := httpInitialize(ctx, mcpClient); err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("SSEClient", "Error closing failed client: %v", closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	c.lastActivity = time.Now()
	return nil
}

// Close implements MCPClient.
func (c *SSEClient) Close() error { return c.closeClient() }

// ListTools implements MCPClient.
func (c *SSEClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return c.listTools(ctx) }

// CallTool implements MCPClient.
func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

// ListResources implements MCPClient.
func (c *SSEClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

// ReadResource implements MCPClient.
func (c *SSEClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

// ListPrompts implements MCPClient.
func (c *SSEClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

// GetPrompt implements MCPClient.
func (c *SSEClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

// Ping implements MCPClient.
func (c *SSEClient) Ping(ctx context.Context) error { return c.ping(ctx) }

// IsHealthy implements MCPClient.
func (c *SSEClient) IsHealthy() bool { return c.isConnected() }
