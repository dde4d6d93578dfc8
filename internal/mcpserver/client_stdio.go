package mcpserver

import (
	"context"
	"fmt"
	"time"

	"localrouter/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultStdioInitTimeout covers subprocess startup plus the MCP
// handshake.
const DefaultStdioInitTimeout = 10 * time.Second

// stdioHealthWindow is how recently the subprocess must have responded
// for the transport to count as healthy.
const stdioHealthWindow = 60 * time.Second

// StdioClient implements MCPClient over a subprocess with piped
// stdin/stdout carrying newline-delimited JSON-RPC. The mcp-go client
// owns the reader/writer loops and demultiplexes responses by request
// ID; stderr is captured into the log.
type StdioClient struct {
	baseMCPClient
	command string
	args    []string
	env     map[string]string
}

// NewStdioClient creates a stdio-based MCP client.
func NewStdioClient(command string, args []string, env map[string]string) *StdioClient {
	return &StdioClient{
		command: command,
		args:    args,
		env:     env,
	}
}

// Initialize implements MCPClient: it spawns the subprocess and runs
// the protocol handshake.
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StdioClient", "Starting subprocess: %s %v", c.command, c.args)

	var envStrings []string
	for k, v := range c.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(c.command, envStrings, c.args...)
	if err != nil {
		return fmt.Errorf("failed to create stdio client: %w", err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultStdioInitTimeout)
		defer cancel()
	}

	_, err = mcpClient.Initialize(initCtx, mcp.InitializeRequest{
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
	if err != nil {
		logging.Error("StdioClient", err, "MCP handshake failed for %s", c.command)
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Error closing failed client for %s: %v", c.command, closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true
	c.lastActivity = time.Now()
	return nil
}

// Close implements MCPClient.
func (c *StdioClient) Close() error {
	return c.closeClient()
}

// ListTools implements MCPClient.
func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

// CallTool implements MCPClient.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

// ListResources implements MCPClient.
func (c *StdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

// ReadResource implements MCPClient.
func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

// ListPrompts implements MCPClient.
func (c *StdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

// GetPrompt implements MCPClient.
func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

// Ping implements MCPClient.
func (c *StdioClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

// IsHealthy implements MCPClient. Healthy means the subprocess is
// connected and has responded within the health window.
func (c *StdioClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return false
	}
	return time.Since(c.lastActivity) < stdioHealthWindow
}
