// Package mock provides an in-memory MCPClient for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Client is a scriptable MCPClient.
type Client struct {
	mu sync.Mutex

	InitErr   error
	ListErr   error
	Tools     []mcp.Tool
	Resources []mcp.Resource
	Prompts   []mcp.Prompt
	// CallResults maps tool name to result; unknown names error.
	CallResults map[string]*mcp.CallToolResult

	InitCalls  int
	Calls      []string
	ReadURIs   []string
	PromptGets []string
	Closed     bool
}

// NewClient creates a mock exposing the named tools.
func NewClient(toolNames ...string) *Client {
	c := &Client{CallResults: make(map[string]*mcp.CallToolResult)}
	for _, name := range toolNames {
		c.Tools = append(c.Tools, mcp.Tool{Name: name, InputSchema: mcp.ToolInputSchema{Type: "object"}})
		c.CallResults[name] = mcp.NewToolResultText("result of " + name)
	}
	return c
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InitCalls++
	return c.InitErr
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	return c.Tools, nil
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, name)
	if result, ok := c.CallResults[name]; ok {
		return result, nil
	}
	return nil, errors.New("unknown tool " + name)
}

func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Resources, nil
}

func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReadURIs = append(c.ReadURIs, uri)
	for _, resource := range c.Resources {
		if resource.URI == uri {
			return &mcp.ReadResourceResult{}, nil
		}
	}
	return nil, errors.New("unknown resource " + uri)
}

func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Prompts, nil
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PromptGets = append(c.PromptGets, name)
	for _, prompt := range c.Prompts {
		if prompt.Name == name {
			return &mcp.GetPromptResult{}, nil
		}
	}
	return nil, errors.New("unknown prompt " + name)
}

func (c *Client) Ping(ctx context.Context) error { return nil }
func (c *Client) IsHealthy() bool                { return true }
