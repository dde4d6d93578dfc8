package aggregator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"localrouter/internal/api"
	"localrouter/internal/mcpserver"
	"localrouter/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"
)

// ClientSecretVerifier resolves a bearer client secret to a client ID.
// The apikeys store provides this at bootstrap.
type ClientSecretVerifier func(secret string) (string, bool)

// Gateway is the MCP server facade over the backend manager. Tools,
// resources, and prompts from Ready backends are exposed under
// namespaced names; non-Ready backends advertise a synthetic
// initialize tool instead.
type Gateway struct {
	manager  *mcpserver.Manager
	tracker  *NameTracker
	sessions *SessionRegistry
	verifier ClientSecretVerifier

	mcpServer  *mcpsrv.MCPServer
	httpServer *mcpsrv.StreamableHTTPServer

	mu         sync.Mutex
	registered map[string]*registeredItems
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// registeredItems tracks the exposed names one backend contributed, so
// a refresh can remove them before re-adding.
type registeredItems struct {
	tools     []string
	prompts   []string
	resources []string
}

// NewGateway creates the gateway over a backend manager.
func NewGateway(manager *mcpserver.Manager, verifier ClientSecretVerifier) *Gateway {
	g := &Gateway{
		manager:    manager,
		tracker:    NewNameTracker(),
		sessions:   NewSessionRegistry(DefaultSessionTimeout),
		verifier:   verifier,
		registered: make(map[string]*registeredItems),
		stopCh:     make(chan struct{}),
	}

	g.mcpServer = mcpsrv.NewMCPServer(
		"localrouter-gateway",
		"1.0.0",
		mcpsrv.WithToolCapabilities(true),
		mcpsrv.WithResourceCapabilities(true, true),
		mcpsrv.WithPromptCapabilities(true),
	)
	g.httpServer = mcpsrv.NewStreamableHTTPServer(g.mcpServer)

	g.refreshCapabilities()
	go g.sessionJanitor()
	return g
}

// Handler returns the HTTP handler for the /mcp mount: bearer
// client-secret auth wrapped around the streamable-http MCP server.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		secret, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			http.Error(w, `{"error":{"type":"unauthorized","message":"missing client secret"}}`, http.StatusUnauthorized)
			return
		}
		clientID, ok := g.verifier(secret)
		if !ok {
			http.Error(w, `{"error":{"type":"unauthorized","message":"invalid client secret"}}`, http.StatusUnauthorized)
			return
		}
		g.sessions.GetOrCreate(clientID).Touch()
		g.httpServer.ServeHTTP(w, r)
	})
}

// Stop terminates background work.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *Gateway) sessionJanitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if expired := g.sessions.ExpireIdle(time.Now()); expired > 0 {
				logging.Debug("Aggregator", "Expired %d idle sessions", expired)
			}
		}
	}
}

// refreshCapabilities rebuilds the exposed tool, resource, and prompt
// sets from current backend states: real namespaced items for Ready
// backends, a synthetic initialize tool for everything else. Listing
// never forces a backend to initialize.
func (g *Gateway) refreshCapabilities() {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Remove everything previously registered, then re-add.
	for backendID, items := range g.registered {
		if len(items.tools) > 0 {
			g.mcpServer.DeleteTools(items.tools...)
		}
		if len(items.prompts) > 0 {
			g.mcpServer.DeletePrompts(items.prompts...)
		}
		// Resources have no batch removal in the MCP server API.
		for _, uri := range items.resources {
			g.mcpServer.RemoveResource(uri)
		}
		g.tracker.ReleaseBackend(backendID)
	}
	g.registered = make(map[string]*registeredItems)

	for _, backend := range g.manager.List() {
		backendID := backend.ID

		if backend.State() != api.BackendReady {
			exposed := NamespacedName(backendID, InitializeToolSuffix)
			if err := g.tracker.Claim(backendID, exposed); err != nil {
				continue
			}
			g.mcpServer.AddTools(mcpsrv.ServerTool{
				Tool: mcp.Tool{
					Name:        exposed,
					Description: "Start the " + backendID + " backend and load its tools",
					InputSchema: mcp.ToolInputSchema{Type: "object"},
				},
				Handler: g.makeInitializeHandler(backendID),
			})
			g.registered[backendID] = &registeredItems{tools: []string{exposed}}
			continue
		}

		items := &registeredItems{}
		g.registerBackendTools(backend, items)
		g.registerBackendResources(backend, items)
		g.registerBackendPrompts(backend, items)
		if len(items.tools)+len(items.prompts)+len(items.resources) > 0 {
			g.registered[backendID] = items
		}
	}
}

func (g *Gateway) registerBackendTools(backend *mcpserver.Backend, items *registeredItems) {
	listed, err := backend.Client().ListTools(context.Background())
	if err != nil {
		logging.Warn("Aggregator", "Listing tools for ready backend %s failed: %v", backend.ID, err)
		return
	}

	var tools []mcpsrv.ServerTool
	for _, tool := range listed {
		exposed := NamespacedName(backend.ID, tool.Name)
		if err := g.tracker.Claim(backend.ID, exposed); err != nil {
			logging.Error("Aggregator", err, "Tool name collision, skipping %s", exposed)
			continue
		}
		namespaced := tool
		namespaced.Name = exposed
		tools = append(tools, mcpsrv.ServerTool{
			Tool:    namespaced,
			Handler: g.makeCallHandler(backend.ID, tool.Name),
		})
		items.tools = append(items.tools, exposed)
	}
	if len(tools) > 0 {
		g.mcpServer.AddTools(tools...)
	}
}

func (g *Gateway) registerBackendResources(backend *mcpserver.Backend, items *registeredItems) {
	listed, err := backend.Client().ListResources(context.Background())
	if err != nil {
		logging.Warn("Aggregator", "Listing resources for ready backend %s failed: %v", backend.ID, err)
		return
	}

	var resources []mcpsrv.ServerResource
	for _, resource := range listed {
		exposed := NamespacedName(backend.ID, resource.URI)
		if err := g.tracker.Claim(backend.ID, exposed); err != nil {
			logging.Error("Aggregator", err, "Resource name collision, skipping %s", exposed)
			continue
		}
		namespaced := resource
		namespaced.URI = exposed
		if namespaced.Name != "" {
			namespaced.Name = NamespacedName(backend.ID, namespaced.Name)
		}
		resources = append(resources, mcpsrv.ServerResource{
			Resource: namespaced,
			Handler:  g.makeResourceHandler(exposed),
		})
		items.resources = append(items.resources, exposed)
	}
	if len(resources) > 0 {
		g.mcpServer.AddResources(resources...)
	}
}

func (g *Gateway) registerBackendPrompts(backend *mcpserver.Backend, items *registeredItems) {
	listed, err := backend.Client().ListPrompts(context.Background())
	if err != nil {
		logging.Warn("Aggregator", "Listing prompts for ready backend %s failed: %v", backend.ID, err)
		return
	}

	var prompts []mcpsrv.ServerPrompt
	for _, prompt := range listed {
		exposed := NamespacedName(backend.ID, prompt.Name)
		if err := g.tracker.Claim(backend.ID, exposed); err != nil {
			logging.Error("Aggregator", err, "Prompt name collision, skipping %s", exposed)
			continue
		}
		namespaced := prompt
		namespaced.Name = exposed
		prompts = append(prompts, mcpsrv.ServerPrompt{
			Prompt:  namespaced,
			Handler: g.makePromptHandler(exposed),
		})
		items.prompts = append(items.prompts, exposed)
	}
	if len(prompts) > 0 {
		g.mcpServer.AddPrompts(prompts...)
	}
}

// makeResourceHandler builds the wire handler for one namespaced
// resource, routing through ReadResource.
func (g *Gateway) makeResourceHandler(exposed string) func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := g.ReadResource(ctx, exposed)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		return result.Contents, nil
	}
}

// makePromptHandler builds the wire handler for one namespaced prompt,
// routing through GetPrompt.
func (g *Gateway) makePromptHandler(exposed string) func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]interface{}, len(request.Params.Arguments))
		for k, v := range request.Params.Arguments {
			args[k] = v
		}
		return g.GetPrompt(ctx, exposed, args)
	}
}

// makeCallHandler builds the proxy handler for one backend tool: strip
// the namespace, ensure the backend is Ready (lazy initialization on
// substantive calls), forward, and return the result verbatim.
func (g *Gateway) makeCallHandler(backendID, toolName string) mcpsrv.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g.touchSession(ctx, backendID)

		backend, err := g.manager.EnsureReady(ctx, backendID)
		if err != nil {
			return nil, wrapBackendError(backendID, err)
		}

		args, _ := request.Params.Arguments.(map[string]interface{})
		result, err := backend.Client().CallTool(ctx, toolName, args)
		if err != nil {
			// The backend ID decorates the error for diagnosability;
			// JSON-RPC error codes from the backend pass through.
			return nil, wrapBackendError(backendID, err)
		}
		return result, nil
	}
}

// makeInitializeHandler builds the handler for the synthetic
// __initialize tool.
func (g *Gateway) makeInitializeHandler(backendID string) mcpsrv.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g.touchSession(ctx, backendID)

		if _, err := g.manager.EnsureReady(ctx, backendID); err != nil {
			return nil, wrapBackendError(backendID, err)
		}
		// The backend is Ready now: swap the synthetic tool for the
		// real namespaced set.
		g.refreshCapabilities()
		return mcp.NewToolResultText("backend " + backendID + " initialized"), nil
	}
}

func (g *Gateway) touchSession(ctx context.Context, backendID string) {
	session := mcpsrv.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s := g.sessions.GetOrCreate(session.SessionID())
	s.Touch()
	s.MarkInitialized(backendID)
}

// CallTool routes a namespaced tool call, for callers that bypass the
// MCP wire (the STDIO bridge path and tests).
func (g *Gateway) CallTool(ctx context.Context, exposed string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	backendID, toolName, ok := SplitNamespacedName(exposed)
	if !ok {
		return nil, api.NewError(api.ErrKindInvalidParams, "tool name %q is not namespaced", exposed)
	}

	if toolName == InitializeToolSuffix {
		if _, err := g.manager.EnsureReady(ctx, backendID); err != nil {
			return nil, wrapBackendError(backendID, err)
		}
		g.refreshCapabilities()
		return mcp.NewToolResultText("backend " + backendID + " initialized"), nil
	}

	backend, err := g.manager.EnsureReady(ctx, backendID)
	if err != nil {
		return nil, wrapBackendError(backendID, err)
	}
	result, err := backend.Client().CallTool(ctx, toolName, args)
	if err != nil {
		return nil, wrapBackendError(backendID, err)
	}
	return result, nil
}

// ReadResource routes a namespaced resource read. Resource URIs that
// carry a scheme pass through un-namespaced to the owning backend.
func (g *Gateway) ReadResource(ctx context.Context, exposed string) (*mcp.ReadResourceResult, error) {
	backendID, uri, ok := SplitNamespacedName(exposed)
	if !ok {
		return nil, api.NewError(api.ErrKindInvalidParams, "resource %q is not namespaced", exposed)
	}
	backend, err := g.manager.EnsureReady(ctx, backendID)
	if err != nil {
		return nil, wrapBackendError(backendID, err)
	}
	result, err := backend.Client().ReadResource(ctx, uri)
	if err != nil {
		return nil, wrapBackendError(backendID, err)
	}
	return result, nil
}

// GetPrompt routes a namespaced prompt fetch.
func (g *Gateway) GetPrompt(ctx context.Context, exposed string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	backendID, name, ok := SplitNamespacedName(exposed)
	if !ok {
		return nil, api.NewError(api.ErrKindInvalidParams, "prompt %q is not namespaced", exposed)
	}
	backend, err := g.manager.EnsureReady(ctx, backendID)
	if err != nil {
		return nil, wrapBackendError(backendID, err)
	}
	result, err := backend.Client().GetPrompt(ctx, name, args)
	if err != nil {
		return nil, wrapBackendError(backendID, err)
	}
	return result, nil
}

// ListTools returns the exposed tool list: the tools of Ready backends,
// listed from each backend on every call (no cache is kept here), plus
// synthetic initialize stubs, never forcing backend startup.
func (g *Gateway) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var out []mcp.Tool
	for _, backend := range g.manager.List() {
		if backend.State() == api.BackendReady {
			listed, err := backend.Client().ListTools(ctx)
			if err != nil {
				logging.Warn("Aggregator", "Listing tools for %s failed: %v", backend.ID, err)
				continue
			}
			for _, tool := range listed {
				tool.Name = NamespacedName(backend.ID, tool.Name)
				out = append(out, tool)
			}
			continue
		}
		out = append(out, mcp.Tool{
			Name:        NamespacedName(backend.ID, InitializeToolSuffix),
			Description: "Start the " + backend.ID + " backend and load its tools",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		})
	}
	return out, nil
}

// ListResources returns the exposed resource list from Ready backends,
// never forcing backend startup.
func (g *Gateway) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	var out []mcp.Resource
	for _, backend := range g.manager.List() {
		if backend.State() != api.BackendReady {
			continue
		}
		listed, err := backend.Client().ListResources(ctx)
		if err != nil {
			logging.Warn("Aggregator", "Listing resources for %s failed: %v", backend.ID, err)
			continue
		}
		for _, resource := range listed {
			resource.URI = NamespacedName(backend.ID, resource.URI)
			if resource.Name != "" {
				resource.Name = NamespacedName(backend.ID, resource.Name)
			}
			out = append(out, resource)
		}
	}
	return out, nil
}

// ListPrompts returns the exposed prompt list from Ready backends,
// never forcing backend startup.
func (g *Gateway) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	var out []mcp.Prompt
	for _, backend := range g.manager.List() {
		if backend.State() != api.BackendReady {
			continue
		}
		listed, err := backend.Client().ListPrompts(ctx)
		if err != nil {
			logging.Warn("Aggregator", "Listing prompts for %s failed: %v", backend.ID, err)
			continue
		}
		for _, prompt := range listed {
			prompt.Name = NamespacedName(backend.ID, prompt.Name)
			out = append(out, prompt)
		}
	}
	return out, nil
}

// Sessions exposes the session registry.
func (g *Gateway) Sessions() *SessionRegistry {
	return g.sessions
}

// RefreshAfterStateChange is called when a backend transitions so the
// exposed capability set tracks reality.
func (g *Gateway) RefreshAfterStateChange() {
	g.refreshCapabilities()
}
