// Package server exposes the OpenAI-compatible HTTP surface on
// loopback: inference endpoints under /v1, admin endpoints for the
// desktop shell, the MCP gateway mount, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"localrouter/internal/apikeys"
	"localrouter/internal/events"
	"localrouter/internal/pipeline"
	"localrouter/internal/safety"
	"localrouter/pkg/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP front of the service.
type Server struct {
	host       string
	port       int
	pipeline   *pipeline.Pipeline
	keyStore   *apikeys.Store
	approvals  *safety.ApprovalGate
	mcpHandler http.Handler
	// backendStates reports MCP backend lifecycle states for the
	// health endpoint.
	backendStates func() map[string]string

	httpServer *http.Server
}

// Options configures the server.
type Options struct {
	Host      string
	Port      int
	KeyStore  *apikeys.Store
	Approvals *safety.ApprovalGate
	// MCPHandler serves POST /mcp; nil disables the gateway mount.
	MCPHandler http.Handler
	// BackendStates reports MCP backend lifecycle states.
	BackendStates func() map[string]string
}

// New creates the server. It does not start listening.
func New(opts Options) *Server {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 3625
	}
	return &Server{
		host:          opts.Host,
		port:          opts.Port,
		pipeline:      pipeline.New(),
		keyStore:      opts.KeyStore,
		approvals:     opts.Approvals,
		mcpHandler:    opts.MCPHandler,
		backendStates: opts.BackendStates,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Post("/chat/completions", s.handleChatCompletions)
			r.Post("/completions", s.handleCompletions)
			r.Post("/embeddings", s.handleEmbeddings)
		})
		r.Get("/models", s.handleModels)
		r.Get("/generation", s.handleGeneration)
		r.Get("/generations", s.handleGenerations)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/keys", s.handleCreateKey)
		r.Get("/keys", s.handleListKeys)
		r.Patch("/keys/{id}", s.handleUpdateKey)
		r.Delete("/keys/{id}", s.handleDeleteKey)
		r.Post("/clients", s.handleCreateClient)
		r.Delete("/clients/{id}", s.handleDeleteClient)
		r.Post("/approvals", s.handleResolveApproval)
		r.Get("/health", s.handleHealth)
	})

	if s.mcpHandler != nil {
		r.Handle("/mcp", s.mcpHandler)
		r.Handle("/mcp/*", s.mcpHandler)
	}

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start begins serving. It returns once the listener is bound; the
// serve loop runs until Stop or ctx cancellation.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info("Server", "Listening on http://%s", addr)
		events.Publish(events.EventServerStarted, map[string]interface{}{
			"host": s.host,
			"port": s.port,
		})
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Error("Server", err, "HTTP server terminated")
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Server", "Graceful shutdown failed: %v", err)
	}
	events.Publish(events.EventServerStopped, nil)
}
