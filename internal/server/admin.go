package server

import (
	"encoding/json"
	"net/http"

	"localrouter/internal/api"
	"localrouter/internal/apikeys"

	"github.com/go-chi/chi/v5"
)

// Admin endpoints manage API keys, MCP clients, and safety approvals.
// They are served on the same loopback listener; the desktop shell is
// the only intended caller.

type createKeyRequest struct {
	Name       string                     `json:"name"`
	Selection  api.ModelSelection         `json:"selection"`
	RateLimits *apikeys.RateLimitOverride `json:"rate_limits,omitempty"`
}

type createKeyResponse struct {
	Key    apikeys.Record `json:"key"`
	Secret string         `json:"secret"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.WrapError(api.ErrKindInvalidParams, err, "malformed request body"))
		return
	}
	if req.Name == "" {
		writeError(w, api.NewError(api.ErrKindInvalidParams, "name must not be empty"))
		return
	}

	if err := validateSelection(req.Selection); err != nil {
		writeError(w, err)
		return
	}

	record, secret, err := s.keyStore.Create(req.Name, req.Selection, req.RateLimits)
	if err != nil {
		writeError(w, err)
		return
	}
	// The plaintext secret is returned exactly once, at creation.
	writeJSON(w, createKeyResponse{Key: *record, Secret: secret})
}

// validateSelection enforces the key invariants: a direct selection
// must resolve to a catalog model and an enabled provider; a router
// reference must resolve to a loaded router.
func validateSelection(sel api.ModelSelection) error {
	switch {
	case sel.Direct != nil:
		if provider := api.GetProvider(); provider != nil && !provider.HasProvider(sel.Direct.Provider) {
			return api.NewError(api.ErrKindInvalidParams, "no enabled provider %q", sel.Direct.Provider)
		}
		if catalog := api.GetCatalog(); catalog != nil {
			if _, ok := catalog.Lookup(sel.Direct.Model); !ok {
				return api.NewError(api.ErrKindInvalidParams, "model %q is not in the catalog", sel.Direct.Model)
			}
		}
	case sel.Router != nil:
		if router := api.GetRouter(); router != nil && !router.HasRouter(sel.Router.Name) {
			return api.NewError(api.ErrKindInvalidParams, "no router named %q", sel.Router.Name)
		}
	default:
		return api.NewError(api.ErrKindInvalidParams, "model selection must name a direct model or a router")
	}
	return nil
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"data": s.keyStore.List()})
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Name      *string             `json:"name,omitempty"`
		Enabled   *bool               `json:"enabled,omitempty"`
		Selection *api.ModelSelection `json:"selection,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.WrapError(api.ErrKindInvalidParams, err, "malformed request body"))
		return
	}

	record, err := s.keyStore.Update(id, func(rec *apikeys.Record) {
		if req.Name != nil {
			rec.Name = *req.Name
		}
		if req.Enabled != nil {
			rec.Enabled = *req.Enabled
		}
		if req.Selection != nil {
			rec.Selection = *req.Selection
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, record)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keyStore.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.WrapError(api.ErrKindInvalidParams, err, "malformed request body"))
		return
	}

	client, secret, err := s.keyStore.CreateClient(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"client": client, "secret": secret})
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := s.keyStore.DeleteClient(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := map[string]string{}
	if handler := api.GetProvider(); handler != nil {
		for id, err := range handler.Health(r.Context()) {
			if err != nil {
				providers[id] = err.Error()
			} else {
				providers[id] = "ok"
			}
		}
	}

	backends := map[string]string{}
	if s.backendStates != nil {
		backends = s.backendStates()
	}
	writeJSON(w, map[string]interface{}{
		"providers":    providers,
		"mcp_backends": backends,
	})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApprovalID string `json:"approval_id"`
		Approved   bool   `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.WrapError(api.ErrKindInvalidParams, err, "malformed request body"))
		return
	}
	if s.approvals == nil {
		writeError(w, api.NewError(api.ErrKindInternal, "approval gate unavailable"))
		return
	}
	if !s.approvals.Resolve(req.ApprovalID, req.Approved) {
		writeError(w, api.NewError(api.ErrKindNotFound, "no pending approval %s", req.ApprovalID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
