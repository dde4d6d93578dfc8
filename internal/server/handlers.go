package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"localrouter/internal/api"

	"github.com/google/uuid"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.WrapError(api.ErrKindInvalidParams, err, "malformed request body"))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, api.NewError(api.ErrKindInvalidParams, "messages must not be empty"))
		return
	}

	authCtx := authFromContext(r.Context())
	if req.Stream {
		s.streamChat(w, r, authCtx, req.toCompletionRequest())
		return
	}

	resp, rec, err := s.pipeline.Chat(r.Context(), authCtx, req.toCompletionRequest())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, newChatCompletionResponse(rec.ID, resp))
}

// streamChat drives the SSE response: chat.completion.chunk frames
// terminated by data: [DONE].
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, authCtx *api.AuthContext, req api.CompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, api.NewError(api.ErrKindInternal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	wroteRole := false

	emit := func(event api.ChunkEvent) error {
		chunk := chatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []chatChunkChoice{{Delta: chatChunkDelta{Content: event.Delta}}},
			Usage:   event.Usage,
		}
		if !wroteRole {
			chunk.Choices[0].Delta.Role = "assistant"
			wroteRole = true
		}
		if event.FinishReason != "" {
			reason := event.FinishReason
			chunk.Choices[0].FinishReason = &reason
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_, err := s.pipeline.ChatStream(r.Context(), authCtx, req, emit)
	if err != nil {
		// Mid-stream failures surface as a terminal error event; the
		// HTTP status is already committed.
		payload, _ := json.Marshal(api.NewErrorResponse(err))
		fmt.Fprintf(w, "data: %s\n\n", payload)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req legacyCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.WrapError(api.ErrKindInvalidParams, err, "malformed request body"))
		return
	}
	if req.Prompt == "" {
		writeError(w, api.NewError(api.ErrKindInvalidParams, "prompt must not be empty"))
		return
	}

	// The legacy surface maps onto the chat pipeline with a single user
	// message.
	chatReq := api.CompletionRequest{
		Model:       req.Model,
		Messages:    []api.ChatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}

	authCtx := authFromContext(r.Context())
	if req.Stream {
		s.streamChat(w, r, authCtx, chatReq)
		return
	}

	resp, rec, err := s.pipeline.Chat(r.Context(), authCtx, chatReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, chatCompletionResponse{
		ID:      rec.ID,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatCompletionChoice{{Text: resp.Content, FinishReason: resp.FinishReason}},
		Usage:   resp.Usage,
	})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.WrapError(api.ErrKindInvalidParams, err, "malformed request body"))
		return
	}
	if len(req.Input) == 0 {
		writeError(w, api.NewError(api.ErrKindInvalidParams, "input must not be empty"))
		return
	}

	resp, err := s.pipeline.Embeddings(r.Context(), authFromContext(r.Context()), api.EmbeddingsRequest{
		Model: req.Model,
		Input: req.Input,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	out := embeddingsResponse{Object: "list", Model: resp.Model, Usage: resp.Usage}
	for i, vector := range resp.Embeddings {
		out.Data = append(out.Data, embeddingItem{Object: "embedding", Index: i, Embedding: vector})
	}
	writeJSON(w, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	provider := api.GetProvider()
	if provider == nil {
		writeError(w, api.NewError(api.ErrKindInternal, "provider registry unavailable"))
		return
	}

	out := modelList{Object: "list"}
	for _, info := range provider.ListModels(r.Context()) {
		out.Data = append(out.Data, modelItem{
			ID:      info.ID,
			Object:  "model",
			Created: info.Created,
			OwnedBy: info.Provider,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleGeneration(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, api.NewError(api.ErrKindInvalidParams, "missing id parameter"))
		return
	}

	tracker := api.GetTracker()
	if tracker == nil {
		writeError(w, api.NewError(api.ErrKindInternal, "tracker unavailable"))
		return
	}
	rec, ok := tracker.Get(id)
	if !ok {
		writeError(w, api.NewError(api.ErrKindNotFound, "no generation %s", id))
		return
	}
	writeJSON(w, GenerationDetailsResponse{Data: *rec})
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	tracker := api.GetTracker()
	if tracker == nil {
		writeError(w, api.NewError(api.ErrKindInternal, "tracker unavailable"))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			writeError(w, api.NewError(api.ErrKindInvalidParams, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	writeJSON(w, map[string]interface{}{"data": tracker.List(limit)})
}

func parsePositiveInt(raw string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive")
	}
	return n, nil
}
