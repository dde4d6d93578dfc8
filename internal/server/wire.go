package server

import (
	"time"

	"localrouter/internal/api"
)

// OpenAI-compatible wire types for the /v1 surface.

type chatCompletionRequest struct {
	Model          string              `json:"model"`
	Messages       []api.ChatMessage   `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    *float64            `json:"temperature,omitempty"`
	TopP           *float64            `json:"top_p,omitempty"`
	Stop           stopSequences       `json:"stop,omitempty"`
	Stream         bool                `json:"stream,omitempty"`
	ResponseFormat *api.ResponseFormat `json:"response_format,omitempty"`
	Logprobs       bool                `json:"logprobs,omitempty"`
	TopLogprobs    int                 `json:"top_logprobs,omitempty"`
	User           string              `json:"user,omitempty"`
}

func (r chatCompletionRequest) toCompletionRequest() api.CompletionRequest {
	return api.CompletionRequest{
		Model:          r.Model,
		Messages:       r.Messages,
		MaxTokens:      r.MaxTokens,
		Temperature:    r.Temperature,
		TopP:           r.TopP,
		Stop:           r.Stop,
		Stream:         r.Stream,
		ResponseFormat: r.ResponseFormat,
		Logprobs:       r.Logprobs,
		TopLogprobs:    r.TopLogprobs,
		User:           r.User,
	}
}

type legacyCompletionRequest struct {
	Model       string        `json:"model"`
	Prompt      string        `json:"prompt"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stop        stopSequences `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type embeddingsRequest struct {
	Model string       `json:"model"`
	Input inputStrings `json:"input"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   api.TokenUsage         `json:"usage"`
}

type chatCompletionChoice struct {
	Index        int              `json:"index"`
	Message      *api.ChatMessage `json:"message,omitempty"`
	Text         string           `json:"text,omitempty"`
	Logprobs     interface{}      `json:"logprobs,omitempty"`
	FinishReason string           `json:"finish_reason"`
}

func newChatCompletionResponse(id string, resp *api.CompletionResponse) chatCompletionResponse {
	return chatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatCompletionChoice{{
			Message:      &api.ChatMessage{Role: "assistant", Content: resp.Content},
			Logprobs:     resp.Logprobs,
			FinishReason: resp.FinishReason,
		}},
		Usage: resp.Usage,
	}
}

// chatCompletionChunk is one SSE frame of a streaming response.
type chatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
	Usage   *api.TokenUsage   `json:"usage,omitempty"`
}

type chatChunkChoice struct {
	Index        int            `json:"index"`
	Delta        chatChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chatChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type embeddingsResponse struct {
	Object string          `json:"object"`
	Data   []embeddingItem `json:"data"`
	Model  string          `json:"model"`
	Usage  api.TokenUsage  `json:"usage"`
}

type embeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelItem `json:"data"`
}

type modelItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by"`
}

// GenerationDetailsResponse is the body of GET /v1/generation.
type GenerationDetailsResponse struct {
	Data api.GenerationRecord `json:"data"`
}
