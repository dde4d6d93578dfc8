package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"localrouter/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunks(deltas ...string) []api.ChunkEvent {
	var out []api.ChunkEvent
	for _, d := range deltas {
		out = append(out, api.ChunkEvent{Delta: d})
	}
	out = append(out, api.ChunkEvent{
		FinishReason: "stop",
		Usage:        &api.TokenUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	})
	return out
}

func TestChatStream_EmitsAllDeltas(t *testing.T) {
	f := setup(t)
	f.provider.chunks = chunks("Hel", "lo", " world.")
	p := New()

	var emitted []string
	var finish string
	rec, err := p.ChatStream(context.Background(), auth(), chatReq(), func(event api.ChunkEvent) error {
		if event.Delta != "" {
			emitted = append(emitted, event.Delta)
		}
		if event.FinishReason != "" {
			finish = event.FinishReason
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo", " world."}, emitted)
	assert.Equal(t, "stop", finish)
	require.NotNil(t, rec)
	assert.Equal(t, 5, rec.PromptTokens)
	assert.Equal(t, 3, rec.CompletionTokens)
	require.Len(t, f.tracker.records, 1)
}

func TestChatStream_ConcatEqualsBufferedEquivalent(t *testing.T) {
	// Property: concatenating streamed deltas equals the buffered
	// content for the same upstream.
	f := setup(t)
	content := "The quick brown fox jumps over the lazy dog."
	f.provider.chunks = chunks("The quick ", "brown fox ", "jumps over ", "the lazy dog.")
	f.provider.resp = &api.CompletionResponse{Content: content, FinishReason: "stop",
		Usage: api.TokenUsage{PromptTokens: 5, CompletionTokens: 9, TotalTokens: 14}}
	p := New()

	var streamed strings.Builder
	_, err := p.ChatStream(context.Background(), auth(), chatReq(), func(event api.ChunkEvent) error {
		streamed.WriteString(event.Delta)
		return nil
	})
	require.NoError(t, err)

	buffered, _, err := p.Chat(context.Background(), auth(), chatReq())
	require.NoError(t, err)
	assert.Equal(t, buffered.Content, streamed.String())
}

func TestChatStream_ClientDisconnectRecordsPartial(t *testing.T) {
	f := setup(t)
	f.provider.chunks = chunks("part one. ", "part two. ", "part three.")
	p := New()

	emitCount := 0
	_, err := p.ChatStream(context.Background(), auth(), chatReq(), func(event api.ChunkEvent) error {
		emitCount++
		if emitCount >= 2 {
			return errors.New("client gone")
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, f.tracker.records, 1)
	rec := f.tracker.records[0]
	assert.Equal(t, FinishReasonClientDisconnect, rec.FinishReason)
	// Whatever tokens were emitted before the disconnect are counted.
	assert.Greater(t, rec.CompletionTokens, 0)
}

func TestChatStream_MidStreamSafetyBlockAborts(t *testing.T) {
	f := setup(t)
	// Sentence boundary in the first chunk triggers an output scan.
	f.provider.chunks = chunks("bad sentence. ", "never delivered")
	f.safety.outputErr = api.NewError(api.ErrKindContentFilter, "blocked")
	p := New()

	var emitted []string
	_, err := p.ChatStream(context.Background(), auth(), chatReq(), func(event api.ChunkEvent) error {
		emitted = append(emitted, event.Delta)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, api.ErrKindContentFilter, api.KindOf(err))

	// The stream stopped before the second chunk.
	assert.Equal(t, []string{"bad sentence. "}, emitted)

	// The errored-but-token-consuming response is recorded.
	require.Len(t, f.tracker.records, 1)
	assert.Equal(t, "content_filter", f.tracker.records[0].FinishReason)
}

func TestChatStream_UpstreamErrorMidStream(t *testing.T) {
	f := setup(t)
	f.provider.chunks = []api.ChunkEvent{
		{Delta: "partial"},
		{Err: api.NewError(api.ErrKindProvider, "upstream reset")},
	}
	p := New()

	_, err := p.ChatStream(context.Background(), auth(), chatReq(), func(event api.ChunkEvent) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, api.ErrKindProvider, api.KindOf(err))
	require.Len(t, f.tracker.records, 1)
}

func TestChatStream_MissingUsageIsEstimated(t *testing.T) {
	f := setup(t)
	f.provider.chunks = []api.ChunkEvent{
		{Delta: "some emitted text"},
		{FinishReason: "stop"},
	}
	p := New()

	rec, err := p.ChatStream(context.Background(), auth(), chatReq(), func(event api.ChunkEvent) error {
		return nil
	})
	require.NoError(t, err)
	assert.Greater(t, rec.CompletionTokens, 0)
}

func TestScanBuffer_Breakpoints(t *testing.T) {
	var b scanBuffer

	b.add("no boundary yet")
	assert.False(t, b.due() && b.tokensSince >= safetyScanTokenInterval, "short boundary-free text is not due by tokens")

	b.add(" and now a sentence.")
	assert.True(t, b.due())

	text := b.take()
	assert.Contains(t, text, "no boundary yet and now a sentence.")
	assert.False(t, b.due())

	// Token interval triggers without any boundary.
	b.add(strings.Repeat("a", safetyScanTokenInterval*4))
	assert.True(t, b.due())
}
