package pipeline

import (
	"context"
	"strings"
	"time"

	"localrouter/internal/api"
	"localrouter/pkg/logging"
)

// safetyScanTokenInterval forces a mid-stream safety check after this
// many emitted tokens even when no sentence boundary appears.
const safetyScanTokenInterval = 512

// sentenceBoundaries are the natural breakpoints for mid-stream safety
// scanning.
const sentenceBoundaries = ".!?\n"

// StreamEmitter receives normalized chunk events for re-encoding to the
// client wire format. Emit returning an error means the client is gone;
// the pipeline then cancels upstream.
type StreamEmitter func(event api.ChunkEvent) error

// scanBuffer accumulates streamed text and decides when a safety
// breakpoint is due.
type scanBuffer struct {
	pending     strings.Builder
	full        strings.Builder
	tokensSince int
}

func (b *scanBuffer) add(delta string) {
	b.pending.WriteString(delta)
	b.full.WriteString(delta)
	b.tokensSince += len(delta) / 4
}

// due reports whether a breakpoint has been reached: a sentence
// boundary in the pending text, or the token interval elapsed.
func (b *scanBuffer) due() bool {
	if b.pending.Len() == 0 {
		return false
	}
	if b.tokensSince >= safetyScanTokenInterval {
		return true
	}
	return strings.ContainsAny(b.pending.String(), sentenceBoundaries)
}

func (b *scanBuffer) take() string {
	b.pending.Reset()
	b.tokensSince = 0
	return b.full.String()
}

// ChatStream executes a streaming chat completion. Emitted deltas are
// re-encoded by the caller; mid-stream safety checks run at natural
// breakpoints and abort the stream on a blocking verdict. A client
// disconnect cancels the upstream call and still commits a generation
// record for the tokens already emitted.
func (p *Pipeline) ChatStream(ctx context.Context, auth *api.AuthContext, req api.CompletionRequest, emit StreamEmitter) (*api.GenerationRecord, error) {
	decision, release, err := p.prepare(ctx, auth, req.Messages)
	if err != nil {
		return nil, err
	}
	defer release()

	inputDecision, err := checkSafety(ctx, api.ScanInput, conversationText(req.Messages))
	if err != nil {
		return nil, err
	}

	provider := api.GetProvider()
	if provider == nil {
		return nil, api.NewError(api.ErrKindInternal, "provider registry unavailable")
	}

	// A dedicated cancel context lets the pipeline abort the upstream
	// when the client disconnects or a safety verdict blocks.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req.Model = decision.Model
	req.Stream = true
	started := time.Now()
	ch, err := provider.StreamComplete(streamCtx, decision.Provider, req)
	if err != nil {
		return nil, err
	}

	var (
		buffer       scanBuffer
		usage        *api.TokenUsage
		finishReason string
		ttfb         time.Duration
		streamErr    error
	)

loop:
	for event := range ch {
		if event.Err != nil {
			streamErr = event.Err
			break
		}
		if ttfb == 0 && event.Delta != "" {
			ttfb = time.Since(started)
		}
		if event.Usage != nil {
			usage = event.Usage
		}
		if event.FinishReason != "" {
			finishReason = event.FinishReason
		}

		if event.Delta != "" {
			buffer.add(event.Delta)
		}
		if err := emit(event); err != nil {
			// Client went away: cancel upstream, record what was
			// emitted.
			logging.Debug("Dispatch", "Client disconnected mid-stream, cancelling upstream")
			cancel()
			finishReason = FinishReasonClientDisconnect
			break loop
		}

		if buffer.due() {
			if err := p.midStreamScan(ctx, &buffer); err != nil {
				cancel()
				streamErr = err
				break loop
			}
		}
	}

	// Drain so the provider goroutine can exit after cancellation.
	for range ch {
	}

	// Final scan over any remaining unscanned text, unless the stream
	// already failed.
	if streamErr == nil && finishReason != FinishReasonClientDisconnect && buffer.pending.Len() > 0 {
		if err := p.midStreamScan(ctx, &buffer); err != nil {
			streamErr = err
		}
	}

	if isCancellation(ctx.Err()) && finishReason == "" {
		finishReason = FinishReasonClientDisconnect
	}
	if finishReason == "" && streamErr == nil {
		finishReason = "stop"
	}

	content := buffer.full.String()
	effectiveUsage := api.TokenUsage{}
	if usage != nil {
		effectiveUsage = *usage
	} else {
		effectiveUsage = estimateUsage(req.Messages, content)
	}

	rec := p.buildRecord(auth, decision, effectiveUsage, time.Since(started), ttfb, finishReason, inputDecision)
	if streamErr != nil {
		rec.FinishReason = string(api.KindOf(streamErr))
		record(rec)
		return nil, streamErr
	}
	record(rec)
	return &rec, nil
}

// midStreamScan runs the output-direction safety check over everything
// emitted so far. A blocking verdict surfaces as a content_filter error
// that terminates the stream.
func (p *Pipeline) midStreamScan(ctx context.Context, buffer *scanBuffer) error {
	_, err := checkSafety(ctx, api.ScanOutput, buffer.take())
	return err
}
