package engine

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/calunsford/sidenote/pkg/errors"
	"github.com/calunsford/sidenote/pkg/logging"
	"github.com/calunsford/sidenote/pkg/model"
	"github.com/calunsford/sidenote/pkg/telemetry"
)

// StreamWorker performs one blocking chunked exchange with the model service
// and translates it into ordered StreamEvents. It runs entirely off the
// mutation goroutine and never touches session or document state.
type StreamWorker struct {
	provider model.Provider
	modelID  string
	log      *logging.Logger
	hub      *telemetry.Hub
}

// NewStreamWorker creates a worker bound to a provider and model ID.
// Logger and hub may be nil.
func NewStreamWorker(provider model.Provider, modelID string, log *logging.Logger, hub *telemetry.Hub) *StreamWorker {
	return &StreamWorker{provider: provider, modelID: modelID, log: log, hub: hub}
}

// Run opens one streamed exchange and emits events onto out in arrival
// order. It emits exactly one terminal event (finish, error, or cancelled)
// and emits nothing after it. Run never closes out: async tool helpers post
// results onto the same channel after the worker is done.
//
// The cancelled flag is checked between chunks, not mid-read, because the
// transport may block.
func (w *StreamWorker) Run(ctx context.Context, messages []model.Message, tools []map[string]any, out chan<- StreamEvent, cancelled *atomic.Bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := model.ChatRequest{
		Model:    w.modelID,
		Messages: messages,
		Tools:    tools,
	}
	if len(tools) > 0 {
		req.ToolChoice = "auto"
	}

	w.hub.Publish(telemetry.Event{
		Type:      telemetry.EventStreamStarted,
		Timestamp: time.Now(),
		Data:      map[string]any{"messages": len(messages), "tools": len(tools)},
	})
	w.log.Debug(logging.CategoryStream, "stream_started", "stream opened", map[string]any{
		"model":    w.modelID,
		"messages": len(messages),
		"tools":    len(tools),
	})

	chunks, errs := w.provider.ChatCompletionStream(ctx, req)

	finishReason := ""
	var usage *model.Usage
	events := 0

	for chunk := range chunks {
		if cancelled.Load() {
			out <- StreamEvent{Kind: EventCancelled}
			w.logEnd("cancelled", events)
			return
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				out <- StreamEvent{Kind: EventContentDelta, Text: choice.Delta.Content}
				events++
			}
			if choice.Delta.Reasoning != "" {
				out <- StreamEvent{Kind: EventReasoningDelta, Text: choice.Delta.Reasoning}
				events++
			}
			for i := range choice.Delta.ToolCalls {
				delta := choice.Delta.ToolCalls[i]
				out <- StreamEvent{Kind: EventToolCallDelta, ToolDelta: &delta}
				events++
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
		}
	}

	if err := <-errs; err != nil {
		if stderrors.Is(err, context.Canceled) || cancelled.Load() {
			out <- StreamEvent{Kind: EventCancelled}
			w.logEnd("cancelled", events)
			return
		}
		classified := classifyStreamError(err)
		out <- StreamEvent{Kind: EventError, Err: classified}
		w.log.Error(logging.CategoryStream, "stream_failed", "stream ended with error", map[string]any{
			"error": classified.Error(),
			"code":  string(errors.GetCode(classified)),
		})
		return
	}

	if cancelled.Load() {
		out <- StreamEvent{Kind: EventCancelled}
		w.logEnd("cancelled", events)
		return
	}

	if finishReason == "" {
		finishReason = model.FinishStop
	}
	out <- StreamEvent{Kind: EventFinish, FinishReason: finishReason, Usage: usage}
	w.logEnd(finishReason, events)
}

func (w *StreamWorker) logEnd(reason string, events int) {
	w.hub.Publish(telemetry.Event{
		Type:      telemetry.EventStreamEnded,
		Timestamp: time.Now(),
		Data:      map[string]any{"reason": reason, "events": events},
	})
	w.log.Debug(logging.CategoryStream, "stream_ended", "stream closed", map[string]any{
		"reason": reason,
		"events": events,
	})
}

// classifyStreamError maps a transport-level failure to the engine's error
// taxonomy: upstream 4xx/5xx, malformed wire payload, or plain transport.
func classifyStreamError(err error) *errors.Error {
	var apiErr *model.APIError
	if stderrors.As(err, &apiErr) {
		code := errors.ErrCodeUpstreamServer
		if apiErr.IsClientFault() {
			code = errors.ErrCodeUpstreamClient
		}
		return errors.Wrap(err, code, "model service rejected the exchange").
			WithContext("status", apiErr.StatusCode).
			WithRetryable(apiErr.Retryable)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) {
		return errors.Wrap(err, errors.ErrCodeProtocol, "malformed stream payload")
	}

	return errors.Wrap(err, errors.ErrCodeTransport, "stream transport failed").
		WithRetryable(true)
}
