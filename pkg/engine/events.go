// Package engine contains the streaming tool-calling execution core: the
// stream worker that turns a chunked model exchange into ordered events, the
// chat session that owns conversation state, and the orchestration loop that
// drives a turn on the mutation goroutine.
package engine

import (
	"github.com/calunsford/sidenote/pkg/model"
	"github.com/calunsford/sidenote/pkg/tool"
)

// EventKind tags a StreamEvent variant.
type EventKind string

const (
	// EventContentDelta carries a reply-text fragment.
	EventContentDelta EventKind = "content_delta"
	// EventReasoningDelta carries a thinking-text fragment.
	EventReasoningDelta EventKind = "reasoning_delta"
	// EventToolCallDelta carries a partial tool-call record.
	EventToolCallDelta EventKind = "tool_call_delta"
	// EventFinish terminates a round normally.
	EventFinish EventKind = "finish"
	// EventError terminates a round with a classified failure.
	EventError EventKind = "error"
	// EventCancelled terminates a round after cooperative cancellation.
	EventCancelled EventKind = "cancelled"
	// EventToolResult is an async tool result posted back onto the round's
	// channel, matched to its invocation by ID.
	EventToolResult EventKind = "tool_result"
)

// StreamEvent is one entry on a round's event channel. Events are produced
// by the stream worker (and async tool helpers) and consumed only by the
// orchestration loop, in emission order.
type StreamEvent struct {
	Kind EventKind

	// Text is set for content and reasoning deltas.
	Text string

	// ToolDelta is set for tool-call deltas.
	ToolDelta *model.ToolCallDelta

	// FinishReason is set for finish events.
	FinishReason string

	// Usage is set on the finish event when the service reports it.
	Usage *model.Usage

	// Err is set for error events.
	Err error

	// Result is set for tool-result events.
	Result *tool.Result
}

// terminal reports whether the event ends the worker's emission sequence.
// Tool results are not terminal; they arrive after the worker is done.
func (e StreamEvent) terminal() bool {
	switch e.Kind {
	case EventFinish, EventError, EventCancelled:
		return true
	}
	return false
}
