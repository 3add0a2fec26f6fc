package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/calunsford/sidenote/pkg/errors"
)

// streamAccumulatorPool provides memory-efficient recycling of StreamAccumulator
// instances to reduce GC pressure during streaming operations.
var streamAccumulatorPool = sync.Pool{
	New: func() any {
		return &StreamAccumulator{}
	},
}

// AcquireStreamAccumulator retrieves a StreamAccumulator from the pool.
// The accumulator is reset and ready for use.
func AcquireStreamAccumulator() *StreamAccumulator {
	a := streamAccumulatorPool.Get().(*StreamAccumulator)
	a.Reset()
	return a
}

// ReleaseStreamAccumulator returns a StreamAccumulator to the pool for reuse.
// The accumulator should not be used after this call.
func ReleaseStreamAccumulator(a *StreamAccumulator) {
	if a == nil {
		return
	}
	a.Reset()
	streamAccumulatorPool.Put(a)
}

// StreamAccumulator folds streaming deltas into a complete assistant
// message. It is a pure accumulator: no network or thread dependencies,
// so it is independently testable. Tool call deltas follow the
// OpenAI-compatible pattern where each delta carries an index naming the
// invocation it belongs to; fragments for one index may arrive
// interleaved with fragments for another.
type StreamAccumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	toolCalls []ToolCall
	usage     *Usage
	role      string
}

// NewStreamAccumulator creates a new accumulator for streaming responses.
func NewStreamAccumulator() *StreamAccumulator {
	return AcquireStreamAccumulator()
}

// Add processes a streaming chunk and accumulates its contents.
func (a *StreamAccumulator) Add(chunk StreamChunk) {
	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			a.usage = chunk.Usage
		}
		return
	}

	a.AddDelta(chunk.Choices[0].Delta)

	// Capture usage from final chunk
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
}

// AddDelta accumulates one message delta.
func (a *StreamAccumulator) AddDelta(delta MessageDelta) {
	// Role usually only arrives in the first delta
	if delta.Role != "" {
		a.role = delta.Role
	}

	if delta.Content != "" {
		a.content.WriteString(delta.Content)
	}

	// Reasoning text is kept in its own buffer so callers can render
	// "thinking" output separately from the reply
	if delta.Reasoning != "" {
		a.reasoning.WriteString(delta.Reasoning)
	}

	for _, tc := range delta.ToolCalls {
		a.AddToolCallDelta(tc)
	}
}

// AddToolCallDelta merges a tool call delta into the slot named by its
// index. The first fragment for an index establishes the ID and name;
// every fragment appends its argument text onto that index's buffer.
func (a *StreamAccumulator) AddToolCallDelta(delta ToolCallDelta) {
	// Expand the slice if needed
	for len(a.toolCalls) <= delta.Index {
		a.toolCalls = append(a.toolCalls, ToolCall{
			Type: "function",
			Function: FunctionCall{
				Arguments: "",
			},
		})
	}

	tc := &a.toolCalls[delta.Index]

	if delta.ID != "" {
		tc.ID += delta.ID
	}

	if delta.Type != "" {
		tc.Type = delta.Type
	}

	if delta.Function != nil {
		if delta.Function.Name != "" {
			tc.Function.Name += delta.Function.Name
		}
		if delta.Function.Arguments != "" {
			tc.Function.Arguments += delta.Function.Arguments
		}
	}
}

// Message returns the accumulated message without validation.
func (a *StreamAccumulator) Message() Message {
	return Message{
		Role:      a.role,
		Content:   a.content.String(),
		Reasoning: a.reasoning.String(),
		ToolCalls: a.toolCalls,
	}
}

// Finalize returns the accumulated message after validating every tool
// call buffer. A buffer whose argument string is not valid JSON is a
// protocol error, never a silent drop: there is no salvageable
// conversation state to continue with. Empty argument buffers are
// normalized to "{}" since some services omit arguments entirely for
// zero-parameter tools.
func (a *StreamAccumulator) Finalize() (Message, error) {
	msg := Message{
		Role:      a.role,
		Content:   a.content.String(),
		Reasoning: a.reasoning.String(),
	}
	if msg.Role == "" {
		msg.Role = "assistant"
	}

	for i := range a.toolCalls {
		tc := a.toolCalls[i]
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return msg, errors.New(errors.ErrCodeProtocol, "malformed tool call arguments").
				WithContext("index", i).
				WithContext("tool", tc.Function.Name)
		}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", i+1)
		}
		tc.Function.Arguments = args
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}

	return msg, nil
}

// Content returns the accumulated text content.
func (a *StreamAccumulator) Content() string {
	return a.content.String()
}

// Reasoning returns the accumulated reasoning/thinking content.
func (a *StreamAccumulator) Reasoning() string {
	return a.reasoning.String()
}

// ToolCalls returns the accumulated tool calls.
func (a *StreamAccumulator) ToolCalls() []ToolCall {
	return a.toolCalls
}

// HasToolCalls returns true if any tool calls have been accumulated.
func (a *StreamAccumulator) HasToolCalls() bool {
	return len(a.toolCalls) > 0
}

// Usage returns the usage information from the final chunk.
func (a *StreamAccumulator) Usage() *Usage {
	return a.usage
}

// Reset clears the accumulator for reuse.
func (a *StreamAccumulator) Reset() {
	a.content.Reset()
	a.reasoning.Reset()
	a.toolCalls = nil
	a.usage = nil
	a.role = ""
}
