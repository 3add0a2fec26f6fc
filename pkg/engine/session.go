package engine

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/calunsford/sidenote/pkg/errors"
	"github.com/calunsford/sidenote/pkg/logging"
	"github.com/calunsford/sidenote/pkg/model"
)

// Session holds conversation state across turns. It is owned by the
// mutation goroutine: every method must be called from it. Worker and
// helper goroutines never touch a Session; they communicate with the loop
// through channels only.
type Session struct {
	ID string

	messages   []model.Message
	contextIdx int // index of the replaceable context message, -1 until set

	busy bool

	log *logging.Logger
}

// NewSession creates an empty session, optionally seeded with a system
// prompt. Logger may be nil.
func NewSession(systemPrompt string, log *logging.Logger) *Session {
	s := &Session{
		ID:         ulid.Make().String(),
		contextIdx: -1,
		log:        log,
	}
	if systemPrompt != "" {
		s.messages = append(s.messages, model.Message{
			Role:    "system",
			Content: systemPrompt,
		})
	}
	return s
}

// Acquire sets the busy flag. A second turn while one is mid-flight is
// rejected, not queued.
func (s *Session) Acquire() error {
	if s.busy {
		return errors.New(errors.ErrCodeTurnBusy, "a turn is already in flight").
			WithContext("session", s.ID)
	}
	s.busy = true
	return nil
}

// Release clears the busy flag.
func (s *Session) Release() {
	s.busy = false
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	return s.busy
}

// Append adds a message to the history. Messages are immutable once
// appended; only the context message is ever replaced.
func (s *Session) Append(msg model.Message) {
	s.messages = append(s.messages, msg)
	s.log.Debug(logging.CategorySession, "message_appended", "message appended", map[string]any{
		"session":    s.ID,
		"role":       msg.Role,
		"tool_calls": len(msg.ToolCalls),
	})
}

// SetContextMessage replaces the session's single context message, or
// inserts it after the system prompt on first use. Replacing instead of
// appending keeps document context from duplicating across turns while the
// conversational history still grows monotonically.
func (s *Session) SetContextMessage(content string) {
	msg := model.Message{Role: "system", Content: content}
	if s.contextIdx >= 0 {
		s.messages[s.contextIdx] = msg
		return
	}
	idx := 0
	if len(s.messages) > 0 && s.messages[0].Role == "system" {
		idx = 1
	}
	s.messages = append(s.messages[:idx], append([]model.Message{msg}, s.messages[idx:]...)...)
	s.contextIdx = idx
}

// Messages returns a snapshot of the history safe to hand to a worker.
func (s *Session) Messages() []model.Message {
	snapshot := make([]model.Message, len(s.messages))
	copy(snapshot, s.messages)
	return snapshot
}

// Len returns the number of messages, context message included.
func (s *Session) Len() int {
	return len(s.messages)
}

// Truncate drops messages appended at or after index n. Used to discard a
// lazy-probe reply before retrying the round with tools advertised.
func (s *Session) Truncate(n int) {
	if n < 0 || n >= len(s.messages) {
		return
	}
	s.messages = s.messages[:n]
}

// LastAssistantText returns the content of the most recent assistant
// message, or empty.
func (s *Session) LastAssistantText() string {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == "assistant" {
			return s.messages[i].Content
		}
	}
	return ""
}

// HasToolMessages reports whether any tool results are in the history.
func (s *Session) HasToolMessages() bool {
	for _, msg := range s.messages {
		if msg.Role == "tool" {
			return true
		}
	}
	return false
}

// NewTurnID mints a turn identifier.
func NewTurnID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}
