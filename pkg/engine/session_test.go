package engine

import (
	"testing"

	"github.com/calunsford/sidenote/pkg/errors"
	"github.com/calunsford/sidenote/pkg/model"
)

func TestSessionBusyFlag(t *testing.T) {
	s := NewSession("", nil)

	if err := s.Acquire(); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if !s.Busy() {
		t.Error("Busy() = false after Acquire")
	}

	err := s.Acquire()
	if err == nil {
		t.Fatal("second Acquire succeeded while busy")
	}
	if !errors.IsCode(err, errors.ErrCodeTurnBusy) {
		t.Errorf("error code = %v, want TURN_BUSY", errors.GetCode(err))
	}

	s.Release()
	if err := s.Acquire(); err != nil {
		t.Errorf("Acquire after Release failed: %v", err)
	}
}

func TestContextMessageReplacedNotAppended(t *testing.T) {
	s := NewSession("You are a document assistant.", nil)

	s.SetContextMessage("doc state v1")
	s.Append(model.Message{Role: "user", Content: "hi"})
	s.Append(model.Message{Role: "assistant", Content: "hello"})
	lenAfterTurn1 := s.Len()

	s.SetContextMessage("doc state v2")
	if s.Len() != lenAfterTurn1 {
		t.Errorf("length grew from %d to %d on context replacement", lenAfterTurn1, s.Len())
	}

	msgs := s.Messages()
	if msgs[0].Content != "You are a document assistant." {
		t.Errorf("system prompt displaced: %q", msgs[0].Content)
	}
	if msgs[1].Content != "doc state v2" {
		t.Errorf("context message = %q, want doc state v2", msgs[1].Content)
	}

	count := 0
	for _, msg := range msgs {
		if msg.Content == "doc state v1" || msg.Content == "doc state v2" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("found %d context messages, want exactly 1", count)
	}
}

func TestContextMessageWithoutSystemPrompt(t *testing.T) {
	s := NewSession("", nil)

	s.SetContextMessage("doc state")
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestMessagesReturnsSnapshot(t *testing.T) {
	s := NewSession("", nil)
	s.Append(model.Message{Role: "user", Content: "one"})

	snapshot := s.Messages()
	s.Append(model.Message{Role: "user", Content: "two"})

	if len(snapshot) != 1 {
		t.Errorf("snapshot length changed to %d", len(snapshot))
	}
}

func TestTruncate(t *testing.T) {
	s := NewSession("", nil)
	s.Append(model.Message{Role: "user", Content: "kept"})
	s.Append(model.Message{Role: "assistant", Content: "dropped"})

	s.Truncate(1)
	if s.Len() != 1 {
		t.Errorf("length = %d after truncate, want 1", s.Len())
	}

	s.Truncate(5) // out of range, no-op
	if s.Len() != 1 {
		t.Errorf("out-of-range truncate changed length to %d", s.Len())
	}
}

func TestHasToolMessages(t *testing.T) {
	s := NewSession("", nil)
	if s.HasToolMessages() {
		t.Error("empty session reports tool messages")
	}
	s.Append(model.Message{Role: "tool", Content: "{}", ToolCallID: "call_1"})
	if !s.HasToolMessages() {
		t.Error("session with tool message reports none")
	}
}
