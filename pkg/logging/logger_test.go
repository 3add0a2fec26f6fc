package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerWritesSessionEvents(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "sess-1")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	logger.SetTurnID("turn-1")
	if err := logger.Info(CategoryStream, "stream.started", "round started", map[string]any{"round": 1}); err != nil {
		t.Fatalf("Info: %v", err)
	}

	events := readEvents(t, filepath.Join(dir, "sessions", "sess-1.jsonl"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].SessionID != "sess-1" {
		t.Errorf("SessionID = %q", events[0].SessionID)
	}
	if events[0].TurnID != "turn-1" {
		t.Errorf("TurnID = %q", events[0].TurnID)
	}
	if events[0].Category != CategoryStream {
		t.Errorf("Category = %q", events[0].Category)
	}
}

func TestLoggerMirrorsErrors(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "sess-2")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	logger.Error(CategoryTool, "tool.failed", "handler exploded", nil)
	logger.Info(CategorySession, "turn.finished", "", nil)

	errs := readEvents(t, filepath.Join(dir, "errors.jsonl"))
	if len(errs) != 1 {
		t.Fatalf("errors.jsonl has %d events, want 1", len(errs))
	}
	if errs[0].EventType != "tool.failed" {
		t.Errorf("EventType = %q", errs[0].EventType)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "sess-3")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	logger.Debug(CategoryStream, "chunk", "dropped below min level", nil)
	logger.SetMinLevel(LevelDebug)
	logger.Debug(CategoryStream, "chunk", "kept", nil)

	events := readEvents(t, filepath.Join(dir, "sessions", "sess-3.jsonl"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Message != "kept" {
		t.Errorf("Message = %q", events[0].Message)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	if err := logger.Info(CategorySession, "noop", "", nil); err != nil {
		t.Errorf("nil logger Info returned %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("nil logger Close returned %v", err)
	}
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		events = append(events, ev)
	}
	return events
}
