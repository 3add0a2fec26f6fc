package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calunsford/sidenote/pkg/errors"
	"github.com/calunsford/sidenote/pkg/model"
)

// fakeProvider replays scripted chunk sequences, one script per round, and
// records every request it serves.
type fakeProvider struct {
	mu      sync.Mutex
	scripts [][]model.StreamChunk
	errs    []error // optional per-round terminal error
	delay   time.Duration
	calls   []model.ChatRequest
}

func (p *fakeProvider) ChatCompletion(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error) {
	return nil, errors.New(errors.ErrCodeInternal, "not used in streaming tests")
}

func (p *fakeProvider) ChatCompletionStream(ctx context.Context, req model.ChatRequest) (<-chan model.StreamChunk, <-chan error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	round := len(p.calls) - 1
	var script []model.StreamChunk
	if round < len(p.scripts) {
		script = p.scripts[round]
	}
	var roundErr error
	if round < len(p.errs) {
		roundErr = p.errs[round]
	}
	delay := p.delay
	p.mu.Unlock()

	chunks := make(chan model.StreamChunk, 10)
	errCh := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errCh)
		for _, chunk := range script {
			if delay > 0 {
				time.Sleep(delay)
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if roundErr != nil {
			errCh <- roundErr
		}
	}()
	return chunks, errCh
}

func (p *fakeProvider) requests() []model.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.ChatRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

func textChunk(text string) model.StreamChunk {
	return model.StreamChunk{Choices: []model.StreamChoice{{
		Delta: model.MessageDelta{Content: text},
	}}}
}

func reasoningChunk(text string) model.StreamChunk {
	return model.StreamChunk{Choices: []model.StreamChoice{{
		Delta: model.MessageDelta{Reasoning: text},
	}}}
}

func toolChunk(index int, id, name, argsFragment string) model.StreamChunk {
	delta := model.ToolCallDelta{Index: index, ID: id}
	if name != "" || argsFragment != "" {
		delta.Function = &model.FunctionCallDelta{Name: name, Arguments: argsFragment}
	}
	return model.StreamChunk{Choices: []model.StreamChoice{{
		Delta: model.MessageDelta{ToolCalls: []model.ToolCallDelta{delta}},
	}}}
}

func finishChunk(reason string) model.StreamChunk {
	return model.StreamChunk{Choices: []model.StreamChoice{{
		FinishReason: &reason,
	}}}
}

func collectEvents(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var got []StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.terminal() {
				return got
			}
		case <-deadline:
			t.Fatalf("no terminal event after %d events", len(got))
		}
	}
}

func TestWorkerEmitsEventsInOrder(t *testing.T) {
	provider := &fakeProvider{scripts: [][]model.StreamChunk{{
		reasoningChunk("thinking"),
		textChunk("Hello"),
		textChunk(" world"),
		finishChunk(model.FinishStop),
	}}}

	events := make(chan StreamEvent, 16)
	worker := NewStreamWorker(provider, "test-model", nil, nil)
	go worker.Run(context.Background(), nil, nil, events, &atomic.Bool{})

	got := collectEvents(t, events)
	wantKinds := []EventKind{EventReasoningDelta, EventContentDelta, EventContentDelta, EventFinish}
	if len(got) != len(wantKinds) {
		t.Fatalf("got %d events, want %d", len(got), len(wantKinds))
	}
	for i, kind := range wantKinds {
		if got[i].Kind != kind {
			t.Errorf("event[%d].Kind = %s, want %s", i, got[i].Kind, kind)
		}
	}
	if got[3].FinishReason != model.FinishStop {
		t.Errorf("finish reason = %q, want stop", got[3].FinishReason)
	}
}

func TestWorkerExactlyOneTerminalEvent(t *testing.T) {
	provider := &fakeProvider{scripts: [][]model.StreamChunk{{
		textChunk("hi"),
		finishChunk(model.FinishStop),
	}}}

	events := make(chan StreamEvent, 16)
	worker := NewStreamWorker(provider, "test-model", nil, nil)

	done := make(chan struct{})
	go func() {
		worker.Run(context.Background(), nil, nil, events, &atomic.Bool{})
		close(done)
	}()
	<-done

	terminals := 0
	for len(events) > 0 {
		if ev := <-events; ev.terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("worker emitted %d terminal events, want exactly 1", terminals)
	}
}

func TestWorkerClassifiesUpstreamError(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		wantCode errors.ErrorCode
	}{
		{"client fault", 400, errors.ErrCodeUpstreamClient},
		{"rate limited", 429, errors.ErrCodeUpstreamClient},
		{"server fault", 503, errors.ErrCodeUpstreamServer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &fakeProvider{
				scripts: [][]model.StreamChunk{nil},
				errs:    []error{&model.APIError{StatusCode: tc.status, Message: "nope"}},
			}
			events := make(chan StreamEvent, 4)
			worker := NewStreamWorker(provider, "test-model", nil, nil)
			go worker.Run(context.Background(), nil, nil, events, &atomic.Bool{})

			got := collectEvents(t, events)
			last := got[len(got)-1]
			if last.Kind != EventError {
				t.Fatalf("terminal = %s, want error", last.Kind)
			}
			if !errors.IsCode(last.Err, tc.wantCode) {
				t.Errorf("code = %v, want %v", errors.GetCode(last.Err), tc.wantCode)
			}
		})
	}
}

func TestWorkerCancelledBetweenChunks(t *testing.T) {
	script := make([]model.StreamChunk, 0, 51)
	for i := 0; i < 50; i++ {
		script = append(script, textChunk("x"))
	}
	script = append(script, finishChunk(model.FinishStop))
	provider := &fakeProvider{scripts: [][]model.StreamChunk{script}, delay: 5 * time.Millisecond}

	events := make(chan StreamEvent, 64)
	cancelled := &atomic.Bool{}
	worker := NewStreamWorker(provider, "test-model", nil, nil)
	go worker.Run(context.Background(), nil, nil, events, cancelled)

	// Let a few chunks through, then signal.
	time.Sleep(20 * time.Millisecond)
	cancelled.Store(true)

	got := collectEvents(t, events)
	last := got[len(got)-1]
	if last.Kind != EventCancelled {
		t.Fatalf("terminal = %s, want cancelled", last.Kind)
	}
	if len(got) > 50 {
		t.Errorf("worker emitted %d events after cancellation was available", len(got))
	}
}

func TestWorkerTreatsContextCancelAsCancelled(t *testing.T) {
	script := make([]model.StreamChunk, 0, 100)
	for i := 0; i < 100; i++ {
		script = append(script, textChunk("y"))
	}
	provider := &fakeProvider{scripts: [][]model.StreamChunk{script}, delay: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan StreamEvent, 128)
	worker := NewStreamWorker(provider, "test-model", nil, nil)
	go worker.Run(ctx, nil, nil, events, &atomic.Bool{})

	time.Sleep(20 * time.Millisecond)
	cancel()

	got := collectEvents(t, events)
	if got[len(got)-1].Kind != EventCancelled {
		t.Errorf("terminal = %s, want cancelled", got[len(got)-1].Kind)
	}
}

func TestWorkerDefaultsMissingFinishReason(t *testing.T) {
	provider := &fakeProvider{scripts: [][]model.StreamChunk{{
		textChunk("done"),
	}}}

	events := make(chan StreamEvent, 8)
	worker := NewStreamWorker(provider, "test-model", nil, nil)
	go worker.Run(context.Background(), nil, nil, events, &atomic.Bool{})

	got := collectEvents(t, events)
	last := got[len(got)-1]
	if last.Kind != EventFinish || last.FinishReason != model.FinishStop {
		t.Errorf("terminal = %s/%s, want finish/stop", last.Kind, last.FinishReason)
	}
}
