package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calunsford/sidenote/pkg/config"
	"github.com/calunsford/sidenote/pkg/dispatch"
	"github.com/calunsford/sidenote/pkg/doc"
	"github.com/calunsford/sidenote/pkg/errors"
	"github.com/calunsford/sidenote/pkg/logging"
	"github.com/calunsford/sidenote/pkg/model"
	"github.com/calunsford/sidenote/pkg/telemetry"
	"github.com/calunsford/sidenote/pkg/tool"
)

// ProgressSink receives turn progress callbacks so a front panel can render
// streaming text and tool activity. All callbacks run on the mutation
// goroutine.
type ProgressSink interface {
	OnRoundStart(round int)
	OnContent(text string)
	OnReasoning(text string)
	OnToolStart(invocationID, name string)
	OnToolEnd(result tool.Result)
}

type noopSink struct{}

func (noopSink) OnRoundStart(int)          {}
func (noopSink) OnContent(string)          {}
func (noopSink) OnReasoning(string)        {}
func (noopSink) OnToolStart(string, string) {}
func (noopSink) OnToolEnd(tool.Result)     {}

// Outcome summarizes one completed turn.
type Outcome struct {
	TurnID       string
	FinalText    string
	Reasoning    string
	Rounds       int
	FinishReason string
	Cancelled    bool
	RoundLimit   bool
	Usage        *model.Usage
}

// LoopOptions wires a Loop's collaborators. Hub, Logger, Queue, Host, Yield
// and Sink may be nil.
type LoopOptions struct {
	Config   *config.Config
	Provider model.Provider
	Broker   *tool.Broker
	Session  *Session
	Queue    *dispatch.Queue
	Host     doc.Host
	Hub      *telemetry.Hub
	Logger   *logging.Logger
	// Yield returns control to the host so pending UI and input events are
	// processed. Called once per poll tick.
	Yield func()
	Sink  ProgressSink
}

// Loop owns the mutation goroutine for the duration of one turn. It drains
// the worker's event channel, feeds the accumulator, dispatches completed
// tool invocations, opportunistically drains the cross-cutting queue, and
// yields to the host every tick.
type Loop struct {
	cfg      *config.Config
	provider model.Provider
	broker   *tool.Broker
	session  *Session
	queue    *dispatch.Queue
	host     doc.Host
	hub      *telemetry.Hub
	log      *logging.Logger
	yield    func()
	sink     ProgressSink

	mu        sync.Mutex
	cancelled *atomic.Bool
	cancelCtx context.CancelFunc
}

// NewLoop creates a loop. RunTurn must only be called from the mutation
// goroutine.
func NewLoop(opts LoopOptions) *Loop {
	l := &Loop{
		cfg:      opts.Config,
		provider: opts.Provider,
		broker:   opts.Broker,
		session:  opts.Session,
		queue:    opts.Queue,
		host:     opts.Host,
		hub:      opts.Hub,
		log:      opts.Logger,
		yield:    opts.Yield,
		sink:     opts.Sink,
	}
	if l.cfg == nil {
		l.cfg = config.Default()
	}
	if l.yield == nil {
		l.yield = func() {}
	}
	if l.sink == nil {
		l.sink = noopSink{}
	}
	return l
}

// Cancel requests cooperative cancellation of the in-flight turn. Safe to
// call from any goroutine; a no-op when no turn is active.
func (l *Loop) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled != nil {
		l.cancelled.Store(true)
	}
	if l.cancelCtx != nil {
		l.cancelCtx()
	}
}

// turnState carries the per-turn bookkeeping shared by the loop phases.
type turnState struct {
	events    chan StreamEvent
	cancelled *atomic.Bool
	granted   map[string]bool
	// pending maps invocation ID to tool name for async executions whose
	// results have not been posted back yet.
	pending  map[string]string
	undoOpen bool
}

// RunTurn executes one full turn: user message in, final assistant text
// out, spanning as many tool rounds as needed up to the configured bound.
// Must be called from the mutation goroutine; blocks it for the duration of
// the turn, yielding to the host every poll tick.
func (l *Loop) RunTurn(ctx context.Context, userText string) (*Outcome, error) {
	if err := l.session.Acquire(); err != nil {
		return nil, err
	}
	defer l.session.Release()

	turnID := NewTurnID()
	l.log.SetTurnID(turnID)
	defer l.log.SetTurnID("")

	ctx, cancelCtx := context.WithCancel(ctx)
	defer cancelCtx()

	t := &turnState{
		events:    make(chan StreamEvent, l.cfg.Engine.EventBuffer),
		cancelled: &atomic.Bool{},
		granted:   make(map[string]bool),
		pending:   make(map[string]string),
	}
	l.mu.Lock()
	l.cancelled = t.cancelled
	l.cancelCtx = cancelCtx
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancelled = nil
		l.cancelCtx = nil
		l.mu.Unlock()
	}()

	ctx, span := telemetry.StartSpan(ctx, "turn")
	span.SetAttributes(
		telemetry.AttrSessionID.String(l.session.ID),
		telemetry.AttrTurnID.String(turnID),
	)
	defer span.End()

	telemetry.RecordTurnStarted()
	l.publish(telemetry.EventTurnStarted, map[string]any{"turn": turnID})
	l.log.Info(logging.CategorySession, "turn_started", "turn started", map[string]any{
		"session": l.session.ID,
	})

	if l.host != nil {
		l.session.SetContextMessage(BuildContextMessage(l.host, l.cfg.Engine.ContextTokenBudget))
	}
	l.session.Append(model.Message{Role: "user", Content: userText})

	outcome := &Outcome{TurnID: turnID}

	probeAvailable := l.cfg.Engine.LazyToolProbe && !l.session.HasToolMessages()

	var turnErr error

	for round := 1; ; round++ {
		outcome.Rounds = round
		probing := probeAvailable && round == 1

		res := l.runRound(ctx, t, round, probing)
		switch res.terminal.Kind {
		case EventCancelled:
			outcome.Cancelled = true
			l.finishTurn(t, outcome, nil)
			return outcome, nil

		case EventError:
			turnErr = res.terminal.Err
			l.finishTurn(t, outcome, turnErr)
			return outcome, turnErr

		case EventFinish:
			outcome.FinishReason = res.terminal.FinishReason
			if res.terminal.Usage != nil {
				outcome.Usage = res.terminal.Usage
			}

			if res.err != nil {
				// Unparsable tool arguments leave no conversation state
				// worth continuing with; this is the one tool fault that
				// escalates to a turn failure.
				turnErr = res.err
				l.finishTurn(t, outcome, turnErr)
				return outcome, turnErr
			}
			final := res.message
			outcome.Reasoning = res.reasoning

			if probing && replyWantsTools(final, res.terminal.FinishReason) {
				// The probe guessed wrong: retry with the core set, at the
				// cost of this round. The probed reply is discarded.
				probeAvailable = false
				l.log.Info(logging.CategorySession, "probe_retry",
					"reply wanted tools, retrying round with core set", nil)
				continue
			}
			probeAvailable = false

			l.session.Append(final)

			if len(final.ToolCalls) == 0 {
				outcome.FinalText = final.Content
				l.finishTurn(t, outcome, nil)
				return outcome, nil
			}

			aborted := l.dispatchRound(ctx, t, final.ToolCalls)
			if awaitCancelled := l.awaitAsync(t, aborted); awaitCancelled || aborted {
				outcome.Cancelled = true
				l.finishTurn(t, outcome, nil)
				return outcome, nil
			}

			if round >= l.cfg.Engine.MaxRounds {
				outcome.RoundLimit = true
				outcome.FinalText = final.Content
				turnErr = errors.New(errors.ErrCodeRoundLimit, "turn reached the round limit").
					WithContext("rounds", round)
				l.finishTurn(t, outcome, turnErr)
				return outcome, turnErr
			}
		}
	}
}

// roundResult carries one round's terminal event plus the finalized
// assistant message when the round finished normally.
type roundResult struct {
	terminal  StreamEvent
	message   model.Message
	reasoning string
	err       error
}

// runRound starts one stream worker and drains its events until the
// terminal event, feeding the accumulator and the progress sink.
func (l *Loop) runRound(ctx context.Context, t *turnState, round int, probing bool) roundResult {
	ctx, span := telemetry.StartSpan(ctx, "round")
	span.SetAttributes(telemetry.AttrRound.Int(round))
	defer span.End()

	var tools []map[string]any
	if !probing {
		tools = l.advertisedTools(t.granted)
	}

	telemetry.RecordRound()
	l.publish(telemetry.EventRoundStarted, map[string]any{"round": round, "tools": len(tools)})
	l.sink.OnRoundStart(round)
	l.log.SetRound(round)

	worker := NewStreamWorker(l.provider, l.cfg.Provider.Model, l.log, l.hub)
	go worker.Run(ctx, l.session.Messages(), tools, t.events, t.cancelled)

	acc := model.AcquireStreamAccumulator()
	defer model.ReleaseStreamAccumulator(acc)
	tick := l.cfg.PollTick()

	for {
		select {
		case ev := <-t.events:
			telemetry.RecordStreamEvent()
			switch ev.Kind {
			case EventContentDelta:
				acc.AddDelta(model.MessageDelta{Content: ev.Text})
				l.sink.OnContent(ev.Text)
			case EventReasoningDelta:
				acc.AddDelta(model.MessageDelta{Reasoning: ev.Text})
				l.sink.OnReasoning(ev.Text)
			case EventToolCallDelta:
				acc.AddToolCallDelta(*ev.ToolDelta)
			case EventToolResult:
				// Late result from a cancelled round's async tool.
				l.consumeAsyncResult(t, ev.Result, true)
			default:
				l.publish(telemetry.EventRoundCompleted, map[string]any{
					"round":  round,
					"reason": string(ev.Kind),
				})
				res := roundResult{terminal: ev}
				if ev.Kind == EventFinish {
					res.message, res.err = acc.Finalize()
					res.reasoning = acc.Reasoning()
					if res.err != nil {
						span.RecordError(res.err)
					}
				}
				return res
			}
		case <-time.After(tick):
			// The poll tick is the system's only reliable periodic hook
			// into the mutation goroutine: drain one cross-cutting item,
			// then give the host a chance to redraw.
			if l.queue != nil {
				l.queue.DrainOne()
			}
			l.yield()
		}
	}
}

// dispatchRound executes the round's completed tool invocations in order.
// Sync tools run inline on the mutation goroutine; async tools run on a
// helper goroutine that posts its result back onto the event channel.
// Returns true if cancellation interrupted dispatch.
func (l *Loop) dispatchRound(ctx context.Context, t *turnState, calls []model.ToolCall) (aborted bool) {
	if !t.undoOpen && l.host != nil {
		if err := l.host.OpenUndoScope("AI Edit"); err != nil {
			l.log.Warn(logging.CategoryTool, "undo_scope", "failed to open undo scope",
				map[string]any{"error": err.Error()})
		} else {
			t.undoOpen = true
		}
	}

	for _, call := range calls {
		if t.cancelled.Load() {
			return true
		}
		l.dispatchOne(ctx, t, call)
	}
	return false
}

func (l *Loop) dispatchOne(ctx context.Context, t *turnState, call model.ToolCall) {
	name := call.Function.Name
	args := json.RawMessage(call.Function.Arguments)

	l.sink.OnToolStart(call.ID, name)
	l.publish(telemetry.EventToolStarted, map[string]any{"tool": name, "invocation": call.ID})
	l.log.Info(logging.CategoryTool, "tool_dispatched", "tool dispatched", map[string]any{
		"tool":       name,
		"invocation": call.ID,
	})

	def, err := l.broker.Resolve(name)
	if err != nil {
		l.finishToolResult(t, name, tool.NewErrorResult(call.ID, err), 0)
		return
	}

	// A request_tools call extends the next round's advertised set. The
	// handler still runs so the model gets a confirmation payload.
	if name == tool.MetaRequestTools {
		if intent, perr := tool.ParseRequestedIntent(args); perr == nil {
			t.granted[intent] = true
		}
	}

	if def.Mode == tool.ModeSync {
		start := time.Now()
		payload, herr := def.Handler(ctx, args)
		result := buildResult(call.ID, payload, herr)
		l.finishToolResult(t, name, result, time.Since(start).Seconds())
		return
	}

	t.pending[call.ID] = name
	go runAsyncTool(ctx, def, call.ID, args, l.cfg.ToolTimeout(), t.events)
}

// runAsyncTool executes an async tool off the mutation goroutine and posts
// its result onto the round's event channel. A timeout converts into an
// error result rather than leaving the loop waiting.
func runAsyncTool(ctx context.Context, def tool.Definition, invocationID string, args json.RawMessage, timeout time.Duration, events chan<- StreamEvent) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handlerOutcome struct {
		payload any
		err     error
	}
	done := make(chan handlerOutcome, 1)
	go func() {
		payload, err := def.Handler(tctx, args)
		done <- handlerOutcome{payload: payload, err: err}
	}()

	var result tool.Result
	select {
	case out := <-done:
		result = buildResult(invocationID, out.payload, out.err)
	case <-tctx.Done():
		result = tool.NewErrorResult(invocationID,
			errors.New(errors.ErrCodeToolTimeout, "tool execution timed out").
				WithContext("tool", def.Name).
				WithContext("timeout", timeout.String()))
	}
	events <- StreamEvent{Kind: EventToolResult, Result: &result}
}

// awaitAsync drains the event channel until every pending async result has
// arrived. When discard is true (or cancellation is observed while
// waiting), results are matched and dropped instead of appended. Returns
// whether cancellation was observed.
func (l *Loop) awaitAsync(t *turnState, discard bool) (cancelled bool) {
	tick := l.cfg.PollTick()
	for len(t.pending) > 0 {
		if t.cancelled.Load() {
			discard = true
			cancelled = true
		}
		select {
		case ev := <-t.events:
			if ev.Kind == EventToolResult {
				l.consumeAsyncResult(t, ev.Result, discard)
			}
		case <-time.After(tick):
			if l.queue != nil {
				l.queue.DrainOne()
			}
			l.yield()
		}
	}
	return cancelled
}

// consumeAsyncResult matches a posted result to its pending invocation by
// ID. Position carries no meaning: async results may arrive out of
// dispatch order.
func (l *Loop) consumeAsyncResult(t *turnState, result *tool.Result, discard bool) {
	name, ok := t.pending[result.InvocationID]
	if !ok {
		l.log.Warn(logging.CategoryTool, "orphan_result", "result for unknown invocation",
			map[string]any{"invocation": result.InvocationID})
		return
	}
	delete(t.pending, result.InvocationID)
	if discard {
		return
	}
	l.finishToolResult(t, name, *result, 0)
}

// finishToolResult appends the tool message and reports the outcome.
func (l *Loop) finishToolResult(t *turnState, name string, result tool.Result, seconds float64) {
	content := result.Payload
	outcome := "ok"
	eventType := telemetry.EventToolCompleted
	if result.Status == tool.StatusError {
		content = "Error: " + result.Payload
		outcome = "error"
		eventType = telemetry.EventToolFailed
	}

	l.session.Append(model.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: result.InvocationID,
		Name:       name,
	})

	telemetry.RecordToolExecution(name, outcome, seconds)
	l.publish(eventType, map[string]any{
		"tool":       name,
		"invocation": result.InvocationID,
		"outcome":    outcome,
	})
	l.log.Info(logging.CategoryTool, "tool_finished", "tool finished", map[string]any{
		"tool":       name,
		"invocation": result.InvocationID,
		"outcome":    outcome,
	})
	l.sink.OnToolEnd(result)
}

// finishTurn closes the undo scope and reports the turn outcome. Runs on
// every exit path, error and cancellation included, so partially applied
// edits stay undoable as one unit and the busy flag never leaks.
func (l *Loop) finishTurn(t *turnState, outcome *Outcome, turnErr error) {
	if t.undoOpen && l.host != nil {
		if err := l.host.CloseUndoScope(); err != nil {
			l.log.Warn(logging.CategoryTool, "undo_scope", "failed to close undo scope",
				map[string]any{"error": err.Error()})
		}
		t.undoOpen = false
	}

	switch {
	case outcome.Cancelled:
		telemetry.RecordTurnFinished("cancelled")
		l.publish(telemetry.EventTurnCancelled, map[string]any{"rounds": outcome.Rounds})
		l.log.Info(logging.CategorySession, "turn_cancelled", "turn cancelled", map[string]any{
			"rounds": outcome.Rounds,
		})
	case outcome.RoundLimit:
		telemetry.RecordTurnFinished("round_limit")
		l.publish(telemetry.EventTurnFailed, map[string]any{"rounds": outcome.Rounds, "reason": "round_limit"})
		l.log.Warn(logging.CategorySession, "round_limit", "turn reached round limit", map[string]any{
			"rounds": outcome.Rounds,
		})
	case turnErr != nil:
		telemetry.RecordTurnFinished("failed")
		l.publish(telemetry.EventTurnFailed, map[string]any{"error": turnErr.Error()})
		l.log.Error(logging.CategorySession, "turn_failed", "turn failed", map[string]any{
			"error": turnErr.Error(),
			"code":  string(errors.GetCode(turnErr)),
		})
	default:
		telemetry.RecordTurnFinished("completed")
		l.publish(telemetry.EventTurnCompleted, map[string]any{
			"rounds": outcome.Rounds,
			"reason": outcome.FinishReason,
		})
		l.log.Info(logging.CategorySession, "turn_completed", "turn completed", map[string]any{
			"rounds": outcome.Rounds,
			"reason": outcome.FinishReason,
		})
	}
}

// advertisedTools computes this round's tool list: the core set plus any
// extended tools whose intents were granted in an earlier round.
func (l *Loop) advertisedTools(granted map[string]bool) []map[string]any {
	defs := l.broker.CoreTools()
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.Name] = true
	}
	for intent := range granted {
		for _, def := range l.broker.ToolsForIntent(intent) {
			if !seen[def.Name] {
				seen[def.Name] = true
				defs = append(defs, def)
			}
		}
	}
	return tool.ToOpenAIFormat(defs)
}

func (l *Loop) publish(eventType telemetry.EventType, data map[string]any) {
	l.hub.Publish(telemetry.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: l.session.ID,
		Data:      data,
	})
}

func buildResult(invocationID string, payload any, err error) tool.Result {
	if err != nil {
		return tool.NewErrorResult(invocationID,
			errors.Wrap(err, errors.ErrCodeToolExecution, "tool handler failed"))
	}
	result, merr := tool.NewResult(invocationID, payload)
	if merr != nil {
		return tool.NewErrorResult(invocationID,
			errors.Wrap(merr, errors.ErrCodeToolExecution, "tool result not serializable"))
	}
	return result
}

// replyWantsTools decides whether a lazy-probe reply indicates the model
// wanted a tool it was not offered. A tool_calls finish without advertised
// tools is a certain signal; otherwise a small phrase heuristic is used.
func replyWantsTools(msg model.Message, finishReason string) bool {
	if finishReason == model.FinishToolCalls || len(msg.ToolCalls) > 0 {
		return true
	}
	lower := strings.ToLower(msg.Content)
	for _, marker := range probeRetryMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var probeRetryMarkers = []string{
	"i don't have access",
	"i do not have access",
	"i can't edit",
	"i cannot edit",
	"i can't modify",
	"i cannot modify",
	"no tools available",
	"unable to access the document",
}
