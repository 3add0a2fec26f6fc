// Package dispatch provides the cross-cutting request queue: a FIFO of work
// items submitted from any goroutine that must execute on the mutation
// goroutine.
//
// The queue has no scheduling opportunity of its own. It is drained from the
// safe re-entry points the host offers, primarily the orchestration loop's
// poll tick. Items submitted while no turn is active may wait an unbounded
// time; that is a documented host limitation, not a queue defect.
package dispatch

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/calunsford/sidenote/pkg/logging"
	"github.com/calunsford/sidenote/pkg/telemetry"
)

// Item is one unit of work for the mutation goroutine. Run delivers its own
// result (typically over a caller-owned channel); the queue only guarantees
// eventual execution.
type Item struct {
	ID       string
	Label    string
	Enqueued time.Time
	Run      func()
}

// Queue is a FIFO drained one item at a time on the mutation goroutine.
type Queue struct {
	mu    sync.Mutex
	items []Item

	log *logging.Logger
	hub *telemetry.Hub
}

// NewQueue creates an empty queue. Logger and hub may be nil.
func NewQueue(log *logging.Logger, hub *telemetry.Hub) *Queue {
	return &Queue{log: log, hub: hub}
}

// Enqueue appends a work item. Safe to call from any goroutine.
// Returns the item's ID (assigned if empty).
func (q *Queue) Enqueue(label string, run func()) string {
	item := Item{
		ID:       ulid.Make().String(),
		Label:    label,
		Enqueued: time.Now(),
		Run:      run,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	telemetry.SetDispatchDepth(depth)
	q.hub.Publish(telemetry.Event{
		Type:      telemetry.EventWorkEnqueued,
		Timestamp: time.Now(),
		Data:      map[string]any{"work_id": item.ID, "label": label, "depth": depth},
	})
	q.log.Debug(logging.CategoryDispatch, "work_enqueued", "work item enqueued",
		map[string]any{"work_id": item.ID, "label": label, "depth": depth})

	return item.ID
}

// DrainOne executes at most one pending item and reports whether it did.
// Must only be called from the mutation goroutine.
func (q *Queue) DrainOne() bool {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	item := q.items[0]
	q.items = q.items[1:]
	depth := len(q.items)
	q.mu.Unlock()

	telemetry.SetDispatchDepth(depth)

	start := time.Now()
	item.Run()

	q.hub.Publish(telemetry.Event{
		Type:      telemetry.EventWorkExecuted,
		Timestamp: time.Now(),
		Data:      map[string]any{"work_id": item.ID, "label": item.Label},
	})
	q.log.Debug(logging.CategoryDispatch, "work_executed", "work item executed", map[string]any{
		"work_id":   item.ID,
		"label":     item.Label,
		"waited_ms": start.Sub(item.Enqueued).Milliseconds(),
		"took_ms":   time.Since(start).Milliseconds(),
	})
	return true
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
