package graph

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a streaming event.
type EventType string

const (
	EventNodeStarted       EventType = "node_started"
	EventNodeCompleted     EventType = "node_completed"
	EventNodeFailed        EventType = "node_failed"
	EventStateUpdated      EventType = "state_updated"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// Event is one element of a streamed execution.
type Event struct {
	Type      EventType `json:"type"`
	Node      string    `json:"node,omitempty"`
	Partial   State     `json:"partial,omitempty"`
	State     State     `json:"state,omitempty"`
	Err       string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream executes the graph and emits events as it progresses. The
// channel is finite: it closes after the terminal workflow event. A
// stream is restartable only from a checkpoint (see Resume).
func (c *CompiledGraph) Stream(ctx context.Context, initial State) <-chan Event {
	events := make(chan Event)

	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)
		r := c.newRun(uuid.New().String(), initial, emit)
		r.enqueue(c.entry, false)
		_, _ = c.execute(ctx, r)
	}()

	return events
}
