package graph

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestStream_EventSequence(t *testing.T) {
	g := New("stream", nil)
	g.AddNode("a", func(ctx context.Context, state State) (State, error) {
		return State{"a": true}, nil
	}, NodeConfig{})
	g.AddNode("b", func(ctx context.Context, state State) (State, error) {
		return State{"b": true}, nil
	}, NodeConfig{})
	g.AddEdge("a", "b")
	g.SetEntryPoint("a")
	g.SetExitPoint("b")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	events := collectEvents(t, compiled.Stream(context.Background(), State{}))

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}

	want := []EventType{
		EventNodeStarted, EventNodeCompleted, EventStateUpdated,
		EventNodeStarted, EventNodeCompleted, EventStateUpdated,
		EventWorkflowCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i, w := range want {
		if types[i] != w {
			t.Errorf("event[%d] = %s, want %s", i, types[i], w)
		}
	}

	// NodeCompleted carries the partial state, not the merged whole.
	if events[1].Partial["a"] != true {
		t.Errorf("node_completed partial = %v", events[1].Partial)
	}
	final := events[len(events)-1]
	if final.State["a"] != true || final.State["b"] != true {
		t.Errorf("workflow_completed state = %v", final.State)
	}
}

func TestStream_FailureEmitsWorkflowFailed(t *testing.T) {
	g := New("streamfail", nil)
	g.AddNode("broken", func(ctx context.Context, state State) (State, error) {
		return nil, errors.New("boom")
	}, NodeConfig{})
	g.SetEntryPoint("broken")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	events := collectEvents(t, compiled.Stream(context.Background(), State{}))
	if len(events) == 0 {
		t.Fatal("no events")
	}

	last := events[len(events)-1]
	if last.Type != EventWorkflowFailed {
		t.Errorf("last event = %s, want workflow_failed", last.Type)
	}

	var sawNodeFailed bool
	for _, ev := range events {
		if ev.Type == EventNodeFailed && ev.Node == "broken" {
			sawNodeFailed = true
		}
	}
	if !sawNodeFailed {
		t.Error("missing node_failed event")
	}
}
