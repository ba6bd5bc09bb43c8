package graph

import (
	"testing"
)

func TestStateManager_MergeStrategies(t *testing.T) {
	schema := map[string]MergeStrategy{
		"scalar": MergeOverwrite,
		"list":   MergeAppend,
		"text":   MergeAppend,
		"nested": MergeDeep,
		"pinned": MergeKeep,
	}

	m := NewStateManager(schema, State{
		"scalar": 1,
		"list":   []any{"a"},
		"text":   "foo",
		"nested": map[string]any{"x": 1, "inner": map[string]any{"a": 1}},
		"pinned": "original",
	})

	err := m.Update(State{
		"scalar": 2,
		"list":   []any{"b", "c"},
		"text":   "bar",
		"nested": map[string]any{"y": 2, "inner": map[string]any{"b": 2}},
		"pinned": "replacement",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	state := m.StateCopy()

	if state["scalar"] != 2 {
		t.Errorf("overwrite: got %v", state["scalar"])
	}

	list := state["list"].([]any)
	if len(list) != 3 || list[0] != "a" || list[2] != "c" {
		t.Errorf("append list: got %v", list)
	}

	if state["text"] != "foobar" {
		t.Errorf("append string: got %v", state["text"])
	}

	nested := state["nested"].(map[string]any)
	if nested["x"] != 1 || nested["y"] != 2 {
		t.Errorf("deep merge top level: got %v", nested)
	}
	inner := nested["inner"].(map[string]any)
	if inner["a"] != 1 || inner["b"] != 2 {
		t.Errorf("deep merge inner: got %v", inner)
	}

	if state["pinned"] != "original" {
		t.Errorf("keep: got %v", state["pinned"])
	}
}

func TestStateManager_RejectsUnknownFields(t *testing.T) {
	m := NewStateManager(map[string]MergeStrategy{"known": MergeOverwrite}, nil)

	err := m.Update(State{"unknown": 1})
	if err == nil {
		t.Fatal("expected rejection of unknown field")
	}

	// The failed update must not partially apply.
	if _, ok := m.Get("unknown"); ok {
		t.Error("unknown field leaked into state")
	}
}

func TestStateManager_NilSchemaAcceptsAnyField(t *testing.T) {
	m := NewStateManager(nil, nil)
	if err := m.Update(State{"anything": "goes"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if v, _ := m.Get("anything"); v != "goes" {
		t.Errorf("got %v", v)
	}
}

func TestStateManager_ReadViewIsolation(t *testing.T) {
	m := NewStateManager(nil, State{"list": []any{"a"}})

	view := m.StateCopy()
	view["list"].([]any)[0] = "mutated"
	view["new"] = true

	state := m.StateCopy()
	if state["list"].([]any)[0] != "a" {
		t.Error("mutating a read view changed the canonical state")
	}
	if _, ok := state["new"]; ok {
		t.Error("adding to a read view changed the canonical state")
	}
}

func TestStateManager_SnapshotsAndRollback(t *testing.T) {
	m := NewStateManager(nil, State{"v": 1})

	m.SaveSnapshot("first", 1)
	_ = m.Update(State{"v": 2})
	m.SaveSnapshot("second", 2)
	_ = m.Update(State{"v": 3})

	if len(m.History()) != 2 {
		t.Fatalf("history length = %d", len(m.History()))
	}

	if !m.Rollback(1) {
		t.Fatal("rollback failed")
	}
	if v, _ := m.Get("v"); v != 2 {
		t.Errorf("after rollback v = %v, want 2", v)
	}

	snapID := m.History()[0].ID
	if !m.RollbackTo(snapID) {
		t.Fatal("rollback to snapshot failed")
	}
	if v, _ := m.Get("v"); v != 1 {
		t.Errorf("after rollback-to v = %v, want 1", v)
	}
}
