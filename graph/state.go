// Package graph implements the state-graph workflow engine: a builder and
// validator for directed graphs of state-transforming nodes, a compiled
// runtime with merge semantics, conditional routing, parallel fan-out,
// loop budgets and streaming, and pluggable checkpoint persistence.
package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the workflow state: a mapping of named fields.
type State map[string]any

// MergeStrategy declares how a field's new value combines with its old
// value.
type MergeStrategy string

const (
	// MergeOverwrite replaces the existing value (the default).
	MergeOverwrite MergeStrategy = "overwrite"

	// MergeAppend concatenates lists and strings.
	MergeAppend MergeStrategy = "append"

	// MergeDeep deep-merges maps.
	MergeDeep MergeStrategy = "merge"

	// MergeKeep retains the existing value, ignoring the new one.
	MergeKeep MergeStrategy = "keep"
)

// Snapshot is an immutable copy of the state at a point in time.
type Snapshot struct {
	ID        string    `json:"snapshot_id"`
	State     State     `json:"state"`
	NodeName  string    `json:"node_name,omitempty"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// StateManager owns the canonical state. Every update goes through the
// per-field merge strategies; parallel branches read cloned views and
// merge back through Update, which serialises under the manager's lock.
type StateManager struct {
	mu         sync.Mutex
	state      State
	schema     map[string]MergeStrategy
	history    []Snapshot
	maxHistory int
}

// NewStateManager creates a manager seeded with the initial state. When
// schema is non-nil it is total: updates to fields outside it are
// rejected.
func NewStateManager(schema map[string]MergeStrategy, initial State) *StateManager {
	m := &StateManager{
		schema:     schema,
		state:      make(State),
		maxHistory: 100,
	}
	for k, v := range initial {
		m.state[k] = deepCopy(v)
	}
	return m
}

// Get returns a copy of one field's value.
func (m *StateManager) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state[key]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// StateCopy returns a deep copy of the full state, the read-view handed
// to nodes.
func (m *StateManager) StateCopy() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyState(m.state)
}

// Update merges a partial state into the canonical state, applying each
// field's declared strategy. With a schema declared, unknown fields fail
// the whole update and nothing is applied.
func (m *StateManager) Update(partial State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.schema != nil {
		for key := range partial {
			if _, ok := m.schema[key]; !ok {
				return fmt.Errorf("graph: field %q not in state schema", key)
			}
		}
	}

	for key, value := range partial {
		strategy := MergeOverwrite
		if m.schema != nil {
			strategy = m.schema[key]
			if strategy == "" {
				strategy = MergeOverwrite
			}
		}
		m.state[key] = applyStrategy(m.state[key], value, strategy)
	}
	return nil
}

// SaveSnapshot records the current state in the history.
func (m *StateManager) SaveSnapshot(nodeName string, step int) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		ID:        uuid.New().String(),
		State:     copyState(m.state),
		NodeName:  nodeName,
		Step:      step,
		Timestamp: time.Now().UTC(),
	}
	m.history = append(m.history, snap)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	return snap
}

// History returns the snapshot history.
func (m *StateManager) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Rollback restores the state from steps snapshots back, discarding later
// snapshots. It reports whether a rollback happened.
func (m *StateManager) Rollback(steps int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if steps <= 0 || steps > len(m.history) {
		return false
	}
	target := len(m.history) - steps
	m.state = copyState(m.history[target].State)
	m.history = m.history[:target+1]
	return true
}

// RollbackTo restores the state from the named snapshot.
func (m *StateManager) RollbackTo(snapshotID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, snap := range m.history {
		if snap.ID == snapshotID {
			m.state = copyState(snap.State)
			m.history = m.history[:i+1]
			return true
		}
	}
	return false
}

// Replace swaps the canonical state wholesale, used when resuming from a
// checkpoint.
func (m *StateManager) Replace(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = copyState(state)
}

// applyStrategy combines old and new values under a merge strategy.
func applyStrategy(existing, incoming any, strategy MergeStrategy) any {
	switch strategy {
	case MergeKeep:
		if existing != nil {
			return existing
		}
		return deepCopy(incoming)

	case MergeAppend:
		if existing == nil {
			return deepCopy(incoming)
		}
		if oldList, ok := existing.([]any); ok {
			if newList, ok := incoming.([]any); ok {
				merged := make([]any, 0, len(oldList)+len(newList))
				merged = append(merged, oldList...)
				for _, v := range newList {
					merged = append(merged, deepCopy(v))
				}
				return merged
			}
		}
		if oldStr, ok := existing.(string); ok {
			if newStr, ok := incoming.(string); ok {
				return oldStr + newStr
			}
		}
		// Incompatible types fall back to overwrite.
		return deepCopy(incoming)

	case MergeDeep:
		if existing == nil {
			return deepCopy(incoming)
		}
		oldMap, okOld := existing.(map[string]any)
		newMap, okNew := incoming.(map[string]any)
		if okOld && okNew {
			return deepMerge(oldMap, newMap)
		}
		return deepCopy(incoming)

	default: // MergeOverwrite
		return deepCopy(incoming)
	}
}

func deepMerge(base, updates map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(updates))
	for k, v := range base {
		result[k] = deepCopy(v)
	}
	for k, v := range updates {
		if existing, ok := result[k].(map[string]any); ok {
			if incoming, ok := v.(map[string]any); ok {
				result[k] = deepMerge(existing, incoming)
				continue
			}
		}
		result[k] = deepCopy(v)
	}
	return result
}

func copyState(s State) State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
