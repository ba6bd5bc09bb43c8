package graph

import (
	"context"
	"time"
)

// NodeFunc executes a node: it receives a read-view of the state and
// returns a partial state to merge.
type NodeFunc func(ctx context.Context, state State) (State, error)

// NodeConfig carries per-node execution policy.
type NodeConfig struct {
	// Retries is the number of additional attempts after a failure.
	Retries int

	// Timeout bounds a single attempt (0 = no limit).
	Timeout time.Duration

	// ContinueOnError demotes exhausted-retry failure to skipped instead
	// of failing the workflow.
	ContinueOnError bool

	// Metadata is free-form node annotation.
	Metadata map[string]any
}

// NodeStatus is a node's execution status within one run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Node is a named execution unit in the graph.
type Node struct {
	Name   string
	Fn     NodeFunc
	Config NodeConfig
}

// NodeResult records one node execution.
type NodeResult struct {
	Node     string        `json:"node"`
	Status   NodeStatus    `json:"status"`
	Updates  State         `json:"updates,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}
