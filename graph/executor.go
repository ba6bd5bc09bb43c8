package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentgrid-dev/agentgrid/pkg/observability"
)

// Errors surfaced by graph execution.
var (
	// ErrRouteMissing indicates a conditional router returned a key with
	// no entry in its branch map. Fatal; no state mutation follows.
	ErrRouteMissing = errors.New("graph: router result not in branch map")

	// ErrIterationBudget indicates the run exceeded its activation
	// budget.
	ErrIterationBudget = errors.New("graph: iteration budget exceeded")
)

// NodeExecutionError wraps a node failure after retry exhaustion.
type NodeExecutionError struct {
	Node string
	Err  error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("graph: node %s failed: %v", e.Node, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// Status is the user-visible outcome of a run.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
	StatusIterationExhausted Status = "iteration_exhausted"
	StatusTimeout            Status = "timeout"
	StatusInterrupted        Status = "interrupted"
)

// ExecutionResult is the final outcome of a run.
type ExecutionResult struct {
	WorkflowID string       `json:"workflow_id"`
	Status     Status       `json:"status"`
	State      State        `json:"state"`
	History    []NodeResult `json:"history"`
	Iterations int          `json:"iterations"`
	Error      string       `json:"error,omitempty"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
}

// Success reports whether the run completed.
func (r *ExecutionResult) Success() bool {
	return r.Status == StatusCompleted
}

// CompiledGraph is an executable graph produced by Graph.Compile.
type CompiledGraph struct {
	name   string
	schema map[string]MergeStrategy
	nodes  map[string]*Node
	edges  edgeSet
	entry  string
	exits  map[string]struct{}
	config ExecutionConfig
	store  Store
}

// Name returns the graph name.
func (c *CompiledGraph) Name() string { return c.name }

// run carries the mutable state of one execution.
type run struct {
	mu         sync.Mutex
	workflowID string
	sm         *StateManager
	statuses   map[string]NodeStatus
	completed  []string
	worklist   []string
	history    []NodeResult
	iterations int
	step       int
	emit       func(Event)
	reachedEnd bool
}

func (c *CompiledGraph) newRun(workflowID string, initial State, emit func(Event)) *run {
	r := &run{
		workflowID: workflowID,
		sm:         NewStateManager(c.schema, initial),
		statuses:   make(map[string]NodeStatus, len(c.nodes)),
		emit:       emit,
	}
	for name := range c.nodes {
		r.statuses[name] = NodePending
	}
	return r
}

// Invoke executes the graph to completion from the initial state.
func (c *CompiledGraph) Invoke(ctx context.Context, initial State) (*ExecutionResult, error) {
	r := c.newRun(uuid.New().String(), initial, nil)
	r.enqueue(c.entry, false)
	return c.execute(ctx, r)
}

// Resume continues a checkpointed run: the state, step counter and
// completed set are seeded from the stored checkpoint and execution picks
// up at every incomplete successor of the completed set (the entry node
// when nothing has completed).
func (c *CompiledGraph) Resume(ctx context.Context, workflowID string) (*ExecutionResult, error) {
	if c.store == nil {
		return nil, fmt.Errorf("graph: resume requires a checkpoint store")
	}
	cp, err := c.store.Load(workflowID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("graph: no checkpoint for workflow %s", workflowID)
	}

	r := c.newRun(workflowID, cp.State, nil)
	r.step = cp.Step
	done := make(map[string]struct{}, len(cp.CompletedNodes))
	for _, name := range cp.CompletedNodes {
		done[name] = struct{}{}
		r.statuses[name] = NodeSucceeded
		r.completed = append(r.completed, name)
	}

	// Seed the worklist with every incomplete successor of the completed
	// set; an untouched run restarts at the entry.
	for _, name := range cp.CompletedNodes {
		for _, e := range c.edges.outgoing(name) {
			switch e.Type {
			case EdgeFixed, EdgeParallel:
				for _, target := range e.Targets {
					if _, ok := done[target]; !ok {
						r.enqueue(target, false)
					}
				}
			case EdgeConditional:
				key, rerr := e.Router(r.sm.StateCopy())
				if rerr != nil {
					return nil, fmt.Errorf("graph: resume router on %s: %w", name, rerr)
				}
				target, ok := e.BranchMap[key]
				if !ok {
					return nil, fmt.Errorf("%w: %q from node %s", ErrRouteMissing, key, name)
				}
				if target != End {
					if _, ok := done[target]; !ok {
						r.enqueue(target, true)
					}
				}
			}
		}
	}
	if len(r.worklist) == 0 {
		if _, ok := done[c.entry]; !ok {
			r.enqueue(c.entry, false)
		}
	}

	return c.execute(ctx, r)
}

// execute drives the worklist loop to a final result.
func (c *CompiledGraph) execute(ctx context.Context, r *run) (*ExecutionResult, error) {
	result := &ExecutionResult{
		WorkflowID: r.workflowID,
		StartTime:  time.Now().UTC(),
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if c.config.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	status, err := c.loop(runCtx, r)

	result.Status = status
	result.State = r.sm.StateCopy()
	result.History = r.history
	result.Iterations = r.iterations
	result.EndTime = time.Now().UTC()
	if err != nil {
		result.Error = err.Error()
	}

	c.saveCheckpoint(r, checkpointStatus(status))

	switch status {
	case StatusCompleted:
		r.emitEvent(Event{Type: EventWorkflowCompleted, State: result.State})
	case StatusInterrupted:
		// Interrupts are resumable pauses, not failures.
	default:
		r.emitEvent(Event{Type: EventWorkflowFailed, Err: result.Error, State: result.State})
	}

	return result, err
}

func (c *CompiledGraph) loop(ctx context.Context, r *run) (Status, error) {
	for len(r.worklist) > 0 {
		select {
		case <-ctx.Done():
			return cancelStatus(ctx), ctx.Err()
		default:
		}

		name := r.shift()
		if r.status(name) != NodePending {
			continue
		}

		if r.iterations >= c.config.MaxIterations {
			return StatusIterationExhausted,
				fmt.Errorf("%w (%d)", ErrIterationBudget, c.config.MaxIterations)
		}

		if _, ok := c.config.InterruptBefore[name]; ok {
			c.saveCheckpoint(r, "running")
			return StatusInterrupted, nil
		}

		res := c.executeNode(ctx, c.nodes[name], r, r.sm.StateCopy())
		r.appendHistory(res)

		if res.Status == NodeFailed {
			if ctx.Err() != nil {
				return cancelStatus(ctx), ctx.Err()
			}
			node := c.nodes[name]
			if !node.Config.ContinueOnError {
				return StatusFailed, &NodeExecutionError{Node: name, Err: errors.New(res.Error)}
			}
			r.setStatus(name, NodeSkipped)
		} else {
			if err := c.commit(r, name, res.Updates); err != nil {
				return StatusFailed, err
			}
		}

		if _, ok := c.config.InterruptAfter[name]; ok {
			c.saveCheckpoint(r, "running")
			return StatusInterrupted, nil
		}

		if _, ok := c.exits[name]; ok && r.status(name) == NodeSucceeded {
			return StatusCompleted, nil
		}

		if status, err := c.followEdges(ctx, r, name); err != nil {
			return status, err
		}
	}

	return StatusCompleted, nil
}

// commit merges a node's partial result into the canonical state and
// records the step.
func (c *CompiledGraph) commit(r *run, name string, updates State) error {
	if err := r.sm.Update(updates); err != nil {
		return err
	}
	r.mu.Lock()
	r.statuses[name] = NodeSucceeded
	r.completed = append(r.completed, name)
	r.step++
	r.mu.Unlock()

	r.emitEvent(Event{Type: EventNodeCompleted, Node: name, Partial: updates})
	r.emitEvent(Event{Type: EventStateUpdated, Node: name, State: r.sm.StateCopy()})
	c.saveCheckpoint(r, "running")
	return nil
}

// followEdges enqueues the successors of a finished node.
func (c *CompiledGraph) followEdges(ctx context.Context, r *run, name string) (Status, error) {
	for _, e := range c.edges.outgoing(name) {
		switch e.Type {
		case EdgeFixed:
			r.enqueue(e.Targets[0], false)

		case EdgeConditional:
			key, err := e.Router(r.sm.StateCopy())
			if err != nil {
				// Router exceptions are never retried.
				return StatusFailed, fmt.Errorf("graph: router on %s: %w", name, err)
			}
			target, ok := e.BranchMap[key]
			if !ok {
				return StatusFailed, fmt.Errorf("%w: %q from node %s", ErrRouteMissing, key, name)
			}
			if target == End {
				r.reachedEnd = true
				continue
			}
			// A conditional edge may legally revisit a completed node;
			// that is how loops are expressed.
			r.enqueue(target, true)

		case EdgeParallel:
			if status, err := c.runParallel(ctx, r, e.Targets); err != nil {
				return status, err
			}
		}
	}
	return StatusCompleted, nil
}

// runParallel executes the fan-out targets concurrently. Each branch runs
// against its own read-view clone; partial results re-enter the canonical
// state through the serialised merge in completion order, so when two
// branches write the same overwrite-field, the last branch to finish
// wins. Branch successors are joined afterwards: each distinct downstream
// node is enqueued once.
func (c *CompiledGraph) runParallel(ctx context.Context, r *run, targets []string) (Status, error) {
	g, gctx := errgroup.WithContext(ctx)

	for _, target := range targets {
		if r.status(target) != NodePending {
			continue
		}
		node := c.nodes[target]
		g.Go(func() error {
			r.mu.Lock()
			if r.iterations >= c.config.MaxIterations {
				r.mu.Unlock()
				return fmt.Errorf("%w (%d)", ErrIterationBudget, c.config.MaxIterations)
			}
			r.mu.Unlock()

			res := c.executeNode(gctx, node, r, r.sm.StateCopy())
			r.appendHistory(res)

			if res.Status == NodeFailed {
				if !node.Config.ContinueOnError {
					return &NodeExecutionError{Node: node.Name, Err: errors.New(res.Error)}
				}
				r.setStatus(node.Name, NodeSkipped)
				return nil
			}
			return c.commit(r, node.Name, res.Updates)
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return cancelStatus(ctx), ctx.Err()
		}
		if errors.Is(err, ErrIterationBudget) {
			return StatusIterationExhausted, err
		}
		return StatusFailed, err
	}

	// Join: fan back in on the first common downstream node(s).
	seen := make(map[string]struct{})
	for _, target := range targets {
		for _, e := range c.edges.outgoing(target) {
			switch e.Type {
			case EdgeFixed:
				if _, ok := seen[e.Targets[0]]; !ok {
					seen[e.Targets[0]] = struct{}{}
					r.enqueue(e.Targets[0], false)
				}
			case EdgeConditional:
				key, err := e.Router(r.sm.StateCopy())
				if err != nil {
					return StatusFailed, fmt.Errorf("graph: router on %s: %w", target, err)
				}
				next, ok := e.BranchMap[key]
				if !ok {
					return StatusFailed, fmt.Errorf("%w: %q from node %s", ErrRouteMissing, key, target)
				}
				if next == End {
					r.reachedEnd = true
					continue
				}
				if _, ok := seen[next]; !ok {
					seen[next] = struct{}{}
					r.enqueue(next, true)
				}
			case EdgeParallel:
				if status, err := c.runParallel(ctx, r, e.Targets); err != nil {
					return status, err
				}
			}
		}
	}

	return StatusCompleted, nil
}

// executeNode runs one node under its retry policy and timeout.
func (c *CompiledGraph) executeNode(ctx context.Context, node *Node, r *run, view State) NodeResult {
	r.setStatus(node.Name, NodeRunning)
	r.emitEvent(Event{Type: EventNodeStarted, Node: node.Name, State: view})

	r.mu.Lock()
	r.iterations++
	r.mu.Unlock()

	attempts := node.Config.Retries + 1
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
			if ctx.Err() != nil {
				break
			}
		}

		nodeCtx := ctx
		var cancel context.CancelFunc
		if node.Config.Timeout > 0 {
			nodeCtx, cancel = context.WithTimeout(ctx, node.Config.Timeout)
		}

		updates, err := safeCall(nodeCtx, node.Fn, view)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			res := NodeResult{
				Node:     node.Name,
				Status:   NodeSucceeded,
				Updates:  updates,
				Attempts: attempt,
				Duration: time.Since(start),
			}
			observability.RecordNodeExecution(node.Name, "succeeded", res.Duration)
			return res
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	res := NodeResult{
		Node:     node.Name,
		Status:   NodeFailed,
		Error:    lastErr.Error(),
		Attempts: attempts,
		Duration: time.Since(start),
	}
	observability.RecordNodeExecution(node.Name, "failed", res.Duration)
	r.setStatus(node.Name, NodeFailed)
	r.emitEvent(Event{Type: EventNodeFailed, Node: node.Name, Err: res.Error})
	return res
}

// safeCall invokes a node function, converting panics into errors.
func safeCall(ctx context.Context, fn NodeFunc, state State) (updates State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("node panic: %v", rec)
		}
	}()
	return fn(ctx, state)
}

func (c *CompiledGraph) saveCheckpoint(r *run, status string) {
	if c.store == nil {
		return
	}
	r.mu.Lock()
	cp := &Checkpoint{
		WorkflowID:     r.workflowID,
		Step:           r.step,
		State:          r.sm.StateCopy(),
		CompletedNodes: append([]string(nil), r.completed...),
		Status:         status,
		Timestamp:      time.Now().UTC(),
	}
	r.mu.Unlock()
	_ = c.store.Save(cp)
}

func retryDelay(attempt int) time.Duration {
	return time.Duration(attempt-1) * 100 * time.Millisecond
}

func checkpointStatus(s Status) string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusInterrupted:
		return "running"
	default:
		return "failed"
	}
}

func cancelStatus(ctx context.Context) Status {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimeout
	}
	return StatusCancelled
}

// run helpers, all guarded for the parallel section.

func (r *run) shift() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := r.worklist[0]
	r.worklist = r.worklist[1:]
	return name
}

func (r *run) enqueue(name string, allowRevisit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.statuses[name] {
	case NodePending:
		r.worklist = append(r.worklist, name)
	default:
		if allowRevisit {
			r.statuses[name] = NodePending
			r.worklist = append(r.worklist, name)
		}
	}
}

func (r *run) status(name string) NodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[name]
}

func (r *run) setStatus(name string, s NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[name] = s
}

func (r *run) appendHistory(res NodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, res)
}

func (r *run) emitEvent(ev Event) {
	if r.emit != nil {
		ev.Timestamp = time.Now().UTC()
		r.emit(ev)
	}
}
