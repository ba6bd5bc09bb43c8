// Package orchestration composes multiple agents under coordination
// patterns: sequential, parallel, debate (judge-arbitrated), vote and
// consensus. The orchestrator owns the message bus and a roster of
// agents.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentgrid-dev/agentgrid/agent"
	"github.com/agentgrid-dev/agentgrid/bus"
	"github.com/agentgrid-dev/agentgrid/internal/observability"
)

// Mode identifies a coordination pattern.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeDebate     Mode = "debate"
	ModeVote       Mode = "vote"
	ModeConsensus  Mode = "consensus"
)

// AgentResult pairs an agent with its output.
type AgentResult struct {
	Agent  string `json:"agent"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	// Bus carries inter-agent traffic; a default bus is created when nil.
	Bus *bus.Bus

	// Judge arbitrates debate and consensus; required for those modes.
	Judge *agent.JudgeAgent

	// ConfidenceThreshold gates judge-driven early termination
	// (default 0.7).
	ConfidenceThreshold float64
}

// Orchestrator coordinates a roster of agents over a shared bus.
type Orchestrator struct {
	mu        sync.RWMutex
	agents    map[string]agent.Agent
	order     []string
	bus       *bus.Bus
	judge     *agent.JudgeAgent
	threshold float64
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	b := opts.Bus
	if b == nil {
		b = bus.New(bus.Options{})
	}
	threshold := opts.ConfidenceThreshold
	if threshold == 0 {
		threshold = 0.7
	}
	return &Orchestrator{
		agents:    make(map[string]agent.Agent),
		bus:       b,
		judge:     opts.Judge,
		threshold: threshold,
	}
}

// Bus returns the orchestrator's message bus.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Register adds an agent to the roster and the bus.
func (o *Orchestrator) Register(a agent.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	name := a.Name()
	if _, exists := o.agents[name]; exists {
		return fmt.Errorf("orchestration: agent %s already registered", name)
	}
	if err := o.bus.Register(name); err != nil {
		return err
	}
	o.agents[name] = a
	o.order = append(o.order, name)
	return nil
}

// Unregister removes an agent from the roster and the bus.
func (o *Orchestrator) Unregister(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.agents[name]; !exists {
		return fmt.Errorf("orchestration: agent %s not registered", name)
	}
	delete(o.agents, name)
	for i, n := range o.order {
		if n == name {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	return o.bus.Unregister(name)
}

// Agents returns the roster in registration order.
func (o *Orchestrator) Agents() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

func (o *Orchestrator) roster() []agent.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]agent.Agent, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.agents[name])
	}
	return out
}

// Sequential runs the agents in registration order; each receives the
// task plus the previous agent's output.
func (o *Orchestrator) Sequential(ctx context.Context, task string) ([]AgentResult, error) {
	ctx, span := observability.StartSpan(ctx, "orchestration.sequential",
		trace.WithAttributes(
			attribute.String("orchestration.mode", string(ModeSequential)),
			attribute.Int("orchestration.agent_count", len(o.order)),
		),
	)
	defer span.End()

	start := time.Now()
	results := make([]AgentResult, 0, len(o.order))
	input := task

	for _, a := range o.roster() {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		res, err := a.Execute(ctx, input)
		if err != nil {
			span.RecordError(err)
			results = append(results, AgentResult{Agent: a.Name(), Error: err.Error()})
			return results, fmt.Errorf("orchestration: agent %s: %w", a.Name(), err)
		}
		results = append(results, AgentResult{Agent: a.Name(), Output: res.Output})
		input = fmt.Sprintf("%s\n\nPrevious result (%s):\n%s", task, a.Name(), res.Output)
	}

	span.SetAttributes(attribute.Int64("orchestration.duration_ms", time.Since(start).Milliseconds()))
	return results, nil
}
