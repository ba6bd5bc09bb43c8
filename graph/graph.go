package graph

import (
	"fmt"
	"strings"
	"time"
)

// Graph is the builder for a state graph. Construct it, add nodes and
// edges, then Compile for execution.
type Graph struct {
	name       string
	schema     map[string]MergeStrategy
	nodes      map[string]*Node
	nodeOrder  []string
	edges      edgeSet
	entryPoint string
	exitPoints map[string]struct{}
	buildErr   error
}

// New creates a graph builder. The schema declares the state fields and
// their merge strategies; a nil schema accepts any field under the
// default overwrite strategy.
func New(name string, schema map[string]MergeStrategy) *Graph {
	return &Graph{
		name:       name,
		schema:     schema,
		nodes:      make(map[string]*Node),
		exitPoints: make(map[string]struct{}),
	}
}

// AddNode registers a node. Names must be unique.
func (g *Graph) AddNode(name string, fn NodeFunc, config NodeConfig) *Graph {
	if name == "" || name == Start || name == End {
		g.fail(fmt.Errorf("invalid node name %q", name))
		return g
	}
	if fn == nil {
		g.fail(fmt.Errorf("node %q requires a function", name))
		return g
	}
	if _, exists := g.nodes[name]; exists {
		g.fail(fmt.Errorf("node %q already defined", name))
		return g
	}
	g.nodes[name] = &Node{Name: name, Fn: fn, Config: config}
	g.nodeOrder = append(g.nodeOrder, name)
	return g
}

// AddEdge adds a fixed edge.
func (g *Graph) AddEdge(source, target string) *Graph {
	g.edges.add(&Edge{Source: source, Type: EdgeFixed, Targets: []string{target}})
	return g
}

// AddConditionalEdge adds a router-driven edge. The branch map indexes the
// router's results; a target may be End.
func (g *Graph) AddConditionalEdge(source string, router Router, branchMap map[string]string) *Graph {
	if router == nil {
		g.fail(fmt.Errorf("conditional edge from %q requires a router", source))
		return g
	}
	if len(branchMap) == 0 {
		g.fail(fmt.Errorf("conditional edge from %q requires a branch map", source))
		return g
	}
	g.edges.add(&Edge{Source: source, Type: EdgeConditional, Router: router, BranchMap: branchMap})
	return g
}

// AddParallelEdge adds a fan-out edge over at least two targets.
func (g *Graph) AddParallelEdge(source string, targets []string) *Graph {
	if len(targets) < 2 {
		g.fail(fmt.Errorf("parallel edge from %q requires at least 2 targets", source))
		return g
	}
	g.edges.add(&Edge{Source: source, Type: EdgeParallel, Targets: append([]string(nil), targets...)})
	return g
}

// SetEntryPoint marks the entry node.
func (g *Graph) SetEntryPoint(name string) *Graph {
	if g.entryPoint != "" && g.entryPoint != name {
		g.fail(fmt.Errorf("entry point already set to %q", g.entryPoint))
		return g
	}
	g.entryPoint = name
	return g
}

// SetExitPoint marks a node as an exit; reaching a succeeded exit ends
// the run.
func (g *Graph) SetExitPoint(name string) *Graph {
	g.exitPoints[name] = struct{}{}
	return g
}

// SetMergeStrategy declares the merge strategy for one state field.
func (g *Graph) SetMergeStrategy(field string, strategy MergeStrategy) *Graph {
	if g.schema == nil {
		g.schema = make(map[string]MergeStrategy)
	}
	g.schema[field] = strategy
	return g
}

func (g *Graph) fail(err error) {
	if g.buildErr == nil {
		g.buildErr = err
	}
}

// Validate checks the graph structure: builder errors, node existence for
// every edge endpoint, a configured entry, and reachability of every node
// from the entry. When exit points are declared, at least one of them must
// be reachable; a graph with no declared exit is not checked for one.
func (g *Graph) Validate() []string {
	var errs []string

	if g.buildErr != nil {
		errs = append(errs, g.buildErr.Error())
	}
	if len(g.nodes) == 0 {
		errs = append(errs, "graph has no nodes")
	}
	if g.entryPoint == "" {
		errs = append(errs, "graph has no entry point")
	} else if _, ok := g.nodes[g.entryPoint]; !ok {
		errs = append(errs, fmt.Sprintf("entry point %q is not a node", g.entryPoint))
	}
	for exit := range g.exitPoints {
		if _, ok := g.nodes[exit]; !ok {
			errs = append(errs, fmt.Sprintf("exit point %q is not a node", exit))
		}
	}

	nodeNames := make(map[string]struct{}, len(g.nodes))
	for name := range g.nodes {
		nodeNames[name] = struct{}{}
	}
	errs = append(errs, g.edges.validate(nodeNames)...)

	if g.entryPoint != "" && len(errs) == 0 {
		reachable := g.reachableFrom(g.entryPoint)
		for _, name := range g.nodeOrder {
			if _, ok := reachable[name]; !ok {
				errs = append(errs, fmt.Sprintf("node %q is not reachable from the entry point", name))
			}
		}
		if len(g.exitPoints) > 0 {
			exitReachable := false
			for exit := range g.exitPoints {
				if _, ok := reachable[exit]; ok {
					exitReachable = true
					break
				}
			}
			if !exitReachable {
				errs = append(errs, "no exit point is reachable from the entry point")
			}
		}
	}

	return errs
}

func (g *Graph) reachableFrom(start string) map[string]struct{} {
	reachable := make(map[string]struct{})
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := reachable[current]; seen {
			continue
		}
		reachable[current] = struct{}{}
		for _, e := range g.edges.outgoing(current) {
			for _, target := range e.AllTargets() {
				if target != End {
					stack = append(stack, target)
				}
			}
		}
	}
	return reachable
}

// ExecutionConfig bounds a compiled graph run.
type ExecutionConfig struct {
	// MaxIterations caps total node activations (default 100).
	MaxIterations int

	// Timeout bounds the whole run (0 = no limit).
	Timeout time.Duration

	// InterruptBefore and InterruptAfter pause execution around the named
	// nodes, checkpointing and returning with StatusInterrupted.
	InterruptBefore map[string]struct{}
	InterruptAfter  map[string]struct{}
}

// Compile validates the graph and produces an executable form. A non-nil
// store enables checkpoint persistence.
func (g *Graph) Compile(config ExecutionConfig, store Store) (*CompiledGraph, error) {
	if errs := g.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("graph validation failed: %s", strings.Join(errs, "; "))
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = 100
	}

	nodes := make(map[string]*Node, len(g.nodes))
	for name, node := range g.nodes {
		nodes[name] = node
	}
	exits := make(map[string]struct{}, len(g.exitPoints))
	for name := range g.exitPoints {
		exits[name] = struct{}{}
	}
	var schema map[string]MergeStrategy
	if g.schema != nil {
		schema = make(map[string]MergeStrategy, len(g.schema))
		for k, v := range g.schema {
			schema[k] = v
		}
	}

	return &CompiledGraph{
		name:   g.name,
		schema: schema,
		nodes:  nodes,
		edges:  g.edges,
		entry:  g.entryPoint,
		exits:  exits,
		config: config,
		store:  store,
	}, nil
}

// Visualize renders a text description of the graph.
func (g *Graph) Visualize() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph: %s\n", g.name)
	sb.WriteString(strings.Repeat("=", 40) + "\n\nNodes:\n")
	for _, name := range g.nodeOrder {
		marker := ""
		if name == g.entryPoint {
			marker = " (entry)"
		}
		if _, ok := g.exitPoints[name]; ok {
			marker += " (exit)"
		}
		fmt.Fprintf(&sb, "  - %s%s\n", name, marker)
	}
	sb.WriteString("\nEdges:\n")
	for _, e := range g.edges.edges {
		switch e.Type {
		case EdgeFixed:
			fmt.Fprintf(&sb, "  %s -> %s\n", e.Source, e.Targets[0])
		case EdgeParallel:
			fmt.Fprintf(&sb, "  %s -> [%s]\n", e.Source, strings.Join(e.Targets, ", "))
		case EdgeConditional:
			fmt.Fprintf(&sb, "  %s -> %v (conditional)\n", e.Source, e.BranchMap)
		}
	}
	return sb.String()
}
