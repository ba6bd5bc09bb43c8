package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestInvoke_PreprocessAnalyzePipeline(t *testing.T) {
	g := New("pipeline", nil)
	g.AddNode("preprocess", func(ctx context.Context, state State) (State, error) {
		input := state["input"].(string)
		return State{"processed": strings.ToLower(strings.TrimSpace(input))}, nil
	}, NodeConfig{})
	g.AddNode("analyze", func(ctx context.Context, state State) (State, error) {
		return State{"result": "analysis:" + state["processed"].(string)}, nil
	}, NodeConfig{})
	g.AddEdge("preprocess", "analyze")
	g.SetEntryPoint("preprocess")
	g.SetExitPoint("analyze")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	result, err := compiled.Invoke(context.Background(), State{"input": "  HELLO WORLD  "})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Error)
	}
	if result.State["input"] != "  HELLO WORLD  " {
		t.Errorf("input mutated: %q", result.State["input"])
	}
	if result.State["processed"] != "hello world" {
		t.Errorf("processed = %q", result.State["processed"])
	}
	if result.State["result"] != "analysis:hello world" {
		t.Errorf("result = %q", result.State["result"])
	}
}

func qualityGraph(t *testing.T) *CompiledGraph {
	t.Helper()

	g := New("quality", nil)
	g.AddNode("assess", func(ctx context.Context, state State) (State, error) {
		return State{}, nil
	}, NodeConfig{})
	g.AddNode("approve", func(ctx context.Context, state State) (State, error) {
		return State{"approved": true}, nil
	}, NodeConfig{})
	g.AddNode("manual_review", func(ctx context.Context, state State) (State, error) {
		return State{"approved": true, "reviewed": true}, nil
	}, NodeConfig{})
	g.AddNode("reject", func(ctx context.Context, state State) (State, error) {
		return State{"approved": false}, nil
	}, NodeConfig{})

	router := func(state State) (string, error) {
		score := state["quality_score"].(float64)
		switch {
		case score >= 0.8:
			return "approve", nil
		case score >= 0.5:
			return "manual", nil
		default:
			return "reject", nil
		}
	}
	g.AddConditionalEdge("assess", router, map[string]string{
		"approve": "approve",
		"manual":  "manual_review",
		"reject":  "reject",
	})
	g.AddEdge("approve", "__END__")
	g.SetEntryPoint("assess")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return compiled
}

func TestInvoke_ConditionalRouting(t *testing.T) {
	cases := []struct {
		score    float64
		approved bool
		reviewed bool
	}{
		{0.85, true, false},
		{0.6, true, true},
		{0.2, false, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("score=%.2f", tc.score), func(t *testing.T) {
			compiled := qualityGraph(t)
			result, err := compiled.Invoke(context.Background(), State{
				"document":      strings.Repeat("x", 85),
				"quality_score": tc.score,
			})
			if err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if result.Status != StatusCompleted {
				t.Fatalf("status = %s (%s)", result.Status, result.Error)
			}
			if result.State["approved"] != tc.approved {
				t.Errorf("approved = %v, want %v", result.State["approved"], tc.approved)
			}
			if tc.reviewed && result.State["reviewed"] != true {
				t.Errorf("expected manual_review to run")
			}
		})
	}
}

func TestInvoke_ParallelFanOutJoin(t *testing.T) {
	g := New("fanout", nil)
	g.AddNode("split", func(ctx context.Context, state State) (State, error) {
		return State{}, nil
	}, NodeConfig{})

	for _, letter := range []string{"a", "b", "c"} {
		upper := strings.ToUpper(letter)
		g.AddNode("task_"+letter, func(ctx context.Context, state State) (State, error) {
			return State{"result_" + letter: upper + " processed: " + state["input"].(string)}, nil
		}, NodeConfig{})
	}

	g.AddNode("aggregate", func(ctx context.Context, state State) (State, error) {
		parts := []string{
			state["result_a"].(string),
			state["result_b"].(string),
			state["result_c"].(string),
		}
		return State{"final_result": strings.Join(parts, " | ")}, nil
	}, NodeConfig{})

	g.AddParallelEdge("split", []string{"task_a", "task_b", "task_c"})
	g.AddEdge("task_a", "aggregate")
	g.AddEdge("task_b", "aggregate")
	g.AddEdge("task_c", "aggregate")
	g.SetEntryPoint("split")
	g.SetExitPoint("aggregate")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	result, err := compiled.Invoke(context.Background(), State{"input": "x"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}

	want := "A processed: x | B processed: x | C processed: x"
	if result.State["final_result"] != want {
		t.Errorf("final_result = %q, want %q", result.State["final_result"], want)
	}
}

func loopGraph(t *testing.T, maxIterations int) *CompiledGraph {
	t.Helper()

	g := New("loop", map[string]MergeStrategy{
		"counter":   MergeOverwrite,
		"max_count": MergeOverwrite,
		"results":   MergeAppend,
	})
	g.AddNode("process", func(ctx context.Context, state State) (State, error) {
		counter := toInt(state["counter"])
		return State{
			"counter": counter + 1,
			"results": []any{fmt.Sprintf("item_%d", counter)},
		}, nil
	}, NodeConfig{})

	router := func(state State) (string, error) {
		if toInt(state["counter"]) < toInt(state["max_count"]) {
			return "continue", nil
		}
		return "exit", nil
	}
	g.AddConditionalEdge("process", router, map[string]string{
		"continue": "process",
		"exit":     End,
	})
	g.SetEntryPoint("process")

	compiled, err := g.Compile(ExecutionConfig{MaxIterations: maxIterations}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return compiled
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func TestInvoke_LoopWithBudget(t *testing.T) {
	compiled := loopGraph(t, 0)

	result, err := compiled.Invoke(context.Background(), State{
		"counter":   0,
		"max_count": 3,
		"results":   []any{},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}

	if got := toInt(result.State["counter"]); got != 3 {
		t.Errorf("counter = %d, want 3", got)
	}
	results := result.State["results"].([]any)
	want := []string{"item_0", "item_1", "item_2"}
	if len(results) != len(want) {
		t.Fatalf("results = %v", results)
	}
	for i, w := range want {
		if results[i] != w {
			t.Errorf("results[%d] = %v, want %s", i, results[i], w)
		}
	}
}

func TestInvoke_IterationBudgetExceeded(t *testing.T) {
	compiled := loopGraph(t, 5)

	result, err := compiled.Invoke(context.Background(), State{
		"counter":   0,
		"max_count": 100,
		"results":   []any{},
	})
	if err == nil {
		t.Fatal("expected iteration budget error")
	}
	if !errors.Is(err, ErrIterationBudget) {
		t.Errorf("error = %v, want ErrIterationBudget", err)
	}
	if result.Status != StatusIterationExhausted {
		t.Errorf("status = %s", result.Status)
	}
	if result.Iterations > 5 {
		t.Errorf("iterations = %d, budget was 5", result.Iterations)
	}
}

func TestInvoke_RouteMissingIsFatalWithoutMutation(t *testing.T) {
	var mutated bool

	g := New("routing", nil)
	g.AddNode("decide", func(ctx context.Context, state State) (State, error) {
		return State{}, nil
	}, NodeConfig{})
	g.AddNode("next", func(ctx context.Context, state State) (State, error) {
		mutated = true
		return State{"ran": true}, nil
	}, NodeConfig{})
	g.AddConditionalEdge("decide", func(state State) (string, error) {
		return "unmapped", nil
	}, map[string]string{"known": "next"})
	g.SetEntryPoint("decide")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	result, err := compiled.Invoke(context.Background(), State{})
	if !errors.Is(err, ErrRouteMissing) {
		t.Fatalf("error = %v, want ErrRouteMissing", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s", result.Status)
	}
	if mutated {
		t.Error("downstream node ran after routing failure")
	}
	if _, ok := result.State["ran"]; ok {
		t.Error("state mutated after routing failure")
	}
}

func TestInvoke_NodeRetry(t *testing.T) {
	attempts := 0
	g := New("retry", nil)
	g.AddNode("flaky", func(ctx context.Context, state State) (State, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("temporary failure")
		}
		return State{"ok": true}, nil
	}, NodeConfig{Retries: 3})
	g.SetEntryPoint("flaky")
	g.SetExitPoint("flaky")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	result, err := compiled.Invoke(context.Background(), State{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if result.State["ok"] != true {
		t.Error("node result missing")
	}
}

func TestInvoke_NodeFailureFailsWorkflow(t *testing.T) {
	g := New("failing", nil)
	g.AddNode("broken", func(ctx context.Context, state State) (State, error) {
		return nil, errors.New("boom")
	}, NodeConfig{Retries: 1})
	g.SetEntryPoint("broken")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	result, err := compiled.Invoke(context.Background(), State{})
	var nodeErr *NodeExecutionError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("error = %v, want NodeExecutionError", err)
	}
	if nodeErr.Node != "broken" {
		t.Errorf("failed node = %s", nodeErr.Node)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s", result.Status)
	}
}

func TestInvoke_ContinueOnErrorSkips(t *testing.T) {
	g := New("skip", nil)
	g.AddNode("optional", func(ctx context.Context, state State) (State, error) {
		return nil, errors.New("always fails")
	}, NodeConfig{ContinueOnError: true})
	g.AddNode("final", func(ctx context.Context, state State) (State, error) {
		return State{"done": true}, nil
	}, NodeConfig{})
	g.AddEdge("optional", "final")
	g.SetEntryPoint("optional")
	g.SetExitPoint("final")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	result, err := compiled.Invoke(context.Background(), State{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if result.State["done"] != true {
		t.Error("final node did not run")
	}

	var sawSkip bool
	for _, res := range result.History {
		if res.Node == "optional" && res.Status == NodeFailed {
			sawSkip = true
		}
	}
	if !sawSkip {
		t.Error("optional node failure not recorded")
	}
}

func TestInvoke_TotalTimeout(t *testing.T) {
	g := New("slow", nil)
	g.AddNode("sleepy", func(ctx context.Context, state State) (State, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return State{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, NodeConfig{})
	g.SetEntryPoint("sleepy")

	compiled, err := g.Compile(ExecutionConfig{Timeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	result, err := compiled.Invoke(context.Background(), State{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result.Status != StatusTimeout {
		t.Errorf("status = %s", result.Status)
	}
}

func TestInvoke_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	g := New("cancel", nil)
	g.AddNode("wait", func(ctx context.Context, state State) (State, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}, NodeConfig{})
	g.SetEntryPoint("wait")

	compiled, err := g.Compile(ExecutionConfig{}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	result, err := compiled.Invoke(ctx, State{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if result.Status != StatusCancelled {
		t.Errorf("status = %s", result.Status)
	}
}
