package orchestration

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentgrid-dev/agentgrid/agent"
	"github.com/agentgrid-dev/agentgrid/llm"
	"github.com/agentgrid-dev/agentgrid/llm/provider"
)

// stubAgent is a roster agent with scripted behaviour.
type stubAgent struct {
	name      string
	responses []string
	mu        sync.Mutex
	calls     []string
	pos       int
}

func (s *stubAgent) Name() string       { return s.name }
func (s *stubAgent) Role() string       { return "stub" }
func (s *stubAgent) State() agent.State { return agent.StateIdle }

func (s *stubAgent) next(input string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, input)
	if s.pos < len(s.responses) {
		out := s.responses[s.pos]
		s.pos++
		return out
	}
	return s.name + " default"
}

func (s *stubAgent) Chat(ctx context.Context, message string) (string, error) {
	return s.next(message), nil
}

func (s *stubAgent) Execute(ctx context.Context, task string) (*agent.TaskResult, error) {
	return &agent.TaskResult{Output: s.next(task), Status: "done"}, nil
}

// scriptedJudge builds a real JudgeAgent over a replay provider.
type replayProvider struct {
	mu        sync.Mutex
	responses []string
	pos       int
}

func (p *replayProvider) Name() string { return "replay" }

func (p *replayProvider) CreateCompletion(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos >= len(p.responses) {
		return nil, fmt.Errorf("judge script exhausted")
	}
	out := p.responses[p.pos]
	p.pos++
	return &provider.CompletionResponse{Content: out, FinishReason: "stop"}, nil
}

func (p *replayProvider) CreateStreaming(ctx context.Context, req provider.CompletionRequest) (provider.Stream, error) {
	return nil, io.EOF
}

func scriptedJudge(t *testing.T, responses ...string) *agent.JudgeAgent {
	t.Helper()
	client, err := llm.NewClientWithProvider(&replayProvider{responses: responses}, llm.ClientConfig{
		Model:          "test-model",
		RateLimit:      1000,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("judge client: %v", err)
	}
	return agent.NewJudgeAgent(agent.NewBaseAgent(agent.Config{Name: "judge"}, client, nil))
}

func TestRegisterUnregister(t *testing.T) {
	o := New(Options{})
	a := &stubAgent{name: "a1"}

	if err := o.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := o.Register(a); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if !o.Bus().Registered("a1") {
		t.Error("agent not on the bus")
	}

	if err := o.Unregister("a1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if o.Bus().Registered("a1") {
		t.Error("agent still on the bus")
	}
}

func TestSequential_ChainsOutputs(t *testing.T) {
	o := New(Options{})
	first := &stubAgent{name: "first", responses: []string{"draft"}}
	second := &stubAgent{name: "second", responses: []string{"polished"}}
	_ = o.Register(first)
	_ = o.Register(second)

	results, err := o.Sequential(context.Background(), "write a summary")
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Output != "draft" || results[1].Output != "polished" {
		t.Errorf("outputs = %+v", results)
	}

	// The second agent saw the first agent's output appended to the task.
	got := second.calls[0]
	if !strings.Contains(got, "write a summary") || !strings.Contains(got, "draft") {
		t.Errorf("second agent input = %q", got)
	}
}

func TestParallel_CollectsAllInRosterOrder(t *testing.T) {
	o := New(Options{})
	for i := 0; i < 4; i++ {
		_ = o.Register(&stubAgent{
			name:      fmt.Sprintf("agent-%d", i),
			responses: []string{fmt.Sprintf("out-%d", i)},
		})
	}

	results, err := o.Parallel(context.Background(), "task")
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("results = %+v", results)
	}
	for i, r := range results {
		if r.Agent != fmt.Sprintf("agent-%d", i) {
			t.Errorf("results out of roster order: %+v", results)
			break
		}
		if r.Output != fmt.Sprintf("out-%d", i) {
			t.Errorf("result %d = %+v", i, r)
		}
	}
}

func TestVote_MajorityWins(t *testing.T) {
	o := New(Options{})
	_ = o.Register(&stubAgent{name: "a1", responses: []string{"Choice: redis\nRationale: fast"}})
	_ = o.Register(&stubAgent{name: "a2", responses: []string{"Choice: redis\nRationale: shared"}})
	_ = o.Register(&stubAgent{name: "a3", responses: []string{"Choice: postgres\nRationale: durable"}})

	result, err := o.VoteOn(context.Background(), "which store?", []string{"redis", "postgres"})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}

	if result.Winner != "redis" {
		t.Errorf("winner = %q", result.Winner)
	}
	if result.Counts["redis"] != 2 || result.Counts["postgres"] != 1 {
		t.Errorf("counts = %v", result.Counts)
	}
	if result.Agreement < 0.66 || result.Agreement > 0.67 {
		t.Errorf("agreement = %v", result.Agreement)
	}
	if result.Votes[0].Rationale != "fast" {
		t.Errorf("rationale = %+v", result.Votes[0])
	}
}

func TestVote_TieBrokenByFirstVote(t *testing.T) {
	o := New(Options{})
	_ = o.Register(&stubAgent{name: "a1", responses: []string{"Choice: go\nRationale: simple"}})
	_ = o.Register(&stubAgent{name: "a2", responses: []string{"Choice: rust\nRationale: safe"}})

	result, err := o.VoteOn(context.Background(), "language?", []string{"go", "rust"})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}

	if result.Winner != "go" {
		t.Errorf("winner = %q, want first-received vote to break the tie", result.Winner)
	}
	if !result.TieBroken {
		t.Error("tie not flagged")
	}
}

func TestDebate_JudgeTerminatesEarly(t *testing.T) {
	judge := scriptedJudge(t,
		// Round 1 judgment: keep going.
		"Decision: CONTINUE\nConfidence: 0.9\nReason: positions still forming",
		// Round 2 judgment: consensus.
		"Decision: CONSENSUS\nConfidence: 0.9\nReason: both sides agree",
		// Summary request.
		"Both debaters settled on incremental rollout.",
	)

	o := New(Options{Judge: judge})
	_ = o.Register(&stubAgent{name: "pro"})
	_ = o.Register(&stubAgent{name: "con"})

	result, err := o.Debate(context.Background(), "rollout strategy", 5)
	if err != nil {
		t.Fatalf("debate: %v", err)
	}

	if result.Rounds != 2 {
		t.Errorf("rounds = %d, want early stop at 2", result.Rounds)
	}
	if result.Judgment.Decision != agent.DecisionConsensus {
		t.Errorf("decision = %s", result.Judgment.Decision)
	}
	if len(result.Transcript) != 4 {
		t.Errorf("transcript length = %d", len(result.Transcript))
	}
	if !strings.Contains(result.Summary, "incremental rollout") {
		t.Errorf("summary = %q", result.Summary)
	}
}

func TestDebate_TimeoutAfterMaxRounds(t *testing.T) {
	judge := scriptedJudge(t,
		"Decision: CONTINUE\nConfidence: 0.9",
		"Decision: CONTINUE\nConfidence: 0.9",
		"No conclusion was reached.",
	)

	o := New(Options{Judge: judge})
	_ = o.Register(&stubAgent{name: "pro"})
	_ = o.Register(&stubAgent{name: "con"})

	result, err := o.Debate(context.Background(), "topic", 2)
	if err != nil {
		t.Fatalf("debate: %v", err)
	}

	if result.Judgment.Decision != agent.DecisionTimeout {
		t.Errorf("decision = %s, want TIMEOUT", result.Judgment.Decision)
	}
	if result.Rounds != 2 {
		t.Errorf("rounds = %d", result.Rounds)
	}
}

func TestDebate_SubThresholdVerdictStillTimesOut(t *testing.T) {
	// The final round's judgment is CONSENSUS but below the confidence
	// threshold, so the debate never stops early; exhausting the rounds
	// must report TIMEOUT, not the sub-threshold verdict.
	judge := scriptedJudge(t,
		"Decision: CONSENSUS\nConfidence: 0.4\nReason: weak signal",
		"No agreement strong enough to act on.",
	)

	o := New(Options{Judge: judge})
	_ = o.Register(&stubAgent{name: "pro"})
	_ = o.Register(&stubAgent{name: "con"})

	result, err := o.Debate(context.Background(), "topic", 1)
	if err != nil {
		t.Fatalf("debate: %v", err)
	}

	if result.Judgment.Decision != agent.DecisionTimeout {
		t.Errorf("decision = %s, want TIMEOUT", result.Judgment.Decision)
	}
	if result.Rounds != 1 {
		t.Errorf("rounds = %d", result.Rounds)
	}
}

func TestDebate_RequiresJudgeAndTwoAgents(t *testing.T) {
	o := New(Options{})
	_ = o.Register(&stubAgent{name: "solo"})
	if _, err := o.Debate(context.Background(), "t", 3); err == nil {
		t.Error("expected error without judge")
	}

	o2 := New(Options{Judge: scriptedJudge(t)})
	_ = o2.Register(&stubAgent{name: "solo"})
	if _, err := o2.Debate(context.Background(), "t", 3); err == nil {
		t.Error("expected error with a single agent")
	}
}

func TestConsensus_ReachedAtThreshold(t *testing.T) {
	judge := scriptedJudge(t,
		// Round 1 clustering: 2 of 3 agree.
		"Largest group size: 2\nRepresentative: use a cache",
		// Round 2 clustering: all agree.
		"Largest group size: 3\nRepresentative: use a cache",
	)

	o := New(Options{Judge: judge})
	for _, name := range []string{"a1", "a2", "a3"} {
		_ = o.Register(&stubAgent{name: name})
	}

	result, err := o.Consensus(context.Background(), "how to speed this up?", 5, 0.9)
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}

	if !result.Reached {
		t.Fatal("consensus not reached")
	}
	if result.Rounds != 2 {
		t.Errorf("rounds = %d", result.Rounds)
	}
	if result.Position != "use a cache" {
		t.Errorf("position = %q", result.Position)
	}
	if result.Agreement != 1.0 {
		t.Errorf("agreement = %v", result.Agreement)
	}
}

func TestConsensus_ExhaustsRounds(t *testing.T) {
	judge := scriptedJudge(t,
		"Largest group size: 1\nRepresentative: disagreement",
		"Largest group size: 1\nRepresentative: disagreement",
	)

	o := New(Options{Judge: judge})
	_ = o.Register(&stubAgent{name: "a1"})
	_ = o.Register(&stubAgent{name: "a2"})

	result, err := o.Consensus(context.Background(), "q", 2, 0.9)
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}
	if result.Reached {
		t.Error("consensus should not be reached")
	}
	if result.Rounds != 2 {
		t.Errorf("rounds = %d", result.Rounds)
	}
}

func TestDebate_BroadcastsTurnsOnBus(t *testing.T) {
	judge := scriptedJudge(t,
		"Decision: CONSENSUS\nConfidence: 0.95",
		"Summary.",
	)

	o := New(Options{Judge: judge})
	_ = o.Register(&stubAgent{name: "pro"})
	_ = o.Register(&stubAgent{name: "con"})

	if _, err := o.Debate(context.Background(), "t", 3); err != nil {
		t.Fatalf("debate: %v", err)
	}

	var debateTurns int
	for _, m := range o.Bus().History(0, "") {
		if m.Kind == "debate_turn" {
			debateTurns++
		}
	}
	// 2 agents × 1 round, each broadcast to the one other agent.
	if debateTurns != 2 {
		t.Errorf("debate_turn messages = %d, want 2", debateTurns)
	}
}
