package orchestration

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentgrid-dev/agentgrid/agent"
	"github.com/agentgrid-dev/agentgrid/bus"
	"github.com/agentgrid-dev/agentgrid/internal/observability"
)

// DebateResult is the outcome of a debate run.
type DebateResult struct {
	Topic      string          `json:"topic"`
	Rounds     int             `json:"rounds"`
	Transcript []agent.Turn    `json:"transcript"`
	Judgment   *agent.Judgment `json:"judgment,omitempty"`
	Summary    string          `json:"summary,omitempty"`
}

// Debate runs up to maxRounds round-robin rounds on the topic. Each turn
// is broadcast on the bus as a debate_turn message. After every round the
// judge is consulted: CONSENSUS or DIVERGENCE at or above the confidence
// threshold terminates early; exhausting the rounds yields a TIMEOUT
// judgment. The result carries the full transcript plus a summary
// produced by the judge's LLM. Cancellation finishes the current turn
// then exits.
func (o *Orchestrator) Debate(ctx context.Context, topic string, maxRounds int) (*DebateResult, error) {
	if o.judge == nil {
		return nil, fmt.Errorf("orchestration: debate requires a judge agent")
	}
	if maxRounds <= 0 {
		maxRounds = 5
	}

	roster := o.roster()
	if len(roster) < 2 {
		return nil, fmt.Errorf("orchestration: debate requires at least 2 agents, have %d", len(roster))
	}

	ctx, span := observability.StartSpan(ctx, "orchestration.debate",
		trace.WithAttributes(
			attribute.String("orchestration.mode", string(ModeDebate)),
			attribute.Int("orchestration.agent_count", len(roster)),
			attribute.Int("orchestration.max_rounds", maxRounds),
		),
	)
	defer span.End()

	names := make([]string, len(roster))
	for i, a := range roster {
		names[i] = a.Name()
	}
	o.bus.SetupTurnControl(names)

	result := &DebateResult{Topic: topic}
	earlyStop := false

	for round := 1; round <= maxRounds; round++ {
		result.Rounds = round

		for _, a := range roster {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}

			prompt := debatePrompt(topic, result.Transcript)
			content, err := a.Chat(ctx, prompt)
			if err != nil {
				span.RecordError(err)
				return result, fmt.Errorf("orchestration: debate turn %s: %w", a.Name(), err)
			}

			result.Transcript = append(result.Transcript, agent.Turn{Agent: a.Name(), Content: content})

			turn := bus.NewMessage(a.Name(), bus.KindDebateTurn, content)
			turn.WithField("round", round).WithField("topic", topic)
			_, _ = o.bus.Broadcast(turn)
			o.bus.NextTurn()
		}

		stop, judgment, err := o.judge.ShouldTerminate(ctx, result.Transcript, round, maxRounds, o.threshold)
		if err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("orchestration: debate judgment: %w", err)
		}
		result.Judgment = judgment

		if stop && (judgment.Decision == agent.DecisionConsensus || judgment.Decision == agent.DecisionDivergence) {
			span.SetAttributes(attribute.String("orchestration.decision", string(judgment.Decision)))
			earlyStop = true
			break
		}
	}

	// Exhausting the rounds is a timeout regardless of what the final
	// round's sub-threshold judgment said.
	if !earlyStop {
		result.Judgment = &agent.Judgment{
			Decision:   agent.DecisionTimeout,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("debate reached the round limit (%d)", maxRounds),
		}
	}

	summary, err := o.summarize(ctx, topic, result.Transcript)
	if err != nil {
		span.RecordError(err)
	} else {
		result.Summary = summary
	}

	return result, nil
}

func (o *Orchestrator) summarize(ctx context.Context, topic string, transcript []agent.Turn) (string, error) {
	var sb strings.Builder
	for _, t := range transcript {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Agent, t.Content)
	}
	prompt := fmt.Sprintf(`Summarize this debate on %q. State the main positions, the points
of agreement and the conclusion, in a short paragraph.

%s`, topic, sb.String())
	return o.judge.ChatWithMemory(ctx, prompt, false)
}

func debatePrompt(topic string, transcript []agent.Turn) string {
	if len(transcript) == 0 {
		return fmt.Sprintf("Debate topic: %s\n\nState your opening position.", topic)
	}

	// Only the most recent turns are replayed to keep prompts bounded.
	recent := transcript
	if len(recent) > 6 {
		recent = recent[len(recent)-6:]
	}
	var sb strings.Builder
	for _, t := range recent {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Agent, t.Content)
	}
	return fmt.Sprintf("Debate topic: %s\n\nRecent turns:\n%s\nIt is your turn. Respond to the discussion.", topic, sb.String())
}
