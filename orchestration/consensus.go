package orchestration

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentgrid-dev/agentgrid/agent"
	"github.com/agentgrid-dev/agentgrid/internal/observability"
)

// ConsensusResult is the outcome of a consensus run.
type ConsensusResult struct {
	Reached   bool         `json:"reached"`
	Position  string       `json:"position,omitempty"`
	Agreement float64      `json:"agreement"`
	Rounds    int          `json:"rounds"`
	History   []agent.Turn `json:"history"`
}

// Consensus polls every agent for its position on the question, up to
// maxRounds times. After each round the judge clusters semantically
// equivalent positions; when the largest cluster reaches the threshold
// fraction of the roster the run stops. Later rounds replay the previous
// positions so agents can converge.
func (o *Orchestrator) Consensus(ctx context.Context, question string, maxRounds int, threshold float64) (*ConsensusResult, error) {
	if o.judge == nil {
		return nil, fmt.Errorf("orchestration: consensus requires a judge agent")
	}
	if maxRounds <= 0 {
		maxRounds = 5
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}

	roster := o.roster()
	if len(roster) < 2 {
		return nil, fmt.Errorf("orchestration: consensus requires at least 2 agents, have %d", len(roster))
	}

	ctx, span := observability.StartSpan(ctx, "orchestration.consensus",
		trace.WithAttributes(
			attribute.String("orchestration.mode", string(ModeConsensus)),
			attribute.Int("orchestration.agent_count", len(roster)),
			attribute.Float64("orchestration.threshold", threshold),
		),
	)
	defer span.End()

	result := &ConsensusResult{}

	for round := 1; round <= maxRounds; round++ {
		result.Rounds = round

		positions := make([]agent.Turn, 0, len(roster))
		for _, a := range roster {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}

			response, err := a.Execute(ctx, consensusPrompt(question, result.History))
			if err != nil {
				span.RecordError(err)
				return result, fmt.Errorf("orchestration: consensus %s: %w", a.Name(), err)
			}
			positions = append(positions, agent.Turn{Agent: a.Name(), Content: response.Output})
		}
		result.History = append(result.History, positions...)

		size, position, err := o.largestCluster(ctx, positions)
		if err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("orchestration: consensus clustering: %w", err)
		}

		result.Agreement = float64(size) / float64(len(roster))
		if result.Agreement >= threshold {
			result.Reached = true
			result.Position = position
			span.SetAttributes(
				attribute.Bool("orchestration.reached", true),
				attribute.Float64("orchestration.agreement", result.Agreement),
			)
			return result, nil
		}
	}

	span.SetAttributes(attribute.Bool("orchestration.reached", false))
	return result, nil
}

// largestCluster asks the judge to group semantically equivalent
// positions and returns the size and representative text of the largest
// group.
func (o *Orchestrator) largestCluster(ctx context.Context, positions []agent.Turn) (int, string, error) {
	var sb strings.Builder
	for i, p := range positions {
		fmt.Fprintf(&sb, "%d. [%s]: %s\n", i+1, p.Agent, p.Content)
	}

	prompt := fmt.Sprintf(`Group these positions by semantic equivalence. Positions that make
the same substantive claim belong together even when worded differently.

%s
Respond in exactly this format:
Largest group size: <number>
Representative: <the position the largest group shares, in one sentence>`, sb.String())

	response, err := o.judge.ChatWithMemory(ctx, prompt, false)
	if err != nil {
		return 0, "", err
	}

	size := 1
	representative := ""
	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "largest group size:"):
			if _, err := fmt.Sscanf(lower, "largest group size: %d", &size); err != nil {
				size = 1
			}
		case strings.HasPrefix(lower, "representative:"):
			representative = strings.TrimSpace(trimmed[len("representative:"):])
		}
	}
	if size < 1 {
		size = 1
	}
	if size > len(positions) {
		size = len(positions)
	}
	return size, representative, nil
}

func consensusPrompt(question string, history []agent.Turn) string {
	if len(history) == 0 {
		return fmt.Sprintf("Question: %s\n\nState your position in one or two sentences.", question)
	}

	recent := history
	if len(recent) > 6 {
		recent = recent[len(recent)-6:]
	}
	var sb strings.Builder
	for _, t := range recent {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Agent, t.Content)
	}
	return fmt.Sprintf(`Question: %s

Positions so far:
%s
Restate your position, adjusting it if another position convinced you.`, question, sb.String())
}
