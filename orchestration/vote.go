package orchestration

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentgrid-dev/agentgrid/internal/observability"
)

// Vote is one agent's ballot.
type Vote struct {
	Agent     string `json:"agent"`
	Option    string `json:"option"`
	Rationale string `json:"rationale,omitempty"`
}

// VoteResult is the outcome of a vote.
type VoteResult struct {
	Winner    string         `json:"winner"`
	Counts    map[string]int `json:"counts"`
	Votes     []Vote         `json:"votes"`
	Agreement float64        `json:"agreement"`
	TieBroken bool           `json:"tie_broken,omitempty"`
}

// VoteOn asks every agent to pick one of the options with a rationale.
// The majority wins; ties break in favour of the tied option whose first
// vote was received earliest.
func (o *Orchestrator) VoteOn(ctx context.Context, question string, options []string) (*VoteResult, error) {
	if len(options) < 2 {
		return nil, fmt.Errorf("orchestration: vote requires at least 2 options")
	}

	roster := o.roster()
	if len(roster) == 0 {
		return nil, fmt.Errorf("orchestration: vote requires at least 1 agent")
	}

	ctx, span := observability.StartSpan(ctx, "orchestration.vote",
		trace.WithAttributes(
			attribute.String("orchestration.mode", string(ModeVote)),
			attribute.Int("orchestration.agent_count", len(roster)),
			attribute.StringSlice("orchestration.options", options),
		),
	)
	defer span.End()

	prompt := fmt.Sprintf(`Question: %s

Options:
%s

Pick exactly one option. Respond in this format:
Choice: <option>
Rationale: <one or two sentences>`, question, "- "+strings.Join(options, "\n- "))

	result := &VoteResult{Counts: make(map[string]int)}
	firstVoteOrder := []string{}

	for _, a := range roster {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		response, err := a.Execute(ctx, prompt)
		if err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("orchestration: vote %s: %w", a.Name(), err)
		}

		option, rationale := parseBallot(response.Output, options)
		if option == "" {
			// Unparseable ballot counts as abstention.
			result.Votes = append(result.Votes, Vote{Agent: a.Name(), Rationale: response.Output})
			continue
		}

		if result.Counts[option] == 0 {
			firstVoteOrder = append(firstVoteOrder, option)
		}
		result.Counts[option]++
		result.Votes = append(result.Votes, Vote{Agent: a.Name(), Option: option, Rationale: rationale})
	}

	if len(result.Counts) == 0 {
		return result, fmt.Errorf("orchestration: no valid votes cast")
	}

	// Majority wins; on a tie the option whose first vote came earliest
	// stays.
	best := -1
	tied := 0
	for _, option := range firstVoteOrder {
		switch count := result.Counts[option]; {
		case count > best:
			best = count
			result.Winner = option
			tied = 1
		case count == best:
			tied++
		}
	}
	result.TieBroken = tied > 1
	result.Agreement = float64(best) / float64(len(roster))

	span.SetAttributes(
		attribute.String("orchestration.winner", result.Winner),
		attribute.Float64("orchestration.agreement", result.Agreement),
	)
	return result, nil
}

// parseBallot extracts the chosen option and rationale from a ballot. The
// "Choice:" line is matched against the options case-insensitively;
// failing that, the first option mentioned anywhere in the text wins.
func parseBallot(text string, options []string) (option, rationale string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "choice:"):
			choice := strings.TrimSpace(trimmed[len("choice:"):])
			for _, opt := range options {
				if strings.EqualFold(choice, opt) {
					option = opt
				}
			}
		case strings.HasPrefix(lower, "rationale:"):
			rationale = strings.TrimSpace(trimmed[len("rationale:"):])
		}
	}

	if option == "" {
		lowerText := strings.ToLower(text)
		for _, opt := range options {
			if strings.Contains(lowerText, strings.ToLower(opt)) {
				option = opt
				break
			}
		}
	}
	return option, rationale
}
