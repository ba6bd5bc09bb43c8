package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Decision is the judge's verdict on a debate.
type Decision string

const (
	DecisionContinue   Decision = "CONTINUE"
	DecisionConsensus  Decision = "CONSENSUS"
	DecisionSufficient Decision = "SUFFICIENT"
	DecisionDivergence Decision = "DIVERGENCE"
	DecisionTimeout    Decision = "TIMEOUT"
)

// Judgment is the structured outcome of a debate evaluation.
type Judgment struct {
	Decision    Decision `json:"decision"`
	Confidence  float64  `json:"confidence"`
	Reason      string   `json:"reason"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Turn is one (agent, content) entry of a debate transcript.
type Turn struct {
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

// JudgeAgent is a ReAct variant that arbitrates multi-agent debates: it
// reads the transcript and decides whether the discussion should
// terminate.
type JudgeAgent struct {
	*BaseAgent
}

const judgeSystemPrompt = `You are a debate arbiter. You observe a multi-agent discussion and
decide whether it should terminate.

Criteria:
- CONSENSUS: the positions have converged, no major disagreement remains
- SUFFICIENT: the key points are covered, further rounds add little
- DIVERGENCE: the positions are too far apart, outside intervention is needed
- CONTINUE: there is still productive ground to cover
- TIMEOUT: too many rounds, force termination

Respond in exactly this format:

Thought: <analysis of the discussion state>
Observation: <key positions, agreements and disagreements>
Decision: <one of CONTINUE/CONSENSUS/SUFFICIENT/DIVERGENCE/TIMEOUT>
Confidence: <number between 0.0 and 1.0>
Reason: <why you decided this>
Suggestions: <suggestion 1> | <suggestion 2>`

// NewJudgeAgent creates a debate judge over the base machinery.
func NewJudgeAgent(base *BaseAgent) *JudgeAgent {
	if base.context.SystemPrompt() == "" {
		base.context.SetSystemPrompt(judgeSystemPrompt)
	}
	return &JudgeAgent{BaseAgent: base}
}

// Judge evaluates the debate transcript at the given round.
func (j *JudgeAgent) Judge(ctx context.Context, history []Turn, round, maxRounds int) (*Judgment, error) {
	j.setState(StateThinking)
	defer j.setState(StateIdle)

	participants := make(map[string]struct{})
	for _, t := range history {
		participants[t.Agent] = struct{}{}
	}

	prompt := fmt.Sprintf(`Evaluate this debate.

Current state:
- Round: %d/%d
- Participants: %d
- Total turns: %d

Transcript:
%s`, round, maxRounds, len(participants), len(history), formatTranscript(history))

	response, err := j.ChatWithMemory(ctx, prompt, false)
	if err != nil {
		return nil, err
	}
	return parseJudgment(response), nil
}

// ShouldTerminate reports whether the debate should stop: any decision
// other than CONTINUE, at or above the confidence threshold.
func (j *JudgeAgent) ShouldTerminate(ctx context.Context, history []Turn, round, maxRounds int, minConfidence float64) (bool, *Judgment, error) {
	judgment, err := j.Judge(ctx, history, round, maxRounds)
	if err != nil {
		return false, nil, err
	}
	stop := judgment.Decision != DecisionContinue && judgment.Confidence >= minConfidence
	return stop, judgment, nil
}

// AnalyzeConsensus asks for a free-form consensus analysis of the
// transcript: agreements, disagreements and an overall score.
func (j *JudgeAgent) AnalyzeConsensus(ctx context.Context, history []Turn) (string, error) {
	prompt := fmt.Sprintf(`Analyze the degree of consensus in this discussion:

%s

Report:
1. Points of agreement
2. Points of contention
3. Consensus score (0-10)
4. Summary of the main positions`, formatTranscript(history))
	return j.ChatWithMemory(ctx, prompt, false)
}

func formatTranscript(history []Turn) string {
	var sb strings.Builder
	for i, t := range history {
		fmt.Fprintf(&sb, "[%d] %s: %s\n", i+1, t.Agent, t.Content)
	}
	return sb.String()
}

var (
	confidenceRe  = regexp.MustCompile(`(?i)Confidence:\s*(0?\.\d+|1\.0|1|0)`)
	reasonRe      = regexp.MustCompile(`(?is)Reason:\s*(.+?)(?:\nSuggestions:|$)`)
	suggestionsRe = regexp.MustCompile(`(?is)Suggestions:\s*(.+)$`)
)

// parseJudgment extracts the structured verdict from the judge's output.
// Unrecognised responses default to CONTINUE at confidence 0.5 so a noisy
// judge never force-stops a debate.
func parseJudgment(text string) *Judgment {
	j := &Judgment{Decision: DecisionContinue, Confidence: 0.5}

	upper := strings.ToUpper(text)
	for _, d := range []Decision{DecisionConsensus, DecisionSufficient, DecisionDivergence, DecisionTimeout} {
		if strings.Contains(upper, string(d)) {
			j.Decision = d
			break
		}
	}

	if m := confidenceRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			j.Confidence = v
		}
	}
	if m := reasonRe.FindStringSubmatch(text); m != nil {
		j.Reason = strings.TrimSpace(m[1])
	}
	if m := suggestionsRe.FindStringSubmatch(text); m != nil {
		for _, s := range strings.Split(m[1], "|") {
			if s = strings.TrimSpace(s); s != "" {
				j.Suggestions = append(j.Suggestions, s)
			}
		}
	}
	return j
}
