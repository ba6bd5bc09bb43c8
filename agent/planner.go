package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Plan is the structured output of the planner.
type Plan struct {
	Goal          string     `json:"goal"`
	Steps         []PlanStep `json:"steps"`
	Resources     []string   `json:"resources,omitempty"`
	EstimatedCost string     `json:"estimated_cost,omitempty"`
}

// PlanStep is one ordered step of a plan.
type PlanStep struct {
	Description    string `json:"description"`
	ExpectedOutput string `json:"expected_output,omitempty"`
}

// PlannerAgent is a single-shot strategy: given a goal it emits a
// structured plan parsed leniently from the model's free-form output.
type PlannerAgent struct {
	*BaseAgent
}

const plannerSystemPrompt = `You are a task planner. Given a goal, produce an execution plan.

Respond with a JSON object of this shape:
{
  "steps": [{"description": "...", "expected_output": "..."}],
  "resources": ["..."],
  "estimated_cost": "..."
}

If you cannot produce JSON, list the steps as numbered lines, resources
under a "Resources:" heading and the cost under "Estimated cost:".`

// NewPlannerAgent creates a planner over the base agent machinery.
func NewPlannerAgent(base *BaseAgent) *PlannerAgent {
	if base.context.SystemPrompt() == "" {
		base.context.SetSystemPrompt(plannerSystemPrompt)
	}
	return &PlannerAgent{BaseAgent: base}
}

// Execute plans the task and returns the plan serialised as JSON.
func (p *PlannerAgent) Execute(ctx context.Context, task string) (*TaskResult, error) {
	plan, err := p.CreatePlan(ctx, task)
	if err != nil {
		return &TaskResult{Status: "error", Error: err.Error()}, err
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return &TaskResult{Status: "error", Error: err.Error()}, err
	}
	return &TaskResult{Output: string(data), Status: "done"}, nil
}

// CreatePlan asks the model for a plan and parses it.
func (p *PlannerAgent) CreatePlan(ctx context.Context, goal string) (*Plan, error) {
	p.setState(StateThinking)
	defer p.setState(StateIdle)

	response, err := p.ChatWithMemory(ctx, "Goal: "+goal, false)
	if err != nil {
		return nil, err
	}

	plan := ParsePlan(response)
	plan.Goal = goal
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("planner %s: no steps recognised in response", p.Name())
	}
	return plan, nil
}

// AnalyzeTask asks the model for a structured analysis of a task without
// committing to a plan.
func (p *PlannerAgent) AnalyzeTask(ctx context.Context, task string) (string, error) {
	prompt := fmt.Sprintf(`Analyze the following task. Provide:
1. The objective
2. The main steps (3-5)
3. Required resources or tools
4. Potential challenges

Task: %s`, task)
	return p.ChatWithMemory(ctx, prompt, false)
}

var (
	planFenceRe    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	numberedStepRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+)$`)
	resourceRe     = regexp.MustCompile(`(?i)^resources?\s*:`)
	costRe         = regexp.MustCompile(`(?i)^estimated\s+cost\s*:\s*(.+)$`)
)

// ParsePlan extracts a Plan from model output. Strict JSON is preferred
// (bare or inside a code fence); otherwise numbered or bulleted lines
// become steps, with "Resources:" and "Estimated cost:" sections honoured.
func ParsePlan(text string) *Plan {
	if plan := parsePlanJSON(strings.TrimSpace(text)); plan != nil {
		return plan
	}
	for _, m := range planFenceRe.FindAllStringSubmatch(text, -1) {
		if plan := parsePlanJSON(strings.TrimSpace(m[1])); plan != nil {
			return plan
		}
	}
	return parsePlanLines(text)
}

func parsePlanJSON(text string) *Plan {
	if !strings.HasPrefix(text, "{") {
		return nil
	}
	var plan Plan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return nil
	}
	if len(plan.Steps) == 0 {
		return nil
	}
	return &plan
}

func parsePlanLines(text string) *Plan {
	plan := &Plan{}
	inResources := false

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if m := costRe.FindStringSubmatch(trimmed); m != nil {
			plan.EstimatedCost = strings.TrimSpace(m[1])
			inResources = false
			continue
		}
		if resourceRe.MatchString(trimmed) {
			inResources = true
			continue
		}

		if m := numberedStepRe.FindStringSubmatch(line); m != nil {
			item := strings.TrimSpace(m[1])
			if inResources {
				plan.Resources = append(plan.Resources, item)
				continue
			}
			step := PlanStep{Description: item}
			// "do X -> expect Y" carries the expected output inline.
			if desc, expect, ok := strings.Cut(item, "->"); ok {
				step.Description = strings.TrimSpace(desc)
				step.ExpectedOutput = strings.TrimSpace(expect)
			}
			plan.Steps = append(plan.Steps, step)
		}
	}
	return plan
}
