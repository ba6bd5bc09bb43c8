package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentgrid-dev/agentgrid/llm/parser"
	"github.com/agentgrid-dev/agentgrid/llm/provider"
)

// ReActAgent alternates reasoning and acting: each turn the model emits a
// Thought, an Action (dispatched to the tool registry, with the
// observation fed back) or a Final Answer. The loop is bounded by
// MaxIterations; exhaustion returns the most recent assistant text with
// status "truncated".
type ReActAgent struct {
	*BaseAgent
	parser *parser.Parser
}

const reactSystemPrompt = `You solve tasks by alternating reasoning and tool use.

Each turn, respond in one of these forms:

Thought: <your reasoning about what to do next>

Thought: <reasoning>
Action: <tool_name>(<arg>=<value>, ...)

Final Answer: <your answer to the task>

Available tools:
%s

Use exactly one Action per turn. After an Action you will receive an
Observation with the tool result.`

// NewReActAgent creates a ReAct agent over the base machinery.
func NewReActAgent(base *BaseAgent) *ReActAgent {
	a := &ReActAgent{
		BaseAgent: base,
		parser:    parser.New(false),
	}
	if base.context.SystemPrompt() == "" {
		base.context.SetSystemPrompt(fmt.Sprintf(reactSystemPrompt, a.toolCatalog()))
	}
	return a
}

// Execute runs the ReAct loop on the task.
func (r *ReActAgent) Execute(ctx context.Context, task string) (*TaskResult, error) {
	r.setState(StateThinking)
	defer r.setState(StateIdle)

	result := &TaskResult{}
	messages := []provider.Message{
		{Role: "system", Content: r.context.SystemPrompt()},
		{Role: "user", Content: task},
	}

	var lastText string
	for i := 0; i < r.config.MaxIterations; i++ {
		resp, err := r.client.Chat(ctx, messages, r.options())
		if err != nil {
			r.setState(StateError)
			result.Status = "error"
			result.Error = err.Error()
			return result, err
		}
		lastText = resp.Content
		messages = append(messages, provider.Message{Role: "assistant", Content: resp.Content})

		step := r.parser.Parse(resp.Content)

		switch {
		case step.IsFinal():
			result.Steps = append(result.Steps, TraceStep{Thought: step.Thought})
			result.Output = step.FinalAnswer
			result.Status = "done"
			return result, nil

		case step.IsAction():
			r.setState(StateActing)
			observation := r.dispatch(ctx, step.Action, step.ActionInput)
			r.setState(StateThinking)

			result.Steps = append(result.Steps, TraceStep{
				Thought:     step.Thought,
				Action:      step.Action,
				Observation: observation,
			})
			messages = append(messages, provider.Message{
				Role:    "user",
				Content: "Observation: " + observation,
			})

		case step.Thought != "":
			result.Steps = append(result.Steps, TraceStep{Thought: step.Thought})
			messages = append(messages, provider.Message{
				Role:    "user",
				Content: "Continue. Emit an Action or a Final Answer.",
			})

		default:
			// No recognisable pattern; the raw text is the answer.
			result.Output = step.FinalAnswer
			result.Status = "done"
			return result, nil
		}
	}

	result.Output = lastText
	result.Status = "truncated"
	return result, nil
}

func (r *ReActAgent) dispatch(ctx context.Context, name string, args map[string]any) string {
	if r.tools == nil {
		return fmt.Sprintf("error: no tools available (requested %s)", name)
	}

	res := r.tools.Execute(ctx, name, args)
	if !res.Success {
		return "error: " + res.Error
	}

	data, err := json.Marshal(res.Data)
	if err != nil {
		return fmt.Sprintf("%v", res.Data)
	}
	return string(data)
}

func (r *ReActAgent) toolCatalog() string {
	if r.tools == nil {
		return "(none)"
	}
	var sb strings.Builder
	for _, name := range r.tools.List("") {
		if t, ok := r.tools.Get(name); ok {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Schema.Name, t.Schema.Description)
		}
	}
	if sb.Len() == 0 {
		return "(none)"
	}
	return sb.String()
}
