package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentgrid-dev/agentgrid/llm"
	"github.com/agentgrid-dev/agentgrid/llm/provider"
	"github.com/agentgrid-dev/agentgrid/pkg/observability"
	"github.com/agentgrid-dev/agentgrid/tool"
)

// Config configures a base agent.
type Config struct {
	Name         string
	Role         string
	SystemPrompt string

	// Sampling defaults applied to every LLM call.
	Model       string
	Temperature float64
	MaxTokens   int

	// ContextSize bounds the conversation history (default 20).
	ContextSize int

	// MaxIterations bounds ReAct-style loops (default 5).
	MaxIterations int
}

// BaseAgent provides the common machinery: LLM access through the bounded
// context, optional tools, and lifecycle state. Embed it and override
// Execute for concrete strategies.
type BaseAgent struct {
	config  Config
	client  *llm.Client
	tools   *tool.Registry
	context *Context

	mu    sync.RWMutex
	state State
}

// NewBaseAgent creates a base agent. The tool registry may be nil.
func NewBaseAgent(config Config, client *llm.Client, tools *tool.Registry) *BaseAgent {
	ctx := NewContext(config.ContextSize)
	ctx.SetSystemPrompt(config.SystemPrompt)

	if config.MaxIterations <= 0 {
		config.MaxIterations = 5
	}

	return &BaseAgent{
		config:  config,
		client:  client,
		tools:   tools,
		context: ctx,
		state:   StateIdle,
	}
}

// Name returns the agent name.
func (a *BaseAgent) Name() string { return a.config.Name }

// Role returns the agent role.
func (a *BaseAgent) Role() string { return a.config.Role }

// State returns the lifecycle state.
func (a *BaseAgent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *BaseAgent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Config returns the agent configuration.
func (a *BaseAgent) Config() Config { return a.config }

// Tools returns the agent's tool registry (may be nil).
func (a *BaseAgent) Tools() *tool.Registry { return a.tools }

// Client returns the underlying LLM client.
func (a *BaseAgent) Client() *llm.Client { return a.client }

// Context returns the conversation context.
func (a *BaseAgent) Context() *Context { return a.context }

// Chat appends the user turn, calls the LLM with system prompt plus
// retained history, appends the assistant turn and returns its content.
func (a *BaseAgent) Chat(ctx context.Context, message string) (string, error) {
	return a.ChatWithMemory(ctx, message, true)
}

// ChatWithMemory is Chat with per-call control over the conversation
// memory. When useMemory is false the call sees only the system prompt and
// the message, and nothing is recorded.
func (a *BaseAgent) ChatWithMemory(ctx context.Context, message string, useMemory bool) (string, error) {
	a.setState(StateThinking)
	defer a.setState(StateIdle)

	start := time.Now()
	defer func() {
		observability.RecordAgentExecution(a.config.Name, time.Since(start))
	}()

	var messages []provider.Message
	if useMemory {
		a.context.Append("user", message)
		messages = a.context.Messages()
	} else {
		if sys := a.context.SystemPrompt(); sys != "" {
			messages = append(messages, provider.Message{Role: "system", Content: sys})
		}
		messages = append(messages, provider.Message{Role: "user", Content: message})
	}

	resp, err := a.client.Chat(ctx, messages, a.options())
	if err != nil {
		a.setState(StateError)
		return "", fmt.Errorf("agent %s: chat: %w", a.config.Name, err)
	}

	if useMemory {
		a.context.Append("assistant", resp.Content)
	}
	return resp.Content, nil
}

// Execute is the strategy hook; the base implementation answers the task
// with a single chat turn.
func (a *BaseAgent) Execute(ctx context.Context, task string) (*TaskResult, error) {
	output, err := a.Chat(ctx, task)
	if err != nil {
		return &TaskResult{Status: "error", Error: err.Error()}, err
	}
	return &TaskResult{Output: output, Status: "done"}, nil
}

func (a *BaseAgent) options() *llm.Options {
	return &llm.Options{
		Model:       a.config.Model,
		Temperature: a.config.Temperature,
		MaxTokens:   a.config.MaxTokens,
	}
}
