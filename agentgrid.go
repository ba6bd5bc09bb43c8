// Package agentgrid is an agent orchestration core: it executes
// cooperating agents against a large-language-model backend, routes
// messages between them over a typed in-process bus, invokes external
// tools under a uniform protocol, and drives declarative state-graph
// workflows with retries, conditional routing, parallel fan-out, loops
// and checkpointing.
//
// The subsystems compose bottom-up:
//
//   - llm: chat client with streaming, tool calling, rate limiting and
//     retry (llm/provider holds the wire codec, llm/parser the tolerant
//     ReAct output parser)
//   - tool: schema registry with validated execution and two schema
//     dialects (function-calling and MCP)
//   - agent: base agent plus planner, ReAct and debate-judge strategies
//   - bus: point-to-point, broadcast, topic pub/sub and request-reply
//     routing over bounded priority inboxes
//   - orchestration: sequential, parallel, debate, vote and consensus
//     coordination over a roster of agents
//   - graph: the state-graph engine with merge semantics, streaming and
//     persistent checkpoints
package agentgrid

import (
	"fmt"

	"github.com/agentgrid-dev/agentgrid/agent"
	"github.com/agentgrid-dev/agentgrid/graph"
	"github.com/agentgrid-dev/agentgrid/llm"
	"github.com/agentgrid-dev/agentgrid/orchestration"
	"github.com/agentgrid-dev/agentgrid/pkg/config"
	"github.com/agentgrid-dev/agentgrid/tool"
)

// Version of the module.
const Version = "0.3.0"

// NewClient builds an LLM client from configuration.
func NewClient(cfg *config.Config) (*llm.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return llm.NewClient(llm.ClientConfig{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RateLimit:      cfg.RateLimit,
		Burst:          cfg.Burst,
	})
}

// NewAgent builds a base agent from its configuration section.
func NewAgent(cfg config.AgentConfig, client *llm.Client, tools *tool.Registry) *agent.BaseAgent {
	return agent.NewBaseAgent(agent.Config{
		Name:          cfg.Name,
		Role:          cfg.Role,
		SystemPrompt:  cfg.SystemPrompt,
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		ContextSize:   cfg.ContextSize,
		MaxIterations: cfg.MaxIterations,
	}, client, tools)
}

// NewStore builds the checkpoint store selected by the persistence
// configuration.
func NewStore(cfg config.PersistenceConfig) (graph.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return graph.NewMemoryStore(), nil
	case "file":
		return graph.NewFileStore(cfg.Dir)
	case "redis":
		return graph.NewRedisStore(graph.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		})
	default:
		return nil, fmt.Errorf("agentgrid: unknown checkpoint store %q", cfg.Store)
	}
}

// NewOrchestrator builds an orchestrator with a judge built from the
// "judge" agent configuration, when present.
func NewOrchestrator(cfg *config.Config, client *llm.Client) *orchestration.Orchestrator {
	opts := orchestration.Options{}
	if judgeCfg, ok := cfg.Agents["judge"]; ok {
		opts.Judge = agent.NewJudgeAgent(NewAgent(judgeCfg, client, nil))
	}
	return orchestration.New(opts)
}
