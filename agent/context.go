package agent

import (
	"sync"

	"github.com/agentgrid-dev/agentgrid/llm/provider"
)

// DefaultContextSize is the conversation cap when none is configured.
const DefaultContextSize = 20

// Context is a bounded conversation history. The system prompt lives in
// its own slot and is never evicted; when the turn cap is exceeded the
// oldest non-system turns drop first.
type Context struct {
	mu           sync.Mutex
	systemPrompt string
	turns        []provider.Message
	maxTurns     int
}

// NewContext creates a conversation context holding at most maxTurns
// non-system turns (DefaultContextSize when maxTurns <= 0).
func NewContext(maxTurns int) *Context {
	if maxTurns <= 0 {
		maxTurns = DefaultContextSize
	}
	return &Context{maxTurns: maxTurns}
}

// SetSystemPrompt sets the preserved system slot.
func (c *Context) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = prompt
}

// SystemPrompt returns the system slot.
func (c *Context) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemPrompt
}

// Append adds a turn, evicting the oldest turns beyond the cap.
func (c *Context) Append(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, provider.Message{Role: role, Content: content})
	if len(c.turns) > c.maxTurns {
		c.turns = c.turns[len(c.turns)-c.maxTurns:]
	}
}

// Messages returns the system prompt (when set) followed by the retained
// turns, ready to hand to the LLM.
func (c *Context) Messages() []provider.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]provider.Message, 0, len(c.turns)+1)
	if c.systemPrompt != "" {
		out = append(out, provider.Message{Role: "system", Content: c.systemPrompt})
	}
	return append(out, c.turns...)
}

// Len returns the number of retained non-system turns.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Clear drops the conversation turns, keeping the system slot.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}
