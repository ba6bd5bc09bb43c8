// Package bus provides the in-process message broker serving agents and
// the orchestrator: point-to-point delivery, broadcast, topic pub/sub and
// correlated request-reply over bounded per-agent priority inboxes.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the message type.
type Kind string

const (
	KindRequest    Kind = "request"
	KindResponse   Kind = "response"
	KindTask       Kind = "task"
	KindTaskResult Kind = "task_result"
	KindQuery      Kind = "query"
	KindInform     Kind = "inform"
	KindSystem     Kind = "system"
	KindError      Kind = "error"
	KindDebateTurn Kind = "debate_turn"
)

// Priority orders delivery within an inbox.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Message is a single record on the bus.
type Message struct {
	// ID uniquely identifies the message.
	ID string `json:"id"`

	// Sender is the originating agent id.
	Sender string `json:"sender"`

	// Receiver is the target agent id; empty for broadcast and topic
	// publishes.
	Receiver string `json:"receiver,omitempty"`

	// Topic is set for topic publishes.
	Topic string `json:"topic,omitempty"`

	// Kind classifies the message.
	Kind Kind `json:"kind"`

	// Content is the opaque payload.
	Content string `json:"content"`

	// Fields carries optional structured data.
	Fields map[string]any `json:"fields,omitempty"`

	// Priority orders inbox delivery.
	Priority Priority `json:"priority"`

	// CorrelationID links a response to its request.
	CorrelationID string `json:"correlation_id,omitempty"`

	// ParentID and ThreadID track conversation lineage.
	ParentID string `json:"parent_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	// Timestamp is the creation time.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(sender string, kind Kind, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Kind:      kind,
		Content:   content,
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
	}
}

// WithReceiver sets the target agent and returns the message for chaining.
func (m *Message) WithReceiver(receiver string) *Message {
	m.Receiver = receiver
	return m
}

// WithPriority sets the priority and returns the message for chaining.
func (m *Message) WithPriority(p Priority) *Message {
	m.Priority = p
	return m
}

// WithField sets a structured field and returns the message for chaining.
func (m *Message) WithField(key string, value any) *Message {
	if m.Fields == nil {
		m.Fields = make(map[string]any)
	}
	m.Fields[key] = value
	return m
}

// Reply creates a response addressed back to the sender, inheriting the
// correlation id and thread.
func (m *Message) Reply(content string) *Message {
	reply := NewMessage(m.Receiver, KindResponse, content)
	reply.Receiver = m.Sender
	reply.CorrelationID = m.CorrelationID
	reply.ParentID = m.ID
	reply.ThreadID = m.ThreadID
	if reply.ThreadID == "" {
		reply.ThreadID = m.ID
	}
	return reply
}

// Clone returns a copy of the message with its own fields map. Used for
// broadcast fan-out so receivers cannot mutate each other's copies.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Fields != nil {
		clone.Fields = make(map[string]any, len(m.Fields))
		for k, v := range m.Fields {
			clone.Fields[k] = v
		}
	}
	return &clone
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Kind:%s, %s->%s}", m.ID, m.Kind, m.Sender, m.Receiver)
}
