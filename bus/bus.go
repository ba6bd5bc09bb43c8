package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentgrid-dev/agentgrid/pkg/observability"
)

// Errors returned by bus operations.
var (
	// ErrUnknownAgent indicates the receiver is not registered.
	ErrUnknownAgent = errors.New("bus: unknown agent")

	// ErrBackpressure indicates the receiver's inbox is full and the
	// message could not displace a lower-priority entry.
	ErrBackpressure = errors.New("bus: inbox full")

	// ErrTimeout indicates a request-reply wait expired.
	ErrTimeout = errors.New("bus: request timed out")

	// ErrRateLimited indicates the sender exceeded its send rate or its
	// per-turn message cap.
	ErrRateLimited = errors.New("bus: sender rate limited")

	// ErrClosed indicates the bus has been shut down.
	ErrClosed = errors.New("bus: closed")
)

// Options configures a Bus.
type Options struct {
	// InboxCapacity bounds each agent inbox (default 100).
	InboxCapacity int

	// HistoryLimit caps the delivered-message history (default 1000).
	HistoryLimit int

	// SendRetries is the per-message retry budget for Send against
	// backpressure (default 0: fail fast).
	SendRetries int

	// SendRetryDelay is the backoff base between send retries
	// (default 10ms, doubled per attempt).
	SendRetryDelay time.Duration

	// SendRateLimit throttles each sender to this many messages per
	// second across Send, Broadcast and Publish (0 = unlimited).
	// SendBurst is the per-sender bucket size (default 1 when a rate is
	// set).
	SendRateLimit float64
	SendBurst     int

	// MaxPerTurn caps how many messages a sender may put on the bus per
	// speaking turn while turn control is active (0 = unlimited). The
	// counts reset on NextTurn.
	MaxPerTurn int
}

// SendFlags tune a single Send call.
type SendFlags struct {
	// DropLowest permits evicting a lower-priority tail entry from a full
	// inbox instead of failing with ErrBackpressure.
	DropLowest bool

	// Retry enables the bus's retry policy for this message.
	Retry bool
}

// Bus is the central in-process message broker. All tables are guarded by
// a single mutex; per-inbox locking handles enqueue/dequeue.
type Bus struct {
	mu            sync.RWMutex
	inboxes       map[string]*inbox
	subscriptions map[string]map[string]struct{}
	subOrder      map[string][]string
	history       []*Message
	pending       map[string]chan *Message
	opts          Options
	closed        bool

	// per-agent send throttling
	senderLimiters map[string]*rate.Limiter
	turnCounts     map[string]int

	// turn control (round-robin speaker rotation for debate)
	speakers     []string
	speakerIndex int
}

// New creates a bus.
func New(opts Options) *Bus {
	if opts.InboxCapacity == 0 {
		opts.InboxCapacity = 100
	}
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = 1000
	}
	if opts.SendRetryDelay == 0 {
		opts.SendRetryDelay = 10 * time.Millisecond
	}
	if opts.SendRateLimit > 0 && opts.SendBurst <= 0 {
		opts.SendBurst = 1
	}
	return &Bus{
		inboxes:        make(map[string]*inbox),
		subscriptions:  make(map[string]map[string]struct{}),
		subOrder:       make(map[string][]string),
		pending:        make(map[string]chan *Message),
		senderLimiters: make(map[string]*rate.Limiter),
		turnCounts:     make(map[string]int),
		opts:           opts,
	}
}

// Register adds an agent. Duplicate ids fail.
func (b *Bus) Register(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if _, exists := b.inboxes[agentID]; exists {
		return fmt.Errorf("bus: agent %s already registered", agentID)
	}
	b.inboxes[agentID] = newInbox(b.opts.InboxCapacity)
	return nil
}

// Unregister removes an agent, drains its inbox and clears its
// subscriptions.
func (b *Bus) Unregister(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	in, exists := b.inboxes[agentID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	in.drain()
	delete(b.inboxes, agentID)

	for topic, subs := range b.subscriptions {
		if _, ok := subs[agentID]; ok {
			delete(subs, agentID)
			b.subOrder[topic] = removeString(b.subOrder[topic], agentID)
			if len(subs) == 0 {
				delete(b.subscriptions, topic)
				delete(b.subOrder, topic)
			}
		}
	}
	return nil
}

// Registered reports whether an agent is on the bus.
func (b *Bus) Registered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.inboxes[agentID]
	return ok
}

// Agents returns the registered agent ids.
func (b *Bus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		out = append(out, id)
	}
	return out
}

// Send delivers a message point-to-point. An unknown receiver fails with
// ErrUnknownAgent; a full inbox fails with ErrBackpressure unless the
// flags permit displacement. With flags.Retry the bus retries
// backpressure failures with exponential backoff up to its configured
// budget; routing errors are never retried.
func (b *Bus) Send(msg *Message, flags SendFlags) error {
	if err := b.allowSend(msg.Sender); err != nil {
		return err
	}

	attempts := 1
	if flags.Retry {
		attempts += b.opts.SendRetries
	}

	var err error
	delay := b.opts.SendRetryDelay
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		err = b.sendOnce(msg, flags.DropLowest)
		if err == nil || !errors.Is(err, ErrBackpressure) {
			return err
		}
	}
	return err
}

func (b *Bus) sendOnce(msg *Message, dropLowest bool) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	in, exists := b.inboxes[msg.Receiver]
	b.mu.RUnlock()

	if !exists {
		observability.RecordBusFailure("unknown_agent")
		return fmt.Errorf("%w: %s", ErrUnknownAgent, msg.Receiver)
	}

	// A response matching a pending request-reply slot is consumed by the
	// waiter instead of the receiver's inbox: exactly one delivery.
	if b.deliverPending(msg) {
		b.recordHistory(msg)
		observability.RecordBusMessage(string(msg.Kind), "reply")
		return nil
	}

	if !in.push(msg, dropLowest) {
		observability.RecordBusFailure("backpressure")
		return fmt.Errorf("%w: receiver %s", ErrBackpressure, msg.Receiver)
	}

	b.recordHistory(msg)
	observability.RecordBusMessage(string(msg.Kind), "p2p")
	return nil
}

// Broadcast enqueues a copy of the message to every registered agent
// except the sender. Fan-out is not atomic; delivery failures are counted
// but remaining receivers still get their copies. History records only
// successfully enqueued copies.
func (b *Bus) Broadcast(msg *Message) (delivered int, err error) {
	if err := b.allowSend(msg.Sender); err != nil {
		return 0, err
	}

	b.mu.RLock()
	targets := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		if id != msg.Sender {
			targets = append(targets, id)
		}
	}
	b.mu.RUnlock()

	var firstErr error
	for _, id := range targets {
		cp := msg.Clone()
		cp.Receiver = id
		if sendErr := b.sendOnce(cp, false); sendErr != nil {
			if firstErr == nil {
				firstErr = sendErr
			}
			continue
		}
		delivered++
	}
	observability.RecordBusMessage(string(msg.Kind), "broadcast")
	return delivered, firstErr
}

// Publish enqueues the message to every current subscriber of the topic.
func (b *Bus) Publish(topic string, msg *Message) (delivered int, err error) {
	if err := b.allowSend(msg.Sender); err != nil {
		return 0, err
	}

	b.mu.RLock()
	order := make([]string, len(b.subOrder[topic]))
	copy(order, b.subOrder[topic])
	b.mu.RUnlock()

	msg.Topic = topic

	var firstErr error
	for _, id := range order {
		cp := msg.Clone()
		cp.Receiver = id
		if sendErr := b.sendOnce(cp, false); sendErr != nil {
			if firstErr == nil {
				firstErr = sendErr
			}
			continue
		}
		delivered++
	}
	observability.RecordBusMessage(string(msg.Kind), "pubsub")
	return delivered, firstErr
}

// Subscribe adds an agent to a topic's subscriber set.
func (b *Bus) Subscribe(agentID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.inboxes[agentID]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	subs, ok := b.subscriptions[topic]
	if !ok {
		subs = make(map[string]struct{})
		b.subscriptions[topic] = subs
	}
	if _, already := subs[agentID]; !already {
		subs[agentID] = struct{}{}
		b.subOrder[topic] = append(b.subOrder[topic], agentID)
	}
	return nil
}

// Unsubscribe removes an agent from a topic.
func (b *Bus) Unsubscribe(agentID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscriptions[topic]; ok {
		delete(subs, agentID)
		b.subOrder[topic] = removeString(b.subOrder[topic], agentID)
		if len(subs) == 0 {
			delete(b.subscriptions, topic)
			delete(b.subOrder, topic)
		}
	}
}

// RequestReply sends a request and suspends until a response with the
// matching correlation id arrives or the timeout elapses. The pending slot
// is removed in either case.
func (b *Bus) RequestReply(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	correlationID := uuid.New().String()
	msg.CorrelationID = correlationID
	if msg.Kind == "" {
		msg.Kind = KindRequest
	}

	slot := make(chan *Message, 1)
	b.mu.Lock()
	b.pending[correlationID] = slot
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
	}()

	if err := b.Send(msg, SendFlags{}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-slot:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliverPending resolves a waiting request-reply slot when a response
// carries a known correlation id, reporting whether the message was
// consumed by a waiter.
func (b *Bus) deliverPending(msg *Message) bool {
	if msg.Kind != KindResponse || msg.CorrelationID == "" {
		return false
	}
	b.mu.RLock()
	slot, ok := b.pending[msg.CorrelationID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case slot <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message is available in the agent's inbox or the
// context is cancelled. Higher-priority messages dequeue first; ties keep
// enqueue order.
func (b *Bus) Receive(ctx context.Context, agentID string) (*Message, error) {
	b.mu.RLock()
	in, exists := b.inboxes[agentID]
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	msg, ok := in.pop(ctx.Done())
	if !ok {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrClosed
	}
	return msg, nil
}

// TryReceive dequeues without blocking.
func (b *Bus) TryReceive(agentID string) (*Message, bool) {
	b.mu.RLock()
	in, exists := b.inboxes[agentID]
	b.mu.RUnlock()
	if !exists {
		return nil, false
	}
	return in.tryPop()
}

// History returns up to limit most recent delivered messages (0 = all),
// optionally filtered to one agent's sends and receipts.
func (b *Bus) History(limit int, agentID string) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msgs := b.history
	if agentID != "" {
		filtered := make([]*Message, 0, len(msgs))
		for _, m := range msgs {
			if m.Sender == agentID || m.Receiver == agentID {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]*Message, len(msgs))
	copy(out, msgs)
	return out
}

func (b *Bus) recordHistory(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, msg)
	if len(b.history) > b.opts.HistoryLimit {
		b.history = b.history[len(b.history)-b.opts.HistoryLimit:]
	}
}

// allowSend enforces the per-agent send throttles: a token-bucket rate
// limit and, while turn control is active, a per-turn message cap. Counts
// apply once per logical send, before any retry or fan-out.
func (b *Bus) allowSend(sender string) error {
	if b.opts.SendRateLimit <= 0 && b.opts.MaxPerTurn <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opts.MaxPerTurn > 0 && len(b.speakers) > 0 {
		if b.turnCounts[sender] >= b.opts.MaxPerTurn {
			observability.RecordBusFailure("rate_limited")
			return fmt.Errorf("%w: %s exceeded %d messages this turn", ErrRateLimited, sender, b.opts.MaxPerTurn)
		}
	}

	if b.opts.SendRateLimit > 0 {
		limiter, ok := b.senderLimiters[sender]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(b.opts.SendRateLimit), b.opts.SendBurst)
			b.senderLimiters[sender] = limiter
		}
		if !limiter.Allow() {
			observability.RecordBusFailure("rate_limited")
			return fmt.Errorf("%w: %s", ErrRateLimited, sender)
		}
	}

	b.turnCounts[sender]++
	return nil
}

// SetupTurnControl installs a round-robin speaker rotation, used by the
// debate orchestration mode.
func (b *Bus) SetupTurnControl(agentIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speakers = append([]string(nil), agentIDs...)
	b.speakerIndex = 0
}

// CurrentSpeaker returns the agent whose turn it is, or "" when turn
// control is not configured.
func (b *Bus) CurrentSpeaker() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.speakers) == 0 {
		return ""
	}
	return b.speakers[b.speakerIndex]
}

// NextTurn rotates to the next speaker, resets the per-turn send counts
// and returns the new speaker.
func (b *Bus) NextTurn() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.speakers) == 0 {
		return ""
	}
	b.turnCounts = make(map[string]int)
	b.speakerIndex = (b.speakerIndex + 1) % len(b.speakers)
	return b.speakers[b.speakerIndex]
}

// Stats reports table sizes for monitoring.
func (b *Bus) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	queueSizes := make(map[string]int, len(b.inboxes))
	for id, in := range b.inboxes {
		queueSizes[id] = in.size()
	}
	return map[string]any{
		"total_agents":    len(b.inboxes),
		"total_messages":  len(b.history),
		"topics":          len(b.subscriptions),
		"pending_replies": len(b.pending),
		"queue_sizes":     queueSizes,
	}
}

// Close shuts down the bus, draining every inbox and waking blocked
// receivers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, in := range b.inboxes {
		in.drain()
	}
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
