// Package event implements the per-session Event Bus: one ordered topic
// per session, non-blocking publish, and coalescing backpressure for
// subscribers that fall behind.
package event

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies an event record's kind. The exhaustive set is named in
// SPEC_FULL.md / spec.md §6's notification table.
type Type string

const (
	AgentStart         Type = "agent_start"
	AgentEnd           Type = "agent_end"
	AgentAbort         Type = "agent_abort"
	AgentRecovered     Type = "agent_recovered"
	MessageStart       Type = "message_start"
	MessageDelta       Type = "message_delta"
	ThinkingStart      Type = "thinking_start"
	ThinkingDelta      Type = "thinking_delta"
	ToolExecutionStart Type = "tool_execution_start"
	ToolExecutionEnd   Type = "tool_execution_end"
	TurnEnd            Type = "turn_end"
	ContextDiscovered  Type = "context_discovered"
	SkillLoaded        Type = "skill_loaded"
	SubAgentEvent      Type = "sub_agent_event"
	UsageUpdate        Type = "usage_update"
	StatusUpdate       Type = "status_update"
	Error              Type = "error"
)

// terminal marks the event types that are never coalesced and always
// flushed promptly by a batching publisher.
var terminal = map[Type]bool{
	AgentEnd:   true,
	AgentAbort: true,
	Error:      true,
}

// IsTerminal reports whether t closes out a turn.
func IsTerminal(t Type) bool {
	return terminal[t]
}

// Event is one record on a session's bus.
type Event struct {
	SessionID string         `json:"session_id"`
	Type      Type           `json:"type"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Subscriber receives events in publish order.
type Subscriber func(Event)

// mailboxBound is the implementation-defined backlog size past which
// the oldest non-terminal event is coalesced (dropped in favor of the
// newer one) rather than growing the queue unbounded.
const mailboxBound = 64

// Bus is a single session's ordered event topic, built on a watermill
// gochannel: Publish marshals onto the topic, one internal dispatcher
// goroutine consumes it in order and fans out to subscriber mailboxes.
// Publish never blocks the caller; each subscriber drains its own
// mailbox, so a slow subscriber only coalesces its own backlog, never
// another's.
type Bus struct {
	sessionID string
	topic     string
	pubsub    *gochannel.GoChannel
	ctx       context.Context
	cancel    context.CancelFunc

	mu          sync.Mutex
	subscribers map[uint64]*mailbox
	nextID      uint64
	closed      bool
}

// NewBus creates a new per-session event bus.
func NewBus(sessionID string) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		sessionID: sessionID,
		topic:     "session." + sessionID,
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: int64(mailboxBound), Persistent: false},
			watermill.NopLogger{},
		),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[uint64]*mailbox),
	}

	messages, err := b.pubsub.Subscribe(ctx, b.topic)
	if err == nil {
		go b.dispatch(messages)
	}
	return b
}

func (b *Bus) dispatch(messages <-chan *message.Message) {
	for msg := range messages {
		var e Event
		if err := json.Unmarshal(msg.Payload, &e); err == nil {
			b.fanOut(e)
		}
		msg.Ack()
	}
}

func (b *Bus) fanOut(e Event) {
	b.mu.Lock()
	boxes := make([]*mailbox, 0, len(b.subscribers))
	for _, mb := range b.subscribers {
		boxes = append(boxes, mb)
	}
	b.mu.Unlock()

	for _, mb := range boxes {
		mb.push(e)
	}
}

// Subscribe registers fn to receive every event published after this
// call, in publish order. Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	mb := newMailbox(fn)
	b.subscribers[id] = mb
	go mb.run()

	return func() {
		b.mu.Lock()
		mb, ok := b.subscribers[id]
		delete(b.subscribers, id)
		b.mu.Unlock()
		if ok {
			mb.close()
		}
	}
}

// Publish delivers an event to every subscriber asynchronously. The
// call itself never blocks: the underlying gochannel buffers the write,
// and each subscriber's mailbox coalesces on its own if it can't keep up.
func (b *Bus) Publish(e Event) {
	e.SessionID = b.sessionID
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	_ = b.pubsub.Publish(b.topic, msg)
}

// PublishSync delivers an event to every subscriber's mailbox
// immediately, bypassing the gochannel hop, for call sites (e.g. crash
// recovery) that need the event queued for subscribers before
// returning. Each subscriber's goroutine still runs its handler
// asynchronously, possibly after PublishSync has returned.
func (b *Bus) PublishSync(e Event) {
	e.SessionID = b.sessionID
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.fanOut(e)
}

// Close tears down the bus and every subscriber mailbox.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	boxes := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	b.cancel()
	for _, mb := range boxes {
		mb.close()
	}
	return b.pubsub.Close()
}

// mailbox is one subscriber's ordered, coalescing event queue.
type mailbox struct {
	fn Subscriber

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []Event
	closed bool
}

func newMailbox(fn Subscriber) *mailbox {
	mb := &mailbox{fn: fn}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) push(e Event) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	if len(mb.buf) >= mailboxBound && !IsTerminal(e.Type) {
		// Coalesce: drop the oldest non-terminal event to make room.
		for i, queued := range mb.buf {
			if !IsTerminal(queued.Type) {
				mb.buf = append(mb.buf[:i], mb.buf[i+1:]...)
				break
			}
		}
	}
	mb.buf = append(mb.buf, e)
	mb.cond.Signal()
}

func (mb *mailbox) run() {
	for {
		mb.mu.Lock()
		for len(mb.buf) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if len(mb.buf) == 0 && mb.closed {
			mb.mu.Unlock()
			return
		}
		e := mb.buf[0]
		mb.buf = mb.buf[1:]
		mb.mu.Unlock()

		mb.fn(e)
	}
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.cond.Broadcast()
}
