/*
Package event implements Opal's per-session Event Bus.

Each session owns exactly one Bus, created by the Session Supervisor
alongside that session's message store and agent loop. Every component
that needs to observe a session — the Agent Loop, the Tool Runner, the
RPC transport — publishes or subscribes on that one instance; there is
no process-global bus, because spec.md §4.2 and §9 call for a topic
scoped to a session, not a singleton shared across them.

# Ordering and backpressure

Publish never blocks the publisher. Each subscriber is served by its own
goroutine draining an ordered mailbox, so one slow subscriber cannot
stall another. If a subscriber's mailbox backs up past an implementation
bound, the oldest non-terminal event is coalesced (dropped) to make
room for the newest one. Terminal events — agent_end, agent_abort, error
— are never coalesced and are always delivered.

# Example

	bus := event.NewBus(sessionID)
	unsubscribe := bus.Subscribe(func(e event.Event) {
		log.Printf("%s: %s", e.SessionID, e.Type)
	})
	defer unsubscribe()

	bus.Publish(event.Event{Type: event.AgentStart})
	bus.Publish(event.Event{Type: event.AgentEnd})

	bus.Close()

# Implementation

Built on watermill's gochannel pub/sub for the underlying channel
infrastructure, with a direct typed-subscriber dispatch layer on top so
callers work with a concrete Event value rather than a byte-serialized
message.
*/
package event
