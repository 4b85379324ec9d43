// Package hooks implements the per-session streaming event bus: fan-out
// pub/sub delivering text, thinking, tool, and sub-agent events to
// observers (the TUI, the JSON-RPC handler, parent agents forwarding
// sub-agent events).
//
// Shape grounded on goa-ai's runtime/agent/hooks.Bus (Subscriber/
// Subscription registration, Register returns a closeable handle) but the
// delivery model is adapted: the teacher's Bus is synchronous, single-
// process, and fail-fast-on-subscriber-error, which would let a slow or
// broken subscriber block the emitting agent — exactly what spec.md §4.7
// and §5 forbid ("never backs up the emitter... slow subscribers may drop
// their own mailbox overflow but must not block the agent"). This bus
// instead gives every subscriber its own buffered channel, which Broadcast
// writes to without blocking, and drops the oldest buffered event on
// overflow rather than blocking Broadcast.
package hooks

import (
	"sync"
)

// subscriberBufferSize bounds how many events a slow subscriber may lag
// behind before the bus starts dropping its oldest unread events. This is
// the documented backpressure policy spec.md §5 requires implementers to
// choose and record.
const subscriberBufferSize = 256

// Bus is a per-session fan-out registry. Use New to obtain a standalone
// Bus, or Registry.Bus (on a Registry from NewRegistry) to get the Bus of
// one session from a process-wide, session-sharded registry.
type Bus interface {
	// Subscribe registers a new observer and returns a channel delivering
	// every event broadcast after this call, plus an unsubscribe func.
	// The channel is closed when Unsubscribe is called or the bus is
	// closed.
	Subscribe() (events <-chan Event, unsubscribe func())

	// Broadcast fans event out to every live subscriber. It never blocks
	// on a slow subscriber.
	Broadcast(event Event)

	// Close unsubscribes and closes the channel of every live subscriber.
	Close()
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// New constructs an empty, ready-to-use Bus for a single session.
func New() Bus {
	return &bus{subscribers: make(map[*subscriber]struct{})}
}

func (b *bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, unsubscribe
}

// Broadcast delivers event to every subscriber registered at the moment of
// the call. Delivery is at-most-once per subscriber and ordered per
// subscriber (preserved by Go channel semantics); across subscribers there
// is no ordering guarantee beyond "registration-time snapshot."
//
// If a subscriber's buffer is full, its oldest buffered event is dropped to
// make room — this never blocks the caller, satisfying the "must not block
// the agent" contract at the cost of silently losing history for a
// slow reader. Subscribers that need completeness should buffer
// aggressively on their own side or poll state via get_state instead of
// relying on the bus for replay.
func (b *bus) Broadcast(event Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			// Buffer full: drop the oldest queued event and retry once.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- event:
			default:
				// Lost a race with a concurrent drain; give up silently
				// rather than spin or block.
			}
		}
	}
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	b.subscribers = make(map[*subscriber]struct{})
}
