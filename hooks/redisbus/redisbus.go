// Package redisbus implements hooks.Bus over Redis pub/sub so the TUI or
// JSON-RPC handler can subscribe to a session's events from a different
// process than the one running the agent loop.
//
// Grounded on goa-ai's features/stream/pulse client wrapper (a thin
// interface over a *redis.Client injected by the caller), but built
// directly on go-redis/v9's pub/sub primitives rather than Pulse streams:
// opal only needs fire-and-forget fan-out (spec.md §4.7 explicitly states
// the bus "retains no history"), which is exactly redis PUBLISH/SUBSCRIBE
// semantics, without the durability and consumer-group machinery Pulse
// streams add for goa-ai's at-least-once workflow signals.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/opal-run/opal/hooks"
)

// Bus publishes and subscribes to a single session's events on a Redis
// channel named "opal:events:<sessionID>".
type Bus struct {
	client    *redis.Client
	channel   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// New constructs a Redis-backed bus for sessionID. The returned Bus owns a
// background context used for its internal publish calls; call Close to
// release it.
func New(client *redis.Client, sessionID string) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		client:  client,
		channel: channelName(sessionID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func channelName(sessionID string) string {
	return fmt.Sprintf("opal:events:%s", sessionID)
}

// Broadcast implements hooks.Bus by publishing the JSON-encoded event to
// the session's Redis channel. Publish errors are swallowed (logged by the
// caller's wrapper, if any) per spec.md §5: a broadcast must never block or
// fail the emitting agent.
func (b *Bus) Broadcast(event hooks.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = b.client.Publish(b.ctx, b.channel, data).Err()
}

// Subscribe implements hooks.Bus by opening a Redis subscription and
// decoding messages into hooks.Event values on a goroutine. Decode
// failures are skipped rather than delivered.
func (b *Bus) Subscribe() (<-chan hooks.Event, func()) {
	sub := b.client.Subscribe(b.ctx, b.channel)
	out := make(chan hooks.Event, 256)

	ctx, cancel := context.WithCancel(b.ctx)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev hooks.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
					// Drop-oldest policy matches hooks.bus: discard one
					// buffered event to make room rather than block.
					select {
					case <-out:
					default:
					}
					select {
					case out <- ev:
					default:
					}
				}
			}
		}
	}()

	unsubscribe := func() {
		cancel()
		_ = sub.Close()
	}
	return out, unsubscribe
}

// Close releases the bus's background context and its Redis client
// resources owned here (the *redis.Client itself is caller-owned and not
// closed).
func (b *Bus) Close() {
	b.cancel()
}

var _ hooks.Bus = (*Bus)(nil)
