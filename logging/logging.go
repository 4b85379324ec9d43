// Package logging wires opal's ambient structured-logging stack:
// goa.design/clue/log carried straight from the teacher's own telemetry
// package, plus a thin adapter that turns hooks.Event values into
// clue log lines for operators who want the event stream on stderr/stdout
// in addition to (or instead of) a UI subscriber.
package logging

import (
	"context"

	"goa.design/clue/log"

	"github.com/opal-run/opal/hooks"
)

// Format selects the clue log encoding.
type Format = log.Format

// Options configures NewContext.
type Options struct {
	// Debug enables debug-level log lines.
	Debug bool
	// JSON forces JSON-formatted output; otherwise the terminal-friendly
	// format is used when stderr is a TTY, matching the teacher's own
	// "detect a terminal, fall back to JSON" default.
	JSON bool
}

// NewContext returns a context carrying a configured clue logger, the way
// every opal entry point (cmd/opald, tests that want log output) should
// obtain one rather than configuring clue ad hoc.
func NewContext(ctx context.Context, opts Options) context.Context {
	format := log.FormatJSON
	if !opts.JSON && log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if opts.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

// Subscribe attaches a clue-backed log line to every event bus broadcasts,
// until ctx is cancelled or unsubscribe is called. It is a convenience for
// running opal headless (a CLI, a daemon with no UI) where the event bus's
// normal consumer — a TUI or a JSON-RPC client — doesn't exist; the bus
// itself is still the single source of truth (spec.md §4.7), this is just
// one more subscriber.
func Subscribe(ctx context.Context, bus hooks.Bus) (unsubscribe func()) {
	events, cancel := bus.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				logEvent(ctx, ev)
			}
		}
	}()
	return cancel
}

func logEvent(ctx context.Context, ev hooks.Event) {
	kv := []log.Fielder{
		log.KV{K: "event", V: string(ev.Type)},
		log.KV{K: "session", V: ev.SessionID},
	}
	switch ev.Type {
	case hooks.EventError:
		kv = append(kv, log.KV{K: "reason", V: ev.Reason})
		log.Error(ctx, nil, kv...)
		return
	case hooks.EventStatusUpdate:
		kv = append(kv, log.KV{K: "message", V: ev.Message})
	case hooks.EventToolExecStart, hooks.EventToolExecEnd:
		kv = append(kv, log.KV{K: "tool", V: ev.Tool}, log.KV{K: "call_id", V: ev.CallID})
	case hooks.EventCompactionStart, hooks.EventCompactionEnd:
		kv = append(kv, log.KV{K: "old_len", V: ev.OldLen}, log.KV{K: "new_len", V: ev.NewLen})
	case hooks.EventSubAgent:
		kv = append(kv, log.KV{K: "sub_session", V: ev.SubSessionID}, log.KV{K: "lineage", V: ev.Lineage})
	}
	log.Info(ctx, kv...)
}
