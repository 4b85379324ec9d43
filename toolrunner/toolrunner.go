// Package toolrunner executes a turn's tool calls concurrently and
// resolves their results back onto the session path in the model's
// declared call order, per spec.md §4.3.
//
// Shape grounded on goa-ai's runtime/agent/tasks supervisor pattern (a
// transient per-call task, cancellable as a group, reporting back through
// a channel rather than a shared mutable map) adapted from Temporal
// activity futures to plain goroutines, since opal's concurrency model
// forbids a workflow-replay engine (spec.md §9).
package toolrunner

import (
	"context"
	"fmt"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/toolerror"
	"github.com/opal-run/opal/tools"
)

// SteerDrain is called between dispatching tool tasks and between
// reporting their completions, so any steer()-enqueued text becomes a
// path message before the next model turn sees it — the "steering probe"
// spec.md §4.3 requires. Implementations typically append drained text as
// user messages via the session store.
type SteerDrain func(ctx context.Context)

// Outcome is one tool call's finished result, still tagged with its
// original call-order index so callers can restore that order once every
// task completes.
type Outcome struct {
	Index    int
	CallID   string
	ToolName string
	Result   tools.Result
}

// Run executes every call in calls concurrently against snapshot, honoring
// ctx cancellation (a stop mid-run cancels outstanding tasks via ctx; a
// cancelled task's result is still returned but callers checking
// ctx.Err() should discard it, per spec.md §4.3). Results are returned in
// calls' original order, not completion order. drain is invoked once
// right after dispatch and once after each individual completion; it may
// be nil to skip steering (e.g. in tests).
func Run(ctx context.Context, calls []agent.ToolCall, snapshot *tools.Snapshot, schemas *tools.SchemaCache, tctx tools.Context, bus hooks.Bus, drain SteerDrain) []Outcome {
	if len(calls) == 0 {
		return nil
	}

	results := make(chan Outcome, len(calls))
	for i, call := range calls {
		i, call := i, call
		go func() {
			results <- execute(ctx, i, call, snapshot, schemas, tctx, bus)
		}()
	}

	if drain != nil {
		drain(ctx)
	}

	outcomes := make([]Outcome, len(calls))
	for range calls {
		o := <-results
		outcomes[o.Index] = o
		if drain != nil {
			drain(ctx)
		}
	}
	return outcomes
}

func execute(ctx context.Context, index int, call agent.ToolCall, snapshot *tools.Snapshot, schemas *tools.SchemaCache, tctx tools.Context, bus hooks.Bus) Outcome {
	tctx.CallID = call.CallID
	t, ok := snapshot.Lookup(call.Name)
	if !ok {
		res := tools.Err(fmt.Sprintf("unknown tool: %s", call.Name))
		return Outcome{Index: index, CallID: call.CallID, ToolName: call.Name, Result: res}
	}

	meta := safeMeta(t, call.Arguments)
	bus.Broadcast(hooks.Event{Type: hooks.EventToolExecStart, SessionID: tctx.SessionID, Tool: call.Name, CallID: call.CallID, Args: call.Arguments, Meta: meta})

	if err := schemas.Validate(t, call.Arguments); err != nil {
		res := tools.Err(toolerror.Wrap(err).Error())
		bus.Broadcast(hooks.Event{Type: hooks.EventToolExecEnd, SessionID: tctx.SessionID, Tool: call.Name, CallID: call.CallID, Result: toEventResult(res)})
		return Outcome{Index: index, CallID: call.CallID, ToolName: call.Name, Result: res}
	}

	res := runIsolated(ctx, t, call.Arguments, tctx)
	bus.Broadcast(hooks.Event{Type: hooks.EventToolExecEnd, SessionID: tctx.SessionID, Tool: call.Name, CallID: call.CallID, Result: toEventResult(res)})
	return Outcome{Index: index, CallID: call.CallID, ToolName: call.Name, Result: res}
}

// runIsolated recovers a panicking tool implementation into a failed
// Result, per spec.md §4.3's "failure isolation" requirement — a tool
// crash must not crash the agent.
func runIsolated(ctx context.Context, t tools.Tool, args map[string]any, tctx tools.Context) (res tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = tools.Err(fmt.Sprintf("tool panicked: %v", r))
		}
	}()
	select {
	case <-ctx.Done():
		return tools.Err("cancelled: " + ctx.Err().Error())
	default:
	}
	return t.Execute(ctx, args, tctx)
}

func safeMeta(t tools.Tool, args map[string]any) (meta string) {
	defer func() {
		if recover() != nil {
			meta = ""
		}
	}()
	return t.Meta(args)
}

func toEventResult(r tools.Result) hooks.ToolResult {
	if r.Ok {
		return hooks.ToolResult{Ok: true, Output: r.Text}
	}
	return hooks.ToolResult{Ok: false, Error: r.Error}
}

// ToolResultMessages converts outcomes, still in call order, into the
// tool_result path messages the agent appends after a turn's tool calls
// complete.
func ToolResultMessages(outcomes []Outcome) []agent.Message {
	out := make([]agent.Message, 0, len(outcomes))
	for _, o := range outcomes {
		text := o.Result.Text
		if !o.Result.Ok {
			text = o.Result.Error
		}
		out = append(out, agent.Message{
			Role:   agent.RoleToolResult,
			CallID: o.CallID,
			Name:   o.ToolName,
			Text:   text,
		})
	}
	return out
}
