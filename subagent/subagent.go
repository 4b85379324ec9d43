// Package subagent implements the sub_agent tool: a tool whose execute
// path spawns a full child agent and forwards its events onto the
// parent's bus, per spec.md §4.4.
package subagent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/session"
	"github.com/opal-run/opal/session/inmem"
	"github.com/opal-run/opal/tools"
	"github.com/opal-run/opal/toolrunner"
)

// Runner adapts toolrunner.Run (or any equivalent) into the
// agent.ToolExecutor shape a child agent needs. It is injected rather
// than imported directly as a hard dependency on toolrunner's exact
// signature, matching the same narrow-interface boundary agent.Config
// uses for its own RunTools field.
type Runner func(ctx context.Context, calls []agent.ToolCall, snapshot *tools.Snapshot, schemas *tools.SchemaCache, tctx tools.Context, bus hooks.Bus) []toolrunner.Outcome

// Config parameterizes every sub_agent tool instance. A fresh Config with
// Depth/Lineage/SessionID advanced is built for each nesting level by
// Tool.childConfig; callers construct the root Config once per top-level
// session.
type Config struct {
	// Defaults supplies Provider/Model/WorkingDir/SystemPrompt/
	// ErrorLexicon/ContextWindow for spawned children; its SessionID,
	// Store, Bus, Tools, RunTools, and Compact fields are ignored (each
	// child gets its own).
	Defaults     agent.Config
	SessionID    string    // the session this tool instance belongs to
	Lineage      []string  // ancestor session ids above SessionID, root-first
	Depth        int       // nesting depth of SessionID itself (root session is depth 0)
	MaxDepth     int       // sub_agent is dropped from a child's tools once its depth would reach MaxDepth
	ParentBus    hooks.Bus // the bus events are forwarded onto
	Registry     *tools.Registry
	Schemas      *tools.SchemaCache
	RunTools     Runner
	ChildTimeout time.Duration // 0 means no timeout
}

// New constructs the sub_agent tool for one session's registry.
func New(cfg Config) tools.Tool {
	return subAgentTool{cfg: cfg}
}

type subAgentTool struct {
	tools.Base
	cfg Config
}

func (subAgentTool) Name() string { return "sub_agent" }
func (subAgentTool) Description() string {
	return "Delegate a sub-task to a child agent with its own conversation and (optionally) a restricted tool set. Returns the child's final response."
}
func (subAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt":        map[string]any{"type": "string"},
			"system_prompt": map[string]any{"type": "string"},
			"tools":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"prompt"},
	}
}
func (t subAgentTool) Meta(args map[string]any) string {
	p, _ := args["prompt"].(string)
	return fmt.Sprintf("Delegating: %s", p)
}

// Execute spawns a child agent, runs it to completion on prompt, and
// returns its final assistant text as the tool result, per spec.md §4.4.
func (t subAgentTool) Execute(ctx context.Context, args map[string]any, tctx tools.Context) tools.Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return tools.Err("sub_agent: prompt is required")
	}
	systemPrompt, _ := args["system_prompt"].(string)
	allowed := stringList(args["tools"])

	childSessionID := uuid.NewString()
	childBus := hooks.New()
	childStore := inmem.New()

	childSnapshot := t.childSnapshot(allowed, childSessionID)

	childCtx, cancel := context.WithCancel(ctx)
	if t.cfg.ChildTimeout > 0 {
		childCtx, cancel = context.WithTimeout(ctx, t.cfg.ChildTimeout)
	}
	defer cancel()

	child := agent.New(agent.Config{
		SessionID:     childSessionID,
		Model:         t.cfg.Defaults.Model,
		SystemPrompt:  orDefault(systemPrompt, t.cfg.Defaults.SystemPrompt),
		WorkingDir:    t.cfg.Defaults.WorkingDir,
		Provider:      t.cfg.Defaults.Provider,
		Store:         childStore,
		Bus:           childBus,
		Tools:         func() []agent.ToolSpec { return toSpecs(childSnapshot.List()) },
		RunTools:      t.toolExecutor(childSnapshot, childSessionID, childBus),
		Compact:       nil, // sub-agent sessions are short-lived task delegations; see DESIGN.md
		ErrorLexicon:  t.cfg.Defaults.ErrorLexicon,
		ContextWindow: t.cfg.Defaults.ContextWindow,
	})

	done := make(chan tools.Result, 1)
	go t.forward(childCtx, childBus, childStore, childSessionID, tctx.CallID, done)

	go child.Run(childCtx)
	child.Prompt(prompt)

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return tools.Err("sub_agent: cancelled: " + ctx.Err().Error())
	}
}

// forward subscribes to childBus, re-broadcasts every event onto the
// parent bus wrapped as sub_agent_event (extending Lineage rather than
// re-wrapping an already-wrapped event, per spec.md §9's resolution of
// the deep-tree forwarding question), and resolves done once the child
// reaches a terminal state.
func (t subAgentTool) forward(ctx context.Context, childBus hooks.Bus, childStore session.Store, childSessionID, parentCallID string, done chan<- tools.Result) {
	events, unsubscribe := childBus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			done <- tools.Err("sub_agent: crashed or cancelled")
			return
		case ev, ok := <-events:
			if !ok {
				done <- tools.Err("sub_agent: crashed (event bus closed)")
				return
			}
			t.cfg.ParentBus.Broadcast(t.wrap(ev, childSessionID, parentCallID))

			switch ev.Type {
			case hooks.EventAgentEnd:
				done <- tools.Ok(finalAssistantText(ctx, childStore))
				return
			case hooks.EventAgentAbort:
				done <- tools.Err("sub_agent: aborted")
				return
			case hooks.EventError:
				done <- tools.Err("sub_agent: " + ev.Reason)
				return
			}
		}
	}
}

func (t subAgentTool) wrap(ev hooks.Event, childSessionID, parentCallID string) hooks.Event {
	if ev.Type == hooks.EventSubAgent {
		extended := ev
		extended.Lineage = append([]string{t.cfg.SessionID}, ev.Lineage...)
		return extended
	}
	lineage := append(append([]string{}, t.cfg.Lineage...), t.cfg.SessionID)
	inner := ev
	return hooks.Event{
		Type:         hooks.EventSubAgent,
		SessionID:    t.cfg.SessionID,
		SubSessionID: childSessionID,
		ParentCallID: parentCallID,
		Lineage:      lineage,
		Inner:        &inner,
	}
}

// childSnapshot builds the tool set a child agent sees: the named subset
// (or everything) from the parent registry, with sub_agent either
// replaced by a deeper instance or dropped entirely once MaxDepth would
// be reached, per spec.md §4.4's recursion bound.
func (t subAgentTool) childSnapshot(allowed []string, childSessionID string) *tools.Snapshot {
	base := t.cfg.Registry.Snapshot()
	if len(allowed) > 0 {
		base = base.Subset(allowed)
	}
	base = base.Without("sub_agent")

	childDepth := t.cfg.Depth + 1
	if childDepth >= t.cfg.MaxDepth {
		return base
	}

	childReg := tools.NewRegistry()
	for _, tool := range base.List() {
		childReg.RegisterBuiltin(tool)
	}
	childTool := New(Config{
		Defaults:     t.cfg.Defaults,
		SessionID:    childSessionID,
		Lineage:      append(append([]string{}, t.cfg.Lineage...), t.cfg.SessionID),
		Depth:        childDepth,
		MaxDepth:     t.cfg.MaxDepth,
		ParentBus:    t.cfg.ParentBus,
		Registry:     childReg,
		Schemas:      t.cfg.Schemas,
		RunTools:     t.cfg.RunTools,
		ChildTimeout: t.cfg.ChildTimeout,
	})
	childReg.RegisterBuiltin(childTool)
	return childReg.Snapshot()
}

func (t subAgentTool) toolExecutor(snapshot *tools.Snapshot, childSessionID string, childBus hooks.Bus) agent.ToolExecutor {
	return func(ctx context.Context, calls []agent.ToolCall) []agent.ToolOutcome {
		tctx := tools.Context{SessionID: childSessionID, WorkingDir: t.cfg.Defaults.WorkingDir, ParentAgentPID: t.cfg.SessionID}
		outcomes := t.cfg.RunTools(ctx, calls, snapshot, t.cfg.Schemas, tctx, childBus)
		out := make([]agent.ToolOutcome, len(outcomes))
		for i, o := range outcomes {
			text := o.Result.Text
			if !o.Result.Ok {
				text = o.Result.Error
			}
			out[i] = agent.ToolOutcome{CallID: o.CallID, ToolName: o.ToolName, Ok: o.Result.Ok, Text: text}
		}
		return out
	}
}

func finalAssistantText(ctx context.Context, store session.Store) string {
	path, err := store.Path(ctx)
	if err != nil {
		return ""
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == agent.RoleAssistant {
			return path[i].Text
		}
	}
	return ""
}

func toSpecs(list []tools.Tool) []agent.ToolSpec {
	out := make([]agent.ToolSpec, 0, len(list))
	for _, t := range list {
		out = append(out, agent.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return out
}

func stringList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
