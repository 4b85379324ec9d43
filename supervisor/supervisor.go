// Package supervisor implements the per-session supervision tree of
// spec.md §4.9: one supervisor per session, starting its children — an
// optional MCP client watcher, then the agent process — in order, and
// restarting only the children after a crashed one (Erlang's
// rest_for_one), never the ones before it.
//
// This package is also the wiring layer that adapts toolrunner.Run,
// compaction.Compact, and subagent.New's narrow Runner shape into the
// agent package's own ToolExecutor/Compactor/ToolLister callback types
// (see agent/loop.go's Config doc for why agent cannot import any of
// those packages directly).
//
// Shape grounded on goa-ai's runtime/agent/engine package — a pluggable
// execution-engine boundary with its own registration/lifecycle
// (Engine.RegisterWorkflow/RegisterActivity, WorkflowHandle.Cancel) — but
// adapted away from workflow-replay-engine selection (opal has no
// Temporal-equivalent) toward plain goroutine supervision with explicit
// crash recovery, per spec.md §9's concurrency mandate.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/compaction"
	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/provider"
	"github.com/opal-run/opal/session"
	"github.com/opal-run/opal/subagent"
	"github.com/opal-run/opal/tools"
	"github.com/opal-run/opal/tools/builtin"
	"github.com/opal-run/opal/toolrunner"
)

// MCPClient is the thin interface a connected MCP server satisfies; see
// mcpbridge for the concrete implementation. Injected rather than
// imported directly so a session with no configured MCP servers carries
// no dependency on the bridge transport.
type MCPClient interface {
	// Tools returns the server's currently discovered tool set.
	Tools(ctx context.Context) ([]tools.Tool, error)
	Close() error
}

// mcpRefreshInterval is how often a connected MCP server's tool list is
// re-polled for additions/removals.
const mcpRefreshInterval = 30 * time.Second

// Config constructs a Session.
type Config struct {
	SessionID     string
	Model         agent.Model
	SystemPrompt  string
	WorkingDir    string
	Provider      provider.Provider
	Store         session.Store
	Bus           hooks.Bus
	ErrorLexicon  agent.ErrorLexicon // zero value means agent.DefaultErrorLexicon
	ContextWindow int

	// MCPClients are connected, ready-to-poll MCP servers contributing
	// extra tools to the session's registry.
	MCPClients []MCPClient

	// MaxSubAgentDepth bounds sub_agent recursion (spec.md §4.4); 0 falls
	// back to DefaultMaxSubAgentDepth.
	MaxSubAgentDepth int

	// ChildTimeout bounds a single sub_agent call; 0 means no timeout.
	ChildTimeout time.Duration
}

// DefaultMaxSubAgentDepth is the recursion bound applied when Config
// doesn't specify one, per spec.md §9's "should be configurable, with a
// sane default" resolution.
const DefaultMaxSubAgentDepth = 3

// Session is one session's supervision tree: the agent process plus its
// supporting children, started and torn down together.
type Session struct {
	cfg     Config
	bus     hooks.Bus
	store   session.Store
	schemas *tools.SchemaCache
	reg     *tools.Registry

	mu   sync.Mutex
	ag   *agent.Agent
	done chan struct{}
}

// New builds a Session's registry, tool executor, compactor, and agent,
// but does not start anything — call Start to run it.
func New(cfg Config) *Session {
	if cfg.MaxSubAgentDepth <= 0 {
		cfg.MaxSubAgentDepth = DefaultMaxSubAgentDepth
	}
	if len(cfg.ErrorLexicon.Transient) == 0 && len(cfg.ErrorLexicon.Permanent) == 0 && len(cfg.ErrorLexicon.Overflow) == 0 {
		cfg.ErrorLexicon = agent.DefaultErrorLexicon
	}

	s := &Session{
		cfg:     cfg,
		bus:     cfg.Bus,
		store:   cfg.Store,
		schemas: tools.NewSchemaCache(),
		reg:     tools.NewRegistry(),
		done:    make(chan struct{}),
	}
	s.registerBuiltins()
	s.registerSubAgent()
	s.ag = s.buildAgent()
	return s
}

func (s *Session) registerBuiltins() {
	s.reg.RegisterBuiltin(builtin.NewReadFile())
	s.reg.RegisterBuiltin(builtin.NewWriteFile())
	s.reg.RegisterBuiltin(builtin.NewEditFile())
	s.reg.RegisterBuiltin(builtin.NewEditFileLines())
	s.reg.RegisterBuiltin(builtin.NewListDir())
	s.reg.RegisterBuiltin(builtin.NewBash())
}

func (s *Session) registerSubAgent() {
	sub := subagent.New(subagent.Config{
		Defaults: agent.Config{
			Model:         s.cfg.Model,
			SystemPrompt:  s.cfg.SystemPrompt,
			WorkingDir:    s.cfg.WorkingDir,
			Provider:      s.cfg.Provider,
			ErrorLexicon:  s.cfg.ErrorLexicon,
			ContextWindow: s.cfg.ContextWindow,
		},
		SessionID:    s.cfg.SessionID,
		Depth:        0,
		MaxDepth:     s.cfg.MaxSubAgentDepth,
		ParentBus:    s.bus,
		Registry:     s.reg,
		Schemas:      s.schemas,
		RunTools:     s.runToolsForSubAgent,
		ChildTimeout: s.cfg.ChildTimeout,
	})
	s.reg.RegisterBuiltin(sub)
}

// runToolsForSubAgent adapts toolrunner.Run to subagent.Runner's shape;
// sub-agent turns drain no steer queue of their own (a sub-agent has no
// external steer() caller), so drain is nil.
func (s *Session) runToolsForSubAgent(ctx context.Context, calls []agent.ToolCall, snapshot *tools.Snapshot, schemas *tools.SchemaCache, tctx tools.Context, bus hooks.Bus) []toolrunner.Outcome {
	return toolrunner.Run(ctx, calls, snapshot, schemas, tctx, bus, nil)
}

func (s *Session) buildAgent() *agent.Agent {
	return agent.New(agent.Config{
		SessionID:     s.cfg.SessionID,
		Model:         s.cfg.Model,
		SystemPrompt:  s.cfg.SystemPrompt,
		WorkingDir:    s.cfg.WorkingDir,
		Provider:      s.cfg.Provider,
		Store:         s.store,
		Bus:           s.bus,
		Tools:         func() []agent.ToolSpec { return specsFrom(s.reg.Snapshot()) },
		RunTools:      s.toolExecutor(),
		Compact:       s.compactor(),
		ErrorLexicon:  s.cfg.ErrorLexicon,
		ContextWindow: s.cfg.ContextWindow,
	})
}

// toolExecutor builds the ToolExecutor closure the agent calls each turn;
// it re-snapshots the registry on every call rather than closing over a
// single snapshot, so MCP-discovered tools registered after the agent was
// built are visible to the very next turn (registry.Snapshot is cheap: a
// map copy, per tools/registry.go).
func (s *Session) toolExecutor() agent.ToolExecutor {
	return func(ctx context.Context, calls []agent.ToolCall) []agent.ToolOutcome {
		tctx := tools.Context{SessionID: s.cfg.SessionID, WorkingDir: s.cfg.WorkingDir}
		outcomes := toolrunner.Run(ctx, calls, s.reg.Snapshot(), s.schemas, tctx, s.bus, s.drainSteer)
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

// drainSteer is currently a no-op: the agent actor owns the steer queue
// exclusively and drains it itself at the executing_tools→running turn
// boundary (agent/loop.go's handleToolsDone), per the scope decision
// recorded in DESIGN.md. It is wired here, rather than left nil, so a
// future inter-task drain only needs to change this one function.
func (s *Session) drainSteer(context.Context) {}

// compactor adapts compaction.Compact to the agent.Compactor shape,
// summarizing via the session's own provider through a blocking
// stream-and-collect adapter (streamSummarizer).
func (s *Session) compactor() agent.Compactor {
	summarizer := streamSummarizer{
		prov:  s.cfg.Provider,
		model: s.cfg.Model,
	}
	return func(ctx context.Context, force bool, keepRecentTokens int) (bool, error) {
		res, err := compaction.Compact(ctx, s.store, s.bus, s.cfg.SessionID, summarizer, compaction.Options{
			KeepRecentTokens: keepRecentTokens,
			Force:            force,
		})
		return res.Compacted, err
	}
}

func specsFrom(snap *tools.Snapshot) []agent.ToolSpec {
	list := snap.List()
	out := make([]agent.ToolSpec, 0, len(list))
	for _, t := range list {
		out = append(out, agent.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return out
}

// Prompt, Steer, Stop, SetModel, and GetState pass straight through to the
// live agent; Session exists to manage the agent's lifecycle and its
// supporting children, not to add another layer of message passing on
// top of the actor's own mailbox.
func (s *Session) Prompt(text string) bool {
	s.mu.Lock()
	a := s.ag
	s.mu.Unlock()
	return a.Prompt(text)
}

func (s *Session) Steer(text string) {
	s.mu.Lock()
	a := s.ag
	s.mu.Unlock()
	a.Steer(text)
}

func (s *Session) StopAgent() {
	s.mu.Lock()
	a := s.ag
	s.mu.Unlock()
	a.Stop()
}

func (s *Session) SetModel(m agent.Model) {
	s.mu.Lock()
	a := s.ag
	s.mu.Unlock()
	a.SetModel(m)
}

func (s *Session) GetState() agent.State {
	s.mu.Lock()
	a := s.ag
	s.mu.Unlock()
	return a.GetState()
}

// Start launches the session's supervision tree: the MCP client watchers
// (if any), then the agent process, in that order — matching spec.md
// §4.9's ordering (MCP client supervisor, tool task supervisor, sub-agent
// supervisor, optional session store process, agent process) collapsed to
// the two children that actually need a persistent goroutine in this
// implementation. See the doc comment on runAgentProcess for why the tool
// task and sub-agent "supervisors" don't need one of their own.
//
// Start must be called at most once per Session.
func (s *Session) Start(ctx context.Context) {
	for _, client := range s.cfg.MCPClients {
		go s.watchMCP(ctx, client)
	}
	go s.runAgentProcess(ctx)
}

// Stop aborts the agent's current turn and closes every MCP client (in
// reverse connection order, mirroring rest_for_one teardown). It does not
// cancel the context passed to Start and does not wait for the agent
// process: that process and the MCP watchers exit when the caller cancels
// its context, and Done reports the agent process's exit.
func (s *Session) Stop() {
	s.StopAgent()
	for i := len(s.cfg.MCPClients) - 1; i >= 0; i-- {
		_ = s.cfg.MCPClients[i].Close()
	}
}

// Done returns a channel closed once the agent process has permanently
// exited (ctx cancelled, not merely crashed-and-restarted).
func (s *Session) Done() <-chan struct{} { return s.done }

// watchMCP polls client.Tools on a fixed interval, updating the registry's
// MCP-sourced tool set. A poll error is logged as a status_update and
// retried at the next tick rather than torn down: losing one MCP server
// briefly (a restart on the other end, say) shouldn't interrupt an
// in-flight agent turn that isn't even using that server's tools — this
// is a deliberate deviation from strict rest_for_one (a crash here does
// NOT cascade into restarting the agent process), recorded in DESIGN.md.
func (s *Session) watchMCP(ctx context.Context, client MCPClient) {
	refresh := func() {
		toolList, err := client.Tools(ctx)
		if err != nil {
			s.bus.Broadcast(hooks.Event{Type: hooks.EventStatusUpdate, SessionID: s.cfg.SessionID, Message: "mcp: refresh failed: " + err.Error()})
			return
		}
		s.reg.ResetMCP()
		for _, t := range toolList {
			s.reg.RegisterMCP(t)
		}
	}

	refresh()
	ticker := time.NewTicker(mcpRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// runAgentProcess drives the agent's Run loop and implements crash
// recovery: if Run panics (a bug in the dispatcher, a malformed provider
// event, anything that wasn't turned into a recoverable error earlier in
// the pipeline), the panic is recovered, a fresh Agent is rebuilt against
// the same store and bus — the store already holds the full path, so the
// new agent picks up exactly where the old one left off, the "replay"
// spec.md §4.9 calls for — an agent_recovered event is broadcast, and Run
// is called again. This repeats until ctx is cancelled.
//
// The tool task and sub-agent "supervisors" named in spec.md §4.9 don't
// get their own persistent goroutine here: every tool call and every
// sub-agent spawn already runs under a context derived from this same
// process's turn context (toolrunner.Run's per-call goroutines, and
// subagent's childCtx), so cancelling or crash-restarting this process
// already tears down everything beneath it through ordinary context
// cancellation — a second layer of explicit supervision would only
// duplicate that cascade.
func (s *Session) runAgentProcess(ctx context.Context) {
	defer close(s.done)
	for {
		crashed := s.runAgentOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if !crashed {
			return
		}
		s.bus.Broadcast(hooks.Event{Type: hooks.EventAgentRecovered, SessionID: s.cfg.SessionID})
	}
}

func (s *Session) runAgentOnce(ctx context.Context) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			s.bus.Broadcast(hooks.Event{Type: hooks.EventError, SessionID: s.cfg.SessionID, Reason: fmt.Sprintf("agent process crashed: %v", r)})
			s.mu.Lock()
			s.ag = s.buildAgent()
			s.mu.Unlock()
		}
	}()
	s.mu.Lock()
	a := s.ag
	s.mu.Unlock()
	a.Run(ctx)
	return false
}

// streamSummarizer adapts a provider.Provider into compaction.Summarizer
// by issuing a single non-tool request and collecting its text, since
// provider.Provider only exposes the streaming Stream method (there is no
// separate synchronous "complete" call in opal's provider contract).
type streamSummarizer struct {
	prov  provider.Provider
	model agent.Model
}

func (s streamSummarizer) Summarize(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := provider.Request{
		Model:        s.model.ID,
		SystemPrompt: systemPrompt,
		Messages:     s.prov.ConvertMessages([]provider.Message{{Role: "user", Text: userPrompt, Content: userPrompt}}),
		MaxTokens:    s.model.MaxTokens,
	}
	handle, err := s.prov.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer handle.Cancel()

	var text string
	for ev := range handle.Events() {
		switch ev.Type {
		case provider.EventTextDone:
			text = ev.Text
		case provider.EventResponseDone:
			return text, nil
		case provider.EventError:
			return "", errors.New(ev.ErrorText)
		}
	}
	return text, nil
}
