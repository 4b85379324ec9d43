package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/provider"
	"github.com/opal-run/opal/session"
	"github.com/opal-run/opal/usage"
)

var errNoCompactor = errors.New("overflow: no compactor configured")

// ToolOutcome is the minimal shape the agent loop needs back from a tool
// execution round, decoupled from the toolrunner package's richer Outcome
// (which the agent package cannot import without creating an import
// cycle: toolrunner imports agent for ToolCall/Message).
type ToolOutcome struct {
	CallID   string
	ToolName string
	Ok       bool
	Text     string
}

// ToolExecutor runs calls to completion (concurrently, internally) and
// returns their outcomes in calls' original order. Supplied by the
// wiring layer (normally backed by toolrunner.Run) so this package never
// imports toolrunner, per spec.md §4.3's "runner's public contract to the
// agent" being a narrow interface boundary.
type ToolExecutor func(ctx context.Context, calls []ToolCall) []ToolOutcome

// Compactor runs the compaction algorithm against the session's store and
// reports whether it changed the path. Supplied by the wiring layer
// (normally backed by compaction.Compact), for the same import-cycle
// reason as ToolExecutor.
type Compactor func(ctx context.Context, force bool, keepRecentTokens int) (bool, error)

// ToolLister returns the tool specs available for the next request,
// reflecting whatever the session's tool registry currently holds. The
// agent calls it once per provider request, in beginRequest, to build that
// request's tool list. The list is not passed on to RunTools: the executor
// resolves tool calls against a tool set it looks up itself, so a tool
// added or removed between the request and tool execution is seen by
// execution but not by the request.
type ToolLister func() []ToolSpec

// Config constructs an Agent.
type Config struct {
	SessionID     string
	Model         Model
	SystemPrompt  string
	WorkingDir    string
	Provider      provider.Provider
	Store         session.Store
	Bus           hooks.Bus
	Tools         ToolLister
	RunTools      ToolExecutor
	Compact       Compactor
	ErrorLexicon  ErrorLexicon
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	ContextWindow int
}

// Agent is the single-threaded actor of spec.md §4.1: all state mutation
// happens on the goroutine running Run, driven exclusively by mailbox
// reads. External callers (Prompt/Steer/Stop/SetModel/GetState) only ever
// enqueue onto the mailbox or, for GetState, enqueue a request carrying a
// reply channel.
type Agent struct {
	sessionID   string
	prov        provider.Provider
	store       session.Store
	bus         hooks.Bus
	toolsFn     ToolLister
	runTools    ToolExecutor
	compact     Compactor
	lexicon     ErrorLexicon
	backoffBase time.Duration
	backoffMax  time.Duration
	tracker     *usage.Tracker

	mailbox chan any
	status  atomic.Value // Status

	mu           sync.Mutex
	model        Model
	systemPrompt string
	workingDir   string

	// currentTurn/pathLenAtRequest are owned exclusively by the actor
	// goroutine running Run; they are only ever read/written while
	// handling a mailbox message, never concurrently.
	currentTurn      *turnState
	pathLenAtRequest int
}

type cmdPrompt struct{ text string }
type cmdSteer struct{ text string }
type cmdStop struct{}
type cmdSetModel struct{ model Model }
type cmdGetState struct{ reply chan State }
type cmdStreamEvent struct{ ev provider.Event }
type cmdStreamDone struct{ err error }
type cmdToolsDone struct{ outcomes []ToolOutcome }
type cmdRetry struct{}

// New constructs an Agent ready to Run. The returned Agent does not start
// processing until Run is called on some goroutine.
func New(cfg Config) *Agent {
	a := &Agent{
		sessionID:    cfg.SessionID,
		prov:         cfg.Provider,
		store:        cfg.Store,
		bus:          cfg.Bus,
		toolsFn:      cfg.Tools,
		runTools:     cfg.RunTools,
		compact:      cfg.Compact,
		lexicon:      cfg.ErrorLexicon,
		backoffBase:  orDefault(cfg.BackoffBase, DefaultBackoffBase),
		backoffMax:   orDefault(cfg.BackoffMax, DefaultBackoffMax),
		tracker:      usage.New(cfg.ContextWindow),
		mailbox:      make(chan any, 256),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		workingDir:   cfg.WorkingDir,
	}
	a.status.Store(StatusIdle)
	return a
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Prompt enqueues a user prompt. It returns queued=true if the agent was
// not idle at call time (the text is queued as a steer rather than
// starting a turn immediately — see Run's handling of cmdPrompt).
func (a *Agent) Prompt(text string) (queued bool) {
	queued = a.status.Load().(Status) != StatusIdle
	a.mailbox <- cmdPrompt{text: text}
	return queued
}

// Steer enqueues steering text, drained at the next safe point.
func (a *Agent) Steer(text string) { a.mailbox <- cmdSteer{text: text} }

// Stop cancels the in-flight request/tool tasks and returns the agent to
// idle.
func (a *Agent) Stop() { a.mailbox <- cmdStop{} }

// SetModel updates the model used for subsequent requests.
func (a *Agent) SetModel(m Model) { a.mailbox <- cmdSetModel{model: m} }

// GetState returns a snapshot of the agent's current state.
func (a *Agent) GetState() State {
	reply := make(chan State, 1)
	a.mailbox <- cmdGetState{reply: reply}
	return <-reply
}

// Run drives the actor loop until ctx is cancelled. It must be called on
// exactly one goroutine for the lifetime of the agent.
func (a *Agent) Run(ctx context.Context) {
	var turnCtx context.Context
	var turnCancel context.CancelFunc
	steerQueue := make([]string, 0, 4)
	retryAttempt := 0
	overflowDetected := false

	endTurn := func() {
		if turnCancel != nil {
			turnCancel()
			turnCancel = nil
		}
	}
	defer endTurn()

	for {
		select {
		case <-ctx.Done():
			endTurn()
			return

		case msg := <-a.mailbox:
			switch m := msg.(type) {
			case cmdGetState:
				m.reply <- a.snapshot(retryAttempt, overflowDetected)

			case cmdSetModel:
				a.mu.Lock()
				a.model = m.model
				a.mu.Unlock()

			case cmdSteer:
				steerQueue = append(steerQueue, m.text)

			case cmdStop:
				if a.status.Load().(Status) != StatusIdle {
					endTurn()
					a.status.Store(StatusIdle)
					a.bus.Broadcast(hooks.Event{Type: hooks.EventAgentAbort, SessionID: a.sessionID})
				}
				retryAttempt = 0

			case cmdPrompt:
				if a.status.Load().(Status) != StatusIdle {
					// Busy: treat as a steer rather than blocking or
					// dropping the prompt, per the control interface's
					// "never blocks" contract.
					steerQueue = append(steerQueue, m.text)
					continue
				}
				a.bus.Broadcast(hooks.Event{Type: hooks.EventAgentStart, SessionID: a.sessionID})
				// Drain any steer queued while idle (Steer called with no
				// turn in flight) ahead of this prompt so it isn't
				// stranded until some later tool round happens to run.
				if err := a.appendSteerQueue(ctx, &steerQueue); err != nil {
					a.surfaceError(err.Error())
					continue
				}
				if _, err := a.store.Append(ctx, a.store.Leaf(), Message{Role: RoleUser, Text: m.text, CreatedAt: time.Now()}); err != nil {
					a.surfaceError(err.Error())
					continue
				}
				turnCtx, turnCancel = context.WithCancel(ctx)
				retryAttempt = 0
				a.beginRequest(turnCtx)

			case cmdStreamEvent:
				a.handleStreamEvent(turnCtx, m.ev, &retryAttempt, &overflowDetected, &steerQueue)

			case cmdStreamDone:
				if a.status.Load().(Status) == StatusStreaming {
					text := "stream ended without a response_done or error tuple"
					if m.err != nil {
						text = m.err.Error()
					}
					a.handleProviderError(turnCtx, text, &retryAttempt, &overflowDetected)
				}

			case cmdRetry:
				if a.status.Load().(Status) == StatusRunning {
					a.beginRequest(turnCtx)
				}

			case cmdToolsDone:
				a.handleToolsDone(turnCtx, m.outcomes, &steerQueue)
			}
		}
	}
}

func (a *Agent) snapshot(retryAttempt int, overflowDetected bool) State {
	path, _ := a.store.Path(context.Background())
	a.mu.Lock()
	model, workingDir := a.model, a.workingDir
	a.mu.Unlock()
	return State{
		SessionID:        a.sessionID,
		Model:            model,
		WorkingDir:       workingDir,
		Status:           a.status.Load().(Status),
		RetryAttempt:     retryAttempt,
		OverflowDetected: overflowDetected,
		Usage:            a.tracker.Snapshot(),
		MessageCount:     len(path),
	}
}

// beginRequest builds and issues a new provider request from the current
// path, per spec.md §4.1's idle/running→streaming transition.
func (a *Agent) beginRequest(ctx context.Context) {
	a.status.Store(StatusRunning)

	path, err := a.store.Path(ctx)
	if err != nil {
		a.surfaceError(err.Error())
		return
	}

	a.mu.Lock()
	model, systemPrompt := a.model, a.systemPrompt
	a.mu.Unlock()

	req := provider.Request{
		Model:         model.ID,
		ThinkingLevel: string(model.ThinkingLevel),
		SystemPrompt:  systemPrompt,
		Messages:      a.prov.ConvertMessages(ToProviderMessages(path)),
		Tools:         a.prov.ConvertTools(ToProviderTools(a.toolsFn())),
		MaxTokens:     model.MaxTokens,
	}

	handle, err := a.prov.Stream(ctx, req)
	if err != nil {
		a.handleProviderError(ctx, err.Error(), new(int), new(bool))
		return
	}

	a.status.Store(StatusStreaming)
	a.currentTurn = newTurnState()
	a.pathLenAtRequest = len(path)
	a.pumpStream(ctx, handle)
}

// pumpStream forwards a stream handle's events into the mailbox as
// cmdStreamEvent, closing with cmdStreamDone — collapsing "waiting for a
// provider event" onto the single mailbox-read suspension point, per
// spec.md §5.
func (a *Agent) pumpStream(ctx context.Context, handle provider.StreamHandle) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				handle.Cancel()
				return
			case ev, ok := <-handle.Events():
				if !ok {
					select {
					case a.mailbox <- cmdStreamDone{}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case a.mailbox <- cmdStreamEvent{ev: ev}:
				case <-ctx.Done():
					return
				}
				if ev.Type == provider.EventResponseDone || ev.Type == provider.EventError {
					return
				}
			}
		}
	}()
}

func (a *Agent) handleStreamEvent(ctx context.Context, ev provider.Event, retryAttempt *int, overflowDetected *bool, steerQueue *[]string) {
	turn := a.currentTurn
	if turn == nil {
		return
	}
	events, result := Dispatch(turn, a.sessionID, ev)
	for _, e := range events {
		a.bus.Broadcast(e)
		if e.Type == hooks.EventUsageUpdate {
			a.tracker.Record(e.UsageSnapshot.PromptTokens, e.UsageSnapshot.CompletionTokens, a.pathLenAtRequest)
			if usage.ReportedOverflow(e.UsageSnapshot.PromptTokens, a.tracker.Snapshot().ContextWindow) {
				*overflowDetected = true
			}
		}
	}
	if !result.Terminal {
		return
	}
	if result.Errored {
		a.handleProviderError(ctx, result.ErrorText, retryAttempt, overflowDetected)
		return
	}
	a.finishTurn(ctx, turn, retryAttempt, overflowDetected, steerQueue)
}

// finishTurn commits the assistant message and either returns to idle,
// continues straight into a new turn to drain a steer queued during this
// turn, or starts tool execution, per spec.md §4.1/§4.3.
func (a *Agent) finishTurn(ctx context.Context, turn *turnState, retryAttempt *int, overflowDetected *bool, steerQueue *[]string) {
	*retryAttempt = 0
	toolCalls := turn.finalToolCalls()
	assistant := Message{
		Role:      RoleAssistant,
		Text:      turn.text.String(),
		Thinking:  turn.thinking.String(),
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
	if _, err := a.store.Append(ctx, a.store.Leaf(), assistant); err != nil {
		a.surfaceError(err.Error())
		return
	}

	// A usage update mid-turn already reported the prompt itself over the
	// window (ReportedOverflow); don't wait for maybeAutoCompact's
	// predictive 80% check on the next turn boundary — force compaction
	// now so the next request it triggers doesn't overflow again.
	if *overflowDetected {
		if err := a.forceCompact(ctx); err != nil {
			a.surfaceError(err.Error())
			return
		}
		*overflowDetected = false
	}

	if len(toolCalls) == 0 {
		a.bus.Broadcast(hooks.Event{Type: hooks.EventTurnEnd, SessionID: a.sessionID})

		if len(*steerQueue) > 0 {
			if err := a.appendSteerQueue(ctx, steerQueue); err != nil {
				a.surfaceError(err.Error())
				return
			}
			a.status.Store(StatusRunning)
			a.beginRequest(ctx)
			return
		}

		a.status.Store(StatusIdle)
		u := a.tracker.Snapshot()
		a.bus.Broadcast(hooks.Event{Type: hooks.EventAgentEnd, SessionID: a.sessionID, Usage: &u})
		a.maybeAutoCompact(ctx)
		return
	}

	a.status.Store(StatusExecutingTools)
	go func() {
		outcomes := a.runTools(ctx, toolCalls)
		select {
		case a.mailbox <- cmdToolsDone{outcomes: outcomes}:
		case <-ctx.Done():
		}
	}()
}

// handleToolsDone appends tool results in call order, drains the steer
// queue (the executing_tools→running safe point of spec.md §4.1), and
// starts the next turn.
func (a *Agent) handleToolsDone(ctx context.Context, outcomes []ToolOutcome, steerQueue *[]string) {
	if a.status.Load().(Status) != StatusExecutingTools {
		// A stop arrived before these outcomes landed; discard them per
		// spec.md §4.1's cancellation contract.
		return
	}
	for _, o := range outcomes {
		msg := Message{Role: RoleToolResult, CallID: o.CallID, Name: o.ToolName, Text: o.Text, CreatedAt: time.Now()}
		if _, err := a.store.Append(ctx, a.store.Leaf(), msg); err != nil {
			a.surfaceError(err.Error())
			return
		}
	}

	if err := a.appendSteerQueue(ctx, steerQueue); err != nil {
		a.surfaceError(err.Error())
		return
	}

	a.status.Store(StatusRunning)
	a.beginRequest(ctx)
}

// handleProviderError classifies a terminal stream error and either
// retries, routes to overflow handling, or surfaces a fatal error, per
// spec.md §4.1/§4.8.
func (a *Agent) handleProviderError(ctx context.Context, errText string, retryAttempt *int, overflowDetected *bool) {
	switch Classify(errText, a.lexicon) {
	case ClassOverflow:
		*overflowDetected = true
		a.runOverflowCompaction(ctx, retryAttempt)

	case ClassTransient:
		*retryAttempt++
		a.status.Store(StatusRunning)
		delay := BackoffDelay(*retryAttempt, a.backoffBase, a.backoffMax)
		timer := time.NewTimer(delay)
		go func() {
			select {
			case <-timer.C:
				select {
				case a.mailbox <- cmdRetry{}:
				case <-ctx.Done():
				}
			case <-ctx.Done():
				timer.Stop()
			}
		}()

	default: // ClassPermanent
		a.status.Store(StatusIdle)
		a.bus.Broadcast(hooks.Event{Type: hooks.EventError, SessionID: a.sessionID, Reason: errText})
	}
}

// runOverflowCompaction implements spec.md §4.8's overflow handling:
// force-compact to window/5, clear the flag on success, and resume with a
// fresh request; a compaction failure here is fatal for the turn.
func (a *Agent) runOverflowCompaction(ctx context.Context, retryAttempt *int) {
	if err := a.forceCompact(ctx); err != nil {
		a.status.Store(StatusIdle)
		a.bus.Broadcast(hooks.Event{Type: hooks.EventError, SessionID: a.sessionID, Reason: err.Error()})
		return
	}
	*retryAttempt = 0
	a.status.Store(StatusRunning)
	a.beginRequest(ctx)
}

// forceCompact runs the compactor to window/5, the forced-overflow ratio
// of spec.md §4.8, shared by the provider-reported-overflow retry path and
// the mid-stream usage-reported-overflow path.
func (a *Agent) forceCompact(ctx context.Context) error {
	if a.compact == nil {
		return errNoCompactor
	}
	window := a.tracker.Snapshot().ContextWindow
	if _, err := a.compact(ctx, true, window/5); err != nil {
		return errors.New("compaction failed: " + err.Error())
	}
	return nil
}

// maybeAutoCompact runs predictive compaction at a turn boundary when
// estimated usage crosses 80% of the context window, per spec.md §4.8.
// Failure here is non-fatal: it only warns via a status_update, leaving
// the path unchanged, per spec.md §7's non-overflow compaction-failure
// policy.
func (a *Agent) maybeAutoCompact(ctx context.Context) {
	if a.compact == nil {
		return
	}
	path, err := a.store.Path(ctx)
	if err != nil || !a.tracker.ShouldAutoCompact(path) {
		return
	}
	window := a.tracker.Snapshot().ContextWindow
	if _, err := a.compact(ctx, false, window/4); err != nil {
		a.bus.Broadcast(hooks.Event{Type: hooks.EventStatusUpdate, SessionID: a.sessionID, Message: "auto-compaction failed: " + err.Error()})
	}
}

// appendSteerQueue appends each queued steer as a user message, in order,
// and clears the queue. Shared by every safe point that drains it: idle
// prompts, text-only turn completion, and tool-round completion.
func (a *Agent) appendSteerQueue(ctx context.Context, steerQueue *[]string) error {
	for _, s := range *steerQueue {
		if _, err := a.store.Append(ctx, a.store.Leaf(), Message{Role: RoleUser, Text: s, CreatedAt: time.Now()}); err != nil {
			return err
		}
	}
	*steerQueue = (*steerQueue)[:0]
	return nil
}

func (a *Agent) surfaceError(reason string) {
	a.status.Store(StatusIdle)
	a.bus.Broadcast(hooks.Event{Type: hooks.EventError, SessionID: a.sessionID, Reason: reason})
}
