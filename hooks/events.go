package hooks

import "github.com/opal-run/opal/agent"

// EventType discriminates the Event union, per spec.md §4.7's enumerated
// event list.
type EventType string

const (
	EventAgentStart        EventType = "agent_start"
	EventAgentEnd          EventType = "agent_end"
	EventAgentAbort        EventType = "agent_abort"
	EventAgentRecovered    EventType = "agent_recovered"
	EventMessageStart      EventType = "message_start"
	EventMessageDelta      EventType = "message_delta"
	EventThinkingStart     EventType = "thinking_start"
	EventThinkingDelta     EventType = "thinking_delta"
	EventToolExecStart     EventType = "tool_execution_start"
	EventToolExecEnd       EventType = "tool_execution_end"
	EventTurnEnd           EventType = "turn_end"
	EventStatusUpdate      EventType = "status_update"
	EventUsageUpdate       EventType = "usage_update"
	EventContextDiscovered EventType = "context_discovered"
	EventSkillLoaded       EventType = "skill_loaded"
	EventCompactionStart   EventType = "compaction_start"
	EventCompactionEnd     EventType = "compaction_end"
	EventSubAgent          EventType = "sub_agent_event"
	EventError             EventType = "error"
)

// ToolResult is the wire shape of tool_execution_end.result: exactly one of
// Output or Error is meaningful, discriminated by Ok.
type ToolResult struct {
	Ok     bool `json:"ok"`
	Output any  `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event is a tagged record delivered on a session's bus. Only the fields
// relevant to Type are populated; the rest are left zero. SessionID
// identifies the emitting session (present on every event so a
// cross-process subscriber routing multiple sessions can demultiplex).
type Event struct {
	Type      EventType
	SessionID string

	// agent_end
	Usage *agent.Usage

	// message_delta / thinking_delta
	Delta string

	// tool_execution_start / tool_execution_end
	Tool   string
	CallID string
	Args   map[string]any
	Meta   string
	Result ToolResult

	// status_update
	Message string

	// usage_update
	UsageSnapshot agent.Usage

	// context_discovered
	Files []string

	// skill_loaded
	SkillName        string
	SkillDescription string

	// compaction_start / compaction_end
	OldLen int
	NewLen int

	// sub_agent_event: Lineage is root-first ancestor session ids, per
	// spec.md §9's explicit-lineage resolution of the deep-tree wrapping
	// open question. Inner is the wrapped child event.
	SubSessionID   string
	ParentCallID   string
	Lineage        []string
	Inner          *Event

	// error
	Reason string
}
