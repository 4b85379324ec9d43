package agent

// Status is the agent's coarse state, per spec.md §3/§4.1.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusRunning        Status = "running"
	StatusStreaming      Status = "streaming"
	StatusExecutingTools Status = "executing_tools"
)

// State is a point-in-time snapshot returned by get_state, per spec.md §6.
// It never aliases the actor's live internal slices/maps.
type State struct {
	SessionID        string
	Model            Model
	WorkingDir       string
	Status           Status
	CurrentText      string
	CurrentThinking  string
	PendingToolCalls int
	RetryAttempt     int
	OverflowDetected bool
	Usage            Usage
	MessageCount     int
}
