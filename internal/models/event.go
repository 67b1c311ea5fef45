package models

// EventType names a process event emitted by the process manager.
type EventType string

const (
	EventProcessStarted EventType = "processStarted"
	EventMessage        EventType = "message"
	EventOutput         EventType = "output"
	EventStatusUpdate   EventType = "statusUpdate"
	EventProcessExit    EventType = "processExit"
	EventError          EventType = "error"
)

// ProcessEvent is one entry of a session's ordered event stream. Only the
// fields relevant to Type are populated. ID is unique per event so
// subscribers listening on more than one channel can de-duplicate.
type ProcessEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	// processStarted
	PID int `json:"pid,omitempty"`

	// message
	Role      MessageRole `json:"role,omitempty"`
	Content   string      `json:"content,omitempty"`
	MessageID string      `json:"messageId,omitempty"`

	// output
	Raw    string `json:"raw,omitempty"`
	Stream string `json:"stream,omitempty"`

	// statusUpdate
	Status         SessionStatus `json:"status,omitempty"`
	AgentSessionID string        `json:"agentSessionId,omitempty"`

	// processExit
	ExitCode *int   `json:"code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Expected bool   `json:"expected,omitempty"`

	// error
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	Details   string `json:"details,omitempty"`
}

// ReorderEvent is broadcast after a bulk reorder.
type ReorderEvent struct {
	Status     SessionStatus `json:"status"`
	SessionIDs []string      `json:"sessionIds"`
}

// WorkItemEvent is broadcast after a work-item mutation.
type WorkItemEvent struct {
	Action   string    `json:"action"`
	WorkItem *WorkItem `json:"workItem,omitempty"`
	ID       string    `json:"id"`
}
