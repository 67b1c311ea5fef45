package models

// SessionStatus represents the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionStatusCreated         SessionStatus = "created"
	SessionStatusRunning         SessionStatus = "running"
	SessionStatusWaitingForInput SessionStatus = "waiting_for_input"
	SessionStatusInterrupted     SessionStatus = "interrupted"
	SessionStatusCompleted       SessionStatus = "completed"
	SessionStatusError           SessionStatus = "error"
)

// SessionStatuses lists every status in lifecycle order.
var SessionStatuses = []SessionStatus{
	SessionStatusCreated,
	SessionStatusRunning,
	SessionStatusWaitingForInput,
	SessionStatusInterrupted,
	SessionStatusCompleted,
	SessionStatusError,
}

func (s SessionStatus) IsValid() bool {
	for _, v := range SessionStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further commands are accepted.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError
}

// IsLive reports whether the status requires a live process handle.
func (s SessionStatus) IsLive() bool {
	return s == SessionStatusRunning || s == SessionStatusWaitingForInput
}

// Session is one managed run of an agent process against a working directory.
type Session struct {
	ID             string        `json:"id"`
	WorkingDir     string        `json:"workingDir"`
	Status         SessionStatus `json:"status"`
	WorkItemID     *string       `json:"workItemId"`
	DisplayOrder   int           `json:"displayOrder"`
	Model          string        `json:"model,omitempty"`
	AgentSessionID string        `json:"agentSessionId,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	ErrorType      string        `json:"errorType,omitempty"`
	CreatedAt      int64         `json:"createdAt"`
	UpdatedAt      int64         `json:"updatedAt"`
	CompletedAt    *int64        `json:"completedAt,omitempty"`
}

// MessageRole identifies the author of a session message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

func (r MessageRole) IsValid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Message is one entry of a session's append-only history.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Seq       int         `json:"seq"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt int64       `json:"createdAt"`
}

// --- Request / Response types ---

// CreateSessionRequest is the payload for POST /sessions.
type CreateSessionRequest struct {
	ID           string   `json:"id,omitempty"`
	WorkingDir   string   `json:"workingDir"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	WorkItemID   string   `json:"workItemId,omitempty"`
}

// SendMessageRequest is the payload for POST /sessions/{id}/messages.
// With Wait set the call returns only after the agent's first response,
// failing with a timeout if none arrives in time.
type SendMessageRequest struct {
	Content string `json:"content"`
	Wait    bool   `json:"wait,omitempty"`
}

// ListSessionsRequest filters GET /sessions.
type ListSessionsRequest struct {
	Status     SessionStatus
	WorkItemID string
}

// ReorderSessionsRequest is the payload for POST /sessions/reorder.
// A nil SessionIDs means the field was absent.
type ReorderSessionsRequest struct {
	Status     SessionStatus `json:"status"`
	SessionIDs []string      `json:"sessionIds"`
}

// MessagePage is one page of a session's history.
type MessagePage struct {
	Messages []*Message `json:"messages"`
	Page     int        `json:"page"`
	Limit    int        `json:"limit"`
	Total    int        `json:"total"`
}

// SessionStats summarizes sessions by status.
type SessionStats struct {
	Total    int                   `json:"total"`
	Live     int                   `json:"live"`
	ByStatus map[SessionStatus]int `json:"byStatus"`
}
