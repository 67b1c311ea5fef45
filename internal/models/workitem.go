package models

// WorkItemStatus represents the lifecycle state of a work item.
type WorkItemStatus string

const (
	WorkItemStatusPlanning   WorkItemStatus = "planning"
	WorkItemStatusInProgress WorkItemStatus = "in_progress"
	WorkItemStatusCompleted  WorkItemStatus = "completed"
	WorkItemStatusCancelled  WorkItemStatus = "cancelled"
)

func (s WorkItemStatus) IsValid() bool {
	switch s {
	case WorkItemStatusPlanning, WorkItemStatusInProgress, WorkItemStatusCompleted, WorkItemStatusCancelled:
		return true
	}
	return false
}

// WorkItem groups sessions under a higher-level unit of work.
type WorkItem struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	WorkspacePath string         `json:"workspacePath,omitempty"`
	ProjectID     string         `json:"projectId,omitempty"`
	Status        WorkItemStatus `json:"status"`
	CreatedAt     int64          `json:"createdAt"`
	UpdatedAt     int64          `json:"updatedAt"`
	CompletedAt   *int64         `json:"completedAt,omitempty"`
}

// Progress counts finished sessions over all associated sessions.
// Total is never below 1.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// --- Request / Response types ---

// CreateWorkItemRequest is the payload for POST /work-items.
type CreateWorkItemRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	WorkspacePath string `json:"workspacePath,omitempty"`
	ProjectID     string `json:"projectId,omitempty"`
}

// UpdateWorkItemRequest is the payload for PATCH /work-items/{id}.
type UpdateWorkItemRequest struct {
	Title         *string         `json:"title,omitempty"`
	Description   *string         `json:"description,omitempty"`
	WorkspacePath *string         `json:"workspacePath,omitempty"`
	ProjectID     *string         `json:"projectId,omitempty"`
	Status        *WorkItemStatus `json:"status,omitempty"`
}

// ListWorkItemsRequest filters GET /work-items.
type ListWorkItemsRequest struct {
	Status    WorkItemStatus
	ProjectID string
}

// WorkItemDetail is the response for GET /work-items/{id}.
type WorkItemDetail struct {
	WorkItem *WorkItem `json:"workItem"`
	Sessions []*Session `json:"sessions"`
	Progress Progress   `json:"progress"`
}

// WorkItemStats summarizes work items by status.
type WorkItemStats struct {
	Total    int                    `json:"total"`
	ByStatus map[WorkItemStatus]int `json:"byStatus"`
}

// AppendDevLogRequest is the payload for POST /work-items/{id}/devlog.
type AppendDevLogRequest struct {
	Entry string `json:"entry"`
}

// DevLogResponse is the response for the dev-log endpoints.
type DevLogResponse struct {
	WorkItemID string `json:"workItemId"`
	Content    string `json:"content"`
}
