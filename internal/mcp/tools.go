package mcp

var sessionStatuses = []string{"created", "running", "waiting_for_input", "interrupted", "completed", "error"}

// ToolDefinitions returns the MCP tool definitions for the orchestration API.
func ToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "list_sessions",
			Description: "List agent sessions in display order, optionally filtered by status or work item.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"status":     {Type: "string", Description: "Only sessions in this status", Enum: sessionStatuses},
					"workItemId": {Type: "string", Description: "Only sessions associated with this work item"},
				},
			},
		},
		{
			Name: "create_session",
			Description: "Create an agent session rooted at a working directory. " +
				"Pass workItemId to associate it with a work item straight away.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"workingDir": {Type: "string", Description: "Absolute path the agent runs in"},
					"model":      {Type: "string", Description: "Model override for the agent CLI"},
					"workItemId": {Type: "string", Description: "Work item to associate the session with"},
				},
				Required: []string{"workingDir"},
			},
		},
		{
			Name: "send_message",
			Description: "Send a user message to a session. Created sessions are started and " +
				"interrupted ones resumed first. With wait (the default) the call returns once the agent answers.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sessionId": {Type: "string", Description: "Target session"},
					"content":   {Type: "string", Description: "Message text"},
					"wait":      {Type: "boolean", Description: "Block until the agent responds", Default: true},
				},
				Required: []string{"sessionId", "content"},
			},
		},
		{
			Name:        "get_messages",
			Description: "Read one page of a session's message history, oldest first.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sessionId": {Type: "string", Description: "Session to read"},
					"page":      {Type: "number", Description: "1-based page number", Default: 1},
					"limit":     {Type: "number", Description: "Messages per page (1-500)"},
				},
				Required: []string{"sessionId"},
			},
		},
		{
			Name:        "create_work_item",
			Description: "Create a work item in planning status. Associating a session moves it to in_progress.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"title":         {Type: "string", Description: "Short title"},
					"description":   {Type: "string", Description: "What needs doing"},
					"workspacePath": {Type: "string", Description: "Repository the work happens in"},
					"projectId":     {Type: "string", Description: "External project reference"},
				},
				Required: []string{"title"},
			},
		},
		{
			Name:        "get_work_item",
			Description: "Get a work item with its sessions and progress.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"workItemId": {Type: "string", Description: "Work item id"},
				},
				Required: []string{"workItemId"},
			},
		},
		{
			Name:        "associate_session",
			Description: "Associate a session with a work item, replacing any previous association.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"workItemId": {Type: "string", Description: "Work item id"},
					"sessionId":  {Type: "string", Description: "Session id"},
				},
				Required: []string{"workItemId", "sessionId"},
			},
		},
		{
			Name:        "read_devlog",
			Description: "Read a work item's development log.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"workItemId": {Type: "string", Description: "Work item id"},
				},
				Required: []string{"workItemId"},
			},
		},
		{
			Name:        "append_devlog",
			Description: "Append a timestamped entry to a work item's development log.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"workItemId": {Type: "string", Description: "Work item id"},
					"entry":      {Type: "string", Description: "Markdown text of the entry"},
				},
				Required: []string{"workItemId", "entry"},
			},
		},
	}
}
