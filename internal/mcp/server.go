package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	protocolVersion = "2024-11-05"

	requestTimeout = 30 * time.Second
	// waitedSendTimeout covers a send that blocks until the agent answers.
	waitedSendTimeout = 10 * time.Minute
)

// Server implements an MCP stdio server that delegates to the conductor
// HTTP API.
type Server struct {
	serverURL string
	apiKey    string
	client    *http.Client
}

// NewServer creates a new MCP server. apiKey may be empty when the API runs
// without auth.
func NewServer(serverURL, apiKey string) *Server {
	return &Server{
		serverURL: strings.TrimRight(serverURL, "/"),
		apiKey:    apiKey,
		client:    &http.Client{},
	}
}

// Run serves stdin/stdout. Blocks until stdin is closed.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads one JSON-RPC message per line from in and writes responses to
// out.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	// Increase buffer for large messages
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 1024*1024)

	enc := json.NewEncoder(out)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(errorResponse(nil, codeParseError, "parse error: "+err.Error())); err != nil {
				return err
			}
			continue
		}

		if resp := s.handleRequest(ctx, &req); resp != nil {
			if err := enc.Encode(resp); err != nil {
				return err
			}
		}
	}

	return scanner.Err()
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: InitializeResult{
				ProtocolVersion: protocolVersion,
				Capabilities:    ServerCapabilities{Tools: &ToolCapabilities{}},
				ServerInfo:      ServerInfo{Name: "conductor", Version: "1.0.0"},
			},
		}
	case "initialized", "notifications/initialized":
		// Notification, no response
		return nil
	case "tools/list":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: ToolsListResult{Tools: ToolDefinitions()}}
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]string{}}
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
	}

	result, isError := s.dispatchTool(ctx, params.Name, params.Arguments)

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: result}},
			IsError: isError,
		},
	}
}

func (s *Server) dispatchTool(ctx context.Context, name string, args map[string]any) (string, bool) {
	switch name {
	case "list_sessions":
		return s.toolListSessions(ctx, args)
	case "create_session":
		return s.toolCreateSession(ctx, args)
	case "send_message":
		return s.toolSendMessage(ctx, args)
	case "get_messages":
		return s.toolGetMessages(ctx, args)
	case "create_work_item":
		return s.toolCreateWorkItem(ctx, args)
	case "get_work_item":
		return s.toolGetWorkItem(ctx, args)
	case "associate_session":
		return s.toolAssociateSession(ctx, args)
	case "read_devlog":
		return s.toolReadDevLog(ctx, args)
	case "append_devlog":
		return s.toolAppendDevLog(ctx, args)
	default:
		return fmt.Sprintf("unknown tool: %s", name), true
	}
}

// --- Tool implementations (HTTP delegation) ---

func (s *Server) toolListSessions(ctx context.Context, args map[string]any) (string, bool) {
	q := url.Values{}
	if v := getString(args, "status"); v != "" {
		q.Set("status", v)
	}
	if v := getString(args, "workItemId"); v != "" {
		q.Set("workItemId", v)
	}
	path := "/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return s.httpDo(ctx, http.MethodGet, path, nil, requestTimeout)
}

func (s *Server) toolCreateSession(ctx context.Context, args map[string]any) (string, bool) {
	dir := getString(args, "workingDir")
	if dir == "" {
		return "workingDir is required", true
	}
	body := map[string]any{
		"workingDir": dir,
		"model":      getString(args, "model"),
		"workItemId": getString(args, "workItemId"),
	}
	return s.httpDo(ctx, http.MethodPost, "/sessions", body, requestTimeout)
}

func (s *Server) toolSendMessage(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "sessionId")
	if id == "" {
		return "sessionId is required", true
	}
	wait := getBool(args, "wait", true)
	body := map[string]any{
		"content": getString(args, "content"),
		"wait":    wait,
	}
	timeout := requestTimeout
	if wait {
		timeout = waitedSendTimeout
	}
	return s.httpDo(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/messages", body, timeout)
}

func (s *Server) toolGetMessages(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "sessionId")
	if id == "" {
		return "sessionId is required", true
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(int(getFloat(args, "page", 1))))
	if limit := getFloat(args, "limit", 0); limit > 0 {
		q.Set("limit", strconv.Itoa(int(limit)))
	}
	return s.httpDo(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id)+"/messages?"+q.Encode(), nil, requestTimeout)
}

func (s *Server) toolCreateWorkItem(ctx context.Context, args map[string]any) (string, bool) {
	body := map[string]any{
		"title":         getString(args, "title"),
		"description":   getString(args, "description"),
		"workspacePath": getString(args, "workspacePath"),
		"projectId":     getString(args, "projectId"),
	}
	return s.httpDo(ctx, http.MethodPost, "/work-items", body, requestTimeout)
}

func (s *Server) toolGetWorkItem(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "workItemId")
	if id == "" {
		return "workItemId is required", true
	}
	return s.httpDo(ctx, http.MethodGet, "/work-items/"+url.PathEscape(id), nil, requestTimeout)
}

func (s *Server) toolAssociateSession(ctx context.Context, args map[string]any) (string, bool) {
	itemID := getString(args, "workItemId")
	sessionID := getString(args, "sessionId")
	if itemID == "" || sessionID == "" {
		return "workItemId and sessionId are required", true
	}
	path := fmt.Sprintf("/work-items/%s/sessions/%s", url.PathEscape(itemID), url.PathEscape(sessionID))
	return s.httpDo(ctx, http.MethodPost, path, nil, requestTimeout)
}

func (s *Server) toolReadDevLog(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "workItemId")
	if id == "" {
		return "workItemId is required", true
	}
	return s.httpDo(ctx, http.MethodGet, "/work-items/"+url.PathEscape(id)+"/devlog", nil, requestTimeout)
}

func (s *Server) toolAppendDevLog(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "workItemId")
	if id == "" {
		return "workItemId is required", true
	}
	body := map[string]any{"entry": getString(args, "entry")}
	return s.httpDo(ctx, http.MethodPost, "/work-items/"+url.PathEscape(id)+"/devlog", body, requestTimeout)
}

// --- HTTP helpers ---

// httpDo calls the API and returns the raw response body. The bool reports
// a failed call, including any 4xx/5xx status.
func (s *Server) httpDo(ctx context.Context, method, path string, body any, timeout time.Duration) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Sprintf("marshal error: %s", err), true
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.serverURL+path, reader)
	if err != nil {
		return fmt.Sprintf("request error: %s", err), true
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Sprintf("HTTP error: %s", err), true
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("read error: %s", err), true
	}

	return string(respBody), resp.StatusCode >= 400
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// --- Argument helpers ---

func getString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func getFloat(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key]; ok {
		switch val := v.(type) {
		case float64:
			return val
		case int:
			return float64(val)
		}
	}
	return fallback
}

func getBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
