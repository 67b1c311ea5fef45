package process

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

// ANSI escape sequences: colors, cursor movement, OSC titles, charset switches.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][AB012]`)

func stripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// parseStreamLine maps one line of the CLI's stream-json stdout to events.
// agentSessionID is non-empty when the line announced the conversation id.
func parseStreamLine(line string) (events []models.ProcessEvent, agentSessionID string) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		if strings.TrimSpace(line) == "" {
			return nil, ""
		}
		return []models.ProcessEvent{outputEvent(stripANSI(line), "stdout")}, ""
	}

	eventType, _ := data["type"].(string)

	switch eventType {
	case "system":
		if getString(data, "subtype") == "init" {
			id := getString(data, "session_id")
			return []models.ProcessEvent{{
				Type:           models.EventStatusUpdate,
				Status:         models.SessionStatusRunning,
				AgentSessionID: id,
			}}, id
		}

	case "assistant":
		message, ok := data["message"].(map[string]interface{})
		if !ok {
			return nil, ""
		}
		content, ok := message["content"].([]interface{})
		if !ok {
			return nil, ""
		}
		for _, c := range content {
			block, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if text := getString(block, "text"); text != "" {
					events = append(events, models.ProcessEvent{
						Type:    models.EventMessage,
						Role:    models.RoleAssistant,
						Content: stripANSI(text),
					})
				}
			case "tool_use":
				name := getString(block, "name")
				input, _ := block["input"].(map[string]interface{})
				text := "● " + name
				if detail := extractToolDetail(input); detail != "" {
					text += " " + detail
				}
				events = append(events, outputEvent(text, "tool_use"))
			}
		}
		return events, ""

	case "content_block_delta":
		delta, ok := data["delta"].(map[string]interface{})
		if ok && getString(delta, "type") == "text_delta" {
			if text := getString(delta, "text"); text != "" {
				return []models.ProcessEvent{outputEvent(stripANSI(text), "delta")}, ""
			}
		}
		return nil, ""

	case "result":
		if isErr, _ := data["is_error"].(bool); isErr {
			msg := getString(data, "result")
			if msg == "" {
				msg = "agent reported an error result"
			}
			return []models.ProcessEvent{{
				Type:      models.EventError,
				Error:     msg,
				ErrorType: nonEmpty(getString(data, "subtype"), "result_error"),
			}}, ""
		}
		return []models.ProcessEvent{{
			Type:   models.EventStatusUpdate,
			Status: models.SessionStatusWaitingForInput,
		}}, ""

	case "error":
		errData, _ := data["error"].(map[string]interface{})
		msg := getString(errData, "message")
		if msg == "" {
			msg = "agent error"
		}
		return []models.ProcessEvent{{
			Type:      models.EventError,
			Error:     msg,
			ErrorType: nonEmpty(getString(errData, "type"), "agent_error"),
			Details:   line,
		}}, ""
	}

	return []models.ProcessEvent{outputEvent(line, eventType)}, ""
}

// extractToolDetail picks the most descriptive argument of a tool call.
func extractToolDetail(input map[string]interface{}) string {
	for _, key := range []string{"command", "file_path", "pattern", "url", "description"} {
		if v := getString(input, key); v != "" {
			if len(v) > 80 {
				cut := 77
				for cut > 0 && !utf8.RuneStart(v[cut]) {
					cut--
				}
				v = v[:cut] + "..."
			}
			return v
		}
	}
	return ""
}

func outputEvent(raw, stream string) models.ProcessEvent {
	return models.ProcessEvent{Type: models.EventOutput, Raw: raw, Stream: stream}
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
