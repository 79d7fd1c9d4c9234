// Package stream parses the stream-json protocol emitted by the Claude
// CLI in -p mode and translates it into fleet events.
//
// Each line on the subprocess's stdout is a self-contained JSON object
// with a "type" field (system, assistant, user, result). Messages keep
// their raw decoded form so callers can pull out whichever fields they
// need without a full schema for every variant.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is a single decoded stream-json line.
type Message struct {
	Type string
	Raw  map[string]interface{}
}

// Usage summarizes token and cost figures pulled from a message.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// ContextTokens returns the combined token count, which approximates
// context consumption for the turn.
func (u Usage) ContextTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ParseLine decodes one line of stream-json output. Blank lines and
// non-JSON noise (the CLI occasionally prints warnings to stdout)
// return an error the caller should skip past rather than treat as
// fatal.
func ParseLine(line []byte) (*Message, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, fmt.Errorf("empty line")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("parsing stream line: %w", err)
	}

	msgType, _ := raw["type"].(string)
	if msgType == "" {
		return nil, fmt.Errorf("stream line missing type field")
	}

	return &Message{Type: msgType, Raw: raw}, nil
}

// Subtype returns the message's subtype field ("init", "success", ...).
func (m *Message) Subtype() string {
	s, _ := m.Raw["subtype"].(string)
	return s
}

// SessionID returns the session identifier stamped on the message, or
// "" when absent.
func (m *Message) SessionID() string {
	s, _ := m.Raw["session_id"].(string)
	return s
}

// IsInit reports whether this is the system/init handshake message.
func (m *Message) IsInit() bool {
	return m.Type == "system" && m.Subtype() == "init"
}

// IsError reports whether a result message carries the error flag.
func (m *Message) IsError() bool {
	if b, ok := m.Raw["is_error"].(bool); ok {
		return b
	}
	return false
}

// ResultText returns the final answer text from a result message.
func (m *Message) ResultText() string {
	if s, ok := m.Raw["result"].(string); ok {
		return s
	}
	return ""
}

// AssistantText returns the concatenated text blocks from an assistant
// message's content array.
func (m *Message) AssistantText() string {
	msg, ok := m.Raw["message"].(map[string]interface{})
	if !ok {
		return ""
	}
	return contentText(msg["content"])
}

// ToolUse returns the first tool invocation in an assistant message,
// if any. The second return is false when the message carries no
// tool_use block.
func (m *Message) ToolUse() (ToolCall, bool) {
	msg, ok := m.Raw["message"].(map[string]interface{})
	if !ok {
		return ToolCall{}, false
	}
	items, ok := msg["content"].([]interface{})
	if !ok {
		return ToolCall{}, false
	}
	for _, item := range items {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if blockType, _ := block["type"].(string); blockType != "tool_use" {
			continue
		}
		name, _ := block["name"].(string)
		call := ToolCall{Name: name}
		if input, ok := block["input"].(map[string]interface{}); ok {
			call.Input = summarizeInput(input)
		}
		return call, true
	}
	return ToolCall{}, false
}

// HasToolResult reports whether a user message carries a tool_result
// block (the CLI echoing a tool's output back into the conversation).
func (m *Message) HasToolResult() bool {
	msg, ok := m.Raw["message"].(map[string]interface{})
	if !ok {
		return false
	}
	items, ok := msg["content"].([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if blockType, _ := block["type"].(string); blockType == "tool_result" {
			return true
		}
	}
	return false
}

// MessageUsage extracts token counts from an assistant message's
// nested usage object. Returns false when the message has none.
func (m *Message) MessageUsage() (Usage, bool) {
	msg, ok := m.Raw["message"].(map[string]interface{})
	if !ok {
		return Usage{}, false
	}
	usage, ok := msg["usage"].(map[string]interface{})
	if !ok {
		return Usage{}, false
	}
	return usageFrom(usage, 0), true
}

// ResultUsage extracts the turn's total usage and cost from a result
// message.
func (m *Message) ResultUsage() Usage {
	cost, _ := m.Raw["total_cost_usd"].(float64)
	if usage, ok := m.Raw["usage"].(map[string]interface{}); ok {
		return usageFrom(usage, cost)
	}
	return Usage{CostUSD: cost}
}

// ToolCall is one tool invocation by the agent.
type ToolCall struct {
	Name  string
	Input string
}

func usageFrom(usage map[string]interface{}, cost float64) Usage {
	u := Usage{CostUSD: cost}
	u.InputTokens = numberAsInt(usage["input_tokens"])
	u.OutputTokens = numberAsInt(usage["output_tokens"])
	u.InputTokens += numberAsInt(usage["cache_read_input_tokens"])
	u.InputTokens += numberAsInt(usage["cache_creation_input_tokens"])
	return u
}

func contentText(content interface{}) string {
	items, ok := content.([]interface{})
	if !ok {
		if s, ok := content.(string); ok {
			return s
		}
		return ""
	}
	var parts []string
	for _, item := range items {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if blockType, _ := block["type"].(string); blockType != "text" {
			continue
		}
		if text, ok := block["text"].(string); ok && text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// summarizeInput renders a tool's input map as a short display string.
// Long values are truncated; the result is for status lines, not
// round-tripping.
func summarizeInput(input map[string]interface{}) string {
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "query"} {
		if val, ok := input[key].(string); ok && val != "" {
			return truncate(val, 120)
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return truncate(string(data), 120)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func numberAsInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
