// Package conversation defines the message model shared by the session
// controller, the checkpoint store and the model gateway.
package conversation

import (
	"encoding/json"
	"fmt"
)

// Role discriminates the Message variants.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-issued request to run a named tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Message is one entry of a conversation. Role selects which fields are
// meaningful: ToolCalls only on assistant messages, CallID/ToolName/IsError
// only on tool results.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CallID    string     `json:"call_id,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
	Step      int64      `json:"step"`
}

// System returns a system message.
func System(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// User returns a user message.
func User(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// Assistant returns an assistant message, optionally carrying tool calls.
func Assistant(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResult returns the answer to the tool call identified by callID.
func ToolResult(callID, toolName, content string, isError bool) Message {
	return Message{
		Role:     RoleTool,
		Content:  content,
		CallID:   callID,
		ToolName: toolName,
		IsError:  isError,
	}
}

// HasToolCalls reports whether m is an assistant message requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// String renders a one-line summary used by the admin CLI.
func (m Message) String() string {
	switch m.Role {
	case RoleAssistant:
		if len(m.ToolCalls) > 0 {
			names := make([]string, len(m.ToolCalls))
			for i, c := range m.ToolCalls {
				names[i] = c.Name + "#" + c.ID
			}
			return fmt.Sprintf("[%s step=%d] calls %v %s", m.Role, m.Step, names, truncate(m.Content, 80))
		}
	case RoleTool:
		status := "ok"
		if m.IsError {
			status = "error"
		}
		return fmt.Sprintf("[%s step=%d] %s#%s %s: %s", m.Role, m.Step, m.ToolName, m.CallID, status, truncate(m.Content, 80))
	}
	return fmt.Sprintf("[%s step=%d] %s", m.Role, m.Step, truncate(m.Content, 120))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Clone returns a deep copy of msgs so callers can hand slices across
// goroutines without aliasing.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if len(m.ToolCalls) > 0 {
			out[i].ToolCalls = make([]ToolCall, len(m.ToolCalls))
			for j, c := range m.ToolCalls {
				out[i].ToolCalls[j] = c
				if c.Args != nil {
					out[i].ToolCalls[j].Args = append(json.RawMessage(nil), c.Args...)
				}
			}
		}
	}
	return out
}
