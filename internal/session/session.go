// Package session defines the conversation message model and the
// in-memory session store.
package session

import "time"

// Message roles. Assistant messages may carry tool calls; tool messages
// carry the ID of the call they answer.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message represents a single chat message. Messages are immutable once
// created; a session history is an append-only ordered sequence.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// ToolResult builds a tool message answering the given call ID.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Timestamp: time.Now()}
}
