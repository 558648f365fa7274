package domain

import "time"

// InboundMessage is a patient message arriving from a messaging channel.
// ExternalID is the channel provider's message id; it is the idempotency key
// for ingestion, so channels must pass it through whenever the provider
// supplies one.
type InboundMessage struct {
	Channel    string
	ClinicID   string
	Address    string // sender address (phone number or chat id)
	SenderName string // best-effort display name from the channel
	ExternalID string
	Content    string
	Timestamp  time.Time
}

// Message is a single entry of a conversation transcript as sent to the model.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
