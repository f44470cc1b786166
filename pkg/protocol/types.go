// Package protocol defines the conversation and lineage types shared
// between the planner, the tool invoker, and the session store.
package protocol

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation sent to the reasoning model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool calls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set on tool messages and must carry the id the
	// model assigned to the corresponding call verbatim.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a single tool invocation requested by the reasoning model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Outcome classifies a completed tool call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeCached  Outcome = "cached"
)

// Error kinds recorded on lineage entries with Outcome == OutcomeError.
const (
	KindUnknownTool      = "UnknownTool"
	KindInvalidArguments = "InvalidArguments"
	KindTransportError   = "TransportError"
	KindToolError        = "ToolError"
)

// LineageRecord is the audit record of one completed tool call.
type LineageRecord struct {
	Step       int            `json:"step"`
	ToolName   string         `json:"tool_name"`
	ProviderID string         `json:"provider_id"`
	Arguments  map[string]any `json:"arguments"`
	Summary    string         `json:"result_summary"`
	Result     any            `json:"result"`
	Outcome    Outcome        `json:"outcome"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMS int64          `json:"duration_ms"`
}

// ResultPayload renders the record's result as the JSON string threaded
// back to the reasoning model.
func (r *LineageRecord) ResultPayload() string {
	data, err := json.Marshal(r.Result)
	if err != nil {
		return `{"error":{"message":"unserializable tool result"}}`
	}
	return string(data)
}

// ExecutionMetadata summarizes a finished turn.
type ExecutionMetadata struct {
	Rounds        int             `json:"rounds"`
	ProvidersUsed []string        `json:"providers_used"`
	DurationMS    int64           `json:"execution_time_ms"`
	Lineage       []LineageRecord `json:"lineage"`
}

// Summarize truncates a JSON-rendered payload for lineage summaries.
func Summarize(v any, max int) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) <= max {
		return s
	}

	// Back off to a rune boundary so the cut never splits a multi-byte
	// sequence.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
