// Package llm talks to the reasoning model over the OpenAI-compatible
// chat completions wire format.
package llm

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/pkg/protocol"
)

// ToolDefinition is one tool advertised to the reasoning model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Completion is the model's answer for one planning round. A round is
// terminal when ToolCalls is empty.
type Completion struct {
	Content    string
	ToolCalls  []protocol.ToolCall
	TokensUsed int
}

// Model generates one completion from the conversation so far.
type Model interface {
	Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Completion, error)
	Name() string
}

// ReasoningError is a failed reasoning model call. Unlike tool errors
// it terminates the turn.
type ReasoningError struct {
	Message string
	Err     error
}

func (e *ReasoningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reasoning: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("reasoning: %s", e.Message)
}

func (e *ReasoningError) Unwrap() error {
	return e.Err
}
