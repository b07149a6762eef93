// api/schemas/interfaces.go
package schemas

import (
	"context"
	"encoding/json"
)

// -- Agent Interface --

// ModelTier selects an agent model by capability rather than by name, so the
// caller does not need to know which concrete models are configured.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, slower model.
)

// AgentOptions carries generation parameters for a single request.
type AgentOptions struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	ForceJSONFormat bool    `json:"force_json_format,omitempty"`
}

// AgentRequest is one question to the external coding-agent capability.
type AgentRequest struct {
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Prompt       string       `json:"prompt"`
	Tier         ModelTier    `json:"tier"`
	Options      AgentOptions `json:"options"`
}

// AgentResponse is the agent's answer. ParsedJSON is populated only when the
// response contained an extractable JSON document (possibly inside a fenced
// code block; extraction is this core's responsibility, not the agent's).
type AgentResponse struct {
	Success    bool            `json:"success"`
	Text       string          `json:"text"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"`
}

// AgentClient is the outbound "ask a question, get an answer" capability used
// for semantic diagnosis and optional plan review. Implementations must honor
// the context deadline; a timeout is returned as an error, and every caller
// in this core treats it as a soft failure.
type AgentClient interface {
	Ask(ctx context.Context, req AgentRequest) (AgentResponse, error)
}

// -- Persistence Interfaces --

// AttemptStore is the boundary for durable attempt audit records. The
// orchestrator writes one record per attempt; retrieval is for reporting.
// Implementations must be safe for concurrent use.
type AttemptStore interface {
	// RecordAttempt persists a completed fix attempt.
	RecordAttempt(ctx context.Context, attempt *FixAttempt) error
	// AttemptsForError returns prior attempts for one error ID, newest first.
	AttemptsForError(ctx context.Context, errorID string) ([]FixAttempt, error)
}
