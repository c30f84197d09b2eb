package bus

import (
	"github.com/corvid-labs/corvid/pkg/models"
)

// ToolCallPayload is emitted at tool dispatch start and end.
type ToolCallPayload struct {
	Name       string `json:"name"`
	Phase      string `json:"phase"` // start or end
	Args       string `json:"args,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	OK         bool   `json:"ok,omitempty"`
}

// LLMRequestPayload is emitted before each provider call.
type LLMRequestPayload struct {
	SessionID string `json:"session_id"`
	Tier      string `json:"tier"`
	Iteration int    `json:"iteration"`
}

// LLMResponsePayload is emitted after each completed provider call.
type LLMResponsePayload struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Usage    models.Usage `json:"usage"`
}

// AgentResponsePayload is emitted once per processed inbound message.
type AgentResponsePayload struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	Signal    models.Signal `json:"signal"`
	Usage     models.Usage  `json:"usage"`
	Filtered  bool          `json:"filtered,omitempty"`
}

// HookBlockedPayload is emitted when a hook handler blocks an event.
type HookBlockedPayload struct {
	Event    string `json:"event"`
	HookName string `json:"hook_name"`
	Reason   string `json:"reason"`
}

// ContextPressurePayload is emitted when the compactor runs.
type ContextPressurePayload struct {
	SessionID    string `json:"session_id"`
	BeforeTokens int    `json:"before_tokens"`
	AfterTokens  int    `json:"after_tokens"`
	Saved        int    `json:"saved"`
}

// SessionLifecyclePayload is emitted on session start and end.
type SessionLifecyclePayload struct {
	SessionID string             `json:"session_id"`
	Channel   models.ChannelType `json:"channel"`
	UserID    string             `json:"user_id"`
}

// PlanProposedPayload is emitted when plan mode intercepts execution.
type PlanProposedPayload struct {
	SessionID string `json:"session_id"`
	Plan      string `json:"plan"`
}

// SwarmPayload is emitted on swarm start and completion.
type SwarmPayload struct {
	SwarmID   string   `json:"swarm_id"`
	SessionID string   `json:"session_id"`
	Roles     []string `json:"roles,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}
