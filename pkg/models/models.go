// Package models defines the shared data types that flow between the
// runtime's subsystems: sessions, turns, signals, and tool calls.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the messaging surface a session belongs to.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelHTTP     ChannelType = "http"
	ChannelCLI      ChannelType = "cli"
)

// Role indicates the author type of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Turn is one immutable entry in a session's conversation log.
type Turn struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Seq        int64       `json:"seq"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Channel    ChannelType `json:"channel,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// SessionSettings holds per-session behavior toggles.
type SessionSettings struct {
	Verbose        bool `json:"verbose,omitempty"`
	ReasoningDepth int  `json:"reasoning_depth,omitempty"`
}

// Session represents a conversation thread owned by exactly one loop actor.
type Session struct {
	ID             string          `json:"id"`
	Channel        ChannelType     `json:"channel"`
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	PlanMode       bool            `json:"plan_mode,omitempty"`
	Settings       SessionSettings `json:"settings,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SessionKey derives the canonical session id for a (channel, conversation, user) triple.
func SessionKey(channel ChannelType, conversationID, userID string) string {
	return string(channel) + "_" + conversationID + "_" + userID
}

// Usage reports token consumption for a single completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}
