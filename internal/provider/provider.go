// Package provider maps abstract chat calls onto concrete LLM backends and
// implements tier routing with retry and fallback across a provider chain.
package provider

import (
	"context"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/tools"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Message is one entry of the conversation sent to a backend.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ChatRequest is a provider-agnostic completion request. Model is resolved
// by the router from the tier unless set explicitly.
type ChatRequest struct {
	Tier        config.Tier
	Model       string
	System      string
	Messages    []Message
	Tools       []tools.Schema
	MaxTokens   int
	Temperature float32
}

// ChatResponse is the provider-agnostic completion result.
type ChatResponse struct {
	Text      string
	ToolCalls []models.ToolCall
	Usage     models.Usage
	Provider  string
	Model     string
}

// StreamEvent is one token (or terminal record) of a streaming completion.
type StreamEvent struct {
	Token string
	Done  bool
	Usage *models.Usage
}

// EmitFunc receives stream events in order.
type EmitFunc func(StreamEvent)

// Info reports a backend's capabilities for gating decisions.
type Info struct {
	ID            string
	DefaultModel  string
	TierModels    map[config.Tier]string
	ToolCapable   bool
	ContextWindow int
}

// InfoFromConfig builds a capability report from a provider's configuration.
func InfoFromConfig(cfg config.ProviderConfig) Info {
	tierModels := make(map[config.Tier]string, len(cfg.Tiers))
	for tier, tc := range cfg.Tiers {
		tierModels[tier] = tc.Model
	}
	return Info{
		ID:            cfg.ID,
		DefaultModel:  cfg.DefaultModel,
		TierModels:    tierModels,
		ToolCapable:   cfg.ToolCapable,
		ContextWindow: cfg.ContextWindow,
	}
}

// Provider is a concrete LLM backend.
//
// Implementations must be safe for concurrent use; the router may issue
// overlapping calls for independent sessions.
type Provider interface {
	ID() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest, emit EmitFunc) (*ChatResponse, error)
	Info() Info
}
