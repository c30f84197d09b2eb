package prompt

import (
	"fmt"
	"strings"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/provider"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Environment describes the execution surface included in the prompt.
type Environment struct {
	Channel    models.ChannelType
	WorkingDir string
	Skills     []string
}

// Prompt is a fully assembled request body plus its estimated token size.
type Prompt struct {
	System   string
	Messages []provider.Message
	Tokens   int
}

// Builder assembles the layered prompt: identity, signal line, environment,
// then conversation history.
type Builder struct {
	identity *Identity
	counter  *TokenCounter
	cfg      config.ContextConfig
}

// NewBuilder creates a prompt builder over the given identity snapshot.
func NewBuilder(identity *Identity, counter *TokenCounter, cfg config.ContextConfig) *Builder {
	if counter == nil {
		counter = NewTokenCounter()
	}
	return &Builder{identity: identity, counter: counter, cfg: cfg}
}

// Budget returns the prompt token budget: the context window minus the
// reserved completion headroom.
func (b *Builder) Budget() int {
	return b.cfg.MaxTokens - b.cfg.CompletionHeadroom
}

// CompactionThreshold returns the token count above which the compactor runs.
func (b *Builder) CompactionThreshold() int {
	return b.cfg.MaxTokens * b.cfg.CompactThresholdPercent / 100
}

// Build assembles the prompt for one LLM call.
func (b *Builder) Build(sig models.Signal, env Environment, history []models.Turn) *Prompt {
	var system strings.Builder

	if b.identity != nil {
		if text := b.identity.Snapshot(); text != "" {
			system.WriteString(text)
			system.WriteString("\n\n")
		}
	}
	system.WriteString(signalLine(sig))
	system.WriteString("\n")
	system.WriteString(environmentSection(env))

	sys := system.String()
	messages := TurnsToMessages(history)

	tokens := b.counter.Count(sys)
	for _, msg := range messages {
		tokens += b.counter.Count(msg.Content)
		for _, tr := range msg.ToolResults {
			tokens += b.counter.Count(tr.Content)
		}
		for _, tc := range msg.ToolCalls {
			tokens += b.counter.Count(string(tc.Arguments))
		}
	}

	return &Prompt{System: sys, Messages: messages, Tokens: tokens}
}

// CountTurns estimates the token size of a turn slice, used for compaction
// threshold checks before full assembly.
func (b *Builder) CountTurns(turns []models.Turn) int {
	total := 0
	for _, t := range turns {
		total += b.counter.Count(t.Content)
		if t.ToolResult != nil {
			total += b.counter.Count(t.ToolResult.Content)
		}
		for _, tc := range t.ToolCalls {
			total += b.counter.Count(string(tc.Arguments))
		}
	}
	return total
}

func signalLine(sig models.Signal) string {
	return fmt.Sprintf("Signal: mode=%s genre=%s type=%s format=%s weight=%.2f confidence=%s",
		sig.Mode, sig.Genre, sig.Type, sig.Format, sig.Weight, sig.Confidence)
}

func environmentSection(env Environment) string {
	var sb strings.Builder
	sb.WriteString("Environment:\n")
	if env.Channel != "" {
		fmt.Fprintf(&sb, "  channel: %s\n", env.Channel)
	}
	if env.WorkingDir != "" {
		fmt.Fprintf(&sb, "  cwd: %s\n", env.WorkingDir)
	}
	if len(env.Skills) > 0 {
		fmt.Fprintf(&sb, "  skills: %s\n", strings.Join(env.Skills, ", "))
	}
	return sb.String()
}

// TurnsToMessages converts the stored conversation log into provider
// messages. System turns carry compaction summaries and are presented as
// user-role context so backends that accept a single system prompt still
// see them.
func TurnsToMessages(turns []models.Turn) []provider.Message {
	out := make([]provider.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case models.RoleTool:
			if t.ToolResult == nil {
				continue
			}
			out = append(out, provider.Message{
				Role:        "tool",
				ToolResults: []models.ToolResult{*t.ToolResult},
			})
		case models.RoleAssistant:
			out = append(out, provider.Message{
				Role:      "assistant",
				Content:   t.Content,
				ToolCalls: t.ToolCalls,
			})
		default:
			out = append(out, provider.Message{
				Role:    "user",
				Content: t.Content,
			})
		}
	}
	return out
}
