package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/corvid/internal/bus"
	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/internal/provider"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Completer is the slice of the provider router the compactor needs.
type Completer interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

const summarizeSystem = `You compress conversation history. Produce:
1. A prose summary of the conversation so far, a few sentences.
2. A "Key facts:" list of decisions, file paths, identifiers, and commitments that must survive.
Be terse. Do not invent details.`

// Compactor folds older conversation turns into a single synthetic
// prior-context turn when the history grows past the configured share of
// the token budget. Compacting an already-compacted log that is back under
// the threshold is a no-op.
type Compactor struct {
	cfg     config.ContextConfig
	llm     Completer
	builder *Builder
	events  *bus.Bus
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewCompactor creates a compactor. events and metrics may be nil.
func NewCompactor(cfg config.ContextConfig, llm Completer, builder *Builder, events *bus.Bus, metrics *observability.Metrics, logger *slog.Logger) *Compactor {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		cfg:     cfg,
		llm:     llm,
		builder: builder,
		events:  events,
		metrics: metrics,
		logger:  logger.With("component", "compactor"),
	}
}

// priorContextPrefix marks the synthetic summary turn.
const priorContextPrefix = "[prior context]"

// Compact returns the (possibly reduced) turn list and the number of tokens
// saved. Below the threshold the input is returned unchanged. The most
// recent KeepRecentTurns are preserved verbatim where the prompt budget
// allows; everything older is summarized through a utility-tier model into
// one synthetic turn.
func (c *Compactor) Compact(ctx context.Context, sessionID string, turns []models.Turn) ([]models.Turn, int, error) {
	before := c.builder.CountTurns(turns)
	if before <= c.builder.CompactionThreshold() {
		return turns, 0, nil
	}

	keep := c.cfg.KeepRecentTurns
	out := turns
	folded := 0
	if len(turns) > keep {
		older := turns[:len(turns)-keep]
		recent := turns[len(turns)-keep:]
		folded = len(older)

		summary, err := c.summarize(ctx, older)
		if err != nil {
			return turns, 0, fmt.Errorf("compaction summary: %w", err)
		}

		synthetic := models.Turn{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Seq:       older[len(older)-1].Seq,
			Role:      models.RoleSystem,
			Content:   priorContextPrefix + "\n" + summary,
			CreatedAt: time.Now().UTC(),
		}

		out = make([]models.Turn, 0, 1+len(recent))
		out = append(out, synthetic)
		out = append(out, recent...)
	}

	out = c.enforceBudget(sessionID, out)
	if folded == 0 && len(out) == len(turns) {
		// Over the threshold but nothing to fold and nothing dropped.
		return turns, 0, nil
	}

	after := c.builder.CountTurns(out)
	saved := before - after
	if saved < 0 {
		saved = 0
	}
	c.metrics.CompactionSaved.Add(float64(saved))
	if c.events != nil {
		c.events.Emit(bus.KindContextPressure, bus.ContextPressurePayload{
			SessionID:    sessionID,
			BeforeTokens: before,
			AfterTokens:  after,
			Saved:        saved,
		})
	}
	c.logger.Info("history compacted",
		"session", sessionID, "turns_folded", folded,
		"before_tokens", before, "after_tokens", after)

	return out, saved, nil
}

// enforceBudget drops the oldest turns until the history fits the prompt
// budget. The synthetic summary and the newest turn are kept as long as
// anything else remains to drop.
func (c *Compactor) enforceBudget(sessionID string, turns []models.Turn) []models.Turn {
	budget := c.builder.Budget()
	for len(turns) > 1 && c.builder.CountTurns(turns) > budget {
		drop := 0
		if len(turns) > 2 && turns[0].Role == models.RoleSystem &&
			strings.HasPrefix(turns[0].Content, priorContextPrefix) {
			drop = 1
		}
		c.logger.Warn("dropping turn to fit prompt budget",
			"session", sessionID, "seq", turns[drop].Seq, "budget", budget)
		if drop == 0 {
			turns = turns[1:]
			continue
		}
		rest := make([]models.Turn, 0, len(turns)-1)
		rest = append(rest, turns[0])
		rest = append(rest, turns[2:]...)
		turns = rest
	}
	return turns
}

// summarize renders the older turns as a transcript and asks a utility-tier
// model for a summary plus key facts.
func (c *Compactor) summarize(ctx context.Context, turns []models.Turn) (string, error) {
	var transcript strings.Builder
	for _, t := range turns {
		switch {
		case t.Role == models.RoleTool && t.ToolResult != nil:
			fmt.Fprintf(&transcript, "tool: %s\n", t.ToolResult.Content)
		case len(t.ToolCalls) > 0:
			for _, tc := range t.ToolCalls {
				fmt.Fprintf(&transcript, "%s called %s(%s)\n", t.Role, tc.Name, string(tc.Arguments))
			}
			if t.Content != "" {
				fmt.Fprintf(&transcript, "%s: %s\n", t.Role, t.Content)
			}
		default:
			fmt.Fprintf(&transcript, "%s: %s\n", t.Role, t.Content)
		}
	}

	resp, err := c.llm.Chat(ctx, &provider.ChatRequest{
		Tier:   config.TierUtility,
		System: summarizeSystem,
		Messages: []provider.Message{
			{Role: "user", Content: transcript.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
