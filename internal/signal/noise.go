package signal

import (
	"context"
	"hash/fnv"
	"log/slog"
	"regexp"
	"strings"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/provider"
	"github.com/corvid-labs/corvid/pkg/models"
)

var ackPattern = regexp.MustCompile(`(?i)^(ok(ay)?|k+|thanks?( you)?|thank you|ty(sm)?|thx|got it|sounds good|sure|yes|yep|yeah|no|nope|nah|cool|nice|great|lol|haha+|\+1|ack|done|noted|will do|np|no problem)[.!]*$`)

var cannedAcks = []string{"👍", "Got it.", "Noted.", "Sure.", "Anytime."}

// Verdict is the noise filter's decision for one message.
type Verdict struct {
	Noise bool
	Ack   string // canned reply when Noise is true and the channel allows acks
	Tier  int    // 1 deterministic, 2 LLM-assisted; 0 when not noise
}

// Chatter is the slice of the provider router the tier-2 check needs.
type Chatter interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Filter implements the two-tier noise gate. Tier 1 is a deterministic
// ack/emoji pattern match. Tier 2 optionally consults a utility-tier model
// for borderline weights. A message reaches the LLM loop only if both
// tiers pass.
type Filter struct {
	cfg    config.NoiseConfig
	llm    Chatter
	logger *slog.Logger
}

// NewFilter creates a noise filter. llm may be nil; tier 2 is then skipped
// even when enabled in config.
func NewFilter(cfg config.NoiseConfig, llm Chatter, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{cfg: cfg, llm: llm, logger: logger.With("component", "noise_filter")}
}

// Check runs both tiers against a classified message. Weight exactly at the
// threshold passes; only weights strictly below it are tier-1 candidates.
func (f *Filter) Check(ctx context.Context, text string, sig models.Signal) Verdict {
	trimmed := strings.TrimSpace(text)

	if sig.Weight < f.cfg.Threshold && sig.Confidence == models.ConfidenceHigh {
		if ackPattern.MatchString(trimmed) || emojiOnly(trimmed) {
			return Verdict{Noise: true, Ack: pickAck(trimmed), Tier: 1}
		}
	}

	if f.cfg.LLMAssist && f.llm != nil &&
		sig.Weight >= f.cfg.Threshold && sig.Weight < f.cfg.BorderlineCeiling {
		if !f.actionable(ctx, trimmed) {
			return Verdict{Noise: true, Ack: pickAck(trimmed), Tier: 2}
		}
	}

	return Verdict{}
}

// actionable asks a utility-tier model whether a borderline message needs a
// real response. Errors fail open: the message proceeds to the full loop.
func (f *Filter) actionable(ctx context.Context, text string) bool {
	resp, err := f.llm.Chat(ctx, &provider.ChatRequest{
		Tier:   config.TierUtility,
		System: "You triage chat messages. Reply with exactly y if the message needs a substantive response, or n if it is filler.",
		Messages: []provider.Message{
			{Role: "user", Content: text},
		},
		MaxTokens: 4,
	})
	if err != nil {
		f.logger.Warn("tier-2 noise check failed, passing message through", "error", err)
		return true
	}
	answer := strings.ToLower(strings.TrimSpace(resp.Text))
	return !strings.HasPrefix(answer, "n")
}

// pickAck chooses a canned acknowledgment deterministically from the input
// so repeated identical messages get the same reply.
func pickAck(text string) string {
	h := fnv.New32a()
	h.Write([]byte(text))
	return cannedAcks[int(h.Sum32())%len(cannedAcks)]
}
