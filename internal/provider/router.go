package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/observability"
)

// Router resolves tiers to models and drives the fallback chain. It is
// read-mostly: providers are registered at boot and the chain is copied
// under a read lock per call.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	chain     []string // default provider first, then fallbacks

	tierDefaults map[config.Tier]config.TierConfig
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewRouter creates a router over the given chain. The first id is the
// default provider; the rest form the fallback order.
func NewRouter(chain []string, metrics *observability.Metrics, logger *slog.Logger) *Router {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		providers: make(map[string]Provider),
		chain:     append([]string(nil), chain...),
		tierDefaults: map[config.Tier]config.TierConfig{
			config.TierElite:      {MaxTokens: 8192, Temperature: 0.7, MaxIterations: 30},
			config.TierSpecialist: {MaxTokens: 4096, Temperature: 0.5, MaxIterations: 20},
			config.TierUtility:    {MaxTokens: 1024, Temperature: 0.0, MaxIterations: 5},
		},
		metrics: metrics,
		logger:  logger.With("component", "router"),
	}
}

// RegisterProvider adds a backend. If the chain is empty, the first
// registered provider becomes the default.
func (r *Router) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if len(r.chain) == 0 {
		r.chain = []string{p.ID()}
	}
}

// ProviderInfo reports the capabilities of a configured backend.
func (r *Router) ProviderInfo(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return Info{}, false
	}
	return p.Info(), true
}

// DefaultProvider returns the id at the head of the chain.
func (r *Router) DefaultProvider() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.chain) == 0 {
		return ""
	}
	return r.chain[0]
}

// TierSettings returns the budget settings for a tier.
func (r *Router) TierSettings(tier config.Tier) config.TierConfig {
	if tc, ok := r.tierDefaults[tier]; ok {
		return tc
	}
	return r.tierDefaults[config.TierSpecialist]
}

// Chat resolves the tier to a model on the active provider and completes
// the request. On a transient error it retries once on the same provider,
// then advances the fallback chain, re-resolving the tier for each backend.
// Hard errors (auth, invalid request) surface immediately.
func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return r.dispatch(ctx, req, func(ctx context.Context, p Provider, attempt *ChatRequest) (*ChatResponse, error) {
		return p.Chat(ctx, attempt)
	})
}

// ChatStream is Chat with token streaming. The final event carries usage.
// Fallback only applies before the first token is emitted.
func (r *Router) ChatStream(ctx context.Context, req *ChatRequest, emit EmitFunc) (*ChatResponse, error) {
	started := false
	guarded := func(ev StreamEvent) {
		started = true
		emit(ev)
	}
	return r.dispatch(ctx, req, func(ctx context.Context, p Provider, attempt *ChatRequest) (*ChatResponse, error) {
		resp, err := p.ChatStream(ctx, attempt, guarded)
		if err != nil && started {
			// A mid-stream failure cannot be transparently retried.
			return nil, &PermanentError{Cause: fmt.Errorf("stream aborted: %w", err)}
		}
		return resp, err
	})
}

type attemptFunc func(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, error)

func (r *Router) dispatch(ctx context.Context, req *ChatRequest, attempt attemptFunc) (*ChatResponse, error) {
	ctx, span := observability.Tracer().Start(ctx, "llm.dispatch",
		trace.WithAttributes(attribute.String("llm.tier", string(req.Tier))))
	defer span.End()

	r.mu.RLock()
	chain := make([]Provider, 0, len(r.chain))
	for _, id := range r.chain {
		if p, ok := r.providers[id]; ok {
			chain = append(chain, p)
		}
	}
	r.mu.RUnlock()

	if len(chain) == 0 {
		return nil, ErrNoProvider
	}

	var lastErr error
	for i, p := range chain {
		resolved := r.resolve(req, p)

		// One retry on the same provider for transient failures.
		for try := 0; try < 2; try++ {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			resp, err := attempt(ctx, p, resolved)
			if err == nil {
				r.metrics.ProviderRequests.WithLabelValues(p.ID(), "ok").Inc()
				span.SetAttributes(
					attribute.String("llm.provider", p.ID()),
					attribute.String("llm.model", resolved.Model),
				)
				resp.Provider = p.ID()
				if resp.Model == "" {
					resp.Model = resolved.Model
				}
				return resp, nil
			}
			lastErr = err
			kind := Classify(err)
			r.metrics.ProviderRequests.WithLabelValues(p.ID(), string(kind)).Inc()
			if kind != ErrorTransient {
				span.RecordError(err)
				return nil, err
			}
			r.logger.Warn("transient provider error",
				"provider", p.ID(), "model", resolved.Model, "attempt", try+1, "error", err)
		}

		if i < len(chain)-1 {
			r.metrics.ProviderFallback.Inc()
			r.logger.Info("provider fallback",
				"from", p.ID(), "to", chain[i+1].ID(), "tier", req.Tier)
		}
	}

	err := fmt.Errorf("all providers failed: %w", lastErr)
	span.RecordError(err)
	return nil, err
}

// resolve fills in the model and budget for a request against one backend.
func (r *Router) resolve(req *ChatRequest, p Provider) *ChatRequest {
	out := *req
	info := p.Info()
	tier := req.Tier
	if tier == "" {
		tier = config.TierSpecialist
	}
	if out.Model == "" {
		if m, ok := info.TierModels[tier]; ok && m != "" {
			out.Model = m
		} else {
			out.Model = info.DefaultModel
		}
	}
	settings := r.TierSettings(tier)
	if out.MaxTokens <= 0 {
		out.MaxTokens = settings.MaxTokens
	}
	if out.Temperature == 0 {
		out.Temperature = settings.Temperature
	}
	if !info.ToolCapable {
		out.Tools = nil
	}
	return &out
}

// TierForWeight derives a routing tier from a signal weight: heavy requests
// go to the elite tier, light ones to utility.
func TierForWeight(weight float64) config.Tier {
	switch {
	case weight >= 0.75:
		return config.TierElite
	case weight >= 0.30:
		return config.TierSpecialist
	default:
		return config.TierUtility
	}
}
