// Package agent implements the per-session loop actor: the single-threaded
// state machine that classifies inbound messages, gates them through the
// noise filter and hook pipeline, and drives the bounded ReAct loop.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/corvid/internal/bus"
	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/hooks"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/internal/prompt"
	"github.com/corvid-labs/corvid/internal/provider"
	"github.com/corvid-labs/corvid/internal/signal"
	"github.com/corvid-labs/corvid/internal/store"
	"github.com/corvid-labs/corvid/internal/tools"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Router is the slice of the provider router the loop needs.
type Router interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
	TierSettings(tier config.Tier) config.TierConfig
}

// Deps bundles the shared subsystems a loop actor uses. All of them are
// read-mostly and safe for concurrent use across actors.
type Deps struct {
	Store      store.Store
	Tools      *tools.Registry
	Hooks      *hooks.Pipeline
	Router     Router
	Classifier *signal.Classifier
	Noise      *signal.Filter
	Builder    *prompt.Builder
	Compactor  *prompt.Compactor
	Events     *bus.Bus
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Loop       config.LoopConfig
	Env        prompt.Environment
}

func (d *Deps) fill() {
	if d.Metrics == nil {
		d.Metrics = observability.NopMetrics()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// ResponseKind distinguishes the non-error outcomes of process_message.
type ResponseKind string

const (
	ResponseText     ResponseKind = "text"
	ResponsePlan     ResponseKind = "plan"
	ResponseFiltered ResponseKind = "filtered"
)

// Response is the outcome of processing one inbound message.
type Response struct {
	Kind       ResponseKind
	Text       string
	Signal     models.Signal
	Usage      models.Usage
	Iterations int
}

// Options modify processing of a single message.
type Options struct {
	// SkipPlan bypasses the plan-mode gate, executing directly. Set by the
	// caller when re-invoking an approved plan.
	SkipPlan bool
	// DisableAck suppresses the canned acknowledgment for filtered noise on
	// channels where unsolicited replies are unwanted.
	DisableAck bool
}

const planInstruction = `Plan mode is active. Do not call tools. Respond with a structured plan: a numbered list of steps, each naming the tools and files involved, followed by open questions if any.`

// process runs the full state machine for one inbound message. It executes
// on the actor goroutine, so session state is mutated single-threaded.
func (a *Actor) process(ctx context.Context, text string, opts Options) (*Response, error) {
	if !a.started {
		a.started = true
		a.deps.Events.Emit(bus.KindSessionStart, bus.SessionLifecyclePayload{
			SessionID: a.session.ID,
			Channel:   a.session.Channel,
			UserID:    a.session.UserID,
		})
		a.deps.Hooks.RunAsync(ctx, hooks.EventSessionStart, hooks.Payload{
			"session_id": a.session.ID,
			"channel":    string(a.session.Channel),
		})
	}

	if err := a.append(ctx, a.newTurn(models.RoleUser, text)); err != nil {
		return nil, &TerminalError{Kind: KindStore, Detail: err.Error()}
	}

	sig := a.deps.Classifier.Classify(text)
	verdict := a.deps.Noise.Check(ctx, text, sig)
	if verdict.Noise {
		return a.filtered(ctx, sig, verdict, opts)
	}

	if _, err := a.deps.Hooks.Run(ctx, hooks.EventPreLLM, hooks.Payload{
		"session_id": a.session.ID,
		"text":       text,
		"weight":     sig.Weight,
	}); err != nil {
		return nil, err
	}

	if a.session.PlanMode && !opts.SkipPlan &&
		(sig.Mode == models.ModeBuild || sig.Mode == models.ModeExecute) {
		return a.proposePlan(ctx, sig)
	}

	return a.react(ctx, sig)
}

// filtered handles a noise verdict: optionally append a canned ack and
// report the message as filtered without any LLM call.
func (a *Actor) filtered(ctx context.Context, sig models.Signal, verdict signal.Verdict, opts Options) (*Response, error) {
	ack := verdict.Ack
	if opts.DisableAck {
		ack = ""
	}
	if ack != "" {
		if err := a.append(ctx, a.newTurn(models.RoleAssistant, ack)); err != nil {
			return nil, &TerminalError{Kind: KindStore, Detail: err.Error()}
		}
	}
	a.deps.Events.Emit(bus.KindAgentResponse, bus.AgentResponsePayload{
		SessionID: a.session.ID,
		Text:      ack,
		Signal:    sig,
		Filtered:  true,
	})
	a.deps.Logger.Debug("message filtered as noise",
		"session", a.session.ID, "tier", verdict.Tier, "weight", sig.Weight)
	return &Response{Kind: ResponseFiltered, Text: ack, Signal: sig}, nil
}

// proposePlan asks for a structured plan instead of executing. Tools are
// withheld; the caller re-invokes with SkipPlan to run the approved plan.
func (a *Actor) proposePlan(ctx context.Context, sig models.Signal) (*Response, error) {
	built := a.deps.Builder.Build(sig, a.deps.Env, a.history)
	tier := provider.TierForWeight(sig.Weight)
	a.deps.Events.Emit(bus.KindPreLLM, bus.LLMRequestPayload{
		SessionID: a.session.ID,
		Tier:      string(tier),
		Iteration: 1,
	})
	llmCtx, cancel := context.WithTimeout(ctx, a.deps.Loop.LLMTimeout)
	resp, err := a.deps.Router.Chat(llmCtx, &provider.ChatRequest{
		Tier:     tier,
		System:   built.System + "\n\n" + planInstruction,
		Messages: built.Messages,
	})
	cancel()
	if err != nil {
		return nil, a.mapProviderError(ctx, err)
	}
	a.deps.Events.Emit(bus.KindPostLLM, bus.LLMResponsePayload{
		Provider: resp.Provider,
		Model:    resp.Model,
		Usage:    resp.Usage,
	})

	if err := a.append(ctx, a.newTurn(models.RoleAssistant, resp.Text)); err != nil {
		return nil, &TerminalError{Kind: KindStore, Detail: err.Error()}
	}
	a.deps.Events.Emit(bus.KindPlanProposed, bus.PlanProposedPayload{
		SessionID: a.session.ID,
		Plan:      resp.Text,
	})
	a.deps.Hooks.RunAsync(ctx, hooks.EventPlanProposed, hooks.Payload{
		"session_id": a.session.ID,
		"plan":       resp.Text,
	})
	a.deps.Events.Emit(bus.KindAgentResponse, bus.AgentResponsePayload{
		SessionID: a.session.ID,
		Text:      resp.Text,
		Signal:    sig,
		Usage:     resp.Usage,
	})
	return &Response{Kind: ResponsePlan, Text: resp.Text, Signal: sig, Usage: resp.Usage, Iterations: 1}, nil
}

// react drives the bounded loop: compact, build context, call the model,
// dispatch tool calls, repeat. Iterations count LLM calls; the cap halts the
// loop before the next call would be issued.
func (a *Actor) react(ctx context.Context, sig models.Signal) (*Response, error) {
	tier := provider.TierForWeight(sig.Weight)
	maxIter := a.deps.Router.TierSettings(tier).MaxIterations
	if maxIter <= 0 || maxIter > a.deps.Loop.MaxIterations {
		maxIter = a.deps.Loop.MaxIterations
	}

	var usage models.Usage
	iterations := 0
	doomKey := ""
	doomCount := 0

	for {
		if ctx.Err() != nil {
			return nil, &TerminalError{Kind: KindCancelled, Detail: "processing cancelled"}
		}
		if iterations >= maxIter {
			a.deps.Events.Emit(bus.KindBudgetExceeded, bus.AgentResponsePayload{
				SessionID: a.session.ID,
				Signal:    sig,
				Usage:     usage,
			})
			a.deps.Hooks.RunAsync(ctx, hooks.EventBudgetExceeded, hooks.Payload{
				"session_id": a.session.ID,
				"iterations": iterations,
			})
			return nil, &TerminalError{
				Kind:   KindMaxIterations,
				Detail: fmt.Sprintf("stopped after %d iterations", iterations),
			}
		}

		if compacted, saved, err := a.deps.Compactor.Compact(ctx, a.session.ID, a.history); err != nil {
			a.deps.Logger.Warn("compaction failed, continuing with full history",
				"session", a.session.ID, "error", err)
		} else {
			a.history = compacted
			if saved > 0 {
				a.deps.Hooks.RunAsync(ctx, hooks.EventContextPressure, hooks.Payload{
					"session_id":   a.session.ID,
					"saved_tokens": saved,
				})
			}
		}

		built := a.deps.Builder.Build(sig, a.deps.Env, a.history)
		iterations++

		a.deps.Events.Emit(bus.KindPreLLM, bus.LLMRequestPayload{
			SessionID: a.session.ID,
			Tier:      string(tier),
			Iteration: iterations,
		})
		llmCtx, cancel := context.WithTimeout(ctx, a.deps.Loop.LLMTimeout)
		resp, err := a.deps.Router.Chat(llmCtx, &provider.ChatRequest{
			Tier:     tier,
			System:   built.System,
			Messages: built.Messages,
			Tools:    a.deps.Tools.Schemas(),
		})
		cancel()
		if err != nil {
			return nil, a.mapProviderError(ctx, err)
		}
		usage.Add(resp.Usage)
		a.deps.Events.Emit(bus.KindPostLLM, bus.LLMResponsePayload{
			Provider: resp.Provider,
			Model:    resp.Model,
			Usage:    resp.Usage,
		})
		a.deps.Hooks.RunAsync(ctx, hooks.EventPostLLM, hooks.Payload{
			"session_id": a.session.ID,
			"provider":   resp.Provider,
			"model":      resp.Model,
		})

		if len(resp.ToolCalls) == 0 {
			a.deps.Events.Emit(bus.KindLLMResponse, bus.LLMResponsePayload{
				Provider: resp.Provider,
				Model:    resp.Model,
				Usage:    resp.Usage,
			})
			return a.respond(ctx, sig, resp.Text, usage, iterations)
		}

		assistant := a.newTurn(models.RoleAssistant, resp.Text)
		assistant.ToolCalls = resp.ToolCalls
		if err := a.append(ctx, assistant); err != nil {
			return nil, &TerminalError{Kind: KindStore, Detail: err.Error()}
		}

		for _, tc := range resp.ToolCalls {
			tr, hookErr := a.dispatchTool(ctx, tc)
			if hookErr != nil {
				return nil, hookErr
			}

			toolTurn := a.newTurn(models.RoleTool, "")
			toolTurn.ToolResult = &tr
			if err := a.append(ctx, toolTurn); err != nil {
				return nil, &TerminalError{Kind: KindStore, Detail: err.Error()}
			}

			if ctx.Err() != nil {
				return nil, &TerminalError{Kind: KindCancelled, Detail: tc.Name + " cancelled"}
			}

			key := doomLoopKey(tc)
			if tr.IsError {
				if key == doomKey {
					doomCount++
				} else {
					doomKey, doomCount = key, 1
				}
				if doomCount >= a.deps.Loop.DoomLoopLimit {
					return nil, &TerminalError{Kind: KindDoomLoop, Detail: tc.Name}
				}
			} else {
				doomKey, doomCount = "", 0
			}
		}
	}
}

// respond finalizes a text outcome: pre_response hooks may rewrite the text,
// post_response hooks run asynchronously, and agent_response is emitted.
func (a *Actor) respond(ctx context.Context, sig models.Signal, text string, usage models.Usage, iterations int) (*Response, error) {
	payload, err := a.deps.Hooks.Run(ctx, hooks.EventPreResponse, hooks.Payload{
		"session_id": a.session.ID,
		"text":       text,
	})
	if err != nil {
		return nil, err
	}
	if rewritten, ok := payload["text"].(string); ok && rewritten != "" {
		text = rewritten
	}

	if err := a.append(ctx, a.newTurn(models.RoleAssistant, text)); err != nil {
		return nil, &TerminalError{Kind: KindStore, Detail: err.Error()}
	}
	a.deps.Hooks.RunAsync(ctx, hooks.EventPostResponse, hooks.Payload{
		"session_id": a.session.ID,
		"text":       text,
	})
	a.deps.Events.Emit(bus.KindAgentResponse, bus.AgentResponsePayload{
		SessionID: a.session.ID,
		Text:      text,
		Signal:    sig,
		Usage:     usage,
	})
	a.deps.Metrics.LoopIterations.Observe(float64(iterations))
	return &Response{Kind: ResponseText, Text: text, Signal: sig, Usage: usage, Iterations: iterations}, nil
}

// dispatchTool runs one tool call through the pre_tool_use gate, the
// registry, and the post_tool_use hooks. A hook block becomes a synthetic
// error result fed back to the model; only a hook handler failure aborts.
func (a *Actor) dispatchTool(ctx context.Context, tc models.ToolCall) (models.ToolResult, error) {
	if _, err := a.deps.Hooks.Run(ctx, hooks.EventPreToolUse, hooks.Payload{
		"session_id": a.session.ID,
		"tool":       tc.Name,
		"arguments":  string(tc.Arguments),
	}); err != nil {
		var blockErr *hooks.BlockError
		if errors.As(err, &blockErr) {
			return models.ToolResult{
				ToolCallID: tc.ID,
				Content:    blockErr.Reason,
				IsError:    true,
			}, nil
		}
		return models.ToolResult{}, err
	}

	a.deps.Events.Emit(bus.KindToolCall, bus.ToolCallPayload{
		Name:  tc.Name,
		Phase: "start",
		Args:  string(tc.Arguments),
	})

	start := time.Now()
	res, err := a.deps.Tools.Execute(tools.ContextWithSession(ctx, a.session.ID), tc.Name, tc.Arguments)
	elapsed := time.Since(start)

	tr := models.ToolResult{ToolCallID: tc.ID}
	if err != nil {
		tr.Content = err.Error()
		tr.IsError = true
		a.deps.Events.Emit(bus.KindToolError, bus.ToolCallPayload{
			Name:       tc.Name,
			Phase:      "end",
			DurationMS: elapsed.Milliseconds(),
		})
		a.deps.Hooks.RunAsync(ctx, hooks.EventToolError, hooks.Payload{
			"session_id": a.session.ID,
			"tool":       tc.Name,
			"error":      err.Error(),
		})
	} else {
		tr.Content = res.Content
	}

	a.deps.Events.Emit(bus.KindToolCall, bus.ToolCallPayload{
		Name:       tc.Name,
		Phase:      "end",
		DurationMS: elapsed.Milliseconds(),
		OK:         !tr.IsError,
	})
	a.deps.Hooks.RunAsync(ctx, hooks.EventPostToolUse, hooks.Payload{
		"session_id": a.session.ID,
		"tool":       tc.Name,
		"result":     tr.Content,
		"is_error":   tr.IsError,
	})
	return tr, nil
}

// mapProviderError converts router failures into terminal outcomes where
// required: auth failures and cancellation are terminal, everything else
// surfaces as-is after the router has exhausted retry and fallback.
func (a *Actor) mapProviderError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &TerminalError{Kind: KindCancelled, Detail: "processing cancelled"}
	}
	if provider.Classify(err) == provider.ErrorAuth {
		return &TerminalError{Kind: KindProviderAuth, Detail: err.Error()}
	}
	return err
}

func (a *Actor) newTurn(role models.Role, content string) models.Turn {
	return models.Turn{
		ID:        uuid.NewString(),
		SessionID: a.session.ID,
		Role:      role,
		Content:   content,
		Channel:   a.session.Channel,
		CreatedAt: time.Now().UTC(),
	}
}

// append persists a turn and mirrors it into the actor's in-memory history.
func (a *Actor) append(ctx context.Context, turn models.Turn) error {
	if err := a.deps.Store.Append(ctx, a.session.ID, &turn); err != nil {
		return err
	}
	a.history = append(a.history, turn)
	return nil
}

func doomLoopKey(tc models.ToolCall) string {
	sum := sha256.Sum256(tc.Arguments)
	return tc.Name + ":" + hex.EncodeToString(sum[:])
}
