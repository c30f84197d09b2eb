// Package hooks implements the priority-ordered middleware pipeline invoked
// at lifecycle points of the agent loop. Handlers may rewrite the payload,
// block the event, or abort the loop with an error.
package hooks

import (
	"context"
	"fmt"
	"time"
)

// Event identifies a lifecycle point.
type Event string

const (
	EventPreToolUse      Event = "pre_tool_use"
	EventPostToolUse     Event = "post_tool_use"
	EventPreLLM          Event = "pre_llm"
	EventPostLLM         Event = "post_llm"
	EventPreResponse     Event = "pre_response"
	EventPostResponse    Event = "post_response"
	EventSessionStart    Event = "session_start"
	EventSessionEnd      Event = "session_end"
	EventContextPressure Event = "context_pressure"
	EventToolError       Event = "tool_error"
	EventBudgetExceeded  Event = "budget_exceeded"
	EventPlanProposed    Event = "plan_proposed"
)

// Payload is the event data passed through the handler chain. Handlers see
// the payload as rewritten by earlier handlers.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Decision is a handler's verdict on an event.
type Decision int

const (
	// DecisionAllow continues the chain, possibly with a rewritten payload.
	DecisionAllow Decision = iota
	// DecisionBlock short-circuits the chain and terminates with a reason.
	DecisionBlock
	// DecisionError aborts the loop and surfaces as an error.
	DecisionError
)

// Result is what a handler returns.
type Result struct {
	Decision Decision
	Payload  Payload
	Reason   string
	Err      error
}

// Allow continues with an optionally rewritten payload.
func Allow(payload Payload) Result {
	return Result{Decision: DecisionAllow, Payload: payload}
}

// Block terminates the event with a reason.
func Block(reason string) Result {
	return Result{Decision: DecisionBlock, Reason: reason}
}

// Fail aborts the loop with an error.
func Fail(err error) Result {
	return Result{Decision: DecisionError, Err: err}
}

// Handler is a pure function of the event payload.
type Handler func(ctx context.Context, payload Payload) Result

// BlockError is returned by Run when a handler blocks the event.
type BlockError struct {
	Event    Event
	HookName string
	Reason   string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("hook %s blocked %s: %s", e.HookName, e.Event, e.Reason)
}

// HandlerTimeoutError is returned when a handler exceeds its deadline.
// A timeout counts as an error, not a block.
type HandlerTimeoutError struct {
	Event    Event
	HookName string
	Timeout  time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("hook %s on %s exceeded %v", e.HookName, e.Event, e.Timeout)
}
