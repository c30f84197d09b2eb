// Package tools implements the tool registry and dispatch path. The registry
// compiles an immutable lookup table after every mutation and swaps it in
// atomically, so the hot execution path is lock-free and O(1).
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// SideEffect declares a tool's effect class for policy layers.
type SideEffect string

const (
	SideEffectRead    SideEffect = "read"
	SideEffectWrite   SideEffect = "write"
	SideEffectExec    SideEffect = "exec"
	SideEffectNetwork SideEffect = "network"
)

// ExecutorFunc runs a tool with validated arguments. Executors are
// responsible for their own sandboxing; the core makes no safety assumptions.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Descriptor describes a registered tool.
type Descriptor struct {
	// Name uniquely identifies the tool.
	Name string

	// Description is shown to the model.
	Description string

	// Parameters is a JSON Schema (draft-07 subset: object root, named
	// properties, required list) validated against every invocation.
	Parameters map[string]any

	// SideEffect classifies the tool for policy enforcement.
	SideEffect SideEffect

	// Execute performs the tool's work.
	Execute ExecutorFunc
}

// Schema is the wire form of a tool advertised to an LLM provider.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Result is a successful tool execution outcome.
type Result struct {
	Content   string
	Truncated bool
}

// ErrUnknownTool is returned when no descriptor matches the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// ErrCancelled is returned when a tool observes cancellation.
var ErrCancelled = errors.New("cancelled")

// InvalidArgumentsError reports a JSON-schema validation failure.
type InvalidArgumentsError struct {
	Tool    string
	Details string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Details)
}

// TimeoutError reports a tool exceeding its per-call deadline.
type TimeoutError struct {
	Tool string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out", e.Tool)
}

// TruncationMarker is appended to results cut at the byte cap.
const TruncationMarker = "\n[output truncated]"

type sessionKey struct{}

// ContextWithSession tags ctx with the session that owns the tool call, so
// executors that emit their own events can correlate them.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the owning session id, or "" outside a session.
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
