// Package bus provides the runtime's lifecycle event fan-out. Handlers are
// registered per event kind and invoked in registration order; a handler
// panic is logged and swallowed so observers can never take down the loop.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Kind identifies an event category.
type Kind string

const (
	KindSessionStart    Kind = "session_start"
	KindSessionEnd      Kind = "session_end"
	KindPreLLM          Kind = "pre_llm"
	KindPostLLM         Kind = "post_llm"
	KindLLMResponse     Kind = "llm_response"
	KindToolCall        Kind = "tool_call"
	KindToolError       Kind = "tool_error"
	KindHookBlocked     Kind = "hook_blocked"
	KindAgentResponse   Kind = "agent_response"
	KindContextPressure Kind = "context_pressure"
	KindBudgetExceeded  Kind = "budget_exceeded"
	KindPlanProposed    Kind = "plan_proposed"
	KindSwarmStarted    Kind = "swarm_started"
	KindSwarmFinished   Kind = "swarm_finished"
)

// Handler processes a single event payload. Handlers run synchronously on the
// emitter's goroutine; anything slow should dispatch its own work.
type Handler func(payload any)

type subscription struct {
	id      string
	kind    Kind
	handler Handler
}

// Bus fans events out to per-kind ordered handler lists. Emissions of the
// same kind are observed by each handler in emission order; there is no
// ordering guarantee across kinds.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]*subscription
	byID   map[string]*subscription
	logger *slog.Logger
}

// New creates an empty event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Kind][]*subscription),
		byID:   make(map[string]*subscription),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for an event kind and returns a subscription
// id usable with Unsubscribe.
func (b *Bus) Subscribe(kind Kind, handler Handler) string {
	sub := &subscription{
		id:      uuid.NewString(),
		kind:    kind,
		handler: handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a handler by its subscription id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	handlers := b.subs[sub.kind]
	for i, h := range handlers {
		if h.id == id {
			b.subs[sub.kind] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// Emit invokes every handler registered for kind with the payload.
// Handler panics are recovered and logged.
func (b *Bus) Emit(kind Kind, payload any) {
	b.mu.RLock()
	handlers := make([]*subscription, len(b.subs[kind]))
	copy(handlers, b.subs[kind])
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.call(sub, kind, payload)
	}
}

func (b *Bus) call(sub *subscription, kind Kind, payload any) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Warn("event handler panic",
				"kind", kind,
				"subscription", sub.id,
				"panic", fmt.Sprint(p))
		}
	}()
	sub.handler(payload)
}

// HandlerCount returns the number of handlers registered for a kind.
func (b *Bus) HandlerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
