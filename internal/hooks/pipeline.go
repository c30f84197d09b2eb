package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/corvid/internal/bus"
	"github.com/corvid-labs/corvid/internal/observability"
)

// Registration is one handler in the pipeline.
type Registration struct {
	ID       string
	Event    Event
	Name     string
	Priority int
	Handler  Handler

	// seq breaks priority ties by registration order.
	seq uint64
}

// Pipeline dispatches lifecycle events through priority-ordered handlers.
type Pipeline struct {
	mu       sync.RWMutex
	handlers map[Event][]*Registration
	byID     map[string]*Registration
	nextSeq  uint64

	timeout time.Duration
	events  *bus.Bus
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewPipeline creates an empty hook pipeline. timeout bounds each handler
// call; zero selects the 5s default.
func NewPipeline(timeout time.Duration, events *bus.Bus, metrics *observability.Metrics, logger *slog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		handlers: make(map[Event][]*Registration),
		byID:     make(map[string]*Registration),
		timeout:  timeout,
		events:   events,
		metrics:  metrics,
		logger:   logger.With("component", "hooks"),
	}
}

// Register adds a handler for an event. Lower priority runs first; ties run
// in registration order. Returns the registration id.
func (p *Pipeline) Register(event Event, name string, priority int, handler Handler) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSeq++
	reg := &Registration{
		ID:       uuid.NewString(),
		Event:    event,
		Name:     name,
		Priority: priority,
		Handler:  handler,
		seq:      p.nextSeq,
	}
	p.handlers[event] = append(p.handlers[event], reg)
	sort.SliceStable(p.handlers[event], func(i, j int) bool {
		a, b := p.handlers[event][i], p.handlers[event][j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.seq < b.seq
	})
	p.byID[reg.ID] = reg
	p.logger.Debug("registered hook", "event", event, "name", name, "priority", priority)
	return reg.ID
}

// Unregister removes a handler by registration id.
func (p *Pipeline) Unregister(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	reg, ok := p.byID[id]
	if !ok {
		return false
	}
	delete(p.byID, id)
	handlers := p.handlers[reg.Event]
	for i, h := range handlers {
		if h.ID == id {
			p.handlers[reg.Event] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// Run dispatches an event synchronously through the chain. It returns the
// final payload, or a *BlockError if a handler blocked, or the handler's
// error if one failed. A block short-circuits the remaining handlers and
// emits hook_blocked.
func (p *Pipeline) Run(ctx context.Context, event Event, payload Payload) (Payload, error) {
	p.mu.RLock()
	chain := make([]*Registration, len(p.handlers[event]))
	copy(chain, p.handlers[event])
	p.mu.RUnlock()

	current := payload
	for _, reg := range chain {
		res, err := p.call(ctx, reg, current)
		p.metrics.HookCalls.WithLabelValues(string(event), reg.Name).Inc()
		if err != nil {
			return nil, err
		}
		switch res.Decision {
		case DecisionBlock:
			p.metrics.HookBlocks.WithLabelValues(string(event), reg.Name).Inc()
			if p.events != nil {
				p.events.Emit(bus.KindHookBlocked, bus.HookBlockedPayload{
					Event:    string(event),
					HookName: reg.Name,
					Reason:   res.Reason,
				})
			}
			return nil, &BlockError{Event: event, HookName: reg.Name, Reason: res.Reason}
		case DecisionError:
			err := res.Err
			if err == nil {
				err = fmt.Errorf("hook %s failed", reg.Name)
			}
			return nil, err
		default:
			if res.Payload != nil {
				current = res.Payload
			}
		}
	}
	return current, nil
}

// RunAsync dispatches an event without blocking the caller. Intended for
// post_* events; block and error outcomes are logged, not propagated.
func (p *Pipeline) RunAsync(ctx context.Context, event Event, payload Payload) {
	go func() {
		if _, err := p.Run(context.WithoutCancel(ctx), event, payload); err != nil {
			p.logger.Warn("async hook error", "event", event, "error", err)
		}
	}()
}

// call runs one handler under the pipeline timeout, converting panics and
// deadline overruns into errors.
func (p *Pipeline) call(ctx context.Context, reg *Registration, payload Payload) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan Result, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Fail(fmt.Errorf("hook panic: %v", r))
			}
		}()
		done <- reg.Handler(callCtx, payload)
	}()

	select {
	case res := <-done:
		p.metrics.HookDuration.WithLabelValues(string(reg.Event), reg.Name).Observe(time.Since(start).Seconds())
		return res, nil
	case <-callCtx.Done():
		p.metrics.HookDuration.WithLabelValues(string(reg.Event), reg.Name).Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &HandlerTimeoutError{Event: reg.Event, HookName: reg.Name, Timeout: p.timeout}
	}
}

// HandlerCount returns the number of handlers registered for an event.
func (p *Pipeline) HandlerCount(event Event) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers[event])
}
