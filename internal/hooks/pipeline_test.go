package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corvid-labs/corvid/internal/bus"
)

func TestRunAscendingPriorityWithRegistrationTies(t *testing.T) {
	p := NewPipeline(0, nil, nil, nil)

	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, payload Payload) Result {
			order = append(order, name)
			return Allow(payload)
		}
	}

	p.Register(EventPreToolUse, "late-low", 10, record("late-low"))
	p.Register(EventPreToolUse, "first-zero", 0, record("first-zero"))
	p.Register(EventPreToolUse, "second-zero", 0, record("second-zero"))

	if _, err := p.Run(context.Background(), EventPreToolUse, Payload{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"first-zero", "second-zero", "late-low"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestBlockShortCircuitsAndEmitsEvent(t *testing.T) {
	events := bus.New(nil)
	var blocked []bus.HookBlockedPayload
	events.Subscribe(bus.KindHookBlocked, func(payload any) {
		blocked = append(blocked, payload.(bus.HookBlockedPayload))
	})

	p := NewPipeline(0, events, nil, nil)

	ran := false
	p.Register(EventPreToolUse, "blocker", 0, func(ctx context.Context, payload Payload) Result {
		return Block("policy: shell disabled")
	})
	p.Register(EventPreToolUse, "after", 1, func(ctx context.Context, payload Payload) Result {
		ran = true
		return Allow(payload)
	})

	_, err := p.Run(context.Background(), EventPreToolUse, Payload{"tool": "shell_execute"})

	var blockErr *BlockError
	if !errors.As(err, &blockErr) {
		t.Fatalf("got %v, want BlockError", err)
	}
	if blockErr.Reason != "policy: shell disabled" {
		t.Errorf("reason = %q", blockErr.Reason)
	}
	if ran {
		t.Error("handler after block still executed")
	}
	if len(blocked) != 1 || blocked[0].HookName != "blocker" {
		t.Errorf("hook_blocked events = %+v", blocked)
	}
}

func TestPayloadChaining(t *testing.T) {
	p := NewPipeline(0, nil, nil, nil)

	p.Register(EventPreResponse, "annotate", 0, func(ctx context.Context, payload Payload) Result {
		next := payload.Clone()
		next["text"] = "rewritten"
		return Allow(next)
	})
	p.Register(EventPreResponse, "verify", 1, func(ctx context.Context, payload Payload) Result {
		if payload["text"] != "rewritten" {
			t.Errorf("second handler saw %v", payload["text"])
		}
		return Allow(payload)
	})

	final, err := p.Run(context.Background(), EventPreResponse, Payload{"text": "original"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final["text"] != "rewritten" {
		t.Errorf("final payload text = %v", final["text"])
	}
}

func TestHandlerErrorAborts(t *testing.T) {
	p := NewPipeline(0, nil, nil, nil)

	sentinel := errors.New("hook exploded")
	p.Register(EventPreLLM, "failing", 0, func(ctx context.Context, payload Payload) Result {
		return Fail(sentinel)
	})

	_, err := p.Run(context.Background(), EventPreLLM, Payload{})
	if !errors.Is(err, sentinel) {
		t.Errorf("got %v, want wrapped sentinel", err)
	}
}

func TestHandlerTimeoutIsErrorNotBlock(t *testing.T) {
	p := NewPipeline(20*time.Millisecond, nil, nil, nil)

	p.Register(EventPreToolUse, "slow", 0, func(ctx context.Context, payload Payload) Result {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return Allow(payload)
	})

	_, err := p.Run(context.Background(), EventPreToolUse, Payload{})

	var timeout *HandlerTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("got %v, want HandlerTimeoutError", err)
	}
	var blockErr *BlockError
	if errors.As(err, &blockErr) {
		t.Error("timeout surfaced as a block")
	}
}

func TestHandlerPanicBecomesError(t *testing.T) {
	p := NewPipeline(0, nil, nil, nil)

	p.Register(EventPostLLM, "panicky", 0, func(ctx context.Context, payload Payload) Result {
		panic("boom")
	})

	if _, err := p.Run(context.Background(), EventPostLLM, Payload{}); err == nil {
		t.Error("panic did not surface as error")
	}
}

func TestUnregister(t *testing.T) {
	p := NewPipeline(0, nil, nil, nil)

	calls := 0
	id := p.Register(EventSessionStart, "counter", 0, func(ctx context.Context, payload Payload) Result {
		calls++
		return Allow(payload)
	})

	if _, err := p.Run(context.Background(), EventSessionStart, Payload{}); err != nil {
		t.Fatal(err)
	}
	if !p.Unregister(id) {
		t.Fatal("Unregister returned false")
	}
	if _, err := p.Run(context.Background(), EventSessionStart, Payload{}); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if p.HandlerCount(EventSessionStart) != 0 {
		t.Errorf("handler count = %d, want 0", p.HandlerCount(EventSessionStart))
	}
}

func TestRunAsyncDoesNotBlockCaller(t *testing.T) {
	p := NewPipeline(0, nil, nil, nil)

	done := make(chan struct{})
	p.Register(EventPostResponse, "async", 0, func(ctx context.Context, payload Payload) Result {
		close(done)
		return Allow(payload)
	})

	p.RunAsync(context.Background(), EventPostResponse, Payload{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("async handler never ran")
	}
}
