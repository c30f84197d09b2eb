package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// spanRecorder captures span names through the global tracer provider.
type spanRecorder struct {
	noop.TracerProvider
	mu    sync.Mutex
	names []string
}

func (s *spanRecorder) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return &recordingTracer{rec: s}
}

func (s *spanRecorder) spanNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

type recordingTracer struct {
	noop.Tracer
	rec *spanRecorder
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.rec.mu.Lock()
	t.rec.names = append(t.rec.names, name)
	t.rec.mu.Unlock()
	return t.Tracer.Start(ctx, name, opts...)
}

func installSpanRecorder(t *testing.T) *spanRecorder {
	t.Helper()
	rec := &spanRecorder{}
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(rec)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func echoDescriptor(name string) *Descriptor {
	return &Descriptor{
		Name:        name,
		Description: "echoes its input",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "text to echo"},
			},
			"required": []any{"text"},
		},
		SideEffect: SideEffectRead,
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		},
	}
}

func TestExecuteTracesEachCall(t *testing.T) {
	rec := installSpanRecorder(t)

	r := NewRegistry(DefaultRegistryConfig(), nil, nil)
	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	names := rec.spanNames()
	if len(names) != 1 || names[0] != "tool.execute" {
		t.Errorf("spans = %v, want one tool.execute span", names)
	}
}

func TestRegisterIsIdempotentOnName(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), nil, nil)

	first := echoDescriptor("echo")
	if err := r.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}

	second := echoDescriptor("echo")
	second.Description = "replacement"
	if err := r.Register(second); err != nil {
		t.Fatalf("Register replacement: %v", err)
	}

	got, ok := r.Get("echo")
	if !ok {
		t.Fatal("tool missing after re-register")
	}
	if got.Description != "replacement" {
		t.Errorf("description = %q, want latest registration to win", got.Description)
	}
	if len(r.Schemas()) != 1 {
		t.Errorf("got %d schemas, want 1", len(r.Schemas()))
	}
}

func TestRegisterUnregisterRegisterRestoresState(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), nil, nil)

	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatal(err)
	}
	before := r.Schemas()

	if !r.Unregister("echo") {
		t.Fatal("Unregister returned false")
	}
	if _, ok := r.Get("echo"); ok {
		t.Fatal("tool still resolvable after unregister")
	}

	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatal(err)
	}
	after := r.Schemas()

	if len(before) != len(after) || before[0].Name != after[0].Name {
		t.Errorf("dispatcher state differs after re-register: %+v vs %+v", before, after)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), nil, nil)
	_, err := r.Execute(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("got %v, want ErrUnknownTool", err)
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), nil, nil)
	if err := r.Register(echoDescriptor("echo")); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		args json.RawMessage
	}{
		{"missing required property", json.RawMessage(`{}`)},
		{"wrong type", json.RawMessage(`{"text": 7}`)},
		{"not json", json.RawMessage(`{{`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), "echo", tc.args)
			var invalid *InvalidArgumentsError
			if !errors.As(err, &invalid) {
				t.Errorf("got %v, want InvalidArgumentsError", err)
			}
		})
	}

	if _, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Errorf("valid arguments rejected: %v", err)
	}
}

func TestExecuteTruncationBoundary(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.ResultByteCap = 16
	r := NewRegistry(cfg, nil, nil)

	output := ""
	desc := &Descriptor{
		Name: "emit",
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			return output, nil
		},
	}
	if err := r.Register(desc); err != nil {
		t.Fatal(err)
	}

	// Exactly at the cap: untouched.
	output = strings.Repeat("a", 16)
	res, err := r.Execute(context.Background(), "emit", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Truncated {
		t.Error("result at exactly the cap was truncated")
	}
	if res.Content != output {
		t.Errorf("content altered: %q", res.Content)
	}

	// One byte over: truncated with marker.
	output = strings.Repeat("a", 17)
	res, err = r.Execute(context.Background(), "emit", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("result one byte over the cap was not truncated")
	}
	if !strings.HasSuffix(res.Content, TruncationMarker) {
		t.Errorf("truncated content missing marker: %q", res.Content)
	}
	if !strings.HasPrefix(res.Content, strings.Repeat("a", 16)) {
		t.Errorf("truncated content lost prefix: %q", res.Content)
	}
}

func TestExecuteTimeout(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.Timeout = 20 * time.Millisecond
	r := NewRegistry(cfg, nil, nil)

	desc := &Descriptor{
		Name: "sleep",
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "done", nil
			}
		},
	}
	if err := r.Register(desc); err != nil {
		t.Fatal(err)
	}

	_, err := r.Execute(context.Background(), "sleep", nil)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Errorf("got %v, want TimeoutError", err)
	}
}

func TestExecuteCancellation(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), nil, nil)

	desc := &Descriptor{
		Name: "wait",
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	if err := r.Register(desc); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Execute(ctx, "wait", nil)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("got %v, want ErrCancelled", err)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), nil, nil)

	desc := &Descriptor{
		Name: "boom",
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			panic("tool exploded")
		},
	}
	if err := r.Register(desc); err != nil {
		t.Fatal(err)
	}

	_, err := r.Execute(context.Background(), "boom", nil)
	if err == nil || !strings.Contains(err.Error(), "tool panic") {
		t.Errorf("got %v, want tool panic error", err)
	}
}

func TestSchemasSortedByName(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig(), nil, nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoDescriptor(name)); err != nil {
			t.Fatal(err)
		}
	}
	schemas := r.Schemas()
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if schemas[i].Name != name {
			t.Errorf("schemas[%d] = %q, want %q", i, schemas[i].Name, name)
		}
	}
}
