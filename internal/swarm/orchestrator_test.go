package swarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corvid-labs/corvid/internal/bus"
	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/provider"
	"github.com/corvid-labs/corvid/pkg/models"
)

// fakeCompleter answers per role, identified by the role's prompt prefix in
// the request system text.
type fakeCompleter struct {
	mu      sync.Mutex
	calls   []string
	systems map[string][]string
	replies map[string]string
	fail    map[string]error
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{
		systems: make(map[string][]string),
		replies: make(map[string]string),
		fail:    make(map[string]error),
	}
}

func (f *fakeCompleter) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := "?"
	for name := range f.replies {
		if strings.HasPrefix(req.System, "prompt:"+name) {
			role = name
			break
		}
	}
	for name := range f.fail {
		if strings.HasPrefix(req.System, "prompt:"+name) {
			role = name
			break
		}
	}
	f.calls = append(f.calls, role)
	f.systems[role] = append(f.systems[role], req.System)
	if err := f.fail[role]; err != nil {
		return nil, err
	}
	return &provider.ChatResponse{
		Text:  f.replies[role],
		Usage: models.Usage{PromptTokens: 1, CompletionTokens: 2},
	}, nil
}

func (f *fakeCompleter) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCompleter) systemsFor(role string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.systems[role]...)
}

func role(name string, after ...string) config.SwarmRoleConfig {
	return config.SwarmRoleConfig{Name: name, Prompt: "prompt:" + name, After: after}
}

func TestRunSchedulesWavesInDependencyOrder(t *testing.T) {
	llm := newFakeCompleter()
	llm.replies["research"] = "found three candidate libraries"
	llm.replies["review"] = "two of them are unmaintained"
	llm.replies["lead"] = "use the maintained one"

	events := bus.New(nil)
	var started, finished []bus.SwarmPayload
	events.Subscribe(bus.KindSwarmStarted, func(p any) {
		started = append(started, p.(bus.SwarmPayload))
	})
	events.Subscribe(bus.KindSwarmFinished, func(p any) {
		finished = append(finished, p.(bus.SwarmPayload))
	})

	o := NewOrchestrator(llm, []config.SwarmPresetConfig{{
		Name:  "triage",
		Roles: []config.SwarmRoleConfig{role("research"), role("review", "research"), role("lead", "review")},
	}}, events, time.Minute, nil)

	res, err := o.Run(context.Background(), "s1", "triage", "pick a yaml parser")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Linear dependency chain: research, review, lead worker, lead synthesis.
	order := llm.callOrder()
	want := []string{"research", "review", "lead", "lead"}
	if len(order) != len(want) {
		t.Fatalf("call order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, order[i], want[i])
		}
	}

	// Later waves see earlier output through the mailbox transcript.
	reviewSystem := llm.systemsFor("review")[0]
	if !strings.Contains(reviewSystem, "found three candidate libraries") {
		t.Errorf("review worker did not see research output:\n%s", reviewSystem)
	}
	synthesis := llm.systemsFor("lead")[1]
	if !strings.Contains(synthesis, "Synthesize") ||
		!strings.Contains(synthesis, "two of them are unmaintained") {
		t.Errorf("synthesis prompt incomplete:\n%s", synthesis)
	}

	if res.Output != "use the maintained one" {
		t.Errorf("output = %q", res.Output)
	}
	if res.RoleOutputs["research"] != "found three candidate libraries" {
		t.Errorf("role outputs = %+v", res.RoleOutputs)
	}
	if len(res.Failed) != 0 {
		t.Errorf("failed roles = %v", res.Failed)
	}
	// Four calls, one token pair each.
	if res.Usage.PromptTokens != 4 || res.Usage.CompletionTokens != 8 {
		t.Errorf("usage = %+v", res.Usage)
	}

	if len(started) != 1 || len(started[0].Roles) != 3 {
		t.Errorf("swarm_started = %+v", started)
	}
	if len(finished) != 1 || finished[0].SwarmID != res.SwarmID {
		t.Errorf("swarm_finished = %+v", finished)
	}
}

func TestWorkerFailureIsRecordedAndSwarmContinues(t *testing.T) {
	llm := newFakeCompleter()
	llm.replies["research"] = "findings"
	llm.replies["lead"] = "final answer despite the gap"
	llm.fail["audit"] = errors.New("model unavailable")

	o := NewOrchestrator(llm, []config.SwarmPresetConfig{{
		Name:  "p",
		Roles: []config.SwarmRoleConfig{role("research"), role("audit"), role("lead", "research", "audit")},
	}}, nil, time.Minute, nil)

	res, err := o.Run(context.Background(), "s1", "p", "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "audit" {
		t.Errorf("failed = %v, want [audit]", res.Failed)
	}
	if _, ok := res.RoleOutputs["audit"]; ok {
		t.Error("failed role has an output")
	}
	if res.Output != "final answer despite the gap" {
		t.Errorf("output = %q", res.Output)
	}

	// Synthesis names the gap so the lead can account for it.
	synthesis := llm.systemsFor("lead")[1]
	if !strings.Contains(synthesis, "audit") || !strings.Contains(synthesis, "failed") {
		t.Errorf("synthesis does not mention the failed role:\n%s", synthesis)
	}
}

func TestLeadFailureFailsSwarm(t *testing.T) {
	llm := newFakeCompleter()
	llm.replies["research"] = "findings"
	llm.fail["lead"] = errors.New("overloaded")

	events := bus.New(nil)
	var finished []bus.SwarmPayload
	events.Subscribe(bus.KindSwarmFinished, func(p any) {
		finished = append(finished, p.(bus.SwarmPayload))
	})

	o := NewOrchestrator(llm, []config.SwarmPresetConfig{{
		Name:  "p",
		Roles: []config.SwarmRoleConfig{role("research"), role("lead", "research")},
	}}, events, time.Minute, nil)

	_, err := o.Run(context.Background(), "s1", "p", "task")
	if err == nil || !strings.Contains(err.Error(), "lead role failed") {
		t.Fatalf("got %v, want lead failure", err)
	}
	if len(finished) != 1 || len(finished[0].Failed) != 1 || finished[0].Failed[0] != "lead" {
		t.Errorf("swarm_finished = %+v", finished)
	}
}

func TestNoLeadMergesTranscriptMechanically(t *testing.T) {
	llm := newFakeCompleter()
	llm.replies["alpha"] = "alpha output"
	llm.replies["beta"] = "beta output"

	o := NewOrchestrator(llm, []config.SwarmPresetConfig{{
		Name:  "p",
		Roles: []config.SwarmRoleConfig{role("alpha"), role("beta", "alpha")},
	}}, nil, time.Minute, nil)

	res, err := o.Run(context.Background(), "s1", "p", "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Output, "alpha: alpha output") ||
		!strings.Contains(res.Output, "beta: beta output") {
		t.Errorf("merged output missing entries:\n%s", res.Output)
	}
}

func TestUnknownPreset(t *testing.T) {
	o := NewOrchestrator(newFakeCompleter(), nil, nil, time.Minute, nil)
	if _, err := o.Run(context.Background(), "s1", "missing", "task"); err == nil {
		t.Error("unknown preset did not error")
	}
}

func TestBuildWaves(t *testing.T) {
	waves, err := buildWaves([]config.SwarmRoleConfig{
		role("d", "b", "c"),
		role("b", "a"),
		role("c", "a"),
		role("a"),
	})
	if err != nil {
		t.Fatalf("buildWaves: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if len(waves) != len(want) {
		t.Fatalf("waves = %v", waves)
	}
	for i := range want {
		if len(waves[i]) != len(want[i]) {
			t.Fatalf("wave %d = %v, want %v", i, waves[i], want[i])
		}
		for j := range want[i] {
			if waves[i][j] != want[i][j] {
				t.Errorf("wave %d = %v, want %v", i, waves[i], want[i])
			}
		}
	}
}

func TestBuildWavesDetectsCycle(t *testing.T) {
	_, err := buildWaves([]config.SwarmRoleConfig{role("a", "b"), role("b", "a")})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("got %v, want cycle error", err)
	}
}

func TestBuildWavesRejectsUnknownDependency(t *testing.T) {
	_, err := buildWaves([]config.SwarmRoleConfig{role("a", "ghost")})
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Errorf("got %v, want unknown role error", err)
	}
}

func TestMailboxIsAppendOnly(t *testing.T) {
	m := NewMailbox()
	m.Post("alpha", "first")
	m.Post("beta", "second")
	m.Post("alpha", "third")

	if m.Len() != 3 {
		t.Fatalf("len = %d, want 3", m.Len())
	}
	entries := m.Entries()
	if entries[0].Text != "first" || entries[2].Text != "third" {
		t.Errorf("entries out of order: %+v", entries)
	}

	// Mutating the snapshot does not touch the log.
	entries[0].Text = "tampered"
	if m.Entries()[0].Text != "first" {
		t.Error("snapshot mutation leaked into the mailbox")
	}

	transcript := m.Transcript()
	first := strings.Index(transcript, "alpha: first")
	second := strings.Index(transcript, "beta: second")
	if first < 0 || second < 0 || first > second {
		t.Errorf("transcript order wrong:\n%s", transcript)
	}
}
