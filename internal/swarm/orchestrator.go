package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/corvid/internal/bus"
	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/provider"
	"github.com/corvid-labs/corvid/pkg/models"
)

// LeadRole is the preset role that runs the final synthesis and whose
// failure fails the whole swarm.
const LeadRole = "lead"

// Completer is the slice of the provider router workers use.
type Completer interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Result is the merged outcome of one swarm run.
type Result struct {
	SwarmID     string
	Output      string
	RoleOutputs map[string]string
	Failed      []string
	Usage       models.Usage
}

// Orchestrator spawns one transient worker per preset role, scheduling
// declared dependencies as sequential waves and independent roles within a
// wave concurrently.
type Orchestrator struct {
	llm       Completer
	presets   map[string]config.SwarmPresetConfig
	events    *bus.Bus
	workerTTL time.Duration
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator over the configured presets.
func NewOrchestrator(llm Completer, presets []config.SwarmPresetConfig, events *bus.Bus, workerTTL time.Duration, logger *slog.Logger) *Orchestrator {
	if workerTTL <= 0 {
		workerTTL = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]config.SwarmPresetConfig, len(presets))
	for _, p := range presets {
		byName[p.Name] = p
	}
	return &Orchestrator{
		llm:       llm,
		presets:   byName,
		events:    events,
		workerTTL: workerTTL,
		logger:    logger.With("component", "swarm"),
	}
}

// Run executes a preset against a task. A failed worker is recorded and the
// swarm continues; a failed lead fails the swarm. The mailbox lives for the
// duration of the run and is discarded with it.
func (o *Orchestrator) Run(ctx context.Context, sessionID, presetName, task string) (*Result, error) {
	preset, ok := o.presets[presetName]
	if !ok {
		return nil, fmt.Errorf("unknown swarm preset %q", presetName)
	}
	waves, err := buildWaves(preset.Roles)
	if err != nil {
		return nil, err
	}

	swarmID := uuid.NewString()
	mailbox := NewMailbox()
	roles := make(map[string]config.SwarmRoleConfig, len(preset.Roles))
	roleNames := make([]string, 0, len(preset.Roles))
	for _, r := range preset.Roles {
		roles[r.Name] = r
		roleNames = append(roleNames, r.Name)
	}

	if o.events != nil {
		o.events.Emit(bus.KindSwarmStarted, bus.SwarmPayload{
			SwarmID:   swarmID,
			SessionID: sessionID,
			Roles:     roleNames,
		})
	}
	o.logger.Info("swarm started",
		"swarm", swarmID, "preset", presetName, "roles", len(roleNames), "waves", len(waves))

	res := &Result{
		SwarmID:     swarmID,
		RoleOutputs: make(map[string]string, len(roleNames)),
	}
	var mu sync.Mutex

	for _, wave := range waves {
		var wg sync.WaitGroup
		for _, name := range wave {
			role := roles[name]
			wg.Add(1)
			go func() {
				defer wg.Done()
				output, usage, err := o.runWorker(ctx, role, task, mailbox)
				mu.Lock()
				defer mu.Unlock()
				res.Usage.Add(usage)
				if err != nil {
					res.Failed = append(res.Failed, role.Name)
					o.logger.Warn("swarm worker failed",
						"swarm", swarmID, "role", role.Name, "error", err)
					return
				}
				res.RoleOutputs[role.Name] = output
				mailbox.Post(role.Name, output)
			}()
		}
		wg.Wait()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	sort.Strings(res.Failed)

	_, hasLead := roles[LeadRole]
	if hasLead && failedContains(res.Failed, LeadRole) {
		o.finish(res, sessionID)
		return nil, fmt.Errorf("swarm %s: lead role failed", swarmID)
	}

	output, usage, err := o.synthesize(ctx, roles, task, mailbox, res.Failed)
	res.Usage.Add(usage)
	if err != nil {
		if hasLead {
			o.finish(res, sessionID)
			return nil, fmt.Errorf("swarm %s: synthesis failed: %w", swarmID, err)
		}
		// Without a lead the orchestrator merges mechanically.
		output = mailbox.Transcript()
	}
	res.Output = output

	o.finish(res, sessionID)
	return res, nil
}

func (o *Orchestrator) finish(res *Result, sessionID string) {
	if o.events == nil {
		return
	}
	o.events.Emit(bus.KindSwarmFinished, bus.SwarmPayload{
		SwarmID:   res.SwarmID,
		SessionID: sessionID,
		Failed:    res.Failed,
	})
}

// runWorker executes one transient worker: role prompt plus the current
// mailbox transcript, one model call under the worker TTL, one result.
func (o *Orchestrator) runWorker(ctx context.Context, role config.SwarmRoleConfig, task string, mailbox *Mailbox) (output string, usage models.Usage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panic: %v", p)
		}
	}()

	system := role.Prompt
	if transcript := mailbox.Transcript(); transcript != "" {
		system += "\n\nMailbox transcript so far:\n" + transcript
	}
	tier := role.Tier
	if tier == "" {
		tier = config.TierSpecialist
	}

	workerCtx, cancel := context.WithTimeout(ctx, o.workerTTL)
	defer cancel()

	resp, err := o.llm.Chat(workerCtx, &provider.ChatRequest{
		Tier:   tier,
		System: system,
		Messages: []provider.Message{
			{Role: "user", Content: task},
		},
	})
	if err != nil {
		return "", models.Usage{}, err
	}
	return resp.Text, resp.Usage, nil
}

// synthesize runs the final merge step. With a lead role present the lead's
// prompt and tier are reused; failed roles are named so the synthesis can
// note the gaps.
func (o *Orchestrator) synthesize(ctx context.Context, roles map[string]config.SwarmRoleConfig, task string, mailbox *Mailbox, failed []string) (string, models.Usage, error) {
	lead, hasLead := roles[LeadRole]
	if !hasLead {
		return "", models.Usage{}, fmt.Errorf("no lead role")
	}

	system := lead.Prompt + "\n\nSynthesize the mailbox transcript into one final answer for the task."
	if len(failed) > 0 {
		system += "\nThese roles failed and contributed nothing: " + strings.Join(failed, ", ") + ". Note the gaps."
	}
	system += "\n\nMailbox transcript:\n" + mailbox.Transcript()

	tier := lead.Tier
	if tier == "" {
		tier = config.TierElite
	}

	synthCtx, cancel := context.WithTimeout(ctx, o.workerTTL)
	defer cancel()

	resp, err := o.llm.Chat(synthCtx, &provider.ChatRequest{
		Tier:   tier,
		System: system,
		Messages: []provider.Message{
			{Role: "user", Content: task},
		},
	})
	if err != nil {
		return "", models.Usage{}, err
	}
	return resp.Text, resp.Usage, nil
}

// buildWaves computes the stage-ordered execution plan from declared role
// dependencies (Kahn's algorithm). Roles in the same wave run concurrently.
func buildWaves(roles []config.SwarmRoleConfig) ([][]string, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("preset has no roles")
	}

	indegree := make(map[string]int, len(roles))
	dependents := make(map[string][]string, len(roles))
	for _, r := range roles {
		indegree[r.Name] = 0
	}
	for _, r := range roles {
		for _, dep := range r.After {
			if _, ok := indegree[dep]; !ok {
				return nil, fmt.Errorf("role %q depends on unknown role %q", r.Name, dep)
			}
			indegree[r.Name]++
			dependents[dep] = append(dependents[dep], r.Name)
		}
	}

	ready := make([]string, 0)
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	processed := 0
	var waves [][]string
	for len(ready) > 0 {
		wave := append([]string(nil), ready...)
		waves = append(waves, wave)

		next := make([]string, 0)
		for _, name := range wave {
			processed++
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}
	if processed != len(roles) {
		return nil, fmt.Errorf("dependency cycle in preset roles")
	}
	return waves, nil
}

func failedContains(failed []string, role string) bool {
	for _, f := range failed {
		if f == role {
			return true
		}
	}
	return false
}
