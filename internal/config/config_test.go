package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Noise.Threshold != 0.15 {
		t.Errorf("noise threshold = %v, want 0.15", cfg.Noise.Threshold)
	}
	if cfg.Noise.BorderlineCeiling != 0.30 {
		t.Errorf("borderline ceiling = %v, want 0.30", cfg.Noise.BorderlineCeiling)
	}
	if cfg.Context.MaxTokens != 128000 {
		t.Errorf("max tokens = %d, want 128000", cfg.Context.MaxTokens)
	}
	if cfg.Context.CompactThresholdPercent != 70 {
		t.Errorf("compact threshold = %d, want 70", cfg.Context.CompactThresholdPercent)
	}
	if cfg.Context.KeepRecentTurns != 6 {
		t.Errorf("keep recent turns = %d, want 6", cfg.Context.KeepRecentTurns)
	}
	if cfg.Loop.MaxIterations != 30 {
		t.Errorf("max iterations = %d, want 30", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.ToolTimeout != 30*time.Second {
		t.Errorf("tool timeout = %v, want 30s", cfg.Loop.ToolTimeout)
	}
	if cfg.Loop.ToolResultCap != 100*1024 {
		t.Errorf("tool result cap = %d, want 102400", cfg.Loop.ToolResultCap)
	}
	if cfg.Loop.DoomLoopLimit != 3 {
		t.Errorf("doom loop limit = %d, want 3", cfg.Loop.DoomLoopLimit)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corvid.yaml")
	data := `
default_provider: claude
providers:
  - id: claude
    kind: anthropic
    default_model: claude-sonnet-4-20250514
    tool_capable: true
    tiers:
      elite:
        model: claude-opus-4-20250514
noise:
  threshold: 0.2
loop:
  max_iterations: 10
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Noise.Threshold != 0.2 {
		t.Errorf("threshold = %v, want 0.2", cfg.Noise.Threshold)
	}
	if cfg.Loop.MaxIterations != 10 {
		t.Errorf("max iterations = %d, want 10", cfg.Loop.MaxIterations)
	}
	// Untouched fields keep defaults.
	if cfg.Context.MaxTokens != 128000 {
		t.Errorf("max tokens = %d, want default 128000", cfg.Context.MaxTokens)
	}
	if cfg.Providers[0].Tiers[TierElite].Model != "claude-opus-4-20250514" {
		t.Errorf("elite model = %q", cfg.Providers[0].Tiers[TierElite].Model)
	}
}

func TestLoadRejectsBadReferences(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown default provider",
			yaml: "default_provider: missing\n",
		},
		{
			name: "unknown fallback provider",
			yaml: "fallback: [missing]\n",
		},
		{
			name: "duplicate provider ids",
			yaml: "providers:\n  - id: a\n  - id: a\n",
		},
		{
			name: "preset depends on unknown role",
			yaml: "swarm_presets:\n  - name: p\n    roles:\n      - name: coder\n        after: [lead]\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "corvid.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load accepted invalid config")
			}
		})
	}
}

func TestSanitizeRestoresInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corvid.yaml")
	data := `
noise:
  threshold: -1
context:
  compact_threshold_percent: 150
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Noise.Threshold != 0.15 {
		t.Errorf("threshold = %v, want default 0.15", cfg.Noise.Threshold)
	}
	if cfg.Context.CompactThresholdPercent != 70 {
		t.Errorf("compact threshold = %d, want default 70", cfg.Context.CompactThresholdPercent)
	}
}
