// Package config loads and validates the runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier names a budget/model band used by the provider router.
type Tier string

const (
	TierElite      Tier = "elite"
	TierSpecialist Tier = "specialist"
	TierUtility    Tier = "utility"
)

// TierConfig carries the per-tier budget and model settings for one provider.
type TierConfig struct {
	Model         string  `yaml:"model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float32 `yaml:"temperature"`
	MaxIterations int     `yaml:"max_iterations"`
}

// ProviderConfig describes one configured LLM backend.
type ProviderConfig struct {
	ID            string              `yaml:"id"`
	Kind          string              `yaml:"kind"` // openai, anthropic, openai-compatible
	APIKey        string              `yaml:"api_key"`
	BaseURL       string              `yaml:"base_url,omitempty"`
	DefaultModel  string              `yaml:"default_model"`
	Tiers         map[Tier]TierConfig `yaml:"tiers"`
	ToolCapable   bool                `yaml:"tool_capable"`
	ContextWindow int                 `yaml:"context_window"`
}

// NoiseConfig tunes the two-tier noise filter. The thresholds are
// channel-dependent heuristics and deliberately configurable.
type NoiseConfig struct {
	// Threshold below which a high-confidence signal is filtered.
	Threshold float64 `yaml:"threshold"`
	// BorderlineCeiling bounds the weight band consulted via the utility tier.
	BorderlineCeiling float64 `yaml:"borderline_ceiling"`
	// LLMAssist enables the tier-2 model consult for borderline weights.
	LLMAssist bool `yaml:"llm_assist"`
}

// ContextConfig bounds prompt assembly and compaction.
type ContextConfig struct {
	MaxTokens          int `yaml:"max_tokens"`
	CompletionHeadroom int `yaml:"completion_headroom"`
	// CompactThresholdPercent of MaxTokens at which the compactor runs.
	CompactThresholdPercent int `yaml:"compact_threshold_percent"`
	// KeepRecentTurns are preserved verbatim through compaction.
	KeepRecentTurns int `yaml:"keep_recent_turns"`
}

// LoopConfig bounds the ReAct loop and its suspension points.
type LoopConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	LLMTimeout     time.Duration `yaml:"llm_timeout"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	HookTimeout    time.Duration `yaml:"hook_timeout"`
	ToolResultCap  int           `yaml:"tool_result_cap"`
	DoomLoopLimit  int           `yaml:"doom_loop_limit"`
	SwarmWorkerTTL time.Duration `yaml:"swarm_worker_ttl"`
}

// SessionConfig controls the session store and actor lifecycle.
type SessionConfig struct {
	StorePath    string        `yaml:"store_path"`
	HistoryLimit int           `yaml:"history_limit"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// IdentityConfig locates the persistent identity and personality files.
type IdentityConfig struct {
	Paths []string `yaml:"paths"`
}

// SwarmRoleConfig declares one role within a preset.
type SwarmRoleConfig struct {
	Name   string   `yaml:"name"`
	Prompt string   `yaml:"prompt"`
	Tier   Tier     `yaml:"tier"`
	After  []string `yaml:"after,omitempty"`
}

// SwarmPresetConfig names an ordered role list for swarm execution.
type SwarmPresetConfig struct {
	Name  string            `yaml:"name"`
	Roles []SwarmRoleConfig `yaml:"roles"`
}

// Config is the root runtime configuration.
type Config struct {
	DefaultProvider string              `yaml:"default_provider"`
	Fallback        []string            `yaml:"fallback"`
	Providers       []ProviderConfig    `yaml:"providers"`
	Noise           NoiseConfig         `yaml:"noise"`
	Context         ContextConfig       `yaml:"context"`
	Loop            LoopConfig          `yaml:"loop"`
	Sessions        SessionConfig       `yaml:"sessions"`
	Identity        IdentityConfig      `yaml:"identity"`
	SwarmPresets    []SwarmPresetConfig `yaml:"swarm_presets"`
	LogLevel        string              `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Noise: NoiseConfig{
			Threshold:         0.15,
			BorderlineCeiling: 0.30,
			LLMAssist:         false,
		},
		Context: ContextConfig{
			MaxTokens:               128000,
			CompletionHeadroom:      4096,
			CompactThresholdPercent: 70,
			KeepRecentTurns:         6,
		},
		Loop: LoopConfig{
			MaxIterations:  30,
			LLMTimeout:     120 * time.Second,
			ToolTimeout:    30 * time.Second,
			HookTimeout:    5 * time.Second,
			ToolResultCap:  100 * 1024,
			DoomLoopLimit:  3,
			SwarmWorkerTTL: 300 * time.Second,
		},
		Sessions: SessionConfig{
			StorePath:    "corvid.db",
			HistoryLimit: 200,
			IdleTimeout:  30 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	sanitize(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func sanitize(cfg *Config) {
	def := Default()
	if cfg.Noise.Threshold <= 0 {
		cfg.Noise.Threshold = def.Noise.Threshold
	}
	if cfg.Noise.BorderlineCeiling < cfg.Noise.Threshold {
		cfg.Noise.BorderlineCeiling = def.Noise.BorderlineCeiling
	}
	if cfg.Context.MaxTokens <= 0 {
		cfg.Context.MaxTokens = def.Context.MaxTokens
	}
	if cfg.Context.CompactThresholdPercent <= 0 || cfg.Context.CompactThresholdPercent > 100 {
		cfg.Context.CompactThresholdPercent = def.Context.CompactThresholdPercent
	}
	if cfg.Context.KeepRecentTurns <= 0 {
		cfg.Context.KeepRecentTurns = def.Context.KeepRecentTurns
	}
	if cfg.Loop.MaxIterations <= 0 {
		cfg.Loop.MaxIterations = def.Loop.MaxIterations
	}
	if cfg.Loop.LLMTimeout <= 0 {
		cfg.Loop.LLMTimeout = def.Loop.LLMTimeout
	}
	if cfg.Loop.ToolTimeout <= 0 {
		cfg.Loop.ToolTimeout = def.Loop.ToolTimeout
	}
	if cfg.Loop.HookTimeout <= 0 {
		cfg.Loop.HookTimeout = def.Loop.HookTimeout
	}
	if cfg.Loop.ToolResultCap <= 0 {
		cfg.Loop.ToolResultCap = def.Loop.ToolResultCap
	}
	if cfg.Loop.DoomLoopLimit <= 0 {
		cfg.Loop.DoomLoopLimit = def.Loop.DoomLoopLimit
	}
	if cfg.Loop.SwarmWorkerTTL <= 0 {
		cfg.Loop.SwarmWorkerTTL = def.Loop.SwarmWorkerTTL
	}
	if cfg.Sessions.HistoryLimit <= 0 {
		cfg.Sessions.HistoryLimit = def.Sessions.HistoryLimit
	}
	if cfg.Sessions.IdleTimeout <= 0 {
		cfg.Sessions.IdleTimeout = def.Sessions.IdleTimeout
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider id cannot be empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	if cfg.DefaultProvider != "" && !seen[cfg.DefaultProvider] {
		return fmt.Errorf("default provider %q is not configured", cfg.DefaultProvider)
	}
	for _, id := range cfg.Fallback {
		if !seen[id] {
			return fmt.Errorf("fallback provider %q is not configured", id)
		}
	}
	for _, preset := range cfg.SwarmPresets {
		names := make(map[string]bool, len(preset.Roles))
		for _, role := range preset.Roles {
			if role.Name == "" {
				return fmt.Errorf("preset %q: role name cannot be empty", preset.Name)
			}
			if names[role.Name] {
				return fmt.Errorf("preset %q: duplicate role %q", preset.Name, role.Name)
			}
			names[role.Name] = true
		}
		for _, role := range preset.Roles {
			for _, dep := range role.After {
				if !names[dep] {
					return fmt.Errorf("preset %q: role %q depends on unknown role %q", preset.Name, role.Name, dep)
				}
			}
		}
	}
	return nil
}
