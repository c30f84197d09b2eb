// Package main provides the CLI entry point for the Corvid agent runtime.
//
// Corvid drives a bounded ReAct loop per session: inbound messages are
// classified, gated by a two-tier noise filter and a hook pipeline, routed
// to a tiered LLM provider chain, and may dispatch registered tools or fan
// out to a role-specialized swarm.
//
// # Basic Usage
//
// Start an interactive session:
//
//	corvid chat --config corvid.yaml
//
// # Environment Variables
//
//   - CORVID_CONFIG: Path to configuration file (default: corvid.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/corvid/internal/agent"
	"github.com/corvid-labs/corvid/internal/bus"
	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/hooks"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/internal/prompt"
	"github.com/corvid-labs/corvid/internal/provider"
	"github.com/corvid-labs/corvid/internal/signal"
	"github.com/corvid-labs/corvid/internal/store"
	"github.com/corvid-labs/corvid/internal/swarm"
	"github.com/corvid-labs/corvid/internal/tools"
	"github.com/corvid-labs/corvid/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "corvid",
		Short: "Corvid agent runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("corvid %s (%s)\n", version, commit)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session on the CLI channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(configPath)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CORVID_CONFIG"); p != "" {
		return p
	}
	return "corvid.yaml"
}

func runChat(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel)
	metrics := observability.NewMetrics(nil)
	events := bus.New(logger)

	db, err := store.NewSQLiteStore(cfg.Sessions.StorePath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer db.Close()

	router := provider.NewRouter(providerChain(cfg), metrics, logger)
	for _, pc := range cfg.Providers {
		pc := fillAPIKey(pc)
		switch pc.Kind {
		case "anthropic":
			router.RegisterProvider(provider.NewAnthropic(pc))
		case "openai", "openai-compatible":
			router.RegisterProvider(provider.NewOpenAI(pc))
		default:
			return fmt.Errorf("unknown provider kind %q", pc.Kind)
		}
	}

	registry := tools.NewRegistry(tools.RegistryConfig{
		Timeout:       cfg.Loop.ToolTimeout,
		ResultByteCap: cfg.Loop.ToolResultCap,
	}, metrics, logger)

	pipeline := hooks.NewPipeline(cfg.Loop.HookTimeout, events, metrics, logger)

	if len(cfg.SwarmPresets) > 0 {
		orch := swarm.NewOrchestrator(router, cfg.SwarmPresets, events, cfg.Loop.SwarmWorkerTTL, logger)
		if err := registerSwarmTool(registry, orch); err != nil {
			return fmt.Errorf("register swarm tool: %w", err)
		}
	}

	identity := prompt.NewIdentity(cfg.Identity, logger)
	counter := prompt.NewTokenCounter()
	builder := prompt.NewBuilder(identity, counter, cfg.Context)
	compactor := prompt.NewCompactor(cfg.Context, router, builder, events, metrics, logger)

	wd, _ := os.Getwd()
	manager := agent.NewManager(agent.Deps{
		Store:      db,
		Tools:      registry,
		Hooks:      pipeline,
		Router:     router,
		Classifier: signal.NewClassifier(cfg.Noise.Threshold, cfg.Noise.BorderlineCeiling),
		Noise:      signal.NewFilter(cfg.Noise, router, logger),
		Builder:    builder,
		Compactor:  compactor,
		Events:     events,
		Metrics:    metrics,
		Logger:     logger,
		Loop:       cfg.Loop,
		Env: prompt.Environment{
			Channel:    models.ChannelCLI,
			WorkingDir: wd,
		},
	}, cfg.Sessions)
	defer manager.Close()

	ctx, cancel := signalContext()
	defer cancel()

	user := os.Getenv("USER")
	if user == "" {
		user = "local"
	}

	fmt.Println("corvid chat (ctrl-d to exit)")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		resp, err := manager.Deliver(ctx, models.ChannelCLI, user, "local", text, agent.Options{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.Text != "" {
			fmt.Println(resp.Text)
		}
	}
	return scanner.Err()
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func providerChain(cfg *config.Config) []string {
	var chain []string
	if cfg.DefaultProvider != "" {
		chain = append(chain, cfg.DefaultProvider)
	}
	chain = append(chain, cfg.Fallback...)
	return chain
}

// fillAPIKey resolves well-known environment fallbacks for empty keys.
func fillAPIKey(pc config.ProviderConfig) config.ProviderConfig {
	if pc.APIKey != "" {
		return pc
	}
	switch pc.Kind {
	case "anthropic":
		pc.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		pc.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return pc
}

// registerSwarmTool exposes the configured swarm presets to the loop as a
// callable tool.
func registerSwarmTool(registry *tools.Registry, orch *swarm.Orchestrator) error {
	return registry.Register(&tools.Descriptor{
		Name:        "swarm",
		Description: "Fan a decomposable task out to a configured swarm preset and return the synthesized result.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"preset": map[string]any{
					"type":        "string",
					"description": "Name of the configured swarm preset to run",
				},
				"task": map[string]any{
					"type":        "string",
					"description": "Task handed to every worker in the swarm",
				},
			},
			"required": []string{"preset", "task"},
		},
		SideEffect: tools.SideEffectNetwork,
		Execute: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Preset string `json:"preset"`
				Task   string `json:"task"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", err
			}
			res, err := orch.Run(ctx, tools.SessionFromContext(ctx), p.Preset, p.Task)
			if err != nil {
				return "", err
			}
			return res.Output, nil
		},
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
