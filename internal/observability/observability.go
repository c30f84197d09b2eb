// Package observability wires structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the runtime.
package observability

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

// Tracer returns the runtime's tracer. Span export is configured by the
// embedding process; without an SDK installed this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/corvid-labs/corvid")
}

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	HookCalls        *prometheus.CounterVec
	HookBlocks       *prometheus.CounterVec
	HookDuration     *prometheus.HistogramVec
	ToolExecutions   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	ProviderRequests *prometheus.CounterVec
	ProviderFallback prometheus.Counter
	CompactionSaved  prometheus.Counter
	LoopIterations   prometheus.Histogram
}

// NewMetrics creates and registers the runtime collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HookCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvid_hook_calls_total",
			Help: "Hook handler invocations by event and handler name.",
		}, []string{"event", "handler"}),
		HookBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvid_hook_blocks_total",
			Help: "Hook block decisions by event and handler name.",
		}, []string{"event", "handler"}),
		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corvid_hook_duration_seconds",
			Help:    "Hook handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event", "handler"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvid_tool_executions_total",
			Help: "Tool executions by name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corvid_tool_duration_seconds",
			Help:    "Tool execution time by name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvid_provider_requests_total",
			Help: "Provider chat requests by provider id and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_provider_fallbacks_total",
			Help: "Times the router advanced to a fallback provider.",
		}),
		CompactionSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corvid_compaction_tokens_saved_total",
			Help: "Tokens reclaimed by context compaction.",
		}),
		LoopIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "corvid_loop_iterations",
			Help:    "ReAct iterations per processed message.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 30},
		}),
	}
	reg.MustRegister(
		m.HookCalls, m.HookBlocks, m.HookDuration,
		m.ToolExecutions, m.ToolDuration,
		m.ProviderRequests, m.ProviderFallback,
		m.CompactionSaved, m.LoopIterations,
	)
	return m
}

// NopMetrics returns unregistered collectors for tests.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
