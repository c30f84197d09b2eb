package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvid-labs/corvid/internal/observability"
)

// compiledTool pairs a descriptor with its compiled argument schema.
type compiledTool struct {
	desc   *Descriptor
	schema *jsonschema.Schema
}

// dispatcher is the immutable lookup table published by the registry.
type dispatcher struct {
	tools map[string]*compiledTool
}

// RegistryConfig bounds tool execution.
type RegistryConfig struct {
	// Timeout is the hard per-call deadline. Default: 30s.
	Timeout time.Duration

	// ResultByteCap truncates results beyond this size. Default: 100KB.
	ResultByteCap int
}

// DefaultRegistryConfig returns the default execution bounds.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Timeout:       30 * time.Second,
		ResultByteCap: 100 * 1024,
	}
}

// Registry manages tool descriptors and executes tool calls. Mutations are
// serialized; reads go through an atomically swapped dispatcher.
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]*compiledTool
	current     atomic.Pointer[dispatcher]

	config  RegistryConfig
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig, metrics *observability.Metrics, logger *slog.Logger) *Registry {
	if config.Timeout <= 0 {
		config.Timeout = DefaultRegistryConfig().Timeout
	}
	if config.ResultByteCap <= 0 {
		config.ResultByteCap = DefaultRegistryConfig().ResultByteCap
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		descriptors: make(map[string]*compiledTool),
		config:      config,
		metrics:     metrics,
		logger:      logger.With("component", "tools"),
	}
	r.current.Store(&dispatcher{tools: map[string]*compiledTool{}})
	return r
}

// Register adds or replaces a tool by name and republishes the dispatcher.
// Registration is idempotent on name: the latest descriptor wins.
func (r *Registry) Register(desc *Descriptor) error {
	if desc == nil || desc.Name == "" {
		return fmt.Errorf("descriptor must have a name")
	}
	if desc.Execute == nil {
		return fmt.Errorf("tool %s has no executor", desc.Name)
	}

	schema, err := compileSchema(desc.Name, desc.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[desc.Name] = &compiledTool{desc: desc, schema: schema}
	r.publish()
	r.logger.Debug("registered tool", "name", desc.Name, "side_effect", desc.SideEffect)
	return nil
}

// Unregister removes a tool by name and republishes the dispatcher.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[name]; !ok {
		return false
	}
	delete(r.descriptors, name)
	r.publish()
	r.logger.Debug("unregistered tool", "name", name)
	return true
}

// publish rebuilds the immutable dispatcher. Caller holds r.mu.
func (r *Registry) publish() {
	next := &dispatcher{tools: make(map[string]*compiledTool, len(r.descriptors))}
	for name, ct := range r.descriptors {
		next.tools[name] = ct
	}
	r.current.Store(next)
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	ct, ok := r.current.Load().tools[name]
	if !ok {
		return nil, false
	}
	return ct.desc, true
}

// Schemas returns the wire schemas of all registered tools, sorted by name.
func (r *Registry) Schemas() []Schema {
	d := r.current.Load()
	out := make([]Schema, 0, len(d.tools))
	for _, ct := range d.tools {
		out = append(out, Schema{
			Name:        ct.desc.Name,
			Description: ct.desc.Description,
			Parameters:  ct.desc.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute resolves, validates, and runs a tool call under the configured
// deadline, truncating oversized results.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	ct, ok := r.current.Load().tools[name]
	if !ok {
		r.metrics.ToolExecutions.WithLabelValues(name, "unknown").Inc()
		err := fmt.Errorf("%w: %s", ErrUnknownTool, name)
		span.RecordError(err)
		return nil, err
	}

	if err := r.validate(ct, args); err != nil {
		r.metrics.ToolExecutions.WithLabelValues(name, "invalid").Inc()
		span.RecordError(err)
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	start := time.Now()
	content, err := r.run(execCtx, ct.desc, args)
	elapsed := time.Since(start)
	r.metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		outcome := "error"
		switch {
		case ctx.Err() != nil:
			outcome = "cancelled"
			err = fmt.Errorf("%w: %s", ErrCancelled, name)
		case execCtx.Err() == context.DeadlineExceeded:
			outcome = "timeout"
			err = &TimeoutError{Tool: name}
		}
		r.metrics.ToolExecutions.WithLabelValues(name, outcome).Inc()
		span.RecordError(err)
		return nil, err
	}

	r.metrics.ToolExecutions.WithLabelValues(name, "ok").Inc()

	result := &Result{Content: content}
	if len(content) > r.config.ResultByteCap {
		result.Content = content[:r.config.ResultByteCap] + TruncationMarker
		result.Truncated = true
	}
	return result, nil
}

// run invokes the executor, converting panics into errors so a misbehaving
// tool cannot take down the session actor.
func (r *Registry) run(ctx context.Context, desc *Descriptor, args json.RawMessage) (content string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panic: %v", p)
		}
	}()
	return desc.Execute(ctx, args)
}

func (r *Registry) validate(ct *compiledTool, args json.RawMessage) error {
	if ct.schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return &InvalidArgumentsError{Tool: ct.desc.Name, Details: "arguments are not valid JSON"}
	}
	if err := ct.schema.Validate(doc); err != nil {
		return &InvalidArgumentsError{Tool: ct.desc.Name, Details: err.Error()}
	}
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameter schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return schema, nil
}
