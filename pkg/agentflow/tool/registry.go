package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	aferrors "github.com/randalmurphal/agentflow/pkg/agentflow/errors"
	"github.com/randalmurphal/agentflow/pkg/agentflow/eventloop"
	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
)

// Sentinel errors for registration and lookup.
var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidTool   = errors.New("invalid tool")
	ErrUnknownTool   = errors.New("unknown tool")
)

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Func runs a tool with its raw JSON arguments.
type Func func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a callable tool and its model-facing description.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON Schema of the arguments. Nil means no
	// arguments.
	Parameters json.RawMessage
	Fn         Func
}

// Definition returns the description sent to the model.
func (t Tool) Definition() llm.Tool {
	params := t.Parameters
	if len(params) == 0 {
		params = emptySchema
	}
	return llm.Tool{Name: t.Name, Description: t.Description, Parameters: params}
}

// Typed builds a Tool whose arguments are decoded into In. Arguments that
// do not decode are reported as an ArgumentError, which the model sees
// and can correct.
func Typed[In any](name, description string, schema json.RawMessage, fn func(ctx context.Context, in In) (string, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in In
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return "", &aferrors.ArgumentError{Tool: name, Message: err.Error()}
				}
			}
			return fn(ctx, in)
		},
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetry sets how transient tool failures are retried. The default
// is errors.NoRetry.
func WithRetry(cfg aferrors.RetryConfig) Option {
	return func(r *Registry) { r.retry = cfg }
}

// WithLogger logs retried attempts.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is a concurrency-safe set of tools. Definitions are returned
// in registration order.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	retry  aferrors.RetryConfig
	logger *slog.Logger
}

var _ eventloop.ToolExecutor = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools: make(map[string]Tool),
		retry: aferrors.NoRetry,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds t. The name must be unique and non-empty, Fn must be set
// and Parameters, if given, must be valid JSON.
func (r *Registry) Register(t Tool) error {
	switch {
	case t.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	case t.Name == eventloop.SetOutputTool:
		return fmt.Errorf("%w: %s is built in", ErrInvalidTool, t.Name)
	case t.Fn == nil:
		return fmt.Errorf("%w: %s has no function", ErrInvalidTool, t.Name)
	case len(t.Parameters) > 0 && !json.Valid(t.Parameters):
		return fmt.Errorf("%w: %s parameters are not valid JSON", ErrInvalidTool, t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(fmt.Sprintf("tool: %v", err))
		}
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Definitions returns every tool's model-facing description.
func (r *Registry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Subset returns a registry holding only names, in the given order, with
// the same retry policy. Every name must be registered.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := &Registry{
		tools:  make(map[string]Tool, len(names)),
		retry:  r.retry,
		logger: r.logger,
	}
	var missing []string
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if _, dup := sub.tools[name]; dup {
			continue
		}
		sub.tools[name] = t
		sub.order = append(sub.order, name)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTool, missing)
	}
	return sub, nil
}

// Execute implements eventloop.ToolExecutor. An unknown tool is reported
// to the model as an error result.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (eventloop.ToolResult, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return eventloop.ToolResult{Content: fmt.Sprintf("Unknown tool %q", call.Name), IsError: true}, nil
	}

	cfg := r.retry
	if r.logger != nil {
		prev := cfg.OnRetry
		cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
			if prev != nil {
				prev(attempt, err, wait)
			}
			r.logger.Warn("retrying tool call",
				slog.String("tool", call.Name),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}
	}

	res := aferrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (string, error) {
		return t.Fn(ctx, call.Arguments)
	})
	if res.Err != nil {
		var cat *aferrors.CategorizedError
		if errors.As(res.Err, &cat) && cat.Err != nil {
			return eventloop.ToolResult{}, cat.Err
		}
		return eventloop.ToolResult{}, res.Err
	}
	return eventloop.ToolResult{Content: res.Value}, nil
}
