package agentflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/agentflow/pkg/agentflow/eventloop"
)

// NodeType selects how a node is executed.
type NodeType string

// Node types. The deprecated llm_generate and llm_tool_use collapse to
// event_loop at compile time.
const (
	NodeEventLoop NodeType = "event_loop"
	NodeFunction  NodeType = "function"
	NodeRouter    NodeType = "router"

	nodeLLMGenerate NodeType = "llm_generate"
	nodeLLMToolUse  NodeType = "llm_tool_use"
)

// Condition decides whether an edge is taken.
type Condition string

// Edge conditions. Matching is case-insensitive.
const (
	Always      Condition = "always"
	OnSuccess   Condition = "on_success"
	OnFailure   Condition = "on_failure"
	Conditional Condition = "conditional"
	LLMDecide   Condition = "llm_decide"
)

// Graph defaults.
const (
	DefaultMaxSteps      = 100
	DefaultMaxNodeVisits = 1
)

// NodeSpec declares one node.
type NodeSpec struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        NodeType `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,nodetype"`

	InputKeys          []string `json:"input_keys,omitempty" yaml:"input_keys,omitempty"`
	OutputKeys         []string `json:"output_keys,omitempty" yaml:"output_keys,omitempty"`
	NullableOutputKeys []string `json:"nullable_output_keys,omitempty" yaml:"nullable_output_keys,omitempty"`

	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Routes maps a route name to a target node. Router nodes only.
	Routes map[string]string `json:"routes,omitempty" yaml:"routes,omitempty"`

	ClientFacing bool `json:"client_facing,omitempty" yaml:"client_facing,omitempty"`
	// MaxNodeVisits caps executions per run. 0 is unlimited; absent is 1.
	MaxNodeVisits *int   `json:"max_node_visits,omitempty" yaml:"max_node_visits,omitempty" validate:"omitempty,gte=0"`
	SystemPrompt  string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	LoopConfig *eventloop.LoopOverrides `json:"loop_config,omitempty" yaml:"loop_config,omitempty"`
}

// Kind returns the node type with deprecated aliases collapsed. An empty
// type is event_loop.
func (n NodeSpec) Kind() NodeType {
	switch t := NodeType(strings.ToLower(string(n.Type))); t {
	case "", nodeLLMGenerate, nodeLLMToolUse:
		return NodeEventLoop
	default:
		return t
	}
}

// Deprecated reports whether the node uses a deprecated type name.
func (n NodeSpec) Deprecated() bool {
	t := NodeType(strings.ToLower(string(n.Type)))
	return t == nodeLLMGenerate || t == nodeLLMToolUse
}

// VisitBudget returns the effective max_node_visits.
func (n NodeSpec) VisitBudget() int {
	if n.MaxNodeVisits == nil {
		return DefaultMaxNodeVisits
	}
	return *n.MaxNodeVisits
}

// LoopSpec is the declaration the event loop runs from.
func (n NodeSpec) LoopSpec() eventloop.Spec {
	return eventloop.Spec{
		ID:                 n.ID,
		Name:               n.Name,
		Description:        n.Description,
		InputKeys:          slices.Clone(n.InputKeys),
		OutputKeys:         slices.Clone(n.OutputKeys),
		NullableOutputKeys: slices.Clone(n.NullableOutputKeys),
		ClientFacing:       n.ClientFacing,
		SystemPrompt:       n.SystemPrompt,
	}
}

// Visits returns a pointer to n, for NodeSpec.MaxNodeVisits literals.
func Visits(n int) *int { return &n }

// EdgeSpec declares one edge.
type EdgeSpec struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source" validate:"required"`
	Target string `json:"target" yaml:"target" validate:"required"`

	Condition     Condition `json:"condition,omitempty" yaml:"condition,omitempty" validate:"omitempty,condition"`
	ConditionExpr string    `json:"condition_expr,omitempty" yaml:"condition_expr,omitempty"`
	// Priority orders edges from one source, highest first. Negative
	// marks a feedback edge.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// InputMapping copies memory[source key] to memory[target key] when
	// the edge is traversed.
	InputMapping map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// Kind returns the lower-cased condition. An empty condition is always.
func (e EdgeSpec) Kind() Condition {
	if e.Condition == "" {
		return Always
	}
	return Condition(strings.ToLower(string(e.Condition)))
}

// IsFeedback reports whether the edge loops back.
func (e EdgeSpec) IsFeedback() bool { return e.Priority < 0 }

func (e EdgeSpec) label() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Source + "->" + e.Target
}

// GraphSpec declares a graph.
type GraphSpec struct {
	ID    string     `json:"id" yaml:"id" validate:"required"`
	Goal  string     `json:"goal,omitempty" yaml:"goal,omitempty"`
	Nodes []NodeSpec `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Edges []EdgeSpec `json:"edges,omitempty" yaml:"edges,omitempty" validate:"dive"`

	EntryNode string `json:"entry_node" yaml:"entry_node" validate:"required"`
	// EntryPoints names alternative start nodes, e.g. for resuming a
	// conversation.
	EntryPoints   map[string]string `json:"entry_points,omitempty" yaml:"entry_points,omitempty"`
	TerminalNodes []string          `json:"terminal_nodes,omitempty" yaml:"terminal_nodes,omitempty"`
	PauseNodes    []string          `json:"pause_nodes,omitempty" yaml:"pause_nodes,omitempty"`

	MaxSteps          int `json:"max_steps,omitempty" yaml:"max_steps,omitempty" validate:"gte=0"`
	MaxRetriesPerNode int `json:"max_retries_per_node,omitempty" yaml:"max_retries_per_node,omitempty" validate:"gte=0"`
}

// Steps returns the effective max_steps.
func (g GraphSpec) Steps() int {
	if g.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return g.MaxSteps
}

var specValidator = newSpecValidator()

func newSpecValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("nodetype", func(fl validator.FieldLevel) bool {
		switch NodeType(strings.ToLower(fl.Field().String())) {
		case NodeEventLoop, NodeFunction, NodeRouter, nodeLLMGenerate, nodeLLMToolUse:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("condition", func(fl validator.FieldLevel) bool {
		switch Condition(strings.ToLower(fl.Field().String())) {
		case Always, OnSuccess, OnFailure, Conditional, LLMDecide:
			return true
		}
		return false
	})
	return v
}

// Validate checks the struct tags: required ids, known node types and
// conditions, non-negative budgets. Graph structure is checked by Compile.
func (g GraphSpec) Validate() error {
	err := specValidator.Struct(g)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, specFieldError(fe))
	}
	return errors.Join(errs...)
}

func specFieldError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "GraphSpec.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", ErrInvalidSpec, field)
	case "min":
		return fmt.Errorf("%w: %s needs at least %s entry", ErrInvalidSpec, field, fe.Param())
	case "gte":
		return fmt.Errorf("%w: %s must be >= %s", ErrInvalidSpec, field, fe.Param())
	case "nodetype":
		return fmt.Errorf("%w: %s: unknown node type %q", ErrInvalidSpec, field, fe.Value())
	case "condition":
		return fmt.Errorf("%w: %s: unknown edge condition %q", ErrInvalidSpec, field, fe.Value())
	default:
		return fmt.Errorf("%w: %s failed %s validation", ErrInvalidSpec, field, fe.Tag())
	}
}

// LoadGraphSpec reads a graph file. The extension selects YAML or JSON.
func LoadGraphSpec(path string) (GraphSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GraphSpec{}, fmt.Errorf("read graph file: %w", err)
	}
	spec, err := ParseGraphSpec(data, filepath.Ext(path))
	if err != nil {
		return GraphSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// ParseGraphSpec decodes a graph. ext is a file extension such as ".yaml"
// or ".json".
func ParseGraphSpec(data []byte, ext string) (GraphSpec, error) {
	var spec GraphSpec
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return GraphSpec{}, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &spec); err != nil {
			return GraphSpec{}, fmt.Errorf("parse json: %w", err)
		}
	default:
		return GraphSpec{}, fmt.Errorf("unsupported graph file extension: %q", ext)
	}
	return spec, nil
}
