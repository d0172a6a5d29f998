package eventloop

import "github.com/randalmurphal/agentflow/pkg/agentflow/template"

// Loop defaults.
const (
	DefaultMaxIterations           = 50
	DefaultMaxToolCallsPerTurn     = 10
	DefaultStallDetectionThreshold = 3
	DefaultMaxHistoryTokens        = 32000
	DefaultMaxTokens               = 4096
)

// LoopConfig bounds one node's loop.
type LoopConfig struct {
	// MaxIterations caps stream/tool/judge passes. Iterations restored
	// from a cursor count against it.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations" validate:"gte=0"`

	// MaxToolCallsPerTurn caps the tool calls honoured from one turn.
	// Extra calls are dropped before they reach the transcript.
	MaxToolCallsPerTurn int `json:"max_tool_calls_per_turn" yaml:"max_tool_calls_per_turn" validate:"gte=0"`

	// StallDetectionThreshold is the number of identical consecutive
	// responses that stall the node. Zero disables stall detection.
	StallDetectionThreshold int `json:"stall_detection_threshold" yaml:"stall_detection_threshold" validate:"gte=0"`

	// MaxHistoryTokens is the estimated transcript size above which the
	// loop warns that the history should be compacted.
	MaxHistoryTokens int `json:"max_history_tokens" yaml:"max_history_tokens" validate:"gte=0"`

	// MaxTokens is passed to the provider for each turn.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`

	// PromptValueLimit caps, in bytes, each input value substituted into
	// the system prompt. Zero keeps values whole.
	PromptValueLimit int `json:"prompt_value_limit,omitempty" yaml:"prompt_value_limit,omitempty" validate:"gte=0"`

	// PromptMissing is what a system-prompt placeholder without an input
	// becomes: "keep" (the default) leaves it, "empty" drops it and
	// "error" fails the node before its first turn.
	PromptMissing string `json:"prompt_missing,omitempty" yaml:"prompt_missing,omitempty" validate:"omitempty,oneof=keep empty error"`
}

// DefaultLoopConfig returns the default loop bounds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:           DefaultMaxIterations,
		MaxToolCallsPerTurn:     DefaultMaxToolCallsPerTurn,
		StallDetectionThreshold: DefaultStallDetectionThreshold,
		MaxHistoryTokens:        DefaultMaxHistoryTokens,
		MaxTokens:               DefaultMaxTokens,
	}
}

// normalized replaces non-positive budgets with defaults. The stall
// threshold is left alone because zero is meaningful there.
func (c LoopConfig) normalized() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxToolCallsPerTurn <= 0 {
		c.MaxToolCallsPerTurn = DefaultMaxToolCallsPerTurn
	}
	if c.StallDetectionThreshold < 0 {
		c.StallDetectionThreshold = 0
	}
	if c.MaxHistoryTokens <= 0 {
		c.MaxHistoryTokens = DefaultMaxHistoryTokens
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// promptRenderer builds the system-prompt renderer for c.
func (c LoopConfig) promptRenderer() (*template.Renderer, error) {
	missing, err := template.ParseMissingAction(c.PromptMissing)
	if err != nil {
		return nil, err
	}
	return template.NewRenderer(
		template.WithMissingAction(missing),
		template.WithMaxValueLength(c.PromptValueLimit),
	), nil
}

// LoopOverrides is a per-node override of LoopConfig. Nil fields keep the
// base value, so a graph file can set a stall threshold of zero.
type LoopOverrides struct {
	MaxIterations           *int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" validate:"omitempty,gte=0"`
	MaxToolCallsPerTurn     *int `json:"max_tool_calls_per_turn,omitempty" yaml:"max_tool_calls_per_turn,omitempty" validate:"omitempty,gte=0"`
	StallDetectionThreshold *int `json:"stall_detection_threshold,omitempty" yaml:"stall_detection_threshold,omitempty" validate:"omitempty,gte=0"`
	MaxHistoryTokens        *int `json:"max_history_tokens,omitempty" yaml:"max_history_tokens,omitempty" validate:"omitempty,gte=0"`
	MaxTokens               *int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" validate:"omitempty,gte=0"`

	PromptValueLimit *int    `json:"prompt_value_limit,omitempty" yaml:"prompt_value_limit,omitempty" validate:"omitempty,gte=0"`
	PromptMissing    *string `json:"prompt_missing,omitempty" yaml:"prompt_missing,omitempty" validate:"omitempty,oneof=keep empty error"`
}

// Apply returns base with the set overrides applied. A nil receiver
// returns base unchanged.
func (o *LoopOverrides) Apply(base LoopConfig) LoopConfig {
	if o == nil {
		return base
	}
	set := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	set(&base.MaxIterations, o.MaxIterations)
	set(&base.MaxToolCallsPerTurn, o.MaxToolCallsPerTurn)
	set(&base.StallDetectionThreshold, o.StallDetectionThreshold)
	set(&base.MaxHistoryTokens, o.MaxHistoryTokens)
	set(&base.MaxTokens, o.MaxTokens)
	set(&base.PromptValueLimit, o.PromptValueLimit)
	if o.PromptMissing != nil {
		base.PromptMissing = *o.PromptMissing
	}
	return base
}
