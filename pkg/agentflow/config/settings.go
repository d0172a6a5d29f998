package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/randalmurphal/agentflow/pkg/agentflow/eventloop"
)

// Default executor bounds.
const (
	DefaultMaxSteps          = 100
	DefaultMaxRetriesPerNode = 0
)

// Settings is the full settings file.
type Settings struct {
	Loop       eventloop.LoopConfig `json:"loop" yaml:"loop"`
	Executor   ExecutorSettings     `json:"executor" yaml:"executor"`
	Store      StoreSettings        `json:"store" yaml:"store"`
	Checkpoint CheckpointSettings   `json:"checkpoint" yaml:"checkpoint"`
	Provider   ProviderSettings     `json:"provider" yaml:"provider"`
	Logging    LoggingSettings      `json:"logging" yaml:"logging"`
	Metrics    MetricsSettings      `json:"metrics" yaml:"metrics"`
	Tracing    TracingSettings      `json:"tracing" yaml:"tracing"`
}

// ExecutorSettings are graph-run defaults. A graph file's own values win.
type ExecutorSettings struct {
	MaxSteps          int `json:"max_steps" yaml:"max_steps" validate:"gte=0"`
	MaxRetriesPerNode int `json:"max_retries_per_node" yaml:"max_retries_per_node" validate:"gte=0"`
}

// StoreSettings selects where node conversations are kept.
type StoreSettings struct {
	Kind string `json:"kind" yaml:"kind" validate:"oneof=memory file sqlite badger"`
	// Path is a directory for file and badger, a database file for sqlite.
	Path string `json:"path" yaml:"path" validate:"required_unless=Kind memory"`
}

// CheckpointSettings selects where run checkpoints are kept.
type CheckpointSettings struct {
	Kind string `json:"kind" yaml:"kind" validate:"oneof=memory sqlite"`
	Path string `json:"path" yaml:"path" validate:"required_if=Kind sqlite"`
}

// ProviderSettings configures the model provider.
type ProviderSettings struct {
	Kind              string  `json:"kind" yaml:"kind" validate:"oneof=openai claude_cli mock"`
	Model             string  `json:"model" yaml:"model"`
	BaseURL           string  `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey            string  `json:"api_key" yaml:"api_key"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	// ClaudePath is the claude binary for claude_cli.
	ClaudePath     string `json:"claude_path" yaml:"claude_path"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
	// MockResponses are the texts the mock provider replies with, in turn.
	MockResponses []string `json:"mock_responses" yaml:"mock_responses"`
}

// LoggingSettings configures the slog handler.
type LoggingSettings struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" validate:"required_if=Enabled true"`
}

// TracingSettings configures span export to stderr.
type TracingSettings struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Default returns settings that run a graph entirely in memory against
// the OpenAI API.
func Default() Settings {
	return Settings{
		Loop: eventloop.DefaultLoopConfig(),
		Executor: ExecutorSettings{
			MaxSteps:          DefaultMaxSteps,
			MaxRetriesPerNode: DefaultMaxRetriesPerNode,
		},
		Store:      StoreSettings{Kind: "memory"},
		Checkpoint: CheckpointSettings{Kind: "memory"},
		Provider: ProviderSettings{
			Kind:       "openai",
			MaxRetries: 3,
			ClaudePath: "claude",
		},
		Logging: LoggingSettings{Level: "info", Format: "text"},
		Metrics: MetricsSettings{Addr: "127.0.0.1:9464"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and returns every violation joined.
func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fieldError(fe))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Settings.")
	switch fe.Tag() {
	case "oneof":
		return fmt.Errorf("%s: %q is not one of [%s]", field, fe.Value(), fe.Param())
	case "required_if":
		return fmt.Errorf("%s: required when %s", field, strings.Replace(fe.Param(), " ", " is ", 1))
	case "required_unless":
		return fmt.Errorf("%s: required unless %s", field, strings.Replace(fe.Param(), " ", " is ", 1))
	case "gte":
		return fmt.Errorf("%s: must be >= %s", field, fe.Param())
	default:
		return fmt.Errorf("%s: failed %s validation", field, fe.Tag())
	}
}
