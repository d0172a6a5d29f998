package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/agentflow/pkg/agentflow/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "agentflow",
		Short: "Run LLM agent graphs",
		Long: `agentflow executes graphs of event-loop nodes.

Each event-loop node converses with a model until a judge accepts its
outputs; the graph executor then follows the highest-priority matching
edge, carrying outputs forward in shared memory.

Subcommands:
  validate  - Compile a graph and print its errors and warnings
  run       - Execute a graph, or resume a checkpointed run
  inspect   - Dump the conversations kept in a store`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "settings file (.yaml or .json)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "override logging.format (json, text)")

	root.AddCommand(newValidateCmd(), newRunCmd(g), newInspectCmd())
	return root
}

// settings loads the settings file, or the defaults when none is given,
// and applies the logging flags.
func (g *globalFlags) settings() (config.Settings, error) {
	var s config.Settings
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return config.Settings{}, err
		}
		s = loaded
	} else {
		s = config.Default()
		s.ApplyEnv(os.LookupEnv)
	}
	if g.logLevel != "" {
		s.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		s.Logging.Format = g.logFormat
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// newLogger builds the slog handler named by the logging settings.
func newLogger(s config.LoggingSettings, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(s.Level)}
	if s.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
