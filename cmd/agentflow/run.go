package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/agentflow/pkg/agentflow"
	"github.com/randalmurphal/agentflow/pkg/agentflow/config"
	"github.com/randalmurphal/agentflow/pkg/agentflow/event"
)

type runFlags struct {
	inputs      []string
	runID       string
	resume      bool
	entryPoint  string
	maxSteps    int
	metricsAddr string
	workdir     string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run GRAPH",
		Short: "Execute a graph, or resume a checkpointed run",
		Long: `Execute a graph file and print the result as JSON.

Event-loop nodes talk to the provider named in the settings. Text a
client-facing node writes for the user is printed as it streams; when the
node waits for input, each line typed on stdin is sent to it, and end of
input (Ctrl-D) lets it finish.

Conversations and checkpoints are kept where the settings say. With a
sqlite checkpoint store, a paused or failed run can be continued with
--resume and the same --run-id.

Examples:
  agentflow run essay.yaml --input topic="event loops"
  agentflow run essay.yaml -c settings.yaml --run-id essay-1
  agentflow run essay.yaml -c settings.yaml --run-id essay-1 --resume --input approved=true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.settings()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				s.Metrics.Enabled = true
				s.Metrics.Addr = f.metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := runGraph(ctx, runEnv{
				settings: s,
				stdin:    cmd.InOrStdin(),
				stdout:   cmd.OutOrStdout(),
				stderr:   cmd.ErrOrStderr(),
			}, args[0], f)
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&f.inputs, "input", "i", nil, "input key=value; JSON values are decoded (repeatable)")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run id (default: generated)")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "continue the checkpointed run named by --run-id")
	cmd.Flags().StringVar(&f.entryPoint, "entry-point", "", "start at a named entry point instead of the entry node")
	cmd.Flags().IntVar(&f.maxSteps, "max-steps", 0, "override the graph's max_steps")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&f.workdir, "workdir", ".", "directory the file tools may read")
	return cmd
}

// runEnv is what runGraph needs from the process.
type runEnv struct {
	settings config.Settings
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
}

// runGraph loads, compiles and executes the graph at path. The result is
// returned whenever the run started, including failed runs.
func runGraph(ctx context.Context, env runEnv, path string, f *runFlags) (*agentflow.ExecutionResult, error) {
	s := env.settings
	logger := newLogger(s.Logging, env.stderr)

	if f.resume && f.runID == "" {
		return nil, errors.New("--resume needs --run-id")
	}
	if f.resume && s.Checkpoint.Kind == "memory" {
		return nil, errEphemeralCheckpoints
	}
	input, err := parseInputs(f.inputs)
	if err != nil {
		return nil, err
	}

	spec, err := agentflow.LoadGraphSpec(path)
	if err != nil {
		return nil, err
	}
	if spec.MaxSteps == 0 {
		spec.MaxSteps = s.Executor.MaxSteps
	}
	if spec.MaxRetriesPerNode == 0 {
		spec.MaxRetriesPerNode = s.Executor.MaxRetriesPerNode
	}
	var compileOpts []agentflow.CompileOption
	if !f.resume {
		compileOpts = compileOptions(input)
	}
	cg, err := agentflow.Compile(spec, compileOpts...)
	if err != nil {
		return nil, err
	}
	for _, w := range cg.Warnings() {
		logger.Warn("graph warning", slog.String("graph_id", cg.ID()), slog.String("warning", w))
	}

	tel, err := setupTelemetry(s, env.stderr, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Close(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	provider, err := buildProvider(s.Provider, logger)
	if err != nil {
		return nil, err
	}
	stores, closeStores, err := conversations(s.Store, logger)
	if err != nil {
		return nil, err
	}
	defer closeStores()
	cps, err := checkpoints(s.Checkpoint)
	if err != nil {
		return nil, err
	}
	defer cps.Close()

	// Blocking delivery: the console must see every text delta.
	bus := event.NewBus(event.BusConfig{
		BufferSize: event.DefaultBusConfig.BufferSize,
		OnError: func(evt event.Event, sub string, err error) {
			logger.Warn("event handler", slog.String("type", evt.Type()), slog.String("subscriber", sub), slog.String("error", err.Error()))
		},
	})
	defer bus.Close()

	term := newConsole(env.stdout, logger)
	bus.Subscribe([]string{event.ClientOutputDelta, event.ClientInputRequested, event.LoopCompleted}, term)
	go term.ReadLines(env.stdin)

	factory := &agentflow.EventLoopFactory{
		Provider: provider,
		Tools:    builtinTools(f.workdir, logger),
		Loop:     s.Loop,
		Stores:   stores,
		Bus:      bus,
		Logger:   logger,
		Metrics:  tel.Metrics,
		Spans:    tel.Spans,
		OnNode:   term.Attach,
	}
	exec, err := agentflow.NewExecutor(cg,
		agentflow.WithNodeFactory(factory),
		agentflow.WithCheckpointStore(cps),
		agentflow.WithBus(bus),
		agentflow.WithLogger(logger),
		agentflow.WithMetrics(tel.Metrics),
		agentflow.WithSpans(tel.Spans),
	)
	if err != nil {
		return nil, err
	}

	var opts []agentflow.RunOption
	if f.maxSteps > 0 {
		opts = append(opts, agentflow.WithMaxSteps(f.maxSteps))
	}
	if f.resume {
		if len(input) > 0 {
			opts = append(opts, agentflow.WithResumeInput(input))
		}
		return exec.Resume(ctx, f.runID, opts...)
	}
	if f.runID != "" {
		opts = append(opts, agentflow.WithRunID(f.runID))
	}
	if f.entryPoint != "" {
		opts = append(opts, agentflow.WithEntryPoint(f.entryPoint))
	}
	res, err := exec.Run(ctx, input, opts...)
	if err != nil {
		return res, fmt.Errorf("run %s: %w", cg.ID(), err)
	}
	return res, nil
}
