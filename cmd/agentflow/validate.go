package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/agentflow/pkg/agentflow"
)

// errInvalidGraph is returned after the compile errors have been printed.
var errInvalidGraph = errors.New("graph is invalid")

func newValidateCmd() *cobra.Command {
	var inputs []string
	cmd := &cobra.Command{
		Use:   "validate GRAPH",
		Short: "Compile a graph and print its errors and warnings",
		Long: `Compile a graph file and report every problem found.

Errors stop a graph from running: unknown nodes, unreachable nodes, forward
cycles, inputs nothing upstream produces. Warnings are printed but do not
fail validation.

With --input, the listed keys are the ones the run will provide, and an
entry node reading any other key is an error.

Examples:
  agentflow validate essay.yaml
  agentflow validate essay.yaml --input topic=go`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			return validateGraph(cmd.OutOrStdout(), args[0], input)
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "initial input key=value (repeatable)")
	return cmd
}

func validateGraph(w io.Writer, path string, input map[string]any) error {
	spec, err := agentflow.LoadGraphSpec(path)
	if err != nil {
		return err
	}
	cg, err := agentflow.Compile(spec, compileOptions(input)...)
	if err != nil {
		fmt.Fprintf(w, "%s: invalid\n", spec.ID)
		for _, e := range flatten(err) {
			fmt.Fprintf(w, "  error: %v\n", e)
		}
		return errInvalidGraph
	}
	fmt.Fprintf(w, "%s: ok (%d nodes, order %v)\n", cg.ID(), len(cg.NodeIDs()), cg.Order())
	for _, warning := range cg.Warnings() {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	return nil
}

func compileOptions(input map[string]any) []agentflow.CompileOption {
	if len(input) == 0 {
		return nil
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	return []agentflow.CompileOption{agentflow.WithInitialInputKeys(keys...)}
}

// flatten splits an errors.Join result into its parts.
func flatten(err error) []error {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return joined.Unwrap()
	}
	return []error{err}
}
