package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/spf13/cobra"
)

// execFlags are shared by run and chain.
type execFlags struct {
	Input   string
	TraceID string
}

func (f *execFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.Input, "input", "i", "", "JSON object input; @file reads a file, - reads stdin")
	cmd.Flags().StringVar(&f.TraceID, "trace-id", "", "Trace id for correlation (generated when empty)")
}

func newRunCmd(flags *cliFlags) *cobra.Command {
	ef := &execFlags{}
	cmd := &cobra.Command{
		Use:   "run <transform-id>",
		Short: "Execute one registered transform and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, input, traceID, err := prepareExec(cmd, flags, ef)
			if err != nil {
				return err
			}
			result := a.executor.Execute(cmd.Context(), args[0], input, traceID)
			if err := writeResult(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			return resultError(result)
		},
	}
	ef.register(cmd)
	return cmd
}

func newChainCmd(flags *cliFlags) *cobra.Command {
	ef := &execFlags{}
	cmd := &cobra.Command{
		Use:   "chain <transform-id>...",
		Short: "Execute transforms in order, piping each output into the next",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, input, traceID, err := prepareExec(cmd, flags, ef)
			if err != nil {
				return err
			}
			results := a.chain.Execute(cmd.Context(), args, input, traceID)
			if err := writeResult(cmd.OutOrStdout(), chainOutput{TraceID: traceID, Results: results}); err != nil {
				return err
			}
			if len(results) == 0 {
				return nil
			}
			return resultError(results[len(results)-1])
		},
	}
	ef.register(cmd)
	return cmd
}

type chainOutput struct {
	TraceID string                   `json:"trace_id"`
	Results []domain.TransformResult `json:"results"`
}

func prepareExec(cmd *cobra.Command, flags *cliFlags, ef *execFlags) (*app, map[string]any, string, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, "", err
	}
	logger := newAppLogger(cfg)

	input, err := readInput(ef.Input, cmd.InOrStdin())
	if err != nil {
		return nil, nil, "", err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return nil, nil, "", err
	}

	traceID := ef.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return a, input, traceID, nil
}

// readInput parses the --input value. Empty means an empty object.
func readInput(value string, stdin io.Reader) (map[string]any, error) {
	var data []byte
	switch {
	case value == "":
		return map[string]any{}, nil
	case value == "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read input from stdin: %w", err)
		}
		data = raw
	case strings.HasPrefix(value, "@"):
		//nolint:gosec // input path is supplied by the operator
		raw, err := os.ReadFile(value[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		data = raw
	default:
		data = []byte(value)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var input map[string]any
	if err := dec.Decode(&input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	if input == nil {
		return nil, errors.New("input must be a JSON object, got null")
	}
	return input, nil
}

func writeResult(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func resultError(result domain.TransformResult) error {
	if result.Succeeded() {
		return nil
	}
	return fmt.Errorf("transform %s %s: %s", result.TransformID, result.Status, result.Error)
}
