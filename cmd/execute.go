package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/internal/executor"
	"github.com/xkilldash9x/replaydock/internal/observability"
)

const (
	outputText = "text"
	outputJSON = "json"
)

func validateOutput(format string) error {
	switch format {
	case outputText, outputJSON:
		return nil
	}
	return fmt.Errorf("--output must be %s or %s, got %q", outputText, outputJSON, format)
}

// newExecuteCmd creates the `execute` command.
func newExecuteCmd(factory componentsFactory) *cobra.Command {
	var output string

	executeCmd := &cobra.Command{
		Use:   "execute PROMPT EXECUTOR",
		Short: "Sends one prompt through an executor and prints the answer",
		Args:  cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return validateOutput(output)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			prompt, name := args[0], args[1]

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := factory(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			exec, err := components.Registry.Get(name)
			if err != nil {
				return err
			}

			answer, err := exec.Execute(ctx, prompt)
			if err != nil {
				var execErr *executor.ExecutionError
				if errors.As(err, &execErr) && execErr.Cancelled() {
					logger.Warn("Run aborted gracefully", zap.String("executor", name))
				}
				return err
			}

			if output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), answer)
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer.Text)
			return nil
		},
	}

	executeCmd.Flags().Bool("headless", true, "Run the browser without a window. (Overrides config/env)")
	executeCmd.Flags().Bool("debug", false, "Open DevTools for the browser tab. (Overrides config/env)")
	executeCmd.Flags().Int64("seed", 0, "Seed for random branch selection; 0 seeds from the clock. (Overrides config/env)")
	executeCmd.Flags().String("selection", "", "Tree branch selection policy, fixed or random. (Overrides config/env)")
	executeCmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json.")
	bindFlag(executeCmd, "headless", "browser.headless")
	bindFlag(executeCmd, "debug", "browser.debug")
	bindFlag(executeCmd, "seed", "replay.seed")
	bindFlag(executeCmd, "selection", "replay.selection")

	return executeCmd
}

// batchResult is one line of the batch JSON output.
type batchResult struct {
	Index  int              `json:"index"`
	Prompt string           `json:"prompt"`
	Answer *executor.Answer `json:"answer,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// newBatchCmd creates the `batch` command.
func newBatchCmd(factory componentsFactory) *cobra.Command {
	var (
		file   string
		output string
	)

	batchCmd := &cobra.Command{
		Use:   "batch EXECUTOR",
		Short: "Sends every prompt of a file through an executor in parallel",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return validateOutput(output)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			prompts, err := readPrompts(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(prompts) == 0 {
				return fmt.Errorf("no prompts found in %s", file)
			}

			components, err := factory(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			exec, err := components.Registry.Get(args[0])
			if err != nil {
				return err
			}

			results := executor.NewBatch(exec, cfg.Batch(), logger).Run(ctx, prompts)

			failed := 0
			out := make([]batchResult, len(results))
			for i, r := range results {
				out[i] = batchResult{Index: r.Index, Prompt: r.Prompt, Answer: r.Answer}
				if r.Err != nil {
					failed++
					out[i].Error = r.Err.Error()
				}
			}

			if output == outputJSON {
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else {
				for _, r := range out {
					fmt.Fprintf(cmd.OutOrStdout(), "=== [%d] %s\n", r.Index+1, r.Prompt)
					if r.Error != "" {
						fmt.Fprintf(cmd.OutOrStdout(), "ERROR: %s\n\n", r.Error)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", r.Answer.Text)
				}
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runs failed", failed, len(results))
			}
			return nil
		},
	}

	batchCmd.Flags().StringVarP(&file, "file", "f", "", "File with one prompt per line, or - for stdin.")
	batchCmd.Flags().IntP("concurrency", "j", 0, "Number of runs in parallel. (Overrides config/env)")
	batchCmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json.")
	_ = batchCmd.MarkFlagRequired("file")
	bindFlag(batchCmd, "concurrency", "batch.concurrency")

	return batchCmd
}

// readPrompts reads one prompt per line. Blank lines and lines starting with
// # are skipped.
func readPrompts(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("expand prompts path: %w", err)
		}
		f, err := os.Open(expanded)
		if err != nil {
			return nil, fmt.Errorf("open prompts file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var prompts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return prompts, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
