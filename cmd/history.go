package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/replaydock/internal/observability"
	"github.com/xkilldash9x/replaydock/internal/store"
)

const historyPromptWidth = 48

// newHistoryCmd creates the `history` command.
func newHistoryCmd(factory componentsFactory) *cobra.Command {
	var (
		filter store.Filter
		output string
	)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Lists journaled runs, newest first",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if filter.Limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return validateOutput(output)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			components, err := factory(ctx, cfg, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			runs, err := components.Store.ListRuns(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	historyCmd.Flags().StringVarP(&filter.Executor, "executor", "e", "", "Only list runs of this executor.")
	historyCmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "Maximum number of runs to list.")
	historyCmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json.")
	return historyCmd
}

func printRuns(w io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-14s  %-9s  %-19s  %8s  %s\n", "RUN", "EXECUTOR", "STATUS", "STARTED", "DURATION", "PROMPT")
	for _, r := range runs {
		status := string(r.Status)
		if r.ErrorCode != "" && r.Status != store.StatusSucceeded {
			status += " (" + string(r.ErrorCode) + ")"
		}
		fmt.Fprintf(w, "%-36s  %-14s  %-9s  %-19s  %8s  %s\n",
			r.ID,
			r.Executor,
			status,
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration().Round(time.Second),
			shorten(r.Prompt, historyPromptWidth),
		)
		if r.BundlePath != "" {
			fmt.Fprintf(w, "%38s diagnostics: %s\n", "", r.BundlePath)
		}
	}
}

// shorten collapses whitespace and cuts s to at most n runes.
func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
