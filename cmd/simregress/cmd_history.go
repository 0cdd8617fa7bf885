package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nvandessel/simregress/internal/harness"
	"github.com/nvandessel/simregress/internal/history"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded regression runs",
		Long: `List recorded runs newest first, or show one run with its per-case and
per-artifact results.

Examples:
  simregress history
  simregress history --limit 5 --json
  simregress history 42
  simregress history --prune 50      # keep only the 50 most recent runs`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			root, _ := cmd.Flags().GetString("root")
			limit, _ := cmd.Flags().GetInt("limit")
			prune, _ := cmd.Flags().GetInt("prune")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := harness.New(cfg, newLogger(cmd, cfg)).History(cmd.Context(), root)
			if err != nil {
				return fmt.Errorf("failed to open run history: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if prune > 0 {
				n, err := store.Prune(cmd.Context(), prune)
				if err != nil {
					return fmt.Errorf("failed to prune run history: %w", err)
				}
				if jsonOut {
					return json.NewEncoder(out).Encode(map[string]interface{}{"pruned": n, "kept": prune})
				}
				fmt.Fprintf(out, "Pruned %d run(s), keeping the %d most recent\n", n, prune)
				return nil
			}

			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid run id: %s", args[0])
				}
				run, err := store.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if jsonOut {
					return json.NewEncoder(out).Encode(run)
				}
				printRun(cmd, run)
				return nil
			}

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				if runs == nil {
					runs = []history.Run{}
				}
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"runs":  runs,
					"count": len(runs),
					"db":    store.Path(),
				})
			}
			if len(runs) == 0 {
				fmt.Fprintf(out, "No runs recorded in %s\n", store.Path())
				return nil
			}

			t := table.NewWriter()
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Run", "Started", "Verdict", "Cases", "Artifacts", "Duration"})
			for _, r := range runs {
				t.AppendRow(table.Row{
					r.ID,
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					verdictWord(r.Passed),
					fmt.Sprintf("%d/%d", r.CasesPassed, r.Cases),
					fmt.Sprintf("%d/%d", r.ArtifactsMatched, r.Artifacts),
					r.Duration.Round(time.Millisecond),
				})
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 for all)")
	cmd.Flags().Int("prune", 0, "Delete all but the N most recent runs")

	return cmd
}

func printRun(cmd *cobra.Command, run *history.Run) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %d: %s\n", run.ID, verdictWord(run.Passed))
	fmt.Fprintf(out, "  Started:    %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.SuitePath != "" {
		fmt.Fprintf(out, "  Suite:      %s\n", run.SuitePath)
	}
	fmt.Fprintf(out, "  Executable: %s\n", run.Executable)
	fmt.Fprintf(out, "  Duration:   %s\n", run.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  Cases:      %d/%d passed", run.CasesPassed, run.Cases)
	if run.LoadErrors > 0 {
		fmt.Fprintf(out, ", %d failed to load", run.LoadErrors)
	}
	if run.Skipped > 0 {
		fmt.Fprintf(out, ", %d skipped", run.Skipped)
	}
	fmt.Fprintln(out)

	if len(run.CaseResults) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Case", "Outcome", "Exit", "Artifact", "Status", "Diff lines"})
	for _, c := range run.CaseResults {
		if len(c.Artifacts) == 0 {
			t.AppendRow(table.Row{c.CaseID, c.Outcome, c.ExitStatus, "-", verdictWord(c.Passed), ""})
			continue
		}
		for i, a := range c.Artifacts {
			row := table.Row{"", "", "", a.Produced, a.Status, a.DiffLines}
			if i == 0 {
				row[0], row[1], row[2] = c.CaseID, c.Outcome, c.ExitStatus
			}
			t.AppendRow(row)
		}
	}
	fmt.Fprintln(out, t.Render())

	for _, c := range run.CaseResults {
		if c.Error != "" {
			fmt.Fprintf(out, "%s: %s\n", c.CaseID, c.Error)
		}
	}
}

func verdictWord(passed bool) string {
	if passed {
		return "PASS"
	}
	return "FAIL"
}
