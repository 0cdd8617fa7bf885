package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nvandessel/simregress/internal/harness"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the cases declared by the suite",
		Long: `Load the suite without running it and show each case, its working
directory and declared outputs, followed by any cases that failed to load.

Examples:
  simregress list
  simregress list --suite ci/regress.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			root, _ := cmd.Flags().GetString("root")
			suitePath, _ := cmd.Flags().GetString("suite")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			s, _, err := harness.New(cfg, newLogger(cmd, cfg)).LoadSuite(harness.Request{Root: root, SuitePath: suitePath})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				loadErrors := make([]string, 0, len(s.LoadErrors))
				for _, le := range s.LoadErrors {
					loadErrors = append(loadErrors, le.Error())
				}
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"suite":       s.Path,
					"executable":  s.Executable,
					"cases":       s.Cases,
					"load_errors": loadErrors,
					"count":       s.Len(),
				})
			}

			if s.Len() == 0 {
				fmt.Fprintf(out, "No cases declared in %s\n", s.Path)
				return nil
			}

			base := filepath.Dir(s.Path)
			t := table.NewWriter()
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Case", "Workdir", "Manifest", "Outputs"})
			for _, tc := range s.Cases {
				outputs := make([]string, 0, len(tc.ExpectedOutputs))
				for _, p := range tc.ExpectedOutputs {
					outputs = append(outputs, p.Produced)
				}
				t.AppendRow(table.Row{tc.ID, relTo(base, tc.WorkingDirectory), relTo(tc.WorkingDirectory, tc.ManifestPath), strings.Join(outputs, ", ")})
			}
			fmt.Fprintf(out, "Suite %s (%d case(s)):\n", s.Path, s.Len())
			fmt.Fprintln(out, t.Render())

			for _, le := range s.LoadErrors {
				fmt.Fprintf(out, "LOAD ERROR %v\n", le)
			}
			return nil
		},
	}

	cmd.Flags().String("suite", "", "Suite file (default: config suite, then regress.yaml)")

	return cmd
}

// relTo shortens p relative to base for display, falling back to p.
func relTo(base, p string) string {
	rel, err := filepath.Rel(base, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return rel
}
