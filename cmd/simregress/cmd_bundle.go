package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nvandessel/simregress/internal/bundle"
	"github.com/nvandessel/simregress/internal/harness"
	"github.com/nvandessel/simregress/internal/pathutil"
	"github.com/nvandessel/simregress/internal/sanitize"
	"github.com/spf13/cobra"
)

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Inspect failure bundles",
		Long: `Failure bundles are written by 'simregress run --bundle' when a run fails.
They hold the JSON report plus the produced and reference files of every
failing artifact.

Examples:
  simregress bundle show .simregress/bundles/run-20260101-120000.simb
  simregress bundle verify run.simb
  simregress bundle extract run.simb ./inspect
  simregress bundle prune --keep 5`,
	}

	cmd.AddCommand(
		newBundleShowCmd(),
		newBundleVerifyCmd(),
		newBundleExtractCmd(),
		newBundlePruneCmd(),
	)

	return cmd
}

func newBundleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <path>",
		Short: "Show a bundle's header and stored files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			header, err := bundle.ReadHeader(args[0])
			if err != nil {
				return fmt.Errorf("failed to read bundle header: %w", err)
			}
			b, err := bundle.Read(args[0])
			if err != nil {
				return fmt.Errorf("failed to read bundle: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				type jsonFile struct {
					CaseID    string `json:"case_id"`
					Role      string `json:"role"`
					Path      string `json:"path"`
					Size      int    `json:"size_bytes"`
					Truncated bool   `json:"truncated,omitempty"`
				}
				files := make([]jsonFile, 0, len(b.Files))
				for _, f := range b.Files {
					files = append(files, jsonFile{f.CaseID, string(f.Role), f.Path, len(f.Content), f.Truncated})
				}
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"header": header,
					"files":  files,
					"report": b.Report,
				})
			}

			fmt.Fprintf(out, "Bundle %s\n", args[0])
			fmt.Fprintf(out, "  Version:  %d\n", header.Version)
			fmt.Fprintf(out, "  Created:  %s\n", header.CreatedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "  Verdict:  %s (%d case(s))\n", verdictWord(header.Passed), header.CaseCount)
			fmt.Fprintf(out, "  Checksum: %s\n", header.Checksum)

			if len(b.Files) == 0 {
				fmt.Fprintln(out, "  (no files)")
				return nil
			}
			t := table.NewWriter()
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Case", "Role", "File", "Size"})
			for _, f := range b.Files {
				size := fmt.Sprintf("%d B", len(f.Content))
				if f.Truncated {
					size += " (truncated)"
				}
				t.AppendRow(table.Row{f.CaseID, f.Role, f.Path, size})
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}
}

func newBundleVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <path>",
		Short: "Check a bundle's checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			err := bundle.Verify(args[0])
			out := cmd.OutOrStdout()
			if jsonOut {
				result := map[string]interface{}{"path": args[0], "valid": err == nil}
				if err != nil {
					result["error"] = err.Error()
				}
				if encErr := json.NewEncoder(out).Encode(result); encErr != nil {
					return encErr
				}
				if err != nil {
					return fmt.Errorf("bundle verification failed: %w", err)
				}
				return nil
			}
			if err != nil {
				return fmt.Errorf("bundle verification failed: %w", err)
			}
			fmt.Fprintf(out, "OK %s\n", args[0])
			return nil
		},
	}
}

func newBundleExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <path> <dir>",
		Short: "Write a bundle's files to <dir>/<case>/<role>/",
		Long: `Write every file of a bundle below <dir>, one directory per case and
role, plus the run report as report.json. Case ids are reduced to
[a-zA-Z0-9._-] to form directory names.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bundle.Read(args[0])
			if err != nil {
				return fmt.Errorf("failed to read bundle: %w", err)
			}
			dir, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}

			for _, f := range b.Files {
				name := filepath.Join(sanitize.Name(f.CaseID), string(f.Role), filepath.Base(f.Path))
				if err := pathutil.ValidateArtifactName(name, dir); err != nil {
					return fmt.Errorf("refusing to extract %s: %w", f.Path, err)
				}
				dest := filepath.Join(dir, name)
				if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
					return fmt.Errorf("failed to create directory: %w", err)
				}
				if err := os.WriteFile(dest, f.Content, 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", dest, err)
				}
			}
			if len(b.Report) > 0 {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create directory: %w", err)
				}
				if err := os.WriteFile(filepath.Join(dir, "report.json"), b.Report, 0644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d file(s) to %s\n", len(b.Files), dir)
			return nil
		},
	}
}

func newBundlePruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old generated bundles",
		Long: `Apply bundle retention to .simregress/bundles below the project root.
Only generated bundles (run-*.simb) are considered. Limits default to the
bundle.keep, bundle.max_age and bundle.max_size configuration keys.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			root, _ := cmd.Flags().GetString("root")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("keep") {
				cfg.Bundle.Keep, _ = cmd.Flags().GetInt("keep")
			}
			if cmd.Flags().Changed("max-age") {
				cfg.Bundle.MaxAge, _ = cmd.Flags().GetString("max-age")
			}
			if cmd.Flags().Changed("max-size") {
				cfg.Bundle.MaxSize, _ = cmd.Flags().GetString("max-size")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			deleted, err := harness.New(cfg, newLogger(cmd, cfg)).PruneBundles(root)
			if err != nil {
				return fmt.Errorf("failed to prune bundles: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if deleted == nil {
					deleted = []string{}
				}
				return json.NewEncoder(out).Encode(map[string]interface{}{"deleted": deleted})
			}
			for _, p := range deleted {
				fmt.Fprintf(out, "Removed %s\n", filepath.Base(p))
			}
			fmt.Fprintf(out, "Pruned %d bundle(s)\n", len(deleted))
			return nil
		},
	}

	cmd.Flags().Int("keep", 0, "Keep the N most recent bundles (default: config bundle.keep)")
	cmd.Flags().String("max-age", "", "Remove bundles older than this, e.g. 30d (default: config bundle.max_age)")
	cmd.Flags().String("max-size", "", "Cap the combined bundle size, e.g. 500MB (default: config bundle.max_size)")

	return cmd
}
