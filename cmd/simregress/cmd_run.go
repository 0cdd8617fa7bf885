package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/nvandessel/simregress/internal/harness"
	"github.com/nvandessel/simregress/internal/report"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the regression suite and report the verdict",
		Long: `Run every case of the suite, compare produced artifacts with their golden
references, print a report, and exit 0 only if everything matched.

Settings are taken from flags, then the suite file, then ~/.simregress/config.yaml.

Examples:
  simregress run
  simregress run --suite ci/regress.yaml --exe ./bin/nemosim --timeout 2m
  simregress run --case lif --case biu --fail-fast
  simregress run --bundle                 # write .simregress/bundles/run-*.simb on failure
  simregress run --bundle=failed.simb     # explicit path (note the =)
  simregress run --format markdown >> "$GITHUB_STEP_SUMMARY"`,
		Args: cobra.NoArgs,
		RunE: runSuite,
	}

	cmd.Flags().String("suite", "", "Suite file (default: config suite, then regress.yaml)")
	cmd.Flags().String("exe", "", "Simulator executable (overrides the suite and config)")
	cmd.Flags().Duration("timeout", 0, "Per-case timeout, e.g. 90s (overrides the suite and config)")
	cmd.Flags().StringSlice("case", nil, "Run only this case id (repeatable)")
	cmd.Flags().Bool("fail-fast", false, "Stop after the first failing case")
	cmd.Flags().Bool("strict", false, "Fail when the suite declares no cases")
	cmd.Flags().String("bundle", "", "Write a failure bundle to this path when the run fails")
	cmd.Flags().Lookup("bundle").NoOptDefVal = harness.AutoBundle
	cmd.Flags().Bool("no-history", false, "Do not record this run in the run history")
	cmd.Flags().String("format", "", "Report format: text or markdown (default: config report.format)")
	cmd.Flags().Int("max-diff-lines", -1, "Diff lines shown per artifact, 0 for all (default: config report.max_diff_lines)")
	cmd.Flags().Bool("quiet", false, "Omit captured simulator output from the report")

	return cmd
}

func runSuite(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	root, _ := cmd.Flags().GetString("root")
	suitePath, _ := cmd.Flags().GetString("suite")
	exe, _ := cmd.Flags().GetString("exe")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cases, _ := cmd.Flags().GetStringSlice("case")
	failFast, _ := cmd.Flags().GetBool("fail-fast")
	strict, _ := cmd.Flags().GetBool("strict")
	bundlePath, _ := cmd.Flags().GetString("bundle")
	noHistory, _ := cmd.Flags().GetBool("no-history")
	formatFlag, _ := cmd.Flags().GetString("format")
	maxDiff, _ := cmd.Flags().GetInt("max-diff-lines")
	quiet, _ := cmd.Flags().GetBool("quiet")

	if timeout < 0 {
		return fmt.Errorf("--timeout must be non-negative, got %v", timeout)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	if formatFlag == "" {
		formatFlag = cfg.Report.Format
	}
	format, err := report.ParseFormat(formatFlag)
	if err != nil {
		return err
	}
	if maxDiff < 0 {
		maxDiff = cfg.Report.MaxDiffLines
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	notifySignals(sigChan)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Warn("interrupted, cancelling remaining cases")
			cancel()
		case <-ctx.Done():
		}
	}()

	h := harness.New(cfg, logger)
	res, err := h.Run(ctx, harness.Request{
		Root:        root,
		SuitePath:   suitePath,
		Executable:  exe,
		Timeout:     timeout,
		FailFast:    failFast,
		StrictEmpty: strict,
		BundlePath:  bundlePath,
		NoHistory:   noHistory,
		Cases:       cases,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		if err := report.WriteJSON(out, res.Report); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	} else {
		if err := report.Write(out, res.Report, report.Options{
			Format:       format,
			MaxDiffLines: maxDiff,
			OmitOutput:   quiet,
		}); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		if res.Empty && res.Settings.StrictEmpty {
			fmt.Fprintln(out, "FAIL: suite declares no cases (--strict)")
		}
		if res.BundlePath != "" {
			fmt.Fprintf(out, "Failure bundle: %s (%d file(s))\n", res.BundlePath, res.Bundle.FileCount)
		}
		if res.RunID != 0 {
			fmt.Fprintf(out, "Recorded as run %d\n", res.RunID)
		}
	}

	errOut := cmd.ErrOrStderr()
	for _, w := range res.Warnings {
		fmt.Fprintf(errOut, "warning: %s\n", w)
	}
	if res.Empty && !res.Settings.StrictEmpty {
		fmt.Fprintln(errOut, "warning: suite declares no cases; passing vacuously (use --strict to fail)")
	}

	if !res.Passed() {
		return errRegressionFailed
	}
	return nil
}
