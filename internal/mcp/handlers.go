package mcp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/nvandessel/simregress/internal/config"
	"github.com/nvandessel/simregress/internal/harness"
	"github.com/nvandessel/simregress/internal/history"
	"github.com/nvandessel/simregress/internal/pathutil"
	"github.com/nvandessel/simregress/internal/regress"
	"github.com/nvandessel/simregress/internal/report"
	"github.com/nvandessel/simregress/internal/sanitize"
)

const (
	// maxToolDiffLines caps the diff entries returned per artifact.
	maxToolDiffLines = 10

	// maxToolOutputTail caps the captured output returned per stream of a
	// failing case.
	maxToolOutputTail = 2048

	defaultHistoryLimit = 20

	latestRunURI = "simregress://runs/latest"
	runURIPrefix = "simregress://runs/"
)

func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "simregress_run",
		Description: "Run the simulator regression suite and compare every produced artifact with its golden reference",
	}, s.handleRun)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "simregress_list",
		Description: "List the cases declared by the regression suite without running them",
	}, s.handleList)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "simregress_history",
		Description: "List recorded regression runs, or fetch one run with its per-case and per-artifact results",
	}, s.handleHistory)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "simregress_config",
		Description: "Show the effective simregress configuration",
	}, s.handleConfig)
}

func (s *Server) registerResources() {
	s.server.AddResource(&sdk.Resource{
		URI:         latestRunURI,
		Name:        "simregress-latest-run",
		Description: "Summary of the most recent regression run recorded for this project.",
		MIMEType:    "text/markdown",
	}, s.handleLatestRunResource)

	s.server.AddResourceTemplate(&sdk.ResourceTemplate{
		URITemplate: runURIPrefix + "{id}",
		Name:        "simregress-run",
		Description: "Summary of a recorded regression run by history id.",
		MIMEType:    "text/markdown",
	}, s.handleRunResource)
}

// handleRun implements the simregress_run tool.
func (s *Server) handleRun(ctx context.Context, req *sdk.CallToolRequest, args RunInput) (_ *sdk.CallToolResult, _ RunOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("simregress_run", start, retErr, sanitizeToolParams("simregress_run", map[string]any{
			"suite":      args.Suite,
			"executable": args.Executable,
			"timeout":    args.Timeout,
			"fail_fast":  args.FailFast,
			"strict":     args.Strict,
			"cases":      args.Cases,
			"bundle":     args.Bundle,
		}), "local")
	}()

	if err := s.toolLimiters.Check("simregress_run"); err != nil {
		return nil, RunOutput{}, err
	}

	hreq := harness.Request{
		Root:        s.root,
		FailFast:    args.FailFast,
		StrictEmpty: args.Strict,
		Cases:       args.Cases,
	}
	if args.Suite != "" {
		path, err := s.projectPath(args.Suite)
		if err != nil {
			return nil, RunOutput{}, fmt.Errorf("suite path rejected: %w", err)
		}
		hreq.SuitePath = path
	}
	if args.Executable != "" {
		path, err := s.projectPath(args.Executable)
		if err != nil {
			return nil, RunOutput{}, fmt.Errorf("executable rejected: %w", err)
		}
		hreq.Executable = path
	}
	if args.Timeout != "" {
		d, err := time.ParseDuration(args.Timeout)
		if err != nil || d < 0 {
			return nil, RunOutput{}, fmt.Errorf("invalid timeout %q", args.Timeout)
		}
		hreq.Timeout = d
	}
	if args.Bundle {
		hreq.BundlePath = harness.AutoBundle
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	res, err := s.harness.Run(ctx, hreq)
	if err != nil {
		return nil, RunOutput{}, fmt.Errorf("run failed: %w", err)
	}

	out := RunOutput{
		Passed:     res.Passed(),
		ExitCode:   res.ExitCode(),
		Verdict:    report.Verdict(res.Report),
		RunID:      res.RunID,
		Cases:      summarizeCases(res.Report),
		Skipped:    res.Report.Skipped,
		BundlePath: res.BundlePath,
		Warnings:   res.Warnings,
	}
	if res.Empty && res.Settings.StrictEmpty {
		out.Verdict = "FAIL: suite declares no cases"
	}
	for _, le := range res.Report.LoadErrors {
		out.LoadErrors = append(out.LoadErrors, le.Error())
	}
	return nil, out, nil
}

// handleList implements the simregress_list tool.
func (s *Server) handleList(ctx context.Context, req *sdk.CallToolRequest, args ListInput) (_ *sdk.CallToolResult, _ ListOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("simregress_list", start, retErr, sanitizeToolParams("simregress_list", map[string]any{
			"suite": args.Suite,
		}), "local")
	}()

	if err := s.toolLimiters.Check("simregress_list"); err != nil {
		return nil, ListOutput{}, err
	}

	hreq := harness.Request{Root: s.root}
	if args.Suite != "" {
		path, err := s.projectPath(args.Suite)
		if err != nil {
			return nil, ListOutput{}, fmt.Errorf("suite path rejected: %w", err)
		}
		hreq.SuitePath = path
	}

	st, _, err := s.harness.LoadSuite(hreq)
	if err != nil {
		return nil, ListOutput{}, err
	}

	out := ListOutput{
		Suite:      st.Path,
		Executable: st.Executable,
		Cases:      make([]CaseInfo, 0, len(st.Cases)),
		Count:      st.Len(),
	}
	for _, tc := range st.Cases {
		info := CaseInfo{
			ID:       tc.ID,
			Manifest: tc.ManifestPath,
			Input:    tc.InputPath,
			Workdir:  tc.WorkingDirectory,
			Outputs:  make([]string, 0, len(tc.ExpectedOutputs)),
		}
		for _, p := range tc.ExpectedOutputs {
			info.Outputs = append(info.Outputs, p.Produced)
		}
		out.Cases = append(out.Cases, info)
	}
	for _, le := range st.LoadErrors {
		out.LoadErrors = append(out.LoadErrors, le.Error())
	}
	return nil, out, nil
}

// handleHistory implements the simregress_history tool.
func (s *Server) handleHistory(ctx context.Context, req *sdk.CallToolRequest, args HistoryInput) (_ *sdk.CallToolResult, _ HistoryOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("simregress_history", start, retErr, sanitizeToolParams("simregress_history", map[string]any{
			"run_id": args.RunID,
			"limit":  args.Limit,
		}), "local")
	}()

	if err := s.toolLimiters.Check("simregress_history"); err != nil {
		return nil, HistoryOutput{}, err
	}
	if args.Limit < 0 || args.RunID < 0 {
		return nil, HistoryOutput{}, fmt.Errorf("limit and run_id must be non-negative")
	}

	store, err := s.harness.History(ctx, s.root)
	if err != nil {
		return nil, HistoryOutput{}, fmt.Errorf("failed to open run history: %w", err)
	}
	defer store.Close()

	if args.RunID > 0 {
		run, err := store.Get(ctx, args.RunID)
		if err != nil {
			return nil, HistoryOutput{}, err
		}
		return nil, HistoryOutput{Runs: []history.Run{*run}, Count: 1}, nil
	}

	limit := args.Limit
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	runs, err := store.List(ctx, limit)
	if err != nil {
		return nil, HistoryOutput{}, err
	}
	if runs == nil {
		runs = []history.Run{}
	}
	return nil, HistoryOutput{Runs: runs, Count: len(runs)}, nil
}

// handleConfig implements the simregress_config tool. Values under env.* are
// only returned when asked for by key.
func (s *Server) handleConfig(ctx context.Context, req *sdk.CallToolRequest, args ConfigInput) (_ *sdk.CallToolResult, _ ConfigOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("simregress_config", start, retErr, sanitizeToolParams("simregress_config", map[string]any{
			"key": args.Key,
		}), "global")
	}()

	if err := s.toolLimiters.Check("simregress_config"); err != nil {
		return nil, ConfigOutput{}, err
	}

	if args.Key != "" {
		v, ok := s.settings.Get(args.Key)
		if !ok {
			return nil, ConfigOutput{}, fmt.Errorf("unknown configuration key: %s", args.Key)
		}
		return nil, ConfigOutput{Values: map[string]any{args.Key: v}}, nil
	}

	values := make(map[string]any)
	for _, key := range config.Keys() {
		if v, ok := s.settings.Get(key); ok {
			values[key] = v
		}
	}
	return nil, ConfigOutput{Values: values}, nil
}

// handleLatestRunResource renders the newest recorded run.
func (s *Server) handleLatestRunResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	store, err := s.harness.History(ctx, s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	defer store.Close()

	runs, err := store.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return markdownResult(latestRunURI, "# Regression Runs\n\nNo runs recorded yet. Run the suite with `simregress_run`.\n"), nil
	}
	run, err := store.Get(ctx, runs[0].ID)
	if err != nil {
		return nil, err
	}
	return markdownResult(latestRunURI, renderRun(run)), nil
}

// handleRunResource renders the run named by simregress://runs/{id}.
func (s *Server) handleRunResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	uri := req.Params.URI
	idText, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok || idText == "" {
		return nil, fmt.Errorf("invalid URI format: %s", uri)
	}
	if idText == "latest" {
		return s.handleLatestRunResource(ctx, req)
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid run id: %s", idText)
	}

	store, err := s.harness.History(ctx, s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	defer store.Close()

	run, err := store.Get(ctx, id)
	if errors.Is(err, history.ErrRunNotFound) {
		return nil, fmt.Errorf("run %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return markdownResult(uri, renderRun(run)), nil
}

// projectPath resolves p against the project root and rejects anything
// outside it.
func (s *Server) projectPath(p string) (string, error) {
	path := p
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	if err := pathutil.ValidatePath(path, []string{s.root}); err != nil {
		return "", err
	}
	return path, nil
}

func summarizeCases(r *regress.SuiteReport) []CaseSummary {
	cases := make([]CaseSummary, 0, len(r.Cases))
	for _, cr := range r.Cases {
		exec := cr.Execution
		cs := CaseSummary{
			ID:         cr.ID(),
			Passed:     cr.Passed(),
			Outcome:    string(exec.Outcome),
			ExitStatus: exec.ExitStatus,
			DurationMs: exec.Duration.Milliseconds(),
		}
		if err := cr.Err(); err != nil {
			cs.Error = sanitize.Text(err.Error())
		}
		if !cs.Passed {
			cs.StdoutTail = sanitize.Output(exec.Stdout, maxToolOutputTail)
			cs.StderrTail = sanitize.Output(exec.Stderr, maxToolOutputTail)
		}
		for _, c := range cr.Comparisons {
			as := ArtifactSummary{
				Produced:  c.ProducedFile,
				Reference: c.ReferenceFile,
				Status:    string(c.Status),
				DiffLines: len(c.DiffLines),
			}
			first := c.DiffLines
			if len(first) > maxToolDiffLines {
				first = first[:maxToolDiffLines]
			}
			as.FirstDiffs = first
			cs.Artifacts = append(cs.Artifacts, as)
		}
		cases = append(cases, cs)
	}
	return cases
}

func renderRun(run *history.Run) string {
	var sb strings.Builder
	verdict := "PASS"
	if !run.Passed {
		verdict = "FAIL"
	}
	fmt.Fprintf(&sb, "# Regression Run %d: %s\n\n", run.ID, verdict)
	fmt.Fprintf(&sb, "**Started:** %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Executable:** %s\n", run.Executable)
	fmt.Fprintf(&sb, "**Duration:** %s\n", run.Duration.Round(time.Millisecond))
	fmt.Fprintf(&sb, "**Cases:** %d/%d passed\n", run.CasesPassed, run.Cases)
	fmt.Fprintf(&sb, "**Artifacts:** %d/%d matched\n", run.ArtifactsMatched, run.Artifacts)
	if run.LoadErrors > 0 {
		fmt.Fprintf(&sb, "**Load errors:** %d\n", run.LoadErrors)
	}
	if run.Skipped > 0 {
		fmt.Fprintf(&sb, "**Skipped (fail-fast):** %d\n", run.Skipped)
	}

	var failing []history.CaseRecord
	for _, c := range run.CaseResults {
		if !c.Passed {
			failing = append(failing, c)
		}
	}
	if len(failing) == 0 {
		return sb.String()
	}

	sb.WriteString("\n## Failing Cases\n\n")
	for _, c := range failing {
		fmt.Fprintf(&sb, "### %s (%s, exit %d)\n\n", c.CaseID, c.Outcome, c.ExitStatus)
		if c.Error != "" {
			fmt.Fprintf(&sb, "%s\n\n", sanitize.Text(c.Error))
		}
		for _, a := range c.Artifacts {
			if a.Status == "match" {
				continue
			}
			fmt.Fprintf(&sb, "- `%s`: %s", a.Produced, a.Status)
			if a.DiffLines > 0 {
				fmt.Fprintf(&sb, " (%d line(s))", a.DiffLines)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func markdownResult(uri, text string) *sdk.ReadResourceResult {
	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{
			{
				URI:      uri,
				MIMEType: "text/markdown",
				Text:     text,
			},
		},
	}
}
