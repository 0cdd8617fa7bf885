package mcp

import (
	"github.com/nvandessel/simregress/internal/compare"
	"github.com/nvandessel/simregress/internal/history"
)

// RunInput defines the input for the simregress_run tool.
type RunInput struct {
	Suite      string   `json:"suite,omitempty" jsonschema:"Suite file relative to the project root (default: configured suite)"`
	Executable string   `json:"executable,omitempty" jsonschema:"Simulator inside the project root, relative to it, overriding the suite and config"`
	Timeout    string   `json:"timeout,omitempty" jsonschema:"Per-case timeout as a Go duration such as 90s or 5m"`
	FailFast   bool     `json:"fail_fast,omitempty" jsonschema:"Stop after the first failing case"`
	Strict     bool     `json:"strict,omitempty" jsonschema:"Fail when the suite declares no cases"`
	Cases      []string `json:"cases,omitempty" jsonschema:"Run only these case ids"`
	Bundle     bool     `json:"bundle,omitempty" jsonschema:"Write a failure bundle under .simregress/bundles when the run fails"`
}

// RunOutput defines the output for the simregress_run tool.
type RunOutput struct {
	Passed     bool          `json:"passed" jsonschema:"Whether every case passed"`
	ExitCode   int           `json:"exit_code" jsonschema:"Exit code the CLI would return"`
	Verdict    string        `json:"verdict" jsonschema:"One-line summary of the run"`
	RunID      int64         `json:"run_id,omitempty" jsonschema:"History id of the recorded run"`
	Cases      []CaseSummary `json:"cases" jsonschema:"Per-case outcomes in suite order"`
	LoadErrors []string      `json:"load_errors,omitempty" jsonschema:"Declared cases that could not be loaded"`
	Skipped    []string      `json:"skipped,omitempty" jsonschema:"Cases not run because of fail-fast"`
	BundlePath string        `json:"bundle_path,omitempty" jsonschema:"Failure bundle written for this run"`
	Warnings   []string      `json:"warnings,omitempty" jsonschema:"Non-fatal problems such as history errors"`
}

// CaseSummary is the outcome of one case as returned to MCP clients.
type CaseSummary struct {
	ID         string            `json:"id"`
	Passed     bool              `json:"passed"`
	Outcome    string            `json:"outcome"`
	ExitStatus int               `json:"exit_status"`
	DurationMs int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	StdoutTail string            `json:"stdout_tail,omitempty" jsonschema:"End of the captured stdout, failing cases only"`
	StderrTail string            `json:"stderr_tail,omitempty" jsonschema:"End of the captured stderr, failing cases only"`
	Artifacts  []ArtifactSummary `json:"artifacts,omitempty"`
}

// ArtifactSummary is the outcome of one artifact comparison. FirstDiffs
// carries at most maxToolDiffLines entries; DiffLines is the full count.
type ArtifactSummary struct {
	Produced   string             `json:"produced"`
	Reference  string             `json:"reference"`
	Status     string             `json:"status"`
	DiffLines  int                `json:"diff_lines,omitempty"`
	FirstDiffs []compare.DiffLine `json:"first_diffs,omitempty"`
}

// ListInput defines the input for the simregress_list tool.
type ListInput struct {
	Suite string `json:"suite,omitempty" jsonschema:"Suite file relative to the project root (default: configured suite)"`
}

// ListOutput defines the output for the simregress_list tool.
type ListOutput struct {
	Suite      string     `json:"suite" jsonschema:"Absolute path of the loaded suite file"`
	Executable string     `json:"executable,omitempty" jsonschema:"Simulator declared by the suite"`
	Cases      []CaseInfo `json:"cases" jsonschema:"Declared cases in run order"`
	LoadErrors []string   `json:"load_errors,omitempty" jsonschema:"Declared cases that could not be loaded"`
	Count      int        `json:"count" jsonschema:"Number of declared cases including load errors"`
}

// CaseInfo describes one declared case.
type CaseInfo struct {
	ID       string   `json:"id"`
	Manifest string   `json:"manifest"`
	Input    string   `json:"input,omitempty"`
	Workdir  string   `json:"workdir"`
	Outputs  []string `json:"outputs"`
}

// HistoryInput defines the input for the simregress_history tool.
type HistoryInput struct {
	RunID int64 `json:"run_id,omitempty" jsonschema:"Return the full record of this run instead of a listing"`
	Limit int   `json:"limit,omitempty" jsonschema:"Maximum number of runs to list, newest first (default: 20)"`
}

// HistoryOutput defines the output for the simregress_history tool.
type HistoryOutput struct {
	Runs  []history.Run `json:"runs" jsonschema:"Recorded runs, newest first"`
	Count int           `json:"count" jsonschema:"Number of runs returned"`
}

// ConfigInput defines the input for the simregress_config tool.
type ConfigInput struct {
	Key string `json:"key,omitempty" jsonschema:"Return only this key (dot notation, e.g. report.format)"`
}

// ConfigOutput defines the output for the simregress_config tool.
type ConfigOutput struct {
	Values map[string]any `json:"values" jsonschema:"Effective configuration values by key"`
}
