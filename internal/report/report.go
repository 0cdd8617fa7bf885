// Package report renders a suite report for humans (plain text or Markdown
// for CI job summaries) and for machines (JSON).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nvandessel/simregress/internal/compare"
	"github.com/nvandessel/simregress/internal/regress"
	"github.com/nvandessel/simregress/internal/runner"
	"github.com/nvandessel/simregress/internal/sanitize"
)

// Format selects the human-readable rendering.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// ParseFormat maps a name to a Format. Unknown names yield an error.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("invalid report format: %s (valid: text, markdown)", s)
	}
}

// Options controls report rendering.
type Options struct {
	Format Format

	// MaxDiffLines caps the diff lines printed per artifact. Zero prints all.
	MaxDiffLines int

	// OmitOutput suppresses the captured simulator stdout/stderr.
	OmitOutput bool
}

// Write renders r to w: per case the captured output, a PASS/FAIL line per
// declared artifact with the diverging lines of each mismatch, then a
// summary table and the verdict.
func Write(w io.Writer, r *regress.SuiteReport, opts Options) error {
	p := &printer{w: w, opts: opts}

	for _, cr := range r.Cases {
		p.writeCase(cr)
	}
	for _, le := range r.LoadErrors {
		p.printf("LOAD ERROR %v\n", le)
	}
	for _, id := range r.Skipped {
		p.printf("SKIPPED %s (fail-fast)\n", id)
	}
	if len(r.LoadErrors) > 0 || len(r.Skipped) > 0 {
		p.printf("\n")
	}

	if len(r.Cases) > 0 {
		p.printf("%s\n\n", summaryTable(r, opts.Format))
	}
	p.printf("%s\n", Verdict(r))
	return p.err
}

// Verdict returns the one-line outcome of the run.
func Verdict(r *regress.SuiteReport) string {
	c := r.Counts()
	status := "PASS"
	if !r.OverallPassed {
		status = "FAIL"
	}
	line := fmt.Sprintf("%s: %d/%d cases passed, %d/%d artifacts matched",
		status, c.CasesPassed, c.Cases, c.ArtifactsMatched, c.Artifacts)
	if c.LoadErrors > 0 {
		line += fmt.Sprintf(", %d failed to load", c.LoadErrors)
	}
	if c.Skipped > 0 {
		line += fmt.Sprintf(", %d skipped", c.Skipped)
	}
	if c.Cases == 0 && c.LoadErrors == 0 {
		line += " (empty suite)"
	}
	return line
}

type printer struct {
	w    io.Writer
	opts Options
	err  error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) writeCase(cr regress.CaseReport) {
	exec := cr.Execution
	p.printf("=== Case %s (%s) ===\n", cr.ID(), describeExecution(exec))

	if exec.InvocationError != nil {
		p.printf("ERROR %v\n", exec.InvocationError)
	}
	if !p.opts.OmitOutput {
		p.writeStream("stdout", exec.Stdout)
		p.writeStream("stderr", exec.Stderr)
	}

	if len(cr.Comparisons) == 0 {
		p.printf("(no declared outputs)\n")
	}
	for _, c := range cr.Comparisons {
		p.writeComparison(c, exec.Case.WorkingDirectory)
	}
	p.printf("\n")
}

func (p *printer) writeStream(name string, data []byte) {
	if len(data) == 0 {
		return
	}
	if p.opts.Format == FormatMarkdown {
		text := sanitize.Output(data, sanitize.DefaultOutputTail)
		p.printf("%s:\n\n```text\n%s", name, text)
		if !strings.HasSuffix(text, "\n") {
			p.printf("\n")
		}
		p.printf("```\n\n")
		return
	}
	p.printf("--- %s ---\n", name)
	text := string(data)
	p.printf("%s", text)
	if !strings.HasSuffix(text, "\n") {
		p.printf("\n")
	}
}

func (p *printer) writeComparison(c compare.Result, workdir string) {
	produced := displayPath(workdir, c.ProducedFile)
	reference := displayPath(workdir, c.ReferenceFile)

	switch c.Status {
	case compare.StatusMatch:
		p.printf("PASS %s\n", produced)
		return
	case compare.StatusMissingProduced:
		p.printf("FAIL %s: produced file missing\n", produced)
	case compare.StatusMissingReference:
		p.printf("FAIL %s: reference file %s missing\n", produced, reference)
	case compare.StatusMismatch:
		p.printf("FAIL %s: %d line(s) differ from %s\n", produced, len(c.DiffLines), reference)
	}
	if c.Err != nil {
		p.printf("    %v\n", c.Err)
	}

	lines := c.DiffLines
	if p.opts.MaxDiffLines > 0 && len(lines) > p.opts.MaxDiffLines {
		lines = lines[:p.opts.MaxDiffLines]
	}
	for _, d := range lines {
		p.printf("    line %d: produced=%q expected=%q\n", d.LineNumber, d.Produced, d.Expected)
	}
	if hidden := len(c.DiffLines) - len(lines); hidden > 0 {
		p.printf("    ... %d more line(s)\n", hidden)
	}
}

// displayPath shortens p to a name relative to the case working directory
// when it lies inside it.
func displayPath(workdir, p string) string {
	if workdir == "" || !filepath.IsAbs(p) {
		return p
	}
	rel, err := filepath.Rel(workdir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

func describeExecution(r runner.ExecutionResult) string {
	switch r.Outcome {
	case runner.OutcomeSuccess:
		return fmt.Sprintf("exit %d, %s", r.ExitStatus, r.Duration.Round(1e6))
	case runner.OutcomeTimeout:
		return fmt.Sprintf("timed out after %s", r.Duration.Round(1e6))
	default:
		return string(r.Outcome)
	}
}

func summaryTable(r *regress.SuiteReport, format Format) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Case", "Outcome", "Exit", "Artifacts", "Result"})

	for _, cr := range r.Cases {
		matched := 0
		for _, c := range cr.Comparisons {
			if c.Passed() {
				matched++
			}
		}
		exit := "-"
		if cr.Execution.Outcome == runner.OutcomeSuccess {
			exit = fmt.Sprint(cr.Execution.ExitStatus)
		}
		result := "PASS"
		if !cr.Passed() {
			result = "FAIL"
		}
		tw.AppendRow(table.Row{
			cr.ID(),
			string(cr.Execution.Outcome),
			exit,
			fmt.Sprintf("%d/%d", matched, len(cr.Comparisons)),
			result,
		})
	}

	c := r.Counts()
	tw.AppendFooter(table.Row{"Total", "", "", fmt.Sprintf("%d/%d", c.ArtifactsMatched, c.Artifacts), fmt.Sprintf("%d/%d", c.CasesPassed, c.Cases)})

	if format == FormatMarkdown {
		return tw.RenderMarkdown()
	}
	return tw.Render()
}

// jsonReport is the machine-readable layout of a suite report.
type jsonReport struct {
	Passed     bool        `json:"passed"`
	ExitCode   int         `json:"exit_code"`
	Suite      string      `json:"suite,omitempty"`
	Executable string      `json:"executable"`
	StartedAt  string      `json:"started_at"`
	DurationMS int64       `json:"duration_ms"`
	Cases      []jsonCase  `json:"cases"`
	LoadErrors []jsonError `json:"load_errors,omitempty"`
	Skipped    []string    `json:"skipped,omitempty"`
}

type jsonCase struct {
	ID          string           `json:"id"`
	Passed      bool             `json:"passed"`
	Outcome     string           `json:"outcome"`
	ExitStatus  int              `json:"exit_status"`
	TimedOut    bool             `json:"timed_out"`
	Error       string           `json:"error,omitempty"`
	Stdout      string           `json:"stdout,omitempty"`
	Stderr      string           `json:"stderr,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
	Comparisons []compare.Result `json:"comparisons"`
}

type jsonError struct {
	CaseID string `json:"case_id"`
	Error  string `json:"error"`
}

// WriteJSON encodes r as indented JSON.
func WriteJSON(w io.Writer, r *regress.SuiteReport) error {
	out := jsonReport{
		Passed:     r.OverallPassed,
		ExitCode:   r.ExitCode(),
		Suite:      r.SuitePath,
		Executable: r.Executable,
		StartedAt:  r.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		DurationMS: r.Duration.Milliseconds(),
		Cases:      make([]jsonCase, 0, len(r.Cases)),
		Skipped:    r.Skipped,
	}
	for _, cr := range r.Cases {
		jc := jsonCase{
			ID:          cr.ID(),
			Passed:      cr.Passed(),
			Outcome:     string(cr.Execution.Outcome),
			ExitStatus:  cr.Execution.ExitStatus,
			TimedOut:    cr.Execution.TimedOut,
			Stdout:      string(cr.Execution.Stdout),
			Stderr:      string(cr.Execution.Stderr),
			DurationMS:  cr.Execution.Duration.Milliseconds(),
			Comparisons: cr.Comparisons,
		}
		if err := cr.Err(); err != nil {
			jc.Error = err.Error()
		}
		out.Cases = append(out.Cases, jc)
	}
	for _, le := range r.LoadErrors {
		out.LoadErrors = append(out.LoadErrors, jsonError{CaseID: le.CaseID, Error: le.Err.Error()})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
