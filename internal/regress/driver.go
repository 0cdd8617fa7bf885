// Package regress drives a regression suite: it runs every declared case
// through the simulator, checks each declared artifact against its golden
// reference and folds the results into a single verdict.
//
// Cases run strictly one after another. The process working directory is
// treated as shared state: it is recorded before each case and verified (and
// if necessary restored) afterwards. Failing to restore it is the only
// condition that aborts a run, since every later case would otherwise resolve
// paths against the wrong directory.
package regress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nvandessel/simregress/internal/compare"
	"github.com/nvandessel/simregress/internal/logging"
	"github.com/nvandessel/simregress/internal/runner"
	"github.com/nvandessel/simregress/internal/suite"
	"golang.org/x/sync/errgroup"
)

// DefaultCompareWorkers bounds concurrent artifact comparisons within a case.
const DefaultCompareWorkers = 4

// CaseRunner runs a single case. *runner.Runner implements it.
type CaseRunner interface {
	Run(ctx context.Context, tc suite.TestCase, executable string, timeout time.Duration) runner.ExecutionResult
}

// Options tunes a Driver.
type Options struct {
	// Timeout overrides the suite's per-case timeout when positive.
	Timeout time.Duration

	// FailFast stops the run after the first failing case. The remaining
	// cases are listed as skipped.
	FailFast bool

	// CompareWorkers bounds concurrent comparisons within one case.
	CompareWorkers int

	// StrictEmpty fails a suite that declares no cases instead of passing
	// it vacuously.
	StrictEmpty bool
}

// Driver orchestrates a suite run.
type Driver struct {
	runner CaseRunner
	logger *slog.Logger
	events *logging.EventLogger
	opts   Options

	getwd func() (string, error)
	chdir func(string) error
}

// NewDriver creates a Driver. logger may be nil; events may be nil.
func NewDriver(r CaseRunner, logger *slog.Logger, events *logging.EventLogger, opts Options) *Driver {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.CompareWorkers <= 0 {
		opts.CompareWorkers = DefaultCompareWorkers
	}
	return &Driver{
		runner: r,
		logger: logger,
		events: events,
		opts:   opts,
		getwd:  os.Getwd,
		chdir:  os.Chdir,
	}
}

// RunSuite runs every loaded case of s in declared order against executable.
// An empty executable falls back to the one declared by the suite.
//
// Per-case failures never produce an error; they are recorded in the
// report. The returned error is non-nil only for ErrWorkdirRestore, in which
// case the report is nil and the run must stop.
func (d *Driver) RunSuite(ctx context.Context, s *suite.Suite, executable string) (*SuiteReport, error) {
	if executable == "" {
		executable = s.Executable
	}
	timeout := s.Timeout
	if d.opts.Timeout > 0 {
		timeout = d.opts.Timeout
	}

	started := time.Now()
	d.logger.Info("running suite",
		"suite", s.Path,
		"cases", len(s.Cases),
		"load_errors", len(s.LoadErrors),
		"executable", executable,
		"timeout", timeout)

	for _, le := range s.LoadErrors {
		d.logger.Warn("case failed to load", "case", le.CaseID, "error", le.Err)
	}

	cases := make([]CaseReport, 0, len(s.Cases))
	var skipped []string
	for i, tc := range s.Cases {
		cr, err := d.runCase(ctx, tc, executable, timeout)
		if err != nil {
			return nil, err
		}
		cases = append(cases, cr)

		if d.opts.FailFast && !cr.Passed() {
			for _, rest := range s.Cases[i+1:] {
				skipped = append(skipped, rest.ID)
			}
			d.logger.Warn("fail-fast: stopping after failed case", "case", tc.ID, "skipped", len(skipped))
			break
		}
	}

	report := newSuiteReport(s, executable, started, cases, skipped, d.opts.StrictEmpty)
	counts := report.Counts()
	d.logger.Info("suite finished",
		"passed", report.OverallPassed,
		"cases_passed", counts.CasesPassed,
		"cases_failed", counts.CasesFailed,
		"artifacts_matched", counts.ArtifactsMatched,
		"artifacts", counts.Artifacts,
		"duration", report.Duration)
	return report, nil
}

// runCase runs one case bracketed by the working-directory guard.
func (d *Driver) runCase(ctx context.Context, tc suite.TestCase, executable string, timeout time.Duration) (cr CaseReport, err error) {
	guard, err := d.enter()
	if err != nil {
		return CaseReport{}, err
	}
	defer func() {
		if restoreErr := guard.restore(); restoreErr != nil {
			cr, err = CaseReport{}, restoreErr
		}
	}()

	d.logger.Info("running case", "case", tc.ID, "dir", tc.WorkingDirectory)
	d.events.CaseStarted(tc.ID, runner.Args(tc))

	before := stampOutputs(tc)
	res := d.runner.Run(ctx, tc, executable, timeout)
	if res.InvocationError != nil {
		d.logger.Error("case invocation failed", "case", tc.ID, "outcome", res.Outcome, "error", res.InvocationError)
	}
	if len(res.Stdout) > 0 {
		d.logger.Log(ctx, logging.LevelTrace, "simulator stdout", "case", tc.ID, "stdout", string(res.Stdout))
	}
	if len(res.Stderr) > 0 {
		d.logger.Log(ctx, logging.LevelTrace, "simulator stderr", "case", tc.ID, "stderr", string(res.Stderr))
	}

	cr = CaseReport{
		Execution:   res,
		Comparisons: d.compareOutputs(tc, before),
	}

	d.events.CaseFinished(tc.ID, string(res.Outcome), res.ExitStatus, cr.Passed(), res.Duration)
	if cr.Passed() {
		d.logger.Info("case passed", "case", tc.ID, "artifacts", len(cr.Comparisons))
	} else {
		d.logger.Warn("case failed", "case", tc.ID, "error", cr.Err())
	}
	return cr, nil
}

// compareOutputs checks every declared pair. Results keep declared order.
// Artifacts are compared even after a failed invocation so the report shows
// exactly what was or was not produced. A produced file whose stamp is
// unchanged since before the run counts as missing.
func (d *Driver) compareOutputs(tc suite.TestCase, before map[int]fileStamp) []compare.Result {
	results := make([]compare.Result, len(tc.ExpectedOutputs))

	var g errgroup.Group
	g.SetLimit(d.opts.CompareWorkers)
	for i, pair := range tc.ExpectedOutputs {
		g.Go(func() error {
			produced, reference := tc.ProducedPath(pair), tc.ReferencePath(pair)
			if st, ok := before[i]; ok && st.unchanged(produced) {
				results[i] = compare.Result{
					ProducedFile:  produced,
					ReferenceFile: reference,
					Status:        compare.StatusMissingProduced,
					Err:           ErrStaleArtifact,
				}
				return nil
			}
			results[i] = compare.Files(produced, reference)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		d.logger.Debug("artifact compared",
			"case", tc.ID,
			"produced", r.ProducedFile,
			"status", r.Status,
			"diff_lines", len(r.DiffLines))
		d.events.ArtifactCompared(tc.ID, r.ProducedFile, string(r.Status), len(r.DiffLines))
	}
	return results
}

// fileStamp is the state of a produced file before its case ran.
type fileStamp struct {
	modTime time.Time
	size    int64
}

// stampOutputs records the produced files that already exist, keyed by
// their index in the case's declared outputs.
func stampOutputs(tc suite.TestCase) map[int]fileStamp {
	stamps := make(map[int]fileStamp)
	for i, pair := range tc.ExpectedOutputs {
		info, err := os.Stat(tc.ProducedPath(pair))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		stamps[i] = fileStamp{modTime: info.ModTime(), size: info.Size()}
	}
	return stamps
}

func (s fileStamp) unchanged(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Equal(s.modTime) && info.Size() == s.size
}

// workdirGuard remembers the working directory at the start of a case.
type workdirGuard struct {
	dir   string
	getwd func() (string, error)
	chdir func(string) error
}

func (d *Driver) enter() (workdirGuard, error) {
	dir, err := d.getwd()
	if err != nil {
		return workdirGuard{}, fmt.Errorf("%w: cannot determine current directory: %v", ErrWorkdirRestore, err)
	}
	return workdirGuard{dir: dir, getwd: d.getwd, chdir: d.chdir}, nil
}

// restore puts the process back into the remembered directory if anything
// moved it.
func (g workdirGuard) restore() error {
	if cur, err := g.getwd(); err == nil && cur == g.dir {
		return nil
	}
	if err := g.chdir(g.dir); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWorkdirRestore, g.dir, err)
	}
	return nil
}
