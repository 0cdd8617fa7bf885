package regress

import (
	"errors"
	"fmt"
	"time"

	"github.com/nvandessel/simregress/internal/compare"
	"github.com/nvandessel/simregress/internal/runner"
	"github.com/nvandessel/simregress/internal/suite"
)

// Failure taxonomy. Launch failures and timeouts come from the runner.
var (
	ErrLaunchFailure   = runner.ErrLaunchFailure
	ErrTimeout         = runner.ErrTimeout
	ErrMissingArtifact = errors.New("missing artifact")
	ErrContentMismatch = errors.New("content mismatch")

	// ErrStaleArtifact marks a produced file left over from an earlier run:
	// it existed before the case started and the simulator never touched it.
	ErrStaleArtifact = errors.New("produced file not written by this run")

	// ErrWorkdirRestore is the only fatal condition: the harness could not
	// return to its original working directory after a case.
	ErrWorkdirRestore = errors.New("failed to restore working directory")
)

// CaseReport holds everything observed for one case.
type CaseReport struct {
	Execution   runner.ExecutionResult `json:"execution"`
	Comparisons []compare.Result       `json:"comparisons"`
}

// ID returns the case identity.
func (c CaseReport) ID() string {
	return c.Execution.Case.ID
}

// Passed reports whether the case ran cleanly and every artifact matched.
// A case with no declared outputs passes its comparison phase vacuously.
func (c CaseReport) Passed() bool {
	if c.Execution.Failed() {
		return false
	}
	for _, cr := range c.Comparisons {
		if !cr.Passed() {
			return false
		}
	}
	return true
}

// Err folds every failure of the case into one error, or nil if it passed.
// The result matches the package sentinels with errors.Is.
func (c CaseReport) Err() error {
	var errs []error
	if c.Execution.InvocationError != nil {
		errs = append(errs, c.Execution.InvocationError)
	}
	for _, cr := range c.Comparisons {
		switch cr.Status {
		case compare.StatusMatch:
		case compare.StatusMismatch:
			errs = append(errs, fmt.Errorf("%w: %s differs from reference on %d line(s)",
				ErrContentMismatch, cr.ProducedFile, len(cr.DiffLines)))
		case compare.StatusMissingProduced:
			if cr.Err != nil {
				errs = append(errs, fmt.Errorf("%w: produced file %s: %w", ErrMissingArtifact, cr.ProducedFile, cr.Err))
			} else {
				errs = append(errs, fmt.Errorf("%w: produced file %s", ErrMissingArtifact, cr.ProducedFile))
			}
		case compare.StatusMissingReference:
			errs = append(errs, fmt.Errorf("%w: reference file %s", ErrMissingArtifact, cr.ReferenceFile))
		}
	}
	return errors.Join(errs...)
}

// Counts summarizes a suite report.
type Counts struct {
	Cases             int
	CasesPassed       int
	CasesFailed       int
	LoadErrors        int
	Skipped           int
	Artifacts         int
	ArtifactsMatched  int
	InvocationFailure int
}

// SuiteReport is the immutable outcome of one suite run.
type SuiteReport struct {
	SuitePath  string            `json:"suite_path,omitempty"`
	Executable string            `json:"executable"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
	Cases      []CaseReport      `json:"cases"`
	LoadErrors []suite.LoadError `json:"-"`

	// Skipped lists cases not run because an earlier case failed in fail-fast mode.
	Skipped []string `json:"skipped,omitempty"`

	OverallPassed bool `json:"overall_passed"`

	byID map[string]int
}

// newSuiteReport computes the verdict once and freezes the report.
func newSuiteReport(s *suite.Suite, executable string, started time.Time, cases []CaseReport, skipped []string, strictEmpty bool) *SuiteReport {
	r := &SuiteReport{
		SuitePath:  s.Path,
		Executable: executable,
		StartedAt:  started,
		Duration:   time.Since(started),
		Cases:      cases,
		LoadErrors: s.LoadErrors,
		Skipped:    skipped,
		byID:       make(map[string]int, len(cases)),
	}
	for i, c := range cases {
		r.byID[c.ID()] = i
	}
	r.OverallPassed = verdict(cases, s.LoadErrors, skipped)
	if strictEmpty && s.Len() == 0 {
		r.OverallPassed = false
	}
	return r
}

// verdict is true iff no case failed to load or was skipped, every
// invocation completed, and every comparison matched. An empty suite passes.
func verdict(cases []CaseReport, loadErrors []suite.LoadError, skipped []string) bool {
	if len(loadErrors) > 0 || len(skipped) > 0 {
		return false
	}
	for _, c := range cases {
		if !c.Passed() {
			return false
		}
	}
	return true
}

// Case looks up a case report by id.
func (r *SuiteReport) Case(id string) (*CaseReport, bool) {
	i, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return &r.Cases[i], true
}

// Counts tallies cases and artifacts.
func (r *SuiteReport) Counts() Counts {
	c := Counts{
		Cases:      len(r.Cases),
		LoadErrors: len(r.LoadErrors),
		Skipped:    len(r.Skipped),
	}
	for _, cr := range r.Cases {
		if cr.Passed() {
			c.CasesPassed++
		} else {
			c.CasesFailed++
		}
		if cr.Execution.Failed() {
			c.InvocationFailure++
		}
		for _, cmp := range cr.Comparisons {
			c.Artifacts++
			if cmp.Passed() {
				c.ArtifactsMatched++
			}
		}
	}
	return c
}

// ExitCode maps the verdict to the process exit code used for CI gating.
func (r *SuiteReport) ExitCode() int {
	if r.OverallPassed {
		return 0
	}
	return 1
}
