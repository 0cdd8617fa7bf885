// Package harness performs a complete regression run: it resolves settings
// from flags, the suite file and user configuration, drives the suite, and
// records the outcome in the run history and, on failure, a bundle.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nvandessel/simregress/internal/bundle"
	"github.com/nvandessel/simregress/internal/config"
	"github.com/nvandessel/simregress/internal/history"
	"github.com/nvandessel/simregress/internal/logging"
	"github.com/nvandessel/simregress/internal/pathutil"
	"github.com/nvandessel/simregress/internal/regress"
	"github.com/nvandessel/simregress/internal/runner"
	"github.com/nvandessel/simregress/internal/suite"
)

// AutoBundle asks for a bundle at the default location below the root.
const AutoBundle = "auto"

// ErrNoExecutable is returned when no simulator is configured anywhere.
var ErrNoExecutable = errors.New("no simulator executable configured (use --exe, the suite's executable key, or config executable)")

// Request holds per-run overrides. Zero values defer to the suite file, then
// to the user configuration.
type Request struct {
	// Root is the project root; relative suite and bundle paths resolve
	// against it. Empty means the current directory.
	Root string

	SuitePath  string
	Executable string
	Timeout    time.Duration

	// FailFast and StrictEmpty are OR-ed with the configured values.
	FailFast    bool
	StrictEmpty bool

	// BundlePath requests a failure bundle. AutoBundle picks a default name.
	BundlePath string

	// NoHistory skips recording even when history is enabled.
	NoHistory bool

	// Cases restricts the run to the named cases, in suite order.
	Cases []string
}

// Settings are the effective values for one run.
type Settings struct {
	Root        string
	SuitePath   string
	Executable  string
	Timeout     time.Duration
	FailFast    bool
	StrictEmpty bool
	Env         map[string]string
	BundlePath  string
	HistoryDir  string
	HistoryKeep int
	Record      bool
}

// Result is the outcome of Run.
type Result struct {
	Settings Settings
	Suite    *suite.Suite
	Report   *regress.SuiteReport

	// Empty is set when the suite declared no cases at all.
	Empty bool

	// RunID is the history id, zero when the run was not recorded.
	RunID int64

	// Bundle is set when a failure bundle was written.
	Bundle     *bundle.Header
	BundlePath string

	// Warnings collects non-fatal problems (history, bundle).
	Warnings []string
}

// Passed reports the run verdict.
func (r *Result) Passed() bool {
	return r.Report.OverallPassed
}

// ExitCode maps the outcome to the process exit code.
func (r *Result) ExitCode() int {
	if r.Passed() {
		return 0
	}
	return 1
}

// Harness runs suites with a fixed user configuration.
type Harness struct {
	cfg    *config.SimregressConfig
	logger *slog.Logger
}

// New creates a Harness. A nil cfg uses config.Default; a nil logger discards.
func New(cfg *config.SimregressConfig, logger *slog.Logger) *Harness {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Harness{cfg: cfg, logger: logger}
}

// LoadSuite resolves the suite path for req and loads it.
func (h *Harness) LoadSuite(req Request) (*suite.Suite, string, error) {
	root, err := rootDir(req.Root)
	if err != nil {
		return nil, "", err
	}
	path := req.SuitePath
	if path == "" {
		path = h.cfg.Suite
	}
	if path == "" {
		path = suite.DefaultFileName
	}
	path = absUnder(root, path)

	s, err := suite.Load(path)
	if err != nil {
		return nil, path, err
	}
	if len(req.Cases) > 0 {
		if err := selectCases(s, req.Cases); err != nil {
			return nil, path, err
		}
	}
	return s, path, nil
}

// selectCases narrows s to the named cases. Naming a case the suite does not
// declare is an error.
func selectCases(s *suite.Suite, ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var cases []suite.TestCase
	for _, tc := range s.Cases {
		if want[tc.ID] {
			cases = append(cases, tc)
			delete(want, tc.ID)
		}
	}
	var loadErrors []suite.LoadError
	for _, le := range s.LoadErrors {
		if want[le.CaseID] {
			loadErrors = append(loadErrors, le)
			delete(want, le.CaseID)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for _, id := range ids {
			if want[id] {
				missing = append(missing, id)
			}
		}
		return fmt.Errorf("unknown case(s): %s", strings.Join(missing, ", "))
	}

	s.Cases = cases
	s.LoadErrors = loadErrors
	return nil
}

// Resolve computes the effective settings for a loaded suite. Precedence is
// request, then suite file, then configuration.
func (h *Harness) Resolve(req Request, s *suite.Suite) (Settings, error) {
	root, err := rootDir(req.Root)
	if err != nil {
		return Settings{}, err
	}

	st := Settings{
		Root:        root,
		SuitePath:   s.Path,
		FailFast:    req.FailFast || h.cfg.FailFast,
		StrictEmpty: req.StrictEmpty || h.cfg.StrictEmpty,
		HistoryKeep: h.cfg.History.Keep,
		Record:      h.cfg.History.Enabled && !req.NoHistory,
	}

	switch {
	case req.Executable != "":
		st.Executable = req.Executable
	case s.Executable != "":
		st.Executable = s.Executable
	default:
		st.Executable = h.cfg.Executable
	}
	if st.Executable == "" && len(s.Cases) > 0 {
		return Settings{}, ErrNoExecutable
	}

	switch {
	case req.Timeout > 0:
		st.Timeout = req.Timeout
	case s.TimeoutSet:
		st.Timeout = s.Timeout
	default:
		st.Timeout = h.cfg.Timeout
	}

	st.Env = make(map[string]string, len(h.cfg.Env)+len(s.Env))
	for k, v := range h.cfg.Env {
		st.Env[k] = v
	}
	for k, v := range s.Env {
		st.Env[k] = v
	}

	st.HistoryDir = filepath.Join(root, config.DirName)
	if h.cfg.History.Dir != "" {
		st.HistoryDir = absUnder(root, h.cfg.History.Dir)
	}

	if req.BundlePath != "" {
		if req.BundlePath == AutoBundle {
			st.BundlePath = filepath.Join(pathutil.BundleDir(root), bundle.DefaultName(time.Now()))
		} else {
			st.BundlePath = absUnder(root, req.BundlePath)
		}
		if err := pathutil.ValidatePath(st.BundlePath, pathutil.DefaultBundleDirs(root)); err != nil {
			return Settings{}, fmt.Errorf("bundle path: %w", err)
		}
	}

	return st, nil
}

// Run loads the suite, runs it and records the outcome. The returned error
// is non-nil only when the run could not take place or had to be aborted;
// failing cases are reported through Result.
func (h *Harness) Run(ctx context.Context, req Request) (*Result, error) {
	s, _, err := h.LoadSuite(req)
	if err != nil {
		return nil, err
	}
	st, err := h.Resolve(req, s)
	if err != nil {
		return nil, err
	}

	runID := strconv.FormatInt(time.Now().UnixNano(), 36)
	events := logging.NewEventLogger(filepath.Join(st.Root, config.DirName), h.cfg.Logging.Level, runID)
	defer events.Close()

	driver := regress.NewDriver(runner.New(h.logger, st.Env), h.logger, events, regress.Options{
		Timeout:     st.Timeout,
		FailFast:    st.FailFast,
		StrictEmpty: st.StrictEmpty,
	})
	rep, err := driver.RunSuite(ctx, s, st.Executable)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Settings: st,
		Suite:    s,
		Report:   rep,
		Empty:    s.Len() == 0,
	}
	if res.Empty {
		h.logger.Warn("suite declares no cases", "suite", s.Path, "strict", st.StrictEmpty)
	}

	if st.Record {
		h.record(ctx, res)
	}
	if st.BundlePath != "" && !res.Passed() {
		header, err := bundle.Save(st.BundlePath, rep)
		if err != nil {
			res.warn("failed to write bundle: %v", err)
		} else {
			res.Bundle = header
			res.BundlePath = st.BundlePath
			h.logger.Info("wrote failure bundle", "path", st.BundlePath, "files", header.FileCount)

			if filepath.Dir(st.BundlePath) == pathutil.BundleDir(st.Root) {
				if _, err := h.PruneBundles(st.Root); err != nil {
					res.warn("failed to prune bundles: %v", err)
				}
			}
		}
	}

	return res, nil
}

// History opens the run history for req's root.
func (h *Harness) History(ctx context.Context, root string) (*history.Store, error) {
	root, err := rootDir(root)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, config.DirName)
	if h.cfg.History.Dir != "" {
		dir = absUnder(root, h.cfg.History.Dir)
	}
	return history.Open(ctx, dir)
}

// PruneBundles applies the configured bundle retention to the generated
// bundles below root and returns the removed paths.
func (h *Harness) PruneBundles(root string) ([]string, error) {
	root, err := rootDir(root)
	if err != nil {
		return nil, err
	}
	policy, err := bundle.NewPolicy(h.cfg.Bundle.Keep, h.cfg.Bundle.MaxAge, h.cfg.Bundle.MaxSize)
	if err != nil {
		return nil, err
	}
	deleted, err := bundle.ApplyRetention(pathutil.BundleDir(root), policy)
	if len(deleted) > 0 {
		h.logger.Debug("pruned failure bundles", "removed", len(deleted))
	}
	return deleted, err
}

func (h *Harness) record(ctx context.Context, res *Result) {
	store, err := history.Open(ctx, res.Settings.HistoryDir)
	if err != nil {
		res.warn("failed to open run history: %v", err)
		return
	}
	defer store.Close()

	id, err := store.Record(ctx, res.Report)
	if err != nil {
		res.warn("failed to record run: %v", err)
		return
	}
	res.RunID = id
	h.logger.Debug("recorded run", "id", id, "db", store.Path())

	if res.Settings.HistoryKeep > 0 {
		if n, err := store.Prune(ctx, res.Settings.HistoryKeep); err != nil {
			res.warn("failed to prune run history: %v", err)
		} else if n > 0 {
			h.logger.Debug("pruned run history", "removed", n)
		}
	}
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func rootDir(root string) (string, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	return abs, nil
}

func absUnder(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}
