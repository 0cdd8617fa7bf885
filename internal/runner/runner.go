// Package runner executes a single regression case against the external
// simulator and captures everything it did.
//
// The simulator is launched with its working directory set on the command
// itself; the harness process never changes its own directory. All launch
// problems, timeouts and cancellations are folded into the returned
// ExecutionResult so one bad case cannot abort a suite.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvandessel/simregress/internal/pathutil"
	"github.com/nvandessel/simregress/internal/suite"
)

// Sentinel errors wrapped by ExecutionResult.InvocationError.
var (
	ErrLaunchFailure = errors.New("launch failure")
	ErrTimeout       = errors.New("timeout")
)

// DefaultWaitDelay bounds how long Wait keeps draining output pipes after
// the simulator has been killed.
const DefaultWaitDelay = 2 * time.Second

// Outcome tags how an invocation ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeLaunchFailure Outcome = "launch-failure"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCancelled     Outcome = "cancelled"
)

// ExecutionResult captures one invocation of the simulator for one case.
type ExecutionResult struct {
	Case    suite.TestCase `json:"case"`
	Outcome Outcome        `json:"outcome"`

	// ExitStatus is the simulator's exit code. It is only meaningful when
	// Outcome is OutcomeSuccess and is -1 otherwise.
	ExitStatus int `json:"exit_status"`

	Stdout   []byte        `json:"-"`
	Stderr   []byte        `json:"-"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`

	// InvocationError is set when the simulator could not be run to
	// completion: launch failure, timeout or cancellation.
	InvocationError error `json:"-"`
}

// Failed reports whether the invocation itself failed, independent of the
// artifacts it produced.
func (r ExecutionResult) Failed() bool {
	return r.InvocationError != nil || r.TimedOut
}

// Runner launches the simulator for individual cases.
type Runner struct {
	// Env holds extra KEY=VALUE entries appended to the inherited environment.
	Env []string

	// WaitDelay overrides DefaultWaitDelay when positive.
	WaitDelay time.Duration

	logger *slog.Logger
}

// New creates a Runner. A nil logger discards log output.
func New(logger *slog.Logger, env map[string]string) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runner{logger: logger}
	for k, v := range env {
		r.Env = append(r.Env, k+"="+v)
	}
	return r
}

// Run invokes executable for tc and waits for it to exit or for timeout to
// elapse. A zero timeout waits indefinitely. Run never returns an error:
// every failure is recorded on the result.
func (r *Runner) Run(ctx context.Context, tc suite.TestCase, executable string, timeout time.Duration) ExecutionResult {
	res := ExecutionResult{Case: tc, Outcome: OutcomeSuccess, ExitStatus: -1}

	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeCancelled
		res.InvocationError = fmt.Errorf("case %s not started: %w", tc.ID, err)
		return res
	}

	exe, err := resolveExecutable(executable)
	if err != nil {
		return launchFailure(res, err)
	}
	if err := checkWorkingDirectory(tc.WorkingDirectory); err != nil {
		return launchFailure(res, err)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := Args(tc)
	cmd := exec.CommandContext(runCtx, exe, args...)
	cmd.Dir = tc.WorkingDirectory
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	isolateProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = DefaultWaitDelay
	if r.WaitDelay > 0 {
		cmd.WaitDelay = r.WaitDelay
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("launching simulator", "case", tc.ID, "exe", exe, "args", args, "dir", tc.WorkingDirectory)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return launchFailure(res, fmt.Errorf("starting %s: %w", pathutil.RedactPath(exe), err))
	}
	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	switch {
	case waitErr == nil:
		res.ExitStatus = 0
	case ctx.Err() != nil:
		res.Outcome = OutcomeCancelled
		res.InvocationError = fmt.Errorf("case %s cancelled: %w", tc.ID, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Outcome = OutcomeTimeout
		res.TimedOut = true
		res.InvocationError = fmt.Errorf("%w: case %s exceeded %v", ErrTimeout, tc.ID, timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitStatus = exitErr.ExitCode()
		} else {
			return launchFailure(res, fmt.Errorf("waiting for simulator: %w", waitErr))
		}
	}

	r.logger.Debug("simulator finished",
		"case", tc.ID,
		"outcome", res.Outcome,
		"exit_status", res.ExitStatus,
		"duration", res.Duration)

	return res
}

// Args builds the simulator argument list for tc:
// manifest, then input and supervisor when declared. Files inside the
// working directory are passed by relative name.
func Args(tc suite.TestCase) []string {
	args := []string{argPath(tc.WorkingDirectory, tc.ManifestPath)}
	if tc.InputPath != "" {
		args = append(args, argPath(tc.WorkingDirectory, tc.InputPath))
		if tc.SupervisorPath != "" {
			args = append(args, argPath(tc.WorkingDirectory, tc.SupervisorPath))
		}
	}
	return args
}

func argPath(workdir, p string) string {
	rel, err := filepath.Rel(workdir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

// resolveExecutable returns an absolute path to the simulator. Bare names are
// looked up on PATH; anything else must exist as a regular file.
func resolveExecutable(executable string) (string, error) {
	if executable == "" {
		return "", fmt.Errorf("no simulator executable configured")
	}
	if !strings.ContainsRune(executable, filepath.Separator) && !strings.ContainsRune(executable, '/') {
		p, err := exec.LookPath(executable)
		if err != nil {
			return "", fmt.Errorf("simulator %q not found on PATH: %w", executable, err)
		}
		return p, nil
	}

	abs, err := filepath.Abs(executable)
	if err != nil {
		return "", fmt.Errorf("resolving simulator path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("simulator %s: %w", pathutil.RedactPath(abs), err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("simulator %s is a directory", pathutil.RedactPath(abs))
	}
	return abs, nil
}

func checkWorkingDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("working directory %s: %w", pathutil.RedactPath(dir), err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %s is not a directory", pathutil.RedactPath(dir))
	}
	return nil
}

func launchFailure(res ExecutionResult, err error) ExecutionResult {
	res.Outcome = OutcomeLaunchFailure
	res.ExitStatus = -1
	res.InvocationError = fmt.Errorf("%w: %w", ErrLaunchFailure, err)
	return res
}
