package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nvandessel/simregress/internal/suite"
)

// writeSimulator writes an executable shell script standing in for the simulator.
func writeSimulator(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script simulators require a POSIX shell")
	}
	path := filepath.Join(dir, "nemosim")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("Failed to write simulator: %v", err)
	}
	return path
}

// newCase creates a case directory containing a manifest.
func newCase(t *testing.T, root, id string) suite.TestCase {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create case dir: %v", err)
	}
	manifest := filepath.Join(dir, "test.xml")
	if err := os.WriteFile(manifest, []byte("<network/>"), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	return suite.TestCase{ID: id, ManifestPath: manifest, WorkingDirectory: dir}
}

func TestRun_Success(t *testing.T) {
	root := t.TempDir()
	exe := writeSimulator(t, root, `echo "args: $*"
echo "warming up" >&2
pwd > where.txt
`)
	tc := newCase(t, root, "lif")
	tc.InputPath = filepath.Join(tc.WorkingDirectory, "input.txt")

	res := New(nil, nil).Run(context.Background(), tc, exe, 5*time.Second)

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %q, want success (err: %v)", res.Outcome, res.InvocationError)
	}
	if res.Failed() {
		t.Error("Failed() = true, want false")
	}
	if res.ExitStatus != 0 {
		t.Errorf("ExitStatus = %d, want 0", res.ExitStatus)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "args: test.xml input.txt" {
		t.Errorf("Stdout = %q", got)
	}
	if got := strings.TrimSpace(string(res.Stderr)); got != "warming up" {
		t.Errorf("Stderr = %q", got)
	}

	where, err := os.ReadFile(filepath.Join(tc.WorkingDirectory, "where.txt"))
	if err != nil {
		t.Fatalf("simulator did not run in the case directory: %v", err)
	}
	wantDir, _ := filepath.EvalSymlinks(tc.WorkingDirectory)
	gotDir, _ := filepath.EvalSymlinks(strings.TrimSpace(string(where)))
	if gotDir != wantDir {
		t.Errorf("simulator cwd = %q, want %q", gotDir, wantDir)
	}
}

func TestRun_DoesNotChangeProcessDirectory(t *testing.T) {
	root := t.TempDir()
	exe := writeSimulator(t, root, "exit 0\n")
	tc := newCase(t, root, "c")

	before, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	New(nil, nil).Run(context.Background(), tc, exe, 0)
	after, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Errorf("cwd changed from %q to %q", before, after)
	}
}

func TestRun_NonZeroExitIsRecorded(t *testing.T) {
	root := t.TempDir()
	exe := writeSimulator(t, root, "echo 'Failed to parse network configuration.' >&2\nexit 3\n")
	tc := newCase(t, root, "c")

	res := New(nil, nil).Run(context.Background(), tc, exe, 0)

	if res.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", res.Outcome)
	}
	if res.ExitStatus != 3 {
		t.Errorf("ExitStatus = %d, want 3", res.ExitStatus)
	}
	if res.InvocationError != nil {
		t.Errorf("InvocationError = %v, want nil", res.InvocationError)
	}
}

func TestRun_LaunchFailures(t *testing.T) {
	root := t.TempDir()
	exe := writeSimulator(t, root, "exit 0\n")
	tc := newCase(t, root, "c")

	notExecutable := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(notExecutable, []byte("not a program"), 0644); err != nil {
		t.Fatal(err)
	}

	missingDir := tc
	missingDir.WorkingDirectory = filepath.Join(root, "gone")

	tests := []struct {
		name string
		tc   suite.TestCase
		exe  string
	}{
		{"missing executable", tc, filepath.Join(root, "no-such-sim")},
		{"executable is directory", tc, root},
		{"not executable", tc, notExecutable},
		{"not on PATH", tc, "simregress-no-such-binary"},
		{"empty executable", tc, ""},
		{"missing working directory", missingDir, exe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(nil, nil).Run(context.Background(), tt.tc, tt.exe, time.Second)
			if res.Outcome != OutcomeLaunchFailure {
				t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeLaunchFailure)
			}
			if !errors.Is(res.InvocationError, ErrLaunchFailure) {
				t.Errorf("InvocationError = %v, want ErrLaunchFailure", res.InvocationError)
			}
			if res.ExitStatus != -1 {
				t.Errorf("ExitStatus = %d, want -1", res.ExitStatus)
			}
			if !res.Failed() {
				t.Error("Failed() = false, want true")
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	root := t.TempDir()
	exe := writeSimulator(t, root, "echo started\nsleep 30\necho never\n")
	tc := newCase(t, root, "slow")

	start := time.Now()
	res := New(nil, nil).Run(context.Background(), tc, exe, 200*time.Millisecond)
	elapsed := time.Since(start)

	if !res.TimedOut {
		t.Fatalf("TimedOut = false (outcome %q, err %v)", res.Outcome, res.InvocationError)
	}
	if res.Outcome != OutcomeTimeout {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeTimeout)
	}
	if !errors.Is(res.InvocationError, ErrTimeout) {
		t.Errorf("InvocationError = %v, want ErrTimeout", res.InvocationError)
	}
	if res.ExitStatus != -1 {
		t.Errorf("ExitStatus = %d, want -1", res.ExitStatus)
	}
	if elapsed > 10*time.Second {
		t.Errorf("Run took %v; simulator was not terminated", elapsed)
	}
	if strings.Contains(string(res.Stdout), "never") {
		t.Error("simulator kept running after timeout")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	root := t.TempDir()
	exe := writeSimulator(t, root, "exit 0\n")
	tc := newCase(t, root, "c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(nil, nil).Run(ctx, tc, exe, 0)
	if res.Outcome != OutcomeCancelled {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeCancelled)
	}
	if !errors.Is(res.InvocationError, context.Canceled) {
		t.Errorf("InvocationError = %v, want context.Canceled", res.InvocationError)
	}
}

func TestRun_ExtraEnv(t *testing.T) {
	root := t.TempDir()
	exe := writeSimulator(t, root, "echo \"$NEMO_SEED\"\n")
	tc := newCase(t, root, "c")

	res := New(nil, map[string]string{"NEMO_SEED": "42"}).Run(context.Background(), tc, exe, 0)
	if got := strings.TrimSpace(string(res.Stdout)); got != "42" {
		t.Errorf("Stdout = %q, want 42", got)
	}
}

func TestArgs(t *testing.T) {
	tests := []struct {
		name string
		tc   suite.TestCase
		want []string
	}{
		{
			"manifest only",
			suite.TestCase{WorkingDirectory: "/w", ManifestPath: "/w/test.xml"},
			[]string{"test.xml"},
		},
		{
			"manifest and input",
			suite.TestCase{WorkingDirectory: "/w", ManifestPath: "/w/test.xml", InputPath: "/w/data/in.txt"},
			[]string{"test.xml", filepath.Join("data", "in.txt")},
		},
		{
			"supervisor after input",
			suite.TestCase{WorkingDirectory: "/w", ManifestPath: "/w/test.xml", InputPath: "/w/in.txt", SupervisorPath: "/w/sup.xml"},
			[]string{"test.xml", "in.txt", "sup.xml"},
		},
		{
			"supervisor ignored without input",
			suite.TestCase{WorkingDirectory: "/w", ManifestPath: "/w/test.xml", SupervisorPath: "/w/sup.xml"},
			[]string{"test.xml"},
		},
		{
			"outside working directory stays absolute",
			suite.TestCase{WorkingDirectory: "/w/run", ManifestPath: "/w/test.xml"},
			[]string{"/w/test.xml"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if runtime.GOOS == "windows" {
				t.Skip("POSIX paths")
			}
			if diff := cmp.Diff(tt.want, Args(tt.tc)); diff != "" {
				t.Errorf("Args() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
