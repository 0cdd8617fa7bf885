package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nvandessel/simregress/internal/bundle"
	"github.com/nvandessel/simregress/internal/config"
	"github.com/nvandessel/simregress/internal/suite"
)

// copySimulator copies every <name>_ref.txt in the working directory to <name>.txt.
const copySimulator = `for ref in *_ref.txt; do
  [ -e "$ref" ] || continue
  cp "$ref" "${ref%_ref.txt}.txt"
done
`

// setupProject creates root/sim (a shell simulator), a case directory with a
// manifest and one golden file, and root/regress.yaml.
func setupProject(t *testing.T, simBody string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script simulators require a POSIX shell")
	}
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(root, "sim"), []byte("#!/bin/sh\n"+simBody), 0755); err != nil {
		t.Fatal(err)
	}
	caseDir := filepath.Join(root, "SNN", "LIF")
	if err := os.MkdirAll(caseDir, 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"test1.xml":     "<network/>",
		"vms00_ref.txt": "-65.0\n-64.2\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(caseDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	data := `executable: ./sim
cases:
  - id: lif
    manifest: SNN/LIF/test1.xml
    outputs: [vms00.txt]
`
	if err := os.WriteFile(filepath.Join(root, suite.DefaultFileName), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestRun_PassRecordsHistory(t *testing.T) {
	root := setupProject(t, copySimulator)
	h := New(config.Default(), nil)

	res, err := h.Run(context.Background(), Request{Root: root})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Passed() || res.ExitCode() != 0 {
		t.Fatalf("Passed() = false: %+v", res.Report.Cases)
	}
	if res.RunID == 0 {
		t.Errorf("RunID = 0, want recorded run (warnings: %v)", res.Warnings)
	}

	store, err := h.History(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || !runs[0].Passed {
		t.Errorf("history = %+v", runs)
	}
}

func TestRun_FailureWritesBundle(t *testing.T) {
	root := setupProject(t, copySimulator+"echo '-1.0' >> vms00.txt\n")
	h := New(config.Default(), nil)

	res, err := h.Run(context.Background(), Request{Root: root, BundlePath: AutoBundle, NoHistory: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Passed() || res.ExitCode() != 1 {
		t.Fatal("Passed() = true, want failure for appended line")
	}
	if res.RunID != 0 {
		t.Errorf("RunID = %d with NoHistory", res.RunID)
	}
	if res.Bundle == nil {
		t.Fatalf("no bundle written (warnings: %v)", res.Warnings)
	}
	if !strings.HasPrefix(res.BundlePath, filepath.Join(root, ".simregress", "bundles")) {
		t.Errorf("BundlePath = %q", res.BundlePath)
	}
	if err := bundle.Verify(res.BundlePath); err != nil {
		t.Errorf("bundle does not verify: %v", err)
	}
}

func TestRun_PassingRunSkipsBundle(t *testing.T) {
	root := setupProject(t, copySimulator)
	res, err := New(nil, nil).Run(context.Background(), Request{Root: root, BundlePath: "out.simb", NoHistory: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Bundle != nil {
		t.Error("bundle written for passing run")
	}
	if _, err := os.Stat(filepath.Join(root, "out.simb")); !os.IsNotExist(err) {
		t.Errorf("out.simb exists: %v", err)
	}
}

func TestRun_MissingSuite(t *testing.T) {
	_, err := New(nil, nil).Run(context.Background(), Request{Root: t.TempDir()})
	if err == nil {
		t.Fatal("Run() error = nil for missing suite file")
	}
}

func TestRun_EmptySuite(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, suite.DefaultFileName), []byte("cases: []\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		strict bool
		want   int
	}{
		{"vacuous pass", false, 0},
		{"strict", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(nil, nil).Run(context.Background(), Request{Root: root, StrictEmpty: tt.strict, NoHistory: true})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !res.Empty {
				t.Error("Empty = false")
			}
			if res.ExitCode() != tt.want {
				t.Errorf("ExitCode() = %d, want %d", res.ExitCode(), tt.want)
			}
		})
	}
}

func TestResolve_Precedence(t *testing.T) {
	cfg := config.Default()
	cfg.Executable = "/cfg/sim"
	cfg.Timeout = 3 * time.Minute
	cfg.Env = map[string]string{"A": "cfg", "B": "cfg"}

	withSuite := &suite.Suite{
		Path:       "/p/regress.yaml",
		Executable: "/suite/sim",
		Timeout:    time.Minute,
		TimeoutSet: true,
		Env:        map[string]string{"B": "suite"},
		Cases:      []suite.TestCase{{ID: "a"}},
	}
	bare := &suite.Suite{Cases: []suite.TestCase{{ID: "a"}}}
	noLimit := &suite.Suite{TimeoutSet: true, Cases: []suite.TestCase{{ID: "a"}}}

	tests := []struct {
		name        string
		req         Request
		s           *suite.Suite
		wantExe     string
		wantTimeout time.Duration
	}{
		{"request wins", Request{Executable: "/flag/sim", Timeout: time.Second}, withSuite, "/flag/sim", time.Second},
		{"suite over config", Request{}, withSuite, "/suite/sim", time.Minute},
		{"config fallback", Request{}, bare, "/cfg/sim", 3 * time.Minute},
		{"suite zero disables config timeout", Request{}, noLimit, "/cfg/sim", 0},
		{"request still overrides suite zero", Request{Timeout: time.Second}, noLimit, "/cfg/sim", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := New(cfg, nil).Resolve(tt.req, tt.s)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if st.Executable != tt.wantExe {
				t.Errorf("Executable = %q, want %q", st.Executable, tt.wantExe)
			}
			if st.Timeout != tt.wantTimeout {
				t.Errorf("Timeout = %v, want %v", st.Timeout, tt.wantTimeout)
			}
		})
	}

	st, err := New(cfg, nil).Resolve(Request{}, withSuite)
	if err != nil {
		t.Fatal(err)
	}
	if st.Env["A"] != "cfg" || st.Env["B"] != "suite" {
		t.Errorf("Env = %v, want suite to override config", st.Env)
	}
}

func TestResolve_Errors(t *testing.T) {
	s := &suite.Suite{Cases: []suite.TestCase{{ID: "a"}}}
	root := t.TempDir()

	if _, err := New(nil, nil).Resolve(Request{Root: root}, s); !errors.Is(err, ErrNoExecutable) {
		t.Errorf("Resolve() error = %v, want ErrNoExecutable", err)
	}

	outside := filepath.Join(string(filepath.Separator), "simregress-outside", "b.simb")
	req := Request{Root: root, Executable: "sim", BundlePath: outside}
	if _, err := New(nil, nil).Resolve(req, s); err == nil || !strings.Contains(err.Error(), "bundle path") {
		t.Errorf("Resolve() error = %v, want bundle path rejection", err)
	}
}

func TestResolve_HistoryFlags(t *testing.T) {
	cfg := config.Default()
	s := &suite.Suite{}

	st, err := New(cfg, nil).Resolve(Request{}, s)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Record {
		t.Error("Record = false with history enabled")
	}

	st, err = New(cfg, nil).Resolve(Request{NoHistory: true}, s)
	if err != nil {
		t.Fatal(err)
	}
	if st.Record {
		t.Error("Record = true with NoHistory")
	}
}

func TestLoadSuite_SelectCases(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"a", "b", "c"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, dir, "test.xml"), []byte("<network/>"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	data := `cases:
  - {id: a, manifest: a/test.xml}
  - {id: b, manifest: b/test.xml}
  - {id: c, manifest: c/test.xml}
  - {id: broken, manifest: gone/test.xml}
`
	if err := os.WriteFile(filepath.Join(root, suite.DefaultFileName), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	h := New(nil, nil)

	s, _, err := h.LoadSuite(Request{Root: root, Cases: []string{"c", "a", "broken"}})
	if err != nil {
		t.Fatalf("LoadSuite() error = %v", err)
	}
	if len(s.Cases) != 2 || s.Cases[0].ID != "a" || s.Cases[1].ID != "c" {
		t.Errorf("Cases = %+v, want a, c in suite order", s.Cases)
	}
	if len(s.LoadErrors) != 1 || s.LoadErrors[0].CaseID != "broken" {
		t.Errorf("LoadErrors = %v", s.LoadErrors)
	}

	if _, _, err := h.LoadSuite(Request{Root: root, Cases: []string{"a", "zzz"}}); err == nil || !strings.Contains(err.Error(), "zzz") {
		t.Errorf("LoadSuite() error = %v, want unknown case zzz", err)
	}
}

func TestRun_AutoBundleRetention(t *testing.T) {
	root := setupProject(t, copySimulator+"echo '-1.0' >> vms00.txt\n")
	dir := filepath.Join(root, ".simregress", "bundles")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		name := bundle.DefaultName(old.Add(time.Duration(i) * time.Second))
		if err := os.WriteFile(filepath.Join(dir, name), []byte("stale"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.Default()
	cfg.Bundle.Keep = 2
	res, err := New(cfg, nil).Run(context.Background(), Request{Root: root, BundlePath: AutoBundle, NoHistory: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Bundle == nil {
		t.Fatalf("no bundle written (warnings: %v)", res.Warnings)
	}

	left, err := bundle.List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 || left[0].Path != res.BundlePath {
		t.Errorf("bundles left = %+v, want new bundle plus one", left)
	}
}
