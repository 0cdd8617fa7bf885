package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvandessel/simregress/internal/compare"
	"github.com/nvandessel/simregress/internal/regress"
	"github.com/nvandessel/simregress/internal/runner"
	"github.com/nvandessel/simregress/internal/suite"
)

// failingReport builds a report over real files in dir: one matching
// artifact, one mismatch and one missing reference.
func failingReport(t *testing.T, dir string) *regress.SuiteReport {
	t.Helper()
	files := map[string]string{
		"vms00.txt":       "1\n2\n",
		"vms00_ref.txt":   "1\n2\n",
		"Vouts00.txt":     "1\n9\n",
		"Vouts00_ref.txt": "1\n2\n",
		"spikes00.txt":    "3\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	cmps := []compare.Result{
		compare.Files(filepath.Join(dir, "vms00.txt"), filepath.Join(dir, "vms00_ref.txt")),
		compare.Files(filepath.Join(dir, "Vouts00.txt"), filepath.Join(dir, "Vouts00_ref.txt")),
		compare.Files(filepath.Join(dir, "spikes00.txt"), filepath.Join(dir, "spikes00_ref.txt")),
	}
	return &regress.SuiteReport{
		Executable: "nemosim",
		StartedAt:  time.Now(),
		Cases: []regress.CaseReport{{
			Execution:   runner.ExecutionResult{Case: suite.TestCase{ID: "lif"}, Outcome: runner.OutcomeSuccess},
			Comparisons: cmps,
		}},
	}
}

func TestSaveAndRead(t *testing.T) {
	dir := t.TempDir()
	r := failingReport(t, dir)
	path := filepath.Join(dir, "out", DefaultName(time.Now()))

	header, err := Save(path, r)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if header.Passed || header.CaseCount != 1 || !header.Compressed {
		t.Errorf("header = %+v", header)
	}
	// Vouts00 produced + reference, spikes00 produced only.
	if header.FileCount != 3 {
		t.Errorf("FileCount = %d, want 3", header.FileCount)
	}
	if !strings.HasPrefix(header.Checksum, "sha256:") {
		t.Errorf("Checksum = %q", header.Checksum)
	}

	b, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if b.Version != FormatVersion {
		t.Errorf("Version = %d", b.Version)
	}

	got := map[string]File{}
	for _, f := range b.Files {
		got[string(f.Role)+":"+filepath.Base(f.Path)] = f
	}
	if f, ok := got["produced:Vouts00.txt"]; !ok || string(f.Content) != "1\n9\n" || f.CaseID != "lif" {
		t.Errorf("produced Vouts00 = %+v (present %v)", f, ok)
	}
	if _, ok := got["reference:Vouts00_ref.txt"]; !ok {
		t.Error("reference Vouts00_ref.txt missing from bundle")
	}
	if _, ok := got["produced:spikes00.txt"]; !ok {
		t.Error("produced spikes00.txt missing from bundle")
	}
	if _, ok := got["produced:vms00.txt"]; ok {
		t.Error("matching artifact should not be bundled")
	}

	var rep struct {
		Passed bool `json:"passed"`
		Cases  []struct {
			ID string `json:"id"`
		} `json:"cases"`
	}
	if err := json.Unmarshal(b.Report, &rep); err != nil {
		t.Fatalf("embedded report is not JSON: %v", err)
	}
	if rep.Passed || len(rep.Cases) != 1 || rep.Cases[0].ID != "lif" {
		t.Errorf("embedded report = %+v", rep)
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.simb")
	if _, err := Save(path, failingReport(t, dir)); err != nil {
		t.Fatal(err)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("Verify() on intact bundle = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Verify() = %v, want checksum mismatch", err)
	}
	if _, err := Read(path); err == nil {
		t.Error("Read() of corrupt bundle succeeded")
	}
}

func TestReadHeader_RejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"not json", "hello\n"},
		{"wrong version", `{"version":9}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadHeader(path); err == nil {
				t.Error("ReadHeader() error = nil")
			}
		})
	}
}

func TestCollect_PassingRunHasNoFiles(t *testing.T) {
	r := &regress.SuiteReport{
		Cases: []regress.CaseReport{{
			Execution: runner.ExecutionResult{Case: suite.TestCase{ID: "ok"}, Outcome: runner.OutcomeSuccess},
			Comparisons: []compare.Result{
				{ProducedFile: "a.txt", ReferenceFile: "a_ref.txt", Status: compare.StatusMatch},
			},
		}},
		OverallPassed: true,
	}
	b, err := Collect(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Files) != 0 {
		t.Errorf("Files = %+v, want none", b.Files)
	}
}

func TestDefaultName(t *testing.T) {
	got := DefaultName(time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC))
	if got != "run-20260301-090507.simb" {
		t.Errorf("DefaultName() = %q", got)
	}
}
