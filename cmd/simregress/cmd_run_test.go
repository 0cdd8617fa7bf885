package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCmd(t *testing.T) {
	tests := []struct {
		name     string
		extra    string
		args     []string
		wantErr  error
		contains []string
		absent   []string
	}{
		{
			name:     "pass",
			args:     []string{"--no-history"},
			contains: []string{"=== Case lif (exit 0", "PASS vms00.txt", "simulated", "PASS: 1/1 cases passed, 1/1 artifacts matched"},
		},
		{
			name:     "quiet omits captured output",
			args:     []string{"--no-history", "--quiet"},
			contains: []string{"PASS: 1/1"},
			absent:   []string{"simulated"},
		},
		{
			name:     "mismatch",
			extra:    "echo '-1.0' >> vms00.txt\n",
			args:     []string{"--no-history"},
			wantErr:  errRegressionFailed,
			contains: []string{"FAIL vms00.txt: 1 line(s) differ", `line 3: produced="-1.0" expected="<absent>"`, "FAIL: 0/1 cases passed"},
		},
		{
			name:     "nonzero exit with matching artifacts passes",
			extra:    "exit 3\n",
			args:     []string{"--no-history"},
			contains: []string{"exit 3", "PASS: 1/1"},
		},
		{
			name:     "markdown",
			args:     []string{"--no-history", "--format", "markdown"},
			contains: []string{"| Case |"},
		},
		{
			name:     "recorded in history",
			contains: []string{"Recorded as run 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := setupProject(t, tt.extra)
			args := append([]string{"run", "--root", root}, tt.args...)

			out, err := execute(t, newRunCmd(), args...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("error = %v\n%s", err, out)
			}
			for _, want := range tt.contains {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
			for _, unwanted := range tt.absent {
				if strings.Contains(out, unwanted) {
					t.Errorf("output contains %q:\n%s", unwanted, out)
				}
			}
		})
	}
}

func TestRunCmd_JSON(t *testing.T) {
	root := setupProject(t, "echo '-1.0' >> vms00.txt\n")

	out, err := execute(t, newRunCmd(), "run", "--root", root, "--no-history", "--json")
	if !errors.Is(err, errRegressionFailed) {
		t.Fatalf("error = %v, want errRegressionFailed", err)
	}

	var got struct {
		Passed   bool `json:"passed"`
		ExitCode int  `json:"exit_code"`
		Cases    []struct {
			ID          string `json:"id"`
			Comparisons []struct {
				Status string `json:"status"`
			} `json:"comparisons"`
		} `json:"cases"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if got.Passed || got.ExitCode != 1 {
		t.Errorf("passed=%v exit_code=%d", got.Passed, got.ExitCode)
	}
	if len(got.Cases) != 1 || got.Cases[0].Comparisons[0].Status != "mismatch" {
		t.Errorf("cases = %+v", got.Cases)
	}
}

func TestRunCmd_EmptySuite(t *testing.T) {
	root := setupProject(t, "")
	if err := os.WriteFile(filepath.Join(root, "empty.yaml"), []byte("cases: []\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, newRunCmd(), "run", "--root", root, "--suite", "empty.yaml", "--no-history"); err != nil {
		t.Errorf("empty suite without --strict: error = %v, want vacuous pass", err)
	}

	out, err := execute(t, newRunCmd(), "run", "--root", root, "--suite", "empty.yaml", "--no-history", "--strict")
	if !errors.Is(err, errRegressionFailed) {
		t.Errorf("empty suite with --strict: error = %v, want errRegressionFailed", err)
	}
	if !strings.Contains(out, "suite declares no cases") {
		t.Errorf("output = %q", out)
	}
}

func TestRunCmd_CaseFilterAndExeOverride(t *testing.T) {
	root := setupProject(t, "")
	failing := filepath.Join(root, "fail.sh")
	if err := os.WriteFile(failing, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, newRunCmd(), "run", "--root", root, "--no-history", "--case", "lif", "--exe", failing)
	if !errors.Is(err, errRegressionFailed) {
		t.Fatalf("error = %v, want failure from --exe override that writes nothing", err)
	}
	if !strings.Contains(out, "produced file missing") {
		t.Errorf("output = %s", out)
	}

	if _, err := execute(t, newRunCmd(), "run", "--root", root, "--case", "nope"); err == nil || !strings.Contains(err.Error(), "unknown case") {
		t.Errorf("error = %v, want unknown case", err)
	}
}

func TestRunCmd_InvalidFlags(t *testing.T) {
	root := setupProject(t, "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad format", []string{"--format", "html"}, "html"},
		{"negative timeout", []string{"--timeout", "-1s"}, "non-negative"},
		{"bad log level", []string{"--log-level", "loud"}, "invalid log level"},
		{"missing suite", []string{"--suite", "absent.yaml"}, "absent.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", "--root", root, "--no-history"}, tt.args...)
			_, err := execute(t, newRunCmd(), args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
