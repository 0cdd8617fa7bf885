package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// newTestRootCmd creates a root command with persistent flags for testing subcommands
func newTestRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "simregress",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("root", ".", "Project root directory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level")
	return rootCmd
}

// isolateHome sets HOME to a temp directory so tests never read or write the
// real ~/.simregress/config.yaml.
func isolateHome(t *testing.T, tmpDir string) {
	t.Helper()
	tmpHome := filepath.Join(tmpDir, "home")
	if err := os.MkdirAll(tmpHome, 0700); err != nil {
		t.Fatalf("Failed to create temp home: %v", err)
	}
	t.Setenv("HOME", tmpHome)
	t.Setenv("USERPROFILE", tmpHome)
}

// execute runs cmd under a fresh test root with args and returns stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	rootCmd := newTestRootCmd()
	rootCmd.AddCommand(cmd)
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// setupProject creates a project with a shell simulator that copies every
// *_ref.txt golden file to its produced name and then runs extra, plus a
// one-case suite with output vms00.txt.
func setupProject(t *testing.T, extra string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script simulators require a POSIX shell")
	}
	tmp := t.TempDir()
	isolateHome(t, tmp)
	root := filepath.Join(tmp, "project")

	caseDir := filepath.Join(root, "SNN", "LIF")
	if err := os.MkdirAll(caseDir, 0755); err != nil {
		t.Fatal(err)
	}
	sim := "#!/bin/sh\nfor ref in *_ref.txt; do\n  cp \"$ref\" \"${ref%_ref.txt}.txt\"\ndone\necho simulated\n" + extra
	files := map[string]string{
		filepath.Join(root, "sim"):              sim,
		filepath.Join(caseDir, "test1.xml"):     "<network/>",
		filepath.Join(caseDir, "vms00_ref.txt"): "-65.0\n-64.2\n",
		filepath.Join(root, "regress.yaml"):     "executable: ./sim\ncases:\n  - id: lif\n    manifest: SNN/LIF/test1.xml\n    outputs: [vms00.txt]\n",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestRootCmd_BareInvocationRuns(t *testing.T) {
	root := setupProject(t, "")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--root", root, "--no-history"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "PASS: 1/1 cases passed") {
		t.Errorf("output missing verdict:\n%s", out.String())
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := []string{"run", "list", "history", "bundle", "config", "version", "mcp-server"}
	cmd := newRootCmd()
	for _, name := range want {
		found, _, err := cmd.Find([]string{name})
		if err != nil || found.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, newVersionCmd(), "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "simregress version "+version) {
		t.Errorf("output = %q", out)
	}

	out, err = execute(t, newVersionCmd(), "version", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if got["version"] != version {
		t.Errorf("version = %q", got["version"])
	}
}
