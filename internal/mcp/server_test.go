package mcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nvandessel/simregress/internal/config"
)

// isolateHome points HOME at a temp directory so tests never touch the real
// ~/.simregress.
func isolateHome(t *testing.T, tmpDir string) {
	t.Helper()
	home := filepath.Join(tmpDir, "home")
	if err := os.MkdirAll(home, 0755); err != nil {
		t.Fatalf("Failed to create temp home: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
}

// newTestServer creates a server rooted at root with default settings.
func newTestServer(t *testing.T, root string) *Server {
	t.Helper()
	isolateHome(t, t.TempDir())

	s, err := NewServer(&Config{
		Name:     "test-server",
		Version:  "v1.0.0",
		Root:     root,
		Settings: config.Default(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewServer(t *testing.T) {
	root := t.TempDir()
	s := newTestServer(t, root)

	if s.server == nil {
		t.Error("Server.server is nil")
	}
	if s.harness == nil {
		t.Error("Server.harness is nil")
	}
	if s.root != root {
		t.Errorf("Server.root = %q, want %q", s.root, root)
	}
	if len(s.toolLimiters) == 0 {
		t.Error("no tool limiters configured")
	}
	if s.auditLogger == nil {
		t.Error("audit logger is nil")
	}
}

func TestNewServer_CreatesStateDir(t *testing.T) {
	root := t.TempDir()
	newTestServer(t, root)

	info, err := os.Stat(filepath.Join(root, config.DirName))
	if err != nil {
		t.Fatalf("%s not created: %v", config.DirName, err)
	}
	if !info.IsDir() {
		t.Errorf("%s is not a directory", config.DirName)
	}
}

func TestNewServer_LoadsConfigWhenUnset(t *testing.T) {
	tmp := t.TempDir()
	isolateHome(t, tmp)
	t.Setenv("SIMREGRESS_TIMEOUT", "7s")

	s, err := NewServer(&Config{Name: "test", Version: "v0", Root: tmp})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer s.Close()

	if got, _ := s.settings.Get("timeout"); got != "7s" {
		t.Errorf("timeout = %v, want env override 7s", got)
	}
}

func TestServer_CloseTwice(t *testing.T) {
	s := newTestServer(t, t.TempDir())
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
