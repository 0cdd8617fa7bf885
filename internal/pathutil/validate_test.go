package pathutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestValidateArtifactName(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain file", "vms00.txt", false},
		{"nested file", "golden/vms00.txt", false},
		{"dot segment inside", "./out/../vms00.txt", false},
		{"empty", "", true},
		{"parent escape", "../vms00.txt", true},
		{"deep escape", "a/../../etc/passwd", true},
		{"absolute", filepath.Join(dir, "vms00.txt"), true},
		{"null byte", "vms\x00.txt", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArtifactName(tt.input, dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateArtifactName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()

	tests := []struct {
		name    string
		path    string
		dirs    []string
		wantErr bool
	}{
		{"inside", filepath.Join(allowed, "bundle.gz"), []string{allowed}, false},
		{"inside missing subdir", filepath.Join(allowed, "a", "b", "bundle.gz"), []string{allowed}, false},
		{"equal to dir", allowed, []string{allowed}, false},
		{"outside", filepath.Join(other, "bundle.gz"), []string{allowed}, true},
		{"second allowed dir", filepath.Join(other, "bundle.gz"), []string{allowed, other}, false},
		{"empty path", "", []string{allowed}, true},
		{"no allowed dirs", filepath.Join(allowed, "x"), nil, true},
		{"prefix trick", allowed + "evil/bundle.gz", []string{allowed}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path, tt.dirs)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePath_SymlinkOutsideAllowedDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}
	allowed := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(allowed, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	if err := ValidatePath(filepath.Join(link, "vms00.txt"), []string{allowed}); err == nil {
		t.Error("expected error for path escaping through symlink")
	}
}

func TestRedactPath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"vms00.txt", "vms00.txt"},
		{"/vms00.txt", "vms00.txt"},
		{"/home/ci/sims/lif/vms00.txt", ".../lif/vms00.txt"},
	}
	for _, tt := range tests {
		if got := RedactPath(tt.input); got != tt.want {
			t.Errorf("RedactPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDefaultBundleDirs(t *testing.T) {
	dirs := DefaultBundleDirs("/project")
	if len(dirs) != 2 {
		t.Fatalf("expected 2 dirs, got %d", len(dirs))
	}
	if dirs[0] != "/project" {
		t.Errorf("dirs[0] = %q", dirs[0])
	}
	if err := ValidatePath(filepath.Join(BundleDir("/project"), "run.simb"), dirs); err != nil {
		t.Errorf("default bundle dir rejected: %v", err)
	}
}
