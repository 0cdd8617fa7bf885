// Package pathutil keeps artifact and bundle paths inside the directories a
// suite declares for them.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RedactPath reduces a full path to .../<parent>/<basename> for error messages.
// For example, "/home/ci/sims/lif/vms00.txt" becomes ".../lif/vms00.txt".
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(cleaned))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(cleaned)
	}
	return ".../" + parent + "/" + filepath.Base(cleaned)
}

// ValidateArtifactName checks that an artifact name declared in a suite
// resolves inside dir once joined to it. Absolute names and names that climb
// out of dir with ".." are rejected.
func ValidateArtifactName(name, dir string) error {
	if name == "" {
		return fmt.Errorf("artifact name is empty")
	}
	if strings.ContainsRune(name, '\x00') {
		return fmt.Errorf("artifact name %q contains null byte", name)
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("artifact name %q must be relative to its directory", name)
	}
	return ValidatePath(filepath.Join(dir, name), []string{dir})
}

// ValidatePath checks that path lies within one of the allowed directories.
// Symlinks on the existing part of the path are resolved first so a link
// inside an allowed directory cannot point outside it.
func ValidatePath(path string, allowedDirs []string) error {
	if path == "" {
		return fmt.Errorf("path validation failed: path is empty")
	}
	if len(allowedDirs) == 0 {
		return fmt.Errorf("path validation failed: no allowed directories configured")
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve absolute path: %w", err)
	}
	resolvedDir, err := resolveExistingParent(filepath.Dir(absPath))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve parent directory: %w", err)
	}
	resolved := filepath.Join(resolvedDir, filepath.Base(absPath))

	for _, allowed := range allowedDirs {
		allowedAbs, err := filepath.Abs(filepath.Clean(allowed))
		if err != nil {
			continue
		}
		allowedResolved, err := resolveExistingParent(allowedAbs)
		if err != nil {
			continue
		}
		if isSubpath(resolved, allowedResolved) {
			return nil
		}
	}

	return fmt.Errorf("path validation failed: %q is outside allowed directories", RedactPath(absPath))
}

// resolveExistingParent resolves symlinks on the deepest existing ancestor of
// dir and re-appends the part that does not exist yet.
func resolveExistingParent(dir string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return resolved, nil
	}

	parent := filepath.Dir(dir)
	if parent == dir {
		return "", fmt.Errorf("cannot resolve path: %s", RedactPath(dir))
	}
	resolvedParent, err := resolveExistingParent(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(dir)), nil
}

// isSubpath reports whether path equals base or lies below it.
func isSubpath(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(os.PathSeparator))
}

// BundleDir is the default bundle location below a project root.
func BundleDir(root string) string {
	return filepath.Join(root, ".simregress", "bundles")
}

// DefaultBundleDirs returns where failure bundles may be written: anywhere
// below the project root and the system temp directory.
func DefaultBundleDirs(root string) []string {
	return []string{root, os.TempDir()}
}
