package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Info describes a generated bundle on disk.
type Info struct {
	Path      string
	Size      int64
	CreatedAt time.Time
}

// RetentionPolicy selects the bundles to keep from a newest-first list.
type RetentionPolicy interface {
	Apply(bundles []Info) (keep []Info)
}

// CountPolicy keeps the MaxCount most recent bundles.
type CountPolicy struct {
	MaxCount int
}

func (p *CountPolicy) Apply(bundles []Info) []Info {
	if len(bundles) <= p.MaxCount {
		return bundles
	}
	return bundles[:p.MaxCount]
}

// AgePolicy keeps bundles created within MaxAge of Now.
type AgePolicy struct {
	MaxAge time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

func (p *AgePolicy) Apply(bundles []Info) []Info {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cutoff := now().Add(-p.MaxAge)
	var keep []Info
	for _, b := range bundles {
		if b.CreatedAt.After(cutoff) {
			keep = append(keep, b)
		}
	}
	return keep
}

// SizePolicy keeps the newest bundles whose combined size stays within
// MaxTotalBytes. The newest bundle is always kept.
type SizePolicy struct {
	MaxTotalBytes int64
}

func (p *SizePolicy) Apply(bundles []Info) []Info {
	var keep []Info
	var total int64
	for _, b := range bundles {
		if total+b.Size > p.MaxTotalBytes && len(keep) > 0 {
			break
		}
		keep = append(keep, b)
		total += b.Size
	}
	return keep
}

// AllPolicy keeps a bundle only if every sub-policy keeps it.
type AllPolicy []RetentionPolicy

func (p AllPolicy) Apply(bundles []Info) []Info {
	keep := bundles
	for _, policy := range p {
		keep = policy.Apply(keep)
	}
	return keep
}

// NewPolicy builds the policy for the configured limits. Zero or empty
// limits are ignored; with no limits at all every bundle is kept.
func NewPolicy(keep int, maxAge, maxSize string) (RetentionPolicy, error) {
	var all AllPolicy
	if keep > 0 {
		all = append(all, &CountPolicy{MaxCount: keep})
	}
	if maxAge != "" {
		d, err := ParseDuration(maxAge)
		if err != nil {
			return nil, err
		}
		all = append(all, &AgePolicy{MaxAge: d})
	}
	if maxSize != "" {
		n, err := ParseSize(maxSize)
		if err != nil {
			return nil, err
		}
		all = append(all, &SizePolicy{MaxTotalBytes: n})
	}
	return all, nil
}

// List returns the generated bundles (run-*.simb) in dir, newest first.
// Bundles written to explicit paths are never listed. A missing dir is empty.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading bundle directory: %w", err)
	}

	var bundles []Info
	for _, e := range entries {
		if e.IsDir() || !isGenerated(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		bundles = append(bundles, Info{
			Path:      filepath.Join(dir, e.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	// Generated names embed a sortable UTC timestamp.
	sort.Slice(bundles, func(i, j int) bool {
		return filepath.Base(bundles[i].Path) > filepath.Base(bundles[j].Path)
	})
	return bundles, nil
}

// ApplyRetention deletes the generated bundles in dir that policy does not keep.
func ApplyRetention(dir string, policy RetentionPolicy) (deleted []string, err error) {
	bundles, err := List(dir)
	if err != nil {
		return nil, err
	}

	keepSet := make(map[string]bool)
	for _, b := range policy.Apply(bundles) {
		keepSet[b.Path] = true
	}
	for _, b := range bundles {
		if keepSet[b.Path] {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			return deleted, fmt.Errorf("removing %s: %w", filepath.Base(b.Path), err)
		}
		deleted = append(deleted, b.Path)
	}
	return deleted, nil
}

func isGenerated(name string) bool {
	return strings.HasPrefix(name, "run-") && strings.HasSuffix(name, Extension)
}

// ParseDuration accepts Go durations ("720h") plus day and week suffixes
// ("30d", "2w").
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative duration: %q", s)
		}
		return d, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}
	switch s[len(s)-1] {
	case 'd':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown duration suffix %q in %q", s[len(s)-1:], s)
	}
}

// ParseSize parses sizes such as "500KB", "100MB" or "1GB" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Longer suffixes first so "MB" is not read as "B".
	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, ss := range suffixes {
		if numStr, ok := strings.CutSuffix(s, ss.suffix); ok {
			num, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
			if err != nil || num < 0 {
				return 0, fmt.Errorf("invalid size: %q", s)
			}
			return num * ss.multiplier, nil
		}
	}
	return 0, fmt.Errorf("invalid size: %q (expected suffix: B, KB, MB, GB)", s)
}
