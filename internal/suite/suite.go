// Package suite loads the declared, ordered list of regression cases.
//
// Cases are never discovered by globbing: every case, its manifest and the
// artifacts it must produce are written out in a suite file so a run is
// reproducible across machines. A suite file looks like:
//
//	executable: ../build/nemosim
//	timeout: 2m
//	cases:
//	  - id: lif-single-neuron
//	    manifest: SNN/LIF/test1.xml
//	    input: SNN/LIF/input.txt
//	    outputs:
//	      - vms00.txt              # compared against vms00_ref.txt
//	      - produced: Vouts00.txt
//	        reference: golden/Vouts00.txt
package suite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvandessel/simregress/internal/pathutil"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the suite file looked up when none is given.
const DefaultFileName = "regress.yaml"

// ReferenceSuffix is inserted before the extension of a produced artifact
// name to form its reference name.
const ReferenceSuffix = "_ref"

// ErrMissingManifest is wrapped by load errors for cases whose manifest does not exist.
var ErrMissingManifest = errors.New("manifest not found")

// OutputPair names one artifact the simulator must produce and the golden
// file it is checked against. Both are relative names: Produced to the case
// working directory, Reference to the case golden directory.
type OutputPair struct {
	Produced  string `json:"produced"`
	Reference string `json:"reference"`
}

// TestCase is one declared unit of regression testing. All paths are absolute.
type TestCase struct {
	ID               string       `json:"id"`
	ManifestPath     string       `json:"manifest"`
	InputPath        string       `json:"input,omitempty"`
	SupervisorPath   string       `json:"supervisor,omitempty"`
	WorkingDirectory string       `json:"workdir"`
	GoldenDir        string       `json:"golden_dir,omitempty"`
	ExpectedOutputs  []OutputPair `json:"outputs"`
}

// ProducedPath returns where the simulator writes the pair's artifact.
func (tc TestCase) ProducedPath(p OutputPair) string {
	return filepath.Join(tc.WorkingDirectory, p.Produced)
}

// ReferencePath returns the golden file for the pair.
func (tc TestCase) ReferencePath(p OutputPair) string {
	dir := tc.GoldenDir
	if dir == "" {
		dir = tc.WorkingDirectory
	}
	return filepath.Join(dir, p.Reference)
}

// LoadError records a declared case that could not be loaded. Such cases are
// not run, and their presence fails the suite.
type LoadError struct {
	Index  int
	CaseID string
	Err    error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("case %d (%s): %v", e.Index+1, e.CaseID, e.Err)
}

func (e LoadError) Unwrap() error {
	return e.Err
}

// Suite is an ordered collection of test cases plus run defaults declared
// alongside them.
type Suite struct {
	// Path is the suite file the suite was loaded from, empty for in-memory suites.
	Path string

	// Executable is the simulator declared by the suite, if any.
	Executable string

	// Timeout bounds each case. Zero means no limit.
	Timeout time.Duration

	// TimeoutSet records that the suite declared a timeout, so an explicit
	// zero can be told apart from an omitted one.
	TimeoutSet bool

	// Env holds extra KEY=VALUE pairs passed to the simulator.
	Env map[string]string

	Cases      []TestCase
	LoadErrors []LoadError
}

// Len returns the number of declared cases, including ones that failed to load.
func (s *Suite) Len() int {
	return len(s.Cases) + len(s.LoadErrors)
}

// fileSuite is the on-disk layout of a suite file.
type fileSuite struct {
	Executable string            `yaml:"executable"`
	Timeout    *time.Duration    `yaml:"timeout"`
	GoldenDir  string            `yaml:"golden_dir"`
	Env        map[string]string `yaml:"env"`
	Cases      []fileCase        `yaml:"cases"`
}

type fileCase struct {
	ID         string       `yaml:"id"`
	Manifest   string       `yaml:"manifest"`
	Input      string       `yaml:"input"`
	Supervisor string       `yaml:"supervisor"`
	Workdir    string       `yaml:"workdir"`
	GoldenDir  string       `yaml:"golden_dir"`
	Outputs    []fileOutput `yaml:"outputs"`
}

// fileOutput accepts either a bare produced name or a produced/reference mapping.
type fileOutput struct {
	Produced  string `yaml:"produced"`
	Reference string `yaml:"reference"`
}

func (o *fileOutput) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&o.Produced)
	}
	type plain fileOutput
	return value.Decode((*plain)(o))
}

// Load reads and parses the suite file at path. Relative paths inside the
// file resolve against the file's directory.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite file: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving suite path: %w", err)
	}

	s, err := Parse(data, filepath.Dir(absPath))
	if err != nil {
		return nil, err
	}
	s.Path = absPath
	return s, nil
}

// Parse parses suite YAML. Malformed YAML, a missing or duplicate case id
// fail the whole parse; problems confined to a single case are collected in
// Suite.LoadErrors instead.
func Parse(data []byte, baseDir string) (*Suite, error) {
	var fs fileSuite
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("parsing suite file: %w", err)
	}

	s := &Suite{Env: fs.Env}
	if fs.Timeout != nil {
		if *fs.Timeout < 0 {
			return nil, fmt.Errorf("timeout must be non-negative, got %v", *fs.Timeout)
		}
		s.Timeout, s.TimeoutSet = *fs.Timeout, true
	}
	if fs.Executable != "" {
		s.Executable = resolveExecutable(baseDir, os.ExpandEnv(fs.Executable))
	}

	seen := make(map[string]bool, len(fs.Cases))
	for i, fc := range fs.Cases {
		id := strings.TrimSpace(fc.ID)
		if id == "" {
			return nil, fmt.Errorf("case %d: id is required", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("case %d: duplicate id %q", i+1, id)
		}
		seen[id] = true

		tc, err := buildCase(fc, id, baseDir, fs.GoldenDir)
		if err != nil {
			s.LoadErrors = append(s.LoadErrors, LoadError{Index: i, CaseID: id, Err: err})
			continue
		}
		s.Cases = append(s.Cases, tc)
	}

	return s, nil
}

// buildCase resolves and validates one declared case.
func buildCase(fc fileCase, id, baseDir, suiteGoldenDir string) (TestCase, error) {
	if fc.Manifest == "" {
		return TestCase{}, fmt.Errorf("manifest is required")
	}

	tc := TestCase{
		ID:           id,
		ManifestPath: resolve(baseDir, fc.Manifest),
	}
	if fc.Input != "" {
		tc.InputPath = resolve(baseDir, fc.Input)
	}
	if fc.Supervisor != "" {
		if fc.Input == "" {
			return TestCase{}, fmt.Errorf("supervisor requires input to be set")
		}
		tc.SupervisorPath = resolve(baseDir, fc.Supervisor)
	}

	if fc.Workdir != "" {
		tc.WorkingDirectory = resolve(baseDir, fc.Workdir)
	} else {
		tc.WorkingDirectory = filepath.Dir(tc.ManifestPath)
	}

	switch {
	case fc.GoldenDir != "":
		tc.GoldenDir = resolve(baseDir, fc.GoldenDir)
	case suiteGoldenDir != "":
		tc.GoldenDir = resolve(baseDir, suiteGoldenDir)
	}

	if _, err := os.Stat(tc.ManifestPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TestCase{}, fmt.Errorf("%w: %s", ErrMissingManifest, pathutil.RedactPath(tc.ManifestPath))
		}
		return TestCase{}, fmt.Errorf("checking manifest: %w", err)
	}

	referenceDir := tc.GoldenDir
	if referenceDir == "" {
		referenceDir = tc.WorkingDirectory
	}
	for _, out := range fc.Outputs {
		pair := OutputPair{Produced: out.Produced, Reference: out.Reference}
		if pair.Reference == "" {
			if tc.GoldenDir != "" {
				pair.Reference = pair.Produced
			} else {
				pair.Reference = ReferenceName(pair.Produced)
			}
		}
		if err := pathutil.ValidateArtifactName(pair.Produced, tc.WorkingDirectory); err != nil {
			return TestCase{}, fmt.Errorf("output %q: %w", out.Produced, err)
		}
		if err := pathutil.ValidateArtifactName(pair.Reference, referenceDir); err != nil {
			return TestCase{}, fmt.Errorf("reference %q: %w", pair.Reference, err)
		}
		if filepath.Clean(tc.ProducedPath(pair)) == filepath.Clean(tc.ReferencePath(pair)) {
			return TestCase{}, fmt.Errorf("output %q: produced and reference are the same file", out.Produced)
		}
		tc.ExpectedOutputs = append(tc.ExpectedOutputs, pair)
	}

	return tc, nil
}

// ReferenceName derives the golden file name for a produced artifact by
// inserting ReferenceSuffix before the extension: "vms00.txt" becomes
// "vms00_ref.txt" and "trace" becomes "trace_ref".
func ReferenceName(produced string) string {
	dir, base := filepath.Split(produced)
	ext := filepath.Ext(base)
	if ext == base {
		ext = ""
	}
	return dir + strings.TrimSuffix(base, ext) + ReferenceSuffix + ext
}

// resolveExecutable leaves bare program names for PATH lookup and resolves
// anything containing a separator against baseDir.
func resolveExecutable(baseDir, exe string) string {
	if !strings.ContainsAny(exe, `/\`) {
		return exe
	}
	return resolve(baseDir, exe)
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}
