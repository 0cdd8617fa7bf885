// Package compare implements the line-exact artifact comparison used to
// validate simulator output against golden reference files.
package compare

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// AbsentLine marks the side of a diff entry that has no line at that index.
const AbsentLine = "<absent>"

// Status classifies the outcome of comparing one produced file against its reference.
type Status string

const (
	StatusMatch            Status = "match"
	StatusMismatch         Status = "mismatch"
	StatusMissingProduced  Status = "missing-produced"
	StatusMissingReference Status = "missing-reference"
)

// DiffLine is a single divergent line. LineNumber is 1-indexed.
type DiffLine struct {
	LineNumber     int    `json:"line"`
	Produced       string `json:"produced"`
	Expected       string `json:"expected"`
	ProducedAbsent bool   `json:"produced_absent,omitempty"`
	ExpectedAbsent bool   `json:"expected_absent,omitempty"`
}

// Result is the outcome of comparing a produced artifact with its reference.
type Result struct {
	ProducedFile  string     `json:"produced_file"`
	ReferenceFile string     `json:"reference_file"`
	Status        Status     `json:"status"`
	DiffLines     []DiffLine `json:"diff_lines,omitempty"`

	// Err holds the cause of a Missing* status that was not plain absence:
	// a directory in place of the file, permissions, or a stale file.
	Err error `json:"-"`
}

// Passed reports whether the comparison matched.
func (r Result) Passed() bool {
	return r.Status == StatusMatch
}

// Files compares the produced file against the reference file line by line.
// It never returns an error: unreadable files map to the Missing* statuses,
// with MissingProduced taking precedence when both sides are unavailable.
func Files(producedPath, referencePath string) Result {
	res := Result{ProducedFile: producedPath, ReferenceFile: referencePath}

	produced, prodErr := readLines(producedPath)
	if prodErr != nil {
		res.Status = StatusMissingProduced
		res.Err = unlessNotExist(prodErr)
		return res
	}

	reference, refErr := readLines(referencePath)
	if refErr != nil {
		res.Status = StatusMissingReference
		res.Err = unlessNotExist(refErr)
		return res
	}

	res.DiffLines = Lines(produced, reference)
	if len(res.DiffLines) == 0 {
		res.Status = StatusMatch
	} else {
		res.Status = StatusMismatch
	}
	return res
}

// Lines returns the divergent lines between produced and expected. Lines past
// the end of the shorter slice are reported with the missing side set to AbsentLine.
func Lines(produced, expected []string) []DiffLine {
	var diffs []DiffLine

	common := min(len(produced), len(expected))
	for i := 0; i < common; i++ {
		if produced[i] != expected[i] {
			diffs = append(diffs, DiffLine{
				LineNumber: i + 1,
				Produced:   produced[i],
				Expected:   expected[i],
			})
		}
	}

	for i := common; i < len(produced); i++ {
		diffs = append(diffs, DiffLine{
			LineNumber:     i + 1,
			Produced:       produced[i],
			Expected:       AbsentLine,
			ExpectedAbsent: true,
		})
	}
	for i := common; i < len(expected); i++ {
		diffs = append(diffs, DiffLine{
			LineNumber:     i + 1,
			Produced:       AbsentLine,
			Expected:       expected[i],
			ProducedAbsent: true,
		})
	}

	return diffs
}

// SplitLines splits text into lines, stripping "\n" and "\r\n" terminators.
// A trailing terminator does not produce an empty final line.
func SplitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	s = strings.TrimSuffix(s, "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// readLines reads a regular file and splits it with SplitLines.
func readLines(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return SplitLines(string(data)), nil
}

func unlessNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
