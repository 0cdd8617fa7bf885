// Package bundle packs the evidence of a failed run (the JSON report plus
// the produced and reference files of every failing artifact) into one file
// that CI can upload.
//
// A bundle is a plain JSON header line followed by a gzip-compressed JSON
// payload. The header carries a SHA-256 checksum of the compressed bytes so a
// bundle can be verified without decompressing it.
package bundle

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nvandessel/simregress/internal/compare"
	"github.com/nvandessel/simregress/internal/regress"
	"github.com/nvandessel/simregress/internal/report"
)

// FormatVersion is the current bundle format.
const FormatVersion = 1

// Extension is appended to generated bundle names.
const Extension = ".simb"

const (
	// MaxFileSize caps how much of a single artifact is stored.
	MaxFileSize = 16 * 1024 * 1024

	// MaxDecompressedSize bounds the payload accepted by Read.
	MaxDecompressedSize = 200 * 1024 * 1024
)

// Role says which side of a comparison a stored file came from.
type Role string

const (
	RoleProduced  Role = "produced"
	RoleReference Role = "reference"
)

// Header is the plain-text first line of a bundle.
type Header struct {
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	Checksum   string    `json:"checksum"`
	Passed     bool      `json:"passed"`
	CaseCount  int       `json:"case_count"`
	FileCount  int       `json:"file_count"`
	Compressed bool      `json:"compressed"`
}

// File is one stored artifact.
type File struct {
	CaseID    string `json:"case_id"`
	Role      Role   `json:"role"`
	Path      string `json:"path"`
	Content   []byte `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Bundle is the decompressed payload.
type Bundle struct {
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Report    json.RawMessage `json:"report"`
	Files     []File          `json:"files"`
}

// DefaultName returns a timestamped bundle file name.
func DefaultName(t time.Time) string {
	return "run-" + t.UTC().Format("20060102-150405") + Extension
}

// Collect builds a bundle from a suite report. Only failing comparisons
// contribute files; files that cannot be read are skipped.
func Collect(r *regress.SuiteReport) (*Bundle, error) {
	var rep bytes.Buffer
	if err := report.WriteJSON(&rep, r); err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}

	b := &Bundle{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
		Report:    json.RawMessage(bytes.TrimSpace(rep.Bytes())),
	}
	for _, cr := range r.Cases {
		for _, c := range cr.Comparisons {
			if c.Passed() {
				continue
			}
			b.addFile(cr.ID(), RoleProduced, c.ProducedFile)
			if c.Status != compare.StatusMissingReference {
				b.addFile(cr.ID(), RoleReference, c.ReferenceFile)
			}
		}
	}
	return b, nil
}

func (b *Bundle) addFile(caseID string, role Role, path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return
	}
	file := File{CaseID: caseID, Role: role, Path: path, Content: data}
	if len(data) > MaxFileSize {
		file.Content = data[:MaxFileSize]
		file.Truncated = true
	}
	b.Files = append(b.Files, file)
}

// Write stores b at path.
func Write(path string, b *Bundle, passed bool, caseCount int) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	var compressed bytes.Buffer
	gzw, err := gzip.NewWriterLevel(&compressed, gzip.DefaultCompression)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gzw.Write(payload); err != nil {
		return fmt.Errorf("compressing payload: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}

	header := Header{
		Version:    FormatVersion,
		CreatedAt:  b.CreatedAt,
		Checksum:   checksum(compressed.Bytes()),
		Passed:     passed,
		CaseCount:  caseCount,
		FileCount:  len(b.Files),
		Compressed: true,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(headerBytes)
	w.WriteByte('\n')
	w.Write(compressed.Bytes())
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing bundle: %w", err)
	}
	return f.Close()
}

// Save collects and writes a bundle for r in one step.
func Save(path string, r *regress.SuiteReport) (*Header, error) {
	b, err := Collect(r)
	if err != nil {
		return nil, err
	}
	if err := Write(path, b, r.OverallPassed, len(r.Cases)); err != nil {
		return nil, err
	}
	return ReadHeader(path)
}

// Read loads a bundle, verifying its checksum before decompressing.
func Read(path string) (*Bundle, error) {
	header, compressed, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if err := verify(header, compressed); err != nil {
		return nil, err
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	decompressed, err := io.ReadAll(io.LimitReader(gzr, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if int64(len(decompressed)) > MaxDecompressedSize {
		return nil, fmt.Errorf("decompressed payload exceeds maximum size of %d bytes", MaxDecompressedSize)
	}

	var b Bundle
	if err := json.Unmarshal(decompressed, &b); err != nil {
		return nil, fmt.Errorf("parsing bundle data: %w", err)
	}
	return &b, nil
}

// ReadHeader reads only the header line.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()
	return readHeader(bufio.NewReader(f))
}

// Verify checks the integrity of a bundle without decompressing it.
func Verify(path string) error {
	header, compressed, err := readRaw(path)
	if err != nil {
		return err
	}
	return verify(header, compressed)
}

func readRaw(path string) (*Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := readHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	compressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading compressed payload: %w", err)
	}
	return header, compressed, nil
}

func readHeader(r *bufio.Reader) (*Header, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}
	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", header.Version)
	}
	return &header, nil
}

func verify(h *Header, compressed []byte) error {
	if actual := checksum(compressed); actual != h.Checksum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", h.Checksum, actual)
	}
	return nil
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
