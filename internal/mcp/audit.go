package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvandessel/simregress/internal/config"
)

// AuditFileName is the JSONL file tool invocations are appended to.
const AuditFileName = "audit.jsonl"

// AuditEntry records one MCP tool invocation. Parameters are reduced to
// metadata by sanitizeToolParams before they get here.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Tool       string            `json:"tool"`
	Scope      string            `json:"scope"` // "local" or "global"
	DurationMs int64             `json:"duration_ms"`
	Status     string            `json:"status"` // "success" or "error"
	Error      string            `json:"error,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

type auditFile struct {
	mu   sync.Mutex
	file *os.File
}

// AuditLogger appends entries to a project-local and a per-user audit log.
// It is safe for concurrent use, and a nil *AuditLogger discards everything.
type AuditLogger struct {
	local  *auditFile // <root>/.simregress/audit.jsonl
	global *auditFile // ~/.simregress/audit.jsonl
}

func openAuditFile(dir string) *auditFile {
	path := filepath.Join(dir, config.DirName, AuditFileName)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create audit log directory %s: %v\n", filepath.Dir(path), err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open audit log %s: %v\n", path, err)
		return nil
	}
	return &auditFile{file: f}
}

func (af *auditFile) write(entry AuditEntry) {
	if af == nil || af.file == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	af.mu.Lock()
	defer af.mu.Unlock()
	_, _ = af.file.Write(append(data, '\n'))
}

func (af *auditFile) close() error {
	if af == nil || af.file == nil {
		return nil
	}
	af.mu.Lock()
	defer af.mu.Unlock()
	return af.file.Close()
}

// NewAuditLogger opens localDir/.simregress/audit.jsonl and
// globalDir/.simregress/audit.jsonl. A log that cannot be opened is reported
// on stderr and skipped; if neither opens the result is nil.
func NewAuditLogger(localDir, globalDir string) *AuditLogger {
	local := openAuditFile(localDir)
	global := openAuditFile(globalDir)
	if local == nil && global == nil {
		return nil
	}
	return &AuditLogger{local: local, global: global}
}

// Log writes entry to the global log when its scope is "global" and to the
// local log otherwise.
func (a *AuditLogger) Log(entry AuditEntry) {
	if a == nil {
		return
	}
	if entry.Scope == "global" {
		a.global.write(entry)
		return
	}
	a.local.write(entry)
}

// Close closes both logs and returns the first error.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	for _, af := range []*auditFile{a.local, a.global} {
		if err := af.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sanitizeToolParams reduces tool arguments to loggable metadata. Flags and
// counts are logged by value; paths and case ids only by presence. Anything
// else is dropped. "_param_count" is always set.
func sanitizeToolParams(toolName string, params map[string]any) map[string]string {
	if params == nil {
		return nil
	}

	safeValueParams := map[string]bool{
		"timeout":   true,
		"fail_fast": true,
		"strict":    true,
		"bundle":    true,
		"limit":     true,
		"run_id":    true,
		"key":       true,
	}
	presenceOnlyParams := map[string]bool{
		"suite":      true,
		"executable": true,
		"cases":      true,
	}

	result := make(map[string]string)
	count := 0
	for key, val := range params {
		if isZeroParam(val) {
			continue
		}
		count++
		switch {
		case safeValueParams[key]:
			result[key] = fmt.Sprintf("%v", val)
		case presenceOnlyParams[key]:
			result[key] = "(set)"
		}
	}
	result["_param_count"] = fmt.Sprintf("%d", count)
	return result
}

func isZeroParam(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case int:
		return val == 0
	case int64:
		return val == 0
	case []string:
		return len(val) == 0
	}
	return false
}

// auditTool logs a finished tool call. An empty scope means "local".
func (s *Server) auditTool(toolName string, start time.Time, err error, params map[string]string, scope string) {
	status := "success"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	if scope == "" {
		scope = "local"
	}

	s.auditLogger.Log(AuditEntry{
		Timestamp:  start,
		Tool:       toolName,
		Scope:      scope,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
		Error:      errMsg,
		Params:     params,
	})
}
