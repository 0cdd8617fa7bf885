// Package logging provides leveled logging and run event tracing for simregress.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - An EventLogger for structured JSONL run events (.simregress/events.jsonl)
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom slog level below Debug. At this level the captured
// simulator stdout/stderr of every case is logged as well.
const LevelTrace = slog.LevelDebug - 4

// EventsFileName is the JSONL file events are appended to.
const EventsFileName = "events.jsonl"

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EventLogger appends structured run events to a JSONL file.
// It is safe for concurrent use, and a nil *EventLogger is a valid no-op.
type EventLogger struct {
	mu    sync.Mutex
	file  *os.File
	runID string
}

// NewEventLogger opens dir/events.jsonl for append when level is debug or
// trace. At info level, or when the file cannot be opened, it returns nil.
func NewEventLogger(dir, level, runID string) *EventLogger {
	if ParseLevel(level) == slog.LevelInfo {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, EventsFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}
	return &EventLogger{file: f, runID: runID}
}

// Log writes event as one JSONL line with "time" and "run_id" added.
// The caller's map is not mutated.
func (el *EventLogger) Log(event map[string]any) {
	if el == nil {
		return
	}

	entry := make(map[string]any, len(event)+2)
	for k, v := range event {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	if el.runID != "" {
		entry["run_id"] = el.runID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return
	}
	_, _ = el.file.Write(data)
}

// CaseStarted records that a case is about to run.
func (el *EventLogger) CaseStarted(caseID string, args []string) {
	el.Log(map[string]any{"event": "case_started", "case": caseID, "args": args})
}

// ArtifactCompared records one comparison outcome.
func (el *EventLogger) ArtifactCompared(caseID, produced, status string, diffLines int) {
	el.Log(map[string]any{
		"event":      "artifact_compared",
		"case":       caseID,
		"produced":   produced,
		"status":     status,
		"diff_lines": diffLines,
	})
}

// CaseFinished records the end of a case.
func (el *EventLogger) CaseFinished(caseID, outcome string, exitStatus int, passed bool, elapsed time.Duration) {
	el.Log(map[string]any{
		"event":       "case_finished",
		"case":        caseID,
		"outcome":     outcome,
		"exit_status": exitStatus,
		"passed":      passed,
		"duration_ms": elapsed.Milliseconds(),
	})
}

// Close closes the underlying file. Safe to call on a nil receiver.
func (el *EventLogger) Close() {
	if el == nil {
		return
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file != nil {
		el.file.Close()
		el.file = nil
	}
}
