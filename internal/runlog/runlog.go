// Package runlog records stage starts, completions and failures into
// run-scoped JSONL files. Every write is best-effort: errors are swallowed
// and nothing here may fail or delay the pipeline.
package runlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var runIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Event is one structured execution-log line.
type Event struct {
	Timestamp string         `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage"`
	Status    string         `json:"status"` // start | complete | fail
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger appends execution events for runs. A nil Logger is a no-op.
type Logger struct {
	dir string
	mu  sync.Mutex
}

func defaultDir() string {
	return filepath.Join("tmp", "run_logs")
}

func New(dir string) *Logger {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		trimmed = defaultDir()
	}
	_ = os.MkdirAll(trimmed, 0o755)
	return &Logger{dir: trimmed}
}

func sanitizeRunID(runID string) string {
	id := strings.TrimSpace(runID)
	if id == "" {
		return "unknown"
	}
	id = runIDSanitizer.ReplaceAllString(id, "_")
	if id == "" {
		return "unknown"
	}
	return id
}

func (l *Logger) filePath(runID string) string {
	return filepath.Join(l.dir, sanitizeRunID(runID)+".jsonl")
}

// Handle tracks one in-flight stage between Start and Complete/Fail.
type Handle struct {
	l      *Logger
	runID  string
	stage  string
	begin  time.Time
	fields map[string]any
}

// Start records a stage start and returns a handle for its outcome.
// Safe on a nil Logger.
func (l *Logger) Start(runID, stage string, fields map[string]any) *Handle {
	h := &Handle{l: l, runID: runID, stage: stage, begin: time.Now(), fields: fields}
	l.append(runID, stage, "start", fields)
	return h
}

// Complete records a successful stage with timing and an output size hint.
func (h *Handle) Complete(outputSizeHint int) {
	if h == nil {
		return
	}
	fields := map[string]any{"duration_ms": time.Since(h.begin).Milliseconds()}
	if outputSizeHint > 0 {
		fields["output_bytes"] = outputSizeHint
	}
	h.l.append(h.runID, h.stage, "complete", fields)
}

// Fail records a failed stage with timing and the error text.
func (h *Handle) Fail(err error) {
	if h == nil {
		return
	}
	fields := map[string]any{"duration_ms": time.Since(h.begin).Milliseconds()}
	if err != nil {
		fields["error"] = err.Error()
	}
	h.l.append(h.runID, h.stage, "fail", fields)
}

func (l *Logger) append(runID, stage, status string, fields map[string]any) {
	if l == nil || strings.TrimSpace(runID) == "" {
		return
	}
	event := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RunID:     strings.TrimSpace(runID),
		Stage:     strings.TrimSpace(stage),
		Status:    status,
	}
	if len(fields) > 0 {
		event.Fields = fields
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	raw = append(raw, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_ = os.MkdirAll(l.dir, 0o755)
	f, err := os.OpenFile(l.filePath(runID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(raw)
}

// Read returns all persisted events for a run, newest last.
func (l *Logger) Read(runID string) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	raw, err := os.ReadFile(l.filePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []Event
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
