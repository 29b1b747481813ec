// Package store holds the persistence collaborators the engine calls at
// checkpoints. Store failures are surfaced to the caller; the pipeline
// treats them as non-fatal to the run.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("store: document not found")

// Document is the persisted shape of one generated document.
type Document struct {
	ID             string            `json:"id"`
	Question       string            `json:"question"`
	Persona        string            `json:"persona,omitempty"`
	Narrative      string            `json:"narrative,omitempty"`
	Summaries      map[string]string `json:"summaries,omitempty"`
	Score          float64           `json:"score,omitempty"`
	QualityWarning bool              `json:"quality_warning,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// DocumentUpdate is a partial update; nil fields are left untouched.
type DocumentUpdate struct {
	Question       *string
	Persona        *string
	Narrative      *string
	Summaries      map[string]string
	Score          *float64
	QualityWarning *bool
}

// LogEntry is one persisted execution-log row.
type LogEntry struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DocumentStore is the persistence contract the engine depends on.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*Document, error)
	Put(ctx context.Context, id string, update DocumentUpdate) error
	AppendExecutionLog(ctx context.Context, entry LogEntry) error
}

// MemoryStore is the in-process DocumentStore used by tests and local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]Document
	logs []LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Document)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := doc
	return &out, nil
}

func (s *MemoryStore) Put(ctx context.Context, id string, update DocumentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.byID[id]
	doc.ID = id
	applyUpdate(&doc, update)
	doc.UpdatedAt = time.Now().UTC()
	s.byID[id] = doc
	return nil
}

func (s *MemoryStore) AppendExecutionLog(ctx context.Context, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.logs = append(s.logs, entry)
	s.mu.Unlock()
	return nil
}

// ExecutionLog returns a copy of the appended entries, oldest first.
func (s *MemoryStore) ExecutionLog() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

func applyUpdate(doc *Document, update DocumentUpdate) {
	if update.Question != nil {
		doc.Question = *update.Question
	}
	if update.Persona != nil {
		doc.Persona = *update.Persona
	}
	if update.Narrative != nil {
		doc.Narrative = *update.Narrative
	}
	if len(update.Summaries) > 0 {
		if doc.Summaries == nil {
			doc.Summaries = make(map[string]string, len(update.Summaries))
		}
		for k, v := range update.Summaries {
			doc.Summaries[k] = v
		}
	}
	if update.Score != nil {
		doc.Score = *update.Score
	}
	if update.QualityWarning != nil {
		doc.QualityWarning = *update.QualityWarning
	}
}

// Ptr is a small helper for building partial updates.
func Ptr[T any](v T) *T { return &v }
