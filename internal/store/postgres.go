package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists documents and execution logs in postgres via the
// pgx stdlib driver, with an LRU read cache in front of document gets.
type PostgresStore struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error

	cache *lru.Cache[string, Document]
}

func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	cache, err := lru.New[string, Document](1024)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, cache: cache}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS documents (
  id TEXT PRIMARY KEY,
  question TEXT NOT NULL DEFAULT '',
  persona TEXT NOT NULL DEFAULT '',
  narrative TEXT NOT NULL DEFAULT '',
  summaries JSONB NOT NULL DEFAULT '{}',
  score DOUBLE PRECISION NOT NULL DEFAULT 0,
  quality_warning BOOLEAN NOT NULL DEFAULT FALSE,
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS execution_logs (
  id SERIAL PRIMARY KEY,
  run_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  status TEXT NOT NULL,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  detail TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_run_id ON execution_logs (run_id);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Document, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if doc, ok := s.cache.Get(id); ok {
		out := doc
		return &out, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, question, persona, narrative, summaries, score, quality_warning, updated_at
FROM documents WHERE id = $1`, id)
	var doc Document
	var summaries []byte
	err := row.Scan(&doc.ID, &doc.Question, &doc.Persona, &doc.Narrative, &summaries, &doc.Score, &doc.QualityWarning, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(summaries) > 0 {
		_ = json.Unmarshal(summaries, &doc.Summaries)
	}
	s.cache.Add(id, doc)
	out := doc
	return &out, nil
}

func (s *PostgresStore) Put(ctx context.Context, id string, update DocumentUpdate) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)

	// Read-modify-write keeps the partial-update semantics identical to the
	// memory store; puts happen only at run checkpoints, so contention is nil.
	doc := Document{ID: id}
	if existing, err := s.Get(ctx, id); err == nil {
		doc = *existing
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	applyUpdate(&doc, update)
	doc.UpdatedAt = time.Now().UTC()

	summaries, err := json.Marshal(doc.Summaries)
	if err != nil {
		summaries = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (id, question, persona, narrative, summaries, score, quality_warning, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id)
DO UPDATE SET question=EXCLUDED.question,
  persona=EXCLUDED.persona,
  narrative=EXCLUDED.narrative,
  summaries=EXCLUDED.summaries,
  score=EXCLUDED.score,
  quality_warning=EXCLUDED.quality_warning,
  updated_at=EXCLUDED.updated_at`,
		doc.ID, doc.Question, doc.Persona, doc.Narrative, summaries, doc.Score, doc.QualityWarning, doc.UpdatedAt)
	if err != nil {
		return err
	}
	s.cache.Remove(id)
	return nil
}

func (s *PostgresStore) AppendExecutionLog(ctx context.Context, entry LogEntry) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO execution_logs (run_id, stage, status, duration_ms, detail, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.RunID, entry.Stage, entry.Status, entry.DurationMs, entry.Detail, entry.Timestamp)
	return err
}
