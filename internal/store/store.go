// Package store implements persistence for the active-learning loop.
// LabeledExamples are the ground truth all downstream computation reads
// from: append-only, never mutated, deduplicated on (source, source_id).
// Predictions are the raw judge outputs matched against that ground truth
// by the weight calculator and mined by the uncertainty sampler.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Local is the SQLite-backed store for examples, predictions and raw
// upstream events.
type Local struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
	log  *zap.Logger
}

// Open initializes the database at the given path. ":memory:" is allowed
// for tests.
func Open(path string, log *zap.Logger) (*Local, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}

	s := &Local{db: db, path: path, log: log}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Local) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS labeled_examples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		key TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		label TEXT NOT NULL,
		source TEXT NOT NULL,
		source_id TEXT NOT NULL,
		confidence INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_examples_agent ON labeled_examples(agent);
	CREATE INDEX IF NOT EXISTS idx_examples_dedup ON labeled_examples(source, source_id);
	CREATE INDEX IF NOT EXISTS idx_examples_agent_key ON labeled_examples(agent, key);

	CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		task_key TEXT NOT NULL,
		judge_id TEXT NOT NULL,
		verdict TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_agent_time ON predictions(agent, created_at);
	CREATE INDEX IF NOT EXISTS idx_predictions_judge ON predictions(agent, judge_id, created_at);

	CREATE TABLE IF NOT EXISTS approval_events (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		thread_key TEXT NOT NULL,
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS feedback_aggregates (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		item_key TEXT NOT NULL,
		thumbs_up INTEGER NOT NULL DEFAULT 0,
		thumbs_down INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return nil
}

// GetDB exposes the raw handle for stats and migrations.
func (s *Local) GetDB() *sql.DB {
	return s.db
}

// Stats returns row counts per table.
func (s *Local) Stats() (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int)
	for _, table := range []string{"labeled_examples", "predictions", "approval_events", "feedback_aggregates"} {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}

// Close closes the underlying database.
func (s *Local) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
