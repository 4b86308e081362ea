// Package settings implements the versioned string->JSON map that holds all
// shared mutable state: bundle slots, judge weights, approvals and review
// queues. Every write is a full-value replace that bumps the key's version;
// partial patches are not supported, which keeps the "immutable bundle,
// swap pointer" discipline honest.
package settings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed versioned key-value map.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
	log  *zap.Logger
}

// Entry is one stored value with its version metadata.
type Entry struct {
	Key       string
	Value     json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// Open initializes the settings database at the given path.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}

	s := &Store{db: db, path: path, log: log}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_settings_key_prefix ON settings(key);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize settings schema: %w", err)
	}
	return nil
}

// Put stores value under key, replacing any prior value and bumping the
// version. Returns the new version.
func (s *Store) Put(key string, value any) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("settings store not initialized")
	}
	if key == "" {
		return 0, fmt.Errorf("settings key required")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO settings (key, value, version, updated_at)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = settings.version + 1,
			updated_at = CURRENT_TIMESTAMP
	`, key, string(data))
	if err != nil {
		s.log.Error("settings put failed", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("failed to put %s: %w", key, err)
	}

	var version int64
	if err := s.db.QueryRow(`SELECT version FROM settings WHERE key = ?`, key).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read version for %s: %w", key, err)
	}
	return version, nil
}

// Get unmarshals the value stored under key into out. Returns false when
// the key does not exist.
func (s *Store) Get(key string, out any) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("settings store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if out != nil {
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return true, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
	}
	return true, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("settings store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ListPrefix returns all keys under a prefix, sorted ascending.
func (s *Store) ListPrefix(prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("settings store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT key FROM settings WHERE key LIKE ? ESCAPE '\' ORDER BY key ASC`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetEntry returns the raw entry for a key, including version metadata.
func (s *Store) GetEntry(key string) (*Entry, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("settings store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var e Entry
	var raw string
	var updated string
	err := s.db.QueryRow(
		`SELECT key, value, version, updated_at FROM settings WHERE key = ?`, key,
	).Scan(&e.Key, &raw, &e.Version, &updated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entry %s: %w", key, err)
	}
	e.Value = json.RawMessage(raw)
	if t, err := time.Parse("2006-01-02 15:04:05", updated); err == nil {
		e.UpdatedAt = t
	}
	return &e, true, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LIKE has no parameterized escape for % and _ so escape them here.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
