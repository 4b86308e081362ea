package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Example sources.
const (
	SourceApprovals = "approvals"
	SourceFeedback  = "feedback"
	SourceGold      = "gold"
	SourceSynthetic = "synthetic"
)

// LabeledExample is one human-verified training datum. The payload is a
// feature snapshot frozen at label time and is never re-derived.
type LabeledExample struct {
	ID         int64           `json:"id"`
	Agent      string          `json:"agent"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	Label      string          `json:"label"`
	Source     string          `json:"source"`
	SourceID   string          `json:"source_id"`
	Confidence int             `json:"confidence"`
	CreatedAt  time.Time       `json:"created_at"`
}

// InsertExample appends a labeled example unless one already exists for the
// same (source, source_id). Returns true when a row was inserted. The dedup
// is an explicit pre-insert existence check so re-running an overlapping
// feed window inserts nothing.
func (s *Local) InsertExample(ex LabeledExample) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}
	if ex.Agent == "" || ex.Key == "" || ex.Label == "" {
		return false, fmt.Errorf("labeled example requires agent, key and label")
	}
	if ex.Source == "" || ex.SourceID == "" {
		return false, fmt.Errorf("labeled example requires source and source_id")
	}
	if ex.Confidence < 0 || ex.Confidence > 100 {
		return false, fmt.Errorf("confidence must be within [0, 100], got %d", ex.Confidence)
	}
	if len(ex.Payload) == 0 {
		ex.Payload = json.RawMessage("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM labeled_examples WHERE source = ? AND source_id = ?`,
		ex.Source, ex.SourceID,
	).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("failed dedup check for %s/%s: %w", ex.Source, ex.SourceID, err)
	}
	if existing > 0 {
		return false, nil
	}

	_, err = s.db.Exec(`
		INSERT INTO labeled_examples (agent, key, payload, label, source, source_id, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ex.Agent, ex.Key, string(ex.Payload), ex.Label, ex.Source, ex.SourceID, ex.Confidence)
	if err != nil {
		s.log.Error("failed to insert labeled example",
			zap.String("agent", ex.Agent), zap.String("key", ex.Key), zap.Error(err))
		return false, fmt.Errorf("failed to insert labeled example: %w", err)
	}
	return true, nil
}

// ExamplesForAgent returns labeled examples for an agent, oldest first.
// limit <= 0 means no limit.
func (s *Local) ExamplesForAgent(agent string, limit int) ([]LabeledExample, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, agent, key, payload, label, source, source_id, confidence, created_at
		FROM labeled_examples
		WHERE agent = ?
		ORDER BY id ASC
	`
	args := []any{agent}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query examples: %w", err)
	}
	defer rows.Close()

	var out []LabeledExample
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// CountForAgent returns how many labeled examples exist for an agent.
func (s *Local) CountForAgent(agent string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM labeled_examples WHERE agent = ?`, agent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count examples: %w", err)
	}
	return n, nil
}

// LabeledKeys returns the set of task keys already labeled for an agent.
// Used by the sampler to exclude duplicate review work.
func (s *Local) LabeledKeys(agent string) (map[string]bool, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT DISTINCT key FROM labeled_examples WHERE agent = ?`, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to query labeled keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

// Agents returns the distinct agents with at least one labeled example.
func (s *Local) Agents() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT DISTINCT agent FROM labeled_examples ORDER BY agent ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// LabelForKey returns the ground-truth label for (agent, key), if any.
func (s *Local) LabelForKey(agent, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var label string
	err := s.db.QueryRow(
		`SELECT label FROM labeled_examples WHERE agent = ? AND key = ? ORDER BY id DESC LIMIT 1`,
		agent, key,
	).Scan(&label)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to query label: %w", err)
	}
	return label, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExample(r rowScanner) (LabeledExample, error) {
	var ex LabeledExample
	var payload, created string
	if err := r.Scan(&ex.ID, &ex.Agent, &ex.Key, &payload, &ex.Label,
		&ex.Source, &ex.SourceID, &ex.Confidence, &created); err != nil {
		return ex, fmt.Errorf("failed to scan example: %w", err)
	}
	ex.Payload = json.RawMessage(payload)
	if t, err := time.Parse("2006-01-02 15:04:05", created); err == nil {
		ex.CreatedAt = t
	}
	return ex, nil
}
