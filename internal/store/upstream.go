package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Raw upstream events land in these tables before the feed loader derives
// labels from them. The host application writes them; this subsystem only
// reads (and re-reads -- the dedup lives downstream in labeled_examples).

// ApprovalEvent is one resolved human approval decision from the host app.
type ApprovalEvent struct {
	ID         string          `json:"id"`
	Agent      string          `json:"agent"`
	ThreadKey  string          `json:"thread_key"`
	Action     string          `json:"action"`
	Decision   string          `json:"decision"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// FeedbackAggregate is a thumbs-up/down rollup for one item.
type FeedbackAggregate struct {
	ID         string          `json:"id"`
	Agent      string          `json:"agent"`
	ItemKey    string          `json:"item_key"`
	ThumbsUp   int             `json:"thumbs_up"`
	ThumbsDown int             `json:"thumbs_down"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Ratio returns the thumbs-up ratio, zero when there are no votes.
func (f FeedbackAggregate) Ratio() float64 {
	total := f.ThumbsUp + f.ThumbsDown
	if total == 0 {
		return 0
	}
	return float64(f.ThumbsUp) / float64(total)
}

// PutApprovalEvent upserts a raw approval event.
func (s *Local) PutApprovalEvent(ev ApprovalEvent) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if ev.ID == "" || ev.Agent == "" {
		return fmt.Errorf("approval event requires id and agent")
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO approval_events (id, agent, thread_key, action, decision, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			decision = excluded.decision,
			payload = excluded.payload,
			occurred_at = excluded.occurred_at
	`, ev.ID, ev.Agent, ev.ThreadKey, ev.Action, ev.Decision, string(ev.Payload),
		ev.OccurredAt.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("failed to put approval event: %w", err)
	}
	return nil
}

// ApprovalEventsSince returns approval events at or after since, oldest
// first, capped at limit when limit > 0.
func (s *Local) ApprovalEventsSince(since time.Time, limit int) ([]ApprovalEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, agent, thread_key, action, decision, payload, occurred_at
		FROM approval_events
		WHERE occurred_at >= ?
		ORDER BY occurred_at ASC, id ASC
	`
	args := []any{since.UTC().Format("2006-01-02 15:04:05")}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval events: %w", err)
	}
	defer rows.Close()

	var out []ApprovalEvent
	for rows.Next() {
		var ev ApprovalEvent
		var payload, occurred string
		if err := rows.Scan(&ev.ID, &ev.Agent, &ev.ThreadKey, &ev.Action, &ev.Decision, &payload, &occurred); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		if t, err := time.Parse("2006-01-02 15:04:05", occurred); err == nil {
			ev.OccurredAt = t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PutFeedbackAggregate upserts a raw feedback rollup.
func (s *Local) PutFeedbackAggregate(fb FeedbackAggregate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if fb.ID == "" || fb.Agent == "" {
		return fmt.Errorf("feedback aggregate requires id and agent")
	}
	if len(fb.Payload) == 0 {
		fb.Payload = json.RawMessage("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO feedback_aggregates (id, agent, item_key, thumbs_up, thumbs_down, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thumbs_up = excluded.thumbs_up,
			thumbs_down = excluded.thumbs_down,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, fb.ID, fb.Agent, fb.ItemKey, fb.ThumbsUp, fb.ThumbsDown, string(fb.Payload),
		fb.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("failed to put feedback aggregate: %w", err)
	}
	return nil
}

// FeedbackAggregatesSince returns feedback rollups updated at or after
// since, oldest first, capped at limit when limit > 0.
func (s *Local) FeedbackAggregatesSince(since time.Time, limit int) ([]FeedbackAggregate, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, agent, item_key, thumbs_up, thumbs_down, payload, updated_at
		FROM feedback_aggregates
		WHERE updated_at >= ?
		ORDER BY updated_at ASC, id ASC
	`
	args := []any{since.UTC().Format("2006-01-02 15:04:05")}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback aggregates: %w", err)
	}
	defer rows.Close()

	var out []FeedbackAggregate
	for rows.Next() {
		var fb FeedbackAggregate
		var payload, updated string
		if err := rows.Scan(&fb.ID, &fb.Agent, &fb.ItemKey, &fb.ThumbsUp, &fb.ThumbsDown, &payload, &updated); err != nil {
			return nil, err
		}
		fb.Payload = json.RawMessage(payload)
		if t, err := time.Parse("2006-01-02 15:04:05", updated); err == nil {
			fb.UpdatedAt = t
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}
