package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Prediction is one judge verdict for one task. Multiple judges typically
// score the same task_key; the sampler groups by task_key and the weight
// calculator matches verdicts against ground truth.
type Prediction struct {
	ID         int64           `json:"id"`
	Agent      string          `json:"agent"`
	TaskKey    string          `json:"task_key"`
	JudgeID    string          `json:"judge_id"`
	Verdict    string          `json:"verdict"`
	Confidence float64         `json:"confidence"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RecordPrediction appends one judge prediction.
func (s *Local) RecordPrediction(p Prediction) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if p.Agent == "" || p.TaskKey == "" || p.JudgeID == "" {
		return fmt.Errorf("prediction requires agent, task_key and judge_id")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("prediction confidence must be within [0, 1], got %.3f", p.Confidence)
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO predictions (agent, task_key, judge_id, verdict, confidence, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Agent, p.TaskKey, p.JudgeID, p.Verdict, p.Confidence, string(p.Payload),
		createdAt.Format("2006-01-02 15:04:05"))
	if err != nil {
		s.log.Error("failed to record prediction",
			zap.String("agent", p.Agent), zap.String("judge", p.JudgeID), zap.Error(err))
		return fmt.Errorf("failed to record prediction: %w", err)
	}
	return nil
}

// PredictionsSince returns all predictions for an agent created at or after
// since, in insertion order.
func (s *Local) PredictionsSince(agent string, since time.Time) ([]Prediction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, agent, task_key, judge_id, verdict, confidence, payload, created_at
		FROM predictions
		WHERE agent = ? AND created_at >= ?
		ORDER BY id ASC
	`, agent, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var out []Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PredictionsForJudge returns predictions by one judge for one agent since
// the given time, in insertion order.
func (s *Local) PredictionsForJudge(agent, judgeID string, since time.Time) ([]Prediction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, agent, task_key, judge_id, verdict, confidence, payload, created_at
		FROM predictions
		WHERE agent = ? AND judge_id = ? AND created_at >= ?
		ORDER BY id ASC
	`, agent, judgeID, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("failed to query judge predictions: %w", err)
	}
	defer rows.Close()

	var out []Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AgentJudgePair identifies one (agent, judge) scoring unit.
type AgentJudgePair struct {
	Agent   string
	JudgeID string
}

// AgentJudgePairs returns every (agent, judge) pair with at least one
// prediction since the given time. Drives the nightly weight batch.
func (s *Local) AgentJudgePairs(since time.Time) ([]AgentJudgePair, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT DISTINCT agent, judge_id
		FROM predictions
		WHERE created_at >= ?
		ORDER BY agent ASC, judge_id ASC
	`, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("failed to query agent/judge pairs: %w", err)
	}
	defer rows.Close()

	var pairs []AgentJudgePair
	for rows.Next() {
		var p AgentJudgePair
		if err := rows.Scan(&p.Agent, &p.JudgeID); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// PredictionAgents returns the distinct agents with predictions since the
// given time. Drives the daily sampling batch.
func (s *Local) PredictionAgents(since time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT DISTINCT agent FROM predictions WHERE created_at >= ? ORDER BY agent ASC
	`, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("failed to query prediction agents: %w", err)
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

func scanPrediction(r rowScanner) (Prediction, error) {
	var p Prediction
	var payload, created string
	if err := r.Scan(&p.ID, &p.Agent, &p.TaskKey, &p.JudgeID, &p.Verdict,
		&p.Confidence, &payload, &created); err != nil {
		return p, fmt.Errorf("failed to scan prediction: %w", err)
	}
	p.Payload = json.RawMessage(payload)
	if t, err := time.Parse("2006-01-02 15:04:05", created); err == nil {
		p.CreatedAt = t
	}
	return p, nil
}
