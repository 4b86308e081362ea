// Package feed implements the idempotent ETL that turns upstream human
// signals (approvals, thumbs feedback, gold tasks) into labeled examples.
// Re-running any load with an overlapping window inserts zero duplicates;
// the (source, source_id) dedup lives in the store.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"canaryloop/internal/store"
)

// Feedback label thresholds on the thumbs-up ratio.
const (
	highQualityRatio   = 0.8
	mediumQualityRatio = 0.5
)

// Loader populates the labeled example store from upstream sources.
type Loader struct {
	store     *store.Local
	approvals ApprovalSource
	feedback  FeedbackSource
	goldsets  GoldsetSource
	log       *zap.Logger
}

// NewLoader wires a loader. Any source may be nil; its load then reports 0.
func NewLoader(s *store.Local, approvals ApprovalSource, feedback FeedbackSource, goldsets GoldsetSource, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{store: s, approvals: approvals, feedback: feedback, goldsets: goldsets, log: log}
}

// LoadFromApprovals derives labels from resolved approvals. The label is
// "{action}_{decision}" and confidence is fixed at 100. Returns the number
// of newly inserted rows.
func (l *Loader) LoadFromApprovals(ctx context.Context, since time.Time, limit int) (int, error) {
	if l.approvals == nil {
		return 0, nil
	}

	events, err := l.approvals.ApprovalsSince(ctx, since, limit)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			l.log.Warn("approvals source unavailable, skipping", zap.Error(err))
			return 0, nil
		}
		return 0, err
	}

	inserted := 0
	for _, ev := range events {
		ex := store.LabeledExample{
			Agent:      ev.Agent,
			Key:        ev.ThreadKey,
			Payload:    ev.Payload,
			Label:      fmt.Sprintf("%s_%s", ev.Action, ev.Decision),
			Source:     store.SourceApprovals,
			SourceID:   ev.ID,
			Confidence: 100,
		}
		ok, err := l.store.InsertExample(ex)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert approval example: %w", err)
		}
		if ok {
			inserted++
		}
	}

	l.log.Info("loaded labeled examples from approvals",
		zap.Int("fetched", len(events)), zap.Int("inserted", inserted))
	return inserted, nil
}

// LoadFromFeedback derives quality labels by thresholding the thumbs-up
// ratio at 0.8 / 0.5; confidence is round(ratio * 100). Returns the number
// of newly inserted rows.
func (l *Loader) LoadFromFeedback(ctx context.Context, since time.Time, limit int) (int, error) {
	if l.feedback == nil {
		return 0, nil
	}

	aggs, err := l.feedback.AggregatesSince(ctx, since, limit)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			l.log.Warn("feedback source unavailable, skipping", zap.Error(err))
			return 0, nil
		}
		return 0, err
	}

	inserted := 0
	for _, fb := range aggs {
		ratio := fb.Ratio()
		ex := store.LabeledExample{
			Agent:      fb.Agent,
			Key:        fb.ItemKey,
			Payload:    fb.Payload,
			Label:      feedbackLabel(ratio),
			Source:     store.SourceFeedback,
			SourceID:   fb.ID,
			Confidence: int(math.Round(ratio * 100)),
		}
		ok, err := l.store.InsertExample(ex)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert feedback example: %w", err)
		}
		if ok {
			inserted++
		}
	}

	l.log.Info("loaded labeled examples from feedback",
		zap.Int("fetched", len(aggs)), zap.Int("inserted", inserted))
	return inserted, nil
}

// LoadFromGoldsets ingests curated gold tasks for one agent with fixed
// confidence 100. Returns the number of newly inserted rows.
func (l *Loader) LoadFromGoldsets(ctx context.Context, agent string, limit int) (int, error) {
	if l.goldsets == nil {
		return 0, nil
	}

	tasks, err := l.goldsets.Tasks(ctx, agent, limit)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			l.log.Warn("goldset source unavailable, skipping",
				zap.String("agent", agent), zap.Error(err))
			return 0, nil
		}
		return 0, err
	}

	inserted := 0
	for _, task := range tasks {
		payload, err := json.Marshal(task.Payload)
		if err != nil {
			return inserted, fmt.Errorf("failed to marshal gold payload for %s: %w", task.Key, err)
		}
		taskAgent := task.Agent
		if taskAgent == "" {
			taskAgent = agent
		}
		ex := store.LabeledExample{
			Agent:      taskAgent,
			Key:        task.Key,
			Payload:    payload,
			Label:      task.Label,
			Source:     store.SourceGold,
			SourceID:   task.ID,
			Confidence: 100,
		}
		ok, err := l.store.InsertExample(ex)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert gold example: %w", err)
		}
		if ok {
			inserted++
		}
	}

	l.log.Info("loaded labeled examples from goldsets",
		zap.String("agent", agent), zap.Int("fetched", len(tasks)), zap.Int("inserted", inserted))
	return inserted, nil
}

// LoadAll runs all three sources and returns the total inserted count.
// A source failure never aborts the others.
func (l *Loader) LoadAll(ctx context.Context, since time.Time, limit int, agents []string) (int, error) {
	total := 0

	n, err := l.LoadFromApprovals(ctx, since, limit)
	if err != nil {
		return total, err
	}
	total += n

	n, err = l.LoadFromFeedback(ctx, since, limit)
	if err != nil {
		return total, err
	}
	total += n

	for _, agent := range agents {
		n, err = l.LoadFromGoldsets(ctx, agent, limit)
		if err != nil {
			return total, err
		}
		total += n
	}

	return total, nil
}

func feedbackLabel(ratio float64) string {
	switch {
	case ratio >= highQualityRatio:
		return "high_quality"
	case ratio >= mediumQualityRatio:
		return "medium_quality"
	default:
		return "low_quality"
	}
}
