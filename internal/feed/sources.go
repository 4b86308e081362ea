package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canaryloop/internal/store"
)

// ErrUpstreamUnavailable marks a feed source that could not be reached.
// The loader logs it and moves on; other sources still proceed.
var ErrUpstreamUnavailable = errors.New("upstream source unavailable")

// UpstreamUnavailableError wraps the underlying cause with the source name.
type UpstreamUnavailableError struct {
	Source string
	Err    error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream source %s unavailable: %v", e.Source, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return ErrUpstreamUnavailable }

// ApprovalSource supplies resolved human approval decisions.
type ApprovalSource interface {
	ApprovalsSince(ctx context.Context, since time.Time, limit int) ([]store.ApprovalEvent, error)
}

// FeedbackSource supplies thumbs-up/down rollups.
type FeedbackSource interface {
	AggregatesSince(ctx context.Context, since time.Time, limit int) ([]store.FeedbackAggregate, error)
}

// GoldTask is one curated, high-trust labeled task.
type GoldTask struct {
	ID      string         `yaml:"id"`
	Agent   string         `yaml:"agent,omitempty"`
	Key     string         `yaml:"key"`
	Label   string         `yaml:"label"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// GoldsetSource supplies curated gold tasks for one agent.
type GoldsetSource interface {
	Tasks(ctx context.Context, agent string, limit int) ([]GoldTask, error)
}

// LocalApprovalSource reads approval events the host app lands in the
// local store.
type LocalApprovalSource struct {
	Store *store.Local
}

func (s *LocalApprovalSource) ApprovalsSince(ctx context.Context, since time.Time, limit int) ([]store.ApprovalEvent, error) {
	events, err := s.Store.ApprovalEventsSince(since, limit)
	if err != nil {
		return nil, &UpstreamUnavailableError{Source: "approvals", Err: err}
	}
	return events, nil
}

// LocalFeedbackSource reads feedback rollups from the local store.
type LocalFeedbackSource struct {
	Store *store.Local
}

func (s *LocalFeedbackSource) AggregatesSince(ctx context.Context, since time.Time, limit int) ([]store.FeedbackAggregate, error) {
	aggs, err := s.Store.FeedbackAggregatesSince(since, limit)
	if err != nil {
		return nil, &UpstreamUnavailableError{Source: "feedback", Err: err}
	}
	return aggs, nil
}
