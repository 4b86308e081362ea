// Package sampler builds the human review queue: the unlabeled
// predictions most likely to be mislabeled or ambiguous, ranked by an
// uncertainty score in [0, 1]. Each run fully replaces the previous
// queue for its agent; the queue is working state, not an audit trail.
package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"canaryloop/internal/judge"
	"canaryloop/internal/settings"
	"canaryloop/internal/store"
)

// Uncertainty methods, in descending signal priority.
const (
	MethodDisagreement     = "disagreement"
	MethodLowConfidence    = "low_confidence"
	MethodWeightedVariance = "weighted_variance"
)

// Candidate is one unlabeled prediction needing human attention.
type Candidate struct {
	TaskKey     string             `json:"task_key"`
	Agent       string             `json:"agent"`
	Uncertainty float64            `json:"uncertainty"`
	Method      string             `json:"method"`
	JudgeScores map[string]float64 `json:"judge_scores"`
	Payload     json.RawMessage    `json:"payload"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Sampler ranks recent predictions for human review.
type Sampler struct {
	store    *store.Local
	settings *settings.Store
	weights  *judge.Calculator
	log      *zap.Logger

	windowDays         int
	lowConfidenceFloor float64
	defaultTopN        int
}

// Options configures a Sampler. Zero values take the documented defaults.
type Options struct {
	WindowDays         int     // default 7
	LowConfidenceFloor float64 // default 0.60
	DefaultTopN        int     // default 50
}

// NewSampler wires an uncertainty sampler.
func NewSampler(s *store.Local, set *settings.Store, weights *judge.Calculator, opts Options, log *zap.Logger) *Sampler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 7
	}
	if opts.LowConfidenceFloor <= 0 {
		opts.LowConfidenceFloor = 0.60
	}
	if opts.DefaultTopN <= 0 {
		opts.DefaultTopN = 50
	}
	return &Sampler{
		store:              s,
		settings:           set,
		weights:            weights,
		log:                log,
		windowDays:         opts.WindowDays,
		lowConfidenceFloor: opts.LowConfidenceFloor,
		defaultTopN:        opts.DefaultTopN,
	}
}

// SampleForReview returns the ranked review queue for one agent: recent
// unlabeled predictions scored by the highest-signal applicable method,
// sorted descending by uncertainty with a stable tie-break on fetch
// order, floored at minUncertainty and cut to topN.
func (s *Sampler) SampleForReview(ctx context.Context, agent string, topN int, minUncertainty float64) ([]Candidate, error) {
	if topN <= 0 {
		topN = s.defaultTopN
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -s.windowDays)
	preds, err := s.store.PredictionsSince(agent, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch predictions: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	labeled, err := s.store.LabeledKeys(agent)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch labeled keys: %w", err)
	}

	weightMap, err := s.weights.WeightsForAgent(agent)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch judge weights: %w", err)
	}

	// Group predictions by task, preserving first-seen order for the
	// stable tie-break.
	groups := make(map[string][]store.Prediction)
	var order []string
	for _, p := range preds {
		if labeled[p.TaskKey] {
			continue
		}
		if _, seen := groups[p.TaskKey]; !seen {
			order = append(order, p.TaskKey)
		}
		groups[p.TaskKey] = append(groups[p.TaskKey], p)
	}

	candidates := make([]Candidate, 0, len(order))
	for _, key := range order {
		group := groups[key]
		uncertainty, method := s.scoreGroup(group, weightMap)

		scores := make(map[string]float64, len(group))
		for _, p := range group {
			scores[p.JudgeID] = p.Confidence
		}

		candidates = append(candidates, Candidate{
			TaskKey:     key,
			Agent:       agent,
			Uncertainty: uncertainty,
			Method:      method,
			JudgeScores: scores,
			Payload:     group[0].Payload,
			CreatedAt:   now,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Uncertainty > candidates[j].Uncertainty
	})

	out := make([]Candidate, 0, topN)
	for _, c := range candidates {
		if c.Uncertainty < minUncertainty {
			continue
		}
		out = append(out, c)
		if len(out) >= topN {
			break
		}
	}
	return out, nil
}

// scoreGroup applies the highest-signal applicable method:
// disagreement entropy when at least two judges split on the verdict,
// else low-confidence distance when the weighted confidence is under the
// floor, else judge-weighted variance of the confidence scores.
func (s *Sampler) scoreGroup(group []store.Prediction, weights map[string]judge.JudgeWeight) (float64, string) {
	verdicts := make(map[string]int)
	for _, p := range group {
		verdicts[p.Verdict]++
	}

	if len(group) >= 2 && len(verdicts) >= 2 {
		return verdictEntropy(verdicts, len(group)), MethodDisagreement
	}

	weightedConf := weightedConfidence(group, weights)
	if weightedConf < s.lowConfidenceFloor {
		return clamp01(1 - weightedConf), MethodLowConfidence
	}

	return weightedVariance(group, weights), MethodWeightedVariance
}

// verdictEntropy is Shannon entropy over the verdict distribution,
// normalized by log2 of the distinct verdict count into [0, 1].
func verdictEntropy(verdicts map[string]int, total int) float64 {
	h := 0.0
	for _, count := range verdicts {
		p := float64(count) / float64(total)
		h -= p * math.Log2(p)
	}
	norm := math.Log2(float64(len(verdicts)))
	if norm == 0 {
		return 0
	}
	return clamp01(h / norm)
}

// weightedConfidence averages judge confidences using trust weights,
// falling back to equal weights when none are on record.
func weightedConfidence(group []store.Prediction, weights map[string]judge.JudgeWeight) float64 {
	var sum, weightSum float64
	for _, p := range group {
		w := 1.0
		if jw, ok := weights[p.JudgeID]; ok {
			w = jw.Weight
		}
		sum += p.Confidence * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// weightedVariance is the judge-weighted variance of confidence scores,
// linearly rescaled into [0, 1] by the theoretical max variance for the
// observed score range: ((max-min)/2)^2.
func weightedVariance(group []store.Prediction, weights map[string]judge.JudgeWeight) float64 {
	if len(group) < 2 {
		return 0
	}

	mean := weightedConfidence(group, weights)

	var varSum, weightSum float64
	lo, hi := group[0].Confidence, group[0].Confidence
	for _, p := range group {
		w := 1.0
		if jw, ok := weights[p.JudgeID]; ok {
			w = jw.Weight
		}
		d := p.Confidence - mean
		varSum += w * d * d
		weightSum += w
		if p.Confidence < lo {
			lo = p.Confidence
		}
		if p.Confidence > hi {
			hi = p.Confidence
		}
	}
	if weightSum == 0 || hi == lo {
		return 0
	}

	variance := varSum / weightSum
	half := (hi - lo) / 2
	return clamp01(variance / (half * half))
}

// DailySampleReviewQueue regenerates the review queue for every agent with
// recent predictions, fully replacing each agent's previous queue.
func (s *Sampler) DailySampleReviewQueue(ctx context.Context, topN int, minUncertainty float64) error {
	since := time.Now().UTC().AddDate(0, 0, -s.windowDays)
	agents, err := s.store.PredictionAgents(since)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, agent := range agents {
		agent := agent
		g.Go(func() error {
			queue, err := s.SampleForReview(ctx, agent, topN, minUncertainty)
			if err != nil {
				return fmt.Errorf("failed to sample %s: %w", agent, err)
			}
			if _, err := s.settings.Put(queueKey(agent), queue); err != nil {
				return fmt.Errorf("failed to store review queue for %s: %w", agent, err)
			}
			s.log.Info("regenerated review queue",
				zap.String("agent", agent), zap.Int("candidates", len(queue)))
			return nil
		})
	}
	return g.Wait()
}

// StoredQueue returns the last persisted review queue for an agent.
func (s *Sampler) StoredQueue(agent string) ([]Candidate, error) {
	var queue []Candidate
	if _, err := s.settings.Get(queueKey(agent), &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

// SubmitLabel records a human review decision as a gold labeled example
// and is the path a review UI uses to close the loop on a candidate.
func (s *Sampler) SubmitLabel(agent, taskKey, label string, payload json.RawMessage) (bool, error) {
	return s.store.InsertExample(store.LabeledExample{
		Agent:      agent,
		Key:        taskKey,
		Payload:    payload,
		Label:      label,
		Source:     store.SourceGold,
		SourceID:   fmt.Sprintf("review:%s:%s", agent, taskKey),
		Confidence: 100,
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func queueKey(agent string) string {
	return fmt.Sprintf("review_queue.%s", agent)
}
