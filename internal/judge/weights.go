// Package judge scores LLM judge reliability against human ground truth.
// A judge's trust weight is a decay-weighted agreement rate penalized by
// calibration error, recomputed nightly from the full evidence window --
// never incrementally patched.
package judge

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"canaryloop/internal/settings"
	"canaryloop/internal/store"
)

// Weight bounds. Even a consistently wrong judge keeps a small voice so
// its future evidence can rehabilitate it.
const (
	MinWeight = 0.10
	MaxWeight = 1.00
)

// Evidence is one matched prediction: did the judge agree with the human
// label, and how confident did it claim to be.
type Evidence struct {
	Timestamp           time.Time
	Agreement           int     // 1 = judge verdict matched ground truth
	PredictedConfidence float64 // judge's claimed confidence in [0, 1]
}

// JudgeWeight is the persisted trust score for one judge on one agent.
type JudgeWeight struct {
	Weight        float64   `json:"weight"`
	EvidenceCount int       `json:"evidence_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Calculator recomputes judge weights from the evidence window.
type Calculator struct {
	store    *store.Local
	settings *settings.Store
	log      *zap.Logger

	halfLifeDays  float64
	lookbackDays  int
	minEvidence   int
	defaultWeight float64
}

// Options configures a Calculator. Zero values take the documented defaults.
type Options struct {
	HalfLifeDays  float64 // default 7
	LookbackDays  int     // default 30
	MinEvidence   int     // default 5
	DefaultWeight float64 // default 0.5
}

// NewCalculator wires a weight calculator.
func NewCalculator(s *store.Local, set *settings.Store, opts Options, log *zap.Logger) *Calculator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HalfLifeDays <= 0 {
		opts.HalfLifeDays = 7.0
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 30
	}
	if opts.MinEvidence <= 0 {
		opts.MinEvidence = 5
	}
	if opts.DefaultWeight <= 0 {
		opts.DefaultWeight = 0.5
	}
	return &Calculator{
		store:         s,
		settings:      set,
		log:           log,
		halfLifeDays:  opts.HalfLifeDays,
		lookbackDays:  opts.LookbackDays,
		minEvidence:   opts.MinEvidence,
		defaultWeight: opts.DefaultWeight,
	}
}

// ComputeWeight evaluates the weight formula over an evidence sequence:
//
//	decay_i  = exp(-age_days_i * ln2 / half_life)
//	agree    = sum(agreement_i * decay_i) / sum(decay_i)
//	calib    = mean(|confidence_i - agreement_i|)        (unweighted)
//	weight   = clamp(agree - 0.5*calib, 0.10, 1.00)
//
// Empty evidence falls back to the clamped default weight.
func (c *Calculator) ComputeWeight(evidence []Evidence, now time.Time) float64 {
	if len(evidence) == 0 {
		return clampWeight(c.defaultWeight)
	}

	var decaySum, agreeSum, calibSum float64
	for _, ev := range evidence {
		ageDays := now.Sub(ev.Timestamp).Hours() / 24.0
		if ageDays < 0 {
			ageDays = 0
		}
		decay := math.Exp(-ageDays * math.Ln2 / c.halfLifeDays)
		decaySum += decay
		agreeSum += float64(ev.Agreement) * decay
		calibSum += math.Abs(ev.PredictedConfidence - float64(ev.Agreement))
	}

	// Evidence old enough underflows every decay term to zero; there is
	// no signal left to weigh, so treat it like no evidence at all.
	if decaySum == 0 {
		return clampWeight(c.defaultWeight)
	}

	weightedAgreement := agreeSum / decaySum
	calibrationError := calibSum / float64(len(evidence))

	return clampWeight(weightedAgreement - 0.5*calibrationError)
}

// UpdateWeight recomputes and persists the weight for one (agent, judge)
// pair. Below the evidence floor the prior weight is retained rather than
// overwritten with a noisy estimate. Returns the weight now on record.
func (c *Calculator) UpdateWeight(ctx context.Context, agent, judgeID string, evidence []Evidence, now time.Time) (float64, error) {
	weights, err := c.WeightsForAgent(agent)
	if err != nil {
		return 0, err
	}

	if len(evidence) < c.minEvidence {
		if prior, ok := weights[judgeID]; ok {
			c.log.Debug("retaining prior judge weight, below evidence floor",
				zap.String("agent", agent),
				zap.String("judge", judgeID),
				zap.Int("evidence", len(evidence)),
				zap.Int("floor", c.minEvidence))
			return prior.Weight, nil
		}
		// No prior: record the cold-start default.
		w := clampWeight(c.defaultWeight)
		weights[judgeID] = JudgeWeight{Weight: w, EvidenceCount: len(evidence), UpdatedAt: now}
		if _, err := c.settings.Put(weightsKey(agent), weights); err != nil {
			return 0, fmt.Errorf("failed to store judge weights: %w", err)
		}
		return w, nil
	}

	w := c.ComputeWeight(evidence, now)
	weights[judgeID] = JudgeWeight{Weight: w, EvidenceCount: len(evidence), UpdatedAt: now}
	if _, err := c.settings.Put(weightsKey(agent), weights); err != nil {
		return 0, fmt.Errorf("failed to store judge weights: %w", err)
	}

	c.log.Info("updated judge weight",
		zap.String("agent", agent),
		zap.String("judge", judgeID),
		zap.Float64("weight", w),
		zap.Int("evidence", len(evidence)))
	return w, nil
}

// GatherEvidence matches one judge's predictions against ground truth for
// one agent within the lookback window.
func (c *Calculator) GatherEvidence(agent, judgeID string, now time.Time) ([]Evidence, error) {
	since := now.AddDate(0, 0, -c.lookbackDays)
	preds, err := c.store.PredictionsForJudge(agent, judgeID, since)
	if err != nil {
		return nil, err
	}

	var evidence []Evidence
	for _, p := range preds {
		label, found, err := c.store.LabelForKey(agent, p.TaskKey)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		agreement := 0
		if p.Verdict == label {
			agreement = 1
		}
		evidence = append(evidence, Evidence{
			Timestamp:           p.CreatedAt,
			Agreement:           agreement,
			PredictedConfidence: p.Confidence,
		})
	}
	return evidence, nil
}

// NightlyUpdateWeights recomputes weights for every (agent, judge) pair
// with any evidence in the lookback window. Pairs for different agents run
// in parallel; within one agent the updates are sequential because they
// share the agent's weight map.
func (c *Calculator) NightlyUpdateWeights(ctx context.Context, now time.Time) error {
	since := now.AddDate(0, 0, -c.lookbackDays)
	pairs, err := c.store.AgentJudgePairs(since)
	if err != nil {
		return err
	}

	byAgent := make(map[string][]string)
	for _, p := range pairs {
		byAgent[p.Agent] = append(byAgent[p.Agent], p.JudgeID)
	}

	g, ctx := errgroup.WithContext(ctx)
	for agent, judges := range byAgent {
		agent, judges := agent, judges
		g.Go(func() error {
			for _, judgeID := range judges {
				if err := ctx.Err(); err != nil {
					return err
				}
				evidence, err := c.GatherEvidence(agent, judgeID, now)
				if err != nil {
					return fmt.Errorf("failed to gather evidence for %s/%s: %w", agent, judgeID, err)
				}
				if _, err := c.UpdateWeight(ctx, agent, judgeID, evidence, now); err != nil {
					return fmt.Errorf("failed to update weight for %s/%s: %w", agent, judgeID, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// WeightsForAgent returns the persisted judge weight map for an agent.
// Missing map means cold start; an empty map is returned.
func (c *Calculator) WeightsForAgent(agent string) (map[string]JudgeWeight, error) {
	weights := make(map[string]JudgeWeight)
	if _, err := c.settings.Get(weightsKey(agent), &weights); err != nil {
		return nil, err
	}
	return weights, nil
}

func clampWeight(w float64) float64 {
	if w < MinWeight {
		return MinWeight
	}
	if w > MaxWeight {
		return MaxWeight
	}
	return w
}

func weightsKey(agent string) string {
	return fmt.Sprintf("judge_weights.%s", agent)
}
