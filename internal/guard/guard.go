// Package guard is the nightly control loop that watches live canary
// performance and drives promotion or rollback. The guard never computes
// metrics itself; it applies policy thresholds to deltas from an external
// regression detector, and when that detector is ambiguous or broken the
// answer is always "monitor" -- conservative inaction over an unguarded
// promote.
package guard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"canaryloop/internal/bundle"
	"canaryloop/internal/settings"
)

// Recommendations.
const (
	RecommendRollback = "rollback"
	RecommendPromote  = "promote"
	RecommendMonitor  = "monitor"
)

// Deltas are the raw canary-vs-active comparison from the detector.
// Quality delta is positive-good; latency delta is positive-bad.
type Deltas struct {
	QualityDelta float64 `json:"quality_delta"`
	LatencyDelta float64 `json:"latency_delta"`
}

// RegressionDetector is the external metrics capability.
type RegressionDetector interface {
	Compare(ctx context.Context, agent string, lookbackHours int) (Deltas, error)
}

// MetricsRecorder is implemented by detectors that accept pushed metrics.
type MetricsRecorder interface {
	Record(agent string, deltas Deltas, at time.Time) error
}

// CheckResult is one canary performance verdict.
type CheckResult struct {
	Agent          string  `json:"agent"`
	HasRegression  bool    `json:"has_regression"`
	QualityDelta   float64 `json:"quality_delta"`
	LatencyDelta   float64 `json:"latency_delta"`
	Recommendation string  `json:"recommendation"`
}

// Thresholds is the promotion/rollback policy. Rollback triggers are
// deliberately easier to hit than promotion triggers.
type Thresholds struct {
	QualityDrop float64 // rollback when quality_delta < this (default -0.05)
	LatencyRise float64 // rollback when latency_delta > this (default 0.10)
	QualityGain float64 // promote when quality_delta > this (default 0.02)
	LatencyDrop float64 // promote when latency_delta < this (default -0.10)
}

// DefaultThresholds returns the standard policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QualityDrop: -0.05,
		LatencyRise: 0.10,
		QualityGain: 0.02,
		LatencyDrop: -0.10,
	}
}

// Guard evaluates canaries and drives the bundle manager.
type Guard struct {
	manager    *bundle.Manager
	detector   RegressionDetector
	settings   *settings.Store
	log        *zap.Logger
	thresholds Thresholds

	lookbackHours    int
	stages           []int
	maxStalledCycles int
}

// Options configures a Guard. Zero values take the documented defaults.
type Options struct {
	Thresholds       Thresholds
	LookbackHours    int   // default 24
	Stages           []int // default [10, 50, 100]
	MaxStalledCycles int   // default 3
}

// New wires a canary guard.
func New(m *bundle.Manager, d RegressionDetector, set *settings.Store, opts Options, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.LookbackHours <= 0 {
		opts.LookbackHours = 24
	}
	if len(opts.Stages) == 0 {
		opts.Stages = []int{10, 50, 100}
	}
	if opts.MaxStalledCycles <= 0 {
		opts.MaxStalledCycles = 3
	}
	return &Guard{
		manager:          m,
		detector:         d,
		settings:         set,
		log:              log,
		thresholds:       opts.Thresholds,
		lookbackHours:    opts.LookbackHours,
		stages:           opts.Stages,
		maxStalledCycles: opts.MaxStalledCycles,
	}
}

// CheckCanaryPerformance applies the policy thresholds to the detector's
// deltas. A detector failure degrades to "monitor", never to an error the
// nightly loop would treat as fatal.
func (g *Guard) CheckCanaryPerformance(ctx context.Context, agent string, lookbackHours int) (CheckResult, error) {
	if lookbackHours <= 0 {
		lookbackHours = g.lookbackHours
	}

	result := CheckResult{Agent: agent, Recommendation: RecommendMonitor}

	deltas, err := g.detector.Compare(ctx, agent, lookbackHours)
	if err != nil {
		g.log.Warn("regression detector failed, holding at monitor",
			zap.String("agent", agent), zap.Error(err))
		return result, nil
	}

	result.QualityDelta = deltas.QualityDelta
	result.LatencyDelta = deltas.LatencyDelta

	switch {
	case deltas.QualityDelta < g.thresholds.QualityDrop || deltas.LatencyDelta > g.thresholds.LatencyRise:
		result.HasRegression = true
		result.Recommendation = RecommendRollback
	case deltas.QualityDelta > g.thresholds.QualityGain || deltas.LatencyDelta < g.thresholds.LatencyDrop:
		result.Recommendation = RecommendPromote
	}

	return result, nil
}

// PromoteCanary raises the canary to the target percent via the manager.
// At 100 the canary becomes active.
func (g *Guard) PromoteCanary(ctx context.Context, agent string, targetPercent int) error {
	return g.manager.PromoteCanary(ctx, agent, targetPercent)
}

// RollbackCanary retires the canary; traffic reverts to the active
// bundle. Distinct from the manager's backup-restoring rollback.
func (g *Guard) RollbackCanary(ctx context.Context, agent string) error {
	if err := g.manager.RollbackCanary(ctx, agent); err != nil {
		return err
	}
	return g.settings.Delete(rolloutKey(agent))
}

// RecordCanaryMetrics forwards pushed deltas to the detector when it
// supports them.
func (g *Guard) RecordCanaryMetrics(agent string, deltas Deltas) error {
	rec, ok := g.detector.(MetricsRecorder)
	if !ok {
		return fmt.Errorf("regression detector does not accept pushed metrics")
	}
	return rec.Record(agent, deltas, time.Now().UTC())
}
