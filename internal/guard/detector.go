package guard

import (
	"context"
	"fmt"
	"time"

	"canaryloop/internal/settings"
)

// canaryMetrics is the stored push record the default detector reads.
type canaryMetrics struct {
	QualityDelta float64   `json:"quality_delta"`
	LatencyDelta float64   `json:"latency_delta"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// SettingsDetector is the default RegressionDetector. The host application
// pushes canary-vs-active deltas (via the operator API or directly through
// RecordCanaryMetrics); Compare reads the latest record. Missing or stale
// metrics are an error, which the guard degrades to "monitor".
type SettingsDetector struct {
	settings *settings.Store
}

// NewSettingsDetector wires the push-fed detector.
func NewSettingsDetector(set *settings.Store) *SettingsDetector {
	return &SettingsDetector{settings: set}
}

// Record stores the latest deltas for an agent's canary.
func (d *SettingsDetector) Record(agent string, deltas Deltas, at time.Time) error {
	_, err := d.settings.Put(metricsKey(agent), canaryMetrics{
		QualityDelta: deltas.QualityDelta,
		LatencyDelta: deltas.LatencyDelta,
		RecordedAt:   at,
	})
	return err
}

// Compare returns the most recent pushed deltas inside the lookback window.
func (d *SettingsDetector) Compare(ctx context.Context, agent string, lookbackHours int) (Deltas, error) {
	var m canaryMetrics
	found, err := d.settings.Get(metricsKey(agent), &m)
	if err != nil {
		return Deltas{}, err
	}
	if !found {
		return Deltas{}, fmt.Errorf("no canary metrics recorded for agent %s", agent)
	}
	if lookbackHours > 0 && time.Since(m.RecordedAt) > time.Duration(lookbackHours)*time.Hour {
		return Deltas{}, fmt.Errorf("canary metrics for agent %s stale since %s", agent, m.RecordedAt.Format(time.RFC3339))
	}
	return Deltas{QualityDelta: m.QualityDelta, LatencyDelta: m.LatencyDelta}, nil
}

func metricsKey(agent string) string {
	return fmt.Sprintf("canary_metrics.%s", agent)
}
