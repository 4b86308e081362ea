package trainer

import (
	"fmt"
	"sync"
)

// ThresholdDeriver maps a fitted model back to the serving-time threshold
// map. The mapping is model- and feature-set-specific; agents with custom
// feature extractors register a matching deriver.
type ThresholdDeriver func(m Model, std *Standardizer, names []string) map[string]float64

var (
	deriverMu sync.RWMutex
	derivers  = map[string]ThresholdDeriver{}
)

// RegisterDeriver installs a threshold deriver for an agent.
func RegisterDeriver(agent string, d ThresholdDeriver) {
	deriverMu.Lock()
	defer deriverMu.Unlock()
	derivers[agent] = d
}

// DeriverFor returns the registered deriver for an agent, falling back to
// the boundary-scan default.
func DeriverFor(agent string) ThresholdDeriver {
	deriverMu.RLock()
	defer deriverMu.RUnlock()
	if d, ok := derivers[agent]; ok {
		return d
	}
	return BoundaryScanDeriver
}

// BoundaryScanDeriver derives one threshold per feature: the raw value at
// which the model's prediction flips when that feature is swept across
// [-3, +3] standard deviations with all other features held at their mean.
// Features that never flip the decision emit no threshold. The scan step
// is fixed so the output is deterministic.
func BoundaryScanDeriver(m Model, std *Standardizer, names []string) map[string]float64 {
	const (
		scanLo   = -3.0
		scanHi   = 3.0
		scanStep = 0.01
	)

	thresholds := make(map[string]float64)
	dim := len(names)

	for j := 0; j < dim; j++ {
		probe := make([]float64, dim)
		probe[j] = scanLo
		base := m.Predict(probe)

		for v := scanLo + scanStep; v <= scanHi; v += scanStep {
			probe[j] = v
			if m.Predict(probe) != base {
				thresholds[fmt.Sprintf("%s_threshold", names[j])] = std.Invert(j, v)
				break
			}
		}
	}

	return thresholds
}
