package trainer

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FeatureExtractor maps a frozen payload snapshot to a numeric vector.
// The vector order is fixed per agent and matches Names(); bundles store
// feature importances in the same order.
type FeatureExtractor interface {
	Names() []string
	Extract(payload json.RawMessage) ([]float64, error)
}

// MapExtractor reads named numeric fields from a JSON payload. Missing
// fields extract as 0; booleans extract as 0/1.
type MapExtractor struct {
	Fields []string
}

func (m *MapExtractor) Names() []string { return m.Fields }

func (m *MapExtractor) Extract(payload json.RawMessage) ([]float64, error) {
	var raw map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse payload: %w", err)
		}
	}

	vec := make([]float64, len(m.Fields))
	for i, field := range m.Fields {
		switch v := raw[field].(type) {
		case float64:
			vec[i] = v
		case bool:
			if v {
				vec[i] = 1
			}
		case nil:
			vec[i] = 0
		default:
			return nil, fmt.Errorf("payload field %s is not numeric", field)
		}
	}
	return vec, nil
}

var (
	extractorMu sync.RWMutex
	extractors  = map[string]FeatureExtractor{
		"inbox_triage": &MapExtractor{Fields: []string{
			"risk_score", "sender_reputation", "attachment_count", "link_count",
		}},
		"insights_writer": &MapExtractor{Fields: []string{
			"novelty", "relevance", "length_norm",
		}},
		"knowledge_update": &MapExtractor{Fields: []string{
			"staleness", "citation_count", "conflict_score",
		}},
	}
)

// RegisterExtractor installs (or replaces) the feature extractor for an
// agent. The agent set is open; new agents register their extractor at
// startup.
func RegisterExtractor(agent string, fe FeatureExtractor) {
	extractorMu.Lock()
	defer extractorMu.Unlock()
	extractors[agent] = fe
}

// ExtractorFor returns the registered extractor for an agent.
func ExtractorFor(agent string) (FeatureExtractor, bool) {
	extractorMu.RLock()
	defer extractorMu.RUnlock()
	fe, ok := extractors[agent]
	return fe, ok
}
