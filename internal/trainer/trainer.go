// Package trainer turns labeled examples into versioned config bundles.
// Training is all-or-nothing: a failed run leaves no partial bundle, and
// re-running produces a fresh bundle_id rather than a no-op.
package trainer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"canaryloop/internal/store"
)

// ConfigBundle is an immutable, versioned trained configuration snapshot
// for one agent. Only Thresholds is consumed by the serving agent; the
// rest is audit metadata.
type ConfigBundle struct {
	Agent              string             `json:"agent"`
	BundleID           string             `json:"bundle_id"`
	Version            int                `json:"version"`
	CreatedAt          time.Time          `json:"created_at"`
	TrainingCount      int                `json:"training_count"`
	Accuracy           float64            `json:"accuracy"`
	LabelDistribution  map[string]int     `json:"label_distribution"`
	FeatureNames       []string           `json:"feature_names"`
	FeatureImportances []float64          `json:"feature_importances"`
	Thresholds         map[string]float64 `json:"thresholds"`
	ModelType          ModelType          `json:"model_type"`
	SourcesUsed        []string           `json:"sources_used"`
}

// InsufficientDataError means an agent has fewer labeled examples than the
// training minimum. Recoverable: gather more feedback and retry.
type InsufficientDataError struct {
	Agent string
	Have  int
	Need  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient training data for %s: have %d labeled examples, need %d", e.Agent, e.Have, e.Need)
}

// HeuristicTrainer fits bundles from the labeled example store.
type HeuristicTrainer struct {
	store        *store.Local
	minExamples  int
	treeMaxDepth int
	log          *zap.Logger
}

// NewHeuristicTrainer builds a trainer. minExamples <= 0 falls back to 50.
func NewHeuristicTrainer(s *store.Local, minExamples, treeMaxDepth int, log *zap.Logger) *HeuristicTrainer {
	if minExamples <= 0 {
		minExamples = 50
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HeuristicTrainer{store: s, minExamples: minExamples, treeMaxDepth: treeMaxDepth, log: log}
}

// MinExamples returns the configured training floor.
func (t *HeuristicTrainer) MinExamples() int { return t.minExamples }

// Train fits a bundle for one agent. minExamples <= 0 uses the trainer's
// configured floor. Fails with *InsufficientDataError below the floor.
func (t *HeuristicTrainer) Train(ctx context.Context, agent string, minExamples int, modelType ModelType) (*ConfigBundle, error) {
	if minExamples <= 0 {
		minExamples = t.minExamples
	}

	count, err := t.store.CountForAgent(agent)
	if err != nil {
		return nil, fmt.Errorf("failed to count examples for %s: %w", agent, err)
	}
	if count < minExamples {
		return nil, &InsufficientDataError{Agent: agent, Have: count, Need: minExamples}
	}

	extractor, ok := ExtractorFor(agent)
	if !ok {
		return nil, fmt.Errorf("no feature extractor registered for agent %s", agent)
	}

	examples, err := t.store.ExamplesForAgent(agent, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load examples for %s: %w", agent, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	features := make([][]float64, 0, len(examples))
	labels := make([]string, 0, len(examples))
	labelDist := make(map[string]int)
	sources := make(map[string]bool)

	for _, ex := range examples {
		vec, err := extractor.Extract(ex.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to extract features for %s/%s: %w", agent, ex.Key, err)
		}
		features = append(features, vec)
		labels = append(labels, ex.Label)
		labelDist[ex.Label]++
		sources[ex.Source] = true
	}

	classIdx, classNames := encodeLabels(labels)
	std := FitStandardizer(features)
	standardized := std.ApplyAll(features)

	fitter, err := ForModelType(modelType, t.treeMaxDepth)
	if err != nil {
		return nil, err
	}

	model, err := fitter.Fit(standardized, classIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to fit %s model for %s: %w", modelType, agent, err)
	}

	correct := 0
	for i, row := range standardized {
		if model.Predict(row) == classIdx[i] {
			correct++
		}
	}
	accuracy := float64(correct) / float64(len(standardized))

	thresholds := DeriverFor(agent)(model, std, extractor.Names())

	sourcesUsed := make([]string, 0, len(sources))
	for s := range sources {
		sourcesUsed = append(sourcesUsed, s)
	}
	sort.Strings(sourcesUsed)

	bundle := &ConfigBundle{
		Agent:              agent,
		BundleID:           newBundleID(),
		CreatedAt:          time.Now().UTC(),
		TrainingCount:      len(examples),
		Accuracy:           accuracy,
		LabelDistribution:  labelDist,
		FeatureNames:       extractor.Names(),
		FeatureImportances: model.Importances(),
		Thresholds:         thresholds,
		ModelType:          modelType,
		SourcesUsed:        sourcesUsed,
	}

	t.log.Info("trained config bundle",
		zap.String("agent", agent),
		zap.String("bundle_id", bundle.BundleID),
		zap.String("model_type", string(modelType)),
		zap.Int("training_count", bundle.TrainingCount),
		zap.Int("classes", len(classNames)),
		zap.Float64("accuracy", accuracy))

	return bundle, nil
}

// encodeLabels maps string labels to dense class indices, assigned in
// sorted label order so encoding is stable across runs.
func encodeLabels(labels []string) ([]int, []string) {
	unique := make(map[string]bool)
	for _, l := range labels {
		unique[l] = true
	}
	names := make([]string, 0, len(unique))
	for l := range unique {
		names = append(names, l)
	}
	sort.Strings(names)

	index := make(map[string]int, len(names))
	for i, l := range names {
		index[l] = i
	}

	out := make([]int, len(labels))
	for i, l := range labels {
		out[i] = index[l]
	}
	return out, names
}

// newBundleID returns an opaque, time-ordered identifier.
func newBundleID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}
