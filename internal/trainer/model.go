package trainer

import "fmt"

// ModelType selects the classifier variant.
type ModelType string

const (
	ModelLogistic ModelType = "logistic"
	ModelTree     ModelType = "tree"
)

// Trainer fits a classifier over a standardized feature matrix. This is
// the pluggable capability boundary: the rest of the subsystem treats the
// fitted model as a black box with importances and predictions.
type Trainer interface {
	Fit(features [][]float64, labels []int) (Model, error)
}

// Model is a fitted classifier.
type Model interface {
	Type() ModelType
	// Importances returns one non-negative value per feature, in feature
	// vector order, summing to 1 when any feature carries signal.
	Importances() []float64
	// Predict returns the class index for one standardized feature vector.
	Predict(features []float64) int
}

// ForModelType returns the default trainer for a model type.
func ForModelType(mt ModelType, treeMaxDepth int) (Trainer, error) {
	switch mt {
	case ModelLogistic:
		return &LogisticTrainer{}, nil
	case ModelTree:
		if treeMaxDepth <= 0 {
			treeMaxDepth = 3
		}
		return &TreeTrainer{MaxDepth: treeMaxDepth}, nil
	default:
		return nil, fmt.Errorf("unknown model type: %s", mt)
	}
}

func normalizeImportances(raw []float64) []float64 {
	out := make([]float64, len(raw))
	sum := 0.0
	for _, v := range raw {
		if v < 0 {
			v = -v
		}
		sum += v
	}
	if sum == 0 {
		return out
	}
	for i, v := range raw {
		if v < 0 {
			v = -v
		}
		out[i] = v / sum
	}
	return out
}
