package trainer

import (
	"fmt"
	"math"
)

// LogisticTrainer fits a one-vs-rest logistic regression by batch gradient
// descent. Zero initialization and a fixed schedule keep the fit
// deterministic for identical inputs.
type LogisticTrainer struct {
	// LearningRate defaults to 0.1, Iterations to 500.
	LearningRate float64
	Iterations   int
}

type logisticModel struct {
	// weights[c] is the weight vector for class c; bias[c] its intercept.
	weights [][]float64
	bias    []float64
}

// Fit trains one binary classifier per class.
func (t *LogisticTrainer) Fit(features [][]float64, labels []int) (Model, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("empty feature matrix")
	}
	if len(features) != len(labels) {
		return nil, fmt.Errorf("feature/label length mismatch: %d vs %d", len(features), len(labels))
	}

	lr := t.LearningRate
	if lr <= 0 {
		lr = 0.1
	}
	iters := t.Iterations
	if iters <= 0 {
		iters = 500
	}

	classes := 0
	for _, y := range labels {
		if y < 0 {
			return nil, fmt.Errorf("negative class index %d", y)
		}
		if y+1 > classes {
			classes = y + 1
		}
	}

	dim := len(features[0])
	n := float64(len(features))
	m := &logisticModel{
		weights: make([][]float64, classes),
		bias:    make([]float64, classes),
	}

	for c := 0; c < classes; c++ {
		w := make([]float64, dim)
		b := 0.0
		for iter := 0; iter < iters; iter++ {
			gradW := make([]float64, dim)
			gradB := 0.0
			for i, row := range features {
				target := 0.0
				if labels[i] == c {
					target = 1.0
				}
				p := sigmoid(dot(w, row) + b)
				diff := p - target
				for j, v := range row {
					gradW[j] += diff * v
				}
				gradB += diff
			}
			for j := range w {
				w[j] -= lr * gradW[j] / n
			}
			b -= lr * gradB / n
		}
		m.weights[c] = w
		m.bias[c] = b
	}

	return m, nil
}

func (m *logisticModel) Type() ModelType { return ModelLogistic }

// Importances is the mean absolute weight per feature across classes.
func (m *logisticModel) Importances() []float64 {
	if len(m.weights) == 0 {
		return nil
	}
	dim := len(m.weights[0])
	raw := make([]float64, dim)
	for _, w := range m.weights {
		for j, v := range w {
			raw[j] += math.Abs(v)
		}
	}
	for j := range raw {
		raw[j] /= float64(len(m.weights))
	}
	return normalizeImportances(raw)
}

func (m *logisticModel) Predict(features []float64) int {
	best := 0
	bestScore := math.Inf(-1)
	for c, w := range m.weights {
		score := dot(w, features) + m.bias[c]
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
