package trainer

import "math"

// Standardizer holds per-feature z-score statistics computed from the
// current training set only. Prior bundles never leak statistics in.
type Standardizer struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitStandardizer computes zero-mean unit-variance statistics over the
// feature matrix. Constant features get std 1 so they standardize to 0.
func FitStandardizer(features [][]float64) *Standardizer {
	if len(features) == 0 {
		return &Standardizer{}
	}

	dim := len(features[0])
	mean := make([]float64, dim)
	std := make([]float64, dim)

	for _, row := range features {
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(features))
	for j := range mean {
		mean[j] /= n
	}

	for _, row := range features {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
		if std[j] == 0 {
			std[j] = 1
		}
	}

	return &Standardizer{Mean: mean, Std: std}
}

// Apply standardizes one feature vector.
func (s *Standardizer) Apply(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// ApplyAll standardizes a feature matrix.
func (s *Standardizer) ApplyAll(features [][]float64) [][]float64 {
	out := make([][]float64, len(features))
	for i, row := range features {
		out[i] = s.Apply(row)
	}
	return out
}

// Invert maps one standardized feature value back to raw units.
func (s *Standardizer) Invert(j int, v float64) float64 {
	return v*s.Std[j] + s.Mean[j]
}
