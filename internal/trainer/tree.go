package trainer

import (
	"fmt"
	"sort"
)

// TreeTrainer fits a depth-bounded CART decision tree with gini impurity.
// Splits scan features in order and candidate thresholds at midpoints of
// sorted unique values, so the fit is deterministic.
type TreeTrainer struct {
	MaxDepth    int
	MinLeafSize int
}

type treeNode struct {
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
	class     int
	leaf      bool
}

type treeModel struct {
	root        *treeNode
	importances []float64
}

// Fit grows the tree.
func (t *TreeTrainer) Fit(features [][]float64, labels []int) (Model, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("empty feature matrix")
	}
	if len(features) != len(labels) {
		return nil, fmt.Errorf("feature/label length mismatch: %d vs %d", len(features), len(labels))
	}

	maxDepth := t.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	minLeaf := t.MinLeafSize
	if minLeaf <= 0 {
		minLeaf = 1
	}

	dim := len(features[0])
	raw := make([]float64, dim)

	idx := make([]int, len(features))
	for i := range idx {
		idx[i] = i
	}

	root := growTree(features, labels, idx, 0, maxDepth, minLeaf, raw)
	return &treeModel{root: root, importances: normalizeImportances(raw)}, nil
}

func growTree(features [][]float64, labels []int, idx []int, depth, maxDepth, minLeaf int, importances []float64) *treeNode {
	if depth >= maxDepth || len(idx) < 2*minLeaf || pure(labels, idx) {
		return &treeNode{leaf: true, class: majorityClass(labels, idx)}
	}

	bestGain := 0.0
	bestFeature := -1
	bestThreshold := 0.0
	parentImpurity := gini(labels, idx)

	dim := len(features[0])
	for f := 0; f < dim; f++ {
		values := make([]float64, 0, len(idx))
		for _, i := range idx {
			values = append(values, features[i][f])
		}
		sort.Float64s(values)

		for v := 1; v < len(values); v++ {
			if values[v] == values[v-1] {
				continue
			}
			threshold := (values[v] + values[v-1]) / 2

			var left, right []int
			for _, i := range idx {
				if features[i][f] <= threshold {
					left = append(left, i)
				} else {
					right = append(right, i)
				}
			}
			if len(left) < minLeaf || len(right) < minLeaf {
				continue
			}

			nl := float64(len(left))
			nr := float64(len(right))
			n := nl + nr
			gain := parentImpurity - (nl/n)*gini(labels, left) - (nr/n)*gini(labels, right)
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = threshold
			}
		}
	}

	if bestFeature < 0 {
		return &treeNode{leaf: true, class: majorityClass(labels, idx)}
	}

	// Importance is the sample-weighted impurity decrease at this split.
	importances[bestFeature] += bestGain * float64(len(idx))

	var left, right []int
	for _, i := range idx {
		if features[i][bestFeature] <= bestThreshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	return &treeNode{
		feature:   bestFeature,
		threshold: bestThreshold,
		left:      growTree(features, labels, left, depth+1, maxDepth, minLeaf, importances),
		right:     growTree(features, labels, right, depth+1, maxDepth, minLeaf, importances),
	}
}

func (m *treeModel) Type() ModelType { return ModelTree }

func (m *treeModel) Importances() []float64 { return m.importances }

func (m *treeModel) Predict(features []float64) int {
	node := m.root
	for !node.leaf {
		if features[node.feature] <= node.threshold {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.class
}

func gini(labels []int, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, i := range idx {
		counts[labels[i]]++
	}
	n := float64(len(idx))
	g := 1.0
	for _, c := range counts {
		p := float64(c) / n
		g -= p * p
	}
	return g
}

func pure(labels []int, idx []int) bool {
	if len(idx) == 0 {
		return true
	}
	first := labels[idx[0]]
	for _, i := range idx[1:] {
		if labels[i] != first {
			return false
		}
	}
	return true
}

func majorityClass(labels []int, idx []int) int {
	counts := make(map[int]int)
	for _, i := range idx {
		counts[labels[i]]++
	}
	best, bestCount := 0, -1
	// Iterate classes in ascending order for a deterministic tie-break.
	classes := make([]int, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	for _, c := range classes {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}
