package trainer

import "sort"

// ThresholdChange is one key present in both bundles with differing values.
type ThresholdChange struct {
	Key   string  `json:"key"`
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
	Delta float64 `json:"delta"`
}

// BundleDiff is a structured comparison of two bundles' thresholds.
type BundleDiff struct {
	Changed       []ThresholdChange  `json:"changed"`
	Added         map[string]float64 `json:"added"`
	Removed       map[string]float64 `json:"removed"`
	AccuracyDelta float64            `json:"accuracy_delta"`
	OldBundleID   string             `json:"old_bundle_id,omitempty"`
	NewBundleID   string             `json:"new_bundle_id"`
}

// Diff compares two bundles. old may be nil: the very first proposal for
// an agent diffs against an empty baseline (no thresholds, accuracy 0).
// Pure function; neither bundle is touched.
func Diff(old, new *ConfigBundle) BundleDiff {
	d := BundleDiff{
		Added:       make(map[string]float64),
		Removed:     make(map[string]float64),
		NewBundleID: new.BundleID,
	}

	oldThresholds := map[string]float64{}
	oldAccuracy := 0.0
	if old != nil {
		oldThresholds = old.Thresholds
		oldAccuracy = old.Accuracy
		d.OldBundleID = old.BundleID
	}

	keys := make(map[string]bool)
	for k := range oldThresholds {
		keys[k] = true
	}
	for k := range new.Thresholds {
		keys[k] = true
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		oldV, inOld := oldThresholds[k]
		newV, inNew := new.Thresholds[k]
		switch {
		case inOld && inNew && oldV != newV:
			d.Changed = append(d.Changed, ThresholdChange{
				Key: k, Old: oldV, New: newV, Delta: newV - oldV,
			})
		case inNew && !inOld:
			d.Added[k] = newV
		case inOld && !inNew:
			d.Removed[k] = oldV
		}
	}

	d.AccuracyDelta = new.Accuracy - oldAccuracy
	return d
}

// Empty reports whether the diff carries no threshold differences.
func (d BundleDiff) Empty() bool {
	return len(d.Changed) == 0 && len(d.Added) == 0 && len(d.Removed) == 0
}
