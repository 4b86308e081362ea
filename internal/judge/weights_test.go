package judge

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"canaryloop/internal/settings"
	"canaryloop/internal/store"
)

func newTestCalculator(t *testing.T, opts Options) (*Calculator, *store.Local, *settings.Store) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	set, err := settings.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open settings: %v", err)
	}
	t.Cleanup(func() { set.Close() })

	return NewCalculator(st, set, opts, nil), st, set
}

func evidenceAt(ts time.Time, agreement int, conf float64, n int) []Evidence {
	out := make([]Evidence, n)
	for i := range out {
		out[i] = Evidence{Timestamp: ts, Agreement: agreement, PredictedConfidence: conf}
	}
	return out
}

func TestComputeWeightEmptyEvidence(t *testing.T) {
	c, _, _ := newTestCalculator(t, Options{DefaultWeight: 0.5})
	if w := c.ComputeWeight(nil, time.Now()); w != 0.5 {
		t.Errorf("empty evidence weight = %v, want default 0.5", w)
	}

	// Defaults under the clamp floor come back clamped.
	c2, _, _ := newTestCalculator(t, Options{DefaultWeight: 0.05})
	if w := c2.ComputeWeight(nil, time.Now()); w != MinWeight {
		t.Errorf("tiny default weight = %v, want clamped to %v", w, MinWeight)
	}
}

func TestComputeWeightBounds(t *testing.T) {
	c, _, _ := newTestCalculator(t, Options{})
	now := time.Now().UTC()

	// Always wrong and overconfident: calibration drags below the raw
	// agreement, but never under the floor.
	worst := c.ComputeWeight(evidenceAt(now, 0, 1.0, 20), now)
	if worst != MinWeight {
		t.Errorf("worst-case weight = %v, want floor %v", worst, MinWeight)
	}

	// Always right, perfectly calibrated.
	best := c.ComputeWeight(evidenceAt(now, 1, 1.0, 20), now)
	if best != MaxWeight {
		t.Errorf("best-case weight = %v, want %v", best, MaxWeight)
	}
}

func TestComputeWeightAncientEvidence(t *testing.T) {
	c, _, _ := newTestCalculator(t, Options{HalfLifeDays: 7, DefaultWeight: 0.5})
	now := time.Now().UTC()

	// Old enough that every decay term underflows to zero. The formula has
	// no signal left; the weight must fall back to the default, never NaN.
	ancient := evidenceAt(now.AddDate(-25, 0, 0), 1, 1.0, 5)
	w := c.ComputeWeight(ancient, now)
	if math.IsNaN(w) {
		t.Fatal("ancient evidence produced NaN weight")
	}
	if w != 0.5 {
		t.Errorf("weight = %v, want default 0.5", w)
	}
	if w < MinWeight || w > MaxWeight {
		t.Errorf("weight %v out of [%v, %v]", w, MinWeight, MaxWeight)
	}
}

func TestComputeWeightDecayedAgreement(t *testing.T) {
	c, _, _ := newTestCalculator(t, Options{HalfLifeDays: 7})
	now := time.Now().UTC()

	// All evidence exactly one half-life old. Decay scales every term
	// equally, so perfect agreement still scores 1.0.
	old := evidenceAt(now.AddDate(0, 0, -7), 1, 1.0, 10)
	if w := c.ComputeWeight(old, now); math.Abs(w-1.0) > 1e-9 {
		t.Errorf("decayed perfect agreement = %v, want 1.0", w)
	}
}

func TestComputeWeightCalibrationPenalty(t *testing.T) {
	c, _, _ := newTestCalculator(t, Options{})
	now := time.Now().UTC()

	// Half right, always claiming 0.5: agreement 0.5, calibration error
	// 0.5, weight = 0.5 - 0.25 = 0.25.
	evidence := []Evidence{
		{Timestamp: now, Agreement: 1, PredictedConfidence: 0.5},
		{Timestamp: now, Agreement: 0, PredictedConfidence: 0.5},
	}
	if w := c.ComputeWeight(evidence, now); math.Abs(w-0.25) > 1e-9 {
		t.Errorf("weight = %v, want 0.25", w)
	}
}

func TestUpdateWeightEvidenceFloor(t *testing.T) {
	c, _, set := newTestCalculator(t, Options{MinEvidence: 5, DefaultWeight: 0.5})
	ctx := context.Background()
	now := time.Now().UTC()

	// Seed a prior weight on record.
	prior := map[string]JudgeWeight{"claude": {Weight: 0.83, EvidenceCount: 12, UpdatedAt: now.AddDate(0, 0, -1)}}
	if _, err := set.Put("judge_weights.inbox_triage", prior); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Three pieces of evidence is below the floor: the prior survives,
	// even though the new evidence is all disagreement.
	w, err := c.UpdateWeight(ctx, "inbox_triage", "claude", evidenceAt(now, 0, 1.0, 3), now)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if w != 0.83 {
		t.Errorf("weight = %v, want retained prior 0.83", w)
	}

	// A judge with no prior gets the cold-start default recorded.
	w, err = c.UpdateWeight(ctx, "inbox_triage", "newcomer", nil, now)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if w != 0.5 {
		t.Errorf("cold-start weight = %v, want 0.5", w)
	}

	weights, err := c.WeightsForAgent("inbox_triage")
	if err != nil {
		t.Fatalf("weights lookup failed: %v", err)
	}
	if weights["claude"].Weight != 0.83 {
		t.Errorf("stored claude weight = %v, want untouched 0.83", weights["claude"].Weight)
	}
	if weights["newcomer"].Weight != 0.5 {
		t.Errorf("stored newcomer weight = %v, want 0.5", weights["newcomer"].Weight)
	}
}

func TestUpdateWeightAboveFloorOverwrites(t *testing.T) {
	c, _, _ := newTestCalculator(t, Options{MinEvidence: 5})
	now := time.Now().UTC()

	w, err := c.UpdateWeight(context.Background(), "a", "j", evidenceAt(now, 1, 1.0, 6), now)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if w != 1.0 {
		t.Errorf("weight = %v, want 1.0", w)
	}

	weights, err := c.WeightsForAgent("a")
	if err != nil {
		t.Fatalf("weights lookup failed: %v", err)
	}
	if weights["j"].EvidenceCount != 6 {
		t.Errorf("evidence count = %d, want 6", weights["j"].EvidenceCount)
	}
}

func TestGatherEvidenceMatchesGroundTruth(t *testing.T) {
	c, st, _ := newTestCalculator(t, Options{LookbackDays: 30})
	now := time.Now().UTC()

	// Two labeled tasks, one unlabeled. Judge agrees on the first only.
	seed := []struct {
		key, label string
	}{
		{"task-1", "escalate_approved"},
		{"task-2", "archive_approved"},
	}
	for i, s := range seed {
		_, err := st.InsertExample(store.LabeledExample{
			Agent: "a", Key: s.key, Label: s.label,
			Source: store.SourceGold, SourceID: fmt.Sprintf("g%d", i), Confidence: 100,
		})
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	preds := []store.Prediction{
		{Agent: "a", TaskKey: "task-1", JudgeID: "j", Verdict: "escalate_approved", Confidence: 0.9},
		{Agent: "a", TaskKey: "task-2", JudgeID: "j", Verdict: "escalate_approved", Confidence: 0.8},
		{Agent: "a", TaskKey: "task-3", JudgeID: "j", Verdict: "escalate_approved", Confidence: 0.7},
	}
	for _, p := range preds {
		if err := st.RecordPrediction(p); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	evidence, err := c.GatherEvidence("a", "j", now)
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(evidence) != 2 {
		t.Fatalf("got %d evidence entries, want 2 (unlabeled excluded)", len(evidence))
	}
	if evidence[0].Agreement != 1 || evidence[1].Agreement != 0 {
		t.Errorf("agreement = %d, %d; want 1, 0", evidence[0].Agreement, evidence[1].Agreement)
	}
}

func TestNightlyUpdateWeights(t *testing.T) {
	c, st, _ := newTestCalculator(t, Options{MinEvidence: 1})
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("task-%d", i)
		_, err := st.InsertExample(store.LabeledExample{
			Agent: "a", Key: key, Label: "yes",
			Source: store.SourceGold, SourceID: fmt.Sprintf("g%d", i), Confidence: 100,
		})
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		if err := st.RecordPrediction(store.Prediction{
			Agent: "a", TaskKey: key, JudgeID: "j1", Verdict: "yes", Confidence: 1.0,
		}); err != nil {
			t.Fatalf("record failed: %v", err)
		}
		if err := st.RecordPrediction(store.Prediction{
			Agent: "a", TaskKey: key, JudgeID: "j2", Verdict: "no", Confidence: 1.0,
		}); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	if err := c.NightlyUpdateWeights(context.Background(), now); err != nil {
		t.Fatalf("nightly update failed: %v", err)
	}

	weights, err := c.WeightsForAgent("a")
	if err != nil {
		t.Fatalf("weights lookup failed: %v", err)
	}
	if weights["j1"].Weight != MaxWeight {
		t.Errorf("agreeing judge weight = %v, want %v", weights["j1"].Weight, MaxWeight)
	}
	if weights["j2"].Weight != MinWeight {
		t.Errorf("disagreeing judge weight = %v, want %v", weights["j2"].Weight, MinWeight)
	}
}
