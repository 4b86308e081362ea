package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"canaryloop/internal/bundle"
	"canaryloop/internal/feed"
	"canaryloop/internal/guard"
	"canaryloop/internal/judge"
	"canaryloop/internal/sampler"
	"canaryloop/internal/settings"
	"canaryloop/internal/store"
	"canaryloop/internal/trainer"
)

func newTestServer(t *testing.T) (*Server, *store.Local) {
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

	tr := trainer.NewHeuristicTrainer(st, 50, 3, nil)
	m := bundle.NewManager(set, tr, nil, nil)
	g := guard.New(m, guard.NewSettingsDetector(set), set, guard.Options{}, nil)
	weights := judge.NewCalculator(st, set, judge.Options{}, nil)
	smp := sampler.NewSampler(st, set, weights, sampler.Options{}, nil)
	loader := feed.NewLoader(st,
		&feed.LocalApprovalSource{Store: st},
		&feed.LocalFeedbackSource{Store: st},
		&feed.DirGoldsetSource{Dir: t.TempDir()},
		nil)

	return NewServer(m, g, smp, loader, st, "logistic", nil), st
}

func seedTriageExamples(t *testing.T, st *store.Local, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		risk := 0.1
		label := "archive_approved"
		if i%2 == 0 {
			risk = 0.9
			label = "escalate_approved"
		}
		payload := fmt.Sprintf(`{"risk_score": %.2f, "sender_reputation": 0.5, "attachment_count": 0, "link_count": 1}`, risk)
		_, err := st.InsertExample(store.LabeledExample{
			Agent: "inbox_triage", Key: fmt.Sprintf("thread-%d", i),
			Payload: []byte(payload), Label: label,
			Source: store.SourceGold, SourceID: fmt.Sprintf("seed-%d", i), Confidence: 100,
		})
		if err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
	}
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %v", got)
	}
}

func TestCreateBundleInsufficientData(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/bundles/create", map[string]any{"agent": "inbox_triage"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["have"] != float64(0) || body["need"] != float64(50) {
		t.Errorf("have/need = %v/%v", body["have"], body["need"])
	}
}

func TestCreateBundleMissingAgent(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/bundles/create", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBundleLifecycleOverHTTP(t *testing.T) {
	srv, st := newTestServer(t)
	seedTriageExamples(t, st, 60)

	// Train.
	rec := doJSON(t, srv, http.MethodPost, "/v1/bundles/create", map[string]any{"agent": "inbox_triage"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	bundleID, _ := decode(t, rec)["bundle_id"].(string)
	if bundleID == "" {
		t.Fatal("no bundle_id in create response")
	}

	// Propose.
	rec = doJSON(t, srv, http.MethodPost, "/v1/bundles/"+bundleID+"/propose",
		map[string]any{"agent": "inbox_triage", "proposer": "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose status = %d, body %s", rec.Code, rec.Body.String())
	}
	approvalID, _ := decode(t, rec)["approval_id"].(string)
	if approvalID == "" {
		t.Fatal("no approval_id in propose response")
	}

	// Double-propose is a state conflict.
	rec = doJSON(t, srv, http.MethodPost, "/v1/bundles/"+bundleID+"/propose",
		map[string]any{"agent": "inbox_triage", "proposer": "alice"})
	if rec.Code != http.StatusConflict {
		t.Errorf("double propose status = %d, want 409", rec.Code)
	}

	// Approve, then deploy at 10%.
	rec = doJSON(t, srv, http.MethodPost, "/v1/approvals/"+approvalID+"/approve",
		map[string]any{"approver": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, srv, http.MethodPost, "/v1/approvals/"+approvalID+"/apply",
		map[string]any{"canary_percent": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The canary shows up in the active list.
	rec = doJSON(t, srv, http.MethodGet, "/v1/canaries/active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("active status = %d", rec.Code)
	}
	canaries, _ := decode(t, rec)["canaries"].([]any)
	if len(canaries) != 1 {
		t.Fatalf("canaries = %v, want one", canaries)
	}
	entry := canaries[0].(map[string]any)
	if entry["bundle_id"] != bundleID || entry["percent"] != float64(10) {
		t.Errorf("canary entry = %v", entry)
	}

	// Promote to full and verify history reflects the active status.
	rec = doJSON(t, srv, http.MethodPost, "/v1/canaries/inbox_triage/promote",
		map[string]any{"target_percent": 100})
	if rec.Code != http.StatusOK {
		t.Fatalf("promote status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/agents/inbox_triage/bundles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	bundles, _ := decode(t, rec)["bundles"].([]any)
	if len(bundles) != 1 {
		t.Fatalf("history = %v", bundles)
	}
	if got := bundles[0].(map[string]any)["status"]; got != "active" {
		t.Errorf("bundle status = %v, want active", got)
	}
}

func TestGetBundleNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/agents/inbox_triage/bundles/no-such-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRollbackWithoutBackupConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/agents/inbox_triage/rollback", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

func TestRecordPredictionAndReviewQueue(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/predictions", map[string]any{
		"agent": "inbox_triage", "task_key": "t1", "judge_id": "j1",
		"verdict": "escalate", "confidence": 0.2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("prediction status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Out-of-range confidence is a client error.
	rec = doJSON(t, srv, http.MethodPost, "/v1/predictions", map[string]any{
		"agent": "inbox_triage", "task_key": "t2", "judge_id": "j1",
		"verdict": "escalate", "confidence": 1.5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad confidence status = %d, want 400", rec.Code)
	}

	// Queue endpoint requires an agent.
	rec = doJSON(t, srv, http.MethodGet, "/v1/review-queue", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing agent status = %d, want 400", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/v1/review-queue?agent=inbox_triage", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("review queue status = %d", rec.Code)
	}
}

func TestSubmitLabelOverHTTP(t *testing.T) {
	srv, st := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/review-queue/label", map[string]any{
		"agent": "inbox_triage", "task_key": "t1", "label": "escalate_approved",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("label status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["inserted"]; got != true {
		t.Errorf("inserted = %v", got)
	}

	label, found, err := st.LabelForKey("inbox_triage", "t1")
	if err != nil || !found {
		t.Fatalf("label lookup: %v found=%v", err, found)
	}
	if label != "escalate_approved" {
		t.Errorf("label = %s", label)
	}
}

func TestRecordMetricsAndCanaryStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/metrics/inbox_triage", map[string]any{
		"quality_delta": 0.04, "latency_delta": -0.02,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("metrics status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/canaries/inbox_triage/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["canary"] != nil || body["rollout"] != nil {
		t.Errorf("idle agent status = %v, want empty canary and rollout", body)
	}
}

func TestRunFeedOverHTTP(t *testing.T) {
	srv, st := newTestServer(t)

	err := st.PutApprovalEvent(store.ApprovalEvent{
		ID: "ap-1", Agent: "inbox_triage", ThreadKey: "t1",
		Action: "escalate", Decision: "approved",
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed approval failed: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/v1/feed/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("feed status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["inserted"]; got != float64(1) {
		t.Errorf("inserted = %v, want 1", got)
	}
}
