package bundle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"canaryloop/internal/settings"
	"canaryloop/internal/store"
	"canaryloop/internal/trainer"
)

func newTestManager(t *testing.T) (*Manager, *settings.Store) {
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

	seedTriageExamples(t, st, 120)

	tr := trainer.NewHeuristicTrainer(st, 50, 3, nil)
	return NewManager(set, tr, nil, nil), set
}

func seedTriageExamples(t *testing.T, s *store.Local, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		risk := 0.1
		label := "archive_approved"
		if i%2 == 0 {
			risk = 0.9
			label = "escalate_approved"
		}
		payload := fmt.Sprintf(`{"risk_score": %.2f, "sender_reputation": 0.5, "attachment_count": 0, "link_count": 1}`, risk)
		_, err := s.InsertExample(store.LabeledExample{
			Agent:      "inbox_triage",
			Key:        fmt.Sprintf("thread-%d", i),
			Payload:    []byte(payload),
			Label:      label,
			Source:     store.SourceApprovals,
			SourceID:   fmt.Sprintf("seed-%d", i),
			Confidence: 100,
		})
		if err != nil {
			t.Fatalf("seed insert %d failed: %v", i, err)
		}
	}
}

// createApproved walks a fresh bundle through propose and approve.
func createApproved(t *testing.T, m *Manager) (bundleID, approvalID string) {
	t.Helper()
	ctx := context.Background()

	b, err := m.CreateBundle(ctx, "inbox_triage", 0, trainer.ModelLogistic)
	if err != nil {
		t.Fatalf("create bundle failed: %v", err)
	}
	approvalID, err = m.ProposeBundle(ctx, "inbox_triage", b.BundleID, "alice")
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if err := m.ApproveBundle(ctx, approvalID, "bob", "looks safe"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	return b.BundleID, approvalID
}

func TestCreateBundlePending(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b, err := m.CreateBundle(ctx, "inbox_triage", 0, trainer.ModelLogistic)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if b.Version != 1 {
		t.Errorf("version = %d, want 1", b.Version)
	}

	status, err := m.BundleStatus("inbox_triage", b.BundleID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status != StatusPending {
		t.Errorf("status = %s, want pending", status)
	}

	b2, err := m.CreateBundle(ctx, "inbox_triage", 0, trainer.ModelLogistic)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if b2.Version != 2 {
		t.Errorf("second bundle version = %d, want 2", b2.Version)
	}
}

func TestCreateBundleInsufficientData(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CreateBundle(context.Background(), "inbox_triage", 500, trainer.ModelLogistic)
	var insufficient *trainer.InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("error = %v, want *trainer.InsufficientDataError", err)
	}
}

func TestApproveAndDeployCanary(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	bundleID, approvalID := createApproved(t, m)

	req, err := m.GetApproval(approvalID)
	if err != nil {
		t.Fatalf("get approval failed: %v", err)
	}
	if req.Status != ApprovalApproved || req.Approver != "bob" {
		t.Errorf("approval = %s by %s, want approved by bob", req.Status, req.Approver)
	}

	percent := 10
	if err := m.ApplyApprovedBundle(ctx, approvalID, &percent); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	status, err := m.BundleStatus("inbox_triage", bundleID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status != StatusDeployedCanary {
		t.Errorf("status = %s, want deployed_canary", status)
	}

	canary, err := m.CanaryRef("inbox_triage")
	if err != nil {
		t.Fatalf("canary ref failed: %v", err)
	}
	if canary == nil || canary.BundleID != bundleID || canary.Percent != 10 {
		t.Errorf("canary = %+v, want %s at 10%%", canary, bundleID)
	}

	// First deploy for the agent: nothing to back up.
	backup, err := m.BackupRef("inbox_triage")
	if err != nil {
		t.Fatalf("backup ref failed: %v", err)
	}
	if backup != nil {
		t.Errorf("backup = %+v, want none", backup)
	}
}

func TestApplyRetargetsSameApproval(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	bundleID, approvalID := createApproved(t, m)

	// One approval covers deploy, retry and re-target.
	ten, fifty, five := 10, 50, 5
	if err := m.ApplyApprovedBundle(ctx, approvalID, &ten); err != nil {
		t.Fatalf("apply at 10 failed: %v", err)
	}
	if err := m.ApplyApprovedBundle(ctx, approvalID, &fifty); err != nil {
		t.Fatalf("re-target to 50 failed: %v", err)
	}
	canary, _ := m.CanaryRef("inbox_triage")
	if canary == nil || canary.Percent != 50 {
		t.Fatalf("canary = %+v, want 50%%", canary)
	}

	// Unlike promote, apply can also move the percent down.
	if err := m.ApplyApprovedBundle(ctx, approvalID, &five); err != nil {
		t.Fatalf("re-target to 5 failed: %v", err)
	}
	canary, _ = m.CanaryRef("inbox_triage")
	if canary.Percent != 5 {
		t.Errorf("canary percent = %d, want 5", canary.Percent)
	}

	// Re-targeting to full traffic activates the bundle and vacates the
	// canary slot.
	if err := m.ApplyApprovedBundle(ctx, approvalID, nil); err != nil {
		t.Fatalf("apply to active failed: %v", err)
	}
	canary, _ = m.CanaryRef("inbox_triage")
	if canary != nil {
		t.Errorf("canary = %+v after full apply, want empty", canary)
	}
	active, _, err := m.ActiveBundle("inbox_triage")
	if err != nil || active == nil || active.BundleID != bundleID {
		t.Fatalf("active = %+v, want %s", active, bundleID)
	}

	// Retrying the approval after activation stays valid.
	if err := m.ApplyApprovedBundle(ctx, approvalID, nil); err != nil {
		t.Fatalf("retry after activation failed: %v", err)
	}
}

func TestApplyRetryKeepsRealBackup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, firstApproval := createApproved(t, m)
	if err := m.ApplyApprovedBundle(ctx, firstApproval, nil); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	_, secondApproval := createApproved(t, m)
	if err := m.ApplyApprovedBundle(ctx, secondApproval, nil); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if err := m.ApplyApprovedBundle(ctx, secondApproval, nil); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	// The retry must not snapshot the now-active bundle over its own
	// backup; rollback still restores the first bundle.
	backup, err := m.BackupRef("inbox_triage")
	if err != nil {
		t.Fatalf("backup ref failed: %v", err)
	}
	if backup == nil || backup.BundleID != first {
		t.Errorf("backup = %+v, want %s", backup, first)
	}
}

func TestApplyDisplacesInFlightCanary(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, firstApproval := createApproved(t, m)
	second, secondApproval := createApproved(t, m)

	ten := 10
	if err := m.ApplyApprovedBundle(ctx, firstApproval, &ten); err != nil {
		t.Fatalf("first canary apply failed: %v", err)
	}
	if err := m.ApplyApprovedBundle(ctx, secondApproval, &ten); err != nil {
		t.Fatalf("second canary apply failed: %v", err)
	}

	canary, _ := m.CanaryRef("inbox_triage")
	if canary == nil || canary.BundleID != second {
		t.Fatalf("canary = %+v, want %s", canary, second)
	}
	status, err := m.BundleStatus("inbox_triage", first)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status != StatusSuperseded {
		t.Errorf("displaced canary status = %s, want superseded", status)
	}
}

func TestPromoteCanaryToActive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	bundleID, approvalID := createApproved(t, m)
	percent := 10
	if err := m.ApplyApprovedBundle(ctx, approvalID, &percent); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := m.PromoteCanary(ctx, "inbox_triage", 50); err != nil {
		t.Fatalf("promote to 50 failed: %v", err)
	}
	canary, _ := m.CanaryRef("inbox_triage")
	if canary.Percent != 50 {
		t.Errorf("canary percent = %d, want 50", canary.Percent)
	}

	// Promotion never moves backwards.
	if err := m.PromoteCanary(ctx, "inbox_triage", 30); err == nil {
		t.Error("demotion via promote accepted")
	}

	if err := m.PromoteCanary(ctx, "inbox_triage", 100); err != nil {
		t.Fatalf("promote to 100 failed: %v", err)
	}

	canary, _ = m.CanaryRef("inbox_triage")
	if canary != nil {
		t.Errorf("canary slot = %+v after finalize, want empty", canary)
	}
	active, ref, err := m.ActiveBundle("inbox_triage")
	if err != nil {
		t.Fatalf("active bundle failed: %v", err)
	}
	if active == nil || active.BundleID != bundleID || ref.Percent != 100 {
		t.Errorf("active = %+v at %+v, want %s at 100%%", active, ref, bundleID)
	}

	status, _ := m.BundleStatus("inbox_triage", bundleID)
	if status != StatusActive {
		t.Errorf("status = %s, want active", status)
	}
}

func TestRollbackCanaryLeavesBackupAlone(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	bundleID, approvalID := createApproved(t, m)
	percent := 25
	if err := m.ApplyApprovedBundle(ctx, approvalID, &percent); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := m.RollbackCanary(ctx, "inbox_triage"); err != nil {
		t.Fatalf("rollback canary failed: %v", err)
	}

	canary, _ := m.CanaryRef("inbox_triage")
	if canary != nil {
		t.Errorf("canary = %+v after rollback, want empty", canary)
	}
	status, _ := m.BundleStatus("inbox_triage", bundleID)
	if status != StatusRolledBack {
		t.Errorf("status = %s, want rolled_back", status)
	}

	// No canary in flight: the rollback is invalid.
	err := m.RollbackCanary(ctx, "inbox_triage")
	var transition *InvalidStateTransitionError
	if !errors.As(err, &transition) {
		t.Errorf("second rollback error = %v, want *InvalidStateTransitionError", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b, err := m.CreateBundle(ctx, "inbox_triage", 0, trainer.ModelLogistic)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	approvalID, err := m.ProposeBundle(ctx, "inbox_triage", b.BundleID, "alice")
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if err := m.RejectBundle(ctx, approvalID, "bob", "accuracy regressed"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	status, _ := m.BundleStatus("inbox_triage", b.BundleID)
	if status != StatusRejected {
		t.Errorf("status = %s, want rejected", status)
	}

	// A resolved approval cannot be re-resolved or deployed.
	var transition *InvalidStateTransitionError
	if err := m.ApproveBundle(ctx, approvalID, "carol", ""); !errors.As(err, &transition) {
		t.Errorf("re-approve error = %v, want *InvalidStateTransitionError", err)
	}
	if err := m.ApplyApprovedBundle(ctx, approvalID, nil); !errors.As(err, &transition) {
		t.Errorf("apply rejected error = %v, want *InvalidStateTransitionError", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b, err := m.CreateBundle(ctx, "inbox_triage", 0, trainer.ModelLogistic)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Propose twice: second must fail, the bundle is no longer pending.
	if _, err := m.ProposeBundle(ctx, "inbox_triage", b.BundleID, "alice"); err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	_, err = m.ProposeBundle(ctx, "inbox_triage", b.BundleID, "alice")
	var transition *InvalidStateTransitionError
	if !errors.As(err, &transition) {
		t.Errorf("double propose error = %v, want *InvalidStateTransitionError", err)
	}

	// Promote with no canary in flight.
	if err := m.PromoteCanary(ctx, "inbox_triage", 50); !errors.As(err, &transition) {
		t.Errorf("promote without canary error = %v, want *InvalidStateTransitionError", err)
	}
}

func TestRollbackBundleRequiresBackup(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.RollbackBundle(context.Background(), "inbox_triage")
	var missing *MissingBackupError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want *MissingBackupError", err)
	}
	if missing.Agent != "inbox_triage" {
		t.Errorf("missing backup agent = %s", missing.Agent)
	}
}

func TestRollbackBundleSwapsActiveAndBackup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Deploy two bundles straight to active; the second deploy snapshots
	// the first into the backup slot.
	first, firstApproval := createApproved(t, m)
	if err := m.ApplyApprovedBundle(ctx, firstApproval, nil); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	second, secondApproval := createApproved(t, m)
	if err := m.ApplyApprovedBundle(ctx, secondApproval, nil); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}

	backup, err := m.BackupRef("inbox_triage")
	if err != nil {
		t.Fatalf("backup ref failed: %v", err)
	}
	if backup == nil || backup.BundleID != first {
		t.Fatalf("backup = %+v, want %s", backup, first)
	}

	if err := m.RollbackBundle(ctx, "inbox_triage"); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	active, _, err := m.ActiveBundle("inbox_triage")
	if err != nil {
		t.Fatalf("active bundle failed: %v", err)
	}
	if active.BundleID != first {
		t.Errorf("active after rollback = %s, want %s", active.BundleID, first)
	}

	// True swap: the displaced bundle becomes the new backup, so a second
	// rollback can restore it again.
	backup, _ = m.BackupRef("inbox_triage")
	if backup == nil || backup.BundleID != second {
		t.Errorf("backup after rollback = %+v, want %s", backup, second)
	}
	status, _ := m.BundleStatus("inbox_triage", second)
	if status != StatusRolledBack {
		t.Errorf("displaced bundle status = %s, want rolled_back", status)
	}
}

func TestListBundleIDsExcludesSlots(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, approvalID := createApproved(t, m)
	percent := 10
	if err := m.ApplyApprovedBundle(ctx, approvalID, &percent); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	ids, err := m.ListBundleIDs("inbox_triage")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("bundle ids = %v, want exactly the one stored bundle", ids)
	}

	agents, err := m.CanaryAgents()
	if err != nil {
		t.Fatalf("canary agents failed: %v", err)
	}
	if len(agents) != 1 || agents[0] != "inbox_triage" {
		t.Errorf("canary agents = %v, want [inbox_triage]", agents)
	}
}

func TestConcurrentLifecycleMutations(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)

	m, _ := newTestManager(t)
	ctx := context.Background()

	// Hammer the same agent from many goroutines; the per-agent lock must
	// keep every bundle's lifecycle record consistent.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := m.CreateBundle(ctx, "inbox_triage", 0, trainer.ModelLogistic)
			if err != nil {
				errs <- err
				return
			}
			if _, err := m.ProposeBundle(ctx, "inbox_triage", b.BundleID, "alice"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent lifecycle error: %v", err)
	}

	ids, err := m.ListBundleIDs("inbox_triage")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 8 {
		t.Errorf("got %d bundles, want 8", len(ids))
	}
	for _, id := range ids {
		status, err := m.BundleStatus("inbox_triage", id)
		if err != nil {
			t.Errorf("status for %s failed: %v", id, err)
			continue
		}
		if status != StatusProposed {
			t.Errorf("bundle %s status = %s, want proposed", id, status)
		}
	}
}
