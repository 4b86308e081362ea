// Package bundle owns the configuration bundle lifecycle: create, propose,
// approve, deploy as canary, promote, roll back. Bundles themselves are
// immutable; all lifecycle movement is pointer swaps across the active,
// canary and backup slots in the settings map. Slot swaps are not atomic
// multi-key transactions, so every mutation for an agent runs under that
// agent's exclusive lock.
package bundle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"canaryloop/internal/settings"
	"canaryloop/internal/trainer"
)

// Manager drives the bundle state machine.
type Manager struct {
	settings *settings.Store
	trainer  *trainer.HeuristicTrainer
	sink     ApprovalSink
	log      *zap.Logger

	lockMu     sync.Mutex
	agentLocks map[string]*sync.Mutex
}

// NewManager wires a bundle manager. A nil sink falls back to the
// settings-backed default.
func NewManager(s *settings.Store, t *trainer.HeuristicTrainer, sink ApprovalSink, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = &SettingsSink{Settings: s}
	}
	return &Manager{
		settings:   s,
		trainer:    t,
		sink:       sink,
		log:        log,
		agentLocks: make(map[string]*sync.Mutex),
	}
}

// lockAgent serializes lifecycle mutations for one agent.
func (m *Manager) lockAgent(agent string) func() {
	m.lockMu.Lock()
	mu, ok := m.agentLocks[agent]
	if !ok {
		mu = &sync.Mutex{}
		m.agentLocks[agent] = mu
	}
	m.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// CreateBundle trains a new bundle and stores it in status pending.
// Propagates *trainer.InsufficientDataError when the agent is under the
// example floor. All-or-nothing: nothing is written on failure.
func (m *Manager) CreateBundle(ctx context.Context, agent string, minExamples int, modelType trainer.ModelType) (*trainer.ConfigBundle, error) {
	unlock := m.lockAgent(agent)
	defer unlock()

	b, err := m.trainer.Train(ctx, agent, minExamples, modelType)
	if err != nil {
		return nil, err
	}

	history, err := m.ListBundleIDs(agent)
	if err != nil {
		return nil, err
	}
	b.Version = len(history) + 1

	if _, err := m.settings.Put(bundleKey(agent, b.BundleID), b); err != nil {
		return nil, fmt.Errorf("failed to store bundle: %w", err)
	}
	if err := m.putState(agent, b.BundleID, StatusPending, ""); err != nil {
		return nil, err
	}

	m.log.Info("created bundle",
		zap.String("agent", agent),
		zap.String("bundle_id", b.BundleID),
		zap.Int("version", b.Version))
	return b, nil
}

// ProposeBundle opens an approval request for a pending bundle, diffing it
// against the current active bundle (empty baseline when there is none).
// Transition: pending -> proposed.
func (m *Manager) ProposeBundle(ctx context.Context, agent, bundleID, proposer string) (string, error) {
	unlock := m.lockAgent(agent)
	defer unlock()

	state, err := m.getState(agent, bundleID)
	if err != nil {
		return "", err
	}
	if state.Status != StatusPending {
		return "", &InvalidStateTransitionError{
			Op: "propose_bundle", Subject: "bundle " + bundleID,
			Current: string(state.Status), Required: string(StatusPending),
		}
	}

	newBundle, err := m.GetBundle(agent, bundleID)
	if err != nil {
		return "", err
	}
	oldBundle, _, err := m.ActiveBundle(agent)
	if err != nil {
		return "", err
	}

	diff := trainer.Diff(oldBundle, newBundle)

	approvalID, err := m.sink.Create(ctx, agent, bundleID, diff, proposer)
	if err != nil {
		return "", fmt.Errorf("failed to create approval request: %w", err)
	}

	if err := m.putState(agent, bundleID, StatusProposed, approvalID); err != nil {
		return "", err
	}

	m.log.Info("proposed bundle",
		zap.String("agent", agent),
		zap.String("bundle_id", bundleID),
		zap.String("approval_id", approvalID),
		zap.Float64("accuracy_delta", diff.AccuracyDelta))
	return approvalID, nil
}

// ApproveBundle resolves an approval as approved. Authorization only:
// deployment is a separate, explicit step so one approval can be deployed,
// retried, or re-targeted at a different canary percent.
// Transition: proposed -> approved.
func (m *Manager) ApproveBundle(ctx context.Context, approvalID, approver, rationale string) error {
	return m.resolveApproval(ctx, approvalID, approver, rationale, ApprovalApproved, StatusApproved)
}

// RejectBundle resolves an approval as rejected. Terminal for the bundle.
// Transition: proposed -> rejected.
func (m *Manager) RejectBundle(ctx context.Context, approvalID, approver, rationale string) error {
	return m.resolveApproval(ctx, approvalID, approver, rationale, ApprovalRejected, StatusRejected)
}

func (m *Manager) resolveApproval(ctx context.Context, approvalID, approver, rationale string, resolution ApprovalStatus, bundleStatus Status) error {
	req, err := m.GetApproval(approvalID)
	if err != nil {
		return err
	}

	unlock := m.lockAgent(req.Agent)
	defer unlock()

	// Re-read under the lock; a concurrent resolution may have landed.
	req, err = m.GetApproval(approvalID)
	if err != nil {
		return err
	}
	if req.Status != ApprovalPending {
		return &InvalidStateTransitionError{
			Op: "resolve_approval", Subject: "approval " + approvalID,
			Current: string(req.Status), Required: string(ApprovalPending),
		}
	}

	state, err := m.getState(req.Agent, req.BundleID)
	if err != nil {
		return err
	}
	if state.Status != StatusProposed {
		return &InvalidStateTransitionError{
			Op: "resolve_approval", Subject: "bundle " + req.BundleID,
			Current: string(state.Status), Required: string(StatusProposed),
		}
	}

	now := time.Now().UTC()
	req.Status = resolution
	req.Approver = approver
	req.Rationale = rationale
	req.ResolvedAt = &now
	if _, err := m.settings.Put(approvalKey(approvalID), req); err != nil {
		return fmt.Errorf("failed to store approval resolution: %w", err)
	}

	if err := m.putState(req.Agent, req.BundleID, bundleStatus, approvalID); err != nil {
		return err
	}

	m.log.Info("resolved approval",
		zap.String("approval_id", approvalID),
		zap.String("agent", req.Agent),
		zap.String("bundle_id", req.BundleID),
		zap.String("resolution", string(resolution)),
		zap.String("approver", approver))
	return nil
}

// ApplyApprovedBundle deploys an approved bundle. With a canary percent it
// lands in the canary slot (deployed_canary); without one it replaces the
// active slot outright. Apply is idempotent per approval: the same approval
// can be retried or re-targeted at a different canary percent without
// re-approval, and the backup snapshot is taken only on the first
// deployment.
func (m *Manager) ApplyApprovedBundle(ctx context.Context, approvalID string, canaryPercent *int) error {
	req, err := m.GetApproval(approvalID)
	if err != nil {
		return err
	}

	unlock := m.lockAgent(req.Agent)
	defer unlock()

	if req.Status != ApprovalApproved {
		return &InvalidStateTransitionError{
			Op: "apply_approved_bundle", Subject: "approval " + approvalID,
			Current: string(req.Status), Required: string(ApprovalApproved),
		}
	}

	state, err := m.getState(req.Agent, req.BundleID)
	if err != nil {
		return err
	}
	redeploying := (state.Status == StatusDeployedCanary || state.Status == StatusActive) &&
		state.ApprovalID == approvalID
	if state.Status != StatusApproved && !redeploying {
		return &InvalidStateTransitionError{
			Op: "apply_approved_bundle", Subject: "bundle " + req.BundleID,
			Current: string(state.Status), Required: string(StatusApproved),
		}
	}

	if canaryPercent != nil && (*canaryPercent <= 0 || *canaryPercent > 100) {
		return fmt.Errorf("canary percent must be within (0, 100], got %d", *canaryPercent)
	}

	agent := req.Agent
	now := time.Now().UTC()

	// Snapshot the current active bundle into the backup slot, replacing
	// any prior backup. Single-slot retention; full history stays under
	// the per-bundle keys. A retry of the same approval never snapshots
	// the deploying bundle over the real backup.
	var active SlotRef
	hasActive, err := m.settings.Get(activeKey(agent), &active)
	if err != nil {
		return err
	}
	if hasActive && active.BundleID != req.BundleID {
		if _, err := m.settings.Put(backupKey(agent), SlotRef{
			BundleID:   active.BundleID,
			DeployedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to snapshot backup: %w", err)
		}
	}

	if canaryPercent != nil {
		// A different bundle already in the canary slot is displaced.
		var prevCanary SlotRef
		hasCanary, err := m.settings.Get(canaryKey(agent), &prevCanary)
		if err != nil {
			return err
		}
		if hasCanary && prevCanary.BundleID != req.BundleID {
			if err := m.putState(agent, prevCanary.BundleID, StatusSuperseded, ""); err != nil {
				return err
			}
		}
		if _, err := m.settings.Put(canaryKey(agent), SlotRef{
			BundleID:   req.BundleID,
			Percent:    *canaryPercent,
			DeployedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to write canary slot: %w", err)
		}
		if err := m.putState(agent, req.BundleID, StatusDeployedCanary, approvalID); err != nil {
			return err
		}
		m.log.Info("deployed bundle as canary",
			zap.String("agent", agent),
			zap.String("bundle_id", req.BundleID),
			zap.Int("percent", *canaryPercent))
		return nil
	}

	if _, err := m.settings.Put(activeKey(agent), SlotRef{
		BundleID:   req.BundleID,
		Percent:    100,
		DeployedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to write active slot: %w", err)
	}
	if hasActive && active.BundleID != req.BundleID {
		if err := m.putState(agent, active.BundleID, StatusSuperseded, ""); err != nil {
			return err
		}
	}
	// Re-targeting the approval's own canary to full traffic vacates the
	// canary slot.
	var canary SlotRef
	hasCanary, err := m.settings.Get(canaryKey(agent), &canary)
	if err != nil {
		return err
	}
	if hasCanary && canary.BundleID == req.BundleID {
		if err := m.settings.Delete(canaryKey(agent)); err != nil {
			return err
		}
	}
	if err := m.putState(agent, req.BundleID, StatusActive, approvalID); err != nil {
		return err
	}

	m.log.Info("deployed bundle as active",
		zap.String("agent", agent),
		zap.String("bundle_id", req.BundleID))
	return nil
}

// RollbackBundle is the emergency path: restore the backup bundle into the
// active slot. The displaced active becomes the new backup, the canary
// slot (if any) is cleared, and the displaced bundle is marked rolled
// back. Usable from any deployed state; not gated by the canary guard.
func (m *Manager) RollbackBundle(ctx context.Context, agent string) error {
	unlock := m.lockAgent(agent)
	defer unlock()

	var backup SlotRef
	hasBackup, err := m.settings.Get(backupKey(agent), &backup)
	if err != nil {
		return err
	}
	if !hasBackup {
		return &MissingBackupError{Agent: agent}
	}

	var active SlotRef
	hasActive, err := m.settings.Get(activeKey(agent), &active)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := m.settings.Put(activeKey(agent), SlotRef{
		BundleID:   backup.BundleID,
		Percent:    100,
		DeployedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to restore backup into active slot: %w", err)
	}

	if hasActive && active.BundleID != backup.BundleID {
		if _, err := m.settings.Put(backupKey(agent), SlotRef{
			BundleID:   active.BundleID,
			DeployedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to swap displaced active into backup: %w", err)
		}
		if err := m.putState(agent, active.BundleID, StatusRolledBack, ""); err != nil {
			return err
		}
	}

	var canary SlotRef
	hasCanary, err := m.settings.Get(canaryKey(agent), &canary)
	if err != nil {
		return err
	}
	if hasCanary {
		if err := m.settings.Delete(canaryKey(agent)); err != nil {
			return err
		}
		if err := m.putState(agent, canary.BundleID, StatusRolledBack, ""); err != nil {
			return err
		}
	}

	if err := m.putState(agent, backup.BundleID, StatusActive, ""); err != nil {
		return err
	}

	m.log.Warn("rolled back to backup bundle",
		zap.String("agent", agent),
		zap.String("restored", backup.BundleID))
	return nil
}

// PromoteCanary raises the canary traffic percent. At 100 the canary
// bundle becomes the active bundle: the displaced active is snapshotted
// into the backup slot and the canary slot is cleared.
func (m *Manager) PromoteCanary(ctx context.Context, agent string, targetPercent int) error {
	unlock := m.lockAgent(agent)
	defer unlock()

	var canary SlotRef
	hasCanary, err := m.settings.Get(canaryKey(agent), &canary)
	if err != nil {
		return err
	}
	if !hasCanary {
		return &InvalidStateTransitionError{
			Op: "promote_canary", Subject: "agent " + agent,
			Current: "no canary deployed", Required: string(StatusDeployedCanary),
		}
	}
	if targetPercent <= canary.Percent || targetPercent > 100 {
		return fmt.Errorf("promote target must be within (%d, 100], got %d", canary.Percent, targetPercent)
	}

	now := time.Now().UTC()

	if targetPercent < 100 {
		canary.Percent = targetPercent
		if _, err := m.settings.Put(canaryKey(agent), canary); err != nil {
			return fmt.Errorf("failed to update canary percent: %w", err)
		}
		m.log.Info("promoted canary",
			zap.String("agent", agent),
			zap.String("bundle_id", canary.BundleID),
			zap.Int("percent", targetPercent))
		return nil
	}

	// Finalize: canary becomes active.
	var active SlotRef
	hasActive, err := m.settings.Get(activeKey(agent), &active)
	if err != nil {
		return err
	}
	if hasActive && active.BundleID != canary.BundleID {
		if _, err := m.settings.Put(backupKey(agent), SlotRef{
			BundleID:   active.BundleID,
			DeployedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to snapshot backup: %w", err)
		}
		if err := m.putState(agent, active.BundleID, StatusSuperseded, ""); err != nil {
			return err
		}
	}

	if _, err := m.settings.Put(activeKey(agent), SlotRef{
		BundleID:   canary.BundleID,
		Percent:    100,
		DeployedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to write active slot: %w", err)
	}
	if err := m.settings.Delete(canaryKey(agent)); err != nil {
		return err
	}
	if err := m.putState(agent, canary.BundleID, StatusActive, ""); err != nil {
		return err
	}

	m.log.Info("promoted canary to active",
		zap.String("agent", agent),
		zap.String("bundle_id", canary.BundleID))
	return nil
}

// RollbackCanary clears the canary slot; traffic reverts entirely to the
// active bundle. Never touches the backup slot -- that belongs to
// RollbackBundle, which restores a previous active.
func (m *Manager) RollbackCanary(ctx context.Context, agent string) error {
	unlock := m.lockAgent(agent)
	defer unlock()

	var canary SlotRef
	hasCanary, err := m.settings.Get(canaryKey(agent), &canary)
	if err != nil {
		return err
	}
	if !hasCanary {
		return &InvalidStateTransitionError{
			Op: "rollback_canary", Subject: "agent " + agent,
			Current: "no canary deployed", Required: string(StatusDeployedCanary),
		}
	}

	if err := m.settings.Delete(canaryKey(agent)); err != nil {
		return err
	}
	if err := m.putState(agent, canary.BundleID, StatusRolledBack, ""); err != nil {
		return err
	}

	m.log.Warn("rolled back canary",
		zap.String("agent", agent),
		zap.String("bundle_id", canary.BundleID))
	return nil
}

// GetBundle loads one immutable bundle.
func (m *Manager) GetBundle(agent, bundleID string) (*trainer.ConfigBundle, error) {
	var b trainer.ConfigBundle
	found, err := m.settings.Get(bundleKey(agent, bundleID), &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bundle %s not found for agent %s", bundleID, agent)
	}
	return &b, nil
}

// ActiveBundle returns the currently-served bundle, or nil when the agent
// has none.
func (m *Manager) ActiveBundle(agent string) (*trainer.ConfigBundle, *SlotRef, error) {
	var ref SlotRef
	found, err := m.settings.Get(activeKey(agent), &ref)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, nil
	}
	b, err := m.GetBundle(agent, ref.BundleID)
	if err != nil {
		return nil, nil, err
	}
	return b, &ref, nil
}

// CanaryRef returns the in-flight canary slot, or nil when none.
func (m *Manager) CanaryRef(agent string) (*SlotRef, error) {
	var ref SlotRef
	found, err := m.settings.Get(canaryKey(agent), &ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &ref, nil
}

// BackupRef returns the backup slot, or nil when none.
func (m *Manager) BackupRef(agent string) (*SlotRef, error) {
	var ref SlotRef
	found, err := m.settings.Get(backupKey(agent), &ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &ref, nil
}

// BundleStatus returns the lifecycle status of one bundle.
func (m *Manager) BundleStatus(agent, bundleID string) (Status, error) {
	state, err := m.getState(agent, bundleID)
	if err != nil {
		return "", err
	}
	return state.Status, nil
}

// ListBundleIDs returns all stored bundle ids for an agent, ascending.
// Bundle ids are time-ordered so this is also creation order.
func (m *Manager) ListBundleIDs(agent string) ([]string, error) {
	keys, err := m.settings.ListPrefix(fmt.Sprintf("bundle.%s.", agent))
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, k := range keys {
		id := strings.TrimPrefix(k, fmt.Sprintf("bundle.%s.", agent))
		if id == "active" || id == "canary" || id == "backup" {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CanaryAgents returns every agent with an in-flight canary.
func (m *Manager) CanaryAgents() ([]string, error) {
	keys, err := m.settings.ListPrefix("bundle.")
	if err != nil {
		return nil, err
	}

	var agents []string
	for _, k := range keys {
		if strings.HasSuffix(k, ".canary") {
			agent := strings.TrimSuffix(strings.TrimPrefix(k, "bundle."), ".canary")
			agents = append(agents, agent)
		}
	}
	return agents, nil
}

func (m *Manager) getState(agent, bundleID string) (*bundleState, error) {
	var state bundleState
	found, err := m.settings.Get(stateKey(agent, bundleID), &state)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no lifecycle state for bundle %s (agent %s)", bundleID, agent)
	}
	return &state, nil
}

func (m *Manager) putState(agent, bundleID string, status Status, approvalID string) error {
	state := bundleState{Status: status, UpdatedAt: time.Now().UTC()}
	if approvalID != "" {
		state.ApprovalID = approvalID
	}
	if _, err := m.settings.Put(stateKey(agent, bundleID), state); err != nil {
		return fmt.Errorf("failed to store bundle state: %w", err)
	}
	return nil
}
