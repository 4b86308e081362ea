package bundle

import (
	"fmt"
	"time"

	"canaryloop/internal/trainer"
)

// Status is a bundle's position in the deployment lifecycle.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProposed       Status = "proposed"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusDeployedCanary Status = "deployed_canary"
	StatusActive         Status = "active"
	StatusRolledBack     Status = "rolled_back"
	// StatusSuperseded marks a previously-active bundle displaced by a
	// newer one. Not part of the transition graph; audit marker only.
	StatusSuperseded Status = "superseded"
)

// ApprovalStatus is the resolution state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is a pending or resolved decision to deploy a bundle.
// Monotonic: pending resolves once to approved or rejected, then freezes.
type ApprovalRequest struct {
	ID         string             `json:"id"`
	Agent      string             `json:"agent"`
	BundleID   string             `json:"bundle_id"`
	Proposer   string             `json:"proposer"`
	Status     ApprovalStatus     `json:"status"`
	Diff       trainer.BundleDiff `json:"diff"`
	Approver   string             `json:"approver,omitempty"`
	Rationale  string             `json:"rationale,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
}

// SlotRef is the pointer a slot key holds: a bundle reference, never the
// bundle itself.
type SlotRef struct {
	BundleID   string    `json:"bundle_id"`
	Percent    int       `json:"percent,omitempty"`
	DeployedAt time.Time `json:"deployed_at"`
}

// bundleState is the mutable lifecycle record kept separately from the
// immutable bundle payload.
type bundleState struct {
	Status     Status    `json:"status"`
	ApprovalID string    `json:"approval_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// InvalidStateTransitionError names an attempted operation that is not
// valid in the bundle's or approval's current state. Operator error:
// surfaced directly, never retried.
type InvalidStateTransitionError struct {
	Op       string
	Subject  string
	Current  string
	Required string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s: %s is %s, requires %s", e.Op, e.Subject, e.Current, e.Required)
}

// MissingBackupError means a rollback was attempted with no backup slot.
// Manual remediation: re-deploy a known-good bundle from history.
type MissingBackupError struct {
	Agent string
}

func (e *MissingBackupError) Error() string {
	return fmt.Sprintf("no backup bundle for agent %s", e.Agent)
}

// Storage keys under the settings map.
func bundleKey(agent, bundleID string) string { return fmt.Sprintf("bundle.%s.%s", agent, bundleID) }
func stateKey(agent, bundleID string) string {
	return fmt.Sprintf("bundle_state.%s.%s", agent, bundleID)
}
func activeKey(agent string) string { return fmt.Sprintf("bundle.%s.active", agent) }
func canaryKey(agent string) string { return fmt.Sprintf("bundle.%s.canary", agent) }
func backupKey(agent string) string { return fmt.Sprintf("bundle.%s.backup", agent) }
func approvalKey(id string) string  { return fmt.Sprintf("approval.%s", id) }
