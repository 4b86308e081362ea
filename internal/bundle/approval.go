package bundle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"canaryloop/internal/settings"
	"canaryloop/internal/trainer"
)

// ApprovalSink is the generic human-approval-request capability. The host
// application routes these to whatever surface humans act on; the default
// implementation just records them in the settings map.
type ApprovalSink interface {
	Create(ctx context.Context, agent, bundleID string, diff trainer.BundleDiff, proposer string) (string, error)
}

// SettingsSink stores approval requests under approval.{id}.
type SettingsSink struct {
	Settings *settings.Store
}

// Create records a new pending approval request and returns its id.
func (s *SettingsSink) Create(ctx context.Context, agent, bundleID string, diff trainer.BundleDiff, proposer string) (string, error) {
	req := ApprovalRequest{
		ID:        uuid.NewString(),
		Agent:     agent,
		BundleID:  bundleID,
		Proposer:  proposer,
		Status:    ApprovalPending,
		Diff:      diff,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.Settings.Put(approvalKey(req.ID), req); err != nil {
		return "", fmt.Errorf("failed to store approval request: %w", err)
	}
	return req.ID, nil
}

// GetApproval loads an approval request by id.
func (m *Manager) GetApproval(id string) (*ApprovalRequest, error) {
	var req ApprovalRequest
	found, err := m.settings.Get(approvalKey(id), &req)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("approval %s not found", id)
	}
	return &req, nil
}

// ListApprovals returns all stored approval requests, optionally filtered
// by status.
func (m *Manager) ListApprovals(status ApprovalStatus) ([]ApprovalRequest, error) {
	keys, err := m.settings.ListPrefix("approval.")
	if err != nil {
		return nil, err
	}

	var out []ApprovalRequest
	for _, k := range keys {
		var req ApprovalRequest
		if _, err := m.settings.Get(k, &req); err != nil {
			return nil, err
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}
