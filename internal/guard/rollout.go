package guard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Rollout driver statuses.
const (
	RolloutActive   = "active"
	RolloutStuck    = "stuck"
	RolloutHalted   = "halted"
	RolloutComplete = "complete"
)

// RolloutState tracks one agent's staged rollout between nightly ticks.
type RolloutState struct {
	Agent         string    `json:"agent"`
	BundleID      string    `json:"bundle_id"`
	Stages        []int     `json:"stages"`
	StageIndex    int       `json:"stage_index"`
	StalledCycles int       `json:"stalled_cycles"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	LastVerdict   string    `json:"last_verdict,omitempty"`
}

// StartRollout deploys an approved bundle at the first stage percent and
// records the rollout state the nightly guard will advance.
func (g *Guard) StartRollout(ctx context.Context, agent, approvalID string, stages []int) (*RolloutState, error) {
	if len(stages) == 0 {
		stages = g.stages
	}

	first := stages[0]
	if err := g.manager.ApplyApprovedBundle(ctx, approvalID, &first); err != nil {
		return nil, err
	}

	canary, err := g.manager.CanaryRef(agent)
	if err != nil {
		return nil, err
	}
	if canary == nil {
		return nil, fmt.Errorf("canary slot empty after deploy for agent %s", agent)
	}

	state := &RolloutState{
		Agent:      agent,
		BundleID:   canary.BundleID,
		Stages:     stages,
		Status:     RolloutActive,
		StartedAt:  time.Now().UTC(),
	}
	if _, err := g.settings.Put(rolloutKey(agent), state); err != nil {
		return nil, fmt.Errorf("failed to store rollout state: %w", err)
	}

	g.log.Info("started gradual rollout",
		zap.String("agent", agent),
		zap.String("bundle_id", state.BundleID),
		zap.Ints("stages", stages))
	return state, nil
}

// AdvanceRollout runs one guard cycle for an agent with an in-flight
// canary: check performance, then rollback, promote one stage, or hold.
// Holding too many consecutive cycles flags the rollout stuck for an
// operator; it is never auto-resolved.
func (g *Guard) AdvanceRollout(ctx context.Context, agent string) (*RolloutState, error) {
	state, err := g.rolloutState(agent)
	if err != nil {
		return nil, err
	}
	if state == nil {
		// Canary deployed outside the rollout driver; adopt it at the
		// current stage so the guard still watches it.
		canary, err := g.manager.CanaryRef(agent)
		if err != nil {
			return nil, err
		}
		if canary == nil {
			return nil, fmt.Errorf("no canary in flight for agent %s", agent)
		}
		state = &RolloutState{
			Agent:     agent,
			BundleID:  canary.BundleID,
			Stages:    g.stages,
			Status:    RolloutActive,
			StartedAt: time.Now().UTC(),
		}
		for i, s := range state.Stages {
			if s >= canary.Percent {
				state.StageIndex = i
				break
			}
		}
	}

	if state.Status == RolloutHalted || state.Status == RolloutComplete {
		return state, nil
	}

	check, err := g.CheckCanaryPerformance(ctx, agent, g.lookbackHours)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	state.LastCheckedAt = now
	state.LastVerdict = check.Recommendation

	switch check.Recommendation {
	case RecommendRollback:
		if err := g.manager.RollbackCanary(ctx, agent); err != nil {
			return nil, err
		}
		state.Status = RolloutHalted
		g.log.Warn("rollout halted on regression",
			zap.String("agent", agent),
			zap.String("bundle_id", state.BundleID),
			zap.Float64("quality_delta", check.QualityDelta),
			zap.Float64("latency_delta", check.LatencyDelta))

	case RecommendPromote:
		// A promote resolves any stall the rollout was flagged with.
		state.StalledCycles = 0
		state.Status = RolloutActive
		next := 100
		if state.StageIndex+1 < len(state.Stages) {
			state.StageIndex++
			next = state.Stages[state.StageIndex]
		} else {
			state.StageIndex = len(state.Stages) - 1
		}
		if err := g.manager.PromoteCanary(ctx, agent, next); err != nil {
			return nil, err
		}
		if next >= 100 {
			state.Status = RolloutComplete
			g.log.Info("rollout complete",
				zap.String("agent", agent), zap.String("bundle_id", state.BundleID))
		} else {
			g.log.Info("rollout advanced",
				zap.String("agent", agent),
				zap.String("bundle_id", state.BundleID),
				zap.Int("percent", next))
		}

	default: // monitor
		state.StalledCycles++
		if state.StalledCycles >= g.maxStalledCycles && state.Status == RolloutActive {
			state.Status = RolloutStuck
			g.log.Warn("rollout stuck, operator attention needed",
				zap.String("agent", agent),
				zap.String("bundle_id", state.BundleID),
				zap.Int("stalled_cycles", state.StalledCycles))
		}
	}

	if _, err := g.settings.Put(rolloutKey(agent), state); err != nil {
		return nil, fmt.Errorf("failed to store rollout state: %w", err)
	}
	return state, nil
}

// NightlyGuardCheck runs one guard cycle for every agent with an active
// canary. Per-agent failures are logged and do not stop other agents.
func (g *Guard) NightlyGuardCheck(ctx context.Context) error {
	agents, err := g.manager.CanaryAgents()
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, agent := range agents {
		agent := agent
		eg.Go(func() error {
			state, err := g.AdvanceRollout(ctx, agent)
			if err != nil {
				g.log.Error("guard check failed for agent",
					zap.String("agent", agent), zap.Error(err))
				return nil
			}
			g.log.Info("guard check done",
				zap.String("agent", agent),
				zap.String("status", state.Status),
				zap.String("verdict", state.LastVerdict))
			return nil
		})
	}
	return eg.Wait()
}

// RolloutStatus returns the persisted rollout state for an agent, nil when
// none exists.
func (g *Guard) RolloutStatus(agent string) (*RolloutState, error) {
	return g.rolloutState(agent)
}

func (g *Guard) rolloutState(agent string) (*RolloutState, error) {
	var state RolloutState
	found, err := g.settings.Get(rolloutKey(agent), &state)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &state, nil
}

func rolloutKey(agent string) string {
	return fmt.Sprintf("rollout.%s", agent)
}
