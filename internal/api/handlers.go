package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"canaryloop/internal/bundle"
	"canaryloop/internal/guard"
	"canaryloop/internal/store"
	"canaryloop/internal/trainer"
)

func (s *Server) handleHealth(c *gin.Context) {
	stats, err := s.store.Stats()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tables": stats})
}

type createBundleRequest struct {
	Agent       string `json:"agent" binding:"required"`
	MinExamples int    `json:"min_examples"`
	ModelType   string `json:"model_type"`
}

func (s *Server) handleCreateBundle(c *gin.Context) {
	var req createBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ModelType == "" {
		req.ModelType = s.defaultModelType
	}

	b, err := s.manager.CreateBundle(c.Request.Context(), req.Agent, req.MinExamples, trainer.ModelType(req.ModelType))
	if err != nil {
		var insufficient *trainer.InsufficientDataError
		if errors.As(err, &insufficient) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": err.Error(),
				"have":  insufficient.Have,
				"need":  insufficient.Need,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, b)
}

type proposeBundleRequest struct {
	Agent    string `json:"agent" binding:"required"`
	Proposer string `json:"proposer" binding:"required"`
}

func (s *Server) handleProposeBundle(c *gin.Context) {
	var req proposeBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	approvalID, err := s.manager.ProposeBundle(c.Request.Context(), req.Agent, c.Param("bundle_id"), req.Proposer)
	if err != nil {
		writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"approval_id": approvalID})
}

func (s *Server) handleBundleHistory(c *gin.Context) {
	agent := c.Param("agent")

	ids, err := s.manager.ListBundleIDs(agent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type entry struct {
		BundleID string        `json:"bundle_id"`
		Status   bundle.Status `json:"status"`
		Version  int           `json:"version"`
		Accuracy float64       `json:"accuracy"`
	}
	history := make([]entry, 0, len(ids))
	for _, id := range ids {
		b, err := s.manager.GetBundle(agent, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		status, err := s.manager.BundleStatus(agent, id)
		if err != nil {
			status = ""
		}
		history = append(history, entry{BundleID: id, Status: status, Version: b.Version, Accuracy: b.Accuracy})
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "bundles": history})
}

func (s *Server) handleGetBundle(c *gin.Context) {
	b, err := s.manager.GetBundle(c.Param("agent"), c.Param("bundle_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) handleRollbackBundle(c *gin.Context) {
	err := s.manager.RollbackBundle(c.Request.Context(), c.Param("agent"))
	if err != nil {
		var missing *bundle.MissingBackupError
		if errors.As(err, &missing) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled_back"})
}

func (s *Server) handleListApprovals(c *gin.Context) {
	status := bundle.ApprovalStatus(c.Query("status"))
	approvals, err := s.manager.ListApprovals(status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

type resolveRequest struct {
	Approver  string `json:"approver" binding:"required"`
	Rationale string `json:"rationale"`
}

func (s *Server) handleApprove(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.ApproveBundle(c.Request.Context(), c.Param("id"), req.Approver, req.Rationale); err != nil {
		writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

func (s *Server) handleReject(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.RejectBundle(c.Request.Context(), c.Param("id"), req.Approver, req.Rationale); err != nil {
		writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

type applyRequest struct {
	CanaryPercent *int `json:"canary_percent"`
}

func (s *Server) handleApply(c *gin.Context) {
	var req applyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.manager.ApplyApprovedBundle(c.Request.Context(), c.Param("id"), req.CanaryPercent); err != nil {
		writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deployed"})
}

func (s *Server) handleActiveCanaries(c *gin.Context) {
	agents, err := s.manager.CanaryAgents()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type activeCanary struct {
		Agent    string `json:"agent"`
		BundleID string `json:"bundle_id"`
		Percent  int    `json:"percent"`
	}
	out := make([]activeCanary, 0, len(agents))
	for _, agent := range agents {
		ref, err := s.manager.CanaryRef(agent)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if ref == nil {
			continue
		}
		out = append(out, activeCanary{Agent: agent, BundleID: ref.BundleID, Percent: ref.Percent})
	}
	c.JSON(http.StatusOK, gin.H{"canaries": out})
}

type promoteRequest struct {
	TargetPercent int `json:"target_percent" binding:"required"`
}

func (s *Server) handlePromoteCanary(c *gin.Context) {
	var req promoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.guard.PromoteCanary(c.Request.Context(), c.Param("agent"), req.TargetPercent); err != nil {
		writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "promoted"})
}

func (s *Server) handleRollbackCanary(c *gin.Context) {
	if err := s.guard.RollbackCanary(c.Request.Context(), c.Param("agent")); err != nil {
		writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled_back"})
}

type startRolloutRequest struct {
	ApprovalID string `json:"approval_id" binding:"required"`
	Stages     []int  `json:"stages"`
}

func (s *Server) handleStartRollout(c *gin.Context) {
	var req startRolloutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := s.guard.StartRollout(c.Request.Context(), c.Param("agent"), req.ApprovalID, req.Stages)
	if err != nil {
		writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (s *Server) handleCanaryStatus(c *gin.Context) {
	agent := c.Param("agent")

	ref, err := s.manager.CanaryRef(agent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	state, err := s.guard.RolloutStatus(agent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "canary": ref, "rollout": state})
}

func (s *Server) handleReviewQueue(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent query parameter required"})
		return
	}

	queue, err := s.sampler.StoredQueue(agent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "candidates": queue})
}

type submitLabelRequest struct {
	Agent   string          `json:"agent" binding:"required"`
	TaskKey string          `json:"task_key" binding:"required"`
	Label   string          `json:"label" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleSubmitLabel(c *gin.Context) {
	var req submitLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inserted, err := s.sampler.SubmitLabel(req.Agent, req.TaskKey, req.Label, req.Payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"inserted": inserted})
}

type predictionRequest struct {
	Agent      string          `json:"agent" binding:"required"`
	TaskKey    string          `json:"task_key" binding:"required"`
	JudgeID    string          `json:"judge_id" binding:"required"`
	Verdict    string          `json:"verdict" binding:"required"`
	Confidence float64         `json:"confidence"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) handleRecordPrediction(c *gin.Context) {
	var req predictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.store.RecordPrediction(store.Prediction{
		Agent:      req.Agent,
		TaskKey:    req.TaskKey,
		JudgeID:    req.JudgeID,
		Verdict:    req.Verdict,
		Confidence: req.Confidence,
		Payload:    req.Payload,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

func (s *Server) handleRecordMetrics(c *gin.Context) {
	var deltas guard.Deltas
	if err := c.ShouldBindJSON(&deltas); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.guard.RecordCanaryMetrics(c.Param("agent"), deltas); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

type runFeedRequest struct {
	SinceDays int      `json:"since_days"`
	Limit     int      `json:"limit"`
	Agents    []string `json:"agents"`
}

func (s *Server) handleRunFeed(c *gin.Context) {
	var req runFeedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.SinceDays <= 0 {
		req.SinceDays = 30
	}

	since := time.Now().UTC().AddDate(0, 0, -req.SinceDays)
	inserted, err := s.loader.LoadAll(c.Request.Context(), since, req.Limit, req.Agents)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"inserted": inserted})
}

// writeTransitionError maps domain errors to status codes: state machine
// violations are 409, everything else 500.
func writeTransitionError(c *gin.Context, err error) {
	var transition *bundle.InvalidStateTransitionError
	if errors.As(err, &transition) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
