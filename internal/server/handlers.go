package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/payguard/internal/anomaly"
	"github.com/mbd888/payguard/internal/chain"
	"github.com/mbd888/payguard/internal/intent"
	"github.com/mbd888/payguard/internal/logging"
	"github.com/mbd888/payguard/internal/policy"
	"github.com/mbd888/payguard/internal/retrain"
)

// MaxFreezeBatch caps addresses per freeze check request.
const MaxFreezeBatch = 100

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Checks    any    `json:"checks"`
	Timestamp string `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Decisions
// -----------------------------------------------------------------------------

func (s *Server) decideHandler(c *gin.Context) {
	var req policy.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	d, err := s.engine.Decide(c.Request.Context(), req)
	switch {
	case errors.Is(err, policy.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	case err != nil:
		// No decision was made; the agent must not pay.
		logging.L(c.Request.Context()).Error("decision failed", "recipient", req.Recipient, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "decision_unavailable",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, d)
}

type parseIntentRequest struct {
	Text    string         `json:"text" binding:"required"`
	Context intent.Context `json:"context"`
}

func (s *Server) parseIntentHandler(c *gin.Context) {
	if s.parser == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ai_disabled", "message": "AI intent parsing is not enabled"})
		return
	}

	var req parseIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "text is required"})
		return
	}

	res, err := s.parser.ParseAndAssessRisk(c.Request.Context(), req.Text, req.Context)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "parse_unavailable", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

type freezeCheckRequest struct {
	Addresses []string `json:"addresses" binding:"required,min=1"`
}

func (s *Server) freezeCheckHandler(c *gin.Context) {
	if s.freeze == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "freeze_oracle_disabled", "message": "FREEZE_CONTRACT is not configured"})
		return
	}

	var req freezeCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "addresses required"})
		return
	}
	if len(req.Addresses) > MaxFreezeBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "too many addresses"})
		return
	}

	addrs := make([]string, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		norm, err := chain.Normalize(a)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
			return
		}
		addrs = append(addrs, norm)
	}

	frozen, err := s.freeze.IsFrozenBatch(c.Request.Context(), addrs)
	if err != nil {
		logging.L(c.Request.Context()).Warn("freeze check failed", "count", len(addrs), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "freeze_unverifiable", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"frozen": frozen})
}

func (s *Server) policyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"policy":      s.engine.Policy(),
		"aiAvailable": s.engine.AIAvailable(),
		"mlFeatures":  s.features != nil,
		"freezeGate":  s.freeze != nil,
	})
}

// -----------------------------------------------------------------------------
// Anomaly profile
// -----------------------------------------------------------------------------

func (s *Server) getProfileHandler(c *gin.Context) {
	p := s.detector.Profile()
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_trained", "message": "no anomaly profile is active"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) putProfileHandler(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := s.detector.Import(data); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, anomaly.ErrInsufficientSamples) || errors.Is(err, anomaly.ErrProfileMismatch) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": "invalid_profile", "message": err.Error()})
		return
	}

	if path := s.cfg.AnomalyProfilePath; path != "" {
		if err := retrain.WriteFileAtomic(path, data); err != nil {
			logging.L(c.Request.Context()).Error("anomaly profile not persisted", "path", path, "error", err)
		}
	}

	p := s.detector.Profile()
	s.hub.BroadcastProfileReloaded(p.Samples)
	c.JSON(http.StatusOK, p)
}

func (s *Server) retrainHandler(c *gin.Context) {
	if s.retrainer == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ml_disabled", "message": "ENABLE_ML_FEATURES is not set"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	res, err := s.retrainer.RunOnce(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retrain_failed", "message": err.Error(), "result": res})
		return
	}
	if res.Outcome == retrain.ResultFitted {
		s.hub.BroadcastProfileReloaded(res.Samples)
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) sampleStatsHandler(c *gin.Context) {
	stats, err := s.sampleStore.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load sample stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"samples": stats,
		"flushed": s.collector.Flushed(),
		"dropped": s.collector.Dropped(),
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	out := gin.H{
		"feed":    s.hub.Stats(),
		"limiter": gin.H{"clients": s.limiter.Len()},
	}
	if s.features != nil {
		computed, hits := s.features.Stats()
		out["features"] = gin.H{"computed": computed, "cacheHits": hits}
	}
	if s.retrainTimer != nil {
		out["retrain"] = gin.H{"runs": s.retrainTimer.Runs(), "running": s.retrainTimer.Running()}
	}
	if s.profileWatcher != nil {
		out["profileReloads"] = s.profileWatcher.Reloads()
	}
	c.JSON(http.StatusOK, out)
}
