package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/asthaai/sentinel/internal/iam"
	"github.com/asthaai/sentinel/internal/identity"
	"github.com/asthaai/sentinel/internal/logging"
	"github.com/asthaai/sentinel/internal/risk"
	"github.com/asthaai/sentinel/internal/supervisor"
	"github.com/asthaai/sentinel/internal/validation"
)

// respondError maps engine errors onto HTTP status codes. Validation
// failures are the caller's fault, policy denials are forbidden, and an
// unreachable identity authority is a bad gateway.
func respondError(c *gin.Context, err error) {
	var verr *risk.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"field":   verr.Field,
			"message": verr.Error(),
		})
		return
	}

	var perr *iam.PolicyVerificationError
	if errors.As(err, &perr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "access_denied",
			"action":  perr.Action,
			"message": perr.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, identity.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "agent_not_found",
			"message": err.Error(),
		})
	case errors.Is(err, identity.ErrUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "identity_authority_unavailable",
			"message": err.Error(),
		})
	case errors.Is(err, supervisor.ErrNotInitialized):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_initialized",
			"message": err.Error(),
		})
	case errors.Is(err, risk.ErrNoTransactions):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

func (s *Server) analyzeTransaction(c *gin.Context) {
	var tx risk.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	decision, err := s.sup.AnalyzeTransaction(c.Request.Context(), &tx)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (s *Server) analyzePatterns(c *gin.Context) {
	var req struct {
		Transactions []risk.Transaction `json:"transactions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	analysis, err := s.sup.AnalyzePatterns(c.Request.Context(), req.Transactions)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, analysis)
}

func (s *Server) flagSuspicious(c *gin.Context) {
	var req struct {
		TransactionID string `json:"transaction_id"`
		Reason        string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("transaction_id", req.TransactionID),
		validation.MaxLength("transaction_id", req.TransactionID, 256),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	flag, err := s.sup.FlagSuspicious(c.Request.Context(), req.TransactionID,
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, flag)
}

func (s *Server) listAssessments(c *gin.Context) {
	actorID := c.Param("id")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 500",
			})
			return
		}
		limit = n
	}

	assessments, err := s.sup.ListAssessments(c.Request.Context(), actorID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"actor_id":    actorID,
		"assessments": assessments,
		"count":       len(assessments),
	})
}

func (s *Server) monitorCommunication(c *gin.Context) {
	var req struct {
		SourceAgentID string         `json:"source_agent_id"`
		TargetAgentID string         `json:"target_agent_id"`
		Type          string         `json:"communication_type"`
		Payload       map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAgent("source_agent_id", req.SourceAgentID),
		validation.ValidAgent("target_agent_id", req.TargetAgentID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	allowed, err := s.sup.MonitorCommunication(c.Request.Context(),
		req.SourceAgentID, req.TargetAgentID, req.Payload, req.Type)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"source_agent_id": req.SourceAgentID,
		"allowed":         allowed,
	})
}

func (s *Server) registerAgent(c *gin.Context) {
	var req struct {
		Subject    string `json:"subject"`
		Department string `json:"department"`
		TrustLevel string `json:"trust_level"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("subject", req.Subject),
		validation.ValidAgent("subject", req.Subject),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	conn, err := s.authority.EstablishIdentity(c.Request.Context(), req.Subject, "agent", map[string]string{
		"department":  req.Department,
		"trust_level": req.TrustLevel,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, conn)
}

func (s *Server) monitorActivity(c *gin.Context) {
	agentID := c.Param("id")

	var req struct {
		Action  string         `json:"action"`
		Details map[string]any `json:"details"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("action", req.Action),
		validation.MaxLength("action", req.Action, 256),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	allowed, err := s.sup.MonitorAgentActivity(c.Request.Context(), agentID, req.Action, req.Details)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id": agentID,
		"allowed":  allowed,
	})
}

func (s *Server) agentSnapshot(c *gin.Context) {
	agentID := c.Param("id")
	c.JSON(http.StatusOK, s.sup.AgentSnapshot(agentID))
}
