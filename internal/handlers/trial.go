package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jonesrussell/gosplit/internal/engine"
	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/trial"
)

type TrialHandler struct {
	engine *engine.Engine
	logger logger.Logger
}

func NewTrialHandler(eng *engine.Engine, log logger.Logger) *TrialHandler {
	return &TrialHandler{
		engine: eng,
		logger: log,
	}
}

type participateRequest struct {
	VisitorID    string                   `json:"visitor_id" binding:"required"`
	Experiment   experiment.Descriptor    `json:"experiment" binding:"required"`
	Alternatives []experiment.Alternative `json:"alternatives"`
	Override     string                   `json:"override"`
	Disabled     bool                     `json:"disabled"`
	Exclude      bool                     `json:"exclude"`
}

func (h *TrialHandler) Participate(c *gin.Context) {
	var req participateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body",
			logger.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	// Alternatives given without a weight count as weight 1.
	for i := range req.Alternatives {
		if req.Alternatives[i].Weight == 0 {
			req.Alternatives[i].Weight = 1
		}
	}

	result, err := h.engine.Participate(c.Request.Context(), req.VisitorID, req.Experiment, engine.Options{
		Alternatives: req.Alternatives,
		Override:     req.Override,
		Disabled:     req.Disabled,
		Exclude:      req.Exclude,
		Request: engine.Request{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		},
	})
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) || errors.Is(err, experiment.ErrInvalidDefinition) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to resolve trial",
			logger.String("experiment", req.Experiment.Name),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve trial"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type finishRequest struct {
	VisitorID  string                `json:"visitor_id" binding:"required"`
	Experiment experiment.Descriptor `json:"experiment" binding:"required"`
	Reset      bool                  `json:"reset"`
}

func (h *TrialHandler) Finish(c *gin.Context) {
	var req finishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body",
			logger.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.engine.Finish(c.Request.Context(), req.VisitorID, req.Experiment, req.Reset); err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Experiment not found"})
			return
		}
		h.logger.Error("Failed to record completion",
			logger.String("experiment", req.Experiment.Name),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record completion"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type scoreRequest struct {
	VisitorID  string  `json:"visitor_id" binding:"required"`
	Experiment string  `json:"experiment" binding:"required"`
	Score      string  `json:"score" binding:"required"`
	Value      float64 `json:"value"`
	Once       bool    `json:"once"`
}

func (h *TrialHandler) Score(c *gin.Context) {
	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body",
			logger.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Value == 0 {
		req.Value = 1
	}

	var err error
	if req.Once {
		err = h.engine.ScoreOnce(c.Request.Context(), req.VisitorID, req.Experiment, req.Score, req.Value)
	} else {
		err = h.engine.Score(c.Request.Context(), req.VisitorID, req.Experiment, req.Score, req.Value)
	}
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Experiment not found"})
			return
		}
		h.logger.Error("Failed to record score",
			logger.String("experiment", req.Experiment),
			logger.String("score", req.Score),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record score"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type stageScoreRequest struct {
	VisitorID  string `json:"visitor_id" binding:"required"`
	Experiment string `json:"experiment" binding:"required"`
	Score      string `json:"score" binding:"required"`
	Label      string `json:"label" binding:"required"`
}

// StageScore stages a delayed score under a caller-chosen label, bound to
// the visitor's assignment at staging time.
func (h *TrialHandler) StageScore(c *gin.Context) {
	var req stageScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body",
			logger.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.engine.StageScore(c.Request.Context(), req.VisitorID, req.Experiment, req.Score, req.Label); err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Experiment not found"})
			return
		}
		h.logger.Error("Failed to stage delayed score",
			logger.String("experiment", req.Experiment),
			logger.String("label", req.Label),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to stage delayed score"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type applyScoresRequest struct {
	Applications []trial.Application `json:"applications" binding:"required"`
}

// ApplyScores applies a batch of previously staged delayed scores.
func (h *TrialHandler) ApplyScores(c *gin.Context) {
	var req applyScoresRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body",
			logger.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.engine.ApplyScores(c.Request.Context(), req.Applications); err != nil {
		h.logger.Error("Failed to apply delayed scores",
			logger.Int("applications", len(req.Applications)),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply delayed scores"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "applied": len(req.Applications)})
}
