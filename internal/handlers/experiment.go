package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonesrussell/gosplit/internal/events"
	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/logger"
)

// ExperimentHandler serves the admin surface: definitions, per-alternative
// statistics, winner declaration and resets.
type ExperimentHandler struct {
	catalog   *experiment.Catalog
	publisher *events.Publisher
	logger    logger.Logger
}

func NewExperimentHandler(catalog *experiment.Catalog, publisher *events.Publisher, log logger.Logger) *ExperimentHandler {
	return &ExperimentHandler{
		catalog:   catalog,
		publisher: publisher,
		logger:    log,
	}
}

type experimentSummary struct {
	Name         string                   `json:"name"`
	Alternatives []experiment.Alternative `json:"alternatives"`
	Goals        []string                 `json:"goals,omitempty"`
	Scores       []string                 `json:"scores,omitempty"`
	Version      int                      `json:"version"`
	Winner       string                   `json:"winner,omitempty"`
	StartedAt    *time.Time               `json:"started_at,omitempty"`
	Resettable   bool                     `json:"resettable"`
}

type alternativeStats struct {
	Name         string             `json:"name"`
	Weight       float64            `json:"weight"`
	Participants int64              `json:"participants"`
	Completions  map[string]int64   `json:"completions"`
	ScoreSums    map[string]float64 `json:"score_sums,omitempty"`
}

func summarize(e *experiment.Experiment) experimentSummary {
	return experimentSummary{
		Name:         e.Name,
		Alternatives: e.Alternatives,
		Goals:        e.Goals,
		Scores:       e.Scores,
		Version:      e.Version,
		Winner:       e.Winner,
		StartedAt:    e.StartedAt,
		Resettable:   e.Resettable,
	}
}

type createExperimentRequest struct {
	Name         string                   `json:"name" binding:"required"`
	Alternatives []experiment.Alternative `json:"alternatives" binding:"required"`
	Goals        []string                 `json:"goals"`
	Scores       []string                 `json:"scores"`
	Metadata     map[string]string        `json:"metadata"`
	Resettable   *bool                    `json:"resettable"`
	Start        bool                     `json:"start"`
}

func (h *ExperimentHandler) Create(c *gin.Context) {
	var req createExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body",
			logger.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	for i := range req.Alternatives {
		if req.Alternatives[i].Weight == 0 {
			req.Alternatives[i].Weight = 1
		}
	}

	exp, err := experiment.New(req.Name, req.Alternatives...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	exp.Goals = req.Goals
	exp.Scores = req.Scores
	exp.Metadata = req.Metadata
	if req.Resettable != nil {
		exp.Resettable = *req.Resettable
	}
	if req.Start {
		now := time.Now().UTC()
		exp.StartedAt = &now
	}

	if err := h.catalog.Save(c.Request.Context(), exp); err != nil {
		if errors.Is(err, experiment.ErrInvalidDefinition) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to save experiment",
			logger.String("experiment", req.Name),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save experiment"})
		return
	}

	h.logger.Info("Experiment saved",
		logger.String("experiment", exp.Name),
		logger.Int("version", exp.Version),
	)
	h.publisher.PublishAsync(events.Event{
		EventType:  events.ExperimentCreated,
		Experiment: exp.Name,
		Version:    exp.Version,
	})

	c.JSON(http.StatusCreated, summarize(exp))
}

func (h *ExperimentHandler) List(c *gin.Context) {
	experiments, err := h.catalog.AllActiveFirst(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list experiments",
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list experiments"})
		return
	}

	summaries := make([]experimentSummary, len(experiments))
	for i, e := range experiments {
		summaries[i] = summarize(e)
	}

	c.JSON(http.StatusOK, gin.H{
		"experiments": summaries,
		"count":       len(summaries),
	})
}

func (h *ExperimentHandler) Get(c *gin.Context) {
	name := c.Param("name")

	exp, err := h.catalog.Find(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Experiment not found"})
			return
		}
		h.logger.Error("Failed to load experiment",
			logger.String("experiment", name),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load experiment"})
		return
	}

	stats, err := h.collectStats(c, exp)
	if err != nil {
		h.logger.Error("Failed to read experiment counters",
			logger.String("experiment", name),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read experiment counters"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"experiment":   summarize(exp),
		"alternatives": stats,
	})
}

func (h *ExperimentHandler) collectStats(c *gin.Context, exp *experiment.Experiment) ([]alternativeStats, error) {
	ctx := c.Request.Context()
	stats := make([]alternativeStats, 0, len(exp.Alternatives))
	for _, alt := range exp.Alternatives {
		participants, err := h.catalog.Participants(ctx, exp, alt.Name)
		if err != nil {
			return nil, err
		}

		completions := make(map[string]int64, len(exp.Goals)+1)
		unnamed, err := h.catalog.Completions(ctx, exp, alt.Name, "")
		if err != nil {
			return nil, err
		}
		completions["_default"] = unnamed
		for _, goal := range exp.Goals {
			n, err := h.catalog.Completions(ctx, exp, alt.Name, goal)
			if err != nil {
				return nil, err
			}
			completions[goal] = n
		}

		var scoreSums map[string]float64
		if len(exp.Scores) > 0 {
			scoreSums = make(map[string]float64, len(exp.Scores))
			for _, score := range exp.Scores {
				sum, err := h.catalog.ScoreSum(ctx, exp, alt.Name, score)
				if err != nil {
					return nil, err
				}
				scoreSums[score] = sum
			}
		}

		stats = append(stats, alternativeStats{
			Name:         alt.Name,
			Weight:       alt.Weight,
			Participants: participants,
			Completions:  completions,
			ScoreSums:    scoreSums,
		})
	}
	return stats, nil
}

type winnerRequest struct {
	Alternative string `json:"alternative" binding:"required"`
}

func (h *ExperimentHandler) SetWinner(c *gin.Context) {
	name := c.Param("name")

	var req winnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	exp, err := h.catalog.Find(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Experiment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load experiment"})
		return
	}

	if err := h.catalog.SetWinner(c.Request.Context(), exp, req.Alternative); err != nil {
		if errors.Is(err, experiment.ErrInvalidDefinition) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to declare winner",
			logger.String("experiment", name),
			logger.String("alternative", req.Alternative),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to declare winner"})
		return
	}

	h.logger.Info("Winner declared",
		logger.String("experiment", name),
		logger.String("alternative", req.Alternative),
	)
	h.publisher.PublishAsync(events.Event{
		EventType:   events.WinnerDeclared,
		Experiment:  name,
		Alternative: req.Alternative,
		Version:     exp.Version,
	})

	c.JSON(http.StatusOK, summarize(exp))
}

func (h *ExperimentHandler) ClearWinner(c *gin.Context) {
	name := c.Param("name")

	exp, err := h.catalog.Find(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Experiment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load experiment"})
		return
	}

	if err := h.catalog.ClearWinner(c.Request.Context(), exp); err != nil {
		h.logger.Error("Failed to clear winner",
			logger.String("experiment", name),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear winner"})
		return
	}

	c.JSON(http.StatusOK, summarize(exp))
}

// Reset zeroes the experiment's counters and rotates its version. Visitor
// assignments from the prior generation are invalidated lazily.
func (h *ExperimentHandler) Reset(c *gin.Context) {
	name := c.Param("name")

	exp, err := h.catalog.Find(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Experiment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load experiment"})
		return
	}

	if err := h.catalog.Reset(c.Request.Context(), exp); err != nil {
		h.logger.Error("Failed to reset experiment",
			logger.String("experiment", name),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset experiment"})
		return
	}

	h.publisher.PublishAsync(events.Event{
		EventType:  events.ExperimentReset,
		Experiment: name,
		Version:    exp.Version,
	})

	c.JSON(http.StatusOK, summarize(exp))
}

func (h *ExperimentHandler) Delete(c *gin.Context) {
	name := c.Param("name")

	exp, err := h.catalog.Find(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Experiment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load experiment"})
		return
	}

	if err := h.catalog.Delete(c.Request.Context(), exp); err != nil {
		h.logger.Error("Failed to delete experiment",
			logger.String("experiment", name),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete experiment"})
		return
	}

	h.logger.Info("Experiment deleted",
		logger.String("experiment", name),
	)
	h.publisher.PublishAsync(events.Event{
		EventType:  events.ExperimentDeleted,
		Experiment: name,
		Version:    exp.Version,
	})

	c.Status(http.StatusNoContent)
}
