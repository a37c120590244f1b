// Package api assembles the HTTP router: trial endpoints, the experiment
// admin surface, health and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/gosplit/internal/engine"
	"github.com/jonesrussell/gosplit/internal/events"
	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/handlers"
	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/metrics"
)

const (
	corsMaxAgeHours = 12
)

// Deps carries everything the router wires together.
type Deps struct {
	Engine    *engine.Engine
	Catalog   *experiment.Catalog
	Publisher *events.Publisher
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Logger    logger.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()

	// CORS middleware - must be first
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost:3000"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Content-Length", "Accept-Encoding",
			"X-CSRF-Token", "Authorization", "accept", "origin",
			"Cache-Control", "X-Requested-With",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           corsMaxAgeHours * time.Hour,
	}))

	// Middleware
	router.Use(ginLogger(deps.Logger))
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.GinMiddleware())
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	// API v1
	v1 := router.Group("/api/v1")
	trialHandler := handlers.NewTrialHandler(deps.Engine, deps.Logger)
	experimentHandler := handlers.NewExperimentHandler(deps.Catalog, deps.Publisher, deps.Logger)

	// Trial endpoints
	v1.POST("/participate", trialHandler.Participate)
	v1.POST("/finish", trialHandler.Finish)
	v1.POST("/score", trialHandler.Score)
	v1.POST("/scores/stage", trialHandler.StageScore)
	v1.POST("/scores/apply", trialHandler.ApplyScores)

	// Experiment admin endpoints
	experiments := v1.Group("/experiments")
	experiments.POST("", experimentHandler.Create)
	experiments.GET("", experimentHandler.List)
	experiments.GET("/:name", experimentHandler.Get)
	experiments.POST("/:name/winner", experimentHandler.SetWinner)
	experiments.DELETE("/:name/winner", experimentHandler.ClearWinner)
	experiments.POST("/:name/reset", experimentHandler.Reset)
	experiments.DELETE("/:name", experimentHandler.Delete)

	return router
}

func ginLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.Info("HTTP request",
			logger.String("method", method),
			logger.String("path", path),
			logger.Int("status_code", statusCode),
			logger.String("client_ip", c.ClientIP()),
			logger.Duration("duration", duration),
		)
	}
}
