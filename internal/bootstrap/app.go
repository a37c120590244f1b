// Package bootstrap handles application initialization and lifecycle
// management for the gosplit service.
package bootstrap

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jonesrussell/gosplit/internal/api"
	"github.com/jonesrussell/gosplit/internal/engine"
	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/metrics"
	"github.com/jonesrussell/gosplit/internal/session"
)

const version = "dev"

// Start initializes and starts the gosplit application.
func Start() error {
	// Phase 1: Load config and create logger
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := CreateLogger(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	// Phase 2: Connect to Redis
	client, err := SetupRedis(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			log.Error("Failed to close redis client", logger.Error(closeErr))
		}
	}()

	// Phase 3: Setup event publisher (optional)
	publisher := SetupEventPublisher(cfg, client, log)

	// Phase 4: Assemble the engine
	st := NewStore(client)
	catalog := experiment.NewCatalog(st, log)
	sessions := session.NewRedisFactory(st, cfg.Split.SessionTTL)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	eng := engine.New(st, catalog, sessions, engine.Config{
		Disabled:                cfg.Split.Disabled,
		DBFailover:              cfg.Split.DBFailover,
		DBFailoverAllowOverride: cfg.Split.DBFailoverAllowOverride,
		StoreOverride:           cfg.Split.StoreOverride,
		MaxExperiments:          cfg.Split.MaxExperiments,
		DelayedScoreTTL:         cfg.Split.DelayedScoreTTL,
		IgnoreIPs:               cfg.Split.IgnoreIPs,
		IgnoreUserAgents:        cfg.Split.IgnoreUserAgents,
	}, engine.Hooks{}, m, log)

	// Phase 5: Setup and run HTTP server
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Engine:    eng,
		Catalog:   catalog,
		Publisher: publisher,
		Metrics:   m,
		Registry:  registry,
		Logger:    log,
	})

	log.Info("Starting HTTP server",
		logger.String("host", cfg.Server.Host),
		logger.Int("port", cfg.Server.Port),
	)

	if runErr := RunServer(cfg, router, log); runErr != nil {
		log.Error("Server error", logger.Error(runErr))
		return fmt.Errorf("server error: %w", runErr)
	}

	log.Info("Server exited")
	return nil
}
