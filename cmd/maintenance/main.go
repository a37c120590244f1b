// Command maintenance runs one sweep over visitor records, removing
// entries for deleted experiments and superseded generations. Intended to
// be scheduled from cron or a job runner.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jonesrussell/gosplit/internal/config"
	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/maintenance"
	"github.com/jonesrussell/gosplit/internal/session"
	"github.com/jonesrussell/gosplit/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.GetConfigPath("config.yml"), "Path to configuration file")
	timeout := flag.Duration("timeout", 10*time.Minute, "Abort the sweep after this duration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	client, err := store.NewRedisClient(store.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer client.Close()

	st := store.NewRedis(client)
	catalog := experiment.NewCatalog(st, log)
	sessions := session.NewRedisFactory(st, cfg.Split.SessionTTL)
	cleaner := maintenance.NewCleaner(st, catalog, sessions, log)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := cleaner.Run(ctx)
	if err != nil {
		return fmt.Errorf("maintenance sweep: %w", err)
	}

	fmt.Printf("scanned %d visitors, touched %d, purged %d keys\n",
		report.VisitorsScanned, report.VisitorsTouched, report.KeysPurged)
	return nil
}
