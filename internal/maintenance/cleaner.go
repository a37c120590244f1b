// Package maintenance sweeps visitor records, dropping entries left behind
// by deleted experiments and superseded generations. The sweep is safe to
// run while the engine serves traffic and is meant to be scheduled
// externally.
package maintenance

import (
	"context"

	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/session"
	"github.com/jonesrussell/gosplit/internal/store"
	"github.com/jonesrussell/gosplit/internal/trial"
)

// Cleaner scans visitor records against the current experiment catalog.
type Cleaner struct {
	store    store.Store
	catalog  *experiment.Catalog
	sessions session.Factory
	log      logger.Logger
}

func NewCleaner(s store.Store, catalog *experiment.Catalog, sessions session.Factory, log logger.Logger) *Cleaner {
	return &Cleaner{store: s, catalog: catalog, sessions: sessions, log: log}
}

// Report summarizes one sweep.
type Report struct {
	VisitorsScanned int
	VisitorsTouched int
	KeysPurged      int
}

// Run walks every visitor record and removes keys that no longer match a
// live experiment generation. Visitors whose records cannot be read are
// skipped rather than failing the whole sweep.
func (c *Cleaner) Run(ctx context.Context) (Report, error) {
	var report Report

	experiments, err := c.catalog.All(ctx)
	if err != nil {
		return report, err
	}
	current := make(map[string]string, len(experiments))
	for _, exp := range experiments {
		current[exp.Name] = exp.Key()
	}

	storeKeys, err := c.store.Scan(ctx, session.KeyPattern())
	if err != nil {
		return report, err
	}

	for _, storeKey := range storeKeys {
		visitorID := session.VisitorID(storeKey)
		if visitorID == "" {
			continue
		}
		report.VisitorsScanned++

		sess := c.sessions.Session(visitorID)
		keys, err := sess.Keys(ctx)
		if err != nil {
			c.log.Warn("Skipping unreadable visitor record",
				logger.String("visitor_id", visitorID),
				logger.Error(err))
			continue
		}

		stale := trial.StaleSessionKeys(keys, current)
		if len(stale) == 0 {
			continue
		}
		if err := sess.Delete(ctx, stale...); err != nil {
			c.log.Warn("Failed to purge visitor record",
				logger.String("visitor_id", visitorID),
				logger.Error(err))
			continue
		}
		if err := trial.PruneHistory(ctx, sess, stale); err != nil {
			c.log.Warn("Failed to prune exposure history",
				logger.String("visitor_id", visitorID),
				logger.Error(err))
		}
		report.VisitorsTouched++
		report.KeysPurged += len(stale)
	}

	c.log.Info("Maintenance sweep finished",
		logger.Int("visitors_scanned", report.VisitorsScanned),
		logger.Int("visitors_touched", report.VisitorsTouched),
		logger.Int("keys_purged", report.KeysPurged))
	return report, nil
}
