package maintenance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/maintenance"
	"github.com/jonesrussell/gosplit/internal/session"
	"github.com/jonesrussell/gosplit/internal/testhelpers"
)

func TestCleanerPurgesStaleEntries(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	log := testhelpers.NewTestLogger()
	catalog := experiment.NewCatalog(st, log)
	sessions := session.NewRedisFactory(st, time.Hour)
	ctx := context.Background()

	// One live experiment at version 2, one at version 0.
	checkout, err := catalog.FindOrCreate(ctx, "checkout",
		experiment.Alternative{Name: "control", Weight: 1},
		experiment.Alternative{Name: "variant", Weight: 1},
	)
	require.NoError(t, err)
	require.NoError(t, catalog.Reset(ctx, checkout))
	require.NoError(t, catalog.Reset(ctx, checkout))
	require.Equal(t, 2, checkout.Version)

	_, err = catalog.FindOrCreate(ctx, "banner",
		experiment.Alternative{Name: "on", Weight: 1},
		experiment.Alternative{Name: "off", Weight: 1},
	)
	require.NoError(t, err)

	fresh := sessions.Session("fresh-visitor")
	require.NoError(t, fresh.Set(ctx, "checkout:2", "variant"))
	require.NoError(t, fresh.Set(ctx, "banner", "on"))

	stale := sessions.Session("stale-visitor")
	require.NoError(t, stale.Set(ctx, "checkout:1", "control"))
	require.NoError(t, stale.Set(ctx, "checkout:1:finished", "true"))
	require.NoError(t, stale.Set(ctx, "deleted-experiment", "x"))
	require.NoError(t, stale.Set(ctx, "banner", "off"))

	cleaner := maintenance.NewCleaner(st, catalog, sessions, log)
	report, err := cleaner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.VisitorsScanned)
	assert.Equal(t, 1, report.VisitorsTouched)
	assert.Equal(t, 3, report.KeysPurged)

	// Current-generation entries survive.
	keys, err := fresh.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"checkout:2", "banner"}, keys)

	keys, err = stale.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"banner"}, keys)
}

func TestCleanerEmptyStore(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	log := testhelpers.NewTestLogger()
	catalog := experiment.NewCatalog(st, log)
	sessions := session.NewRedisFactory(st, time.Hour)

	cleaner := maintenance.NewCleaner(st, catalog, sessions, log)
	report, err := cleaner.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.VisitorsScanned)
	assert.Zero(t, report.KeysPurged)
}
