package trial_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/session"
	"github.com/jonesrussell/gosplit/internal/store"
	"github.com/jonesrussell/gosplit/internal/testhelpers"
	"github.com/jonesrussell/gosplit/internal/trial"
)

func startedExperiment(t *testing.T, names ...string) *experiment.Experiment {
	t.Helper()
	alts := make([]experiment.Alternative, len(names))
	for i, n := range names {
		alts[i] = experiment.Alternative{Name: n, Weight: 1}
	}
	exp, err := experiment.New("checkout", alts...)
	require.NoError(t, err)
	now := time.Now().Add(-time.Minute)
	exp.StartedAt = &now
	return exp
}

func participants(t *testing.T, st store.Store, exp *experiment.Experiment, alt string) int64 {
	t.Helper()
	val, ok, err := st.Get(context.Background(), experiment.ParticipantKey(exp.Name, exp.Version, alt))
	require.NoError(t, err)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(val, 10, 64)
	require.NoError(t, err)
	return n
}

func newParams(exp *experiment.Experiment, sess session.Session, st store.Store) trial.Params {
	return trial.Params{
		Experiment: exp,
		Session:    sess,
		Store:      st,
		Log:        testhelpers.NewTestLogger(),
		Config:     trial.Config{MaxExperiments: 10},
	}
}

func TestResolveChoosesOnceAndRecalls(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	sess := sessions.Session("visitor-1")
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	first := trial.New(newParams(exp, sess, st))
	alt, err := first.Resolve(ctx)
	require.NoError(t, err)
	assert.True(t, first.FreshChoice())
	assert.EqualValues(t, 1, participants(t, st, exp, alt.Name))

	// A later trial for the same visitor recalls the stored alternative and
	// never counts again.
	second := trial.New(newParams(exp, sess, st))
	recalled, err := second.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, alt.Name, recalled.Name)
	assert.False(t, second.FreshChoice())
	assert.EqualValues(t, 1, participants(t, st, exp, alt.Name))

	// Resolve is idempotent on one trial as well.
	again, err := second.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, recalled.Name, again.Name)
	assert.EqualValues(t, 1, participants(t, st, exp, alt.Name))
}

func TestResolveHonorsWeights(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	ctx := context.Background()

	exp, err := experiment.New("checkout",
		experiment.Alternative{Name: "a", Weight: 1},
		experiment.Alternative{Name: "b", Weight: 1},
		experiment.Alternative{Name: "c", Weight: 2},
	)
	require.NoError(t, err)
	now := time.Now().Add(-time.Minute)
	exp.StartedAt = &now

	// Deterministic draws hit each weight band: total weight 4, so a covers
	// [0,0.25), b [0.25,0.5), c [0.5,1).
	draws := map[string]float64{"visitor-a": 0.1, "visitor-b": 0.3, "visitor-c": 0.9}
	want := map[string]string{"visitor-a": "a", "visitor-b": "b", "visitor-c": "c"}

	for visitor, draw := range draws {
		p := newParams(exp, sessions.Session(visitor), st)
		p.Rand = func() float64 { return draw }
		alt, err := trial.New(p).Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, want[visitor], alt.Name, "visitor %s", visitor)
	}
}

func TestOverrideBeatsDisabledAndWinner(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")
	exp.Winner = "control"
	ctx := context.Background()

	p := newParams(exp, sessions.Session("visitor-1"), st)
	p.Options = trial.Options{Override: "variant", Disabled: true}
	alt, err := trial.New(p).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "variant", alt.Name)

	// Without store_override nothing is persisted or counted.
	assert.EqualValues(t, 0, participants(t, st, exp, "variant"))
	_, ok, err := sessions.Session("visitor-1").Get(ctx, exp.Key())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOverrideWithStoreOverrideCountsOnce(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")
	sess := sessions.Session("visitor-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := newParams(exp, sess, st)
		p.Config.StoreOverride = true
		p.Options = trial.Options{Override: "variant"}
		alt, err := trial.New(p).Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "variant", alt.Name)
	}

	assert.EqualValues(t, 1, participants(t, st, exp, "variant"))
	stored, ok, err := sess.Get(ctx, exp.Key())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "variant", stored)
}

func TestUnknownOverrideFallsThrough(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	p := newParams(exp, sessions.Session("visitor-1"), st)
	p.Options = trial.Options{Override: "nonexistent"}
	p.Rand = func() float64 { return 0.0 }
	alt, err := trial.New(p).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "control", alt.Name)
	assert.EqualValues(t, 1, participants(t, st, exp, "control"))
}

func TestDisabledResolvesControlWithoutWrites(t *testing.T) {
	st, mr := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	var trialHookFired bool
	p := newParams(exp, sessions.Session("visitor-1"), st)
	p.Options = trial.Options{Disabled: true}
	p.Hooks = trial.Hooks{OnTrial: func(*trial.Trial) { trialHookFired = true }}

	alt, err := trial.New(p).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "control", alt.Name)
	assert.False(t, trialHookFired, "disabled resolution is transient")
	assert.Empty(t, mr.Keys(), "no store writes for disabled trials")
}

func TestWinnerShortCircuits(t *testing.T) {
	st, mr := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")
	exp.Winner = "variant"
	ctx := context.Background()

	var trialHookFired bool
	p := newParams(exp, sessions.Session("visitor-1"), st)
	p.Hooks = trial.Hooks{OnTrial: func(*trial.Trial) { trialHookFired = true }}

	alt, err := trial.New(p).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "variant", alt.Name)
	assert.True(t, trialHookFired)
	assert.Empty(t, mr.Keys(), "a declared winner never moves counters")
}

func TestUnstartedExperimentResolvesControl(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp, err := experiment.New("checkout",
		experiment.Alternative{Name: "control", Weight: 1},
		experiment.Alternative{Name: "variant", Weight: 1},
	)
	require.NoError(t, err)
	ctx := context.Background()

	tr := trial.New(newParams(exp, sessions.Session("visitor-1"), st))
	alt, err := tr.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "control", alt.Name)
	assert.False(t, tr.FreshChoice())
	assert.EqualValues(t, 0, participants(t, st, exp, "control"))
}

func TestExcludeOptionResolvesControl(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	p := newParams(exp, sessions.Session("visitor-1"), st)
	p.Options = trial.Options{Exclude: true}
	alt, err := trial.New(p).Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "control", alt.Name)
	assert.EqualValues(t, 0, participants(t, st, exp, "control"))
}

func TestMaxExperimentsCap(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	sess := sessions.Session("visitor-1")
	ctx := context.Background()
	now := time.Now().Add(-time.Minute)

	resolve := func(name string, max int) (experiment.Alternative, *trial.Trial) {
		exp, err := experiment.New(name,
			experiment.Alternative{Name: "control", Weight: 1},
			experiment.Alternative{Name: "variant", Weight: 1},
		)
		require.NoError(t, err)
		exp.StartedAt = &now

		p := newParams(exp, sess, st)
		p.Config.MaxExperiments = max
		p.Rand = func() float64 { return 0.9 }
		tr := trial.New(p)
		alt, err := tr.Resolve(ctx)
		require.NoError(t, err)
		return alt, tr
	}

	_, first := resolve("first", 2)
	assert.True(t, first.FreshChoice())
	_, second := resolve("second", 2)
	assert.True(t, second.FreshChoice())

	// Third experiment is over the cap: control without counting.
	alt, third := resolve("third", 2)
	assert.Equal(t, "control", alt.Name)
	assert.False(t, third.FreshChoice())

	// Experiments the visitor already participates in are unaffected.
	alt, recalled := resolve("second", 2)
	assert.Equal(t, "variant", alt.Name)
	assert.False(t, recalled.FreshChoice())
}

func TestVersionBumpInvalidatesAssignment(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	sess := sessions.Session("visitor-1")
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	p := newParams(exp, sess, st)
	p.Rand = func() float64 { return 0.9 }
	_, err := trial.New(p).Resolve(ctx)
	require.NoError(t, err)

	// A version bump rotates the counter keyspace; the stale assignment is
	// purged and the visitor is chosen fresh under the new generation.
	exp.Version = 1
	p2 := newParams(exp, sess, st)
	p2.Rand = func() float64 { return 0.1 }
	tr := trial.New(p2)
	alt, err := tr.Resolve(ctx)
	require.NoError(t, err)
	assert.True(t, tr.FreshChoice())
	assert.Equal(t, "control", alt.Name)
	assert.EqualValues(t, 1, participants(t, st, exp, "control"))

	_, ok, err := sess.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.False(t, ok, "old generation assignment is purged")
}

func TestStoredUnknownAlternativeRechosen(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	sess := sessions.Session("visitor-1")
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	require.NoError(t, sess.Set(ctx, exp.Key(), "removed-alternative"))

	p := newParams(exp, sess, st)
	p.Rand = func() float64 { return 0.9 }
	tr := trial.New(p)
	alt, err := tr.Resolve(ctx)
	require.NoError(t, err)
	assert.True(t, tr.FreshChoice())
	assert.Equal(t, "variant", alt.Name)

	stored, ok, err := sess.Get(ctx, exp.Key())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "variant", stored)
}

func TestCompleteWithoutResolutionIsNoOp(t *testing.T) {
	st, mr := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")

	tr := trial.New(newParams(exp, sessions.Session("visitor-1"), st))
	require.NoError(t, tr.Complete(context.Background(), "purchase"))
	assert.Empty(t, mr.Keys(), "completion before resolution writes nothing")
}

func TestCompleteMovesGoalCounters(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	var completed bool
	p := newParams(exp, sessions.Session("visitor-1"), st)
	p.Rand = func() float64 { return 0.9 }
	p.Hooks = trial.Hooks{OnTrialComplete: func(*trial.Trial) { completed = true }}
	tr := trial.New(p)
	_, err := tr.Resolve(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Complete(ctx, "purchase", "signup"))
	assert.True(t, completed)

	for _, goal := range []string{"purchase", "signup"} {
		val, ok, err := st.Get(ctx, experiment.CompletionKey(exp.Name, exp.Version, "variant", goal))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1", val)
	}
}

func TestCompleteWithoutGoalsUsesUnnamedCounter(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	p := newParams(exp, sessions.Session("visitor-1"), st)
	p.Rand = func() float64 { return 0.1 }
	tr := trial.New(p)
	_, err := tr.Resolve(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Complete(ctx))
	val, ok, err := st.Get(ctx, experiment.CompletionKey(exp.Name, exp.Version, "control", ""))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", val)
}

func TestScoreAccumulates(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	p := newParams(exp, sessions.Session("visitor-1"), st)
	p.Rand = func() float64 { return 0.9 }
	tr := trial.New(p)
	_, err := tr.Resolve(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Score(ctx, "revenue", 1))
	require.NoError(t, tr.Score(ctx, "revenue", 2))

	val, ok, err := st.Get(ctx, experiment.ScoreKey(exp.Name, exp.Version, "variant", "revenue"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", val)
}

func TestResetSessionClearsExperimentState(t *testing.T) {
	st, _ := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	sess := sessions.Session("visitor-1")
	exp := startedExperiment(t, "control", "variant")
	ctx := context.Background()

	p := newParams(exp, sess, st)
	p.Rand = func() float64 { return 0.9 }
	_, err := trial.New(p).Resolve(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Set(ctx, experiment.FinishedKey(exp.Key()), "true"))
	require.NoError(t, sess.Set(ctx, experiment.ScoredKey(exp.Key(), "revenue"), "true"))

	require.NoError(t, trial.ResetSession(ctx, sess, exp))

	keys, err := sess.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "assignment, flags and history entry are all gone")

	// The visitor participates fresh after a reset.
	p2 := newParams(exp, sess, st)
	p2.Rand = func() float64 { return 0.9 }
	tr := trial.New(p2)
	_, err = tr.Resolve(ctx)
	require.NoError(t, err)
	assert.True(t, tr.FreshChoice())
	assert.EqualValues(t, 2, participants(t, st, exp, "variant"))
}

func TestNewResolvedUnknownAlternative(t *testing.T) {
	st, mr := testhelpers.NewTestStore(t)
	sessions := session.NewMemoryFactory()
	exp := startedExperiment(t, "control", "variant")

	tr := trial.NewResolved(newParams(exp, sessions.Session("visitor-1"), st), "ghost")
	_, ok := tr.Alternative()
	assert.False(t, ok)
	require.NoError(t, tr.Complete(context.Background(), "purchase"))
	assert.Empty(t, mr.Keys())
}

func TestStaleSessionKeys(t *testing.T) {
	current := map[string]string{
		"checkout": "checkout:2",
		"banner":   "banner",
	}
	keys := []string{
		"checkout:2", "checkout:2:finished",
		"checkout:1", "checkout:1:scored:revenue",
		"banner", "gone-experiment", "__experiments__",
	}

	stale := trial.StaleSessionKeys(keys, current)
	assert.ElementsMatch(t, []string{
		"checkout:1", "checkout:1:scored:revenue", "gone-experiment",
	}, stale)
}
