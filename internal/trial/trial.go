// Package trial implements the assignment decision state machine: given an
// experiment, a visitor session and call options it selects an alternative
// exactly once, moves the shared counters, and records completion and
// scoring events against the selected alternative.
package trial

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"

	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/session"
	"github.com/jonesrussell/gosplit/internal/store"
)

// startedListKey is the reserved session key holding the ordered list of
// experiment keys this visitor has been exposed to.
const startedListKey = "__experiments__"

// startedListLimit bounds the exposure history kept per visitor.
const startedListLimit = 50

// Options are the per-call signals influencing one resolution.
type Options struct {
	// Override selects the named alternative directly when it exists.
	Override string
	// Disabled resolves to control without counting or persisting.
	Disabled bool
	// Exclude resolves to control without counting; unlike Disabled the
	// resolved-trial hook still fires.
	Exclude bool
}

// Hooks are optional extension points invoked during resolution. A nil
// field is a no-op. Failures inside hooks are the caller's concern.
type Hooks struct {
	// OnTrialChoose fires when a fresh alternative is selected for a
	// visitor (not on recall).
	OnTrialChoose func(*Trial)
	// OnTrial fires after every non-disabled resolution.
	OnTrial func(*Trial)
	// OnTrialComplete fires after a completion is recorded.
	OnTrialComplete func(*Trial)
}

// Config is the engine policy relevant to a single trial.
type Config struct {
	// StoreOverride persists and counts override assignments on first
	// exposure.
	StoreOverride bool
	// MaxExperiments caps the number of distinct experiments one visitor
	// participates in.
	MaxExperiments int
}

// Params collects the collaborators for one trial.
type Params struct {
	Experiment *experiment.Experiment
	Session    session.Session
	Store      store.Store
	Log        logger.Logger
	Config     Config
	Hooks      Hooks
	Options    Options
	// Rand supplies uniform draws in [0,1) for weighted selection.
	// Defaults to the shared math/rand source.
	Rand func() float64
}

// Trial is an ephemeral decision context. It resolves at most once; repeat
// Resolve calls return the prior alternative without re-running selection
// or touching counters.
type Trial struct {
	experiment *experiment.Experiment
	session    session.Session
	store      store.Store
	log        logger.Logger
	cfg        Config
	hooks      Hooks
	opts       Options
	randFloat  func() float64

	resolved        *experiment.Alternative
	storeAssignment bool
	freshChoice     bool
}

func New(p Params) *Trial {
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	if p.Log == nil {
		p.Log = logger.NewNop()
	}
	return &Trial{
		experiment: p.Experiment,
		session:    p.Session,
		store:      p.Store,
		log:        p.Log,
		cfg:        p.Config,
		hooks:      p.Hooks,
		opts:       p.Options,
		randFloat:  p.Rand,
	}
}

// Experiment returns the experiment under trial.
func (t *Trial) Experiment() *experiment.Experiment {
	return t.experiment
}

// Session returns the visitor session bound to this trial.
func (t *Trial) Session() session.Session {
	return t.session
}

// Alternative returns the resolved alternative, if any.
func (t *Trial) Alternative() (experiment.Alternative, bool) {
	if t.resolved == nil {
		return experiment.Alternative{}, false
	}
	return *t.resolved, true
}

// FreshChoice reports whether this resolution selected a new alternative
// rather than recalling a stored one.
func (t *Trial) FreshChoice() bool {
	return t.freshChoice
}

// Resolve runs the decision, in strict precedence order: override,
// disabled, declared winner, exclusion, then recall or fresh weighted
// selection. Participation is incremented at most once per visitor per
// experiment, on first exposure only.
func (t *Trial) Resolve(ctx context.Context) (experiment.Alternative, error) {
	if t.resolved != nil {
		return *t.resolved, nil
	}

	exp := t.experiment
	key := exp.Key()

	// Override beats everything, including disabled.
	if t.opts.Override != "" {
		if alt, ok := exp.Alternative(t.opts.Override); ok {
			t.resolved = &alt
			if t.cfg.StoreOverride {
				_, assigned, err := t.session.Get(ctx, key)
				if err != nil {
					t.resolved = nil
					return experiment.Alternative{}, err
				}
				if !assigned {
					participantKey := experiment.ParticipantKey(exp.Name, exp.Version, alt.Name)
					if _, err := t.store.Increment(ctx, participantKey, 1); err != nil {
						t.resolved = nil
						return experiment.Alternative{}, err
					}
				}
				t.storeAssignment = true
			}
			return t.persistAndNotify(ctx)
		}
	}

	// Disabled trials are transient: control, no counters, no hooks.
	if t.opts.Disabled {
		control := exp.Control()
		t.resolved = &control
		return control, nil
	}

	// A declared winner short-circuits selection and never counts.
	if exp.Winner != "" {
		if alt, ok := exp.Alternative(exp.Winner); ok {
			t.resolved = &alt
			return t.persistAndNotify(ctx)
		}
	}

	// Drop stale state from prior experiment generations before any
	// exclusion decision reads the session.
	if err := t.cleanupOldVersions(ctx); err != nil {
		return experiment.Alternative{}, err
	}

	excluded, err := t.excluded(ctx)
	if err != nil {
		return experiment.Alternative{}, err
	}
	if excluded {
		control := exp.Control()
		t.resolved = &control
		return t.persistAndNotify(ctx)
	}

	// Recall a prior assignment, or make a fresh weighted choice. The
	// read happens before the increment, and the increment before the
	// assignment write; see the package tests for the at-most-once
	// participation property.
	storedName, assigned, err := t.session.Get(ctx, key)
	if err != nil {
		return experiment.Alternative{}, err
	}
	if assigned {
		if alt, ok := exp.Alternative(storedName); ok {
			t.resolved = &alt
			return t.persistAndNotify(ctx)
		}
		// Stored name no longer part of the definition: fall through to
		// a fresh choice and overwrite.
		if err := t.session.Delete(ctx, key); err != nil {
			return experiment.Alternative{}, err
		}
	}

	alt := exp.Sample(t.randFloat())
	participantKey := experiment.ParticipantKey(exp.Name, exp.Version, alt.Name)
	if _, err := t.store.Increment(ctx, participantKey, 1); err != nil {
		return experiment.Alternative{}, err
	}
	t.resolved = &alt
	t.freshChoice = true
	t.storeAssignment = true

	if err := t.recordStarted(ctx, key); err != nil {
		return experiment.Alternative{}, err
	}
	if t.hooks.OnTrialChoose != nil {
		t.hooks.OnTrialChoose(t)
	}
	return t.persistAndNotify(ctx)
}

// persistAndNotify runs the shared tail of resolution: write the
// assignment when it should be remembered (never overwriting an existing
// one) and fire the resolved-trial hook.
func (t *Trial) persistAndNotify(ctx context.Context) (experiment.Alternative, error) {
	alt := *t.resolved
	if t.storeAssignment {
		key := t.experiment.Key()
		_, assigned, err := t.session.Get(ctx, key)
		if err != nil {
			return experiment.Alternative{}, err
		}
		if !assigned {
			if err := t.session.Set(ctx, key, alt.Name); err != nil {
				return experiment.Alternative{}, err
			}
		}
	}
	if t.hooks.OnTrial != nil {
		t.hooks.OnTrial(t)
	}
	return alt, nil
}

// excluded applies the exclusion rules: explicit flag, unstarted
// experiment, or too many distinct experiments for this visitor.
func (t *Trial) excluded(ctx context.Context) (bool, error) {
	if t.opts.Exclude {
		return true, nil
	}
	if !t.experiment.Started() {
		return true, nil
	}

	if t.cfg.MaxExperiments > 0 {
		// The cap never evicts a visitor from an experiment they already
		// hold an assignment for; recall must win.
		_, assigned, err := t.session.Get(ctx, t.experiment.Key())
		if err != nil {
			return false, err
		}
		if !assigned {
			active, err := t.activeExperiments(ctx)
			if err != nil {
				return false, err
			}
			if active >= t.cfg.MaxExperiments {
				t.log.Debug("Visitor over experiment cap",
					logger.String("visitor", t.session.ID()),
					logger.Int("active", active),
				)
				return true, nil
			}
		}
	}
	return false, nil
}

// activeExperiments counts distinct experiments (other than this one) the
// visitor still holds an assignment for.
func (t *Trial) activeExperiments(ctx context.Context) (int, error) {
	started, err := t.startedList(ctx)
	if err != nil {
		return 0, err
	}
	if len(started) == 0 {
		return 0, nil
	}
	entries, err := t.session.MultiGet(ctx, started...)
	if err != nil {
		return 0, err
	}
	count := 0
	for i, key := range started {
		if !entries[i].OK {
			continue
		}
		if experimentName(key) == t.experiment.Name {
			continue
		}
		count++
	}
	return count, nil
}

// cleanupOldVersions deletes this visitor's assignment, finished and
// scored entries left over from earlier generations of the experiment.
func (t *Trial) cleanupOldVersions(ctx context.Context) error {
	keys, err := t.session.Keys(ctx)
	if err != nil {
		return err
	}
	current := t.experiment.Key()
	var stale []string
	for _, k := range keys {
		if k == startedListKey {
			continue
		}
		base := k
		if idx := strings.Index(k, ":finished"); idx >= 0 {
			base = k[:idx]
		} else if idx := strings.Index(k, ":scored:"); idx >= 0 {
			base = k[:idx]
		}
		if base == current || experimentName(base) != t.experiment.Name {
			continue
		}
		stale = append(stale, k)
	}
	if len(stale) == 0 {
		return nil
	}
	t.log.Debug("Purging stale experiment state",
		logger.String("visitor", t.session.ID()),
		logger.String("experiment", t.experiment.Name),
		logger.Strings("keys", stale),
	)
	if err := t.session.Delete(ctx, stale...); err != nil {
		return err
	}
	return PruneHistory(ctx, t.session, stale)
}

// Complete records a completion for the resolved alternative: once per
// named goal, or once on the unnamed counter when no goals are given.
// Without a prior resolution it is a no-op and performs no writes.
func (t *Trial) Complete(ctx context.Context, goals ...string) error {
	if t.resolved == nil {
		return nil
	}
	exp := t.experiment
	alt := t.resolved.Name

	if len(goals) == 0 {
		key := experiment.CompletionKey(exp.Name, exp.Version, alt, "")
		if _, err := t.store.Increment(ctx, key, 1); err != nil {
			return err
		}
	} else {
		// Multiple goal counters move together.
		err := t.store.Batch(ctx, func(p store.Pipeline) error {
			for _, goal := range goals {
				p.Increment(experiment.CompletionKey(exp.Name, exp.Version, alt, goal), 1)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if t.hooks.OnTrialComplete != nil {
		t.hooks.OnTrialComplete(t)
	}
	return nil
}

// Score adds value to the named score aggregate of the resolved
// alternative. Without a prior resolution it is a no-op.
func (t *Trial) Score(ctx context.Context, name string, value float64) error {
	if t.resolved == nil {
		return nil
	}
	exp := t.experiment
	key := experiment.ScoreKey(exp.Name, exp.Version, t.resolved.Name, name)
	_, err := t.store.IncrementFloat(ctx, key, value)
	return err
}

// startedList reads the visitor's ordered exposure history.
func (t *Trial) startedList(ctx context.Context) ([]string, error) {
	raw, ok, err := t.session.Get(ctx, startedListKey)
	if err != nil || !ok {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		// Corrupt history is dropped rather than poisoning resolution.
		t.log.Warn("Resetting corrupt exposure history",
			logger.String("visitor", t.session.ID()),
			logger.Error(err),
		)
		return nil, t.session.Delete(ctx, startedListKey)
	}
	return list, nil
}

func (t *Trial) recordStarted(ctx context.Context, key string) error {
	list, err := t.startedList(ctx)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == key {
			return nil
		}
	}
	list = append(list, key)
	if len(list) > startedListLimit {
		list = list[len(list)-startedListLimit:]
	}
	return t.writeStartedList(ctx, list)
}

func (t *Trial) writeStartedList(ctx context.Context, list []string) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return t.session.Set(ctx, startedListKey, string(raw))
}

// experimentName strips the version suffix from a session experiment key.
func experimentName(key string) string {
	if idx := strings.LastIndex(key, ":"); idx >= 0 {
		if isDigits(key[idx+1:]) {
			return key[:idx]
		}
	}
	return key
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
