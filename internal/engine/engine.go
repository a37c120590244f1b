// Package engine is the orchestration facade over the catalog, the session
// adapter and the trial state machine. It exposes the participate, finish
// and score entry points a web layer calls, and applies the configured
// failover policy when the backing store is unreachable.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/session"
	"github.com/jonesrussell/gosplit/internal/store"
	"github.com/jonesrussell/gosplit/internal/trial"
)

// Config is the engine policy, injected once at construction.
type Config struct {
	Disabled                bool
	DBFailover              bool
	DBFailoverAllowOverride bool
	StoreOverride           bool
	MaxExperiments          int
	DelayedScoreTTL         time.Duration
	IgnoreIPs               []string
	IgnoreUserAgents        []string
}

// Hooks extends the trial hooks with the store-failover callback.
type Hooks struct {
	trial.Hooks
	// OnDBFailover fires when a store error is suppressed by the failover
	// policy. Failures inside the callback are the caller's concern.
	OnDBFailover func(error)
}

// Recorder receives counters for observability. A nil recorder is a no-op.
type Recorder interface {
	Participation(experiment, alternative string)
	Completion(experiment, goal string)
	StoreError()
}

// Request carries the request attributes relevant to ignore rules.
type Request struct {
	IP        string
	UserAgent string
}

// Options are the per-call inputs to Participate.
type Options struct {
	// Alternatives defines the experiment inline on first use. Ignored
	// when a stored definition exists.
	Alternatives []experiment.Alternative
	// Override forces the named alternative.
	Override string
	// Disabled resolves to control without counting.
	Disabled bool
	// Exclude resolves to control without counting, by caller decision.
	Exclude bool
	Request Request
}

// Result is the resolved outcome returned to the caller.
type Result struct {
	Experiment  string `json:"experiment"`
	Alternative string `json:"alternative"`
	Metadata    string `json:"metadata,omitempty"`
}

type Engine struct {
	store    store.Store
	catalog  *experiment.Catalog
	sessions session.Factory
	cfg      Config
	hooks    Hooks
	recorder Recorder
	scorer   *trial.DelayedScorer
	log      logger.Logger
}

func New(s store.Store, catalog *experiment.Catalog, sessions session.Factory, cfg Config, hooks Hooks, recorder Recorder, log logger.Logger) *Engine {
	return &Engine{
		store:    s,
		catalog:  catalog,
		sessions: sessions,
		cfg:      cfg,
		hooks:    hooks,
		recorder: recorder,
		scorer:   trial.NewDelayedScorer(s, log),
		log:      log,
	}
}

// Participate resolves the visitor's alternative for the experiment,
// creating the experiment from inline alternatives on first use. Store
// failures follow the failover policy: escalated by default, or suppressed
// with a control (or explicitly allowed override) fallback.
func (e *Engine) Participate(ctx context.Context, visitorID string, desc experiment.Descriptor, opts Options) (Result, error) {
	result, err := e.participate(ctx, visitorID, desc, opts)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, store.ErrUnavailable) || !e.cfg.DBFailover {
		return Result{}, err
	}

	if e.recorder != nil {
		e.recorder.StoreError()
	}
	if e.hooks.OnDBFailover != nil {
		e.hooks.OnDBFailover(err)
	}
	fallback, ok := e.fallback(desc, opts)
	if !ok {
		return Result{}, err
	}
	e.log.Warn("Store unavailable, serving failover alternative",
		logger.String("experiment", desc.Name),
		logger.String("alternative", fallback.Alternative),
		logger.Error(err),
	)
	return fallback, nil
}

func (e *Engine) participate(ctx context.Context, visitorID string, desc experiment.Descriptor, opts Options) (Result, error) {
	exp, err := e.catalog.FindOrCreate(ctx, desc.Name, opts.Alternatives...)
	if err != nil {
		return Result{}, err
	}

	tr := e.newTrial(exp, e.sessions.Session(visitorID), trial.Options{
		Override: opts.Override,
		Disabled: e.cfg.Disabled || opts.Disabled || e.ignored(opts.Request),
		Exclude:  opts.Exclude,
	})

	alt, err := tr.Resolve(ctx)
	if err != nil {
		return Result{}, err
	}
	if tr.FreshChoice() && e.recorder != nil {
		e.recorder.Participation(exp.Name, alt.Name)
	}
	return Result{
		Experiment:  exp.Name,
		Alternative: alt.Name,
		Metadata:    exp.Metadata[alt.Name],
	}, nil
}

// Finish records completion of the experiment's goals for the visitor.
// With reset requested on a resettable experiment the visitor's record is
// cleared so they participate fresh next time; otherwise the finished flag
// makes future calls idempotent.
func (e *Engine) Finish(ctx context.Context, visitorID string, desc experiment.Descriptor, reset bool) error {
	exp, err := e.catalog.Find(ctx, desc.Name)
	if err != nil {
		return e.suppressFailover(err, desc.Name)
	}
	if exp.Winner != "" {
		return nil
	}

	sess := e.sessions.Session(visitorID)
	key := exp.Key()
	entries, err := sess.MultiGet(ctx, experiment.FinishedKey(key), key)
	if err != nil {
		return e.suppressFailover(err, desc.Name)
	}
	finished, assignment := entries[0], entries[1]
	if !assignment.OK {
		return nil
	}
	if finished.OK {
		// Already finished: short-circuit without recounting. A reset
		// request on a resettable experiment still clears the visitor so
		// they participate fresh next time.
		if reset && exp.Resettable {
			return e.suppressFailover(trial.ResetSession(ctx, sess, exp), desc.Name)
		}
		return nil
	}

	tr := trial.NewResolved(e.trialParams(exp, sess, trial.Options{}), assignment.Val)
	if err := tr.Complete(ctx, desc.Goals...); err != nil {
		return e.suppressFailover(err, desc.Name)
	}
	if e.recorder != nil {
		if len(desc.Goals) == 0 {
			e.recorder.Completion(exp.Name, "")
		} else {
			for _, goal := range desc.Goals {
				e.recorder.Completion(exp.Name, goal)
			}
		}
	}

	if reset && exp.Resettable {
		err = trial.ResetSession(ctx, sess, exp)
	} else {
		err = sess.Set(ctx, experiment.FinishedKey(key), "true")
	}
	return e.suppressFailover(err, desc.Name)
}

// Score adds value to the named score of the visitor's assigned
// alternative. Repeated calls accumulate. A visitor without an assignment
// is a no-op.
func (e *Engine) Score(ctx context.Context, visitorID, experimentName, score string, value float64) error {
	return e.score(ctx, visitorID, experimentName, score, value, false)
}

// ScoreOnce is Score with per-visitor dedup: once a score name is applied
// for a visitor, later calls are no-ops until the experiment is reset.
func (e *Engine) ScoreOnce(ctx context.Context, visitorID, experimentName, score string, value float64) error {
	return e.score(ctx, visitorID, experimentName, score, value, true)
}

func (e *Engine) score(ctx context.Context, visitorID, experimentName, score string, value float64, once bool) error {
	exp, err := e.catalog.Find(ctx, experimentName)
	if err != nil {
		return e.suppressFailover(err, experimentName)
	}

	sess := e.sessions.Session(visitorID)
	key := exp.Key()
	scoredKey := experiment.ScoredKey(key, score)
	entries, err := sess.MultiGet(ctx, key, scoredKey)
	if err != nil {
		return e.suppressFailover(err, experimentName)
	}
	assignment, scored := entries[0], entries[1]
	if !assignment.OK {
		return nil
	}
	if once && scored.OK {
		return nil
	}

	tr := trial.NewResolved(e.trialParams(exp, sess, trial.Options{}), assignment.Val)
	if err := tr.Score(ctx, score, value); err != nil {
		return e.suppressFailover(err, experimentName)
	}
	return e.suppressFailover(sess.Set(ctx, scoredKey, "true"), experimentName)
}

// StageScore stages a delayed score for the visitor's current assignment
// under the label, to be applied later through ApplyScores.
func (e *Engine) StageScore(ctx context.Context, visitorID, experimentName, score, label string) error {
	exp, err := e.catalog.Find(ctx, experimentName)
	if err != nil {
		return e.suppressFailover(err, experimentName)
	}
	sess := e.sessions.Session(visitorID)
	assignment, ok, err := sess.Get(ctx, exp.Key())
	if err != nil {
		return e.suppressFailover(err, experimentName)
	}
	if !ok {
		return nil
	}
	tr := trial.NewResolved(e.trialParams(exp, sess, trial.Options{}), assignment)
	return e.suppressFailover(e.scorer.Stage(ctx, label, tr, score, e.cfg.DelayedScoreTTL), experimentName)
}

// ApplyScores applies a batch of previously staged delayed scores
// atomically.
func (e *Engine) ApplyScores(ctx context.Context, applications []trial.Application) error {
	return e.scorer.Apply(ctx, applications)
}

func (e *Engine) newTrial(exp *experiment.Experiment, sess session.Session, opts trial.Options) *trial.Trial {
	return trial.New(e.trialParams(exp, sess, opts))
}

func (e *Engine) trialParams(exp *experiment.Experiment, sess session.Session, opts trial.Options) trial.Params {
	return trial.Params{
		Experiment: exp,
		Session:    sess,
		Store:      e.store,
		Log:        e.log,
		Config: trial.Config{
			StoreOverride:  e.cfg.StoreOverride,
			MaxExperiments: e.cfg.MaxExperiments,
		},
		Hooks:   e.hooks.Hooks,
		Options: opts,
	}
}

// fallback builds the degraded result served while the store is down. It
// needs inline alternatives to know the control; without them the original
// error stands.
func (e *Engine) fallback(desc experiment.Descriptor, opts Options) (Result, bool) {
	if len(opts.Alternatives) == 0 {
		return Result{}, false
	}
	alt := opts.Alternatives[0]
	if e.cfg.DBFailoverAllowOverride && opts.Override != "" {
		for _, a := range opts.Alternatives {
			if a.Name == opts.Override {
				alt = a
				break
			}
		}
	}
	return Result{Experiment: desc.Name, Alternative: alt.Name}, true
}

// suppressFailover applies the failover policy to side-effect paths where
// there is no alternative to serve: the error is swallowed after
// notifying, or escalated when failover is off.
func (e *Engine) suppressFailover(err error, experimentName string) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrUnavailable) || !e.cfg.DBFailover {
		return err
	}
	if e.recorder != nil {
		e.recorder.StoreError()
	}
	if e.hooks.OnDBFailover != nil {
		e.hooks.OnDBFailover(err)
	}
	e.log.Warn("Store unavailable, suppressing error",
		logger.String("experiment", experimentName),
		logger.Error(err),
	)
	return nil
}

// ignored applies the configured bot and IP ignore rules.
func (e *Engine) ignored(req Request) bool {
	if req.IP != "" {
		for _, prefix := range e.cfg.IgnoreIPs {
			if strings.HasPrefix(req.IP, prefix) {
				return true
			}
		}
	}
	if req.UserAgent != "" {
		for _, pattern := range e.cfg.IgnoreUserAgents {
			if strings.Contains(strings.ToLower(req.UserAgent), strings.ToLower(pattern)) {
				return true
			}
		}
	}
	return false
}
