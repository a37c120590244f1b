package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/store"
)

// Catalog loads and persists experiment definitions in the shared store.
// It is the only component that reads or writes whole definitions; the
// trial engine touches counters exclusively through single-key operations.
type Catalog struct {
	store store.Store
	log   logger.Logger
}

func NewCatalog(s store.Store, log logger.Logger) *Catalog {
	return &Catalog{store: s, log: log}
}

// Find loads a stored experiment. Returns ErrNotFound when the name is not
// a member of the experiment-name set.
func (c *Catalog) Find(ctx context.Context, name string) (*Experiment, error) {
	members, err := c.store.SetMembers(ctx, NamesKey)
	if err != nil {
		return nil, err
	}
	found := false
	for _, m := range members {
		if m == name {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c.load(ctx, name)
}

// FindOrInitialize loads the stored definition if one exists (including
// learned version and winner); otherwise it builds an unsaved experiment
// from the supplied alternatives, first one the control.
func (c *Catalog) FindOrInitialize(ctx context.Context, name string, alternatives ...Alternative) (*Experiment, error) {
	e, err := c.Find(ctx, name)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if len(alternatives) == 0 {
		return nil, fmt.Errorf("%w: %s (and no inline alternatives supplied)", ErrNotFound, name)
	}
	return New(name, alternatives...)
}

// FindOrCreate is FindOrInitialize plus persistence: a new definition is
// saved and started immediately.
func (c *Catalog) FindOrCreate(ctx context.Context, name string, alternatives ...Alternative) (*Experiment, error) {
	e, err := c.FindOrInitialize(ctx, name, alternatives...)
	if err != nil {
		return nil, err
	}
	if !e.persisted {
		now := time.Now().UTC()
		e.StartedAt = &now
		if err := c.Save(ctx, e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// All returns every stored experiment. Entries that fail to deserialize are
// skipped so one corrupt definition cannot hide the rest.
func (c *Catalog) All(ctx context.Context) ([]*Experiment, error) {
	names, err := c.store.SetMembers(ctx, NamesKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	experiments := make([]*Experiment, 0, len(names))
	for _, name := range names {
		e, loadErr := c.load(ctx, name)
		if loadErr != nil {
			if errors.Is(loadErr, store.ErrUnavailable) {
				return nil, loadErr
			}
			c.log.Warn("Skipping unreadable experiment definition",
				logger.String("experiment", name),
				logger.Error(loadErr),
			)
			continue
		}
		experiments = append(experiments, e)
	}
	return experiments, nil
}

// AllActiveFirst lists experiments without a winner first, each group
// sorted by name. Display ordering only; never used for decisions.
func (c *Catalog) AllActiveFirst(ctx context.Context) ([]*Experiment, error) {
	experiments, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(experiments, func(i, j int) bool {
		if (experiments[i].Winner == "") != (experiments[j].Winner == "") {
			return experiments[i].Winner == ""
		}
		return experiments[i].Name < experiments[j].Name
	})
	return experiments, nil
}

// Save persists the definition. Redefining the alternative set of a stored
// experiment bumps the version, rotating the counter keyspace and lazily
// invalidating prior visitor assignments.
func (c *Catalog) Save(ctx context.Context, e *Experiment) error {
	if err := e.Validate(); err != nil {
		return err
	}

	existing, err := c.Find(ctx, e.Name)
	switch {
	case err == nil:
		e.Version = existing.Version
		if !sameAlternatives(existing.Alternatives, e.Alternatives) {
			e.Version = existing.Version + 1
			if _, stillThere := e.Alternative(existing.Winner); existing.Winner != "" && !stillThere {
				e.Winner = ""
			} else if e.Winner == "" {
				e.Winner = existing.Winner
			}
			c.log.Info("Experiment redefined",
				logger.String("experiment", e.Name),
				logger.Int("version", e.Version),
			)
		} else {
			if e.Winner == "" {
				e.Winner = existing.Winner
			}
			if e.StartedAt == nil {
				e.StartedAt = existing.StartedAt
			}
		}
	case errors.Is(err, ErrNotFound):
		// First save keeps whatever version the caller set (normally 0).
	default:
		return err
	}

	fields, err := serialize(e)
	if err != nil {
		return err
	}
	if err := c.store.HashSet(ctx, DefinitionKey(e.Name), fields); err != nil {
		return err
	}
	if err := c.store.SetAdd(ctx, NamesKey, e.Name); err != nil {
		return err
	}
	e.persisted = true
	return nil
}

// Start stamps the experiment's start time. Trials resolve to control until
// an experiment is started.
func (c *Catalog) Start(ctx context.Context, e *Experiment) error {
	now := time.Now().UTC()
	e.StartedAt = &now
	return c.store.HashSet(ctx, DefinitionKey(e.Name),
		map[string]string{"started_at": now.Format(time.RFC3339)})
}

// SetWinner declares a permanent winning alternative, short-circuiting all
// future selection for this experiment.
func (c *Catalog) SetWinner(ctx context.Context, e *Experiment, alternative string) error {
	if _, ok := e.Alternative(alternative); !ok {
		return fmt.Errorf("%w: experiment %q has no alternative %q", ErrInvalidDefinition, e.Name, alternative)
	}
	if err := c.store.HashSet(ctx, DefinitionKey(e.Name), map[string]string{"winner": alternative}); err != nil {
		return err
	}
	e.Winner = alternative
	return nil
}

// ClearWinner reopens a decided experiment.
func (c *Catalog) ClearWinner(ctx context.Context, e *Experiment) error {
	if err := c.store.HashDelete(ctx, DefinitionKey(e.Name), "winner"); err != nil {
		return err
	}
	e.Winner = ""
	return nil
}

// Reset zeroes every counter of the current generation and bumps the
// version in one pipelined batch, so partially reset counters are never
// observable. Prior visitor assignments become stale and are purged lazily.
func (c *Catalog) Reset(ctx context.Context, e *Experiment) error {
	nextVersion := e.Version + 1
	err := c.store.Batch(ctx, func(p store.Pipeline) error {
		for _, a := range e.Alternatives {
			p.Delete(e.CounterKeys(a.Name)...)
		}
		p.HashSet(DefinitionKey(e.Name), map[string]string{
			"version": strconv.Itoa(nextVersion),
		})
		return nil
	})
	if err != nil {
		return err
	}
	if e.Winner != "" {
		if err := c.ClearWinner(ctx, e); err != nil {
			return err
		}
	}
	e.Version = nextVersion
	c.log.Info("Experiment reset",
		logger.String("experiment", e.Name),
		logger.Int("version", nextVersion),
	)
	return nil
}

// Delete removes the definition, its counters and its name-set membership.
func (c *Catalog) Delete(ctx context.Context, e *Experiment) error {
	err := c.store.Batch(ctx, func(p store.Pipeline) error {
		for _, a := range e.Alternatives {
			p.Delete(e.CounterKeys(a.Name)...)
		}
		p.Delete(DefinitionKey(e.Name))
		return nil
	})
	if err != nil {
		return err
	}
	return c.store.SetRemove(ctx, NamesKey, e.Name)
}

// Participants reads the participation counter for one alternative.
func (c *Catalog) Participants(ctx context.Context, e *Experiment, alternative string) (int64, error) {
	return c.readInt(ctx, ParticipantKey(e.Name, e.Version, alternative))
}

// Completions reads a completion counter. Empty goal reads the unnamed
// counter.
func (c *Catalog) Completions(ctx context.Context, e *Experiment, alternative, goal string) (int64, error) {
	return c.readInt(ctx, CompletionKey(e.Name, e.Version, alternative, goal))
}

// ScoreSum reads the accumulated named score for one alternative.
func (c *Catalog) ScoreSum(ctx context.Context, e *Experiment, alternative, score string) (float64, error) {
	val, ok, err := c.store.Get(ctx, ScoreKey(e.Name, e.Version, alternative, score))
	if err != nil || !ok {
		return 0, err
	}
	f, parseErr := strconv.ParseFloat(val, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("corrupt score counter for %s/%s: %w", e.Name, alternative, parseErr)
	}
	return f, nil
}

func (c *Catalog) readInt(ctx context.Context, key string) (int64, error) {
	val, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, parseErr := strconv.ParseInt(val, 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", key, parseErr)
	}
	return n, nil
}

func (c *Catalog) load(ctx context.Context, name string) (*Experiment, error) {
	fields, err := c.store.HashGetAll(ctx, DefinitionKey(name))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s (definition hash missing)", ErrNotFound, name)
	}
	return deserialize(name, fields)
}

func serialize(e *Experiment) (map[string]string, error) {
	alternatives, err := json.Marshal(e.Alternatives)
	if err != nil {
		return nil, fmt.Errorf("marshal alternatives: %w", err)
	}
	goals, err := json.Marshal(e.Goals)
	if err != nil {
		return nil, fmt.Errorf("marshal goals: %w", err)
	}
	scores, err := json.Marshal(e.Scores)
	if err != nil {
		return nil, fmt.Errorf("marshal scores: %w", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	fields := map[string]string{
		"alternatives": string(alternatives),
		"goals":        string(goals),
		"scores":       string(scores),
		"metadata":     string(metadata),
		"version":      strconv.Itoa(e.Version),
		"winner":       e.Winner,
		"resettable":   strconv.FormatBool(e.Resettable),
	}
	if e.StartedAt != nil {
		fields["started_at"] = e.StartedAt.Format(time.RFC3339)
	}
	return fields, nil
}

func deserialize(name string, fields map[string]string) (*Experiment, error) {
	e := &Experiment{
		Name:       name,
		Resettable: true,
		persisted:  true,
	}

	if raw, ok := fields["alternatives"]; ok {
		if err := json.Unmarshal([]byte(raw), &e.Alternatives); err != nil {
			return nil, fmt.Errorf("unmarshal alternatives for %s: %w", name, err)
		}
	}
	if len(e.Alternatives) == 0 {
		return nil, fmt.Errorf("%w: stored experiment %q has no alternatives", ErrInvalidDefinition, name)
	}
	if raw, ok := fields["goals"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Goals); err != nil {
			return nil, fmt.Errorf("unmarshal goals for %s: %w", name, err)
		}
	}
	if raw, ok := fields["scores"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Scores); err != nil {
			return nil, fmt.Errorf("unmarshal scores for %s: %w", name, err)
		}
	}
	if raw, ok := fields["metadata"]; ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", name, err)
		}
	}
	if raw, ok := fields["version"]; ok && raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse version for %s: %w", name, err)
		}
		e.Version = v
	}
	e.Winner = fields["winner"]
	if raw, ok := fields["resettable"]; ok && raw != "" {
		resettable, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("parse resettable for %s: %w", name, err)
		}
		e.Resettable = resettable
	}
	if raw, ok := fields["started_at"]; ok && raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", name, err)
		}
		e.StartedAt = &t
	}
	return e, nil
}
