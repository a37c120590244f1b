package trial

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/store"
)

// stagedScore is the serialized reference a delayed score is applied
// against later: enough to re-derive the counter key without reloading the
// experiment.
type stagedScore struct {
	Experiment  string `json:"experiment"`
	Version     int    `json:"version"`
	Alternative string `json:"alternative"`
	Score       string `json:"score"`
}

// DelayedScorer stages score references under caller labels with a TTL and
// later applies a batch of (label, value) pairs atomically. It backs
// asynchronous scoring pipelines that cannot score inside the request.
type DelayedScorer struct {
	store store.Store
	log   logger.Logger
}

func NewDelayedScorer(s store.Store, log logger.Logger) *DelayedScorer {
	return &DelayedScorer{store: s, log: log}
}

// Stage records the resolved alternative of a trial under the label. A
// trial without a resolution stages nothing. The first staging of a label
// wins; restaging a pending label is a no-op. The staged entry expires
// after ttl if never applied.
func (d *DelayedScorer) Stage(ctx context.Context, label string, t *Trial, score string, ttl time.Duration) error {
	alt, ok := t.Alternative()
	if !ok {
		return nil
	}
	exp := t.Experiment()
	payload, err := json.Marshal(stagedScore{
		Experiment:  exp.Name,
		Version:     exp.Version,
		Alternative: alt.Name,
		Score:       score,
	})
	if err != nil {
		return fmt.Errorf("marshal staged score: %w", err)
	}

	key := experiment.DelayedScoreKey(label)
	written, err := d.store.SetIfAbsent(ctx, key, string(payload))
	if err != nil {
		return err
	}
	if !written {
		d.log.Debug("Delayed score label already staged",
			logger.String("label", label),
		)
		return nil
	}
	if ttl > 0 {
		return d.store.Expire(ctx, key, ttl)
	}
	return nil
}

// Application is one pending delayed score to apply.
type Application struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Apply resolves every staged label and applies all score increments plus
// the staging-key deletes in one pipelined batch: either the whole batch
// lands or none of it does. Labels that expired or were never staged are
// skipped.
func (d *DelayedScorer) Apply(ctx context.Context, applications []Application) error {
	if len(applications) == 0 {
		return nil
	}

	keys := make([]string, len(applications))
	for i, a := range applications {
		keys[i] = experiment.DelayedScoreKey(a.Label)
	}
	values, err := d.store.MultiGet(ctx, keys...)
	if err != nil {
		return err
	}

	type resolved struct {
		staged stagedScore
		value  float64
		key    string
	}
	var pending []resolved
	for i, v := range values {
		if !v.OK {
			d.log.Debug("Skipping missing delayed score",
				logger.String("label", applications[i].Label),
			)
			continue
		}
		var staged stagedScore
		if err := json.Unmarshal([]byte(v.Val), &staged); err != nil {
			d.log.Warn("Dropping corrupt delayed score",
				logger.String("label", applications[i].Label),
				logger.Error(err),
			)
			continue
		}
		pending = append(pending, resolved{staged: staged, value: applications[i].Value, key: keys[i]})
	}
	if len(pending) == 0 {
		return nil
	}

	return d.store.Batch(ctx, func(p store.Pipeline) error {
		for _, r := range pending {
			scoreKey := experiment.ScoreKey(r.staged.Experiment, r.staged.Version, r.staged.Alternative, r.staged.Score)
			p.IncrementFloat(scoreKey, r.value)
			p.Delete(r.key)
		}
		return nil
	})
}
