package trial

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jonesrussell/gosplit/internal/experiment"
	"github.com/jonesrussell/gosplit/internal/session"
)

// NewResolved builds a trial already bound to a previously stored
// alternative, bypassing selection. Used when completing or scoring against
// an assignment made on an earlier request. An unknown alternative name
// leaves the trial unresolved, so completion stays a no-op.
func NewResolved(p Params, alternativeName string) *Trial {
	t := New(p)
	if alt, ok := p.Experiment.Alternative(alternativeName); ok {
		t.resolved = &alt
	}
	return t
}

// ResetSession removes every trace of the experiment from the visitor's
// record: assignment, finished flag and scored flags across all
// generations, plus the exposure-history entry. The next resolution treats
// the visitor as a new participant.
func ResetSession(ctx context.Context, sess session.Session, exp *experiment.Experiment) error {
	keys, err := sess.Keys(ctx)
	if err != nil {
		return err
	}
	var doomed []string
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
		if experimentName(base) != exp.Name {
			continue
		}
		doomed = append(doomed, k)
	}
	if len(doomed) == 0 {
		return nil
	}
	if err := sess.Delete(ctx, doomed...); err != nil {
		return err
	}
	return PruneHistory(ctx, sess, doomed)
}

// StaleSessionKeys returns the session keys referring to experiments that
// no longer exist or to generations other than the current one. current
// maps experiment name to its current session key.
func StaleSessionKeys(keys []string, current map[string]string) []string {
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
		currentKey, known := current[experimentName(base)]
		if known && base == currentKey {
			continue
		}
		stale = append(stale, k)
	}
	return stale
}

// PruneHistory drops removed keys from the visitor's exposure history.
func PruneHistory(ctx context.Context, sess session.Session, removed []string) error {
	raw, ok, err := sess.Get(ctx, startedListKey)
	if err != nil || !ok {
		return err
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return sess.Delete(ctx, startedListKey)
	}
	gone := make(map[string]struct{}, len(removed))
	for _, k := range removed {
		gone[k] = struct{}{}
	}
	kept := list[:0]
	for _, k := range list {
		if _, drop := gone[k]; !drop {
			kept = append(kept, k)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	rawKept, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return sess.Set(ctx, startedListKey, string(rawKept))
}
