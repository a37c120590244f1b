package experiment

import "fmt"

// Store key layout. This layout is part of the persisted contract and must
// stay stable: counter keys embed the experiment version so a version bump
// rotates the whole counter keyspace.
const (
	// NamesKey is the set of all experiment names.
	NamesKey = "split:experiments"

	definitionPrefix = "split:experiment:"
	delayedPrefix    = "split:delayed:"
)

// DefinitionKey is the hash holding the serialized experiment definition.
func DefinitionKey(name string) string {
	return definitionPrefix + name
}

func counterBase(name string, version int, alternative string) string {
	return fmt.Sprintf("%s%s:%d:alt:%s", definitionPrefix, name, version, alternative)
}

// ParticipantKey counts visitors assigned to the alternative.
func ParticipantKey(name string, version int, alternative string) string {
	return counterBase(name, version, alternative) + ":participants"
}

// CompletionKey counts completions for the alternative. An empty goal is
// the unnamed completion counter.
func CompletionKey(name string, version int, alternative, goal string) string {
	if goal == "" {
		return counterBase(name, version, alternative) + ":completed"
	}
	return counterBase(name, version, alternative) + ":completed:" + goal
}

// ScoreKey accumulates the named score for the alternative.
func ScoreKey(name string, version int, alternative, score string) string {
	return counterBase(name, version, alternative) + ":score:" + score
}

// DelayedScoreKey stages a pending delayed score under a caller label.
func DelayedScoreKey(label string) string {
	return delayedPrefix + label
}

// CounterKeys enumerates every counter key for one alternative of one
// experiment generation: participants, unnamed and per-goal completions,
// and per-score sums. Used by reset and delete.
func (e *Experiment) CounterKeys(alternative string) []string {
	keys := []string{
		ParticipantKey(e.Name, e.Version, alternative),
		CompletionKey(e.Name, e.Version, alternative, ""),
	}
	for _, goal := range e.Goals {
		keys = append(keys, CompletionKey(e.Name, e.Version, alternative, goal))
	}
	for _, score := range e.Scores {
		keys = append(keys, ScoreKey(e.Name, e.Version, alternative, score))
	}
	return keys
}

// FinishedKey marks an experiment as finished inside a visitor session.
func FinishedKey(experimentKey string) string {
	return experimentKey + ":finished"
}

// ScoredKey marks a named score as applied inside a visitor session.
func ScoredKey(experimentKey, score string) string {
	return experimentKey + ":scored:" + score
}
