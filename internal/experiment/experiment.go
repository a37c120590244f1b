// Package experiment defines experiment and alternative types, the stable
// store key layout for definitions and counters, and the catalog that loads
// and persists experiment definitions.
package experiment

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a named experiment has no catalog entry
	// and no inline alternatives were supplied.
	ErrNotFound = errors.New("experiment not found")
	// ErrInvalidDefinition is returned for definitions that cannot be used:
	// no alternatives, duplicate names or non-positive weights.
	ErrInvalidDefinition = errors.New("invalid experiment definition")
)

// Alternative is one variant of an experiment. Weights are relative; they
// are normalized at selection time and need not sum to 1.
type Alternative struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Experiment is a named test with an ordered set of weighted alternatives.
// The first alternative is the control. Counters are not held here; they
// live in the store under keys derived by this package.
type Experiment struct {
	Name         string
	Alternatives []Alternative
	Goals        []string
	Scores       []string
	Metadata     map[string]string
	Version      int
	Winner       string
	StartedAt    *time.Time
	Resettable   bool

	persisted bool
}

// New builds an unsaved experiment from a definition. Alternatives given
// without weights should use weight 1.
func New(name string, alternatives ...Alternative) (*Experiment, error) {
	e := &Experiment{
		Name:         name,
		Alternatives: alternatives,
		Resettable:   true,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the definition invariants: at least one alternative,
// unique names, positive weights.
func (e *Experiment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if len(e.Alternatives) == 0 {
		return fmt.Errorf("%w: experiment %q has no alternatives", ErrInvalidDefinition, e.Name)
	}
	seen := make(map[string]struct{}, len(e.Alternatives))
	for _, a := range e.Alternatives {
		if a.Name == "" {
			return fmt.Errorf("%w: experiment %q has an unnamed alternative", ErrInvalidDefinition, e.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: experiment %q repeats alternative %q", ErrInvalidDefinition, e.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
		if a.Weight <= 0 {
			return fmt.Errorf("%w: alternative %q has non-positive weight", ErrInvalidDefinition, a.Name)
		}
	}
	return nil
}

// Control returns the designated control alternative (index 0).
func (e *Experiment) Control() Alternative {
	return e.Alternatives[0]
}

// Alternative looks up an alternative by name.
func (e *Experiment) Alternative(name string) (Alternative, bool) {
	for _, a := range e.Alternatives {
		if a.Name == name {
			return a, true
		}
	}
	return Alternative{}, false
}

// Started reports whether the experiment has a start time in the past.
// An experiment without a start time is treated as not yet running.
func (e *Experiment) Started() bool {
	return e.StartedAt != nil && !e.StartedAt.After(time.Now())
}

// Key is the session-facing identifier for this experiment generation.
// Version 0 keeps the bare name so existing assignments survive the first
// definition save.
func (e *Experiment) Key() string {
	if e.Version == 0 {
		return e.Name
	}
	return fmt.Sprintf("%s:%d", e.Name, e.Version)
}

// Persisted reports whether this definition has been stored.
func (e *Experiment) Persisted() bool {
	return e.persisted
}

// Sample selects an alternative by weighted random choice. draw must be a
// uniform value in [0,1); weights are normalized over their sum.
func (e *Experiment) Sample(draw float64) Alternative {
	var total float64
	for _, a := range e.Alternatives {
		total += a.Weight
	}
	target := draw * total
	var cum float64
	for _, a := range e.Alternatives {
		cum += a.Weight
		if target < cum {
			return a
		}
	}
	return e.Alternatives[len(e.Alternatives)-1]
}

// sameAlternatives reports whether the stored alternative set matches the
// supplied one, order and weights included. A mismatch is a redefinition
// and bumps the version.
func sameAlternatives(a, b []Alternative) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Weight != b[i].Weight {
			return false
		}
	}
	return true
}
