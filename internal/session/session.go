// Package session provides the per-visitor identity record: a stable
// key-value namespace holding prior assignments, finished flags and scored
// flags for one visitor.
package session

import (
	"context"
)

// Session is the identity adapter contract consumed by the trial engine.
// Implementations must give each visitor a stable, isolated namespace.
type Session interface {
	// ID returns the stable visitor identifier this namespace is keyed by.
	ID() string
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// MultiGet returns one entry per requested key, aligned to input order.
	MultiGet(ctx context.Context, keys ...string) ([]Entry, error)
	Delete(ctx context.Context, keys ...string) error
	// Keys lists every key currently present in the namespace.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is a multi-get result slot.
type Entry struct {
	Val string
	OK  bool
}

// Factory resolves visitor identifiers to sessions.
type Factory interface {
	Session(visitorID string) Session
}
