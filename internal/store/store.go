// Package store defines the key-value store contract the experiment engine
// runs against, and its Redis implementation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is the single error class for any connectivity or protocol
// failure from the backing store. Callers match it with errors.Is; a missing
// key is never reported as an error.
var ErrUnavailable = errors.New("store unavailable")

// Store is the narrow key-operation contract used by the catalog, the
// session adapter and the trial engine. Single-key operations are atomic;
// Batch pipelines several mutations so they apply or fail as a unit.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent writes only when the key does not exist yet and reports
	// whether the write happened.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	// MultiGet returns one value per requested key, aligned to input
	// order. Absent keys yield ok=false at the same index.
	MultiGet(ctx context.Context, keys ...string) ([]Value, error)
	Increment(ctx context.Context, key string, amount int64) (int64, error)
	IncrementFloat(ctx context.Context, key string, amount float64) (float64, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	SetAdd(ctx context.Context, setKey string, members ...string) error
	SetRemove(ctx context.Context, setKey string, members ...string) error
	SetMembers(ctx context.Context, setKey string) ([]string, error)

	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashDelete(ctx context.Context, key string, fields ...string) error

	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Scan returns all keys matching the glob pattern. Used by maintenance,
	// never on the request path.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Batch queues operations through the pipeline and executes them
	// together. If execution fails, none of the queued writes is applied.
	Batch(ctx context.Context, fn func(p Pipeline) error) error
}

// Value is a multi-get result slot.
type Value struct {
	Val string
	OK  bool
}

// Pipeline queues write operations for atomic batch execution.
type Pipeline interface {
	Set(key, value string)
	Increment(key string, amount int64)
	IncrementFloat(key string, amount float64)
	Delete(keys ...string)
	HashSet(key string, fields map[string]string)
	Expire(key string, ttl time.Duration)
}
