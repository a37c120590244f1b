// Package testhelpers provides shared fixtures for package tests: a silent
// logger and a miniredis-backed store.
package testhelpers

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/gosplit/internal/logger"
	"github.com/jonesrussell/gosplit/internal/store"
)

// NewTestLogger creates a logger suitable for testing (discards output).
func NewTestLogger() logger.Logger {
	return logger.NewNop()
}

// NewTestStore spins up an in-process miniredis and returns a store backed
// by it. Both are cleaned up when the test finishes. The miniredis handle
// is returned for direct state manipulation (TTL inspection, FastForward).
func NewTestStore(t *testing.T) (store.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return store.NewRedis(client), mr
}
