package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonesrussell/gosplit/internal/store"
)

// keyPrefix namespaces visitor records in the shared store.
const keyPrefix = "split:session:"

// RedisFactory creates Redis-backed sessions. Each visitor maps to one hash
// whose expiry is refreshed on every write.
type RedisFactory struct {
	store store.Store
	ttl   time.Duration
}

func NewRedisFactory(s store.Store, ttl time.Duration) *RedisFactory {
	return &RedisFactory{store: s, ttl: ttl}
}

func (f *RedisFactory) Session(visitorID string) Session {
	return &redisSession{
		store: f.store,
		ttl:   f.ttl,
		id:    visitorID,
		key:   Key(visitorID),
	}
}

// Key returns the store key holding the given visitor's record.
func Key(visitorID string) string {
	return fmt.Sprintf("%s%s", keyPrefix, visitorID)
}

// KeyPattern returns the glob matching every visitor record. Used by
// maintenance scans.
func KeyPattern() string {
	return keyPrefix + "*"
}

// VisitorID recovers the visitor identifier from a store key produced by
// Key. Returns empty when the key is not a visitor record.
func VisitorID(storeKey string) string {
	if !strings.HasPrefix(storeKey, keyPrefix) {
		return ""
	}
	return strings.TrimPrefix(storeKey, keyPrefix)
}

type redisSession struct {
	store store.Store
	ttl   time.Duration
	id    string
	key   string
}

func (s *redisSession) ID() string {
	return s.id
}

func (s *redisSession) Get(ctx context.Context, key string) (string, bool, error) {
	fields, err := s.store.HashGetAll(ctx, s.key)
	if err != nil {
		return "", false, err
	}
	val, ok := fields[key]
	return val, ok, nil
}

func (s *redisSession) Set(ctx context.Context, key, value string) error {
	if err := s.store.HashSet(ctx, s.key, map[string]string{key: value}); err != nil {
		return err
	}
	if s.ttl > 0 {
		return s.store.Expire(ctx, s.key, s.ttl)
	}
	return nil
}

func (s *redisSession) MultiGet(ctx context.Context, keys ...string) ([]Entry, error) {
	fields, err := s.store.HashGetAll(ctx, s.key)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(keys))
	for i, k := range keys {
		if val, ok := fields[k]; ok {
			entries[i] = Entry{Val: val, OK: true}
		}
	}
	return entries, nil
}

func (s *redisSession) Delete(ctx context.Context, keys ...string) error {
	return s.store.HashDelete(ctx, s.key, keys...)
}

func (s *redisSession) Keys(ctx context.Context) ([]string, error) {
	fields, err := s.store.HashGetAll(ctx, s.key)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	return keys, nil
}
