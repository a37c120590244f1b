package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// connectionTimeout is the timeout for verifying the Redis connection.
const connectionTimeout = 5 * time.Second

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient creates a go-redis client and verifies the connection.
func NewRedisClient(cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// RedisStore implements Store on top of a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedis wraps an existing Redis client.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// wrap converts any transport error into ErrUnavailable while keeping the
// underlying cause in the chain.
func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return wrap(s.client.Set(ctx, key, value, 0).Err())
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	set, err := s.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, wrap(err)
	}
	return set, nil
}

func (s *RedisStore) MultiGet(ctx context.Context, keys ...string) ([]Value, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap(err)
	}
	values := make([]Value, len(keys))
	for i, r := range raw {
		if r == nil {
			continue
		}
		if str, isString := r.(string); isString {
			values[i] = Value{Val: str, OK: true}
		}
	}
	return values, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *RedisStore) IncrementFloat(ctx context.Context, key string, amount float64) (float64, error) {
	n, err := s.client.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n == 1, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, setKey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.client.SAdd(ctx, setKey, args...).Err())
}

func (s *RedisStore) SetRemove(ctx context.Context, setKey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.client.SRem(ctx, setKey, args...).Err())
}

func (s *RedisStore) SetMembers(ctx context.Context, setKey string) ([]string, error) {
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return members, nil
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return fields, nil
}

func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return wrap(s.client.HSet(ctx, key, args...).Err())
}

func (s *RedisStore) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrap(s.client.HDel(ctx, key, fields...).Err())
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(s.client.Expire(ctx, key, ttl).Err())
}

// scanBatchSize bounds each SCAN page.
const scanBatchSize = 100

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		page, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, wrap(err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *RedisStore) Batch(ctx context.Context, fn func(p Pipeline) error) error {
	pipe := s.client.TxPipeline()
	if err := fn(&redisPipeline{pipe: pipe, ctx: ctx}); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap(err)
	}
	return nil
}

type redisPipeline struct {
	pipe redis.Pipeliner
	ctx  context.Context
}

func (p *redisPipeline) Set(key, value string) {
	p.pipe.Set(p.ctx, key, value, 0)
}

func (p *redisPipeline) Increment(key string, amount int64) {
	p.pipe.IncrBy(p.ctx, key, amount)
}

func (p *redisPipeline) IncrementFloat(key string, amount float64) {
	p.pipe.IncrByFloat(p.ctx, key, amount)
}

func (p *redisPipeline) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.pipe.Del(p.ctx, keys...)
}

func (p *redisPipeline) HashSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	p.pipe.HSet(p.ctx, key, args...)
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(p.ctx, key, ttl)
}
