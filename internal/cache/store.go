// Package cache provides the result cache: fingerprint-keyed storage of
// canonical responses with TTL expiry, plus request coalescing so at most
// one upstream dispatch runs per fingerprint at a time.
package cache

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Store is entry storage. Entries are written once and disappear only via
// TTL expiry; there is no update or delete path.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	inner *gocache.Cache
}

func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		inner: gocache.New(defaultTTL, defaultTTL/2+time.Second),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := s.inner.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// Add, not Set: a live entry is never overwritten.
	_ = s.inner.Add(key, value, ttl)
	return nil
}

// RedisStore keeps entries in Redis so cache contents survive restarts and
// can be shared between instances. Coalescing reservations stay in-process
// regardless of the backing store.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// SET NX preserves entry immutability if two instances race.
	return s.client.SetNX(ctx, s.prefix+key, value, ttl).Err()
}
