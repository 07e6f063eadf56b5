package tokencache

import (
	"context"
	"time"
)

// DistributedCache is a shared key/value cache. Get reports absent keys with
// ErrCacheMiss. A zero ttl means no expiry.
type DistributedCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// DistributedStore adapts a DistributedCache to Store with a sliding expiry.
// Wrap it with Protected to encrypt payloads before they leave the process.
type DistributedStore struct {
	cache DistributedCache
	ttl   time.Duration
}

func NewDistributedStore(cache DistributedCache, ttl time.Duration) *DistributedStore {
	return &DistributedStore{cache: cache, ttl: ttl}
}

func (s *DistributedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.cache.Get(ctx, key)
}

func (s *DistributedStore) Set(ctx context.Context, key string, value []byte) error {
	return s.cache.Set(ctx, key, value, s.ttl)
}

func (s *DistributedStore) Delete(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, key)
}
