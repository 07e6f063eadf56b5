package provisioning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CorrelationStore remembers issued sign-up correlation tokens until they are
// consumed once or expire.
type CorrelationStore interface {
	Save(ctx context.Context, token string, ttl time.Duration) error
	// Consume reports whether token was pending and removes it.
	Consume(ctx context.Context, token string) (bool, error)
}

// MemoryCorrelations keeps tokens in process memory.
type MemoryCorrelations struct {
	mu      sync.Mutex
	pending map[string]time.Time
	now     func() time.Time
}

func NewMemoryCorrelations() *MemoryCorrelations {
	return &MemoryCorrelations{pending: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryCorrelations) Save(ctx context.Context, token string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token == "" {
		return errors.New("provisioning: empty correlation token")
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, exp := range m.pending {
		if !now.Before(exp) {
			delete(m.pending, t)
		}
	}
	m.pending[token] = now.Add(ttl)
	return nil
}

func (m *MemoryCorrelations) Consume(ctx context.Context, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.pending[token]
	if !ok {
		return false, nil
	}
	delete(m.pending, token)
	return m.now().Before(exp), nil
}

// RedisCorrelations keeps tokens in Redis so any node can complete a sign-up
// started on another.
type RedisCorrelations struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCorrelations(client redis.UniversalClient, prefix string) *RedisCorrelations {
	return &RedisCorrelations{client: client, prefix: prefix}
}

func (r *RedisCorrelations) Save(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return errors.New("provisioning: empty correlation token")
	}
	return r.client.Set(ctx, r.key(token), "1", ttl).Err()
}

func (r *RedisCorrelations) Consume(ctx context.Context, token string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(token)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisCorrelations) key(token string) string {
	return r.prefix + "signup:" + token
}
