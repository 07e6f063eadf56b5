package tokencache

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend names a backing-store strategy.
type Backend string

const (
	BackendMemory      Backend = "memory"
	BackendSession     Backend = "session"
	BackendDistributed Backend = "distributed"
	BackendRedis       Backend = "redis"
)

// StoreConfig selects and tunes the backing store.
type StoreConfig struct {
	Backend   Backend
	KeyPrefix string
	TTL       time.Duration
	// ProtectionKey enables payload encryption when non-empty.
	ProtectionKey   string
	ProtectionKeyID string
}

// StoreDeps carries the process-wide clients a strategy may need.
type StoreDeps struct {
	Distributed DistributedCache
	Redis       redis.UniversalClient
}

// Strategy is the backing store chosen at startup.
type Strategy struct {
	backend   Backend
	shared    Store
	protector Protector
}

// NewStrategy validates cfg against deps and builds the shared store, if the
// backend has one.
func NewStrategy(cfg StoreConfig, deps StoreDeps) (*Strategy, error) {
	backend := Backend(strings.ToLower(strings.TrimSpace(string(cfg.Backend))))
	if backend == "" {
		backend = BackendMemory
	}
	s := &Strategy{backend: backend}
	if cfg.ProtectionKey != "" {
		p, err := NewAppKeyProtector([]byte(cfg.ProtectionKey), cfg.ProtectionKeyID)
		if err != nil {
			return nil, err
		}
		s.protector = p
	}
	switch backend {
	case BackendMemory:
		s.shared = NewMemoryStore()
	case BackendSession:
	case BackendDistributed:
		if deps.Distributed == nil {
			return nil, fmt.Errorf("tokencache: backend %q requires a distributed cache", backend)
		}
		s.shared = Protected(NewDistributedStore(deps.Distributed, cfg.TTL), s.protector)
	case BackendRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("tokencache: backend %q requires a redis client", backend)
		}
		s.shared = Protected(NewRedisStore(deps.Redis, cfg.KeyPrefix, cfg.TTL), s.protector)
	default:
		return nil, fmt.Errorf("tokencache: unknown backend %q", cfg.Backend)
	}
	return s, nil
}

// Backend reports the selected backend.
func (s *Strategy) Backend() Backend { return s.backend }

// Store returns the store for one request. session is only used by the
// session backend and may be nil otherwise.
func (s *Strategy) Store(session Session) (Store, error) {
	if s.backend != BackendSession {
		return s.shared, nil
	}
	if session == nil {
		return nil, fmt.Errorf("tokencache: backend %q requires a session", s.backend)
	}
	return Protected(NewSessionStore(session), s.protector), nil
}
