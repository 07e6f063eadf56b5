// Package tokencache keeps delegated access tokens per (user, client) pair on
// top of a pluggable backing store and acquires new ones when they expire.
package tokencache

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for backing-store failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

type handleKey struct {
	userID   string
	clientID string
}

// Service hands out cache handles. Create one per request or session.
type Service struct {
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	handles map[handleKey]*Cache
}

// NewService returns a service over store. A nil store selects a MemoryStore.
func NewService(store Store, opts ...Option) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	s := &Service{
		store:   store,
		logger:  zap.NewNop(),
		handles: make(map[handleKey]*Cache),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetCache returns the handle for (userID, clientID), creating it on first
// call. Later calls with the same pair return the same handle.
func (s *Service) GetCache(userID, clientID string) *Cache {
	k := handleKey{userID: userID, clientID: clientID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.handles[k]; ok {
		return c
	}
	c := newCache(s.store, userID, clientID, s.logger)
	s.handles[k] = c
	return c
}

// ClearCache removes every token cached for (userID, clientID).
func (s *Service) ClearCache(ctx context.Context, userID, clientID string) error {
	return s.GetCache(userID, clientID).Clear(ctx, userID, clientID)
}
