package tokencache

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tailspin.org/internal/obs"
)

// Cache holds the token set of one (user, client) pair. The backing store is
// read once, on first access. Every mutation writes the whole set back.
type Cache struct {
	mu       sync.Mutex
	id       string
	userID   string
	clientID string
	storeKey string
	store    Store
	logger   *zap.Logger

	loaded  bool
	dirty   bool
	entries map[Key]Token
}

func newCache(store Store, userID, clientID string, logger *zap.Logger) *Cache {
	return &Cache{
		id:       uuid.NewString(),
		userID:   userID,
		clientID: clientID,
		storeKey: StoreKey(userID, clientID),
		store:    store,
		logger:   logger,
	}
}

// StoreKey is the backing-store key for the (userID, clientID) token set.
func StoreKey(userID, clientID string) string {
	return "tokens:" + clientID + ":" + userID
}

// UserID returns the user the handle belongs to.
func (c *Cache) UserID() string { return c.userID }

// ClientID returns the client the handle belongs to.
func (c *Cache) ClientID() string { return c.clientID }

// StoreKey returns the backing-store key of the handle.
func (c *Cache) StoreKey() string { return c.storeKey }

// Dirty reports whether the in-memory set holds a change that has not been
// written to the backing store.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Lookup returns the token cached under key.
func (c *Cache) Lookup(ctx context.Context, key Key) (Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return Token{}, false, err
	}
	tok, ok := c.entries[key]
	return tok, ok, nil
}

// Entries returns a snapshot of the cached entries.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(c.entries))
	for k, t := range c.entries {
		out = append(out, Entry{Key: k, Token: t})
	}
	return out, nil
}

// Put stores entry, replacing any token under the same key, and persists the set.
func (c *Cache) Put(ctx context.Context, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return err
	}
	c.entries[entry.Key] = entry.Token
	c.dirty = true
	return c.persist(ctx)
}

// Remove deletes the token under key. Removing an absent key writes nothing.
func (c *Cache) Remove(ctx context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return err
	}
	if _, ok := c.entries[key]; !ok {
		return nil
	}
	delete(c.entries, key)
	c.dirty = true
	return c.persist(ctx)
}

// Clear removes every entry whose key matches userID and clientID exactly,
// writing back after each removal. An empty cache is left untouched.
func (c *Cache) Clear(ctx context.Context, userID, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return err
	}
	var matched []Key
	for k := range c.entries {
		if k.UserID == userID && k.ClientID == clientID {
			matched = append(matched, k)
		}
	}
	for _, k := range matched {
		delete(c.entries, k)
		c.dirty = true
		if err := c.persist(ctx); err != nil {
			return err
		}
	}
	return nil
}

// load must be called with c.mu held.
func (c *Cache) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	data, err := c.store.Get(ctx, c.storeKey)
	switch {
	case errors.Is(err, ErrCacheMiss):
		data = nil
	case err != nil:
		return c.fail("read", err)
	}
	entries, err := Deserialize(data)
	if err != nil {
		return c.fail("read", err)
	}
	obs.TokenCacheOps.WithLabelValues("read", "ok").Inc()
	c.entries = make(map[Key]Token, len(entries))
	for _, e := range entries {
		c.entries[e.Key] = e.Token
	}
	c.loaded = true
	c.dirty = false
	return nil
}

// persist must be called with c.mu held. On failure the in-memory set is
// dropped so the next access reloads from the store.
func (c *Cache) persist(ctx context.Context) error {
	op := "write"
	if len(c.entries) == 0 {
		op = "delete"
	}
	if err := ctx.Err(); err != nil {
		c.discard()
		return c.fail(op, err)
	}
	var err error
	if op == "delete" {
		err = c.store.Delete(ctx, c.storeKey)
	} else {
		entries := make([]Entry, 0, len(c.entries))
		for k, t := range c.entries {
			entries = append(entries, Entry{Key: k, Token: t})
		}
		var data []byte
		if data, err = Serialize(entries); err == nil {
			err = c.store.Set(ctx, c.storeKey, data)
		}
	}
	if err != nil {
		c.discard()
		return c.fail(op, err)
	}
	obs.TokenCacheOps.WithLabelValues(op, "ok").Inc()
	c.dirty = false
	return nil
}

func (c *Cache) discard() {
	c.loaded = false
	c.entries = nil
}

func (c *Cache) fail(op string, err error) error {
	obs.TokenCacheOps.WithLabelValues(op, "error").Inc()
	c.logger.Error("token cache store failure",
		zap.String("op", op),
		zap.String("key", c.storeKey),
		zap.String("user_id", c.userID),
		zap.String("client_id", c.clientID),
		zap.String("cache_id", c.id),
		zap.Error(err),
	)
	return &CacheError{Op: op, Key: c.storeKey, Err: err}
}
