package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tailspin.org/internal/tokencache"
)

// TokenCache is a tokencache.DistributedCache over the token_cache table.
type TokenCache struct {
	db *sql.DB
}

var _ tokencache.DistributedCache = (*TokenCache)(nil)

func (c *TokenCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.db == nil {
		return nil, errUnavailable
	}
	var value []byte
	err := c.db.QueryRowContext(ctx, `
		select value
		from token_cache
		where key = $1 and (expires_at is null or expires_at > now())
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tokencache.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (c *TokenCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.db == nil {
		return errUnavailable
	}
	var expires sql.NullTime
	if ttl > 0 {
		expires = sql.NullTime{Time: time.Now().UTC().Add(ttl), Valid: true}
	}
	_, err := c.db.ExecContext(ctx, `
		insert into token_cache (key, value, expires_at, updated_at)
		values ($1, $2, $3, now())
		on conflict (key) do update
		set value = excluded.value, expires_at = excluded.expires_at, updated_at = now()
	`, key, value, expires)
	return err
}

func (c *TokenCache) Delete(ctx context.Context, key string) error {
	if c.db == nil {
		return errUnavailable
	}
	_, err := c.db.ExecContext(ctx, `delete from token_cache where key = $1`, key)
	return err
}

// PurgeExpired removes expired rows and reports how many were deleted.
func (c *TokenCache) PurgeExpired(ctx context.Context) (int64, error) {
	if c.db == nil {
		return 0, errUnavailable
	}
	res, err := c.db.ExecContext(ctx, `delete from token_cache where expires_at is not null and expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
