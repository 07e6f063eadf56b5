package pg

import (
	"context"
	"database/sql"
	"errors"

	"tailspin.org/internal/auth"
	"tailspin.org/internal/ids"
	"tailspin.org/internal/provisioning"
)

// Tenants implements provisioning.TenantRepository.
type Tenants struct {
	db *sql.DB
}

var _ provisioning.TenantRepository = (*Tenants)(nil)

func (s *Tenants) FindByIssuer(ctx context.Context, issuer string) (auth.Tenant, error) {
	if s.db == nil {
		return auth.Tenant{}, errUnavailable
	}
	var t auth.Tenant
	err := s.db.QueryRowContext(ctx, `
		select id, issuer_value, concurrency_stamp, created_at
		from tenants
		where issuer_value = $1
	`, issuer).Scan(&t.ID, &t.IssuerValue, &t.ConcurrencyStamp, &t.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Tenant{}, err
	}
	return t, nil
}

func (s *Tenants) Create(ctx context.Context, issuer string) (auth.Tenant, error) {
	if s.db == nil {
		return auth.Tenant{}, errUnavailable
	}
	if issuer == "" {
		return auth.Tenant{}, auth.ErrInvalidInput
	}
	stamp, err := ids.Token(16)
	if err != nil {
		return auth.Tenant{}, err
	}
	var t auth.Tenant
	err = s.db.QueryRowContext(ctx, `
		insert into tenants (id, issuer_value, concurrency_stamp)
		values ($1, $2, $3)
		returning id, issuer_value, concurrency_stamp, created_at
	`, ids.New(), issuer, stamp).Scan(&t.ID, &t.IssuerValue, &t.ConcurrencyStamp, &t.Created)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.Tenant{}, auth.ErrConflict
		}
		return auth.Tenant{}, err
	}
	return t, nil
}

func (s *Tenants) Update(ctx context.Context, t auth.Tenant) (auth.Tenant, error) {
	if s.db == nil {
		return auth.Tenant{}, errUnavailable
	}
	stamp, err := ids.Token(16)
	if err != nil {
		return auth.Tenant{}, err
	}
	var out auth.Tenant
	err = s.db.QueryRowContext(ctx, `
		update tenants
		set issuer_value = $1, concurrency_stamp = $2
		where id = $3 and concurrency_stamp = $4
		returning id, issuer_value, concurrency_stamp, created_at
	`, t.IssuerValue, stamp, t.ID, t.ConcurrencyStamp).Scan(&out.ID, &out.IssuerValue, &out.ConcurrencyStamp, &out.Created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return auth.Tenant{}, staleOrMissing(ctx, s.db, `select 1 from tenants where id = $1`, t.ID)
	case isUniqueViolation(err):
		return auth.Tenant{}, auth.ErrConflict
	case err != nil:
		return auth.Tenant{}, err
	}
	return out, nil
}

// staleOrMissing tells a concurrency-stamp mismatch from a missing row.
func staleOrMissing(ctx context.Context, db *sql.DB, query, id string) error {
	var one int
	err := db.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	return auth.ErrConflict
}
