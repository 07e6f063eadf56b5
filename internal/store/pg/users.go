package pg

import (
	"context"
	"database/sql"
	"errors"

	"tailspin.org/internal/auth"
	"tailspin.org/internal/ids"
	"tailspin.org/internal/provisioning"
)

// Users implements provisioning.UserRepository.
type Users struct {
	db *sql.DB
}

var _ provisioning.UserRepository = (*Users)(nil)

const userColumns = `id, object_id, tenant_id, display_name, email, concurrency_stamp, created_at`

func scanUser(row *sql.Row) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.ObjectID, &u.TenantID, &u.DisplayName, &u.Email, &u.ConcurrencyStamp, &u.Created)
	return u, err
}

func (s *Users) FindByObjectID(ctx context.Context, objectID string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where object_id = $1
	`, objectID))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func (s *Users) Create(ctx context.Context, tenantID, objectID, displayName, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable
	}
	if tenantID == "" || objectID == "" {
		return auth.User{}, auth.ErrInvalidInput
	}
	stamp, err := ids.Token(16)
	if err != nil {
		return auth.User{}, err
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		insert into users (id, object_id, tenant_id, display_name, email, concurrency_stamp)
		values ($1, $2, $3, $4, $5, $6)
		returning `+userColumns,
		ids.New(), objectID, tenantID, displayName, email, stamp))
	if err != nil {
		if isUniqueViolation(err) {
			return auth.User{}, auth.ErrConflict
		}
		return auth.User{}, err
	}
	return u, nil
}

func (s *Users) Update(ctx context.Context, u auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable
	}
	stamp, err := ids.Token(16)
	if err != nil {
		return auth.User{}, err
	}
	out, err := scanUser(s.db.QueryRowContext(ctx, `
		update users
		set display_name = $1, email = $2, concurrency_stamp = $3
		where id = $4 and concurrency_stamp = $5
		returning `+userColumns,
		u.DisplayName, u.Email, stamp, u.ID, u.ConcurrencyStamp))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, staleOrMissing(ctx, s.db, `select 1 from users where id = $1`, u.ID)
	}
	if err != nil {
		return auth.User{}, err
	}
	return out, nil
}
