package provisioning

import (
	"context"

	"tailspin.org/internal/auth"
)

// TenantRepository persists tenants. FindByIssuer returns auth.ErrNotFound
// for unknown issuers; Create returns auth.ErrConflict when the issuer is
// already registered.
type TenantRepository interface {
	FindByIssuer(ctx context.Context, issuer string) (auth.Tenant, error)
	Create(ctx context.Context, issuer string) (auth.Tenant, error)
	// Update writes t when its ConcurrencyStamp still matches the stored row
	// and returns the row with a fresh stamp.
	Update(ctx context.Context, t auth.Tenant) (auth.Tenant, error)
}

// UserRepository persists local users keyed by identity-provider object id.
type UserRepository interface {
	FindByObjectID(ctx context.Context, objectID string) (auth.User, error)
	Create(ctx context.Context, tenantID, objectID, displayName, email string) (auth.User, error)
	Update(ctx context.Context, u auth.User) (auth.User, error)
}
