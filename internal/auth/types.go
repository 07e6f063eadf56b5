package auth

import "time"

// Tenant is a customer organization registered through sign-up.
// IssuerValue is the identity-provider issuer and is unique across tenants.
type Tenant struct {
	ID               string
	IssuerValue      string
	ConcurrencyStamp string
	Created          time.Time
}

// User is the local record of an identity-provider user.
type User struct {
	ID               string
	ObjectID         string
	TenantID         string
	DisplayName      string
	Email            string
	ConcurrencyStamp string
	Created          time.Time
}
