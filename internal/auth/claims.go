package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the ID token failed validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// IDTokenClaims are the identity-provider claims consumed on sign-in.
type IDTokenClaims struct {
	TenantID          string   `json:"tid"`
	ObjectID          string   `json:"oid"`
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	UPN               string   `json:"upn"`
	PreferredUsername string   `json:"preferred_username"`
	Roles             []string `json:"roles"`
	jwt.RegisteredClaims
}

// ParseIDToken verifies raw with keyFunc and normalizes its claims into a Principal.
// Signature verification keys belong to the identity-provider integration.
func ParseIDToken(raw string, keyFunc jwt.Keyfunc, opts ...jwt.ParserOption) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrInvalidToken
	}
	if keyFunc == nil {
		return Principal{}, fmt.Errorf("%w: key func is required", ErrInvalidToken)
	}
	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}, opts...)
	parsed, err := jwt.ParseWithClaims(raw, &IDTokenClaims{}, keyFunc, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*IDTokenClaims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	return claims.Principal()
}

// ParseTokenResponseIDToken normalizes an ID token that arrived in a token
// endpoint response over TLS, where the client authenticated itself. The
// signature is not checked there; expiry and audience are.
func ParseTokenResponseIDToken(raw, audience string, opts ...jwt.ParserOption) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, fmt.Errorf("%w: token response carries no id_token", ErrInvalidToken)
	}
	if audience == "" {
		return Principal{}, fmt.Errorf("%w: audience is required", ErrInvalidToken)
	}
	opts = append([]jwt.ParserOption{jwt.WithAudience(audience), jwt.WithExpirationRequired()}, opts...)
	var claims IDTokenClaims
	if _, _, err := jwt.NewParser(opts...).ParseUnverified(raw, &claims); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := jwt.NewValidator(opts...).Validate(&claims); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.Principal()
}

// Principal normalizes the claims. Object id and issuer are mandatory.
func (c *IDTokenClaims) Principal() (Principal, error) {
	if c == nil {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{
		ObjectID:               strings.TrimSpace(c.ObjectID),
		IssuerValue:            strings.TrimSpace(c.Issuer),
		IdentityProviderTenant: strings.TrimSpace(c.TenantID),
		DisplayName:            strings.TrimSpace(c.Name),
		Email:                  firstNonEmpty(c.Email, c.UPN, c.PreferredUsername),
		Roles:                  dedupeRoles(c.Roles),
	}
	if p.ObjectID == "" {
		return Principal{}, fmt.Errorf("%w: object id claim missing", ErrInvalidToken)
	}
	if p.IssuerValue == "" {
		return Principal{}, fmt.Errorf("%w: issuer claim missing", ErrInvalidToken)
	}
	return p, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
