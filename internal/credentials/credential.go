// Package credentials produces the application credential used to redeem
// authorization codes and refresh delegated tokens at the identity provider.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ClientAssertionType is the OAuth client assertion type for signed JWTs.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var (
	ErrNotConfigured       = errors.New("credentials: no client credential configured")
	ErrCertificateNotFound = errors.New("credentials: certificate not found")
)

// Credential authenticates the application to the identity provider's token endpoint.
type Credential interface {
	ClientID() string
	// Apply adds client authentication parameters to a token request form.
	Apply(ctx context.Context, form url.Values) error
}

// SecretCredential authenticates with a shared client secret.
type SecretCredential struct {
	clientID string
	secret   string
}

// NewSecretCredential validates and returns a secret credential.
func NewSecretCredential(clientID, secret string) (*SecretCredential, error) {
	clientID = strings.TrimSpace(clientID)
	secret = strings.TrimSpace(secret)
	if clientID == "" || secret == "" {
		return nil, fmt.Errorf("%w: client id and secret are required", ErrNotConfigured)
	}
	return &SecretCredential{clientID: clientID, secret: secret}, nil
}

func (c *SecretCredential) ClientID() string { return c.clientID }

func (c *SecretCredential) Apply(_ context.Context, form url.Values) error {
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.secret)
	return nil
}
