package tokencache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tailspin.org/internal/auth"
	"tailspin.org/internal/credentials"
	"tailspin.org/internal/obs"
)

// TokenEndpoint exchanges grants at the identity provider.
type TokenEndpoint interface {
	Redeem(ctx context.Context, cred credentials.Credential, code, redirectURI string) (Token, error)
	Refresh(ctx context.Context, cred credentials.Credential, refreshToken string) (Token, error)
}

// ProviderConfig is shared by every Provider in the process. Limiter throttles
// calls to the token endpoint; nil disables throttling.
type ProviderConfig struct {
	Authority   string
	Resource    string
	Credentials *credentials.Service
	Endpoint    TokenEndpoint
	Limiter     *rate.Limiter
	Logger      *zap.Logger
	Now         func() time.Time
}

// Provider obtains bearer tokens for the downstream resource on behalf of a
// signed-in principal, using the principal's cache handle.
type Provider struct {
	cfg    ProviderConfig
	caches *Service
}

// NewProvider binds cfg to the request-scoped cache service.
func NewProvider(caches *Service, cfg ProviderConfig) (*Provider, error) {
	if caches == nil {
		return nil, errors.New("tokencache: cache service is required")
	}
	if cfg.Credentials == nil || cfg.Endpoint == nil {
		return nil, errors.New("tokencache: credentials and token endpoint are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Provider{cfg: cfg, caches: caches}, nil
}

// GetDelegatedToken returns an access token for the configured resource. An
// expired token is refreshed when a refresh token is cached.
func (p *Provider) GetDelegatedToken(ctx context.Context, principal auth.Principal) (string, error) {
	userID := cacheUserID(principal)
	cred, err := p.cfg.Credentials.GetCredential(ctx)
	if err != nil {
		return "", p.authFailure("cache", "acquire", userID, err)
	}
	cache := p.caches.GetCache(userID, cred.ClientID())
	key := p.key(cred.ClientID(), userID)

	tok, ok, err := cache.Lookup(ctx, key)
	if err != nil {
		obs.TokenAcquisitions.WithLabelValues("cache", "error").Inc()
		return "", err
	}
	if ok && tok.Valid(p.cfg.Now()) {
		obs.TokenAcquisitions.WithLabelValues("cache", "ok").Inc()
		return tok.AccessToken, nil
	}
	if !ok || tok.RefreshToken == "" {
		return "", p.authFailure("cache", "acquire", userID, ErrNoToken)
	}

	if err := p.wait(ctx); err != nil {
		return "", p.authFailure("refresh", "refresh", userID, err)
	}
	fresh, err := p.cfg.Endpoint.Refresh(ctx, cred, tok.RefreshToken)
	if err != nil {
		return "", p.authFailure("refresh", "refresh", userID, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := cache.Put(ctx, Entry{Key: key, Token: fresh}); err != nil {
		return "", err
	}
	obs.TokenAcquisitions.WithLabelValues("refresh", "ok").Inc()
	return fresh.AccessToken, nil
}

// RedeemCode exchanges an authorization code and caches the result for principal.
func (p *Provider) RedeemCode(ctx context.Context, principal auth.Principal, code, redirectURI string) error {
	userID := cacheUserID(principal)
	tok, _, err := p.redeem(ctx, userID, code, redirectURI)
	if err != nil {
		return err
	}
	return p.Store(ctx, principal, tok)
}

// Exchange redeems an authorization code for a principal that is not known
// yet. The principal is read from the ID token of the response. Nothing is
// cached; call Store once the principal is provisioned.
func (p *Provider) Exchange(ctx context.Context, code, redirectURI string) (auth.Principal, Token, error) {
	tok, cred, err := p.redeem(ctx, "", code, redirectURI)
	if err != nil {
		return auth.Principal{}, Token{}, err
	}
	principal, err := auth.ParseTokenResponseIDToken(tok.IDToken, cred.ClientID())
	if err != nil {
		return auth.Principal{}, Token{}, p.authFailure("redeem", "redeem", "", err)
	}
	return principal, tok, nil
}

// Store caches tok for principal.
func (p *Provider) Store(ctx context.Context, principal auth.Principal, tok Token) error {
	cred, err := p.cfg.Credentials.GetCredential(ctx)
	if err != nil {
		return err
	}
	userID := cacheUserID(principal)
	entry := Entry{Key: p.key(cred.ClientID(), userID), Token: tok}
	if err := p.caches.GetCache(userID, cred.ClientID()).Put(ctx, entry); err != nil {
		return err
	}
	obs.TokenAcquisitions.WithLabelValues("redeem", "ok").Inc()
	return nil
}

func (p *Provider) redeem(ctx context.Context, userID, code, redirectURI string) (Token, credentials.Credential, error) {
	if code == "" {
		return Token{}, nil, p.authFailure("redeem", "redeem", userID, fmt.Errorf("%w: empty authorization code", auth.ErrInvalidInput))
	}
	cred, err := p.cfg.Credentials.GetCredential(ctx)
	if err != nil {
		return Token{}, nil, p.authFailure("redeem", "redeem", userID, err)
	}
	if err := p.wait(ctx); err != nil {
		return Token{}, nil, p.authFailure("redeem", "redeem", userID, err)
	}
	tok, err := p.cfg.Endpoint.Redeem(ctx, cred, code, redirectURI)
	if err != nil {
		return Token{}, nil, p.authFailure("redeem", "redeem", userID, err)
	}
	return tok, cred, nil
}

// SignOut drops every token cached for principal.
func (p *Provider) SignOut(ctx context.Context, principal auth.Principal) error {
	cred, err := p.cfg.Credentials.GetCredential(ctx)
	if err != nil {
		return err
	}
	return p.caches.ClearCache(ctx, cacheUserID(principal), cred.ClientID())
}

func (p *Provider) key(clientID, userID string) Key {
	return Key{Authority: p.cfg.Authority, Resource: p.cfg.Resource, ClientID: clientID, UserID: userID}
}

func (p *Provider) wait(ctx context.Context) error {
	if p.cfg.Limiter == nil {
		return nil
	}
	return p.cfg.Limiter.Wait(ctx)
}

func (p *Provider) authFailure(source, op, userID string, err error) error {
	obs.TokenAcquisitions.WithLabelValues(source, "error").Inc()
	p.cfg.Logger.Warn("delegated token unavailable",
		zap.String("op", op),
		zap.String("user_id", userID),
		zap.String("resource", p.cfg.Resource),
		zap.Error(err),
	)
	return &AuthenticationError{Op: op, UserID: userID, Err: err}
}

// cacheUserID keys tokens by the identity-provider object id, which is known
// before the local user row exists.
func cacheUserID(p auth.Principal) string {
	if p.ObjectID != "" {
		return p.ObjectID
	}
	return p.UserID
}
