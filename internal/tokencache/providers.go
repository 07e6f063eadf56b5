package tokencache

import (
	"context"
	"errors"

	"tailspin.org/internal/auth"
)

// Providers builds a Provider per request. Only the strategy and the provider
// configuration are shared; every Provider gets a fresh Service, so handles
// never outlive the request that loaded them.
type Providers struct {
	strategy *Strategy
	cfg      ProviderConfig
	opts     []Option
}

func NewProviders(strategy *Strategy, cfg ProviderConfig, opts ...Option) (*Providers, error) {
	if strategy == nil {
		return nil, errors.New("tokencache: store strategy is required")
	}
	if cfg.Credentials == nil || cfg.Endpoint == nil {
		return nil, errors.New("tokencache: credentials and token endpoint are required")
	}
	return &Providers{strategy: strategy, cfg: cfg, opts: opts}, nil
}

// ForRequest returns a Provider over a new cache service. The session backend
// reads the session attached with ContextWithSession.
func (p *Providers) ForRequest(ctx context.Context) (*Provider, error) {
	store, err := p.strategy.Store(SessionFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return NewProvider(NewService(store, p.opts...), p.cfg)
}

func (p *Providers) GetDelegatedToken(ctx context.Context, principal auth.Principal) (string, error) {
	prov, err := p.ForRequest(ctx)
	if err != nil {
		return "", err
	}
	return prov.GetDelegatedToken(ctx, principal)
}

func (p *Providers) RedeemCode(ctx context.Context, principal auth.Principal, code, redirectURI string) error {
	prov, err := p.ForRequest(ctx)
	if err != nil {
		return err
	}
	return prov.RedeemCode(ctx, principal, code, redirectURI)
}

func (p *Providers) Exchange(ctx context.Context, code, redirectURI string) (auth.Principal, Token, error) {
	prov, err := p.ForRequest(ctx)
	if err != nil {
		return auth.Principal{}, Token{}, err
	}
	return prov.Exchange(ctx, code, redirectURI)
}

func (p *Providers) Store(ctx context.Context, principal auth.Principal, tok Token) error {
	prov, err := p.ForRequest(ctx)
	if err != nil {
		return err
	}
	return prov.Store(ctx, principal, tok)
}

func (p *Providers) SignOut(ctx context.Context, principal auth.Principal) error {
	prov, err := p.ForRequest(ctx)
	if err != nil {
		return err
	}
	return prov.SignOut(ctx, principal)
}
