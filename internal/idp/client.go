// Package idp talks to the identity provider's authorize and token endpoints.
package idp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"tailspin.org/internal/credentials"
	"tailspin.org/internal/tokencache"
)

// Config describes the identity provider and this application's registration.
type Config struct {
	// Authority is the base URL, e.g. https://login.microsoftonline.com/common.
	Authority   string
	ClientID    string
	RedirectURL string
	Scopes      []string
	// Resource is the downstream API tokens are requested for.
	Resource   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// AuthorizeURL returns the authorize endpoint under authority.
func AuthorizeURL(authority string) string {
	return strings.TrimRight(authority, "/") + "/oauth2/authorize"
}

// TokenURL returns the token endpoint under authority.
func TokenURL(authority string) string {
	return strings.TrimRight(authority, "/") + "/oauth2/token"
}

// Client implements tokencache.TokenEndpoint.
type Client struct {
	cfg    Config
	oauth  oauth2.Config
	base   http.RoundTripper
	logger *zap.Logger
}

var _ tokencache.TokenEndpoint = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Authority) == "" {
		return nil, errors.New("idp: authority is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("idp: client id is required")
	}
	base := http.DefaultTransport
	if cfg.HTTPClient != nil && cfg.HTTPClient.Transport != nil {
		base = cfg.HTTPClient.Transport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   AuthorizeURL(cfg.Authority),
				TokenURL:  TokenURL(cfg.Authority),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		base:   base,
		logger: logger,
	}, nil
}

// AuthCodeURL builds the redirect to the authorize endpoint. prompt is
// omitted when empty.
func (c *Client) AuthCodeURL(state, prompt string, opts ...oauth2.AuthCodeOption) string {
	all := make([]oauth2.AuthCodeOption, 0, len(opts)+2)
	if prompt != "" {
		all = append(all, oauth2.SetAuthURLParam("prompt", prompt))
	}
	if c.cfg.Resource != "" {
		all = append(all, oauth2.SetAuthURLParam("resource", c.cfg.Resource))
	}
	all = append(all, opts...)
	return c.oauth.AuthCodeURL(state, all...)
}

func (c *Client) Redeem(ctx context.Context, cred credentials.Credential, code, redirectURI string) (tokencache.Token, error) {
	conf := c.configFor(cred)
	if redirectURI != "" {
		conf.RedirectURL = redirectURI
	}
	tok, err := conf.Exchange(c.withTransport(ctx, cred), code)
	if err != nil {
		c.logger.Warn("authorization code redemption failed", zap.String("client_id", cred.ClientID()), zap.Error(err))
		return tokencache.Token{}, fmt.Errorf("idp: redeem code: %w", err)
	}
	return convert(tok), nil
}

func (c *Client) Refresh(ctx context.Context, cred credentials.Credential, refreshToken string) (tokencache.Token, error) {
	if refreshToken == "" {
		return tokencache.Token{}, errors.New("idp: refresh token is required")
	}
	conf := c.configFor(cred)
	src := conf.TokenSource(c.withTransport(ctx, cred), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		c.logger.Warn("token refresh failed", zap.String("client_id", cred.ClientID()), zap.Error(err))
		return tokencache.Token{}, fmt.Errorf("idp: refresh token: %w", err)
	}
	return convert(tok), nil
}

func (c *Client) configFor(cred credentials.Credential) oauth2.Config {
	conf := c.oauth
	conf.ClientID = cred.ClientID()
	return conf
}

func (c *Client) withTransport(ctx context.Context, cred credentials.Credential) context.Context {
	hc := &http.Client{Transport: &credentialTransport{base: c.base, cred: cred, resource: c.cfg.Resource}}
	if c.cfg.HTTPClient != nil {
		hc.Timeout = c.cfg.HTTPClient.Timeout
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

func convert(tok *oauth2.Token) tokencache.Token {
	out := tokencache.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	return out
}

// credentialTransport adds client authentication and the resource parameter
// to token-endpoint form posts.
type credentialTransport struct {
	base     http.RoundTripper
	cred     credentials.Credential
	resource string
}

func (t *credentialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil {
		return t.base.RoundTrip(req)
	}
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("idp: read token request: %w", err)
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("idp: parse token request: %w", err)
	}
	if err := t.cred.Apply(req.Context(), form); err != nil {
		return nil, fmt.Errorf("idp: apply client credential: %w", err)
	}
	if t.resource != "" && form.Get("resource") == "" {
		form.Set("resource", t.resource)
	}
	body := form.Encode()
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewBufferString(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewBufferString(body)), nil
	}
	return t.base.RoundTrip(out)
}
