// Package provisioning onboards tenants and their users on the identity
// provider callback.
//
// A sign-up starts with BeginSignup, which stores a one-time correlation token
// and redirects to the identity provider for admin consent. The callback must
// present that token before any tenant row is touched. Tenants are keyed by
// their issuer; a sign-up that loses a race on the unique issuer index reuses
// the tenant created by the winner. Sign-in only succeeds for issuers that
// already signed up.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"tailspin.org/internal/audit"
	"tailspin.org/internal/auth"
	"tailspin.org/internal/ids"
	"tailspin.org/internal/obs"
	"tailspin.org/internal/tokencache"
)

// ErrTenantValidation rejects a callback that cannot be tied to a tenant.
var ErrTenantValidation = errors.New("provisioning: tenant validation failed")

const (
	PromptAdminConsent  = "admin_consent"
	PromptSelectAccount = "select_account"

	correlationBytes   = 32
	defaultCorrelation = 15 * time.Minute
)

// AuthorizeEndpoint builds identity-provider authorize redirects.
type AuthorizeEndpoint interface {
	AuthCodeURL(state, prompt string, opts ...oauth2.AuthCodeOption) string
}

// CodeRedeemer exchanges the callback's authorization code for cached tokens.
type CodeRedeemer interface {
	RedeemCode(ctx context.Context, principal auth.Principal, code, redirectURI string) error
}

// TokenExchanger redeems a callback code before the principal is known and
// caches the tokens once it is provisioned.
type TokenExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (auth.Principal, tokencache.Token, error)
	Store(ctx context.Context, principal auth.Principal, tok tokencache.Token) error
}

// Callback is the raw identity-provider redirect. A non-empty State marks a
// sign-up; sign-in redirects carry none.
type Callback struct {
	State       string
	Code        string
	RedirectURI string
}

// Redirect is where to send the browser to authenticate.
type Redirect struct {
	URL    string
	State  string
	Prompt string
}

// Ticket is the validated identity-provider callback.
type Ticket struct {
	Signup bool
	State  string
	// Principal carries the normalized ID-token claims. Local ids are ignored.
	Principal   auth.Principal
	Code        string
	RedirectURI string
}

// Result is the outcome of a successful callback.
type Result struct {
	Principal     auth.Principal
	Tenant        auth.Tenant
	User          auth.User
	TenantCreated bool
	UserCreated   bool
	UserUpdated   bool
}

// Option configures a Flow.
type Option func(*Flow)

func WithLogger(l *zap.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithCorrelationTTL sets how long a sign-up may take to come back.
func WithCorrelationTTL(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// WithCodeRedeemer redeems callback authorization codes into the token cache.
func WithCodeRedeemer(r CodeRedeemer) Option {
	return func(f *Flow) { f.redeemer = r }
}

// WithTokenExchanger enables Complete.
func WithTokenExchanger(x TokenExchanger) Option {
	return func(f *Flow) { f.exchanger = x }
}

// Flow runs sign-up and sign-in.
type Flow struct {
	tenants      TenantRepository
	users        UserRepository
	correlations CorrelationStore
	authorize    AuthorizeEndpoint
	redeemer     CodeRedeemer
	exchanger    TokenExchanger
	logger       *zap.Logger
	ttl          time.Duration
}

func NewFlow(tenants TenantRepository, users UserRepository, correlations CorrelationStore, authorize AuthorizeEndpoint, opts ...Option) (*Flow, error) {
	if tenants == nil || users == nil {
		return nil, errors.New("provisioning: tenant and user repositories are required")
	}
	if correlations == nil || authorize == nil {
		return nil, errors.New("provisioning: correlation store and authorize endpoint are required")
	}
	f := &Flow{
		tenants:      tenants,
		users:        users,
		correlations: correlations,
		authorize:    authorize,
		logger:       zap.NewNop(),
		ttl:          defaultCorrelation,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// BeginSignup issues a correlation token and returns the admin-consent redirect.
func (f *Flow) BeginSignup(ctx context.Context) (Redirect, error) {
	state, err := ids.Token(correlationBytes)
	if err != nil {
		return Redirect{}, err
	}
	if err := f.correlations.Save(ctx, state, f.ttl); err != nil {
		return Redirect{}, fmt.Errorf("provisioning: save correlation: %w", err)
	}
	obs.ProvisioningEvents.WithLabelValues("signup.started").Inc()
	return Redirect{
		URL:    f.authorize.AuthCodeURL(state, PromptAdminConsent),
		State:  state,
		Prompt: PromptAdminConsent,
	}, nil
}

// BeginSignin returns the account-picker redirect. loginHint may be empty.
func (f *Flow) BeginSignin(_ context.Context, loginHint string) Redirect {
	var opts []oauth2.AuthCodeOption
	if hint := strings.TrimSpace(loginHint); hint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", hint))
	}
	return Redirect{
		URL:    f.authorize.AuthCodeURL("", PromptSelectAccount, opts...),
		Prompt: PromptSelectAccount,
	}
}

// HandleCallback provisions the tenant and user for ticket.
func (f *Flow) HandleCallback(ctx context.Context, ticket Ticket) (Result, error) {
	event := rejectEvent(ticket.Signup)
	if ticket.Signup {
		if err := f.validateCorrelation(ctx, ticket.State); err != nil {
			return Result{}, f.reject(ctx, event, ticket.Principal, err)
		}
	}
	res, err := f.provision(ctx, ticket.Signup, ticket.Principal)
	if err != nil {
		return Result{}, err
	}
	if ticket.Code != "" && f.redeemer != nil {
		if err := f.redeemer.RedeemCode(auth.ContextWithPrincipal(ctx, res.Principal), res.Principal, ticket.Code, ticket.RedirectURI); err != nil {
			return Result{}, fmt.Errorf("provisioning: redeem authorization code: %w", err)
		}
	}
	return res, nil
}

// Complete finishes a callback that only carries the state and the
// authorization code. The correlation is consumed before the code is redeemed;
// the principal comes from the ID token of the redemption.
func (f *Flow) Complete(ctx context.Context, cb Callback) (Result, error) {
	if f.exchanger == nil {
		return Result{}, errors.New("provisioning: token exchanger is not configured")
	}
	signup := strings.TrimSpace(cb.State) != ""
	event := rejectEvent(signup)
	if signup {
		if err := f.validateCorrelation(ctx, cb.State); err != nil {
			return Result{}, f.reject(ctx, event, auth.Principal{}, err)
		}
	}
	if strings.TrimSpace(cb.Code) == "" {
		return Result{}, f.reject(ctx, event, auth.Principal{}, fmt.Errorf("%w: missing authorization code", ErrTenantValidation))
	}
	p, tok, err := f.exchanger.Exchange(ctx, cb.Code, cb.RedirectURI)
	if err != nil {
		return Result{}, fmt.Errorf("provisioning: redeem authorization code: %w", err)
	}
	res, err := f.provision(ctx, signup, p)
	if err != nil {
		return Result{}, err
	}
	if err := f.exchanger.Store(auth.ContextWithPrincipal(ctx, res.Principal), res.Principal, tok); err != nil {
		return Result{}, fmt.Errorf("provisioning: cache tokens: %w", err)
	}
	return res, nil
}

func rejectEvent(signup bool) string {
	if signup {
		return "signup.rejected"
	}
	return "signin.rejected"
}

// provision resolves the tenant and reconciles the user for a validated callback.
func (f *Flow) provision(ctx context.Context, signup bool, p auth.Principal) (Result, error) {
	event := rejectEvent(signup)
	issuer := strings.TrimSpace(p.IssuerValue)
	if issuer == "" || strings.TrimSpace(p.ObjectID) == "" {
		return Result{}, f.reject(ctx, event, p, fmt.Errorf("%w: missing issuer or object id", ErrTenantValidation))
	}

	var (
		res Result
		err error
	)
	if signup {
		res.Tenant, res.TenantCreated, err = f.ensureTenant(ctx, issuer)
	} else {
		res.Tenant, err = f.tenants.FindByIssuer(ctx, issuer)
		if errors.Is(err, auth.ErrNotFound) {
			err = fmt.Errorf("%w: unregistered tenant %s", ErrTenantValidation, issuer)
		}
	}
	if err != nil {
		if errors.Is(err, ErrTenantValidation) {
			return Result{}, f.reject(ctx, event, p, err)
		}
		return Result{}, err
	}

	res.User, res.UserCreated, res.UserUpdated, err = f.reconcileUser(ctx, res.Tenant, p)
	if err != nil {
		return Result{}, err
	}
	res.Principal = p.WithLocalIDs(res.User.ID, res.Tenant.ID)
	f.record(auth.ContextWithPrincipal(ctx, res.Principal), res)
	return res, nil
}

func (f *Flow) validateCorrelation(ctx context.Context, state string) error {
	if strings.TrimSpace(state) == "" {
		return fmt.Errorf("%w: missing correlation token", ErrTenantValidation)
	}
	ok, err := f.correlations.Consume(ctx, state)
	if err != nil {
		return fmt.Errorf("provisioning: consume correlation: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown or expired correlation token", ErrTenantValidation)
	}
	return nil
}

func (f *Flow) ensureTenant(ctx context.Context, issuer string) (auth.Tenant, bool, error) {
	t, err := f.tenants.FindByIssuer(ctx, issuer)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return auth.Tenant{}, false, err
	}
	t, err = f.tenants.Create(ctx, issuer)
	if errors.Is(err, auth.ErrConflict) {
		f.logger.Info("tenant created concurrently, reusing", zap.String("issuer", issuer))
		t, err = f.tenants.FindByIssuer(ctx, issuer)
		return t, false, err
	}
	if err != nil {
		return auth.Tenant{}, false, err
	}
	return t, true, nil
}

func (f *Flow) reconcileUser(ctx context.Context, tenant auth.Tenant, p auth.Principal) (auth.User, bool, bool, error) {
	u, err := f.users.FindByObjectID(ctx, p.ObjectID)
	if errors.Is(err, auth.ErrNotFound) {
		u, err = f.users.Create(ctx, tenant.ID, p.ObjectID, p.DisplayName, p.Email)
		if err == nil {
			return u, true, false, nil
		}
		if !errors.Is(err, auth.ErrConflict) {
			return auth.User{}, false, false, err
		}
		u, err = f.users.FindByObjectID(ctx, p.ObjectID)
	}
	if err != nil {
		return auth.User{}, false, false, err
	}
	if strings.EqualFold(u.DisplayName, p.DisplayName) && strings.EqualFold(u.Email, p.Email) {
		return u, false, false, nil
	}
	u.DisplayName = p.DisplayName
	u.Email = p.Email
	u, err = f.users.Update(ctx, u)
	if err != nil {
		return auth.User{}, false, false, err
	}
	return u, false, true, nil
}

func (f *Flow) record(ctx context.Context, res Result) {
	tenantEvent := "tenant.reused"
	if res.TenantCreated {
		tenantEvent = "tenant.created"
	}
	events := []string{tenantEvent}
	switch {
	case res.UserCreated:
		events = append(events, "user.created")
	case res.UserUpdated:
		events = append(events, "user.updated")
	}
	for _, ev := range events {
		obs.ProvisioningEvents.WithLabelValues(ev).Inc()
		_ = audit.LogEvent(ctx, ev, map[string]any{
			"issuer":    res.Tenant.IssuerValue,
			"object_id": res.User.ObjectID,
		})
	}
	f.logger.Info("principal provisioned",
		zap.String("tenant_id", res.Tenant.ID),
		zap.String("user_id", res.User.ID),
		zap.String("issuer", res.Tenant.IssuerValue),
	)
}

func (f *Flow) reject(ctx context.Context, event string, p auth.Principal, err error) error {
	obs.ProvisioningEvents.WithLabelValues(event).Inc()
	_ = audit.LogEvent(ctx, event, map[string]any{
		"issuer": p.IssuerValue,
		"reason": err.Error(),
	})
	f.logger.Warn("callback rejected", zap.String("issuer", p.IssuerValue), zap.Error(err))
	return err
}
