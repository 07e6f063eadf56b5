package provisioning

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"tailspin.org/internal/auth"
	"tailspin.org/internal/obs"
	"tailspin.org/internal/tokencache"
)

type fakeAuthorize struct{}

func (fakeAuthorize) AuthCodeURL(state, prompt string, opts ...oauth2.AuthCodeOption) string {
	cfg := oauth2.Config{ClientID: "client-1", Endpoint: oauth2.Endpoint{AuthURL: "https://login.example.com/common/oauth2/authorize"}}
	return cfg.AuthCodeURL(state, append([]oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", prompt)}, opts...)...)
}

type countingTenants struct {
	*MemoryTenants
	finds   atomic.Int64
	creates atomic.Int64
}

func (c *countingTenants) FindByIssuer(ctx context.Context, issuer string) (auth.Tenant, error) {
	c.finds.Add(1)
	return c.MemoryTenants.FindByIssuer(ctx, issuer)
}

func (c *countingTenants) Create(ctx context.Context, issuer string) (auth.Tenant, error) {
	c.creates.Add(1)
	return c.MemoryTenants.Create(ctx, issuer)
}

type countingUsers struct {
	*MemoryUsers
	updates atomic.Int64
}

func (c *countingUsers) Update(ctx context.Context, u auth.User) (auth.User, error) {
	c.updates.Add(1)
	return c.MemoryUsers.Update(ctx, u)
}

type recordingRedeemer struct {
	mu         sync.Mutex
	principals []auth.Principal
	codes      []string
}

func (r *recordingRedeemer) RedeemCode(_ context.Context, p auth.Principal, code, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.principals = append(r.principals, p)
	r.codes = append(r.codes, code)
	return nil
}

type fixture struct {
	flow         *Flow
	tenants      *countingTenants
	users        *countingUsers
	correlations *MemoryCorrelations
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fx := &fixture{
		tenants:      &countingTenants{MemoryTenants: NewMemoryTenants()},
		users:        &countingUsers{MemoryUsers: NewMemoryUsers()},
		correlations: NewMemoryCorrelations(),
	}
	flow, err := NewFlow(fx.tenants, fx.users, fx.correlations, fakeAuthorize{}, opts...)
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	fx.flow = flow
	return fx
}

func contosoAdmin() auth.Principal {
	return auth.Principal{
		ObjectID:    "oid-1",
		IssuerValue: "https://sts.example.com/contoso/",
		DisplayName: "Alice Admin",
		Email:       "alice@contoso.com",
		Roles:       []string{auth.RoleSurveyAdmin},
	}
}

func (fx *fixture) signup(t *testing.T, p auth.Principal) (Result, error) {
	t.Helper()
	redirect, err := fx.flow.BeginSignup(context.Background())
	if err != nil {
		t.Fatalf("BeginSignup: %v", err)
	}
	return fx.flow.HandleCallback(context.Background(), Ticket{Signup: true, State: redirect.State, Principal: p})
}

func TestBeginSignupRedirect(t *testing.T) {
	fx := newFixture(t)
	redirect, err := fx.flow.BeginSignup(context.Background())
	if err != nil {
		t.Fatalf("BeginSignup: %v", err)
	}
	if redirect.Prompt != PromptAdminConsent || len(redirect.State) < 40 {
		t.Fatalf("unexpected redirect: %+v", redirect)
	}
	u, err := url.Parse(redirect.URL)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Query().Get("state") != redirect.State || u.Query().Get("prompt") != "admin_consent" {
		t.Fatalf("redirect URL missing state or prompt: %s", redirect.URL)
	}

	signin := fx.flow.BeginSignin(context.Background(), "bob@contoso.com")
	q, _ := url.Parse(signin.URL)
	if q.Query().Get("prompt") != "select_account" || q.Query().Get("login_hint") != "bob@contoso.com" {
		t.Fatalf("unexpected sign-in redirect: %s", signin.URL)
	}
	if q.Query().Has("state") {
		t.Fatalf("sign-in should not carry a correlation token")
	}
}

func TestSignupCreatesTenantAndUser(t *testing.T) {
	before := testutil.ToFloat64(obs.ProvisioningEvents.WithLabelValues("tenant.created"))
	fx := newFixture(t)
	res, err := fx.signup(t, contosoAdmin())
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if !res.TenantCreated || !res.UserCreated || res.UserUpdated {
		t.Fatalf("unexpected result flags: %+v", res)
	}
	if res.Principal.TenantID != res.Tenant.ID || res.Principal.UserID != res.User.ID {
		t.Fatalf("principal missing local ids: %+v", res.Principal)
	}
	if !res.Principal.IsAdmin() {
		t.Fatalf("roles lost during provisioning")
	}
	if res.User.TenantID != res.Tenant.ID {
		t.Fatalf("user not attached to tenant")
	}
	if got := testutil.ToFloat64(obs.ProvisioningEvents.WithLabelValues("tenant.created")) - before; got != 1 {
		t.Fatalf("tenant.created delta = %v", got)
	}

	again, err := fx.signup(t, contosoAdmin())
	if err != nil {
		t.Fatalf("second sign-up: %v", err)
	}
	if again.TenantCreated || again.Tenant.ID != res.Tenant.ID {
		t.Fatalf("expected existing tenant reused: %+v", again)
	}
}

func TestSignupWithoutCorrelationCreatesNoTenant(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.flow.HandleCallback(context.Background(), Ticket{Signup: true, Principal: contosoAdmin()})
	if !errors.Is(err, ErrTenantValidation) {
		t.Fatalf("expected ErrTenantValidation, got %v", err)
	}
	if fx.tenants.Len() != 0 || fx.tenants.finds.Load() != 0 || fx.tenants.creates.Load() != 0 {
		t.Fatalf("tenant repository touched on a rejected callback")
	}

	_, err = fx.flow.HandleCallback(context.Background(), Ticket{Signup: true, State: "forged", Principal: contosoAdmin()})
	if !errors.Is(err, ErrTenantValidation) || fx.tenants.Len() != 0 {
		t.Fatalf("forged state: err=%v tenants=%d", err, fx.tenants.Len())
	}
}

func TestCorrelationIsSingleUse(t *testing.T) {
	fx := newFixture(t)
	redirect, err := fx.flow.BeginSignup(context.Background())
	if err != nil {
		t.Fatalf("BeginSignup: %v", err)
	}
	ticket := Ticket{Signup: true, State: redirect.State, Principal: contosoAdmin()}
	if _, err := fx.flow.HandleCallback(context.Background(), ticket); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if _, err := fx.flow.HandleCallback(context.Background(), ticket); !errors.Is(err, ErrTenantValidation) {
		t.Fatalf("replayed callback: expected ErrTenantValidation, got %v", err)
	}
}

func TestExpiredCorrelationIsRejected(t *testing.T) {
	fx := newFixture(t, WithCorrelationTTL(time.Minute))
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	fx.correlations.now = func() time.Time { return now }
	redirect, err := fx.flow.BeginSignup(context.Background())
	if err != nil {
		t.Fatalf("BeginSignup: %v", err)
	}
	now = now.Add(2 * time.Minute)
	_, err = fx.flow.HandleCallback(context.Background(), Ticket{Signup: true, State: redirect.State, Principal: contosoAdmin()})
	if !errors.Is(err, ErrTenantValidation) {
		t.Fatalf("expected ErrTenantValidation, got %v", err)
	}
}

func TestSignupMissingIssuerIsRejected(t *testing.T) {
	fx := newFixture(t)
	p := contosoAdmin()
	p.IssuerValue = ""
	if _, err := fx.signup(t, p); !errors.Is(err, ErrTenantValidation) {
		t.Fatalf("expected ErrTenantValidation, got %v", err)
	}
}

// racingTenants reports a miss and then loses the insert to a concurrent sign-up.
type racingTenants struct {
	*MemoryTenants
	once sync.Once
}

func (r *racingTenants) Create(ctx context.Context, issuer string) (auth.Tenant, error) {
	r.once.Do(func() { _, _ = r.MemoryTenants.Create(ctx, issuer) })
	return r.MemoryTenants.Create(ctx, issuer)
}

func TestSignupConflictReusesWinner(t *testing.T) {
	tenants := &racingTenants{MemoryTenants: NewMemoryTenants()}
	flow, err := NewFlow(tenants, NewMemoryUsers(), NewMemoryCorrelations(), fakeAuthorize{})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	redirect, _ := flow.BeginSignup(context.Background())
	res, err := flow.HandleCallback(context.Background(), Ticket{Signup: true, State: redirect.State, Principal: contosoAdmin()})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.TenantCreated {
		t.Fatalf("lost race reported as created")
	}
	winner, _ := tenants.FindByIssuer(context.Background(), contosoAdmin().IssuerValue)
	if res.Tenant.ID != winner.ID || tenants.Len() != 1 {
		t.Fatalf("expected winner %s reused, got %s (tenants=%d)", winner.ID, res.Tenant.ID, tenants.Len())
	}
}

func TestConcurrentSignupsShareTenant(t *testing.T) {
	fx := newFixture(t)
	const n = 8
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		redirect, err := fx.flow.BeginSignup(context.Background())
		if err != nil {
			t.Fatalf("BeginSignup: %v", err)
		}
		wg.Add(1)
		go func(i int, state string) {
			defer wg.Done()
			p := contosoAdmin()
			p.ObjectID = "oid-" + string(rune('a'+i))
			results[i], errs[i] = fx.flow.HandleCallback(context.Background(), Ticket{Signup: true, State: state, Principal: p})
		}(i, redirect.State)
	}
	wg.Wait()
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("callback %d: %v", i, errs[i])
		}
		if results[i].Tenant.ID != results[0].Tenant.ID {
			t.Fatalf("callback %d got a different tenant", i)
		}
	}
	if fx.tenants.Len() != 1 {
		t.Fatalf("expected one tenant, got %d", fx.tenants.Len())
	}
}

func TestSigninUnknownIssuerIsRejected(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.flow.HandleCallback(context.Background(), Ticket{Principal: contosoAdmin()})
	if !errors.Is(err, ErrTenantValidation) {
		t.Fatalf("expected ErrTenantValidation, got %v", err)
	}
	if fx.tenants.Len() != 0 {
		t.Fatalf("sign-in must not create tenants")
	}
}

func TestSigninUpdatesUserOnlyWhenChanged(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.signup(t, contosoAdmin()); err != nil {
		t.Fatalf("sign-up: %v", err)
	}

	p := contosoAdmin()
	p.DisplayName = "ALICE ADMIN"
	p.Email = "Alice@Contoso.com"
	res, err := fx.flow.HandleCallback(context.Background(), Ticket{Principal: p})
	if err != nil {
		t.Fatalf("sign-in: %v", err)
	}
	if res.UserUpdated || fx.users.updates.Load() != 0 {
		t.Fatalf("case-only change should not update the user")
	}

	p.DisplayName = "Alice Administrator"
	res, err = fx.flow.HandleCallback(context.Background(), Ticket{Principal: p})
	if err != nil {
		t.Fatalf("sign-in: %v", err)
	}
	if !res.UserUpdated || fx.users.updates.Load() != 1 || res.User.DisplayName != "Alice Administrator" {
		t.Fatalf("expected one update, got %+v (updates=%d)", res, fx.users.updates.Load())
	}
}

func TestCallbackRedeemsCode(t *testing.T) {
	redeemer := &recordingRedeemer{}
	fx := newFixture(t, WithCodeRedeemer(redeemer))
	redirect, _ := fx.flow.BeginSignup(context.Background())
	res, err := fx.flow.HandleCallback(context.Background(), Ticket{
		Signup:    true,
		State:     redirect.State,
		Principal: contosoAdmin(),
		Code:      "code-1",
	})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if len(redeemer.codes) != 1 || redeemer.codes[0] != "code-1" {
		t.Fatalf("unexpected redemptions: %v", redeemer.codes)
	}
	if redeemer.principals[0].UserID != res.User.ID {
		t.Fatalf("redeemer did not receive the provisioned principal")
	}
}

type fakeExchanger struct {
	principal auth.Principal
	exchanged []string
	stored    []auth.Principal
}

func (f *fakeExchanger) Exchange(_ context.Context, code, _ string) (auth.Principal, tokencache.Token, error) {
	f.exchanged = append(f.exchanged, code)
	return f.principal, tokencache.Token{AccessToken: "at-" + code}, nil
}

func (f *fakeExchanger) Store(_ context.Context, p auth.Principal, _ tokencache.Token) error {
	f.stored = append(f.stored, p)
	return nil
}

func TestCompleteSignupProvisionsAndCachesTokens(t *testing.T) {
	x := &fakeExchanger{principal: contosoAdmin()}
	fx := newFixture(t, WithTokenExchanger(x))
	redirect, _ := fx.flow.BeginSignup(context.Background())

	res, err := fx.flow.Complete(context.Background(), Callback{State: redirect.State, Code: "code-1"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !res.TenantCreated || !res.UserCreated || fx.tenants.Len() != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(x.stored) != 1 || x.stored[0].UserID != res.User.ID || x.stored[0].TenantID != res.Tenant.ID {
		t.Fatalf("tokens not cached for the provisioned principal: %+v", x.stored)
	}

	_, err = fx.flow.Complete(context.Background(), Callback{State: redirect.State, Code: "code-2"})
	if !errors.Is(err, ErrTenantValidation) {
		t.Fatalf("expected replayed state to be rejected, got %v", err)
	}
	if len(x.exchanged) != 1 {
		t.Fatalf("replayed state must not redeem the code, exchanged %v", x.exchanged)
	}
}

func TestCompleteRejectsForgedStateBeforeRedeeming(t *testing.T) {
	x := &fakeExchanger{principal: contosoAdmin()}
	fx := newFixture(t, WithTokenExchanger(x))
	_, err := fx.flow.Complete(context.Background(), Callback{State: "forged", Code: "code-1"})
	if !errors.Is(err, ErrTenantValidation) {
		t.Fatalf("expected ErrTenantValidation, got %v", err)
	}
	if len(x.exchanged) != 0 || fx.tenants.finds.Load() != 0 {
		t.Fatalf("forged state reached the token endpoint or tenants")
	}
}

func TestCompleteSigninRequiresRegisteredTenant(t *testing.T) {
	x := &fakeExchanger{principal: contosoAdmin()}
	fx := newFixture(t, WithTokenExchanger(x))
	_, err := fx.flow.Complete(context.Background(), Callback{Code: "code-1"})
	if !errors.Is(err, ErrTenantValidation) {
		t.Fatalf("expected ErrTenantValidation, got %v", err)
	}
	if len(x.stored) != 0 {
		t.Fatalf("tokens cached for an unregistered tenant")
	}

	if _, err := newFixture(t).flow.Complete(context.Background(), Callback{Code: "code-1"}); err == nil {
		t.Fatalf("expected an error without a token exchanger")
	}
}

func TestRedisCorrelations(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	ctx := context.Background()
	store := NewRedisCorrelations(client, "tailspin:")
	if err := store.Save(ctx, "tok", time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ttl := srv.TTL("tailspin:signup:tok"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
	ok, err := store.Consume(ctx, "tok")
	if err != nil || !ok {
		t.Fatalf("first Consume: ok=%v err=%v", ok, err)
	}
	ok, err = store.Consume(ctx, "tok")
	if err != nil || ok {
		t.Fatalf("second Consume: ok=%v err=%v", ok, err)
	}

	if err := store.Save(ctx, "late", time.Second); err != nil {
		t.Fatalf("Save: %v", err)
	}
	srv.FastForward(2 * time.Second)
	if ok, _ := store.Consume(ctx, "late"); ok {
		t.Fatalf("expired token consumed")
	}
}
