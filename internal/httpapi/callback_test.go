package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tailspin.org/internal/auth"
	"tailspin.org/internal/credentials"
	"tailspin.org/internal/idp"
	"tailspin.org/internal/provisioning"
	"tailspin.org/internal/tokencache"
)

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.IDTokenClaims{
		ObjectID: "oid-1",
		Name:     "Alice Admin",
		Email:    "alice@contoso.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://sts.example.com/contoso/",
			Audience:  jwt.ClaimStrings{"app"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("unused"))
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + r.FormValue("code"),
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      idToken,
		})
	}))
}

func TestSignupCallbackRoundTrip(t *testing.T) {
	tokenSrv := newTokenServer(t)
	defer tokenSrv.Close()

	client, err := idp.New(idp.Config{Authority: tokenSrv.URL, ClientID: "app", RedirectURL: "https://app.example.com/signin-oidc"})
	if err != nil {
		t.Fatalf("idp.New: %v", err)
	}
	cred, err := credentials.NewSecretCredential("app", "s3cret")
	if err != nil {
		t.Fatalf("NewSecretCredential: %v", err)
	}
	strategy, err := tokencache.NewStrategy(tokencache.StoreConfig{}, tokencache.StoreDeps{})
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	providers, err := tokencache.NewProviders(strategy, tokencache.ProviderConfig{
		Authority:   tokenSrv.URL,
		Resource:    "https://surveys.example.com",
		Credentials: credentials.NewStaticService(cred),
		Endpoint:    client,
	})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	tenants := provisioning.NewMemoryTenants()
	flow, err := provisioning.NewFlow(tenants, provisioning.NewMemoryUsers(), provisioning.NewMemoryCorrelations(), client,
		provisioning.WithTokenExchanger(providers))
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	srv := httptest.NewServer(New(Readiness{}, "test", flow, nil).Handler())
	defer srv.Close()
	hc := srv.Client()
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := hc.Get(srv.URL + "/signup")
	if err != nil {
		t.Fatalf("GET /signup: %v", err)
	}
	resp.Body.Close()
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatalf("sign-up redirect carries no state: %s", loc)
	}

	callback := srv.URL + "/signin-oidc?" + url.Values{"state": {state}, "code": {"c1"}}.Encode()
	resp, err = hc.Get(callback)
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body["tenant_created"] != true {
		t.Fatalf("callback: status=%d body=%v", resp.StatusCode, body)
	}
	if tenants.Len() != 1 {
		t.Fatalf("expected one tenant row, got %d", tenants.Len())
	}
	if _, err := tenants.FindByIssuer(context.Background(), "https://sts.example.com/contoso/"); err != nil {
		t.Fatalf("tenant not stored under its issuer: %v", err)
	}

	tok, err := providers.GetDelegatedToken(context.Background(), auth.Principal{ObjectID: "oid-1"})
	if err != nil || tok != "at-c1" {
		t.Fatalf("delegated token = %q, %v", tok, err)
	}

	resp, err = hc.Get(callback)
	if err != nil {
		t.Fatalf("replay callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("replayed state should be 403, got %d", resp.StatusCode)
	}

	resp, err = hc.Get(srv.URL + "/signin-oidc?error=access_denied")
	if err != nil {
		t.Fatalf("error callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("identity-provider error should be 400, got %d", resp.StatusCode)
	}
}

func TestCallbackPathOption(t *testing.T) {
	srv := httptest.NewServer(New(Readiness{}, "test", &fakeOnboarding{}, nil, WithCallbackPath("/auth/callback")).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/auth/callback?code=c1")
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on configured path, got %d", resp.StatusCode)
	}
	resp, err = srv.Client().Get(srv.URL + "/signin-oidc?code=c1")
	if err != nil {
		t.Fatalf("GET default path: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("default path should not be served, got %d", resp.StatusCode)
	}
}
